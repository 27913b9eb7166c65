// Package prompt builds provider-agnostic analysis prompts from telemetry.
package prompt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/your-org/telemetry-insights/internal/analysis"
)

// Input is everything that shapes a prompt. Binary attachments are counted,
// never embedded: providers attach them as separate parts.
type Input struct {
	Telemetry   map[string]any
	Type        analysis.Type
	Images      int
	Videos      int
	Audio       int
	ContextURLs []string
}

// Section keys pulled out of the telemetry payload into their own blocks
var (
	performanceKeys = []string{"performance"}
	tireKeys        = []string{"tires", "tire_data", "tireData"}
	weatherKeys     = []string{"weather"}
	telemetryKeys   = []string{"telemetry"}
	crossTrackKeys  = []string{"cross_track", "crossTrack", "tracks_analyzed", "tracks", "failed_tracks", "failure_count"}
)

// Build returns the prompt for in. The same input always yields the same
// prompt, which keeps content-keyed caching valid.
func Build(in Input) string {
	var prompt strings.Builder

	prompt.WriteString(systemPrompt(in.Type))

	if track, ok := in.Telemetry["track"]; ok {
		prompt.WriteString(fmt.Sprintf("Track: %v\n\n", track))
	}

	crossTrack, multiTrack := crossTrackContext(in.Telemetry)

	writeSection(&prompt, "TELEMETRY", telemetryBlock(in.Telemetry, multiTrack))
	writeSection(&prompt, "PERFORMANCE", pick(in.Telemetry, performanceKeys))
	writeSection(&prompt, "TIRE DATA", pick(in.Telemetry, tireKeys))
	writeSection(&prompt, "WEATHER", pick(in.Telemetry, weatherKeys))

	if multiTrack {
		prompt.WriteString("--- CROSS-TRACK CONTEXT ---\n")
		prompt.WriteString(prettyJSON(crossTrack))
		prompt.WriteString("\n")
		prompt.WriteString("Historical data from multiple tracks is included above. Cross-validate every ")
		prompt.WriteString("finding against the sibling tracks: call out patterns that repeat across ")
		prompt.WriteString("venues and flag findings that appear at only one track.\n\n")
	}

	if notice := multimodalNotice(in); notice != "" {
		prompt.WriteString("--- ADDITIONAL EVIDENCE ---\n")
		prompt.WriteString(notice)
		prompt.WriteString("\n\n")
	}

	prompt.WriteString(outputFormat)
	return prompt.String()
}

func systemPrompt(t analysis.Type) string {
	base := "You are a motorsport performance engineer analysing race telemetry.\n"
	var focus string
	switch t {
	case analysis.TypeTire:
		focus = "Focus on tire wear, temperature distribution, degradation rate and remaining tire life."
	case analysis.TypePerformance:
		focus = "Focus on lap time, sector performance, braking points, throttle application and consistency."
	case analysis.TypeStrategy:
		focus = "Focus on race strategy: pit window, fuel, tire compound choice and undercut or overcut options."
	case analysis.TypePredictive:
		focus = "Focus on predictions: expected tire wear, lap time evolution, pit window and final performance."
	default:
		focus = "Provide a comprehensive analysis covering tires, performance, strategy and predictions."
	}
	return base + "Analysis focus: " + focus + "\n\n"
}

func writeSection(b *strings.Builder, title string, value any) {
	if value == nil {
		return
	}
	b.WriteString("--- ")
	b.WriteString(title)
	b.WriteString(" ---\n")
	b.WriteString(prettyJSON(value))
	b.WriteString("\n\n")
}

// telemetryBlock returns the "telemetry" sub-object, or every key not claimed
// by another section. Cross-track keys are only claimed when the cross-track
// section is written; otherwise they stay in this block.
func telemetryBlock(payload map[string]any, multiTrack bool) any {
	if v := pick(payload, telemetryKeys); v != nil {
		if multiTrack {
			return v
		}
		return withCrossTrackKeys(v, payload)
	}

	claimed := make(map[string]struct{})
	sections := [][]string{performanceKeys, tireKeys, weatherKeys, {"track"}}
	if multiTrack {
		sections = append(sections, crossTrackKeys)
	}
	for _, keys := range sections {
		for _, k := range keys {
			claimed[k] = struct{}{}
		}
	}

	rest := make(map[string]any)
	for k, v := range payload {
		if _, ok := claimed[k]; !ok {
			rest[k] = v
		}
	}
	if len(rest) == 0 {
		return nil
	}
	return rest
}

// withCrossTrackKeys folds any top-level cross-track keys into the telemetry
// sub-object without mutating it
func withCrossTrackKeys(telemetry any, payload map[string]any) any {
	extra := make(map[string]any)
	for _, k := range crossTrackKeys {
		if v, ok := payload[k]; ok {
			extra[k] = v
		}
	}
	if len(extra) == 0 {
		return telemetry
	}

	merged := make(map[string]any, len(extra)+1)
	if m, ok := telemetry.(map[string]any); ok {
		for k, v := range m {
			merged[k] = v
		}
	} else {
		merged["telemetry"] = telemetry
	}
	for k, v := range extra {
		if _, taken := merged[k]; !taken {
			merged[k] = v
		}
	}
	return merged
}

func pick(payload map[string]any, keys []string) any {
	for _, k := range keys {
		if v, ok := payload[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

// crossTrackContext reports the cross-track bundle when more than one track
// contributed data
func crossTrackContext(payload map[string]any) (map[string]any, bool) {
	source := payload
	if nested, ok := payload["cross_track"].(map[string]any); ok {
		source = nested
	}

	if tracksAnalyzed(source["tracks_analyzed"]) <= 1 {
		return nil, false
	}

	bundle := make(map[string]any)
	for _, k := range []string{"tracks_analyzed", "tracks", "failed_tracks", "failure_count"} {
		if v, ok := source[k]; ok {
			bundle[k] = v
		}
	}
	return bundle, true
}

func tracksAnalyzed(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	default:
		return 0
	}
}

func multimodalNotice(in Input) string {
	var parts []string
	if in.Images > 0 {
		parts = append(parts, fmt.Sprintf("%d image(s)", in.Images))
	}
	if in.Videos > 0 {
		parts = append(parts, fmt.Sprintf("%d video(s)", in.Videos))
	}
	if in.Audio > 0 {
		parts = append(parts, fmt.Sprintf("%d audio clip(s)", in.Audio))
	}
	if len(in.ContextURLs) > 0 {
		urls := append([]string(nil), in.ContextURLs...)
		sort.Strings(urls)
		parts = append(parts, fmt.Sprintf("content fetched from %d URL(s): %s", len(urls), strings.Join(urls, ", ")))
	}
	if len(parts) == 0 {
		return ""
	}
	return "This request includes " + strings.Join(parts, ", ") +
		". Incorporate this non-text evidence into your analysis and reference it where it supports a finding."
}

func prettyJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

const outputFormat = `--- OUTPUT FORMAT ---
Respond with a single JSON object and nothing else, using exactly these fields:
{
  "insights": ["up to 7 key findings"],
  "recommendations": ["up to 5 actionable recommendations"],
  "predictions": {
    "tire_wear": "expected tire wear",
    "lap_time": "expected lap time",
    "pit_window": "recommended pit window",
    "performance": "expected overall performance"
  },
  "patterns": {
    "identified": ["up to 5 recurring patterns"],
    "anomalies": ["up to 5 anomalies"],
    "trends": ["up to 5 trends"]
  },
  "summary": "at most 500 characters",
  "confidence": 0-100
}
Example:
{"insights":["Front-left tire runs 6C hotter than front-right in sector 2"],"recommendations":["Move brake bias 1% rearward"],"predictions":{"tire_wear":"Fronts at 35% by lap 20","lap_time":"1:33.8 average","pit_window":"Laps 18-21","performance":"Top-5 pace"},"patterns":{"identified":["Consistent sector 3"],"anomalies":["Lap 7 sector 3 loss"],"trends":["+0.05s per lap degradation"]},"summary":"Strong pace limited by front tire temperature.","confidence":82}
`
