// Copyright 2024 Telemetry Insights Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package analysis

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Tier names the parsing path that produced a result
type Tier string

const (
	// TierStrict means a JSON object in the reply matched the canonical shape
	TierStrict Tier = "strict"
	// TierFallback means the result was mined heuristically from prose
	TierFallback Tier = "fallback"
)

// maxCandidates bounds how many brace-balanced substrings are tried
const maxCandidates = 8

// ParseError describes why the strict tier rejected a reply. It never leaves
// this package: Normalize absorbs it by falling back to the heuristic tier.
type ParseError struct {
	Reason string
	Err    error
}

// Error implements the error interface
func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("strict parse failed: %s: %v", e.Reason, e.Err)
	}
	return "strict parse failed: " + e.Reason
}

// Unwrap returns the underlying decode error
func (e *ParseError) Unwrap() error {
	return e.Err
}

// Normalizer converts raw provider text into a canonical Result
type Normalizer struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewNormalizer creates a normalizer; now defaults to time.Now
func NewNormalizer(logger *zap.Logger, now func() time.Time) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Normalizer{logger: logger, now: now}
}

// Normalize parses raw with the strict tier and falls back to heuristic
// extraction when no canonical JSON object can be decoded.
func (n *Normalizer) Normalize(raw string, source ProviderID) (*Result, Tier) {
	now := n.now()

	result, err := ParseStrict(raw, source, now)
	if err == nil {
		return result, TierStrict
	}

	n.logger.Warn("Structured parse failed, using heuristic extraction",
		zap.String("provider", string(source)),
		zap.Int("raw_length", len(raw)),
		zap.Error(err))

	return ParseHeuristic(raw, source, now), TierFallback
}

// ParseStrict decodes the first brace-balanced JSON object in raw that carries
// at least one canonical field.
func ParseStrict(raw string, source ProviderID, now time.Time) (*Result, error) {
	candidates := jsonObjectCandidates(raw, maxCandidates)
	if len(candidates) == 0 {
		return nil, &ParseError{Reason: "no JSON object found"}
	}

	var lastErr error
	for _, candidate := range candidates {
		var fields map[string]any
		if err := json.Unmarshal([]byte(candidate), &fields); err != nil {
			lastErr = &ParseError{Reason: "invalid JSON object", Err: err}
			continue
		}
		result, ok := fromFields(fields, source, now)
		if !ok {
			lastErr = &ParseError{Reason: "JSON object has no analysis fields"}
			continue
		}
		return result, nil
	}
	return nil, lastErr
}

var canonicalKeys = []string{"insights", "recommendations", "predictions", "patterns", "summary", "confidence"}

func fromFields(fields map[string]any, source ProviderID, now time.Time) (*Result, bool) {
	found := false
	for _, key := range canonicalKeys {
		if _, ok := lookup(fields, key); ok {
			found = true
			break
		}
	}
	if !found {
		return nil, false
	}

	result := NewResult(source, now)
	result.Confidence = StrictConfidence

	if v, ok := lookup(fields, "insights"); ok {
		result.Insights = stringList(v)
	}
	if v, ok := lookup(fields, "recommendations"); ok {
		result.Recommendations = stringList(v)
	}
	if v, ok := lookup(fields, "summary"); ok {
		result.Summary = strings.TrimSpace(stringValue(v))
	}
	if v, ok := lookup(fields, "confidence"); ok {
		if c, ok := confidenceValue(v); ok {
			result.Confidence = c
		}
	}

	if v, ok := lookup(fields, "predictions"); ok {
		if preds, ok := v.(map[string]any); ok {
			result.Predictions = Predictions{
				TireWear:    lookupString(preds, "tire_wear", "tireWear"),
				LapTime:     lookupString(preds, "lap_time", "lapTime"),
				PitWindow:   lookupString(preds, "pit_window", "pitWindow"),
				Performance: lookupString(preds, "performance"),
			}
		}
	}

	if v, ok := lookup(fields, "patterns"); ok {
		switch p := v.(type) {
		case map[string]any:
			result.Patterns.Identified = lookupList(p, "identified", "patterns")
			result.Patterns.Anomalies = lookupList(p, "anomalies")
			result.Patterns.Trends = lookupList(p, "trends")
		case []any:
			result.Patterns.Identified = stringList(p)
		}
	}
	if v, ok := lookup(fields, "anomalies"); ok && len(result.Patterns.Anomalies) == 0 {
		result.Patterns.Anomalies = stringList(v)
	}
	if v, ok := lookup(fields, "trends"); ok && len(result.Patterns.Trends) == 0 {
		result.Patterns.Trends = stringList(v)
	}

	result.normalize()
	return result, true
}

// lookup finds key case-insensitively
func lookup(fields map[string]any, key string) (any, bool) {
	if v, ok := fields[key]; ok {
		return v, true
	}
	for k, v := range fields {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

func lookupString(fields map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := lookup(fields, key); ok {
			return strings.TrimSpace(stringValue(v))
		}
	}
	return ""
}

func lookupList(fields map[string]any, keys ...string) []string {
	for _, key := range keys {
		if v, ok := lookup(fields, key); ok {
			return stringList(v)
		}
	}
	return []string{}
}

// stringList accepts an array of scalars or a single string
func stringList(v any) []string {
	out := []string{}
	switch items := v.(type) {
	case []any:
		for _, item := range items {
			if s := strings.TrimSpace(stringValue(item)); s != "" {
				out = append(out, s)
			}
		}
	case string:
		if s := strings.TrimSpace(items); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// stringValue renders scalars as text and structured values as compact JSON
func stringValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

func confidenceValue(v any) (int, bool) {
	switch val := v.(type) {
	case float64:
		return clampConfidence(int(math.Round(val))), true
	case string:
		s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(val), "%"))
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return confidenceValue(f)
	default:
		return 0, false
	}
}

// jsonObjectCandidates returns up to limit brace-balanced substrings of text,
// in order of their opening brace. Braces inside JSON strings are ignored.
func jsonObjectCandidates(text string, limit int) []string {
	var candidates []string

	for start := 0; start < len(text) && len(candidates) < limit; {
		open := strings.IndexByte(text[start:], '{')
		if open < 0 {
			break
		}
		open += start

		end := matchBrace(text, open)
		if end < 0 {
			start = open + 1
			continue
		}
		candidates = append(candidates, text[open:end+1])
		start = open + 1
	}
	return candidates
}

// matchBrace returns the index of the brace closing the one at open, or -1
func matchBrace(text string, open int) int {
	depth := 0
	inString := false
	escaped := false

	for i := open; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
