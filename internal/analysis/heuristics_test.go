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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const markdownReply = `## Key Insights
- Front-left tire temperature peaks at 104C in sector 2
- Braking consistency drops after lap 12
• Throttle application is smooth out of slow corners
- ok

## Recommendations
1. Move brake bias 1% rearward for the final stint
2) Short-shift in turn 11 to protect the rears

**Anomalies:**
* Lap 7 shows a 0.8s loss in sector 3 without traffic

Trends: Lap times degrade 0.05s per lap after lap 10

Predictions
- Tire wear: Fronts reach 40% by lap 18
- Lap time: Expect 1:33.4 in clean air
- Pit window: Laps 17 to 19

Summary:
Strong race pace held back by front tire stress.
This line continues the summary.

Trailing paragraph that should not be part of the summary at all.`

func TestParseHeuristic_Markdown(t *testing.T) {
	result := ParseHeuristic(markdownReply, ProviderGemini, fixedNow)

	assert.Equal(t, []string{
		"Front-left tire temperature peaks at 104C in sector 2",
		"Braking consistency drops after lap 12",
		"Throttle application is smooth out of slow corners",
	}, result.Insights)
	assert.Equal(t, []string{
		"Move brake bias 1% rearward for the final stint",
		"Short-shift in turn 11 to protect the rears",
	}, result.Recommendations)
	assert.Equal(t, []string{"Lap 7 shows a 0.8s loss in sector 3 without traffic"}, result.Patterns.Anomalies)
	assert.Equal(t, []string{"Lap times degrade 0.05s per lap after lap 10"}, result.Patterns.Trends)
	assert.Empty(t, result.Patterns.Identified)

	assert.Equal(t, "Fronts reach 40% by lap 18", result.Predictions.TireWear)
	assert.Equal(t, "Expect 1:33.4 in clean air", result.Predictions.LapTime)
	assert.Equal(t, "Laps 17 to 19", result.Predictions.PitWindow)
	assert.Equal(t, "", result.Predictions.Performance)

	assert.Equal(t, "Strong race pace held back by front tire stress. This line continues the summary.", result.Summary)
	assert.Equal(t, FallbackConfidence, result.Confidence)
}

func TestParseHeuristic_FirstMatchWins(t *testing.T) {
	raw := `Anomalies:
- Sudden drop in speed trap readings on lap 4
Patterns:
- Patterns of anomalies cluster around lap 4 and lap 9
Anomalies:
- This second anomalies block is ignored entirely`

	result := ParseHeuristic(raw, ProviderOpenAI, fixedNow)

	assert.Equal(t, []string{"Sudden drop in speed trap readings on lap 4"}, result.Patterns.Anomalies)
	assert.Equal(t, []string{"Patterns of anomalies cluster around lap 4 and lap 9"}, result.Patterns.Identified)
}

func TestParseHeuristic_Caps(t *testing.T) {
	var b strings.Builder
	b.WriteString("Insights:\n")
	for i := 0; i < 12; i++ {
		b.WriteString("- insight number that is long enough\n")
	}
	b.WriteString("Tire wear: " + strings.Repeat("w", 400))

	result := ParseHeuristic(b.String(), ProviderOpenAI, fixedNow)

	assert.Len(t, result.Insights, MaxInsights)
	assert.Len(t, []rune(result.Predictions.TireWear), MaxPredictionRunes)
}

func TestParseHeuristic_SummaryFallsBackToParagraph(t *testing.T) {
	raw := "Short intro.\n\nThe car showed stable balance across all three sectors with minor understeer in slow corners.\n\nMore text."

	result := ParseHeuristic(raw, ProviderOpenAI, fixedNow)

	assert.Equal(t, "The car showed stable balance across all three sectors with minor understeer in slow corners.", result.Summary)
}

func TestParseHeuristic_EmptyInput(t *testing.T) {
	result := ParseHeuristic("", ProviderOpenAI, fixedNow)

	assert.Empty(t, result.Insights)
	assert.NotNil(t, result.Insights)
	assert.Equal(t, "", result.Summary)
	assert.Equal(t, FallbackConfidence, result.Confidence)
}

func TestParseHeuristic_KeywordBullets(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		insights []string
		lapTime  string
		tireWear string
	}{
		{
			name: "trailing keyword on a bullet",
			raw: "INSIGHTS:\n- Braking into turn 12 is consistently late\n- Excessive tire wear\n" +
				"- Sector two pace is strong across the stint",
			insights: []string{
				"Braking into turn 12 is consistently late",
				"Excessive tire wear",
				"Sector two pace is strong across the stint",
			},
		},
		{
			name: "keyword and colon on a bullet",
			raw: "INSIGHTS:\n- Lap time: 1:32.4 is the best of the session\n" +
				"- Sector two pace is strong across the stint",
			insights: []string{
				"Lap time: 1:32.4 is the best of the session",
				"Sector two pace is strong across the stint",
			},
		},
		{
			name: "prediction bullets under a predictions heading",
			raw: "Insights:\n- Rear tire wear rises sharply after lap 15\n\n" +
				"**Predictions:**\n- Tire wear: rears at 35% by lap 20\n- Lap time: 1:34.0 on old tires",
			insights: []string{"Rear tire wear rises sharply after lap 15"},
			lapTime:  "1:34.0 on old tires",
			tireWear: "rears at 35% by lap 20",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ParseHeuristic(tt.raw, ProviderOpenAI, fixedNow)

			assert.Equal(t, tt.insights, result.Insights)
			assert.Equal(t, tt.lapTime, result.Predictions.LapTime)
			assert.Equal(t, tt.tireWear, result.Predictions.TireWear)
		})
	}
}

func TestParseHeuristic_ProseDropsBullets(t *testing.T) {
	raw := "Tire wear:\n- fronts drop off after lap 14\n\nSummary:\n* Stable pace through the stint"

	result := ParseHeuristic(raw, ProviderGemini, fixedNow)

	assert.Equal(t, "fronts drop off after lap 14", result.Predictions.TireWear)
	assert.Equal(t, "Stable pace through the stint", result.Summary)
}
