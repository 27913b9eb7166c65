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
	"errors"
	"math"
	"strings"
	"time"
)

// ErrNoResults is returned when Merge is called without input
var ErrNoResults = errors.New("consensus requires at least one result")

// Merge combines successful provider results into one consensus result.
// Lists are unioned on exact string equality in first-seen order, confidence
// is the rounded mean, and citations are deduplicated by URI.
func Merge(results []*Result, now time.Time) (*Result, error) {
	inputs := make([]*Result, 0, len(results))
	for _, r := range results {
		if r != nil {
			inputs = append(inputs, r)
		}
	}
	if len(inputs) == 0 {
		return nil, ErrNoResults
	}

	merged := NewResult(ProviderCombined, now)

	var (
		summaries   []string
		confidence  int
		tireWear    []string
		lapTime     []string
		pitWindow   []string
		performance []string
	)

	insights := newOrderedSet(MaxInsights)
	recommendations := newOrderedSet(MaxRecommendations)
	identified := newOrderedSet(MaxPatterns)
	anomalies := newOrderedSet(MaxPatterns)
	trends := newOrderedSet(MaxPatterns)
	citationURIs := make(map[string]struct{})

	for _, r := range inputs {
		insights.addAll(r.Insights)
		recommendations.addAll(r.Recommendations)
		identified.addAll(r.Patterns.Identified)
		anomalies.addAll(r.Patterns.Anomalies)
		trends.addAll(r.Patterns.Trends)

		confidence += r.Confidence
		summaries = appendNonEmpty(summaries, r.Summary)
		tireWear = appendNonEmpty(tireWear, r.Predictions.TireWear)
		lapTime = appendNonEmpty(lapTime, r.Predictions.LapTime)
		pitWindow = appendNonEmpty(pitWindow, r.Predictions.PitWindow)
		performance = appendNonEmpty(performance, r.Predictions.Performance)

		for _, c := range r.Citations {
			if _, seen := citationURIs[c.URI]; seen {
				continue
			}
			citationURIs[c.URI] = struct{}{}
			merged.Citations = append(merged.Citations, c)
		}
	}

	merged.Insights = insights.items
	merged.Recommendations = recommendations.items
	merged.Patterns = Patterns{
		Identified: identified.items,
		Anomalies:  anomalies.items,
		Trends:     trends.items,
	}
	merged.Confidence = clampConfidence(int(math.Round(float64(confidence) / float64(len(inputs)))))
	merged.Summary = truncateRunes(strings.Join(summaries, "\n\n"), MaxSummaryRunes)
	merged.Predictions = Predictions{
		TireWear:    truncateRunes(strings.Join(tireWear, " "), MaxMergedPredictionRunes),
		LapTime:     truncateRunes(strings.Join(lapTime, " "), MaxMergedPredictionRunes),
		PitWindow:   truncateRunes(strings.Join(pitWindow, " "), MaxMergedPredictionRunes),
		Performance: truncateRunes(strings.Join(performance, " "), MaxMergedPredictionRunes),
	}

	return merged, nil
}

func appendNonEmpty(values []string, v string) []string {
	if v = strings.TrimSpace(v); v != "" {
		return append(values, v)
	}
	return values
}

// orderedSet keeps the first occurrence of each string up to max items
type orderedSet struct {
	max   int
	seen  map[string]struct{}
	items []string
}

func newOrderedSet(max int) *orderedSet {
	return &orderedSet{max: max, seen: make(map[string]struct{}), items: []string{}}
}

func (s *orderedSet) addAll(values []string) {
	for _, v := range values {
		if len(s.items) == s.max {
			return
		}
		if _, ok := s.seen[v]; ok {
			continue
		}
		s.seen[v] = struct{}{}
		s.items = append(s.items, v)
	}
}
