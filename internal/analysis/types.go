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

// Package analysis defines the canonical, provider-agnostic analysis result and
// the parsers and consensus merge that produce it.
package analysis

import (
	"fmt"
	"time"
)

// Type selects the focus of an analysis
type Type string

const (
	// TypeComprehensive covers every aspect of the session
	TypeComprehensive Type = "comprehensive"
	// TypeTire focuses on tire wear and degradation
	TypeTire Type = "tire"
	// TypePerformance focuses on lap time and sector performance
	TypePerformance Type = "performance"
	// TypeStrategy focuses on race strategy and pit windows
	TypeStrategy Type = "strategy"
	// TypePredictive focuses on forward-looking predictions
	TypePredictive Type = "predictive"
)

// ParseType validates an analysis type, defaulting the empty string to comprehensive
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case "":
		return TypeComprehensive, nil
	case TypeComprehensive, TypeTire, TypePerformance, TypeStrategy, TypePredictive:
		return t, nil
	default:
		return "", fmt.Errorf("unknown analysis type %q", s)
	}
}

// ProviderID identifies the backend that produced a result
type ProviderID string

const (
	// ProviderOpenAI is the single-shot chat completion backend
	ProviderOpenAI ProviderID = "openai"
	// ProviderGemini is the multimodal streaming backend
	ProviderGemini ProviderID = "gemini"
	// ProviderCombined marks a consensus merge of several providers
	ProviderCombined ProviderID = "combined"
)

// Selector chooses which providers serve a request
type Selector string

const (
	// SelectOpenAI dispatches only the OpenAI provider
	SelectOpenAI Selector = "openai"
	// SelectGemini dispatches only the Gemini provider
	SelectGemini Selector = "gemini"
	// SelectBoth dispatches every configured provider concurrently
	SelectBoth Selector = "both"
)

// ParseSelector validates a provider selector. "concurrent-all" is accepted
// as an alias for both.
func ParseSelector(s string) (Selector, error) {
	switch s {
	case "", string(SelectOpenAI):
		return SelectOpenAI, nil
	case string(SelectGemini):
		return SelectGemini, nil
	case string(SelectBoth), "concurrent-all", "all":
		return SelectBoth, nil
	default:
		return "", fmt.Errorf("unknown provider selector %q", s)
	}
}

// Result list maxima and prose budgets
const (
	MaxInsights        = 7
	MaxRecommendations = 5
	MaxPatterns        = 5
	MaxSummaryRunes    = 500
	MaxPredictionRunes = 300
	// MaxMergedPredictionRunes bounds a prediction after consensus merge
	MaxMergedPredictionRunes = 200

	// StrictConfidence is the default when a structured reply omits confidence
	StrictConfidence = 75
	// FallbackConfidence is fixed for heuristically mined results
	FallbackConfidence = 70
)

// Citation is a grounding reference returned by a provider
type Citation struct {
	URI        string `json:"uri"`
	Title      string `json:"title,omitempty"`
	StartIndex *int   `json:"start_index,omitempty"`
	EndIndex   *int   `json:"end_index,omitempty"`
}

// Predictions holds the forward-looking fields of a result
type Predictions struct {
	TireWear    string `json:"tire_wear"`
	LapTime     string `json:"lap_time"`
	PitWindow   string `json:"pit_window"`
	Performance string `json:"performance"`
}

// Patterns holds the pattern lists of a result
type Patterns struct {
	Identified []string `json:"identified"`
	Anomalies  []string `json:"anomalies"`
	Trends     []string `json:"trends"`
}

// Result is the canonical analysis result. Every list is non-nil and every
// prose field is present, even when empty.
type Result struct {
	Insights        []string    `json:"insights"`
	Recommendations []string    `json:"recommendations"`
	Predictions     Predictions `json:"predictions"`
	Patterns        Patterns    `json:"patterns"`
	Summary         string      `json:"summary"`
	Confidence      int         `json:"confidence"`
	SourceProvider  ProviderID  `json:"source_provider"`
	Timestamp       time.Time   `json:"timestamp"`
	Citations       []Citation  `json:"citations,omitempty"`
}

// NewResult returns an empty result with every list initialised
func NewResult(source ProviderID, now time.Time) *Result {
	return &Result{
		Insights:        []string{},
		Recommendations: []string{},
		Patterns: Patterns{
			Identified: []string{},
			Anomalies:  []string{},
			Trends:     []string{},
		},
		SourceProvider: source,
		Timestamp:      now,
	}
}

// Clone returns a deep copy so cached results are never shared mutably
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	out := *r
	out.Insights = cloneStrings(r.Insights)
	out.Recommendations = cloneStrings(r.Recommendations)
	out.Patterns = Patterns{
		Identified: cloneStrings(r.Patterns.Identified),
		Anomalies:  cloneStrings(r.Patterns.Anomalies),
		Trends:     cloneStrings(r.Patterns.Trends),
	}
	if r.Citations != nil {
		out.Citations = make([]Citation, len(r.Citations))
		for i, c := range r.Citations {
			out.Citations[i] = c
			if c.StartIndex != nil {
				v := *c.StartIndex
				out.Citations[i].StartIndex = &v
			}
			if c.EndIndex != nil {
				v := *c.EndIndex
				out.Citations[i].EndIndex = &v
			}
		}
	}
	return &out
}

// normalize enforces list maxima, prose budgets, confidence range and non-nil lists
func (r *Result) normalize() {
	r.Insights = capList(r.Insights, MaxInsights)
	r.Recommendations = capList(r.Recommendations, MaxRecommendations)
	r.Patterns.Identified = capList(r.Patterns.Identified, MaxPatterns)
	r.Patterns.Anomalies = capList(r.Patterns.Anomalies, MaxPatterns)
	r.Patterns.Trends = capList(r.Patterns.Trends, MaxPatterns)
	r.Summary = truncateRunes(r.Summary, MaxSummaryRunes)
	r.Predictions.TireWear = truncateRunes(r.Predictions.TireWear, MaxPredictionRunes)
	r.Predictions.LapTime = truncateRunes(r.Predictions.LapTime, MaxPredictionRunes)
	r.Predictions.PitWindow = truncateRunes(r.Predictions.PitWindow, MaxPredictionRunes)
	r.Predictions.Performance = truncateRunes(r.Predictions.Performance, MaxPredictionRunes)
	r.Confidence = clampConfidence(r.Confidence)
}

func cloneStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func capList(in []string, max int) []string {
	if in == nil {
		return []string{}
	}
	if len(in) > max {
		return in[:max]
	}
	return in
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

func clampConfidence(c int) int {
	switch {
	case c < 0:
		return 0
	case c > 100:
		return 100
	default:
		return c
	}
}
