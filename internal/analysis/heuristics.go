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
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// Heuristic extraction is best-effort. It only runs when a reply carries no
// usable JSON object, and it never fails: sections that cannot be found
// become empty values.

// minListItemRunes drops fragments too short to be a real list item
const minListItemRunes = 10

// minParagraphRunes is the length a paragraph needs to stand in for a summary
const minParagraphRunes = 50

type sectionField int

const (
	fieldInsights sectionField = iota
	fieldRecommendations
	fieldPatterns
	fieldAnomalies
	fieldTrends
	fieldSummary
	fieldTireWear
	fieldLapTime
	fieldPitWindow
	fieldPerformance
	// fieldPredictions groups the prediction headings; it has no value of its own
	fieldPredictions
)

type section struct {
	field   sectionField
	heading *regexp.Regexp
	// item matches a bulleted "- Tire wear: ..." entry under a Predictions heading
	item *regexp.Regexp
}

// Heading prefixes allow markdown markers and up to two qualifying words
// ("Key Insights", "Identified patterns"). A bulleted prediction entry must
// carry a colon after its keyword.
const (
	headingPrefix = `(?i)^[\s#>]*(?:\*\*|__)?\s*(?:[a-z]+\s+){0,2}`
	headingSuffix = `(?:\*\*|__)?\s*(?::\s*(?:\*\*|__)?|$)\s*(.*)$`
	itemPrefix    = `(?i)^\s*(?:[-•*]|\d+[.)])\s+(?:\*\*|__)?\s*(?:[a-z]+\s+){0,2}`
	itemSuffix    = `(?:\*\*|__)?\s*:\s*(?:\*\*|__)?\s*(.*)$`
)

func newSection(field sectionField, keyword string) section {
	return section{field: field, heading: regexp.MustCompile(headingPrefix + keyword + headingSuffix)}
}

func newPrediction(field sectionField, keyword string) section {
	s := newSection(field, keyword)
	s.item = regexp.MustCompile(itemPrefix + keyword + itemSuffix)
	return s
}

// sections are tested in this order; a heading line belongs to the first
// section that matches it, and the first heading found for a section wins.
var sections = []section{
	newSection(fieldInsights, `insights?`),
	newSection(fieldRecommendations, `recommendations?`),
	newSection(fieldPatterns, `patterns?`),
	newSection(fieldAnomalies, `anomal(?:y|ies)`),
	newSection(fieldTrends, `trends?`),
	newSection(fieldSummary, `summary`),
	newSection(fieldPredictions, `predictions?`),
	newPrediction(fieldTireWear, `tire\s+wear`),
	newPrediction(fieldLapTime, `lap\s+times?`),
	newPrediction(fieldPitWindow, `pit\s+(?:stop\s+)?windows?`),
	newPrediction(fieldPerformance, `performance`),
}

// bulletMarker needs whitespace after the marker so "**bold**" and "1.5s"
// are not read as bullets
var bulletMarker = regexp.MustCompile(`^\s*(?:[-•*]|\d+[.)])(?:\s+|$)`)

type heading struct {
	line   int
	field  sectionField
	inline string
}

// ParseHeuristic mines raw prose for keyword-anchored sections
func ParseHeuristic(raw string, source ProviderID, now time.Time) *Result {
	result := NewResult(source, now)
	result.Confidence = FallbackConfidence

	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
	headings := findHeadings(lines)

	regions := make(map[sectionField][]string)
	for i, h := range headings {
		if _, seen := regions[h.field]; seen {
			continue
		}
		end := len(lines)
		if i+1 < len(headings) {
			end = headings[i+1].line
		}
		region := make([]string, 0, end-h.line)
		if h.inline != "" {
			region = append(region, h.inline)
		}
		region = append(region, lines[h.line+1:end]...)
		regions[h.field] = region
	}

	result.Insights = listItems(regions[fieldInsights], MaxInsights)
	result.Recommendations = listItems(regions[fieldRecommendations], MaxRecommendations)
	result.Patterns.Identified = listItems(regions[fieldPatterns], MaxPatterns)
	result.Patterns.Anomalies = listItems(regions[fieldAnomalies], MaxPatterns)
	result.Patterns.Trends = listItems(regions[fieldTrends], MaxPatterns)

	if region, ok := regions[fieldSummary]; ok {
		result.Summary = prose(region, MaxSummaryRunes)
	}
	if result.Summary == "" {
		result.Summary = firstParagraph(raw, MaxSummaryRunes)
	}

	result.Predictions = Predictions{
		TireWear:    prose(regions[fieldTireWear], MaxPredictionRunes),
		LapTime:     prose(regions[fieldLapTime], MaxPredictionRunes),
		PitWindow:   prose(regions[fieldPitWindow], MaxPredictionRunes),
		Performance: prose(regions[fieldPerformance], MaxPredictionRunes),
	}

	return result
}

// findHeadings only accepts unbulleted lines as headings. Bullets are list
// items of the open region, except "- Lap time: ..." entries while the open
// region is a Predictions group or one of its entries.
func findHeadings(lines []string) []heading {
	var headings []heading
	inPredictions := false
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		bulleted := bulletMarker.MatchString(line)
		if bulleted && !inPredictions {
			continue
		}
		for _, s := range sections {
			pattern := s.heading
			if bulleted {
				pattern = s.item
			}
			if pattern == nil {
				continue
			}
			if m := pattern.FindStringSubmatch(line); m != nil {
				headings = append(headings, heading{line: i, field: s.field, inline: strings.TrimSpace(m[1])})
				inPredictions = s.field == fieldPredictions || (inPredictions && s.item != nil)
				break
			}
		}
	}
	return headings
}

// listItems strips bullet markers and drops short fragments. A blank line
// after the first item ends the list.
func listItems(region []string, max int) []string {
	items := []string{}
	for _, line := range region {
		if strings.TrimSpace(line) == "" {
			if len(items) > 0 {
				break
			}
			continue
		}
		item := strings.TrimSpace(bulletMarker.ReplaceAllString(line, ""))
		item = strings.Trim(item, "*_ ")
		if utf8.RuneCountInString(item) < minListItemRunes {
			continue
		}
		items = append(items, item)
		if len(items) == max {
			break
		}
	}
	return items
}

// prose joins the non-empty lines of a region up to the first blank line,
// without their bullet markers
func prose(region []string, max int) string {
	var parts []string
	for _, line := range region {
		line = strings.TrimSpace(line)
		if line == "" {
			if len(parts) > 0 {
				break
			}
			continue
		}
		line = bulletMarker.ReplaceAllString(line, "")
		parts = append(parts, strings.Trim(line, "*_ "))
	}
	return truncateRunes(strings.TrimSpace(strings.Join(parts, " ")), max)
}

func firstParagraph(raw string, max int) string {
	for _, paragraph := range strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n\n") {
		paragraph = strings.TrimSpace(paragraph)
		if utf8.RuneCountInString(paragraph) > minParagraphRunes {
			return truncateRunes(paragraph, max)
		}
	}
	return ""
}
