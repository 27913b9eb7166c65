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

package provider

import (
	"fmt"
	"strings"
)

// attachmentOrder fixes where each attachment kind lands after the prompt
var attachmentOrder = []AttachmentKind{AttachmentImage, AttachmentVideo, AttachmentAudio}

// buildParts assembles a multimodal request in a fixed order: the prompt
// text, then images, video and audio (each in input order), then one text
// part holding the fetched URL context.
func buildParts(prompt string, attachments []Attachment, urls []URLContent) []geminiPart {
	parts := []geminiPart{{Text: prompt}}

	for _, kind := range attachmentOrder {
		for _, a := range attachments {
			if a.Kind != kind || len(a.Data) == 0 {
				continue
			}
			parts = append(parts, geminiPart{InlineData: &geminiInlineData{
				MIMEType: a.MIMEType,
				Data:     a.Data,
			}})
		}
	}

	if text := urlContextText(urls); text != "" {
		parts = append(parts, geminiPart{Text: text})
	}
	return parts
}

// urlContextText renders fetched URL content; a failed fetch becomes an
// inline placeholder so the rest of the request still goes out.
func urlContextText(urls []URLContent) string {
	if len(urls) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("--- URL CONTEXT ---\n")
	for _, u := range urls {
		fmt.Fprintf(&b, "Source: %s\n", u.URL)
		if u.Err != nil {
			fmt.Fprintf(&b, "[unable to fetch %s: %v]\n\n", u.URL, u.Err)
			continue
		}
		b.WriteString(u.Text)
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
