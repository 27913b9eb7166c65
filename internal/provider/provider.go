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

// Package provider adapts the canonical analysis call to each LLM backend's
// wire contract and normalizes the reply into a Response.
package provider

import (
	"context"

	"github.com/your-org/telemetry-insights/internal/analysis"
)

// Provider is implemented by every backend adapter. Adapters hold no
// per-call state and are safe for concurrent use.
type Provider interface {
	Name() analysis.ProviderID
	Call(ctx context.Context, call Call) (*Response, error)
}

// AttachmentKind classifies binary inputs; it fixes their part order
type AttachmentKind string

const (
	// AttachmentImage is a still image such as a track map or onboard frame
	AttachmentImage AttachmentKind = "image"
	// AttachmentVideo is an onboard or broadcast clip
	AttachmentVideo AttachmentKind = "video"
	// AttachmentAudio is a team radio or engine note recording
	AttachmentAudio AttachmentKind = "audio"
)

// Attachment is a binary input passed to multimodal providers
type Attachment struct {
	Kind     AttachmentKind `json:"kind"`
	MIMEType string         `json:"mime_type"`
	Data     []byte         `json:"data"`
}

// URLContent is the outcome of fetching one context URL
type URLContent struct {
	URL  string
	Text string
	Err  error
}

// FunctionDeclaration describes a function the model may call
type FunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Options tune one provider call
type Options struct {
	Model            string                `json:"model,omitempty"`
	Temperature      float32               `json:"temperature,omitempty"`
	MaxTokens        int                   `json:"max_tokens,omitempty"`
	ResponseMIMEType string                `json:"response_mime_type,omitempty"`
	EnableGrounding  bool                  `json:"enable_grounding,omitempty"`
	Functions        []FunctionDeclaration `json:"functions,omitempty"`
}

// Call is the canonical request handed to an adapter
type Call struct {
	Prompt      string
	Options     Options
	Attachments []Attachment
	URLContext  []URLContent
	Stream      bool
	// OnChunk receives streamed fragments in arrival order
	OnChunk func(text string)
}

// FunctionCall is a function invocation requested by the model
type FunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Response is the provider-agnostic view of one reply. It is never mutated
// after the adapter returns it.
type Response struct {
	Provider         analysis.ProviderID
	RawText          string
	Citations        []analysis.Citation
	GroundingQueries []string
	FunctionCalls    []FunctionCall
	TokensUsed       *int
}

// HasMedia reports whether any attachment needs the multimodal time budget
func (c Call) HasMedia() bool {
	for _, a := range c.Attachments {
		if a.Kind == AttachmentVideo || a.Kind == AttachmentAudio {
			return true
		}
	}
	return false
}

func intPtr(v int) *int {
	return &v
}
