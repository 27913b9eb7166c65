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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/your-org/telemetry-insights/internal/analysis"
	"github.com/your-org/telemetry-insights/internal/resilience"
)

func newGeminiTestServer(t *testing.T, handler http.HandlerFunc) *Gemini {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	g, err := NewGemini(GeminiConfig{APIKey: "gemini-key", BaseURL: server.URL, Model: "gemini-test"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return g
}

func TestNewGemini_RequiresAPIKey(t *testing.T) {
	_, err := NewGemini(GeminiConfig{}, nil)
	require.Error(t, err)
	assert.Equal(t, resilience.KindAuth, resilience.KindOf(err))
}

func TestGemini_CallSendsOrderedParts(t *testing.T) {
	var captured geminiRequest
	g := newGeminiTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-test:generateContent", r.URL.Path)
		assert.Equal(t, "gemini-key", r.Header.Get("x-goog-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
			"candidates": [{"content": {"role": "model", "parts": [{"text": %q}]}, "finishReason": "STOP"}],
			"usageMetadata": {"totalTokenCount": 321}
		}`, analysisReply)
	})

	resp, err := g.Call(context.Background(), Call{
		Prompt: "analyze",
		Options: Options{
			ResponseMIMEType: "application/json",
			EnableGrounding:  true,
		},
		Attachments: []Attachment{
			{Kind: AttachmentAudio, MIMEType: "audio/mpeg", Data: []byte("radio")},
			{Kind: AttachmentImage, MIMEType: "image/png", Data: []byte("map")},
			{Kind: AttachmentVideo, MIMEType: "video/mp4", Data: []byte("onboard")},
		},
		URLContext: []URLContent{{URL: "https://example.com/notes", Text: "tire notes"}},
	})
	require.NoError(t, err)

	assert.Equal(t, analysis.ProviderGemini, resp.Provider)
	assert.Equal(t, analysisReply, resp.RawText)
	require.NotNil(t, resp.TokensUsed)
	assert.Equal(t, 321, *resp.TokensUsed)

	require.Len(t, captured.Contents, 1)
	parts := captured.Contents[0].Parts
	require.Len(t, parts, 5)
	assert.Equal(t, "analyze", parts[0].Text)
	assert.Equal(t, "image/png", parts[1].InlineData.MIMEType)
	assert.Equal(t, "video/mp4", parts[2].InlineData.MIMEType)
	assert.Equal(t, "audio/mpeg", parts[3].InlineData.MIMEType)
	assert.Equal(t, []byte("radio"), parts[3].InlineData.Data)
	assert.Contains(t, parts[4].Text, "tire notes")

	require.NotNil(t, captured.GenerationConfig)
	assert.Equal(t, "application/json", captured.GenerationConfig.ResponseMIMEType)
	require.Len(t, captured.Tools, 1)
	assert.NotNil(t, captured.Tools[0].GoogleSearch)
}

func TestGemini_Grounding(t *testing.T) {
	g := newGeminiTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"candidates": [{
				"content": {"parts": [{"text": "Soft tires degrade fast at COTA."}]},
				"groundingMetadata": {
					"webSearchQueries": ["cota tire degradation"],
					"groundingChunks": [
						{"web": {"uri": "https://a.example/cota", "title": "COTA guide"}},
						{"web": {"uri": "https://a.example/cota", "title": "duplicate"}},
						{"web": {"uri": "https://b.example/tires", "title": "Tire wear"}}
					],
					"groundingSupports": [
						{"segment": {"startIndex": 0, "endIndex": 31}, "groundingChunkIndices": [0, 2]}
					]
				}
			}]
		}`)
	})

	resp, err := g.Call(context.Background(), Call{Prompt: "x", Options: Options{EnableGrounding: true}})
	require.NoError(t, err)

	assert.Equal(t, []string{"cota tire degradation"}, resp.GroundingQueries)
	require.Len(t, resp.Citations, 2)
	assert.Equal(t, "https://a.example/cota", resp.Citations[0].URI)
	assert.Equal(t, "COTA guide", resp.Citations[0].Title)
	require.NotNil(t, resp.Citations[0].StartIndex)
	assert.Equal(t, 0, *resp.Citations[0].StartIndex)
	require.NotNil(t, resp.Citations[1].EndIndex)
	assert.Equal(t, 31, *resp.Citations[1].EndIndex)
	assert.Nil(t, resp.TokensUsed)
}

func TestGemini_FunctionCalls(t *testing.T) {
	var captured geminiRequest
	g := newGeminiTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"candidates": [{"content": {"parts": [{"functionCall": {"name": "lookup_lap", "args": {"lap": 7}}}]}}]}`)
	})

	resp, err := g.Call(context.Background(), Call{
		Prompt:  "x",
		Options: Options{Functions: []FunctionDeclaration{{Name: "lookup_lap"}}},
	})
	require.NoError(t, err)

	require.Len(t, captured.Tools, 1)
	require.Len(t, captured.Tools[0].FunctionDeclarations, 1)
	require.Len(t, resp.FunctionCalls, 1)
	assert.Equal(t, "lookup_lap", resp.FunctionCalls[0].Name)
	assert.Equal(t, float64(7), resp.FunctionCalls[0].Args["lap"])
}

func TestGemini_Streaming(t *testing.T) {
	g := newGeminiTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-test:streamGenerateContent", r.URL.Path)
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		frames := []string{
			`{"candidates":[{"content":{"parts":[{"text":"{\"summary\":"}]}}]}`,
			`{"candidates":[{"content":{"parts":[{"text":"\"fast\"}"}]},"groundingMetadata":{"groundingChunks":[{"web":{"uri":"https://c.example","title":"C"}}]}}]}`,
			`not json`,
			`{"candidates":[],"usageMetadata":{"totalTokenCount":44}}`,
		}
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\r\n\r\n", f)
			flusher.Flush()
		}
	})

	var chunks []string
	resp, err := g.Call(context.Background(), Call{
		Prompt:  "x",
		Stream:  true,
		OnChunk: func(text string) { chunks = append(chunks, text) },
	})
	require.NoError(t, err)

	assert.Equal(t, []string{`{"summary":`, `"fast"}`}, chunks)
	assert.Equal(t, `{"summary":"fast"}`, resp.RawText)
	require.Len(t, resp.Citations, 1)
	assert.Equal(t, "https://c.example", resp.Citations[0].URI)
	require.NotNil(t, resp.TokensUsed)
	assert.Equal(t, 44, *resp.TokensUsed)
}

func TestGemini_ErrorEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		kind    resilience.ErrorKind
		message string
	}{
		{
			name:    "invalid key",
			status:  http.StatusForbidden,
			body:    `{"error": {"code": 403, "message": "API key not valid", "status": "PERMISSION_DENIED"}}`,
			kind:    resilience.KindAuth,
			message: "API key not valid",
		},
		{
			name:    "bad argument",
			status:  http.StatusBadRequest,
			body:    `{"error": {"code": 400, "message": "Invalid JSON payload", "status": "INVALID_ARGUMENT"}}`,
			kind:    resilience.KindBadRequest,
			message: "Invalid JSON payload",
		},
		{
			name:    "overloaded",
			status:  http.StatusServiceUnavailable,
			body:    `upstream overloaded`,
			kind:    resilience.KindRateLimitOrServer,
			message: "upstream overloaded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGeminiTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})

			_, err := g.Call(context.Background(), Call{Prompt: "x"})
			require.Error(t, err)

			var providerErr *resilience.ProviderError
			require.True(t, errors.As(err, &providerErr))
			assert.Equal(t, "gemini", providerErr.Provider)
			assert.Equal(t, tt.kind, providerErr.Kind)
			assert.Equal(t, tt.message, providerErr.Message)
		})
	}
}

func TestGemini_NoCandidates(t *testing.T) {
	g := newGeminiTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"candidates": []}`)
	})

	_, err := g.Call(context.Background(), Call{Prompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no candidates")
}
