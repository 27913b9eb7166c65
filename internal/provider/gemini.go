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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/telemetry-insights/internal/analysis"
	"github.com/your-org/telemetry-insights/internal/resilience"
	"github.com/your-org/telemetry-insights/internal/streaming"
)

const (
	// DefaultGeminiBaseURL is the public generative language endpoint
	DefaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	// DefaultGeminiModel is used when neither config nor the call names a model
	DefaultGeminiModel = "gemini-1.5-pro"
	// DefaultGeminiMaxTokens bounds the completion length
	DefaultGeminiMaxTokens = 4096

	maxErrorBodyBytes = 16 << 10
)

// GeminiConfig configures the multimodal adapter
type GeminiConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Gemini is the multimodal, optionally streaming adapter
type Gemini struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
	model      string
	logger     *zap.Logger
}

// NewGemini creates the adapter. No network call is made here.
func NewGemini(config GeminiConfig, logger *zap.Logger) (*Gemini, error) {
	if config.APIKey == "" {
		return nil, resilience.NewProviderError(string(analysis.ProviderGemini), 0, "API key is required", nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultGeminiBaseURL
	}
	model := config.Model
	if model == "" {
		model = DefaultGeminiModel
	}

	logger.Info("Gemini provider initialized", zap.String("model", model), zap.String("base_url", baseURL))

	return &Gemini{
		httpClient: client,
		apiKey:     config.APIKey,
		baseURL:    baseURL,
		model:      model,
		logger:     logger,
	}, nil
}

// Name identifies the provider
func (g *Gemini) Name() analysis.ProviderID {
	return analysis.ProviderGemini
}

// Call sends one generateContent request, or a streamGenerateContent request
// when call.Stream is set. Streamed fragments reach call.OnChunk in order.
func (g *Gemini) Call(ctx context.Context, call Call) (*Response, error) {
	model := call.Options.Model
	if model == "" {
		model = g.model
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, model)
	if call.Stream {
		endpoint = fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", g.baseURL, model)
	}

	payload, err := json.Marshal(g.buildRequest(call))
	if err != nil {
		return nil, resilience.NewProviderError(string(analysis.ProviderGemini), http.StatusBadRequest, "failed to encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, resilience.NewProviderError(string(analysis.ProviderGemini), http.StatusBadRequest, err.Error(), err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.apiKey)
	if call.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	start := time.Now()
	resp, err := g.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, resilience.NewNetworkError(string(analysis.ProviderGemini), err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, g.decodeError(resp)
	}

	var response *Response
	if call.Stream {
		response, err = g.readStream(ctx, resp.Body, call.OnChunk)
	} else {
		defer resp.Body.Close()
		response, err = g.readResponse(resp.Body)
	}
	if err != nil {
		return nil, err
	}

	g.logger.Debug("Gemini response received",
		zap.String("model", model),
		zap.Bool("stream", call.Stream),
		zap.Int("parts", 1+len(call.Attachments)),
		zap.Int("citations", len(response.Citations)),
		zap.Int("response_length", len(response.RawText)),
		zap.Duration("duration", time.Since(start)))

	return response, nil
}

func (g *Gemini) buildRequest(call Call) geminiRequest {
	maxTokens := call.Options.MaxTokens
	if maxTokens == 0 {
		maxTokens = DefaultGeminiMaxTokens
	}
	temperature := call.Options.Temperature
	if temperature == 0 {
		temperature = DefaultTemperature
	}

	req := geminiRequest{
		Contents: []geminiContent{{
			Role:  "user",
			Parts: buildParts(call.Prompt, call.Attachments, call.URLContext),
		}},
		GenerationConfig: &geminiGenerationConfig{
			Temperature:      temperature,
			MaxOutputTokens:  maxTokens,
			ResponseMIMEType: call.Options.ResponseMIMEType,
		},
	}

	if call.Options.EnableGrounding {
		req.GroundingConfig = &geminiGroundingConfig{}
		req.Tools = append(req.Tools, geminiTool{GoogleSearch: &struct{}{}})
	}
	if len(call.Options.Functions) > 0 {
		decls := make([]geminiFunctionDeclaration, 0, len(call.Options.Functions))
		for _, fn := range call.Options.Functions {
			decls = append(decls, geminiFunctionDeclaration{
				Name:        fn.Name,
				Description: fn.Description,
				Parameters:  fn.Parameters,
			})
		}
		req.Tools = append(req.Tools, geminiTool{FunctionDeclarations: decls})
	}

	return req
}

// decodeError turns a non-2xx reply into a classified ProviderError
func (g *Gemini) decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

	message := strings.TrimSpace(string(body))
	var envelope geminiErrorResponse
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		message = envelope.Error.Message
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	providerErr := resilience.NewProviderError(string(analysis.ProviderGemini), resp.StatusCode, message, nil)
	g.logger.Debug("Gemini API error",
		zap.Int("status", resp.StatusCode),
		zap.String("error_kind", providerErr.Kind.String()))
	return providerErr
}

func (g *Gemini) readResponse(body io.Reader) (*Response, error) {
	var reply geminiResponse
	if err := json.NewDecoder(body).Decode(&reply); err != nil {
		return nil, resilience.NewProviderError(string(analysis.ProviderGemini), 0, "failed to decode response", err)
	}
	if len(reply.Candidates) == 0 {
		return nil, resilience.NewProviderError(string(analysis.ProviderGemini), 0, "response contained no candidates", nil)
	}

	candidate := reply.Candidates[0]
	response := &Response{Provider: analysis.ProviderGemini}

	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		text.WriteString(part.Text)
		if part.FunctionCall != nil {
			response.FunctionCalls = append(response.FunctionCalls, FunctionCall{
				Name: part.FunctionCall.Name,
				Args: part.FunctionCall.Args,
			})
		}
	}
	response.RawText = text.String()

	if meta := candidate.GroundingMetadata; meta != nil {
		response.GroundingQueries = append(response.GroundingQueries, meta.WebSearchQueries...)
		response.Citations = groundingCitations(meta)
	}
	if reply.UsageMetadata != nil {
		response.TokensUsed = intPtr(reply.UsageMetadata.TotalTokenCount)
	}
	return response, nil
}

func (g *Gemini) readStream(ctx context.Context, body io.ReadCloser, onChunk func(string)) (*Response, error) {
	decoder := streaming.NewDecoder(ctx, body, g.logger)
	defer decoder.Close()

	for fragment := range decoder.Fragments() {
		if onChunk != nil {
			onChunk(fragment)
		}
	}

	if err := decoder.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, resilience.NewNetworkError(string(analysis.ProviderGemini), err)
	}

	return &Response{
		Provider:   analysis.ProviderGemini,
		RawText:    decoder.Text(),
		Citations:  decoder.Citations(),
		TokensUsed: decoder.TokensUsed(),
	}, nil
}

// groundingCitations returns one citation per distinct web source, carrying
// the first supported text segment that references it
func groundingCitations(meta *geminiGroundingMetadata) []analysis.Citation {
	segments := make(map[int]geminiGroundingSupport)
	for _, support := range meta.GroundingSupports {
		for _, idx := range support.GroundingChunkIndices {
			if _, ok := segments[idx]; !ok {
				segments[idx] = support
			}
		}
	}

	var citations []analysis.Citation
	seen := make(map[string]struct{})
	for i, chunk := range meta.GroundingChunks {
		if chunk.Web == nil || chunk.Web.URI == "" {
			continue
		}
		if _, ok := seen[chunk.Web.URI]; ok {
			continue
		}
		seen[chunk.Web.URI] = struct{}{}

		citation := analysis.Citation{URI: chunk.Web.URI, Title: chunk.Web.Title}
		if support, ok := segments[i]; ok {
			citation.StartIndex = support.Segment.StartIndex
			citation.EndIndex = support.Segment.EndIndex
		}
		citations = append(citations, citation)
	}
	return citations
}
