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
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/your-org/telemetry-insights/internal/analysis"
	"github.com/your-org/telemetry-insights/internal/resilience"
)

const (
	// DefaultOpenAIModel is used when neither config nor the call names a model
	DefaultOpenAIModel = openai.GPT4o
	// DefaultOpenAIMaxTokens bounds the completion length
	DefaultOpenAIMaxTokens = 2000
	// DefaultTemperature keeps analysis output focused
	DefaultTemperature = 0.3

	systemMessage = "You are an expert motorsport data engineer. Always answer with the JSON object described in the prompt."
)

// OpenAIConfig configures the chat completion adapter
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// OpenAI is the single-shot chat completion adapter
type OpenAI struct {
	client *openai.Client
	model  string
	logger *zap.Logger
}

// NewOpenAI creates the adapter. No network call is made here.
func NewOpenAI(config OpenAIConfig, logger *zap.Logger) (*OpenAI, error) {
	if config.APIKey == "" {
		return nil, resilience.NewProviderError(string(analysis.ProviderOpenAI), 0, "API key is required", nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	switch {
	case config.HTTPClient != nil:
		clientConfig.HTTPClient = config.HTTPClient
	case config.Timeout > 0:
		clientConfig.HTTPClient = &http.Client{Timeout: config.Timeout}
	}

	model := config.Model
	if model == "" {
		model = DefaultOpenAIModel
	}

	logger.Info("OpenAI provider initialized", zap.String("model", model))

	return &OpenAI{
		client: openai.NewClientWithConfig(clientConfig),
		model:  model,
		logger: logger,
	}, nil
}

// Name identifies the provider
func (p *OpenAI) Name() analysis.ProviderID {
	return analysis.ProviderOpenAI
}

// Call sends one chat completion. Attachments and URL context are not
// supported by this adapter and are dropped with a warning; streaming
// requests receive the whole reply as a single chunk.
func (p *OpenAI) Call(ctx context.Context, call Call) (*Response, error) {
	if len(call.Attachments) > 0 || len(call.URLContext) > 0 {
		p.logger.Warn("OpenAI provider ignores multimodal inputs",
			zap.Int("attachments", len(call.Attachments)),
			zap.Int("context_urls", len(call.URLContext)))
	}

	req := p.buildRequest(call)

	start := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, p.handleAPIError(ctx, err)
	}

	if len(resp.Choices) == 0 {
		return nil, resilience.NewProviderError(string(analysis.ProviderOpenAI), 0, "response contained no choices", nil)
	}

	message := resp.Choices[0].Message
	response := &Response{
		Provider:   analysis.ProviderOpenAI,
		RawText:    message.Content,
		TokensUsed: intPtr(resp.Usage.TotalTokens),
	}
	for _, tc := range message.ToolCalls {
		response.FunctionCalls = append(response.FunctionCalls, FunctionCall{
			Name: tc.Function.Name,
			Args: decodeArgs(tc.Function.Arguments),
		})
	}

	if call.OnChunk != nil && response.RawText != "" {
		call.OnChunk(response.RawText)
	}

	p.logger.Debug("OpenAI completion received",
		zap.String("model", req.Model),
		zap.Int("tokens_used", resp.Usage.TotalTokens),
		zap.Int("response_length", len(response.RawText)),
		zap.Duration("duration", time.Since(start)))

	return response, nil
}

func (p *OpenAI) buildRequest(call Call) openai.ChatCompletionRequest {
	model := call.Options.Model
	if model == "" {
		model = p.model
	}
	maxTokens := call.Options.MaxTokens
	if maxTokens == 0 {
		maxTokens = DefaultOpenAIMaxTokens
	}
	temperature := call.Options.Temperature
	if temperature == 0 {
		temperature = DefaultTemperature
	}

	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemMessage},
			{Role: openai.ChatMessageRoleUser, Content: call.Prompt},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}

	if call.Options.ResponseMIMEType == "application/json" {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	for _, fn := range call.Options.Functions {
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        fn.Name,
				Description: fn.Description,
				Parameters:  fn.Parameters,
			},
		})
	}

	return req
}

// handleAPIError classifies go-openai errors by HTTP status
func (p *OpenAI) handleAPIError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	name := string(analysis.ProviderOpenAI)

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		classified := resilience.NewProviderError(name, apiErr.HTTPStatusCode, apiErr.Message, err)
		p.logger.Debug("OpenAI API error",
			zap.Int("status", apiErr.HTTPStatusCode),
			zap.String("error_kind", classified.Kind.String()))
		return classified
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return resilience.NewProviderError(name, reqErr.HTTPStatusCode, fmt.Sprintf("request failed: %v", reqErr.Err), err)
	}

	return resilience.NewNetworkError(name, err)
}

func decodeArgs(raw string) map[string]any {
	args := make(map[string]any)
	if raw == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		args["_raw"] = raw
	}
	return args
}
