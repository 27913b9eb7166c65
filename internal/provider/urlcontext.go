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
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/your-org/telemetry-insights/internal/resilience"
)

const (
	// DefaultMaxURLBytes caps how much of each page is read
	DefaultMaxURLBytes = 64 << 10
	// DefaultMaxURLTextRunes caps the text kept per page after tag stripping
	DefaultMaxURLTextRunes = 8000
	// maxConcurrentFetches bounds parallel URL fetches
	maxConcurrentFetches = 4
)

// URLFetcher retrieves context URLs for multimodal requests
type URLFetcher struct {
	client   *http.Client
	executor *resilience.Executor
	retry    resilience.BackoffConfig
	policy   *bluemonday.Policy
	maxBytes int64
	logger   *zap.Logger
}

// NewURLFetcher creates a fetcher. Each URL gets the idempotent-read retry policy.
func NewURLFetcher(client *http.Client, executor *resilience.Executor, logger *zap.Logger) *URLFetcher {
	if client == nil {
		client = &http.Client{Timeout: resilience.ReadTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if executor == nil {
		executor = resilience.NewExecutor(logger)
	}
	policy := bluemonday.StrictPolicy()
	policy.AddSpaceWhenStrippingTag(true)

	return &URLFetcher{
		client:   client,
		executor: executor,
		retry:    resilience.ReadBackoffConfig(),
		policy:   policy,
		maxBytes: DefaultMaxURLBytes,
		logger:   logger,
	}
}

// FetchAll fetches every URL in parallel. It never fails as a whole: each
// failed URL is returned with Err set, in the same position as its input.
func (f *URLFetcher) FetchAll(ctx context.Context, urls []string) []URLContent {
	results := make([]URLContent, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)
	for i, u := range urls {
		g.Go(func() error {
			text, err := f.fetch(gctx, u)
			if err != nil {
				f.logger.Warn("Context URL fetch failed", zap.String("url", u), zap.Error(err))
			}
			results[i] = URLContent{URL: u, Text: text, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (f *URLFetcher) fetch(ctx context.Context, url string) (string, error) {
	var text string
	err := f.executor.Do(ctx, "fetch "+url, resilience.CallIdempotentRead, f.retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return resilience.NewProviderError("url", http.StatusBadRequest, err.Error(), err)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			return resilience.NewNetworkError("url", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			providerErr := resilience.NewProviderError("url", resp.StatusCode, fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
			// a missing or forbidden page will not appear on retry
			if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				providerErr.Kind = resilience.KindBadRequest
			}
			return providerErr
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
		if err != nil {
			return resilience.NewNetworkError("url", err)
		}
		text = f.extractText(string(body), resp.Header.Get("Content-Type"))
		return nil
	})
	return text, err
}

// extractText strips markup from HTML pages and collapses whitespace
func (f *URLFetcher) extractText(body, contentType string) string {
	if strings.Contains(contentType, "html") || strings.HasPrefix(strings.TrimSpace(body), "<") {
		body = html.UnescapeString(f.policy.Sanitize(body))
	}
	text := strings.Join(strings.Fields(body), " ")

	runes := []rune(text)
	if len(runes) > DefaultMaxURLTextRunes {
		text = string(runes[:DefaultMaxURLTextRunes])
	}
	return text
}
