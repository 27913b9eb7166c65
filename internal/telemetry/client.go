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

// Package telemetry fetches session telemetry from the upstream timing API.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/your-org/telemetry-insights/internal/resilience"
)

const (
	// DefaultMaxConcurrency bounds parallel track fetches
	DefaultMaxConcurrency = 8
	// DefaultMaxResponseBytes caps one telemetry payload
	DefaultMaxResponseBytes = 8 << 20

	sourceName = "telemetry"
)

// Query identifies one telemetry payload upstream
type Query struct {
	Track   string `json:"track"`
	Race    string `json:"race,omitempty"`
	Vehicle string `json:"vehicle,omitempty"`
	Lap     int    `json:"lap,omitempty"`
}

func (q Query) values() url.Values {
	v := url.Values{}
	v.Set("track", q.Track)
	if q.Race != "" {
		v.Set("race", q.Race)
	}
	if q.Vehicle != "" {
		v.Set("vehicle", q.Vehicle)
	}
	if q.Lap > 0 {
		v.Set("lap", strconv.Itoa(q.Lap))
	}
	return v
}

// ClientConfig configures the upstream client
type ClientConfig struct {
	BaseURL        string
	Timeout        time.Duration
	MaxConcurrency int
	HTTPClient     *http.Client
}

// Client reads telemetry. Every fetch is an idempotent read and is retried
// under the read policy.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	executor       *resilience.Executor
	retry          resilience.BackoffConfig
	maxConcurrency int
	logger         *zap.Logger
}

// NewClient creates a telemetry client
func NewClient(config ClientConfig, executor *resilience.Executor, logger *zap.Logger) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("telemetry base URL is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if executor == nil {
		executor = resilience.NewExecutor(logger)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = resilience.ReadTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxConcurrency := config.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}

	return &Client{
		baseURL:        strings.TrimRight(config.BaseURL, "/"),
		httpClient:     httpClient,
		executor:       executor,
		retry:          resilience.ReadBackoffConfig(),
		maxConcurrency: maxConcurrency,
		logger:         logger,
	}, nil
}

// Fetch returns the opaque telemetry document for q
func (c *Client) Fetch(ctx context.Context, q Query) (map[string]any, error) {
	if q.Track == "" {
		return nil, resilience.NewProviderError(sourceName, http.StatusBadRequest, "track is required", nil)
	}

	endpoint := c.baseURL + "/telemetry?" + q.values().Encode()

	var payload map[string]any
	err := c.executor.Do(ctx, "telemetry fetch "+q.Track, resilience.CallIdempotentRead, c.retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return resilience.NewProviderError(sourceName, http.StatusBadRequest, err.Error(), err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return resilience.NewNetworkError(sourceName, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			message := strings.TrimSpace(string(body))
			if message == "" {
				message = http.StatusText(resp.StatusCode)
			}
			providerErr := resilience.NewProviderError(sourceName, resp.StatusCode, message, nil)
			if resp.StatusCode == http.StatusNotFound {
				providerErr.Kind = resilience.KindBadRequest
			}
			return providerErr
		}

		var doc map[string]any
		if err := json.NewDecoder(io.LimitReader(resp.Body, DefaultMaxResponseBytes)).Decode(&doc); err != nil {
			return resilience.NewNetworkError(sourceName, fmt.Errorf("failed to decode telemetry: %w", err))
		}
		payload = doc
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Telemetry fetched",
		zap.String("track", q.Track),
		zap.String("race", q.Race),
		zap.String("vehicle", q.Vehicle),
		zap.Int("lap", q.Lap),
		zap.Int("fields", len(payload)))
	return payload, nil
}

// TrackFailure records a track that could not be fetched
type TrackFailure struct {
	Track string `json:"track"`
	Error string `json:"error"`
	err   error
}

// Unwrap returns the underlying fetch error
func (f TrackFailure) Unwrap() error {
	return f.err
}

// TrackData is one successfully fetched track
type TrackData struct {
	Track     string         `json:"track"`
	Telemetry map[string]any `json:"telemetry"`
}

// FanOutResult is the outcome of a multi-track fetch, in query order
type FanOutResult struct {
	Tracks   []TrackData    `json:"tracks"`
	Failures []TrackFailure `json:"failures"`
}

// FetchTracks fetches every query in parallel. Individual failures are
// recorded on the result and never abort the other fetches.
func (c *Client) FetchTracks(ctx context.Context, queries []Query) *FanOutResult {
	type outcome struct {
		data map[string]any
		err  error
	}
	outcomes := make([]outcome, len(queries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxConcurrency)
	for i, q := range queries {
		g.Go(func() error {
			data, err := c.Fetch(gctx, q)
			outcomes[i] = outcome{data: data, err: err}
			return nil
		})
	}
	_ = g.Wait()

	result := &FanOutResult{Tracks: []TrackData{}, Failures: []TrackFailure{}}
	for i, o := range outcomes {
		if o.err != nil {
			c.logger.Warn("Track telemetry unavailable",
				zap.String("track", queries[i].Track),
				zap.Error(o.err))
			result.Failures = append(result.Failures, TrackFailure{
				Track: queries[i].Track,
				Error: o.err.Error(),
				err:   o.err,
			})
			continue
		}
		result.Tracks = append(result.Tracks, TrackData{Track: queries[i].Track, Telemetry: o.data})
	}

	c.logger.Info("Multi-track fetch completed",
		zap.Int("requested", len(queries)),
		zap.Int("succeeded", len(result.Tracks)),
		zap.Int("failed", len(result.Failures)))
	return result
}

// Bundle renders the result as the cross-track context merged into a request
func (r *FanOutResult) Bundle() map[string]any {
	tracks := make(map[string]any, len(r.Tracks))
	for _, t := range r.Tracks {
		tracks[t.Track] = t.Telemetry
	}
	failed := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		failed = append(failed, f.Track)
	}
	return map[string]any{
		"tracks_analyzed": len(r.Tracks),
		"tracks":          tracks,
		"failed_tracks":   failed,
		"failure_count":   len(r.Failures),
	}
}
