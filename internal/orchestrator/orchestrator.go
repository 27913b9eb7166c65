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

// Package orchestrator runs the analysis pipeline: prompt building, provider
// dispatch under retry and circuit breaking, normalization, consensus and
// caching.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/your-org/telemetry-insights/internal/analysis"
	"github.com/your-org/telemetry-insights/internal/cache"
	"github.com/your-org/telemetry-insights/internal/history"
	"github.com/your-org/telemetry-insights/internal/prompt"
	"github.com/your-org/telemetry-insights/internal/provider"
	"github.com/your-org/telemetry-insights/internal/resilience"
	"github.com/your-org/telemetry-insights/internal/streaming"
	"github.com/your-org/telemetry-insights/internal/telemetry"
)

// ErrNoTrackData is returned when a cross-track request fetched no track at all
var ErrNoTrackData = errors.New("no track telemetry could be fetched")

// Recorder persists completed analyses
type Recorder interface {
	Add(ctx context.Context, rec *history.Record) error
}

// TrackFetcher fetches telemetry for several tracks, tolerating failures
type TrackFetcher interface {
	FetchTracks(ctx context.Context, queries []telemetry.Query) *telemetry.FanOutResult
}

// ContextFetcher retrieves context URLs for multimodal requests
type ContextFetcher interface {
	FetchAll(ctx context.Context, urls []string) []provider.URLContent
}

// Request is one analysis request. It is not modified by the orchestrator.
type Request struct {
	Telemetry map[string]any
	Type      analysis.Type
	Selector  analysis.Selector
	Options   provider.Options
	// Track labels the request in history; defaults to telemetry["track"]
	Track string
	// Files, when present, key the cache instead of the telemetry payload
	Files       []cache.FileRef
	Attachments []provider.Attachment
	ContextURLs []string
	// Stream asks streaming-capable providers for incremental output
	Stream bool
	// Fallback overrides the configured fallback for single-provider requests
	Fallback analysis.ProviderID
}

// CrossTrackRequest analyzes one request enriched with telemetry from sibling tracks
type CrossTrackRequest struct {
	Request
	Tracks []telemetry.Query
}

// Result is the outcome of one analysis
type Result struct {
	RequestID     string                               `json:"request_id"`
	Analysis      *analysis.Result                     `json:"analysis"`
	CacheKey      string                               `json:"cache_key"`
	CacheHit      bool                                 `json:"cache_hit"`
	ProvidersUsed []analysis.ProviderID                `json:"providers_used"`
	Tiers         map[analysis.ProviderID]analysis.Tier `json:"parse_tiers,omitempty"`
	Failures      map[string]string                    `json:"failures,omitempty"`
	TokensUsed    int                                  `json:"tokens_used"`
	States        []State                              `json:"states"`
	CrossTrack    *telemetry.FanOutResult              `json:"cross_track,omitempty"`
	Duration      time.Duration                        `json:"duration"`
}

// Config tunes the orchestrator
type Config struct {
	// FallbackProvider is tried once when a single-provider request fails
	FallbackProvider  analysis.ProviderID
	AnalysisBackoff   resilience.BackoffConfig
	MultimodalBackoff resilience.BackoffConfig
}

// DefaultConfig returns the production retry policies with no fallback
func DefaultConfig() Config {
	return Config{
		AnalysisBackoff:   resilience.AnalysisBackoffConfig(),
		MultimodalBackoff: resilience.MultimodalBackoffConfig(),
	}
}

// Option wires an optional collaborator into the orchestrator
type Option func(*Orchestrator)

// WithCache enables result caching
func WithCache(c cache.Cache) Option {
	return func(o *Orchestrator) { o.cache = c }
}

// WithHistory records every successful analysis
func WithHistory(r Recorder) Option {
	return func(o *Orchestrator) { o.history = r }
}

// WithTrackFetcher enables cross-track analysis
func WithTrackFetcher(f TrackFetcher) Option {
	return func(o *Orchestrator) { o.tracks = f }
}

// WithContextFetcher enables context URL retrieval
func WithContextFetcher(f ContextFetcher) Option {
	return func(o *Orchestrator) { o.urls = f }
}

// WithExecutor replaces the retry executor
func WithExecutor(e *resilience.Executor) Option {
	return func(o *Orchestrator) { o.executor = e }
}

// WithBreakers replaces the per-provider circuit breakers
func WithBreakers(b *resilience.BreakerSet) Option {
	return func(o *Orchestrator) { o.breakers = b }
}

// WithClock injects the time source used for result timestamps
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator is safe for concurrent use; each call to Analyze is independent
type Orchestrator struct {
	config    Config
	providers map[analysis.ProviderID]provider.Provider
	order     []analysis.ProviderID

	executor   *resilience.Executor
	breakers   *resilience.BreakerSet
	normalizer *analysis.Normalizer
	cache      cache.Cache
	history    Recorder
	tracks     TrackFetcher
	urls       ContextFetcher
	now        func() time.Time
	logger     *zap.Logger
}

// New creates an orchestrator over providers. Concurrent-all requests merge
// results in the order providers are given.
func New(config Config, providers []provider.Provider, logger *zap.Logger, opts ...Option) (*Orchestrator, error) {
	if len(providers) == 0 {
		return nil, resilience.ErrNoProviders
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.AnalysisBackoff.MaxAttempts == 0 {
		config.AnalysisBackoff = resilience.AnalysisBackoffConfig()
	}
	if config.MultimodalBackoff.MaxAttempts == 0 {
		config.MultimodalBackoff = resilience.MultimodalBackoffConfig()
	}

	o := &Orchestrator{
		config:    config,
		providers: make(map[analysis.ProviderID]provider.Provider, len(providers)),
		now:       time.Now,
		logger:    logger,
	}
	for _, p := range providers {
		if _, dup := o.providers[p.Name()]; dup {
			return nil, fmt.Errorf("provider %s registered twice", p.Name())
		}
		o.providers[p.Name()] = p
		o.order = append(o.order, p.Name())
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.executor == nil {
		o.executor = resilience.NewExecutor(logger)
	}
	if o.breakers == nil {
		o.breakers = resilience.NewBreakerSet(resilience.DefaultCircuitBreakerConfig(""), logger)
	}
	o.normalizer = analysis.NewNormalizer(logger, o.now)

	if config.FallbackProvider != "" {
		if _, ok := o.providers[config.FallbackProvider]; !ok {
			return nil, fmt.Errorf("fallback provider %s is not configured", config.FallbackProvider)
		}
	}

	logger.Info("Orchestrator initialized",
		zap.Strings("providers", providerNames(o.order)),
		zap.String("fallback", string(config.FallbackProvider)),
		zap.Bool("cache", o.cache != nil),
		zap.Bool("history", o.history != nil))
	return o, nil
}

// Providers returns the configured provider IDs in registration order
func (o *Orchestrator) Providers() []analysis.ProviderID {
	out := make([]analysis.ProviderID, len(o.order))
	copy(out, o.order)
	return out
}

// Breakers exposes the per-provider circuit breakers
func (o *Orchestrator) Breakers() *resilience.BreakerSet {
	return o.breakers
}

// Analyze runs the pipeline for req. events may be nil. A cache hit returns
// without contacting any provider.
func (o *Orchestrator) Analyze(ctx context.Context, req Request, events *streaming.EventStream) (*Result, error) {
	start := time.Now()
	requestID := uuid.NewString()
	r := newRun(requestID, events)

	if req.Type == "" {
		req.Type = analysis.TypeComprehensive
	}
	if req.Selector == "" {
		req.Selector = analysis.SelectOpenAI
	}
	if req.Telemetry == nil {
		return nil, o.fail(r, "validating", &resilience.AnalysisError{
			RequestID: requestID,
			Stage:     "validating",
			Kind:      resilience.KindBadRequest,
			Err:       errors.New("telemetry is required"),
		})
	}

	logger := o.logger.With(zap.String("request_id", requestID))
	out := &Result{RequestID: requestID, Tiers: map[analysis.ProviderID]analysis.Tier{}}

	key, err := cacheKey(req)
	if err != nil {
		return nil, o.fail(r, "validating", &resilience.AnalysisError{
			RequestID: requestID, Stage: "validating", Kind: resilience.KindBadRequest, Err: err,
		})
	}
	out.CacheKey = key

	if o.cache != nil {
		if cached, ok := o.cache.Get(ctx, key); ok {
			logger.Info("Serving analysis from cache", zap.String("cache_key", key))
			out.Analysis = cached
			out.CacheHit = true
			out.ProvidersUsed = []analysis.ProviderID{}
			r.enter(StateDone, "", "served from cache")
			return o.finish(r, out, start), nil
		}
	}

	r.enter(StateBuildingPrompt, "", "building prompt")
	call := provider.Call{
		Prompt:      prompt.Build(promptInput(req)),
		Options:     req.Options,
		Attachments: req.Attachments,
		Stream:      req.Stream,
	}
	if len(req.ContextURLs) > 0 && o.urls != nil {
		call.URLContext = o.urls.FetchAll(ctx, req.ContextURLs)
	}

	targets, err := o.targets(req.Selector)
	if err != nil {
		return nil, o.fail(r, "dispatching", &resilience.AnalysisError{
			RequestID: requestID, Stage: "dispatching", Kind: resilience.KindBadRequest, Err: err,
		})
	}

	var outcomes []outcome
	if req.Selector == analysis.SelectBoth {
		outcomes, err = o.dispatchAll(ctx, r, targets, call)
	} else {
		outcomes, err = o.dispatchSingle(ctx, r, targets[0], o.fallbackFor(req, targets[0]), call)
	}
	out.Failures = failureMessages(outcomes)
	if err != nil {
		return nil, o.fail(r, "dispatching", &resilience.AnalysisError{
			RequestID: requestID, Stage: "dispatching", Kind: resilience.KindOf(err), Err: err,
		})
	}

	results := make([]*analysis.Result, 0, len(outcomes))
	for _, oc := range outcomes {
		if oc.err != nil {
			continue
		}
		results = append(results, oc.result)
		out.ProvidersUsed = append(out.ProvidersUsed, oc.provider)
		out.Tiers[oc.provider] = oc.tier
		out.TokensUsed += oc.tokens
	}

	if len(results) == 1 {
		out.Analysis = results[0]
	} else {
		r.enter(StateMerging, "", fmt.Sprintf("merging %d results", len(results)))
		merged, err := analysis.Merge(results, o.now())
		if err != nil {
			return nil, o.fail(r, "merging", &resilience.AnalysisError{
				RequestID: requestID, Stage: "merging", Kind: resilience.KindUnknown, Err: err,
			})
		}
		out.Analysis = merged
	}

	r.enter(StateCaching, "", "storing result")
	if o.cache != nil {
		o.cache.Set(ctx, key, out.Analysis)
	}
	o.record(ctx, req, out, logger)

	r.enter(StateDone, "", "analysis complete")
	return o.finish(r, out, start), nil
}

// AnalyzeCrossTrack fetches every sibling track in parallel, attaches the
// successful subset as cross-track context and analyzes the enriched request.
// Track failures are reported on the result, not returned.
func (o *Orchestrator) AnalyzeCrossTrack(ctx context.Context, req CrossTrackRequest, events *streaming.EventStream) (*Result, error) {
	if o.tracks == nil {
		return nil, &resilience.AnalysisError{
			Stage: "fetching",
			Kind:  resilience.KindBadRequest,
			Err:   errors.New("cross-track analysis requires a telemetry source"),
		}
	}

	events.EmitProgress("FETCHING_TRACKS", fmt.Sprintf("fetching %d tracks", len(req.Tracks)), 5, nil)
	fan := o.tracks.FetchTracks(ctx, req.Tracks)
	if len(fan.Tracks) == 0 {
		err := &resilience.AnalysisError{Stage: "fetching", Kind: resilience.KindRateLimitOrServer, Err: ErrNoTrackData}
		events.EmitError("FETCHING_TRACKS", "no track telemetry available", err)
		return nil, err
	}

	enriched := make(map[string]any, len(req.Telemetry)+1)
	for k, v := range req.Telemetry {
		enriched[k] = v
	}
	enriched["cross_track"] = fan.Bundle()
	if _, ok := enriched["track"]; !ok {
		enriched["track"] = fan.Tracks[0].Track
	}

	inner := req.Request
	inner.Telemetry = enriched
	if len(inner.Files) > 0 {
		// sibling tracks change the answer even when the primary files do not
		inner.Files = nil
	}

	result, err := o.Analyze(ctx, inner, events)
	if err != nil {
		return nil, err
	}
	result.CrossTrack = fan
	return result, nil
}

func (o *Orchestrator) targets(selector analysis.Selector) ([]analysis.ProviderID, error) {
	switch selector {
	case analysis.SelectBoth:
		return o.Providers(), nil
	case analysis.SelectOpenAI, analysis.SelectGemini:
		id := analysis.ProviderID(selector)
		if _, ok := o.providers[id]; !ok {
			return nil, fmt.Errorf("%w: %s", resilience.ErrNoProviders, id)
		}
		return []analysis.ProviderID{id}, nil
	default:
		return nil, fmt.Errorf("unknown provider selector %q", selector)
	}
}

func (o *Orchestrator) fallbackFor(req Request, primary analysis.ProviderID) analysis.ProviderID {
	fallback := req.Fallback
	if fallback == "" {
		fallback = o.config.FallbackProvider
	}
	if fallback == primary {
		return ""
	}
	if _, ok := o.providers[fallback]; !ok {
		return ""
	}
	return fallback
}

func (o *Orchestrator) record(ctx context.Context, req Request, out *Result, logger *zap.Logger) {
	if o.history == nil {
		return
	}
	rec := &history.Record{
		RequestID:      out.RequestID,
		CacheKey:       out.CacheKey,
		Track:          trackOf(req),
		AnalysisType:   req.Type,
		SourceProvider: out.Analysis.SourceProvider,
		Confidence:     out.Analysis.Confidence,
		TokensUsed:     out.TokensUsed,
		Result:         out.Analysis,
	}
	if err := o.history.Add(ctx, rec); err != nil {
		logger.Warn("Failed to record analysis history", zap.Error(err))
	}
}

func (o *Orchestrator) fail(r *run, stage string, err *resilience.AnalysisError) error {
	err.RequestID = r.requestID
	r.enter(StateFailed, "", stage+" failed")
	r.events.EmitError(streaming.StageType(StateFailed), err.Kind.String(), err)

	o.logger.Error("Analysis failed",
		zap.String("request_id", r.requestID),
		zap.String("stage", stage),
		zap.String("error_kind", err.Kind.String()),
		zap.Error(err.Err))
	return err
}

func (o *Orchestrator) finish(r *run, out *Result, start time.Time) *Result {
	out.States = r.history()
	out.Duration = time.Since(start)
	r.events.EmitComplete(streaming.StageType(StateDone), "analysis complete", map[string]any{
		"request_id":  out.RequestID,
		"cache_hit":   out.CacheHit,
		"providers":   providerNames(out.ProvidersUsed),
		"tokens_used": out.TokensUsed,
	})

	o.logger.Info("Analysis completed",
		zap.String("request_id", out.RequestID),
		zap.Bool("cache_hit", out.CacheHit),
		zap.Strings("providers", providerNames(out.ProvidersUsed)),
		zap.Int("confidence", out.Analysis.Confidence),
		zap.Int("tokens_used", out.TokensUsed),
		zap.Duration("duration", out.Duration))
	return out
}

// cacheKey derives the key from the file manifest when present, otherwise
// from the telemetry payload, then scopes it to the request's type, provider
// selection, generation options and any multimodal content.
func cacheKey(req Request) (string, error) {
	var base string
	if len(req.Files) > 0 {
		base = cache.Key(req.Files)
	} else {
		key, err := cache.TelemetryKey(req.Telemetry)
		if err != nil {
			return "", err
		}
		base = key
	}
	key := cache.RequestKey(base, req.Type, req.Selector)

	var blobs [][]byte
	for _, a := range req.Attachments {
		blobs = append(blobs, []byte(string(a.Kind)+"/"+a.MIMEType), a.Data)
	}
	urls := append([]string(nil), req.ContextURLs...)
	sort.Strings(urls)
	for _, u := range urls {
		blobs = append(blobs, []byte(u))
	}
	if !isZeroOptions(req.Options) {
		options, err := json.Marshal(req.Options)
		if err != nil {
			return "", fmt.Errorf("encoding options: %w", err)
		}
		blobs = append(blobs, []byte("options"), options)
	}
	return cache.WithContent(key, blobs...), nil
}

func isZeroOptions(opts provider.Options) bool {
	return opts.Model == "" && opts.Temperature == 0 && opts.MaxTokens == 0 &&
		opts.ResponseMIMEType == "" && !opts.EnableGrounding && len(opts.Functions) == 0
}

func promptInput(req Request) prompt.Input {
	in := prompt.Input{
		Telemetry:   req.Telemetry,
		Type:        req.Type,
		ContextURLs: req.ContextURLs,
	}
	for _, a := range req.Attachments {
		switch a.Kind {
		case provider.AttachmentImage:
			in.Images++
		case provider.AttachmentVideo:
			in.Videos++
		case provider.AttachmentAudio:
			in.Audio++
		}
	}
	return in
}

func trackOf(req Request) string {
	if req.Track != "" {
		return req.Track
	}
	if track, ok := req.Telemetry["track"].(string); ok {
		return strings.ToLower(track)
	}
	return ""
}

func providerNames(ids []analysis.ProviderID) []string {
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = string(id)
	}
	return names
}
