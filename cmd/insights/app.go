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

package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/your-org/telemetry-insights/internal/analysis"
	"github.com/your-org/telemetry-insights/internal/cache"
	"github.com/your-org/telemetry-insights/internal/config"
	"github.com/your-org/telemetry-insights/internal/health"
	"github.com/your-org/telemetry-insights/internal/history"
	"github.com/your-org/telemetry-insights/internal/orchestrator"
	"github.com/your-org/telemetry-insights/internal/provider"
	"github.com/your-org/telemetry-insights/internal/resilience"
	"github.com/your-org/telemetry-insights/internal/telemetry"
)

const serviceName = "telemetry-insights"

// app holds every long-lived component built from configuration
type app struct {
	cfg          *config.Config
	orchestrator *orchestrator.Orchestrator
	history      *history.Store
	cache        *cache.ResultCache
	health       *health.Manager
	errors       *resilience.ErrorHandler
	logger       *zap.Logger

	closers []func() error
}

// newApp wires providers, cache, history, the telemetry client and the
// orchestrator. Call Close to release the stores.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{
		cfg:    cfg,
		logger: logger,
		errors: resilience.NewErrorHandler(logger),
		health: health.NewManager(serviceName, version, logger),
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	providers, err := buildProviders(cfg.Providers, logger)
	if err != nil {
		return nil, err
	}

	executor := resilience.NewExecutor(logger)

	breakerTemplate := resilience.DefaultCircuitBreakerConfig("")
	breakerTemplate.MaxFailures = cfg.Retry.BreakerMaxFailures
	breakerTemplate.ResetTimeout = cfg.Retry.BreakerResetTimeout
	breakers := resilience.NewBreakerSet(breakerTemplate, logger)

	opts := []orchestrator.Option{
		orchestrator.WithExecutor(executor),
		orchestrator.WithBreakers(breakers),
		orchestrator.WithContextFetcher(provider.NewURLFetcher(nil, executor, logger)),
	}

	if a.cache, err = a.buildCache(ctx, cfg.Cache); err != nil {
		return nil, err
	}
	if a.cache != nil {
		opts = append(opts, orchestrator.WithCache(a.cache))
		a.health.AddChecker("cache", health.CacheHealthChecker(a.cache))
	}

	if cfg.History.Enabled {
		store, err := history.NewStore(cfg.History.DBPath, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open history store: %w", err)
		}
		a.history = store
		a.closers = append(a.closers, store.Close)
		opts = append(opts, orchestrator.WithHistory(store))
		a.health.AddChecker("history", health.DatabaseHealthChecker("history", store.Ping))
	}

	if cfg.Telemetry.BaseURL != "" {
		client, err := telemetry.NewClient(telemetry.ClientConfig{
			BaseURL:        cfg.Telemetry.BaseURL,
			Timeout:        cfg.Telemetry.Timeout,
			MaxConcurrency: cfg.Telemetry.MaxConcurrency,
		}, executor, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create telemetry client: %w", err)
		}
		opts = append(opts, orchestrator.WithTrackFetcher(client))
	}

	a.orchestrator, err = orchestrator.New(orchestratorConfig(cfg), providers, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	for _, id := range a.orchestrator.Providers() {
		a.health.AddChecker("provider_"+string(id), health.BreakerHealthChecker(breakers, string(id)))
	}

	logger.Info("Application initialized",
		zap.Strings("providers", providerStrings(a.orchestrator.Providers())),
		zap.String("cache_backend", cfg.Cache.Backend),
		zap.Bool("history", cfg.History.Enabled),
		zap.Bool("cross_track", cfg.Telemetry.BaseURL != ""))

	return a, nil
}

// Close releases the history database and the cache connection
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func buildProviders(cfg config.ProvidersConfig, logger *zap.Logger) ([]provider.Provider, error) {
	var providers []provider.Provider

	if cfg.OpenAI.Enabled() {
		p, err := provider.NewOpenAI(provider.OpenAIConfig{
			APIKey:  cfg.OpenAI.APIKey,
			BaseURL: cfg.OpenAI.BaseURL,
			Model:   cfg.OpenAI.Model,
			Timeout: cfg.OpenAI.Timeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}

	if cfg.Gemini.Enabled() {
		p, err := provider.NewGemini(provider.GeminiConfig{
			APIKey:  cfg.Gemini.APIKey,
			BaseURL: cfg.Gemini.BaseURL,
			Model:   cfg.Gemini.Model,
			Timeout: cfg.Gemini.Timeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}

	return providers, nil
}

func (a *app) buildCache(ctx context.Context, cfg config.CacheConfig) (*cache.ResultCache, error) {
	switch cfg.Backend {
	case "none":
		return nil, nil
	case "redis":
		store, err := cache.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis cache: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		return cache.New(store, a.logger, cache.WithTTL(cfg.TTL)), nil
	default:
		return cache.New(cache.NewMemoryStore(), a.logger, cache.WithTTL(cfg.TTL)), nil
	}
}

func orchestratorConfig(cfg *config.Config) orchestrator.Config {
	oc := orchestrator.DefaultConfig()
	oc.FallbackProvider = analysis.ProviderID(cfg.Orchestration.FallbackProvider)

	for _, backoff := range []*resilience.BackoffConfig{&oc.AnalysisBackoff, &oc.MultimodalBackoff} {
		backoff.MaxAttempts = cfg.Retry.MaxAttempts
		backoff.BaseDelay = cfg.Retry.BaseDelay
		backoff.MaxJitter = cfg.Retry.MaxJitter
	}
	oc.AnalysisBackoff.Timeout = cfg.Retry.AnalysisTimeout
	oc.MultimodalBackoff.Timeout = cfg.Retry.MultimodalTimeout
	return oc
}

func providerStrings(ids []analysis.ProviderID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
