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
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/your-org/telemetry-insights/internal/config"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the analysis HTTP service",
		Long: `Start the HTTP service exposing:

  POST /v1/analyze               one analysis, JSON response
  POST /v1/analyze/stream        the same, as server-sent progress events
  POST /v1/analyze/cross-track   analysis enriched with sibling track telemetry
  GET  /v1/history/:track        recent analyses for a track
  GET  /v1/analyses/:id          one stored analysis
  GET  /health                   dependency health`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, level, err := loadRuntime(opts)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}

			masked := cfg.MaskSensitiveValues()
			logger.Info("Configuration loaded successfully",
				zap.String("openai_api_key", masked.Providers.OpenAI.APIKey),
				zap.String("gemini_api_key", masked.Providers.Gemini.APIKey),
				zap.String("default_selector", cfg.Orchestration.DefaultSelector),
				zap.String("fallback_provider", cfg.Orchestration.FallbackProvider),
				zap.Int("max_attempts", cfg.Retry.MaxAttempts),
				zap.Duration("cache_ttl", cfg.Cache.TTL))

			if cfg.Logging.Level == "debug" {
				gin.SetMode(gin.DebugMode)
			} else {
				gin.SetMode(gin.ReleaseMode)
			}

			// only the log level is applied live; other settings need a restart
			err = config.WatchConfig(opts.configPath, logger, func(updated *config.Config) {
				level.SetLevel(parseLevel(updated.Logging.Level))
				logger.Info("Configuration reloaded", zap.String("log_level", updated.Logging.Level))
			})
			if err != nil && !errors.Is(err, config.ErrNoConfigFile) {
				logger.Warn("Config hot reload disabled", zap.Error(err))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			application, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := application.Close(); err != nil {
					logger.Warn("Failed to close application", zap.Error(err))
				}
			}()

			return application.serve(ctx, fmt.Sprintf(":%d", cfg.Server.Port))
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "port to listen on (overrides server.port)")
	return cmd
}
