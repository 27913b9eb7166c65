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
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/your-org/telemetry-insights/internal/config"
)

// rootOptions are the flags shared by every subcommand
type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "insights",
		Short: "AI analytics for racing telemetry",
		Long: `insights turns racing telemetry into structured analysis (tire wear,
lap time, pit window and strategy predictions) using one or more LLM
providers, with retries, caching and cross-provider consensus.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "",
		"config file (default: ./configs/config.yaml or ./config.yaml)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newAnalyzeCmd(opts))
	return cmd
}

// loadRuntime loads configuration and builds the logger it describes
func loadRuntime(opts *rootOptions) (*config.Config, *zap.Logger, zap.AtomicLevel, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, nil, zap.AtomicLevel{}, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, level, err := initializeLogger(cfg)
	if err != nil {
		return nil, nil, zap.AtomicLevel{}, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger, level, nil
}

// initializeLogger creates a logger based on configuration settings. The
// returned level can be changed at runtime.
func initializeLogger(cfg *config.Config) (*zap.Logger, zap.AtomicLevel, error) {
	var zapConfig zap.Config

	if cfg.Logging.Format == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}

	zapConfig.Level = zap.NewAtomicLevelAt(parseLevel(cfg.Logging.Level))

	switch cfg.Logging.Output {
	case "file":
		zapConfig.OutputPaths = []string{"insights.log"}
		zapConfig.ErrorOutputPaths = []string{"insights.log"}
	case "stderr":
		zapConfig.OutputPaths = []string{"stderr"}
		zapConfig.ErrorOutputPaths = []string{"stderr"}
	default:
		zapConfig.OutputPaths = []string{"stdout"}
		zapConfig.ErrorOutputPaths = []string{"stderr"}
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}
	return logger, zapConfig.Level, nil
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
