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

// Package config loads service configuration from a YAML file and the
// environment. Environment variables always win over file values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const envPrefix = "TELEMETRY_INSIGHTS"

var (
	// ErrMissingRequiredField is returned when a required configuration field is missing
	ErrMissingRequiredField = errors.New("missing required configuration field")
	// ErrInvalidConfigValue is returned when a configuration value is invalid
	ErrInvalidConfigValue = errors.New("invalid configuration value")
	// ErrNoConfigFile is returned by WatchConfig when there is no file to watch
	ErrNoConfigFile = errors.New("no config file found")
)

// Config represents the complete application configuration
type Config struct {
	Providers     ProvidersConfig     `mapstructure:"providers"`
	Orchestration OrchestrationConfig `mapstructure:"orchestration"`
	Retry         RetryConfig         `mapstructure:"retry"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
	History       HistoryConfig       `mapstructure:"history"`
	Server        ServerConfig        `mapstructure:"server"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// ProvidersConfig holds one section per LLM backend
type ProvidersConfig struct {
	OpenAI ProviderConfig `mapstructure:"openai"`
	Gemini ProviderConfig `mapstructure:"gemini"`
}

// ProviderConfig configures a single backend. A backend without an API key
// is not registered.
type ProviderConfig struct {
	APIKey  string        `mapstructure:"apikey"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether the backend has credentials
func (p ProviderConfig) Enabled() bool {
	return p.APIKey != ""
}

// OrchestrationConfig sets request defaults
type OrchestrationConfig struct {
	DefaultSelector     string `mapstructure:"default_selector"`
	DefaultAnalysisType string `mapstructure:"default_analysis_type"`
	FallbackProvider    string `mapstructure:"fallback_provider"`
	EnableGrounding     bool   `mapstructure:"enable_grounding"`
}

// RetryConfig tunes the backoff executor and the per-provider breakers
type RetryConfig struct {
	MaxAttempts         int           `mapstructure:"max_attempts"`
	BaseDelay           time.Duration `mapstructure:"base_delay"`
	MaxJitter           time.Duration `mapstructure:"max_jitter"`
	AnalysisTimeout     time.Duration `mapstructure:"analysis_timeout"`
	MultimodalTimeout   time.Duration `mapstructure:"multimodal_timeout"`
	BreakerMaxFailures  int           `mapstructure:"breaker_max_failures"`
	BreakerResetTimeout time.Duration `mapstructure:"breaker_reset_timeout"`
}

// CacheConfig selects the result cache backend
type CacheConfig struct {
	Backend  string        `mapstructure:"backend"`
	RedisURL string        `mapstructure:"redis_url"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// TelemetryConfig points at the upstream telemetry API
type TelemetryConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
}

// HistoryConfig contains analysis history store configuration
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DBPath  string `mapstructure:"db_path"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed for field '%s': %s", e.Field, e.Message)
}

// ValidationErrors aggregates every problem found in one pass
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	messages := make([]string, 0, len(errs))
	for _, err := range errs {
		messages = append(messages, err.Error())
	}
	return "configuration validation failed:\n" + strings.Join(messages, "\n")
}

// Unwrap lets errors.Is match ErrInvalidConfigValue
func (errs ValidationErrors) Unwrap() error {
	return ErrInvalidConfigValue
}

// LoadOptions contains options for configuration loading
type LoadOptions struct {
	ConfigPath       string
	ValidateRequired bool
}

// Load loads and validates configuration. A missing config file is not an
// error; defaults and environment variables still apply.
func Load(configPath string) (*Config, error) {
	return LoadWithOptions(LoadOptions{
		ConfigPath:       configPath,
		ValidateRequired: true,
	})
}

// LoadWithOptions loads configuration with additional options
func LoadWithOptions(opts LoadOptions) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	found, err := setConfigFile(v, opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to set config file: %w", err)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if found {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	setEnvironmentMappings(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if opts.ValidateRequired {
		if err := config.Validate(); err != nil {
			return nil, err
		}
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("providers.openai.apikey", "")
	v.SetDefault("providers.openai.base_url", "")
	v.SetDefault("providers.openai.model", "gpt-4o")
	v.SetDefault("providers.openai.timeout", 120*time.Second)
	v.SetDefault("providers.gemini.apikey", "")
	v.SetDefault("providers.gemini.base_url", "https://generativelanguage.googleapis.com/v1beta")
	v.SetDefault("providers.gemini.model", "gemini-1.5-pro")
	v.SetDefault("providers.gemini.timeout", 300*time.Second)

	v.SetDefault("orchestration.default_selector", "both")
	v.SetDefault("orchestration.default_analysis_type", "comprehensive")
	v.SetDefault("orchestration.fallback_provider", "")
	v.SetDefault("orchestration.enable_grounding", false)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", 500*time.Millisecond)
	v.SetDefault("retry.max_jitter", 200*time.Millisecond)
	v.SetDefault("retry.analysis_timeout", 120*time.Second)
	v.SetDefault("retry.multimodal_timeout", 300*time.Second)
	v.SetDefault("retry.breaker_max_failures", 5)
	v.SetDefault("retry.breaker_reset_timeout", 60*time.Second)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.ttl", 5*time.Minute)

	v.SetDefault("telemetry.base_url", "")
	v.SetDefault("telemetry.timeout", 15*time.Second)
	v.SetDefault("telemetry.max_concurrency", 4)

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.db_path", "./history.db")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// setConfigFile resolves the config file: CONFIG_PATH, then the explicit
// path, then ./configs/config.yaml and ./config.yaml. It reports whether a
// file was found; only an explicitly named file that is missing is an error.
func setConfigFile(v *viper.Viper, configPath string) (bool, error) {
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return false, fmt.Errorf("config file does not exist: %s", configPath)
		}
		v.SetConfigFile(configPath)
		return true, nil
	}

	for _, path := range []string{"./configs/config.yaml", "./config.yaml"} {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			return true, nil
		}
	}
	return false, nil
}

// setEnvironmentMappings honours the conventional unprefixed variables
func setEnvironmentMappings(v *viper.Viper) {
	envMappings := map[string]string{
		"OPENAI_API_KEY":     "providers.openai.apikey",
		"OPENAI_BASE_URL":    "providers.openai.base_url",
		"GEMINI_API_KEY":     "providers.gemini.apikey",
		"GEMINI_BASE_URL":    "providers.gemini.base_url",
		"REDIS_URL":          "cache.redis_url",
		"TELEMETRY_BASE_URL": "telemetry.base_url",
		"HISTORY_DB_PATH":    "history.db_path",
		"LOG_LEVEL":          "logging.level",
		"LOG_FORMAT":         "logging.format",
		"LOG_OUTPUT":         "logging.output",
	}

	for envVar, configKey := range envMappings {
		if value := os.Getenv(envVar); value != "" {
			v.Set(configKey, value)
		}
	}
}

// Validate checks required fields and value ranges, reporting every problem
// at once as ValidationErrors
func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if !c.Providers.OpenAI.Enabled() && !c.Providers.Gemini.Enabled() {
		add("providers", "at least one provider API key is required. Set OPENAI_API_KEY or GEMINI_API_KEY")
	}

	validSelectors := []string{"openai", "gemini", "both"}
	if !slices.Contains(validSelectors, c.Orchestration.DefaultSelector) {
		add("orchestration.default_selector", "selector must be one of: %s", strings.Join(validSelectors, ", "))
	}

	validTypes := []string{"comprehensive", "tire", "performance", "strategy", "predictive"}
	if !slices.Contains(validTypes, c.Orchestration.DefaultAnalysisType) {
		add("orchestration.default_analysis_type", "analysis type must be one of: %s", strings.Join(validTypes, ", "))
	}

	switch fallback := c.Orchestration.FallbackProvider; fallback {
	case "":
	case "openai", "gemini":
		if !c.providerEnabled(fallback) {
			add("orchestration.fallback_provider", "fallback provider %s has no API key", fallback)
		}
	default:
		add("orchestration.fallback_provider", "fallback provider must be openai or gemini")
	}

	if c.Retry.MaxAttempts < 1 {
		add("retry.max_attempts", "max_attempts must be at least 1")
	}
	if c.Retry.BaseDelay <= 0 {
		add("retry.base_delay", "base_delay must be greater than 0")
	}
	if c.Retry.MaxJitter < 0 {
		add("retry.max_jitter", "max_jitter must not be negative")
	}
	if c.Retry.AnalysisTimeout <= 0 || c.Retry.MultimodalTimeout <= 0 {
		add("retry.analysis_timeout", "analysis and multimodal timeouts must be greater than 0")
	}
	if c.Retry.BreakerMaxFailures < 1 {
		add("retry.breaker_max_failures", "breaker_max_failures must be at least 1")
	}

	switch c.Cache.Backend {
	case "memory", "none":
	case "redis":
		if c.Cache.RedisURL == "" {
			add("cache.redis_url", "redis backend requires a URL. Set via config file or REDIS_URL environment variable")
		}
	default:
		add("cache.backend", "cache backend must be one of: memory, redis, none")
	}
	if c.Cache.TTL <= 0 {
		add("cache.ttl", "ttl must be greater than 0")
	}

	if c.Telemetry.MaxConcurrency < 1 {
		add("telemetry.max_concurrency", "max_concurrency must be at least 1")
	}

	if c.History.Enabled {
		if c.History.DBPath == "" {
			add("history.db_path", "history database path is required")
		} else if err := validateDirectoryExists(filepath.Dir(c.History.DBPath)); err != nil {
			add("history.db_path", "history database directory does not exist: %s", filepath.Dir(c.History.DBPath))
		}
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		add("server.port", "port must be between 1 and 65535")
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLogLevels, c.Logging.Level) {
		add("logging.level", "log level must be one of: %s", strings.Join(validLogLevels, ", "))
	}
	validLogFormats := []string{"json", "text"}
	if !slices.Contains(validLogFormats, c.Logging.Format) {
		add("logging.format", "log format must be one of: %s", strings.Join(validLogFormats, ", "))
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func (c *Config) providerEnabled(name string) bool {
	switch name {
	case "openai":
		return c.Providers.OpenAI.Enabled()
	case "gemini":
		return c.Providers.Gemini.Enabled()
	}
	return false
}

// MaskSensitiveValues returns a copy of the config with sensitive values masked
func (c *Config) MaskSensitiveValues() *Config {
	masked := *c

	masked.Providers.OpenAI.APIKey = maskValue(masked.Providers.OpenAI.APIKey)
	masked.Providers.Gemini.APIKey = maskValue(masked.Providers.Gemini.APIKey)
	masked.Cache.RedisURL = maskValue(masked.Cache.RedisURL)

	return &masked
}

// maskValue masks sensitive values, showing only the first 8 characters
func maskValue(value string) string {
	if len(value) <= 8 {
		return strings.Repeat("*", len(value))
	}
	return value[:8] + strings.Repeat("*", len(value)-8)
}

func validateDirectoryExists(path string) error {
	if path == "" || path == "." {
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}
	return nil
}

// WatchConfig reloads the configuration whenever the file changes and hands
// every valid reload to callback. Invalid edits are logged and ignored.
func WatchConfig(configPath string, logger *zap.Logger, callback func(*Config)) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	v := viper.New()
	found, err := setConfigFile(v, configPath)
	if err != nil {
		return err
	}
	if !found {
		return ErrNoConfigFile
	}
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		logger.Info("Config file changed", zap.String("file", e.Name), zap.String("op", e.Op.String()))

		config, err := Load(configPath)
		if err != nil {
			logger.Warn("Failed to reload config", zap.Error(err))
			return
		}
		callback(config)
	})
	v.WatchConfig()

	return nil
}
