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

// Package resilience provides the retry, timeout and circuit breaker
// primitives used around every provider and upstream call.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// CallKind describes whether an operation is safe to repeat
type CallKind int

const (
	// CallIdempotentRead is a read with no side effects
	CallIdempotentRead CallKind = iota
	// CallGeneration is a stateless generation call
	CallGeneration
	// CallMutation changes remote state and is never retried
	CallMutation
)

// Idempotent reports whether a call of this kind may be retried
func (k CallKind) Idempotent() bool {
	return k == CallIdempotentRead || k == CallGeneration
}

// String returns the string representation of the call kind
func (k CallKind) String() string {
	switch k {
	case CallIdempotentRead:
		return "read"
	case CallGeneration:
		return "generation"
	case CallMutation:
		return "mutation"
	default:
		return "unknown"
	}
}

// Classification is the retry decision taken for one failed attempt
type Classification int

const (
	// Retryable failures are attempted again after a delay
	Retryable Classification = iota
	// Fatal failures end the call immediately
	Fatal
)

// String returns the string representation of the classification
func (c Classification) String() string {
	if c == Fatal {
		return "fatal"
	}
	return "retryable"
}

// RetryState describes a failed attempt; it lives only for the duration of one call
type RetryState struct {
	Operation      string
	Attempt        int
	Classification Classification
	NextDelay      time.Duration
	Err            error
}

// BackoffConfig holds configuration for exponential backoff retry logic
type BackoffConfig struct {
	BaseDelay   time.Duration
	MaxAttempts int
	MaxDelay    time.Duration
	Multiplier  float64
	MaxJitter   time.Duration
	Timeout     time.Duration
	RetryOnFunc func(error) bool
	// OnRetry is invoked before each backoff sleep
	OnRetry func(RetryState)
}

const (
	// DefaultBaseDelay is the delay before the first retry
	DefaultBaseDelay = 500 * time.Millisecond
	// DefaultMultiplier is the default exponential backoff multiplier
	DefaultMultiplier = 2.0
	// DefaultMaxJitter bounds the random delay added to each backoff
	DefaultMaxJitter = 200 * time.Millisecond
	// DefaultMaxDelay caps a single backoff sleep
	DefaultMaxDelay = 30 * time.Second
	// AnalysisMaxAttempts applies to long-running analysis calls
	AnalysisMaxAttempts = 3
	// ReadMaxAttempts applies to idempotent reads
	ReadMaxAttempts = 2
)

// AnalysisBackoffConfig returns the configuration for text analysis calls
func AnalysisBackoffConfig() BackoffConfig {
	return BackoffConfig{
		BaseDelay:   DefaultBaseDelay,
		MaxAttempts: AnalysisMaxAttempts,
		MaxDelay:    DefaultMaxDelay,
		Multiplier:  DefaultMultiplier,
		MaxJitter:   DefaultMaxJitter,
		Timeout:     AnalysisTimeout,
		RetryOnFunc: DefaultRetryOnFunc,
	}
}

// MultimodalBackoffConfig returns the configuration for calls carrying attachments
func MultimodalBackoffConfig() BackoffConfig {
	config := AnalysisBackoffConfig()
	config.Timeout = MultimodalTimeout
	return config
}

// ReadBackoffConfig returns the configuration for idempotent upstream reads
func ReadBackoffConfig() BackoffConfig {
	config := AnalysisBackoffConfig()
	config.MaxAttempts = ReadMaxAttempts
	config.Timeout = ReadTimeout
	return config
}

// DefaultRetryOnFunc retries every failure whose kind is retryable
func DefaultRetryOnFunc(err error) bool {
	if err == nil {
		return false
	}
	if isContextError(err) {
		return false
	}
	return KindOf(err).Retryable()
}

// RetryFunc is a function that can be retried with exponential backoff
type RetryFunc func(ctx context.Context) error

// Sleeper waits for d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

// ExecutorOption configures an Executor
type ExecutorOption func(*Executor)

// WithSleeper replaces the real-time sleep, mainly for tests
func WithSleeper(s Sleeper) ExecutorOption {
	return func(e *Executor) { e.sleep = s }
}

// WithJitter replaces the jitter source; fn receives the configured maximum
func WithJitter(fn func(max time.Duration) time.Duration) ExecutorOption {
	return func(e *Executor) { e.jitter = fn }
}

// Executor runs calls with classification, backoff and a time budget
type Executor struct {
	logger *zap.Logger
	sleep  Sleeper
	jitter func(max time.Duration) time.Duration
}

// NewExecutor creates an executor
func NewExecutor(logger *zap.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		logger: logger,
		sleep:  contextSleep,
		jitter: randomJitter,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Do runs fn until it succeeds, fails fatally, exhausts its attempts or its
// time budget. Calls that are not idempotent are attempted exactly once.
func (e *Executor) Do(ctx context.Context, operation string, kind CallKind, config BackoffConfig, fn RetryFunc) error {
	config = normalize(config)
	if !kind.Idempotent() {
		config.MaxAttempts = 1
	}

	var attempts atomic.Int64
	err := WithTimeout(ctx, operation, config.Timeout, e.logger, func(ctx context.Context) error {
		return e.loop(ctx, operation, config, fn, &attempts)
	})

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) && timeoutErr.Attempts == 0 {
		timeoutErr.Attempts = int(attempts.Load())
	}
	return err
}

func (e *Executor) loop(ctx context.Context, operation string, config BackoffConfig, fn RetryFunc, attempts *atomic.Int64) error {
	var lastErr error

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		attempts.Store(int64(attempt))

		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				e.logger.Info("Operation succeeded after retry",
					zap.String("operation", operation),
					zap.Int("attempt", attempt),
					zap.Int("max_attempts", config.MaxAttempts))
			}
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return &TimeoutError{Operation: operation, Budget: config.Timeout, Attempts: attempt, Err: ctx.Err()}
		}

		if !config.RetryOnFunc(err) {
			e.logger.Debug("Error is not retryable, stopping attempts",
				zap.String("operation", operation),
				zap.Error(err),
				zap.String("error_kind", KindOf(err).String()),
				zap.Int("attempt", attempt))
			return err
		}

		if attempt == config.MaxAttempts {
			break
		}

		delay := e.delay(config, attempt)
		if config.OnRetry != nil {
			config.OnRetry(RetryState{
				Operation:      operation,
				Attempt:        attempt,
				Classification: Retryable,
				NextDelay:      delay,
				Err:            err,
			})
		}

		e.logger.Debug("Retrying after delay",
			zap.String("operation", operation),
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Int("max_attempts", config.MaxAttempts))

		if err := e.sleep(ctx, delay); err != nil {
			return &TimeoutError{Operation: operation, Budget: config.Timeout, Attempts: attempt, Err: err}
		}
	}

	e.logger.Error("All retry attempts exhausted",
		zap.String("operation", operation),
		zap.Error(lastErr),
		zap.Int("total_attempts", config.MaxAttempts))

	return fmt.Errorf("operation failed after %d attempts: %w", config.MaxAttempts, lastErr)
}

// Delay returns the backoff before the retry that follows attempt, without jitter
func (c BackoffConfig) Delay(attempt int) time.Duration {
	c = normalize(c)
	delay := time.Duration(float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(attempt-1)))
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return delay
}

func (e *Executor) delay(config BackoffConfig, attempt int) time.Duration {
	delay := config.Delay(attempt)
	if config.MaxJitter > 0 {
		delay += e.jitter(config.MaxJitter)
	}
	return delay
}

func normalize(config BackoffConfig) BackoffConfig {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = DefaultBaseDelay
	}
	if config.Multiplier < 1 {
		config.Multiplier = DefaultMultiplier
	}
	if config.RetryOnFunc == nil {
		config.RetryOnFunc = DefaultRetryOnFunc
	}
	return config
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}

func contextSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
