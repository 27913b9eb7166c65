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

package resilience

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

// recordingSleeper captures requested delays without sleeping
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func newTestExecutor(sleeper *recordingSleeper) *Executor {
	return NewExecutor(zap.NewNop(),
		WithSleeper(sleeper.sleep),
		WithJitter(func(time.Duration) time.Duration { return 0 }))
}

func serverError() error {
	return NewProviderError("openai", http.StatusInternalServerError, "internal", nil)
}

func TestBackoffPresets(t *testing.T) {
	analysis := AnalysisBackoffConfig()
	if analysis.BaseDelay != 500*time.Millisecond {
		t.Errorf("Expected BaseDelay 500ms, got %v", analysis.BaseDelay)
	}
	if analysis.MaxAttempts != 3 {
		t.Errorf("Expected 3 analysis attempts, got %d", analysis.MaxAttempts)
	}
	if analysis.MaxJitter != 200*time.Millisecond {
		t.Errorf("Expected 200ms jitter, got %v", analysis.MaxJitter)
	}

	read := ReadBackoffConfig()
	if read.MaxAttempts != 2 {
		t.Errorf("Expected 2 read attempts, got %d", read.MaxAttempts)
	}
	if read.Timeout != 15*time.Second {
		t.Errorf("Expected 15s read budget, got %v", read.Timeout)
	}

	if MultimodalBackoffConfig().Timeout <= analysis.Timeout {
		t.Error("Expected multimodal budget to exceed the analysis budget")
	}
}

func TestExecutor_Success(t *testing.T) {
	sleeper := &recordingSleeper{}
	executor := newTestExecutor(sleeper)

	attempts := 0
	err := executor.Do(context.Background(), "analyze", CallGeneration, AnalysisBackoffConfig(), func(_ context.Context) error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
	if len(sleeper.delays) != 0 {
		t.Errorf("Expected no sleeps, got %v", sleeper.delays)
	}
}

func TestExecutor_RetryBoundWithMonotonicDelays(t *testing.T) {
	sleeper := &recordingSleeper{}
	executor := newTestExecutor(sleeper)
	config := AnalysisBackoffConfig()

	attempts := 0
	err := executor.Do(context.Background(), "analyze", CallGeneration, config, func(_ context.Context) error {
		attempts++
		return serverError()
	})

	if err == nil {
		t.Fatal("Expected error after exhausting attempts")
	}
	if attempts != config.MaxAttempts {
		t.Errorf("Expected %d attempts, got %d", config.MaxAttempts, attempts)
	}
	if !strings.Contains(err.Error(), "failed after 3 attempts") {
		t.Errorf("Unexpected error message: %v", err)
	}
	if KindOf(err) != KindRateLimitOrServer {
		t.Errorf("Expected retryable kind to survive wrapping, got %s", KindOf(err))
	}

	if len(sleeper.delays) != config.MaxAttempts-1 {
		t.Fatalf("Expected %d sleeps, got %d", config.MaxAttempts-1, len(sleeper.delays))
	}
	if sleeper.delays[0] != 500*time.Millisecond {
		t.Errorf("Expected first delay 500ms, got %v", sleeper.delays[0])
	}
	for i := 1; i < len(sleeper.delays); i++ {
		if sleeper.delays[i] <= sleeper.delays[i-1] {
			t.Errorf("Expected delay %d (%v) to exceed previous (%v)", i, sleeper.delays[i], sleeper.delays[i-1])
		}
	}
}

func TestExecutor_JitterStaysMonotonic(t *testing.T) {
	sleeper := &recordingSleeper{}
	calls := 0
	executor := NewExecutor(zap.NewNop(),
		WithSleeper(sleeper.sleep),
		WithJitter(func(max time.Duration) time.Duration {
			// worst case: large jitter first, none after
			calls++
			if calls == 1 {
				return max - time.Millisecond
			}
			return 0
		}))

	_ = executor.Do(context.Background(), "analyze", CallGeneration, AnalysisBackoffConfig(), func(_ context.Context) error {
		return serverError()
	})

	if len(sleeper.delays) != 2 {
		t.Fatalf("Expected 2 sleeps, got %d", len(sleeper.delays))
	}
	if sleeper.delays[1] <= sleeper.delays[0] {
		t.Errorf("Expected %v > %v", sleeper.delays[1], sleeper.delays[0])
	}
}

func TestExecutor_FatalShortCircuit(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"unauthorized", NewProviderError("openai", http.StatusUnauthorized, "bad key", nil)},
		{"bad request", NewProviderError("gemini", http.StatusBadRequest, "invalid argument", nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sleeper := &recordingSleeper{}
			executor := newTestExecutor(sleeper)

			attempts := 0
			err := executor.Do(context.Background(), "analyze", CallGeneration, AnalysisBackoffConfig(), func(_ context.Context) error {
				attempts++
				return tt.err
			})

			if attempts != 1 {
				t.Errorf("Expected exactly 1 attempt, got %d", attempts)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("Expected original error, got %v", err)
			}
			if len(sleeper.delays) != 0 {
				t.Errorf("Expected no sleeps, got %v", sleeper.delays)
			}
		})
	}
}

func TestExecutor_SuccessAfterRetry(t *testing.T) {
	sleeper := &recordingSleeper{}
	executor := newTestExecutor(sleeper)

	var states []RetryState
	config := AnalysisBackoffConfig()
	config.OnRetry = func(state RetryState) {
		states = append(states, state)
	}

	attempts := 0
	err := executor.Do(context.Background(), "analyze", CallGeneration, config, func(_ context.Context) error {
		attempts++
		if attempts < 3 {
			return serverError()
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected success, got %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("Expected 2 retry notifications, got %d", len(states))
	}
	if states[0].Attempt != 1 || states[1].Attempt != 2 {
		t.Errorf("Unexpected attempt numbers: %+v", states)
	}
	if states[0].Classification != Retryable {
		t.Errorf("Expected retryable classification, got %s", states[0].Classification)
	}
	if states[1].NextDelay != time.Second {
		t.Errorf("Expected second delay of 1s, got %v", states[1].NextDelay)
	}
}

func TestExecutor_MutationNotRetried(t *testing.T) {
	sleeper := &recordingSleeper{}
	executor := newTestExecutor(sleeper)

	attempts := 0
	err := executor.Do(context.Background(), "record", CallMutation, AnalysisBackoffConfig(), func(_ context.Context) error {
		attempts++
		return serverError()
	})

	if err == nil {
		t.Fatal("Expected error")
	}
	if attempts != 1 {
		t.Errorf("Expected a single attempt for a mutation, got %d", attempts)
	}
}

func TestExecutor_TimeoutIsTerminal(t *testing.T) {
	executor := NewExecutor(zap.NewNop())
	config := AnalysisBackoffConfig()
	config.Timeout = 20 * time.Millisecond
	config.MaxAttempts = 10

	var attempts atomic.Int32
	err := executor.Do(context.Background(), "analyze", CallGeneration, config, func(ctx context.Context) error {
		attempts.Add(1)
		<-ctx.Done()
		return ctx.Err()
	})

	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("Expected TimeoutError, got %v", err)
	}
	if attempts.Load() != 1 {
		t.Errorf("Expected no retry after the budget expired, got %d attempts", attempts.Load())
	}
	if timeoutErr.Attempts != 1 {
		t.Errorf("Expected 1 recorded attempt, got %d", timeoutErr.Attempts)
	}
}

func TestExecutor_TimeoutWhenCallIgnoresContext(t *testing.T) {
	executor := NewExecutor(zap.NewNop())
	config := ReadBackoffConfig()
	config.Timeout = 10 * time.Millisecond

	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	err := executor.Do(context.Background(), "fetch", CallIdempotentRead, config, func(_ context.Context) error {
		<-release
		return nil
	})

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected timeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Expected the budget to bound the call")
	}
}

func TestExecutor_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	executor := NewExecutor(zap.NewNop(), WithSleeper(func(ctx context.Context, _ time.Duration) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}))

	attempts := 0
	err := executor.Do(ctx, "analyze", CallGeneration, AnalysisBackoffConfig(), func(_ context.Context) error {
		attempts++
		return serverError()
	})

	if KindOf(err) != KindTimeout {
		t.Errorf("Expected cancellation to surface as timeout, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected no attempts after cancellation, got %d", attempts)
	}
}

func TestDefaultRetryOnFunc(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"server", serverError(), true},
		{"rate limit", NewProviderError("gemini", http.StatusTooManyRequests, "", nil), true},
		{"auth", NewProviderError("gemini", http.StatusUnauthorized, "", nil), false},
		{"network", NewNetworkError("gemini", errors.New("dial tcp: refused")), true},
		{"unclassified", errors.New("boom"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultRetryOnFunc(tt.err); got != tt.want {
				t.Errorf("DefaultRetryOnFunc() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBackoffConfigDelay(t *testing.T) {
	config := AnalysisBackoffConfig()
	config.MaxDelay = 3 * time.Second

	want := []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second, 3 * time.Second}
	for i, expected := range want {
		if got := config.Delay(i + 1); got != expected {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, expected)
		}
	}
}
