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
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(maxFailures int) (*CircuitBreaker, *manualClock) {
	config := DefaultCircuitBreakerConfig("openai")
	config.MaxFailures = maxFailures
	config.ResetTimeout = time.Minute

	clock := &manualClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(config, zap.NewNop())
	cb.now = clock.Now
	return cb, clock
}

func failing(_ context.Context) error { return serverError() }

func succeeding(_ context.Context) error { return nil }

func TestCircuitBreakerOpensAfterMaxFailures(t *testing.T) {
	cb, _ := newTestBreaker(3)

	for i := 0; i < 3; i++ {
		if err := cb.Execute(context.Background(), failing); KindOf(err) != KindRateLimitOrServer {
			t.Fatalf("Expected provider error on call %d, got %v", i, err)
		}
	}

	if cb.GetState() != CircuitOpen {
		t.Fatalf("Expected open circuit, got %s", cb.GetState())
	}

	called := false
	err := cb.Execute(context.Background(), func(_ context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Errorf("Expected ErrCircuitBreakerOpen, got %v", err)
	}
	if called {
		t.Error("Expected the call to be short-circuited")
	}
	if cb.GetStats().RejectedReqs != 1 {
		t.Errorf("Expected 1 rejected request, got %d", cb.GetStats().RejectedReqs)
	}
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	cb, clock := newTestBreaker(1)

	_ = cb.Execute(context.Background(), failing)
	if cb.GetState() != CircuitOpen {
		t.Fatalf("Expected open circuit, got %s", cb.GetState())
	}

	clock.Advance(time.Minute)

	if err := cb.Execute(context.Background(), succeeding); err != nil {
		t.Fatalf("Expected trial request to pass, got %v", err)
	}
	if cb.GetState() != CircuitClosed {
		t.Errorf("Expected closed circuit after successful trial, got %s", cb.GetState())
	}
}

func TestCircuitBreakerHalfOpenFailure(t *testing.T) {
	cb, clock := newTestBreaker(1)

	_ = cb.Execute(context.Background(), failing)
	clock.Advance(2 * time.Minute)

	_ = cb.Execute(context.Background(), failing)
	if cb.GetState() != CircuitOpen {
		t.Errorf("Expected failed trial to reopen the circuit, got %s", cb.GetState())
	}
}

func TestCircuitBreakerIgnoresCallerErrors(t *testing.T) {
	cb, _ := newTestBreaker(1)

	authErr := NewProviderError("openai", http.StatusUnauthorized, "bad key", nil)
	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func(_ context.Context) error { return authErr })
	}

	if cb.GetState() != CircuitClosed {
		t.Errorf("Expected auth failures not to trip the breaker, got %s", cb.GetState())
	}
}

func TestCircuitBreakerSuccessResetsFailures(t *testing.T) {
	cb, _ := newTestBreaker(3)

	_ = cb.Execute(context.Background(), failing)
	_ = cb.Execute(context.Background(), failing)
	_ = cb.Execute(context.Background(), succeeding)
	_ = cb.Execute(context.Background(), failing)

	stats := cb.GetStats()
	if stats.State != CircuitClosed {
		t.Errorf("Expected closed circuit, got %s", stats.State)
	}
	if stats.Failures != 1 {
		t.Errorf("Expected 1 consecutive failure, got %d", stats.Failures)
	}
	if stats.FailedReqs != 3 || stats.SuccessfulReqs != 1 {
		t.Errorf("Unexpected totals: %+v", stats)
	}
}

func TestCircuitBreakerReset(t *testing.T) {
	cb, _ := newTestBreaker(1)
	_ = cb.Execute(context.Background(), failing)

	cb.Reset()

	if cb.GetState() != CircuitClosed {
		t.Errorf("Expected closed circuit after reset, got %s", cb.GetState())
	}
}

func TestCircuitBreakerStateChangeCallback(t *testing.T) {
	config := DefaultCircuitBreakerConfig("gemini")
	config.MaxFailures = 1

	changes := make(chan CircuitState, 1)
	config.OnStateChange = func(name string, _, to CircuitState) {
		if name == "gemini" {
			changes <- to
		}
	}

	cb := NewCircuitBreaker(config, zap.NewNop())
	_ = cb.Execute(context.Background(), failing)

	select {
	case state := <-changes:
		if state != CircuitOpen {
			t.Errorf("Expected transition to open, got %s", state)
		}
	case <-time.After(time.Second):
		t.Error("Expected state change callback")
	}
}

func TestBreakerSet(t *testing.T) {
	set := NewBreakerSet(DefaultCircuitBreakerConfig(""), zap.NewNop())

	openai := set.Get("openai")
	if set.Get("openai") != openai {
		t.Error("Expected the same breaker for the same provider")
	}
	gemini := set.Get("gemini")
	if gemini == openai {
		t.Error("Expected a separate breaker per provider")
	}

	stats := set.Stats()
	if len(stats) != 2 {
		t.Fatalf("Expected 2 breaker stats, got %d", len(stats))
	}
	if stats[0].Name != "gemini" || stats[1].Name != "openai" {
		t.Errorf("Expected stats ordered by name, got %s, %s", stats[0].Name, stats[1].Name)
	}
}
