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

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/your-org/telemetry-insights/internal/cache"
	"github.com/your-org/telemetry-insights/internal/resilience"
)

func staticChecker(status, errMsg string) Checker {
	return CheckerFunc(func(context.Context) CheckResult {
		return CheckResult{Status: status, Error: errMsg}
	})
}

func TestManager_Check(t *testing.T) {
	manager := NewManager("telemetry-insights", "1.0.0", zap.NewNop())
	manager.AddChecker("healthy", staticChecker(StatusHealthy, ""))
	manager.AddChecker("unhealthy", staticChecker(StatusUnhealthy, "provider is down"))

	result := manager.Check(context.Background())

	if result.Status != StatusUnhealthy {
		t.Errorf("Expected status to be unhealthy, got %s", result.Status)
	}
	if result.Service != "telemetry-insights" || result.Version != "1.0.0" {
		t.Errorf("Unexpected service identity %s/%s", result.Service, result.Version)
	}
	if len(result.Dependencies) != 2 {
		t.Fatalf("Expected 2 dependencies, got %d", len(result.Dependencies))
	}
	if got := result.Dependencies["unhealthy"].Error; got != "provider is down" {
		t.Errorf("Expected error to be carried, got %q", got)
	}
	if result.Dependencies["healthy"].Timestamp.IsZero() {
		t.Error("Expected timestamp to be set by the manager")
	}
	if result.Metadata["go_version"] == nil {
		t.Error("Expected system metadata")
	}
}

func TestManager_StatusAggregation(t *testing.T) {
	tests := []struct {
		name     string
		statuses []string
		expected string
	}{
		{"no checkers", nil, StatusHealthy},
		{"all healthy", []string{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []string{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"unhealthy wins", []string{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := NewManager("svc", "test", nil)
			for i, status := range tt.statuses {
				manager.AddChecker(string(rune('a'+i)), staticChecker(status, ""))
			}
			if got := manager.Check(context.Background()).Status; got != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestManager_Timeout(t *testing.T) {
	manager := NewManager("svc", "test", zap.NewNop())
	manager.SetTimeout(20 * time.Millisecond)
	manager.AddChecker("slow", CheckerFunc(func(ctx context.Context) CheckResult {
		select {
		case <-ctx.Done():
			return CheckResult{Status: StatusUnhealthy, Error: ctx.Err().Error()}
		case <-time.After(time.Second):
			return CheckResult{Status: StatusHealthy}
		}
	}))

	result := manager.Check(context.Background())
	if result.Status != StatusUnhealthy {
		t.Errorf("Expected timed out check to be unhealthy, got %s", result.Status)
	}
}

func TestManager_Handler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name         string
		status       string
		expectedCode int
	}{
		{"healthy", StatusHealthy, http.StatusOK},
		{"degraded", StatusDegraded, http.StatusOK},
		{"unhealthy", StatusUnhealthy, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := NewManager("svc", "test", zap.NewNop())
			manager.AddChecker("dep", staticChecker(tt.status, ""))

			router := gin.New()
			router.GET("/health", manager.Handler())

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

			if w.Code != tt.expectedCode {
				t.Errorf("Expected status code %d, got %d", tt.expectedCode, w.Code)
			}
			var body Response
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if body.Status != tt.status {
				t.Errorf("Expected body status %s, got %s", tt.status, body.Status)
			}
		})
	}
}

func TestDatabaseHealthChecker(t *testing.T) {
	healthy := DatabaseHealthChecker("history", func(context.Context) error { return nil })
	if got := healthy.Check(context.Background()); got.Status != StatusHealthy || got.Metadata["database"] != "history" {
		t.Errorf("Unexpected healthy result %+v", got)
	}

	failing := DatabaseHealthChecker("history", func(context.Context) error { return errors.New("disk I/O error") })
	got := failing.Check(context.Background())
	if got.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy, got %s", got.Status)
	}
	if got.Error != "database ping failed: disk I/O error" {
		t.Errorf("Unexpected error %q", got.Error)
	}
}

type brokenStore struct{ cache.Store }

func (brokenStore) Ping(context.Context) error { return errors.New("connection refused") }

func TestCacheHealthChecker(t *testing.T) {
	results := cache.New(cache.NewMemoryStore(), zap.NewNop())
	results.Get(context.Background(), "missing")

	got := CacheHealthChecker(results).Check(context.Background())
	if got.Status != StatusHealthy {
		t.Errorf("Expected healthy, got %s", got.Status)
	}
	if got.Metadata["misses"] != int64(1) {
		t.Errorf("Expected one miss, got %v", got.Metadata["misses"])
	}

	degraded := cache.New(brokenStore{cache.NewMemoryStore()}, zap.NewNop())
	got = CacheHealthChecker(degraded).Check(context.Background())
	if got.Status != StatusDegraded {
		t.Errorf("Expected unreachable store to degrade, got %s", got.Status)
	}
}

func TestBreakerHealthChecker(t *testing.T) {
	template := resilience.DefaultCircuitBreakerConfig("")
	template.MaxFailures = 1
	breakers := resilience.NewBreakerSet(template, zap.NewNop())

	checker := BreakerHealthChecker(breakers, "gemini")
	if got := checker.Check(context.Background()); got.Status != StatusHealthy {
		t.Fatalf("Expected closed breaker to be healthy, got %s", got.Status)
	}

	serverErr := resilience.NewProviderError("gemini", http.StatusServiceUnavailable, "overloaded", nil)
	_ = breakers.Get("gemini").Execute(context.Background(), func(context.Context) error { return serverErr })

	got := checker.Check(context.Background())
	if got.Status != StatusUnhealthy {
		t.Errorf("Expected open breaker to be unhealthy, got %s", got.Status)
	}
	if got.Metadata["state"] != "open" {
		t.Errorf("Expected state open, got %v", got.Metadata["state"])
	}
	if got.Error != "gemini circuit is open" {
		t.Errorf("Unexpected error %q", got.Error)
	}

	other := BreakerHealthChecker(breakers, "openai").Check(context.Background())
	if other.Status != StatusHealthy {
		t.Errorf("Expected breakers to be independent, got %s", other.Status)
	}
}
