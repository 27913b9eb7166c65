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
	"time"

	"go.uber.org/zap"
)

// Time budgets by call weight
const (
	// ReadTimeout bounds lightweight reads such as upstream telemetry fetches
	ReadTimeout = 15 * time.Second
	// AnalysisTimeout bounds a text-only analysis call including its retries
	AnalysisTimeout = 120 * time.Second
	// MultimodalTimeout bounds calls that carry video or other large attachments
	MultimodalTimeout = 300 * time.Second
)

// TimeoutFunc is a function that can be executed with a timeout
type TimeoutFunc func(ctx context.Context) error

// WithTimeout runs fn under a budget derived from ctx. When the budget is
// exhausted or ctx is cancelled the call resolves to a *TimeoutError even if fn
// has not yet returned.
func WithTimeout(ctx context.Context, operation string, timeout time.Duration, logger *zap.Logger, fn TimeoutFunc) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	timeoutCtx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		timeoutCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(timeoutCtx)
	}()

	select {
	case err := <-done:
		var timeoutErr *TimeoutError
		if errors.As(err, &timeoutErr) {
			return err
		}
		if err != nil && timeoutCtx.Err() != nil && isContextError(err) {
			return &TimeoutError{Operation: operation, Budget: budgetFor(ctx, timeout), Err: timeoutCtx.Err()}
		}
		return err
	case <-timeoutCtx.Done():
		logger.Warn("Operation timed out",
			zap.String("operation", operation),
			zap.Duration("timeout", timeout),
			zap.Error(timeoutCtx.Err()))
		return &TimeoutError{Operation: operation, Budget: budgetFor(ctx, timeout), Err: timeoutCtx.Err()}
	}
}

// budgetFor reports zero for a caller cancellation so the error reads as a cancel
func budgetFor(parent context.Context, timeout time.Duration) time.Duration {
	if errors.Is(parent.Err(), context.Canceled) {
		return 0
	}
	return timeout
}

func isContextError(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
