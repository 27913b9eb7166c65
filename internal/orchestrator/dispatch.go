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

package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/your-org/telemetry-insights/internal/analysis"
	"github.com/your-org/telemetry-insights/internal/provider"
	"github.com/your-org/telemetry-insights/internal/resilience"
	"github.com/your-org/telemetry-insights/internal/streaming"
)

// outcome is the normalized result, or the terminal error, of one provider
type outcome struct {
	provider analysis.ProviderID
	result   *analysis.Result
	tier     analysis.Tier
	tokens   int
	err      error
}

// dispatchSingle calls primary and, if it fails terminally, fallback once
func (o *Orchestrator) dispatchSingle(ctx context.Context, r *run, primary, fallback analysis.ProviderID, call provider.Call) ([]outcome, error) {
	first := o.dispatch(ctx, r, primary, call)
	if first.err == nil {
		return []outcome{first}, nil
	}
	if fallback == "" || ctx.Err() != nil {
		return []outcome{first}, first.err
	}

	o.logger.Warn("Primary provider failed, trying fallback",
		zap.String("request_id", r.requestID),
		zap.String("provider", string(primary)),
		zap.String("fallback", string(fallback)),
		zap.String("error_kind", resilience.KindOf(first.err).String()))

	second := o.dispatch(ctx, r, fallback, call)
	outcomes := []outcome{first, second}
	if second.err == nil {
		return outcomes, nil
	}
	return outcomes, &resilience.AllProvidersFailedError{Failures: map[string]error{
		string(primary):  first.err,
		string(fallback): second.err,
	}}
}

// dispatchAll calls every target concurrently and waits for all of them. It
// fails only when no target succeeded. Outcomes keep the order of targets.
func (o *Orchestrator) dispatchAll(ctx context.Context, r *run, targets []analysis.ProviderID, call provider.Call) ([]outcome, error) {
	outcomes := make([]outcome, len(targets))

	var g errgroup.Group
	for i, id := range targets {
		g.Go(func() error {
			outcomes[i] = o.dispatch(ctx, r, id, call)
			return nil
		})
	}
	_ = g.Wait()

	failures := make(map[string]error)
	for _, oc := range outcomes {
		if oc.err != nil {
			failures[string(oc.provider)] = oc.err
		}
	}
	if len(failures) == len(outcomes) {
		return outcomes, &resilience.AllProvidersFailedError{Failures: failures}
	}
	if len(failures) > 0 {
		o.logger.Warn("Continuing with partial provider results",
			zap.String("request_id", r.requestID),
			zap.Int("succeeded", len(outcomes)-len(failures)),
			zap.Int("failed", len(failures)))
	}
	return outcomes, nil
}

// dispatch runs one provider call through its circuit breaker and the retry
// executor, then normalizes the reply
func (o *Orchestrator) dispatch(ctx context.Context, r *run, id analysis.ProviderID, call provider.Call) outcome {
	p := o.providers[id]
	name := string(id)
	breaker := o.breakers.Get(name)

	config := o.config.AnalysisBackoff
	if call.HasMedia() {
		config = o.config.MultimodalBackoff
	}
	config.OnRetry = func(state resilience.RetryState) {
		r.enter(StateRetrying, name, fmt.Sprintf("attempt %d failed", state.Attempt))
		r.events.Emit(streaming.Event{
			Type:     streaming.EventTypeRetry,
			Stage:    streaming.StageType(StateRetrying),
			Provider: name,
			Message:  fmt.Sprintf("retrying in %s", state.NextDelay),
			Error:    state.Err.Error(),
			Data: map[string]any{
				"request_id":    r.requestID,
				"attempt":       state.Attempt,
				"next_delay_ms": state.NextDelay.Milliseconds(),
			},
		})
	}

	var resp *provider.Response
	attempt := 0
	err := o.executor.Do(ctx, "analyze "+name, resilience.CallGeneration, config, func(ctx context.Context) error {
		attempt++
		r.enter(StateDispatching, name, "calling provider")

		attemptCall := call
		if call.Stream {
			n := attempt
			attemptCall.OnChunk = func(text string) {
				r.events.EmitChunk(streaming.StageType(StateDecoding), name, n, text)
			}
		}
		return breaker.Execute(ctx, func(ctx context.Context) error {
			res, err := p.Call(ctx, attemptCall)
			if err != nil {
				return err
			}
			resp = res
			return nil
		})
	})
	if err != nil {
		o.logger.Warn("Provider call failed",
			zap.String("request_id", r.requestID),
			zap.String("provider", name),
			zap.String("error_kind", resilience.KindOf(err).String()),
			zap.Error(err))
		return outcome{provider: id, err: err}
	}

	r.enter(StateDecoding, name, "decoding response")
	r.enter(StateParsing, name, "normalizing response")
	result, tier := o.normalizer.Normalize(resp.RawText, id)
	attachCitations(result, resp.Citations)

	tokens := 0
	if resp.TokensUsed != nil {
		tokens = *resp.TokensUsed
	}
	return outcome{provider: id, result: result, tier: tier, tokens: tokens}
}

// attachCitations appends provider citations not already on result
func attachCitations(result *analysis.Result, citations []analysis.Citation) {
	seen := make(map[string]struct{}, len(result.Citations))
	for _, c := range result.Citations {
		seen[c.URI] = struct{}{}
	}
	for _, c := range citations {
		if _, ok := seen[c.URI]; ok || c.URI == "" {
			continue
		}
		seen[c.URI] = struct{}{}
		result.Citations = append(result.Citations, c)
	}
}

func failureMessages(outcomes []outcome) map[string]string {
	var failures map[string]string
	for _, oc := range outcomes {
		if oc.err == nil {
			continue
		}
		if failures == nil {
			failures = make(map[string]string)
		}
		failures[string(oc.provider)] = oc.err.Error()
	}
	return failures
}
