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
	"sync"

	"github.com/your-org/telemetry-insights/internal/streaming"
)

// State is a stage of the analysis pipeline
type State string

// Pipeline states, in the order a successful request visits them
const (
	StateIdle           State = "IDLE"
	StateBuildingPrompt State = "BUILDING_PROMPT"
	StateDispatching    State = "DISPATCHING"
	StateRetrying       State = "RETRYING"
	StateDecoding       State = "DECODING"
	StateParsing        State = "PARSING"
	StateMerging        State = "MERGING"
	StateCaching        State = "CACHING"
	StateDone           State = "DONE"
	StateFailed         State = "FAILED"
)

// progress is the nominal completion percentage reported with each state
var progress = map[State]int{
	StateIdle:           0,
	StateBuildingPrompt: 10,
	StateDispatching:    25,
	StateRetrying:       25,
	StateDecoding:       60,
	StateParsing:        75,
	StateMerging:        85,
	StateCaching:        95,
	StateDone:           100,
	StateFailed:         100,
}

// run tracks the states one request passes through. Concurrent dispatches
// share a run; repeated consecutive states are recorded once.
type run struct {
	requestID string
	events    *streaming.EventStream

	mu     sync.Mutex
	states []State
}

func newRun(requestID string, events *streaming.EventStream) *run {
	r := &run{requestID: requestID, events: events}
	r.enter(StateIdle, "", "analysis accepted")
	return r
}

// enter records state and emits a progress event for it
func (r *run) enter(state State, provider, message string) {
	r.mu.Lock()
	if n := len(r.states); n == 0 || r.states[n-1] != state {
		r.states = append(r.states, state)
	}
	r.mu.Unlock()

	r.events.Emit(streaming.Event{
		Type:     streaming.EventTypeProgress,
		Stage:    streaming.StageType(state),
		Provider: provider,
		Message:  message,
		Progress: progress[state],
		Data:     map[string]any{"request_id": r.requestID},
	})
}

func (r *run) history() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.states))
	copy(out, r.states)
	return out
}
