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

package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents different types of progress events
type EventType string

const (
	// EventTypeProgress represents a pipeline stage transition
	EventTypeProgress EventType = "progress"
	// EventTypeChunk carries a streamed text fragment and the provider attempt
	// that produced it. A retry event for the same provider voids the chunks
	// of earlier attempts; consumers reassembling text start over.
	EventTypeChunk EventType = "chunk"
	// EventTypeRetry reports a retried provider attempt
	EventTypeRetry EventType = "retry"
	// EventTypeError represents an error event
	EventTypeError EventType = "error"
	// EventTypeComplete represents a completion event
	EventTypeComplete EventType = "complete"
)

// StageType names the orchestration stage an event belongs to
type StageType string

// Event represents a streaming progress event
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Stage     StageType      `json:"stage"`
	Provider  string         `json:"provider,omitempty"`
	Message   string         `json:"message,omitempty"`
	Progress  int            `json:"progress"` // 0-100
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// ProgressCallback is a function type for progress callbacks
type ProgressCallback func(event Event)

// EventStream delivers orchestration events to its callbacks in emission
// order. Callbacks run synchronously on the emitting goroutine, one event at
// a time, so a slow callback applies backpressure to the pipeline.
type EventStream struct {
	ID string

	mu        sync.Mutex
	deliverMu sync.Mutex
	callbacks []ProgressCallback
	events    []Event
	closed    bool
}

// NewEventStream creates a new event stream; an empty ID gets a random one
func NewEventStream(streamID string) *EventStream {
	if streamID == "" {
		streamID = uuid.NewString()
	}
	return &EventStream{ID: streamID}
}

// AddCallback adds a progress callback to the stream
func (es *EventStream) AddCallback(callback ProgressCallback) {
	if es == nil {
		return
	}
	es.mu.Lock()
	defer es.mu.Unlock()

	if !es.closed {
		es.callbacks = append(es.callbacks, callback)
	}
}

// Emit records event and delivers it to every callback. A nil stream is a
// valid no-op sink.
func (es *EventStream) Emit(event Event) {
	if es == nil {
		return
	}

	es.deliverMu.Lock()
	defer es.deliverMu.Unlock()

	es.mu.Lock()
	if es.closed {
		es.mu.Unlock()
		return
	}
	event.ID = uuid.NewString()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	es.events = append(es.events, event)
	callbacks := make([]ProgressCallback, len(es.callbacks))
	copy(callbacks, es.callbacks)
	es.mu.Unlock()

	for _, callback := range callbacks {
		callback(event)
	}
}

// EmitProgress is a convenience method for emitting stage transitions
func (es *EventStream) EmitProgress(stage StageType, message string, progress int, data map[string]any) {
	es.Emit(Event{Type: EventTypeProgress, Stage: stage, Message: message, Progress: progress, Data: data})
}

// EmitChunk emits one streamed text fragment from a provider attempt
func (es *EventStream) EmitChunk(stage StageType, provider string, attempt int, text string) {
	es.Emit(Event{Type: EventTypeChunk, Stage: stage, Provider: provider, Data: map[string]any{"text": text, "attempt": attempt}})
}

// EmitError emits an error event
func (es *EventStream) EmitError(stage StageType, message string, err error) {
	event := Event{Type: EventTypeError, Stage: stage, Message: message, Error: message}
	if err != nil {
		event.Data = map[string]any{"error_details": err.Error()}
	}
	es.Emit(event)
}

// EmitComplete emits a completion event
func (es *EventStream) EmitComplete(stage StageType, message string, data map[string]any) {
	es.Emit(Event{Type: EventTypeComplete, Stage: stage, Message: message, Progress: 100, Data: data})
}

// Close stops delivery; later emissions are dropped. It waits for an
// in-flight delivery to finish, so no callback runs once Close returns.
// Callbacks must not call Close.
func (es *EventStream) Close() {
	if es == nil {
		return
	}
	es.deliverMu.Lock()
	defer es.deliverMu.Unlock()

	es.mu.Lock()
	defer es.mu.Unlock()

	es.closed = true
	es.callbacks = nil
}

// GetEvents returns all events in the stream
func (es *EventStream) GetEvents() []Event {
	es.mu.Lock()
	defer es.mu.Unlock()

	events := make([]Event, len(es.events))
	copy(events, es.events)
	return events
}

// ToSSEMessage converts an event to Server-Sent Events format
func (e Event) ToSSEMessage() string {
	data, _ := json.Marshal(e)
	return "event: " + string(e.Type) + "\ndata: " + string(data) + "\n\n"
}
