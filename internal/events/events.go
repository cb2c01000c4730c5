// Package events defines the typed progress events a turn emits to its
// caller.
package events

import (
	"sync"
	"time"
)

// Type identifies an event.
type Type string

const (
	TypeStatus           Type = "status"
	TypeCodeChunk        Type = "code_chunk"
	TypeExplanationChunk Type = "explanation_chunk"
	TypeAnalysisError    Type = "analysis_error"
	TypeSuccess          Type = "success"
	TypeError            Type = "error"
	TypeResult           Type = "result"
	TypeProcessOutput    Type = "process_output"
)

// Event is one message on a session stream.
type Event struct {
	Type         Type                   `json:"type"`
	ProjectID    string                 `json:"project_id,omitempty"`
	GenerationID string                 `json:"generation_id,omitempty"`
	Message      string                 `json:"message,omitempty"`
	Data         map[string]interface{} `json:"data,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
}

// Terminal reports whether no further events follow for the turn.
func (e Event) Terminal() bool {
	return e.Type == TypeResult || e.Type == TypeError
}

// Sink receives events in issuance order. Emit must not block for long.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Recorder keeps every emitted event.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of what was recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// Last returns the most recent event of type t.
func (r *Recorder) Last(t Type) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == t {
			return r.events[i], true
		}
	}
	return Event{}, false
}

// Emitter stamps project and generation ids onto events for one turn.
type Emitter struct {
	Sink         Sink
	ProjectID    string
	GenerationID string
}

// Emit sends an event of type t.
func (e Emitter) Emit(t Type, message string, data map[string]interface{}) {
	if e.Sink == nil {
		return
	}
	e.Sink.Emit(Event{
		Type:         t,
		ProjectID:    e.ProjectID,
		GenerationID: e.GenerationID,
		Message:      message,
		Data:         data,
		Timestamp:    time.Now().UTC(),
	})
}

// Status sends a status line.
func (e Emitter) Status(message string) {
	e.Emit(TypeStatus, message, nil)
}
