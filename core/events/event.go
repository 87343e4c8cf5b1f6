package events

import "labescrow/core/types"

// Event represents a structured state change emitted by a domain engine.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (e.g. webhooks, audit).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Payload wraps a canonical attribute payload so it can be emitted.
type Payload struct {
	Evt *types.Event
}

// EventType returns the payload type or an empty string.
func (p Payload) EventType() string {
	if p.Evt == nil {
		return ""
	}
	return p.Evt.Type
}

// Event exposes the underlying payload.
func (p Payload) Event() *types.Event { return p.Evt }

// Recorder collects emitted events in memory. Tests use it to assert emission
// order.
type Recorder struct {
	events []Event
}

// Emit appends the event.
func (r *Recorder) Emit(evt Event) { r.events = append(r.events, evt) }

// Events returns the recorded events in order.
func (r *Recorder) Events() []Event {
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
