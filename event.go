package moler

import (
	"time"
)

// DetectFunc examines one inbound chunk on behalf of an event. It runs under
// the event's mutex and reports occurrences via Occurred.
type DetectFunc func(ev *Event, data []byte)

// Occurrence is one firing of an event.
type Occurrence struct {
	Data any
	Time time.Time
}

// Event is an observer that passively parses the stream. It may fire many
// times and runs until cancelled or timed out; a Single event terminates on
// its first occurrence.
type Event struct {
	ObserverBase

	// Single terminates the event with the first occurrence as result.
	Single bool

	detect      DetectFunc
	callbacks   []func(Occurrence)
	occurrences []Occurrence
}

// NewEvent builds an event bound to conn.
func NewEvent(conn *Connection, name string, detect DetectFunc, opts ...ObserverOption) *Event {
	e := &Event{detect: detect}
	e.init(e, conn, name, opts)
	return e
}

// DataReceived forwards the chunk to the event's detect hook.
func (e *Event) DataReceived(data []byte) {
	if e.detect != nil {
		e.detect(e, data)
	}
}

// IsCommand reports false: events only observe and time out with
// ErrObserverTimeout.
func (e *Event) IsCommand() bool { return false }

// WhenOccurs registers a callback fired on every occurrence, in registration
// order. Callbacks run on the data path and must be bounded-time.
func (e *Event) WhenOccurs(fn func(Occurrence)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = append(e.callbacks, fn)
}

// Occurred records one firing of the event. Like Finish and Fail it is a
// detect-hook call: the event mutex is already held there.
func (e *Event) Occurred(data any) {
	occ := Occurrence{Data: data, Time: time.Now()}
	e.occurrences = append(e.occurrences, occ)
	for _, fn := range e.callbacks {
		fn(occ)
	}
	if e.Single {
		e.setResultLocked(data)
	}
}

// Occurrences returns a copy of everything the event fired so far.
func (e *Event) Occurrences() []Occurrence {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Occurrence, len(e.occurrences))
	copy(out, e.occurrences)
	return out
}
