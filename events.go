package moler

// Device lifecycle notifications use the CloudEvents specification for
// standardized event format and interoperability with external systems.

import (
	"context"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// EventType constants for device lifecycle events, in reverse domain
// notation per the CloudEvents specification.
const (
	EventTypeStateChanged     = "com.moler.device.state.changed"
	EventTypeConnectionMade   = "com.moler.device.connection.made"
	EventTypeConnectionLost   = "com.moler.device.connection.lost"
	EventTypeObserverStarted  = "com.moler.device.observer.started"
	EventTypeObserverFinished = "com.moler.device.observer.finished"
)

// LifecycleObserver receives device lifecycle events. Handlers should return
// quickly to avoid delaying other observers.
type LifecycleObserver interface {
	// OnEvent is called for every event the observer subscribed to.
	OnEvent(ctx context.Context, event cloudevents.Event) error

	// ObserverID identifies the observer for registration tracking.
	ObserverID() string
}

// FunctionalObserver wraps a function as a LifecycleObserver.
type FunctionalObserver struct {
	id      string
	handler func(ctx context.Context, event cloudevents.Event) error
}

// NewFunctionalObserver creates an observer backed by handler.
func NewFunctionalObserver(id string, handler func(ctx context.Context, event cloudevents.Event) error) *FunctionalObserver {
	return &FunctionalObserver{id: id, handler: handler}
}

func (f *FunctionalObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.handler(ctx, event)
}

func (f *FunctionalObserver) ObserverID() string { return f.id }

// NewDeviceEvent builds a CloudEvent for a device lifecycle notification.
func NewDeviceEvent(eventType, source string, data map[string]any) cloudevents.Event {
	event := cloudevents.NewEvent()
	event.SetID(uuid.New().String())
	event.SetType(eventType)
	event.SetSource(source)
	event.SetTime(time.Now())
	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}
	return event
}

// lifecycleRegistration tracks one registered observer and its type filter.
type lifecycleRegistration struct {
	observer   LifecycleObserver
	eventTypes map[string]struct{} // empty means all
}

func (r *lifecycleRegistration) matches(eventType string) bool {
	if len(r.eventTypes) == 0 {
		return true
	}
	_, ok := r.eventTypes[eventType]
	return ok
}
