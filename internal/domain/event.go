package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventToolCallQueued    EventType = "tool.call.queued"
	EventToolCallStarted   EventType = "tool.call.started"
	EventToolCallCompleted EventType = "tool.call.completed"
	EventToolCallCancelled EventType = "tool.call.cancelled"

	EventProcessStarted      EventType = "process.started"
	EventProcessBackgrounded EventType = "process.backgrounded"
	EventProcessCompleted    EventType = "process.completed"
	EventProcessKilled       EventType = "process.killed"
	EventProcessTimedOut     EventType = "process.timed_out"

	EventSandboxFallback  EventType = "sandbox.fallback"
	EventSandboxViolation EventType = "sandbox.violation"

	EventHookCacheInvalidated EventType = "hook.cache.invalidated"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

// NewEvent marshals payload into an Event stamped with the current time.
func NewEvent(eventType EventType, sessionID string, payload any) Event {
	var data json.RawMessage
	if payload != nil {
		data, _ = json.Marshal(payload)
	}
	return Event{Type: eventType, Timestamp: time.Now(), SessionID: sessionID, Payload: data}
}
