// Package events defines the structured lifecycle events emitted by the
// planning loop.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Type represents the kind of event.
type Type string

const (
	RunStarted       Type = "run.started"
	PlannerCompleted Type = "planner.completed"
	ToolCompleted    Type = "tool.completed"
	GateAwaiting     Type = "gate.awaiting"
	GateSent         Type = "gate.sent"
	GateFailed       Type = "gate.failed"
	RunFailed        Type = "run.failed"
	SessionAbandoned Type = "session.abandoned"
)

// Event is a structured event tied to one session.
type Event struct {
	Type          Type           `json:"type"`
	Timestamp     time.Time      `json:"timestamp"`
	SessionID     string         `json:"session_id"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}

// New creates an event for the session.
func New(eventType Type, sessionID, correlationID string) *Event {
	return &Event{
		Type:          eventType,
		Timestamp:     time.Now().UTC(),
		SessionID:     sessionID,
		CorrelationID: correlationID,
	}
}

// WithData adds a data field and returns the event for chaining.
func (e *Event) WithData(key string, value any) *Event {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	e.Data[key] = value
	return e
}

// JSON returns the event serialized as JSON.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Emitter is the interface for event consumers. Emit must not block.
type Emitter interface {
	Emit(event *Event)
}

// NoopEmitter discards all events.
type NoopEmitter struct{}

// Emit implements Emitter by discarding the event.
func (NoopEmitter) Emit(*Event) {}

// LogEmitter writes each event as a structured log record.
type LogEmitter struct {
	Logger *slog.Logger
}

// Emit implements Emitter.
func (l LogEmitter) Emit(e *Event) {
	attrs := make([]any, 0, 3+len(e.Data))
	attrs = append(attrs, slog.String("event", string(e.Type)), slog.String("session_id", e.SessionID))
	if e.CorrelationID != "" {
		attrs = append(attrs, slog.String("correlation_id", e.CorrelationID))
	}
	for k, v := range e.Data {
		attrs = append(attrs, slog.Any(k, v))
	}
	level := slog.LevelInfo
	if e.Type == RunFailed || e.Type == GateFailed {
		level = slog.LevelWarn
	}
	l.Logger.Log(context.Background(), level, "event", attrs...)
}

// Multi fans events out to several emitters.
type Multi []Emitter

// Emit implements Emitter.
func (m Multi) Emit(e *Event) {
	for _, em := range m {
		em.Emit(e)
	}
}

// CollectorEmitter collects events in memory for testing.
type CollectorEmitter struct {
	mu     sync.Mutex
	events []*Event
}

// Emit appends the event to the collector.
func (c *CollectorEmitter) Emit(event *Event) {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
}

// Events returns a copy of the collected events.
func (c *CollectorEmitter) Events() []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Event(nil), c.events...)
}

// Types returns the collected event types in order.
func (c *CollectorEmitter) Types() []Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Type, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type
	}
	return out
}
