package presence

import (
	"context"
	"time"
)

// EventType names a presence transition published to sinks.
type EventType string

const (
	EventOnline  EventType = "online"
	EventOffline EventType = "offline"
	EventEntered EventType = "entered"
	EventLeft    EventType = "left"
)

// Event is a presence transition as seen by observers outside the engine.
type Event struct {
	Type         EventType `json:"type"`
	UserID       string    `json:"userId"`
	PeerID       string    `json:"peerId,omitempty"`
	ConnectionID string    `json:"connectionId"`
	At           time.Time `json:"at"`
}

// EventSink receives presence transitions after the corresponding notices
// have been flushed. Implementations must not call back into the engine.
type EventSink interface {
	PresenceEvent(ctx context.Context, evt Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, evt Event)

func (f EventSinkFunc) PresenceEvent(ctx context.Context, evt Event) { f(ctx, evt) }
