// Package pubsub defines the authoritative message event channel consumed by
// the reconciliation engine, plus its transports: an in-process broker and a
// Postgres LISTEN/NOTIFY listener.
package pubsub

import (
	"context"
	"time"
)

// EventType tags an event as a fresh row or a modification.
type EventType string

const (
	Inserted EventType = "INSERT"
	Updated  EventType = "UPDATE"
)

// Event is one authoritative message delivery. Content is an opaque stored
// string: either plain text or a serialized content union; the consumer is
// responsible for the tolerant parse.
type Event struct {
	Type           EventType `json:"type"`
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Sender         string    `json:"sender"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// HandlerFunc consumes events for one subscription.
type HandlerFunc func(Event)

// Handle is a live subscription. Close is idempotent; after it returns no
// further events are delivered.
type Handle interface {
	Close()
}

// Channel is the subscription surface. At most one subscription per
// conversation is the caller's contract, enforced by the reconciler.
type Channel interface {
	Subscribe(ctx context.Context, conversationID string, fn HandlerFunc) (Handle, error)
}
