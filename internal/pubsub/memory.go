package pubsub

import (
	"context"
	"sync"
)

// Broker is an in-process Channel. It backs tests and single-node
// deployments, and the Postgres listener fans incoming notifications out
// through one.
type Broker struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]HandlerFunc // conversation id -> subscriber id -> handler
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[int]HandlerFunc)}
}

// Subscribe registers a handler for one conversation's events.
func (b *Broker) Subscribe(_ context.Context, conversationID string, fn HandlerFunc) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.subs[conversationID] == nil {
		b.subs[conversationID] = make(map[int]HandlerFunc)
	}
	b.subs[conversationID][id] = fn

	return &brokerHandle{broker: b, conversationID: conversationID, id: id}, nil
}

// Publish delivers an event to the conversation's subscribers. Delivery is
// synchronous, which keeps ordering deterministic within one publisher.
func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	handlers := make([]HandlerFunc, 0, len(b.subs[ev.ConversationID]))
	for _, fn := range b.subs[ev.ConversationID] {
		handlers = append(handlers, fn)
	}
	b.mu.Unlock()

	for _, fn := range handlers {
		fn(ev)
	}
}

type brokerHandle struct {
	broker         *Broker
	conversationID string
	id             int
	once           sync.Once
}

func (h *brokerHandle) Close() {
	h.once.Do(func() {
		h.broker.mu.Lock()
		defer h.broker.mu.Unlock()
		if subs := h.broker.subs[h.conversationID]; subs != nil {
			delete(subs, h.id)
			if len(subs) == 0 {
				delete(h.broker.subs, h.conversationID)
			}
		}
	})
}
