package chat

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/converse/internal/pubsub"
)

// Reconciler merges authoritative channel events into the store without
// duplicating what the HTTP path already rendered. It owns the
// per-conversation dedup set and the single live subscription.
type Reconciler struct {
	conversationID string
	store          *Store
	lifecycle      *LifecycleManager
	typing         *TypingRenderer
	log            zerolog.Logger

	mu           sync.Mutex
	seen         map[string]struct{}
	correlations map[string]string // durable user id -> optimistic id
	sub          pubsub.Handle
}

// NewReconciler creates a reconciler for one conversation.
func NewReconciler(conversationID string, store *Store, lifecycle *LifecycleManager,
	typing *TypingRenderer, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		conversationID: conversationID,
		store:          store,
		lifecycle:      lifecycle,
		typing:         typing,
		log:            log.With().Str("conversation_id", conversationID).Logger(),
		seen:           make(map[string]struct{}),
		correlations:   make(map[string]string),
	}
}

// Subscribe establishes the conversation's channel subscription. Any prior
// subscription is closed first, so a conversation switch can never leave two
// live deliveries racing each other.
func (r *Reconciler) Subscribe(ctx context.Context, ch pubsub.Channel) error {
	r.mu.Lock()
	old := r.sub
	r.sub = nil
	r.mu.Unlock()

	if old != nil {
		old.Close()
	}

	sub, err := ch.Subscribe(ctx, r.conversationID, r.Apply)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()
	return nil
}

// Close tears down the subscription.
func (r *Reconciler) Close() {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

// TrackOptimistic records that the durable id assigned by persistence
// corresponds to a still-optimistic local message. The mapping outlives the
// pending request because the channel echo may arrive after the turn settles.
// The echo can also land before the inserting client's commit ack returns;
// in that case the durable copy was appended without a correlation and the
// two entries collapse here instead.
func (r *Reconciler) TrackOptimistic(durableID, optimisticID string) {
	r.mu.Lock()
	_, processed := r.seen[durableID]
	if !processed {
		r.correlations[durableID] = optimisticID
	}
	r.mu.Unlock()

	if !processed {
		return
	}
	if _, ok := r.store.Find(optimisticID); !ok {
		return
	}
	if msg, ok := r.store.Find(durableID); ok {
		// Collapse into the optimistic entry's slot.
		r.store.Remove(durableID)
		r.store.Replace(optimisticID, msg)
		return
	}
	r.store.Remove(optimisticID)
}

// MarkProcessed claims an authoritative id for rendering. It returns false
// when the id was already handled, which makes the HTTP-response and channel
// paths race-safe: whichever claims first renders, the other no-ops.
func (r *Reconciler) MarkProcessed(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[id]; ok {
		return false
	}
	r.seen[id] = struct{}{}
	return true
}

// Apply merges one authoritative event. The channel may redeliver, so the
// whole function is idempotent per id.
func (r *Reconciler) Apply(ev pubsub.Event) {
	if ev.ConversationID != r.conversationID {
		return
	}

	switch ev.Type {
	case pubsub.Updated:
		r.applyUpdate(ev)
	default:
		r.applyInsert(ev)
	}
}

func (r *Reconciler) applyInsert(ev pubsub.Event) {
	if !r.MarkProcessed(ev.ID) {
		r.log.Debug().Str("message_id", ev.ID).Msg("duplicate channel delivery dropped")
		return
	}

	msg := Message{
		ID:             ev.ID,
		ConversationID: ev.ConversationID,
		Sender:         Sender(ev.Sender),
		Content:        ParseStoredContent(ev.Content),
		CreatedAt:      ev.CreatedAt,
	}

	switch msg.Sender {
	case SenderUser:
		r.mergeUser(msg)
	case SenderAssistant:
		r.mergeAssistant(msg)
	default:
		r.store.Append(msg)
	}
}

// mergeUser replaces the correlated optimistic entry in place, or appends
// when the message came from another client or arrived after a cancel.
func (r *Reconciler) mergeUser(msg Message) {
	optimisticID := r.takeCorrelation(msg.ID)
	if optimisticID == "" {
		if pending, ok := r.lifecycle.Active(r.conversationID); ok && pending.DurableUserID() == msg.ID {
			optimisticID = pending.OptimisticUserID
		}
	}

	if optimisticID != "" {
		if _, ok := r.store.Find(optimisticID); ok {
			if err := r.store.Replace(optimisticID, msg); err == nil {
				return
			}
		}
	}
	// No optimistic counterpart: a message created elsewhere, or a phantom
	// echo of a turn this client gave up on. A normal append either way.
	r.store.Append(msg)
}

// mergeAssistant inserts the authoritative answer and starts the reveal.
// This is the only path that begins typing when the channel beats the HTTP
// response to completion.
func (r *Reconciler) mergeAssistant(msg Message) {
	if pending, ok := r.lifecycle.Active(r.conversationID); ok {
		r.store.Remove(pending.PlaceholderID)
	}
	r.store.RemovePlaceholders()

	// Only the text field animates; the union tag and any audio or file
	// payloads ride through untouched. A payload-only union has no text to
	// disclose and settles on the reveal's instant path.
	full := msg.Content.Text
	msg.Content.Text = ""
	msg.Typing = true
	if err := r.store.Append(msg); err != nil {
		r.log.Warn().Err(err).Str("message_id", msg.ID).Msg("assistant merge append failed")
		return
	}
	r.typing.Reveal(msg.ID, full)
}

// applyUpdate applies an UPDATE event to an existing message, or upserts on
// an unknown id. Anomalies stay in diagnostics; none of this reaches the UI.
func (r *Reconciler) applyUpdate(ev pubsub.Event) {
	msg := Message{
		ID:             ev.ID,
		ConversationID: ev.ConversationID,
		Sender:         Sender(ev.Sender),
		Content:        ParseStoredContent(ev.Content),
		CreatedAt:      ev.CreatedAt,
	}

	if _, ok := r.store.Find(ev.ID); ok {
		if err := r.store.Replace(ev.ID, msg); err != nil {
			r.log.Warn().Err(err).Str("message_id", ev.ID).Msg("update replace failed")
		}
		return
	}

	r.log.Warn().Str("message_id", ev.ID).Msg("update for unknown message id; upserting")
	r.MarkProcessed(ev.ID)
	r.store.Append(msg)
}

func (r *Reconciler) takeCorrelation(durableID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	optimisticID, ok := r.correlations[durableID]
	if !ok {
		return ""
	}
	delete(r.correlations, durableID)
	return optimisticID
}
