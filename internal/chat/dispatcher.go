package chat

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// TurnInput is what the user hands to Send. At least one of Text, Audio or
// Files must be present; Caption rides along with audio or file payloads.
type TurnInput struct {
	Text    string
	Audio   *AudioRef
	Files   []FileRef
	Caption string
}

func (in TurnInput) empty() bool {
	return in.Text == "" && in.Audio == nil && len(in.Files) == 0
}

// content synthesizes the tagged union from whichever inputs are present.
func (in TurnInput) content() Content {
	kinds := 0
	if in.Text != "" {
		kinds++
	}
	if in.Audio != nil {
		kinds++
	}
	if len(in.Files) > 0 {
		kinds++
	}

	switch {
	case kinds > 1:
		return Content{Kind: ContentMixed, Text: in.Text, Audio: in.Audio, Files: in.Files, Caption: in.Caption}
	case in.Audio != nil:
		return Content{Kind: ContentAudio, Audio: in.Audio, Caption: in.Caption}
	case len(in.Files) > 0:
		return Content{Kind: ContentFiles, Files: in.Files, Caption: in.Caption}
	default:
		return TextContent(in.Text)
	}
}

// SendResult reports how a turn settled.
type SendResult struct {
	Aborted            bool
	UserMessageID      string
	AssistantMessageID string
	FailureMessageID   string
}

// DispatcherConfig carries the per-call-site knobs for a dispatcher.
type DispatcherConfig struct {
	HistoryLimit int
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
}

// DefaultHistoryLimit caps the history payload at the most recent turns.
const DefaultHistoryLimit = 20

// Dispatcher orchestrates one user turn: optimistic inserts, the completion
// call, and outcome classification. It owns no global state; everything it
// touches belongs to its conversation's session.
type Dispatcher struct {
	conversationID string
	senderID       string

	store      *Store
	lifecycle  *LifecycleManager
	completer  Completer
	persister  Persister
	typing     *TypingRenderer
	reconciler *Reconciler
	limiter    *rate.Limiter
	cfg        DispatcherConfig

	now func() time.Time
	log zerolog.Logger
}

// NewDispatcher wires a dispatcher for one conversation.
func NewDispatcher(conversationID, senderID string, store *Store, lifecycle *LifecycleManager,
	completer Completer, persister Persister, typing *TypingRenderer, reconciler *Reconciler,
	limiter *rate.Limiter, cfg DispatcherConfig, log zerolog.Logger) *Dispatcher {

	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	return &Dispatcher{
		conversationID: conversationID,
		senderID:       senderID,
		store:          store,
		lifecycle:      lifecycle,
		completer:      completer,
		persister:      persister,
		typing:         typing,
		reconciler:     reconciler,
		limiter:        limiter,
		cfg:            cfg,
		now:            time.Now,
		log:            log.With().Str("conversation_id", conversationID).Logger(),
	}
}

// Send runs a full turn. Validation failures return synchronously without
// mutating the store; transport failures settle into an assistant message
// and return a nil error; cancellation cleans up both placeholders and sets
// Aborted on the result.
func (d *Dispatcher) Send(ctx context.Context, in TurnInput) (SendResult, error) {
	if in.empty() {
		return SendResult{}, ErrEmptyTurn
	}
	if d.limiter != nil && !d.limiter.Allow() {
		return SendResult{}, ErrThrottled
	}

	optimisticID := NewOptimisticID()
	placeholderID := NewOptimisticID()

	pending, err := d.lifecycle.Begin(ctx, d.conversationID, optimisticID, placeholderID)
	if err != nil {
		return SendResult{}, err
	}

	// History is captured before the new turn is inserted; the new message
	// travels separately in the request.
	history := d.historyEntries()
	content := in.content()
	now := d.now()

	d.store.Append(Message{
		ID:             optimisticID,
		ConversationID: d.conversationID,
		Sender:         SenderUser,
		Content:        content,
		CreatedAt:      now,
		Optimistic:     true,
	})
	d.store.Append(Message{
		ID:                 placeholderID,
		ConversationID:     d.conversationID,
		Sender:             SenderAssistant,
		CreatedAt:          now,
		LoadingPlaceholder: true,
	})

	durableID, err := d.persister.StoreMessage(pending.Context(), StoredMessage{
		ConversationID: d.conversationID,
		SenderID:       d.senderID,
		Role:           string(SenderUser),
		Content:        EncodeContent(content),
	})
	if err != nil {
		if pending.Canceled() || IsCanceled(err) {
			return d.settleCanceled(pending), nil
		}
		d.log.Warn().Err(err).Msg("storing user message failed")
		return d.settleFailed(pending, err), nil
	}
	pending.SetDurableUserID(durableID)
	d.reconciler.TrackOptimistic(durableID, optimisticID)

	raw, err := d.completer.Complete(pending.Context(), CompletionRequest{
		Message:             content.DisplayText(),
		ConversationHistory: history,
		SystemPrompt:        d.cfg.SystemPrompt,
		Temperature:         d.cfg.Temperature,
		MaxTokens:           d.cfg.MaxTokens,
		Files:               in.Files,
	})
	if err != nil {
		if pending.Canceled() || IsCanceled(err) {
			return d.settleCanceled(pending), nil
		}
		d.log.Warn().Err(err).Msg("completion call failed")
		return d.settleFailed(pending, err), nil
	}
	if pending.Canceled() {
		return d.settleCanceled(pending), nil
	}

	return d.settleAnswer(pending, optimisticID, ExtractAnswer(raw)), nil
}

// settleAnswer handles the HTTP-success path. The answer is persisted first
// so the placeholder swap and the channel's own delivery share one durable
// id; whichever path observes that id first renders it, the other no-ops.
func (d *Dispatcher) settleAnswer(pending *PendingRequest, optimisticUserID, answer string) SendResult {
	answerID, err := d.persister.StoreMessage(context.Background(), StoredMessage{
		ConversationID: d.conversationID,
		SenderID:       d.senderID,
		Role:           string(SenderAssistant),
		Content:        EncodeContent(TextContent(answer)),
	})
	if err != nil {
		// The answer exists; render it locally even though durability is
		// unconfirmed. The channel may still deliver its own copy later.
		d.log.Warn().Err(err).Msg("storing assistant answer failed; rendering locally")
		answerID = NewMessageID()
	}

	defer pending.End()

	if !d.reconciler.MarkProcessed(answerID) {
		// The channel won the race and has already rendered this answer.
		return SendResult{UserMessageID: optimisticUserID}
	}

	d.store.Remove(pending.PlaceholderID)
	d.store.Append(Message{
		ID:             answerID,
		ConversationID: d.conversationID,
		Sender:         SenderAssistant,
		Content:        TextContent(""),
		CreatedAt:      d.now(),
		Typing:         true,
	})
	d.typing.Reveal(answerID, answer)

	// The optimistic user message stays in place; only the channel confirms
	// its durability and swaps it out.
	return SendResult{UserMessageID: optimisticUserID, AssistantMessageID: answerID}
}

func (d *Dispatcher) settleFailed(pending *PendingRequest, cause error) SendResult {
	defer pending.End()

	d.store.Remove(pending.PlaceholderID)

	failureID := NewMessageID()
	d.store.Append(Message{
		ID:             failureID,
		ConversationID: d.conversationID,
		Sender:         SenderAssistant,
		Content:        TextContent(ClassifyTransport(cause)),
		CreatedAt:      d.now(),
	})
	return SendResult{UserMessageID: pending.OptimisticUserID, FailureMessageID: failureID}
}

func (d *Dispatcher) settleCanceled(pending *PendingRequest) SendResult {
	defer pending.End()

	d.store.Remove(pending.PlaceholderID)
	d.store.Remove(pending.OptimisticUserID)
	d.log.Debug().Msg("turn canceled; optimistic entries removed")
	return SendResult{Aborted: true}
}

func (d *Dispatcher) historyEntries() []HistoryEntry {
	msgs := d.store.List()
	entries := make([]HistoryEntry, 0, len(msgs))
	for _, msg := range msgs {
		if msg.LoadingPlaceholder {
			continue
		}
		entries = append(entries, HistoryEntry{
			Role:    string(msg.Sender),
			Content: msg.Content.DisplayText(),
		})
	}
	if len(entries) > d.cfg.HistoryLimit {
		entries = entries[len(entries)-d.cfg.HistoryLimit:]
	}
	return entries
}
