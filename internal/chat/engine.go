package chat

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/converse/internal/pubsub"
)

// EngineConfig carries the tunables shared by every session.
type EngineConfig struct {
	Typing   TypingConfig
	Dispatch DispatcherConfig

	// Per-conversation send throttle; zero disables it.
	SendRate  rate.Limit
	SendBurst int
}

// Engine builds and tracks per-conversation sessions. The completion
// service, persistence, pub/sub channel and job queue are ports; production
// adapters live in sibling packages. The in-flight registry is engine-level,
// so the at-most-one-request guarantee holds even when session handles for
// one conversation briefly overlap.
type Engine struct {
	completer Completer
	persister Persister
	channel   pubsub.Channel
	scheduler *SummarizationScheduler
	lifecycle *LifecycleManager
	cfg       EngineConfig
	log       zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewEngine wires an engine. scheduler may be nil when no job queue is
// configured.
func NewEngine(completer Completer, persister Persister, channel pubsub.Channel,
	scheduler *SummarizationScheduler, cfg EngineConfig, log zerolog.Logger) *Engine {
	return &Engine{
		completer: completer,
		persister: persister,
		channel:   channel,
		scheduler: scheduler,
		lifecycle: NewLifecycleManager(),
		cfg:       cfg,
		log:       log,
		sessions:  make(map[string]*Session),
	}
}

// Session is the live reconciliation state for one conversation: the store,
// the reveal, and the channel subscription. The in-flight slot lives on the
// engine's shared lifecycle registry.
type Session struct {
	ConversationID string

	store      *Store
	lifecycle  *LifecycleManager
	typing     *TypingRenderer
	reconciler *Reconciler
	dispatcher *Dispatcher

	engine    *Engine
	closed    atomic.Bool
	closeOnce sync.Once
}

// Open creates a fresh session for the conversation. Any existing session
// for the same conversation is torn down first, subscription included, so
// two live subscriptions never coexist.
func (e *Engine) Open(ctx context.Context, conversationID, userID string) (*Session, error) {
	e.mu.Lock()
	old := e.sessions[conversationID]
	delete(e.sessions, conversationID)
	e.mu.Unlock()

	if old != nil {
		old.Close()
	}

	store := NewStore()

	s := &Session{
		ConversationID: conversationID,
		store:          store,
		lifecycle:      e.lifecycle,
		engine:         e,
	}

	s.typing = NewTypingRenderer(store, e.cfg.Typing, func(string) {
		e.scheduler.TurnSettled(conversationID)
	})
	s.reconciler = NewReconciler(conversationID, store, e.lifecycle, s.typing, e.log)

	var limiter *rate.Limiter
	if e.cfg.SendRate > 0 {
		burst := e.cfg.SendBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(e.cfg.SendRate, burst)
	}
	s.dispatcher = NewDispatcher(conversationID, userID, store, e.lifecycle,
		e.completer, e.persister, s.typing, s.reconciler, limiter, e.cfg.Dispatch, e.log)

	if e.channel != nil {
		if err := s.reconciler.Subscribe(ctx, e.channel); err != nil {
			return nil, err
		}
	}

	e.mu.Lock()
	if winner, ok := e.sessions[conversationID]; ok {
		// A concurrent open installed a session while this one was
		// subscribing. Keep the installed one; discarding ours tears down
		// its subscription without touching the conversation's in-flight
		// state.
		e.mu.Unlock()
		s.discard()
		return winner, nil
	}
	e.sessions[conversationID] = s
	e.mu.Unlock()

	e.log.Info().Str("conversation_id", conversationID).Msg("conversation session opened")
	return s, nil
}

// Attach returns the existing session for the conversation, opening one if
// needed.
func (e *Engine) Attach(ctx context.Context, conversationID, userID string) (*Session, error) {
	e.mu.Lock()
	s, ok := e.sessions[conversationID]
	e.mu.Unlock()
	if ok {
		return s, nil
	}
	return e.Open(ctx, conversationID, userID)
}

// Session returns the live session for the conversation, if any.
func (e *Engine) Session(conversationID string) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[conversationID]
	return s, ok
}

// CloseAll tears down every session.
func (e *Engine) CloseAll() {
	e.mu.Lock()
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.sessions = make(map[string]*Session)
	e.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

// Send dispatches one user turn on this session. A handle that has been
// closed, including one superseded by a reopen, refuses further turns.
func (s *Session) Send(ctx context.Context, in TurnInput) (SendResult, error) {
	if s.closed.Load() {
		return SendResult{}, ErrSessionClosed
	}
	return s.dispatcher.Send(ctx, in)
}

// Abort is the single cancellation surface: it cancels the in-flight
// request, if any, and short-circuits an active reveal. Returns whether
// anything was actually aborted.
func (s *Session) Abort() bool {
	canceled := s.lifecycle.Cancel(s.ConversationID)
	if id, ok := s.typing.Revealing(); ok {
		s.typing.Skip(id)
		return true
	}
	return canceled
}

// SkipTyping finishes an in-progress reveal for the given message.
func (s *Session) SkipTyping(messageID string) {
	s.typing.Skip(messageID)
}

// Messages returns the conversation's messages in settlement order.
func (s *Session) Messages() []Message {
	return s.store.List()
}

// Close cancels in-flight work and releases the subscription.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.lifecycle.Cancel(s.ConversationID)
		s.typing.SkipActive()
		s.reconciler.Close()
		s.engine.log.Debug().Str("conversation_id", s.ConversationID).Msg("conversation session closed")
	})
}

// discard releases a session that was never published. Unlike Close it does
// not cancel the conversation's in-flight request, which belongs to the
// session that won the install race.
func (s *Session) discard() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.reconciler.Close()
	})
}

// Reconciler exposes the session's reconciler for transports that deliver
// events directly (tests, in-process brokers).
func (s *Session) Reconciler() *Reconciler { return s.reconciler }
