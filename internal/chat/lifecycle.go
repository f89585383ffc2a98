package chat

import (
	"context"
	"sync"
)

// PendingRequest tracks the single in-flight completion turn for a
// conversation: its cancellation context and the ids of the optimistic
// entries it created.
type PendingRequest struct {
	ConversationID   string
	OptimisticUserID string
	PlaceholderID    string

	mu            sync.Mutex
	durableUserID string

	ctx    context.Context
	cancel context.CancelFunc
	mgr    *LifecycleManager
	once   sync.Once
}

// Context returns the context that in-flight calls for this turn must use.
// It is canceled when the turn is aborted or torn down.
func (p *PendingRequest) Context() context.Context { return p.ctx }

// SetDurableUserID records the durable id the persistence layer assigned to
// the optimistic user message. Correlation is only valid after this.
func (p *PendingRequest) SetDurableUserID(id string) {
	p.mu.Lock()
	p.durableUserID = id
	p.mu.Unlock()
}

// DurableUserID returns the assigned durable id, or "" if persistence has
// not confirmed yet.
func (p *PendingRequest) DurableUserID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.durableUserID
}

// Cancel signals cooperative cancellation. In-flight awaits observe
// context.Canceled; teardown still happens exactly once via End.
func (p *PendingRequest) Cancel() { p.cancel() }

// Canceled reports whether this turn was aborted.
func (p *PendingRequest) Canceled() bool {
	return p.ctx.Err() == context.Canceled
}

// End releases the pending slot. Safe to call from every exit path; only the
// first call has an effect, even when cancellation races natural completion.
func (p *PendingRequest) End() {
	p.once.Do(func() {
		p.cancel()
		p.mgr.release(p)
	})
}

// LifecycleManager guarantees at most one in-flight completion request per
// conversation. It is an explicit per-engine registry, not process-global
// state, so independent instances can coexist in tests.
type LifecycleManager struct {
	mu     sync.Mutex
	active map[string]*PendingRequest
}

// NewLifecycleManager creates an empty registry.
func NewLifecycleManager() *LifecycleManager {
	return &LifecycleManager{active: make(map[string]*PendingRequest)}
}

// Begin registers a new pending request for the conversation. It fails with
// ErrAlreadyInFlight when one is already active.
func (m *LifecycleManager) Begin(parent context.Context, conversationID, optimisticUserID, placeholderID string) (*PendingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[conversationID]; ok {
		return nil, ErrAlreadyInFlight
	}

	ctx, cancel := context.WithCancel(parent)
	p := &PendingRequest{
		ConversationID:   conversationID,
		OptimisticUserID: optimisticUserID,
		PlaceholderID:    placeholderID,
		ctx:              ctx,
		cancel:           cancel,
		mgr:              m,
	}
	m.active[conversationID] = p
	return p, nil
}

// Active returns the pending request for the conversation, if any.
func (m *LifecycleManager) Active(conversationID string) (*PendingRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.active[conversationID]
	return p, ok
}

// Cancel aborts the active request for the conversation, reporting whether
// one existed.
func (m *LifecycleManager) Cancel(conversationID string) bool {
	m.mu.Lock()
	p, ok := m.active[conversationID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	p.Cancel()
	return true
}

func (m *LifecycleManager) release(p *PendingRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[p.ConversationID] == p {
		delete(m.active, p.ConversationID)
	}
}
