package chat

import (
	"sync"
)

// Store is the canonical ordered message collection for one conversation.
// Mutations take the store lock, so readers never observe a half-applied
// merge. Order is settlement order: replacements keep their slot.
type Store struct {
	mu    sync.Mutex
	order []string
	byID  map[string]Message
}

// NewStore creates an empty message store.
func NewStore() *Store {
	return &Store{byID: make(map[string]Message)}
}

// Append adds a message at the end. Ids must be unique at every observable
// point, so appending an existing id fails.
func (s *Store) Append(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[msg.ID]; ok {
		return ErrDuplicateID
	}
	s.order = append(s.order, msg.ID)
	s.byID[msg.ID] = msg
	return nil
}

// Replace swaps the message with the given id for msg, keeping its position.
// When the incoming copy has a zero CreatedAt the original timestamp is kept,
// so clock skew between client and server cannot reorder the list. The
// replacement may carry a new id (optimistic -> authoritative).
func (s *Store) Replace(id string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if msg.ID != id {
		if _, exists := s.byID[msg.ID]; exists {
			return ErrDuplicateID
		}
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = old.CreatedAt
	}

	if msg.ID != id {
		delete(s.byID, id)
		for i, oid := range s.order {
			if oid == id {
				s.order[i] = msg.ID
				break
			}
		}
	}
	s.byID[msg.ID] = msg
	return nil
}

// Remove deletes the message with the given id, reporting whether it existed.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(id)
}

func (s *Store) removeLocked(id string) bool {
	if _, ok := s.byID[id]; !ok {
		return false
	}
	delete(s.byID, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// RemovePlaceholders deletes every loading placeholder and returns how many
// were swept. The invariant is at most one, but a sweep keeps a stray from
// ever surviving a merge.
func (s *Store) RemovePlaceholders() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, msg := range s.byID {
		if msg.LoadingPlaceholder {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		s.removeLocked(id)
	}
	return len(ids)
}

// Find returns a copy of the message with the given id.
func (s *Store) Find(id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.byID[id]
	return msg, ok
}

// List returns the messages in order. The slice and its elements are copies.
func (s *Store) List() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Message, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// Len returns the number of messages, placeholders included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// VisibleLen counts real conversation content: everything except loading
// placeholders. Optimistic entries count, since by the time anyone asks they
// are backed by a durable row and only await their channel echo.
func (s *Store) VisibleLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, msg := range s.byID {
		if !msg.LoadingPlaceholder {
			n++
		}
	}
	return n
}

// SetText updates the visible text and typing flag of the message with the
// given id. Used by the typing renderer on each tick.
func (s *Store) SetText(id, text string, typing bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.byID[id]
	if !ok {
		return false
	}
	msg.Content.Text = text
	msg.Typing = typing
	s.byID[id] = msg
	return true
}
