// Package convo owns the ordered, append-only conversation history.
package convo

import (
	"strings"
	"sync"
	"time"

	"parley/core"
)

// Store holds the session's message history. It is the single source of truth
// for what gets serialized to the remote service; the request pipeline is the
// sole writer. Append-only: no reordering, no in-place edits.
type Store struct {
	mu      sync.Mutex
	history []core.Message
	lastID  int64
}

func NewStore() *Store {
	return &Store{}
}

// Append adds a message to the tail of the history, assigning it a
// time-derived, strictly increasing ID. User messages must carry non-empty
// text; assistant messages may not be empty either, but error-flagged ones
// are expected to carry their fixed placeholder text rather than being
// dropped.
func (s *Store) Append(msg core.Message) (core.Message, error) {
	if strings.TrimSpace(msg.Text) == "" {
		return core.Message{}, core.ErrInvalidMessage
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := time.Now().UnixMilli()
	if id <= s.lastID {
		id = s.lastID + 1
	}
	s.lastID = id

	msg.ID = id
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	s.history = append(s.history, msg)
	return msg, nil
}

// Snapshot returns a copy of the history in insertion order, safe to
// serialize for transport while the store keeps being appended to.
func (s *Store) Snapshot() []core.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Message, len(s.history))
	copy(out, s.history)
	return out
}

// Len reports the number of messages in the history.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// Clear resets the history to empty. Used on logout/session reset; there is
// no partial-clear operation.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
}

// Restore replaces the history with messages loaded from persistence at
// startup. IDs are preserved; the internal counter is advanced past the
// highest restored ID so new appends stay strictly increasing.
func (s *Store) Restore(msgs []core.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = make([]core.Message, len(msgs))
	copy(s.history, msgs)
	for _, m := range msgs {
		if m.ID > s.lastID {
			s.lastID = m.ID
		}
	}
}
