package storage

import (
	"context"
	"sync"

	"parley/core"
)

// MemoryCredentials is an in-memory credential store for environments
// without a database, and for tests.
type MemoryCredentials struct {
	mu  sync.RWMutex
	key string
}

// NewMemoryCredentials creates a store optionally seeded with a key.
func NewMemoryCredentials(key string) *MemoryCredentials {
	return &MemoryCredentials{key: key}
}

// Get returns the credential, or core.ErrMissingCredential when unset.
func (m *MemoryCredentials) Get(context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.key == "" {
		return "", core.ErrMissingCredential
	}
	return m.key, nil
}

// SetCredential stores or replaces the credential.
func (m *MemoryCredentials) SetCredential(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.key = key
	return nil
}

// ClearCredential forgets the credential.
func (m *MemoryCredentials) ClearCredential(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.key = ""
	return nil
}
