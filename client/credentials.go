// Package client keeps an API client authenticated against a token-based
// backend. It includes credential storage, a proactive refresh clock, a
// single-flight refresh coordinator, an auth-aware HTTP transport and a view
// over the principal's server-side sessions.
package client

import (
	"context"
	"sync"

	tk "github.com/panyam/tokenkeeper"
)

// CredentialStore defines durable storage for the access/refresh token pair.
// Implementations must make every Set and Clear durable before returning, so
// that the clock and the gateway always observe the same state.
type CredentialStore interface {
	// Get returns the stored credential.
	// Returns nil, nil if nothing is stored.
	Get(ctx context.Context) (*tk.Credential, error)

	// Set replaces the stored credential.
	Set(ctx context.Context, cred tk.Credential) error

	// Clear removes both tokens.
	Clear(ctx context.Context) error
}

// MemoryStore is an in-process CredentialStore. Its contents do not survive a
// restart, which makes it suitable for tests and short-lived tools.
type MemoryStore struct {
	mu   sync.RWMutex
	cred *tk.Credential
}

// NewMemoryStore creates an empty store, optionally seeded with a credential.
func NewMemoryStore(seed ...tk.Credential) *MemoryStore {
	s := &MemoryStore{}
	if len(seed) > 0 {
		c := seed[0]
		s.cred = &c
	}
	return s
}

func (s *MemoryStore) Get(ctx context.Context) (*tk.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cred == nil {
		return nil, nil
	}
	c := *s.cred
	return &c, nil
}

func (s *MemoryStore) Set(ctx context.Context, cred tk.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = &cred
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = nil
	return nil
}
