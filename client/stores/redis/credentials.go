// Package redis stores the token pair in a Redis hash, so that several
// processes on one host (or a fleet of workers acting as one principal)
// share a single credential.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	tk "github.com/panyam/tokenkeeper"
	"github.com/panyam/tokenkeeper/client"
)

// DefaultPrefix namespaces the credential key.
const DefaultPrefix = "tokenkeeper:"

var _ client.CredentialStore = (*Store)(nil)

// Store is a CredentialStore backed by a hash at <prefix>credentials.
type Store struct {
	client goredis.UniversalClient
	key    string
	ttl    time.Duration
}

// Option configures a Store
type Option func(*Store)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.key = prefix + "credentials"
	}
}

// WithTTL expires the stored pair after d. It should match the refresh
// token's lifetime; zero keeps the pair until Clear.
func WithTTL(d time.Duration) Option {
	return func(s *Store) {
		s.ttl = d
	}
}

// New creates a store on an existing client.
func New(rc goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: rc, key: DefaultPrefix + "credentials"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Key returns the hash key holding the pair.
func (s *Store) Key() string {
	return s.key
}

func (s *Store) Get(ctx context.Context) (*tk.Credential, error) {
	if s.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	cred := tk.Credential{
		AccessToken:  fields[tk.KeyAccessToken],
		RefreshToken: fields[tk.KeyRefreshToken],
	}
	if cred.AccessToken == "" && cred.RefreshToken == "" {
		return nil, nil
	}
	return &cred, nil
}

func (s *Store) Set(ctx context.Context, cred tk.Credential) error {
	if s.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key)
	pipe.HSet(ctx, s.key, tk.KeyAccessToken, cred.AccessToken, tk.KeyRefreshToken, cred.RefreshToken)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	if s.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	return nil
}
