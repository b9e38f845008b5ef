package client

import (
	"context"

	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"

	tk "github.com/panyam/tokenkeeper"
)

// storeTokenSource serves the stored credential as an oauth2.Token and asks
// the Refresher for a new one when it is about to expire.
type storeTokenSource struct {
	ctx       context.Context
	store     CredentialStore
	refresher Refresher
	clock     *TokenClock
}

// NewTokenSource returns an oauth2.TokenSource over store. A token that
// expires within clock's margin is refreshed before it is returned.
func NewTokenSource(ctx context.Context, store CredentialStore, refresher Refresher, clock *TokenClock) oauth2.TokenSource {
	return &storeTokenSource{ctx: ctx, store: store, refresher: refresher, clock: clock}
}

// TokenSource returns an oauth2.TokenSource sharing this client's store and
// single-flight refresh, for libraries (such as grpc) that consume tokens
// rather than an http.Client.
func (c *Client) TokenSource(ctx context.Context) oauth2.TokenSource {
	return NewTokenSource(ctx, c.store, c.coord, c.clock)
}

func (s *storeTokenSource) Token() (*oauth2.Token, error) {
	cred, err := s.store.Get(s.ctx)
	if err != nil {
		return nil, err
	}
	if !cred.HasAccessToken() {
		return nil, tk.ErrNoCredential
	}

	if s.clock != nil && s.expiring(cred.AccessToken, s.clock.clock) {
		if _, err := s.refresher.Refresh(s.ctx); err != nil {
			return nil, err
		}
		if cred, err = s.store.Get(s.ctx); err != nil {
			return nil, err
		}
		if !cred.HasAccessToken() {
			return nil, tk.ErrNoCredential
		}
	}
	return cred.OAuth2Token(), nil
}

func (s *storeTokenSource) expiring(token string, now clockwork.Clock) bool {
	exp, ok := tk.AccessTokenExpiry(token)
	return ok && exp.Sub(now.Now()) < s.clock.margin
}
