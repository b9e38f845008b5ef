package client

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	tk "github.com/panyam/tokenkeeper"
)

// Defaults for the proactive refresh clock.
const (
	DefaultClockInterval = 30 * time.Second
	DefaultRefreshMargin = 60 * time.Second
)

// TokenClock periodically checks how long the stored access token has left
// and asks its Refresher for a new one when that drops below the margin.
// It knows nothing about HTTP.
type TokenClock struct {
	store     CredentialStore
	refresher Refresher
	interval  time.Duration
	margin    time.Duration
	clock     clockwork.Clock
	logger    zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// ClockOption configures a TokenClock
type ClockOption func(*TokenClock)

// WithInterval sets how often the clock checks the token.
func WithInterval(d time.Duration) ClockOption {
	return func(t *TokenClock) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithMargin sets how close to expiry a token must be before it is refreshed.
func WithMargin(d time.Duration) ClockOption {
	return func(t *TokenClock) {
		if d > 0 {
			t.margin = d
		}
	}
}

// WithTimeSource replaces the wall clock, mostly for tests.
func WithTimeSource(c clockwork.Clock) ClockOption {
	return func(t *TokenClock) {
		if c != nil {
			t.clock = c
		}
	}
}

// WithClockLogger sets the logger.
func WithClockLogger(l zerolog.Logger) ClockOption {
	return func(t *TokenClock) {
		t.logger = l
	}
}

// NewTokenClock creates a stopped clock.
func NewTokenClock(store CredentialStore, refresher Refresher, opts ...ClockOption) *TokenClock {
	t := &TokenClock{
		store:     store,
		refresher: refresher,
		interval:  DefaultClockInterval,
		margin:    DefaultRefreshMargin,
		clock:     clockwork.NewRealClock(),
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Check inspects the stored access token once and refreshes it if it expires
// within the margin. It returns true if a refresh was attempted.
//
// A missing token, or one whose exp claim cannot be decoded, is skipped: an
// undecodable token carries no scheduling information and is never refreshed
// speculatively.
func (t *TokenClock) Check(ctx context.Context) (bool, error) {
	cred, err := t.store.Get(ctx)
	if err != nil {
		return false, err
	}
	if !cred.HasAccessToken() {
		return false, nil
	}

	exp, ok := tk.AccessTokenExpiry(cred.AccessToken)
	if !ok {
		t.logger.Debug().Msg("access token has no readable expiry, skipping")
		return false, nil
	}

	timeLeft := exp.Sub(t.clock.Now())
	if timeLeft >= t.margin {
		return false, nil
	}

	t.logger.Debug().Dur("time_left", timeLeft).Msg("access token expiring, refreshing")
	_, err = t.refresher.Refresh(ctx)
	return true, err
}

// Start runs Check on every tick until Stop is called or ctx is done.
// Calling Start on a running clock does nothing.
func (t *TokenClock) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	ticker := t.clock.NewTicker(t.interval)
	done := make(chan struct{})
	t.cancel = cancel
	t.done = done

	go t.loop(ctx, ticker, done)
}

// Stop cancels the ticker and waits for the loop to exit. No tick is
// processed after Stop returns.
func (t *TokenClock) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the loop is active.
func (t *TokenClock) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancel != nil
}

// release forgets a loop that ended on its own because its parent context was
// cancelled, so that a later Start can run again.
func (t *TokenClock) release(done chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done == done {
		if t.cancel != nil {
			t.cancel()
		}
		t.cancel, t.done = nil, nil
	}
}

func (t *TokenClock) loop(ctx context.Context, ticker clockwork.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()
	defer t.release(done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if ctx.Err() != nil {
				return
			}
			if _, err := t.Check(ctx); err != nil && ctx.Err() == nil {
				t.logger.Warn().Err(err).Msg("proactive refresh failed")
			}
		}
	}
}
