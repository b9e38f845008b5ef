package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	tk "github.com/panyam/tokenkeeper"
)

// DefaultRefreshTimeout bounds a single refresh exchange.
const DefaultRefreshTimeout = 10 * time.Second

// Refresher hands out a fresh access token. The Coordinator is the only
// implementation in this package; the clock, the gateway and the grpc
// interceptors depend on this interface so they can be tested alone.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

// RefreshFunc exchanges a refresh token for a new access token over the network.
type RefreshFunc func(ctx context.Context, refreshToken string) (*tk.AccessToken, error)

type refreshResult struct {
	token string
	err   error
}

// Coordinator runs at most one refresh exchange at a time. Callers that arrive
// while an exchange is in flight are queued and receive its outcome.
//
// On success the new access token is persisted before any caller is resolved.
// On failure the store is cleared, the state machine moves to LoggedOut and
// the force-logout callback runs before any caller is rejected.
type Coordinator struct {
	store    CredentialStore
	exchange RefreshFunc
	state    *tk.StateMachine
	onForced func(error)
	timeout  time.Duration
	logger   zerolog.Logger

	calls atomic.Int64

	mu         sync.Mutex
	inFlight   bool
	generation uint64
	cancel     context.CancelFunc
	waiters    []chan refreshResult
}

// CoordinatorOption configures a Coordinator
type CoordinatorOption func(*Coordinator)

// WithStateMachine makes the coordinator drive the given AuthState machine.
func WithStateMachine(m *tk.StateMachine) CoordinatorOption {
	return func(c *Coordinator) {
		c.state = m
	}
}

// WithForcedLogoutHandler sets the callback run after a failed refresh has
// cleared the store.
func WithForcedLogoutHandler(fn func(error)) CoordinatorOption {
	return func(c *Coordinator) {
		c.onForced = fn
	}
}

// WithExchangeTimeout bounds each exchange.
func WithExchangeTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithCoordinatorLogger sets the logger.
func WithCoordinatorLogger(l zerolog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// NewCoordinator creates a coordinator that reads and writes store and uses
// exchange for the network call.
func NewCoordinator(store CredentialStore, exchange RefreshFunc, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:    store,
		exchange: exchange,
		timeout:  DefaultRefreshTimeout,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Refresh returns a new access token. If an exchange is already running the
// caller waits for it instead of starting another. Cancelling ctx abandons the
// wait but not the exchange, which other callers may still depend on.
func (c *Coordinator) Refresh(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ch := make(chan refreshResult, 1)

	c.mu.Lock()
	c.waiters = append(c.waiters, ch)
	if !c.inFlight {
		c.inFlight = true
		runCtx, cancel := context.WithTimeout(context.Background(), c.timeout)
		c.cancel = cancel
		go c.run(runCtx, cancel, c.generation)
	} else {
		c.logger.Debug().Int("waiters", len(c.waiters)).Msg("refresh in flight, queued")
	}
	c.mu.Unlock()

	select {
	case res := <-ch:
		return res.token, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// InFlight reports whether an exchange is running.
func (c *Coordinator) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Calls returns how many exchanges have been started.
func (c *Coordinator) Calls() int64 {
	return c.calls.Load()
}

// Abort rejects every queued caller with reason and discards the outcome of
// the running exchange, if any. It is used by logout.
func (c *Coordinator) Abort(reason error) {
	c.mu.Lock()
	c.generation++
	waiters := c.waiters
	c.waiters = nil
	c.inFlight = false
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, w := range waiters {
		w <- refreshResult{err: reason}
	}
	if len(waiters) > 0 {
		c.logger.Debug().Int("waiters", len(waiters)).Msg("refresh aborted")
	}
}

func (c *Coordinator) run(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	defer cancel()
	c.calls.Add(1)
	c.transition(tk.StateRefreshing)

	next, err := c.exchangeStored(ctx)
	c.settle(gen, next, err)
}

func (c *Coordinator) exchangeStored(ctx context.Context) (*tk.Credential, error) {
	cred, err := c.store.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("read credential: %w", err)
	}
	if !cred.HasRefreshToken() {
		return nil, tk.ErrNoRefreshToken
	}

	resp, err := c.exchange(ctx, cred.RefreshToken)
	if err != nil {
		return nil, err
	}
	if resp == nil || resp.AccessToken == "" {
		return nil, errors.New("refresh response carried no access token")
	}

	next := tk.Credential{AccessToken: resp.AccessToken, RefreshToken: cred.RefreshToken}
	if resp.RefreshToken != "" {
		next.RefreshToken = resp.RefreshToken
	}
	return &next, nil
}

func (c *Coordinator) settle(gen uint64, next *tk.Credential, err error) {
	c.mu.Lock()
	if gen != c.generation {
		// aborted; the waiters were already rejected
		c.mu.Unlock()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err == nil {
		if serr := c.store.Set(ctx, *next); serr != nil {
			err = fmt.Errorf("persist refreshed credential: %w", serr)
		}
	}
	if err != nil {
		if cerr := c.store.Clear(ctx); cerr != nil {
			c.logger.Error().Err(cerr).Msg("failed to clear credentials after refresh failure")
		}
	}

	waiters := c.waiters
	c.waiters = nil
	c.inFlight = false
	c.cancel = nil
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn().Err(err).Int("waiters", len(waiters)).Msg("refresh failed, forcing logout")
		c.transition(tk.StateLoggedOut)
		if c.onForced != nil {
			c.onForced(err)
		}
	} else {
		c.logger.Debug().Int("waiters", len(waiters)).Msg("access token refreshed")
		c.transition(tk.StateAuthenticated)
	}

	res := refreshResult{err: err}
	if err == nil {
		res.token = next.AccessToken
	}
	for _, w := range waiters {
		w <- res
	}
}

func (c *Coordinator) transition(to tk.AuthState) {
	if c.state == nil {
		return
	}
	if err := c.state.Transition(to); err != nil {
		c.logger.Debug().Err(err).Msg("state transition skipped")
	}
}
