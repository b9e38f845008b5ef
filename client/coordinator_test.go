package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tk "github.com/panyam/tokenkeeper"
)

// blockingExchange returns a RefreshFunc that waits for release before
// answering with the given token and error.
func blockingExchange(release <-chan struct{}, calls *atomic.Int32, token string, err error) RefreshFunc {
	return func(ctx context.Context, refreshToken string) (*tk.AccessToken, error) {
		calls.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if err != nil {
			return nil, err
		}
		return &tk.AccessToken{AccessToken: token, TokenType: "Bearer"}, nil
	}
}

func TestCoordinator_SingleFlight(t *testing.T) {
	store := NewMemoryStore(tk.Credential{AccessToken: "old", RefreshToken: "r1"})
	release := make(chan struct{})
	var calls atomic.Int32
	c := NewCoordinator(store, blockingExchange(release, &calls, "new", nil))

	const n = 5
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.Refresh(context.Background())
		}()
	}

	require.Eventually(t, func() bool { return waiting(c) == n }, time.Second, time.Millisecond)
	assert.True(t, c.InFlight())
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	assert.EqualValues(t, 1, c.Calls())
	for i := range n {
		require.NoError(t, errs[i])
		assert.Equal(t, "new", results[i])
	}
	assert.False(t, c.InFlight())

	cred, err := store.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tk.Credential{AccessToken: "new", RefreshToken: "r1"}, *cred)
}

func TestCoordinator_FailureForcesLogout(t *testing.T) {
	store := NewMemoryStore(tk.Credential{AccessToken: "old", RefreshToken: "r1"})
	sm := tk.NewStateMachine(tk.StateAuthenticated)
	release := make(chan struct{})
	var calls atomic.Int32
	refreshErr := &tk.APIError{Kind: tk.KindAuthentication, StatusCode: 401, Detail: "revoked"}

	var forced atomic.Int32
	var storeEmptyWhenForced atomic.Bool
	c := NewCoordinator(store, blockingExchange(release, &calls, "", refreshErr),
		WithStateMachine(sm),
		WithForcedLogoutHandler(func(err error) {
			forced.Add(1)
			cred, _ := store.Get(context.Background())
			storeEmptyWhenForced.Store(cred == nil)
		}))

	const n = 3
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = c.Refresh(context.Background())
		}()
	}
	require.Eventually(t, func() bool { return waiting(c) == n }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return sm.Current() == tk.StateRefreshing }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, refreshErr)
	}
	assert.EqualValues(t, 1, calls.Load())
	assert.EqualValues(t, 1, forced.Load())
	assert.True(t, storeEmptyWhenForced.Load())

	cred, err := store.Get(context.Background())
	require.NoError(t, err)
	assert.Nil(t, cred)
	assert.Equal(t, tk.StateLoggedOut, sm.Current())
}

func TestCoordinator_NoRefreshToken(t *testing.T) {
	store := NewMemoryStore(tk.Credential{AccessToken: "old"})
	var calls atomic.Int32
	c := NewCoordinator(store, blockingExchange(nil, &calls, "new", nil))

	_, err := c.Refresh(context.Background())
	assert.ErrorIs(t, err, tk.ErrNoRefreshToken)
	assert.EqualValues(t, 0, calls.Load())
}

func TestCoordinator_Rotation(t *testing.T) {
	store := NewMemoryStore(tk.Credential{AccessToken: "old", RefreshToken: "r1"})
	c := NewCoordinator(store, func(ctx context.Context, refreshToken string) (*tk.AccessToken, error) {
		assert.Equal(t, "r1", refreshToken)
		return &tk.AccessToken{AccessToken: "new", RefreshToken: "r2"}, nil
	})

	token, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new", token)

	cred, _ := store.Get(context.Background())
	assert.Equal(t, "r2", cred.RefreshToken)
}

func TestCoordinator_AbortRejectsWaitersAndDiscardsOutcome(t *testing.T) {
	store := NewMemoryStore(tk.Credential{AccessToken: "old", RefreshToken: "r1"})
	release := make(chan struct{})
	var calls atomic.Int32
	var forced atomic.Int32
	exchange := func(ctx context.Context, refreshToken string) (*tk.AccessToken, error) {
		calls.Add(1)
		<-release
		return &tk.AccessToken{AccessToken: "late"}, nil
	}
	c := NewCoordinator(store, exchange, WithForcedLogoutHandler(func(error) { forced.Add(1) }))

	errs := make(chan error, 2)
	for range 2 {
		go func() {
			_, err := c.Refresh(context.Background())
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return waiting(c) == 2 }, time.Second, time.Millisecond)

	c.Abort(tk.ErrLoggedOut)
	for range 2 {
		assert.ErrorIs(t, <-errs, tk.ErrLoggedOut)
	}
	assert.False(t, c.InFlight())

	require.NoError(t, store.Clear(context.Background()))
	close(release)

	// the stale exchange must not write its token back
	assert.Never(t, func() bool {
		cred, _ := store.Get(context.Background())
		return cred != nil
	}, 50*time.Millisecond, 5*time.Millisecond)
	assert.EqualValues(t, 0, forced.Load())
	assert.EqualValues(t, 1, calls.Load())
}

func TestCoordinator_CallerCancelDoesNotCancelExchange(t *testing.T) {
	store := NewMemoryStore(tk.Credential{AccessToken: "old", RefreshToken: "r1"})
	release := make(chan struct{})
	var calls atomic.Int32
	c := NewCoordinator(store, blockingExchange(release, &calls, "new", nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Refresh(ctx)
		done <- err
	}()
	require.Eventually(t, func() bool { return waiting(c) == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.True(t, c.InFlight())

	close(release)
	require.Eventually(t, func() bool { return !c.InFlight() }, time.Second, time.Millisecond)
	cred, _ := store.Get(context.Background())
	assert.Equal(t, "new", cred.AccessToken)
}

func TestCoordinator_Timeout(t *testing.T) {
	store := NewMemoryStore(tk.Credential{AccessToken: "old", RefreshToken: "r1"})
	var calls atomic.Int32
	c := NewCoordinator(store, blockingExchange(make(chan struct{}), &calls, "new", nil),
		WithExchangeTimeout(20*time.Millisecond))

	_, err := c.Refresh(context.Background())
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	cred, _ := store.Get(context.Background())
	assert.Nil(t, cred)
}
