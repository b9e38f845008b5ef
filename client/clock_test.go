package client

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tk "github.com/panyam/tokenkeeper"
)

type countingRefresher struct {
	calls atomic.Int32
	token string
	err   error
}

func (r *countingRefresher) Refresh(ctx context.Context) (string, error) {
	r.calls.Add(1)
	return r.token, r.err
}

// exp claims are whole seconds, so the fake clocks start on a second boundary
// unless a test needs otherwise.
var tokenEpoch = time.Unix(1_700_000_000, 0)

func TestTokenClock_Threshold(t *testing.T) {
	clk := clockwork.NewFakeClockAt(tokenEpoch)

	tests := []struct {
		name     string
		timeLeft time.Duration
		want     bool
	}{
		{"expires in 45s", 45 * time.Second, true},
		{"expires in 90s", 90 * time.Second, false},
		{"expires exactly at margin", 60 * time.Second, false},
		{"already expired", -10 * time.Second, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore(tk.Credential{
				AccessToken:  signedToken(t, clk.Now().Add(tt.timeLeft)),
				RefreshToken: "r1",
			})
			r := &countingRefresher{token: "new"}
			c := NewTokenClock(store, r, WithTimeSource(clk))

			refreshed, err := c.Check(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, refreshed)
			if tt.want {
				assert.EqualValues(t, 1, r.calls.Load())
			} else {
				assert.EqualValues(t, 0, r.calls.Load())
			}
		})
	}
}

func TestTokenClock_SkipsUnreadableOrMissingTokens(t *testing.T) {
	for name, store := range map[string]*MemoryStore{
		"empty store":     NewMemoryStore(),
		"malformed token": NewMemoryStore(tk.Credential{AccessToken: "not-a-jwt", RefreshToken: "r1"}),
	} {
		t.Run(name, func(t *testing.T) {
			r := &countingRefresher{}
			c := NewTokenClock(store, r, WithTimeSource(clockwork.NewFakeClock()))
			refreshed, err := c.Check(context.Background())
			require.NoError(t, err)
			assert.False(t, refreshed)
			assert.EqualValues(t, 0, r.calls.Load())
		})
	}
}

// A token issued for one hour is left alone until less than the margin remains.
func TestTokenClock_HourLongToken(t *testing.T) {
	// Logged in half a second past tokenEpoch; the server stamps exp = tokenEpoch + 1h.
	clk := clockwork.NewFakeClockAt(tokenEpoch.Add(500 * time.Millisecond))
	store := NewMemoryStore(tk.Credential{
		AccessToken:  signedToken(t, tokenEpoch.Add(time.Hour)),
		RefreshToken: "r1",
	})
	r := &countingRefresher{token: "new"}
	c := NewTokenClock(store, r, WithTimeSource(clk))

	for elapsed := time.Duration(0); elapsed < 59*time.Minute; elapsed += DefaultClockInterval {
		refreshed, err := c.Check(context.Background())
		require.NoError(t, err)
		require.False(t, refreshed, "refreshed after %v", elapsed)
		clk.Advance(DefaultClockInterval)
	}

	// minute 59, 59.5s left
	refreshed, err := c.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, refreshed)
	assert.EqualValues(t, 1, r.calls.Load())
}

func TestTokenClock_StartStop(t *testing.T) {
	clk := clockwork.NewFakeClock()
	store := NewMemoryStore(tk.Credential{
		AccessToken:  signedToken(t, clk.Now().Add(45*time.Second)),
		RefreshToken: "r1",
	})
	r := &countingRefresher{token: "new"}
	c := NewTokenClock(store, r, WithTimeSource(clk))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.Start(ctx)
	c.Start(ctx) // no second loop
	assert.True(t, c.Running())
	require.NoError(t, clk.BlockUntilContext(ctx, 1))

	clk.Advance(DefaultClockInterval)
	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, time.Millisecond)

	c.Stop()
	assert.False(t, c.Running())

	clk.Advance(10 * DefaultClockInterval)
	assert.Never(t, func() bool { return r.calls.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestTokenClock_RestartsAfterParentCancel(t *testing.T) {
	clk := clockwork.NewFakeClock()
	c := NewTokenClock(NewMemoryStore(), &countingRefresher{}, WithTimeSource(clk))

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	cancel()
	require.Eventually(t, func() bool { return !c.Running() }, time.Second, time.Millisecond)

	c.Start(context.Background())
	assert.True(t, c.Running())
	c.Stop()
}
