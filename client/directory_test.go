package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tk "github.com/panyam/tokenkeeper"
	"github.com/panyam/tokenkeeper/internal/fakeapi"
)

func TestIsCurrent(t *testing.T) {
	rec := tk.SessionRecord{ID: "s1", RefreshToken: "abc"}
	assert.True(t, IsCurrent(rec, "abc"))
	assert.False(t, IsCurrent(rec, "abd"))
	assert.False(t, IsCurrent(rec, ""))
	assert.False(t, IsCurrent(tk.SessionRecord{}, ""))
}

func TestSessionDirectory_ListMarksCurrent(t *testing.T) {
	ctx := context.Background()
	_, ts := newBackend(t)
	laptop := newLoggedInClient(t, ts.URL)
	phone := newLoggedInClient(t, ts.URL)

	views, err := laptop.Sessions().List(ctx)
	require.NoError(t, err)
	require.Len(t, views, 2)

	laptopCred, _ := laptop.Store().Get(ctx)
	current := 0
	for _, v := range views {
		if v.Current {
			current++
			assert.Equal(t, laptopCred.RefreshToken, v.RefreshToken)
		}
	}
	assert.Equal(t, 1, current)
	assert.NoError(t, laptop.Sessions().LastError())

	phoneViews, err := phone.Sessions().List(ctx)
	require.NoError(t, err)
	for i := range views {
		for j := range phoneViews {
			if views[i].ID == phoneViews[j].ID {
				assert.NotEqual(t, views[i].Current, phoneViews[j].Current)
			}
		}
	}
}

func TestSessionDirectory_RevokeOther(t *testing.T) {
	ctx := context.Background()
	api, ts := newBackend(t)
	laptop := newLoggedInClient(t, ts.URL)
	phone := newLoggedInClient(t, ts.URL)

	views, err := laptop.Sessions().List(ctx)
	require.NoError(t, err)
	var other string
	for _, v := range views {
		if !v.Current {
			other = v.ID
		}
	}
	require.NotEmpty(t, other)

	res, err := laptop.Sessions().Revoke(ctx, other)
	require.NoError(t, err)
	assert.False(t, res.Current)
	require.Len(t, res.Sessions, 2)
	for _, v := range res.Sessions {
		assert.Equal(t, v.ID == other, v.Revoked, "session %s", v.ID)
	}

	// the phone is logged out on its next refresh, the laptop is not
	api.InvalidateAccessTokens()
	_, err = phone.Principal(ctx)
	assert.True(t, tk.IsAuthentication(err))
	s, _ := phone.State(ctx)
	assert.Equal(t, tk.StateLoggedOut, s)

	_, err = laptop.Principal(ctx)
	assert.NoError(t, err)
}

func TestSessionDirectory_ErrorsDoNotLogOut(t *testing.T) {
	ctx := context.Background()
	_, ts := newBackend(t)
	c := newLoggedInClient(t, ts.URL)

	_, err := c.Sessions().Revoke(ctx, "no-such-session")
	require.Error(t, err)
	assert.Equal(t, tk.KindUnknown, tk.KindOf(err))
	assert.Error(t, c.Sessions().LastError())

	assert.True(t, c.IsAuthenticated(ctx))
	_, err = c.Sessions().List(ctx)
	require.NoError(t, err)
	assert.NoError(t, c.Sessions().LastError())
}

func TestSessionDirectory_RevokeCurrentWhenRelistFails(t *testing.T) {
	ctx := context.Background()
	backend := fakeapi.New()
	_, err := backend.CreateUser(tk.RegisterRequest{
		Email: testEmail, Password: testPassword, FirstName: "Ada", LastName: "Lovelace",
	}, nil)
	require.NoError(t, err)

	// listing breaks once a session has been revoked
	var revoked atomic.Bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			defer revoked.Store(true)
		}
		if r.Method == http.MethodGet && r.URL.Path == PathSessions && revoked.Load() {
			http.Error(w, `{"detail":"database unavailable"}`, http.StatusInternalServerError)
			return
		}
		backend.ServeHTTP(w, r)
	}))
	defer ts.Close()

	c := newLoggedInClient(t, ts.URL)
	views, err := c.Sessions().List(ctx)
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.True(t, views[0].Current)

	res, err := c.Sessions().Revoke(ctx, views[0].ID)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Current)
	assert.Empty(t, res.Sessions)
	assert.True(t, backend.Sessions(testEmail)[0].Revoked)
	assert.Error(t, c.Sessions().LastError())
}
