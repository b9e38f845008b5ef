package client

import (
	"context"
	"crypto/subtle"
	"sync"

	"github.com/rs/zerolog"

	tk "github.com/panyam/tokenkeeper"
)

// SessionView is a session record annotated with whether it belongs to this client.
type SessionView struct {
	tk.SessionRecord
	Current bool `json:"current"`
}

// RevokeResult is returned by SessionDirectory.Revoke.
type RevokeResult struct {
	// Current is true if the revoked session was this client's own. The
	// local credential is left alone; the next refresh will fail and log out.
	Current  bool
	Sessions []SessionView
}

// SessionDirectory lists and revokes the principal's server-side sessions.
// Its failures are reported to the caller and never log the client out.
type SessionDirectory struct {
	api    *API
	store  CredentialStore
	logger zerolog.Logger

	mu      sync.Mutex
	lastErr error
}

// NewSessionDirectory creates a directory backed by api.
func NewSessionDirectory(api *API, store CredentialStore, logger zerolog.Logger) *SessionDirectory {
	return &SessionDirectory{api: api, store: store, logger: logger}
}

// IsCurrent reports whether rec is the session identified by refreshToken.
func IsCurrent(rec tk.SessionRecord, refreshToken string) bool {
	if refreshToken == "" || rec.RefreshToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(rec.RefreshToken), []byte(refreshToken)) == 1
}

// List fetches every session and marks the one whose refresh token matches
// the stored one. Revoked sessions are included.
func (d *SessionDirectory) List(ctx context.Context) ([]SessionView, error) {
	records, err := d.api.ListSessions(ctx)
	d.record(err)
	if err != nil {
		d.logger.Warn().Err(err).Msg("failed to list sessions")
		return nil, err
	}

	current := ""
	if cred, err := d.store.Get(ctx); err == nil && cred.HasRefreshToken() {
		current = cred.RefreshToken
	}

	views := make([]SessionView, len(records))
	for i, rec := range records {
		views[i] = SessionView{SessionRecord: rec, Current: IsCurrent(rec, current)}
	}
	return views, nil
}

// Revoke revokes the session with the given id and returns the refreshed list.
// Whether the session was this client's own is decided before the revoke, so
// a failed follow-up listing still returns a result carrying Current along
// with the error.
func (d *SessionDirectory) Revoke(ctx context.Context, id string) (*RevokeResult, error) {
	before, err := d.List(ctx)
	if err != nil {
		return nil, err
	}
	result := &RevokeResult{}
	for _, v := range before {
		if v.ID == id && v.Current {
			result.Current = true
		}
	}

	if _, err := d.api.RevokeSession(ctx, id); err != nil {
		d.record(err)
		d.logger.Warn().Err(err).Str("session_id", id).Msg("failed to revoke session")
		return nil, err
	}
	if result.Current {
		d.logger.Info().Str("session_id", id).Msg("revoked the current session, next refresh will log out")
	}

	views, err := d.List(ctx)
	if err != nil {
		return result, err
	}
	result.Sessions = views
	return result, nil
}

// LastError returns the error of the most recent call, or nil if it succeeded.
func (d *SessionDirectory) LastError() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

func (d *SessionDirectory) record(err error) {
	d.mu.Lock()
	d.lastErr = err
	d.mu.Unlock()
}
