package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	tk "github.com/panyam/tokenkeeper"
)

// Endpoint paths of the backend.
const (
	PathLogin                = "/auth/login"
	PathRegister             = "/auth/register"
	PathRefresh              = "/auth/refresh"
	PathLogout               = "/auth/logout"
	PathMe                   = "/auth/me"
	PathSessions             = "/auth/me/sessions"
	PathRequestPasswordReset = "/auth/request-password-reset"
	PathVerifyResetCode      = "/auth/verify-reset-code"
	PathUsersMe              = "/users/me"
)

// API performs the backend calls. Calls that must not carry a bearer token
// (login, register, refresh, logout, password reset) go through the bare
// client so a failing refresh can never recurse into another refresh; all
// other calls go through the authenticated client.
type API struct {
	baseURL string
	bare    *http.Client
	authed  *http.Client
}

// NewAPI creates an API for baseURL. authed is normally an http.Client whose
// transport is a Gateway; bare must not be.
func NewAPI(baseURL string, bare, authed *http.Client) *API {
	return &API{
		baseURL: strings.TrimRight(baseURL, "/"),
		bare:    bare,
		authed:  authed,
	}
}

// BaseURL returns the server URL this API is configured for
func (a *API) BaseURL() string {
	return a.baseURL
}

// Login exchanges email and password for a token pair. The body is form
// encoded with the OAuth2 password-form field names.
func (a *API) Login(ctx context.Context, email, password string) (*tk.TokenPair, error) {
	form := url.Values{}
	form.Set("username", email)
	form.Set("password", password)

	var out tk.TokenPair
	err := a.do(ctx, a.bare, http.MethodPost, PathLogin,
		strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Register creates an account.
func (a *API) Register(ctx context.Context, req tk.RegisterRequest) (*tk.RegisterResponse, error) {
	var out tk.RegisterResponse
	if err := a.doJSON(ctx, a.bare, http.MethodPost, PathRegister, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Refresh exchanges a refresh token for a new access token. It has the
// RefreshFunc signature so it can be handed to a Coordinator directly.
func (a *API) Refresh(ctx context.Context, refreshToken string) (*tk.AccessToken, error) {
	body := map[string]string{"refresh_token": refreshToken}
	var out tk.AccessToken
	if err := a.doJSON(ctx, a.bare, http.MethodPost, PathRefresh, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RevokeRefreshToken asks the server to invalidate a refresh token.
func (a *API) RevokeRefreshToken(ctx context.Context, refreshToken string) error {
	body := map[string]string{"refresh_token": refreshToken}
	return a.doJSON(ctx, a.bare, http.MethodPost, PathLogout, body, nil)
}

// Me fetches the authenticated principal.
func (a *API) Me(ctx context.Context) (*tk.Principal, error) {
	var out tk.Principal
	if err := a.do(ctx, a.authed, http.MethodGet, PathMe, nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateMe applies a partial update to the principal.
func (a *API) UpdateMe(ctx context.Context, update tk.PrincipalUpdate) (*tk.Principal, error) {
	var out tk.Principal
	if err := a.doJSON(ctx, a.authed, http.MethodPut, PathUsersMe, update, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteMe deletes the principal's account.
func (a *API) DeleteMe(ctx context.Context) (*tk.Message, error) {
	var out tk.Message
	if err := a.do(ctx, a.authed, http.MethodDelete, PathUsersMe, nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSessions lists every session of the principal, revoked ones included.
func (a *API) ListSessions(ctx context.Context) ([]tk.SessionRecord, error) {
	var out []tk.SessionRecord
	if err := a.do(ctx, a.authed, http.MethodGet, PathSessions, nil, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RevokeSession revokes one session of the principal.
func (a *API) RevokeSession(ctx context.Context, id string) (*tk.Message, error) {
	var out tk.Message
	path := PathSessions + "/" + url.PathEscape(id)
	if err := a.do(ctx, a.authed, http.MethodDelete, path, nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RequestPasswordReset asks the server to send a reset code.
func (a *API) RequestPasswordReset(ctx context.Context, req tk.PasswordResetRequest) (*tk.PasswordResetResult, error) {
	var out tk.PasswordResetResult
	if err := a.doJSON(ctx, a.bare, http.MethodPost, PathRequestPasswordReset, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyResetCode sets a new password using a reset code.
func (a *API) VerifyResetCode(ctx context.Context, req tk.VerifyResetCodeRequest) (*tk.PasswordResetResult, error) {
	var out tk.PasswordResetResult
	if err := a.doJSON(ctx, a.bare, http.MethodPost, PathVerifyResetCode, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) doJSON(ctx context.Context, hc *http.Client, method, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return a.do(ctx, hc, method, path, bytes.NewReader(payload), "application/json", out)
}

func (a *API) do(ctx context.Context, hc *http.Client, method, path string, body io.Reader, contentType string, out any) error {
	target := a.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		var apiErr *tk.APIError
		if errors.As(err, &apiErr) {
			return apiErr
		}
		return tk.NewNetworkError(method, target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return tk.NewNetworkError(method, target, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := tk.NewResponseError(resp, data)
		apiErr.Method, apiErr.URL = method, target
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &tk.APIError{Kind: tk.KindUnknown, StatusCode: resp.StatusCode, Method: method, URL: target,
			Err: fmt.Errorf("invalid response from server: %w", err)}
	}
	return nil
}
