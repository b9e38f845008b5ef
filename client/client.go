package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	tk "github.com/panyam/tokenkeeper"
)

// Client keeps one principal authenticated against a backend. It owns the
// state machine and wires the store, coordinator, clock, gateway, API and
// session directory together.
type Client struct {
	baseURL  string
	store    CredentialStore
	state    *tk.StateMachine
	coord    *Coordinator
	clock    *TokenClock
	gateway  *Gateway
	api      *API
	sessions *SessionDirectory

	httpClient *http.Client
	logger     zerolog.Logger

	// set by options, consumed by New
	baseTransport  http.RoundTripper
	template       *http.Client
	requestTimeout time.Duration
	refreshTimeout time.Duration
	margin         time.Duration
	interval       time.Duration
	timeSource     clockwork.Clock
	forceLogout    func(error)

	mu        sync.Mutex
	mounted   bool
	runCtx    context.Context
	principal *tk.Principal
	epoch     uint64
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithHTTPClient sets a custom base HTTP client (for TLS config, cookie jars, etc.).
// Its transport is wrapped with auth handling.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc == nil {
			return
		}
		c.template = hc
		if hc.Transport != nil {
			c.baseTransport = hc.Transport
		}
	}
}

// WithTransport sets a custom base transport (for connection pooling, proxies, etc.)
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(c *Client) {
		if rt != nil {
			c.baseTransport = rt
		}
	}
}

// WithRequestTimeout bounds each HTTP attempt.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.requestTimeout = d
	}
}

// WithRefreshTimeout bounds each refresh exchange.
func WithRefreshTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.refreshTimeout = d
	}
}

// WithRefreshMargin sets how long before expiry the clock refreshes.
func WithRefreshMargin(d time.Duration) ClientOption {
	return func(c *Client) {
		c.margin = d
	}
}

// WithClockInterval sets how often the clock checks the token.
func WithClockInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.interval = d
	}
}

// WithClock replaces the wall clock used by the token clock.
func WithClock(clk clockwork.Clock) ClientOption {
	return func(c *Client) {
		c.timeSource = clk
	}
}

// WithLogger sets the logger shared by all components.
func WithLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// WithForceLogout sets the callback run when a refresh fails and the client
// has been logged out. The host uses it to send the user back to login.
func WithForceLogout(fn func(error)) ClientOption {
	return func(c *Client) {
		c.forceLogout = fn
	}
}

// New creates a client for baseURL. The initial state is Authenticated if
// the store already holds an access token.
func New(baseURL string, store CredentialStore, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", baseURL)
	}
	if store == nil {
		return nil, errors.New("credential store is required")
	}

	c := &Client{
		baseURL:        baseURL,
		store:          store,
		logger:         zerolog.Nop(),
		baseTransport:  http.DefaultTransport,
		requestTimeout: DefaultRequestTimeout,
		refreshTimeout: DefaultRefreshTimeout,
		margin:         DefaultRefreshMargin,
		interval:       DefaultClockInterval,
		timeSource:     clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(c)
	}

	cred, err := store.Get(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to read credential: %w", err)
	}
	initial := tk.StateUnauthenticated
	if cred.HasAccessToken() {
		initial = tk.StateAuthenticated
	}
	c.state = tk.NewStateMachine(initial)
	c.state.Observe(c.onTransition)

	bare := c.newHTTPClient(c.baseTransport)
	bare.Timeout = c.requestTimeout
	// the bare client only talks to the API, which never needs the gateway
	c.api = NewAPI(baseURL, bare, nil)

	c.coord = NewCoordinator(store, c.api.Refresh,
		WithStateMachine(c.state),
		WithForcedLogoutHandler(c.onForcedLogout),
		WithExchangeTimeout(c.refreshTimeout),
		WithCoordinatorLogger(c.component("coordinator")))

	c.clock = NewTokenClock(store, c.coord,
		WithInterval(c.interval),
		WithMargin(c.margin),
		WithTimeSource(c.timeSource),
		WithClockLogger(c.component("clock")))

	c.gateway = NewGateway(store, c.coord,
		WithBaseTransport(c.baseTransport),
		WithAttemptTimeout(c.requestTimeout),
		WithGatewayLogger(c.component("gateway")))

	c.httpClient = c.newHTTPClient(c.gateway)
	c.api.authed = c.httpClient
	c.sessions = NewSessionDirectory(c.api, store, c.component("sessions"))

	return c, nil
}

func (c *Client) newHTTPClient(rt http.RoundTripper) *http.Client {
	hc := &http.Client{Transport: rt}
	if c.template != nil {
		hc.CheckRedirect = c.template.CheckRedirect
		hc.Jar = c.template.Jar
		hc.Timeout = c.template.Timeout
	}
	return hc
}

func (c *Client) component(name string) zerolog.Logger {
	return c.logger.With().Str("component", name).Logger()
}

// HTTPClient returns an HTTP client that attaches the bearer token and
// recovers from expired tokens. Use it for every call to the backend.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// BaseURL returns the server URL this client is configured for
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) API() *API                  { return c.api }
func (c *Client) Sessions() *SessionDirectory { return c.sessions }
func (c *Client) Coordinator() *Coordinator   { return c.coord }
func (c *Client) Clock() *TokenClock          { return c.clock }
func (c *Client) Store() CredentialStore      { return c.store }

// Observe registers fn for every state transition.
func (c *Client) Observe(fn tk.Observer) {
	c.state.Observe(fn)
}

// Start mounts the client: the proactive refresh clock runs until Close is
// called or ctx is done.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	c.mounted = true
	c.runCtx = ctx
	c.mu.Unlock()
	c.clock.Start(ctx)
}

// Close unmounts the client and stops the clock. Stored credentials are kept.
func (c *Client) Close() error {
	c.mu.Lock()
	c.mounted = false
	c.runCtx = nil
	c.mu.Unlock()
	c.clock.Stop()
	return nil
}

// State returns the current state. A client without a stored access token
// is never reported as authenticated.
func (c *Client) State(ctx context.Context) (tk.AuthState, error) {
	cur := c.state.Current()
	if cur != tk.StateAuthenticated {
		return cur, nil
	}
	cred, err := c.store.Get(ctx)
	if err != nil {
		return cur, err
	}
	if !cred.HasAccessToken() {
		c.transition(tk.StateUnauthenticated)
		return c.state.Current(), nil
	}
	return cur, nil
}

// IsAuthenticated returns true if the client holds an access token and is
// not logged out.
func (c *Client) IsAuthenticated(ctx context.Context) bool {
	s, err := c.State(ctx)
	return err == nil && (s == tk.StateAuthenticated || s == tk.StateRefreshing)
}

// Login authenticates with email and password and stores the token pair.
func (c *Client) Login(ctx context.Context, email, password string) error {
	c.leave()
	c.transition(tk.StateAuthenticating)

	pair, err := c.api.Login(ctx, email, password)
	if err != nil {
		c.transition(tk.StateUnauthenticated)
		return err
	}
	if err := c.store.Set(ctx, tk.Credential{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken}); err != nil {
		c.transition(tk.StateUnauthenticated)
		return fmt.Errorf("failed to store credential: %w", err)
	}
	c.transition(tk.StateAuthenticated)
	c.logger.Info().Str("email", email).Msg("logged in")

	c.mu.Lock()
	mounted, runCtx := c.mounted, c.runCtx
	c.mu.Unlock()
	if mounted {
		c.clock.Stop()
		c.clock.Start(runCtx)
	}
	return nil
}

// Register creates an account and logs into it.
func (c *Client) Register(ctx context.Context, req tk.RegisterRequest) (*tk.RegisterResponse, error) {
	resp, err := c.api.Register(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := c.Login(ctx, req.Email, req.Password); err != nil {
		return resp, fmt.Errorf("registered but login failed: %w", err)
	}
	return resp, nil
}

// Logout clears the local login first: pending refresh callers are rejected,
// the clock is stopped and the store is cleared before Logout touches the
// network. The refresh token is then revoked on the server (best effort).
func (c *Client) Logout(ctx context.Context) error {
	var refreshToken string
	if cred, err := c.store.Get(ctx); err == nil && cred.HasRefreshToken() {
		refreshToken = cred.RefreshToken
	}

	err := c.logoutLocal(ctx)

	if refreshToken != "" {
		if rerr := c.api.RevokeRefreshToken(ctx, refreshToken); rerr != nil {
			c.logger.Debug().Err(rerr).Msg("server side logout failed")
		}
	}
	return err
}

func (c *Client) logoutLocal(ctx context.Context) error {
	c.coord.Abort(tk.ErrLoggedOut)
	c.clock.Stop()
	err := c.store.Clear(ctx)
	c.dropPrincipal()
	c.transition(tk.StateUnauthenticated)
	if err != nil {
		return fmt.Errorf("failed to clear credential: %w", err)
	}
	c.logger.Info().Msg("logged out")
	return nil
}

// AcknowledgeLogout moves a force-logged-out client back to Unauthenticated.
func (c *Client) AcknowledgeLogout() {
	if c.state.Current() == tk.StateLoggedOut {
		c.transition(tk.StateUnauthenticated)
	}
}

// Principal returns the authenticated user, fetching it on first use.
func (c *Client) Principal(ctx context.Context) (*tk.Principal, error) {
	c.mu.Lock()
	if c.principal != nil {
		p := *c.principal
		c.mu.Unlock()
		return &p, nil
	}
	epoch := c.epoch
	c.mu.Unlock()

	p, err := c.api.Me(ctx)
	if err != nil {
		return nil, err
	}
	c.cachePrincipal(epoch, p)
	return p, nil
}

// UpdatePrincipal applies a partial update and caches the result.
func (c *Client) UpdatePrincipal(ctx context.Context, update tk.PrincipalUpdate) (*tk.Principal, error) {
	c.mu.Lock()
	epoch := c.epoch
	c.mu.Unlock()

	p, err := c.api.UpdateMe(ctx, update)
	if err != nil {
		return nil, err
	}
	c.cachePrincipal(epoch, p)
	return p, nil
}

// DeleteAccount deletes the account on the server and logs out locally.
func (c *Client) DeleteAccount(ctx context.Context) error {
	if _, err := c.api.DeleteMe(ctx); err != nil {
		return err
	}
	return c.logoutLocal(ctx)
}

// RequestPasswordReset asks the server to send a reset code to email or phone.
func (c *Client) RequestPasswordReset(ctx context.Context, req tk.PasswordResetRequest) (*tk.PasswordResetResult, error) {
	if req.Email == nil && req.PhoneNumber == nil {
		return nil, &tk.APIError{Kind: tk.KindValidation, Detail: "email or phone number is required"}
	}
	return c.api.RequestPasswordReset(ctx, req)
}

// VerifyResetCode completes a password reset.
func (c *Client) VerifyResetCode(ctx context.Context, code, newPassword string) (*tk.PasswordResetResult, error) {
	return c.api.VerifyResetCode(ctx, tk.VerifyResetCodeRequest{Code: code, NewPassword: newPassword})
}

// leave resets any state Login cannot start from.
func (c *Client) leave() {
	switch c.state.Current() {
	case tk.StateRefreshing:
		c.coord.Abort(tk.ErrLoggedOut)
		c.transition(tk.StateUnauthenticated)
	case tk.StateAuthenticated, tk.StateLoggedOut:
		c.transition(tk.StateUnauthenticated)
	}
}

func (c *Client) onForcedLogout(err error) {
	// A refresh racing an explicit logout finds an empty store and fails,
	// but the client is already Unauthenticated and the host needs no redirect.
	if c.state.Current() != tk.StateLoggedOut {
		return
	}
	c.clock.Stop()
	c.dropPrincipal()
	c.logger.Warn().Err(err).Msg("session ended, logged out")
	if c.forceLogout != nil {
		c.forceLogout(err)
	}
}

func (c *Client) onTransition(from, to tk.AuthState) {
	if to == tk.StateUnauthenticated || to == tk.StateLoggedOut {
		c.dropPrincipal()
	}
}

func (c *Client) dropPrincipal() {
	c.mu.Lock()
	c.principal = nil
	c.epoch++
	c.mu.Unlock()
}

func (c *Client) cachePrincipal(epoch uint64, p *tk.Principal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st := c.state.Current(); epoch == c.epoch && (st == tk.StateAuthenticated || st == tk.StateRefreshing) {
		cp := *p
		c.principal = &cp
	}
}

func (c *Client) transition(to tk.AuthState) {
	if err := c.state.Transition(to); err != nil {
		c.logger.Debug().Err(err).Msg("state transition skipped")
	}
}
