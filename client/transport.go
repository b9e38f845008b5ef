package client

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	tk "github.com/panyam/tokenkeeper"
)

// DefaultRequestTimeout bounds each attempt made by the Gateway.
const DefaultRequestTimeout = 10 * time.Second

type retriedKey struct{}

func isRetried(ctx context.Context) bool {
	v, _ := ctx.Value(retriedKey{}).(bool)
	return v
}

// Gateway is an http.RoundTripper that attaches the stored bearer token to
// every request and recovers once from an expired token.
//
// A 401 triggers one refresh through the Refresher followed by one replay. A
// transport failure (including an attempt timeout) triggers the same cycle
// when a refresh token is stored. A replayed request is never replayed again.
type Gateway struct {
	base      http.RoundTripper
	store     CredentialStore
	refresher Refresher
	timeout   time.Duration
	logger    zerolog.Logger
}

// GatewayOption configures a Gateway
type GatewayOption func(*Gateway)

// WithBaseTransport sets the transport that performs the actual round trips.
func WithBaseTransport(rt http.RoundTripper) GatewayOption {
	return func(g *Gateway) {
		if rt != nil {
			g.base = rt
		}
	}
}

// WithAttemptTimeout bounds each attempt. Zero disables the per-attempt timeout.
func WithAttemptTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		g.timeout = d
	}
}

// WithGatewayLogger sets the logger.
func WithGatewayLogger(l zerolog.Logger) GatewayOption {
	return func(g *Gateway) {
		g.logger = l
	}
}

// NewGateway creates a gateway over http.DefaultTransport.
func NewGateway(store CredentialStore, refresher Refresher, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		base:      http.DefaultTransport,
		store:     store,
		refresher: refresher,
		timeout:   DefaultRequestTimeout,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RoundTrip implements http.RoundTripper
func (g *Gateway) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	cred, err := g.store.Get(ctx)
	if err != nil {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, err
	}

	used := ""
	if cred.HasAccessToken() {
		used = cred.AccessToken
	}

	resp, err := g.send(req, used, false)
	retried := isRetried(ctx)

	if err != nil {
		// No response at all. Give the refresh token one chance in case the
		// failure was token related, then give up with the original error.
		if retried || !cred.HasRefreshToken() || ctx.Err() != nil || !replayable(req) {
			return nil, err
		}
		g.logger.Debug().Err(err).Str("url", req.URL.Redacted()).Msg("no response, refreshing and retrying once")
		token, rerr := g.refresher.Refresh(ctx)
		if rerr != nil {
			return nil, err
		}
		return g.send(req, token, true)
	}

	if resp.StatusCode != http.StatusUnauthorized || retried || !replayable(req) {
		return resp, nil
	}
	if !cred.HasRefreshToken() {
		// anonymous call, nothing to refresh
		return resp, nil
	}
	drainAndClose(resp.Body)

	token, err := g.freshToken(ctx, used)
	if err != nil {
		return nil, &tk.APIError{
			Kind:       tk.KindAuthentication,
			StatusCode: http.StatusUnauthorized,
			Method:     req.Method,
			URL:        req.URL.Redacted(),
			Detail:     "session expired",
			Err:        err,
		}
	}
	return g.send(req, token, true)
}

// freshToken returns the token to replay with. If another caller refreshed
// while this request was on the wire, the store already holds a newer token
// and no second exchange is needed.
func (g *Gateway) freshToken(ctx context.Context, used string) (string, error) {
	if cred, err := g.store.Get(ctx); err == nil && cred.HasAccessToken() && cred.AccessToken != used {
		return cred.AccessToken, nil
	}
	return g.refresher.Refresh(ctx)
}

func (g *Gateway) send(req *http.Request, token string, retry bool) (*http.Response, error) {
	ctx := req.Context()
	if retry {
		ctx = context.WithValue(ctx, retriedKey{}, true)
	}
	cancel := context.CancelFunc(func() {})
	if g.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
	}

	out := req.Clone(ctx)
	if retry && req.Body != nil && req.Body != http.NoBody {
		body, err := req.GetBody()
		if err != nil {
			cancel()
			return nil, err
		}
		out.Body = body
	}
	if token != "" {
		out.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := g.base.RoundTrip(out)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func replayable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}

// cancelOnClose releases the attempt's timeout once the caller is done with the body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
