package grpc

import (
	"context"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/panyam/tokenkeeper/client"
)

// VerifyFunc validates a bearer token and returns the user it was issued to.
type VerifyFunc func(ctx context.Context, token string) (userID string, err error)

// InterceptorConfig configures the server auth interceptors.
type InterceptorConfig struct {
	// Config holds the metadata key configuration.
	*Config

	// Verify checks the bearer token. Required.
	Verify VerifyFunc

	// RequireAuth when true rejects unauthenticated requests.
	// When false, requests proceed but UserIDFromContext returns empty.
	RequireAuth bool

	// PublicMethods is a set of method names that don't require auth.
	// Only used when RequireAuth is true.
	// Keys should be full method names like "/package.Service/Method".
	PublicMethods map[string]bool
}

// NewInterceptorConfig returns a config that requires auth for every method
// except publicMethods.
func NewInterceptorConfig(verify VerifyFunc, publicMethods ...string) *InterceptorConfig {
	config := &InterceptorConfig{
		Config:        DefaultConfig(),
		Verify:        verify,
		RequireAuth:   true,
		PublicMethods: make(map[string]bool),
	}
	for _, method := range publicMethods {
		config.PublicMethods[method] = true
	}
	return config
}

func (config *InterceptorConfig) ensureDefaults() {
	if config.Config == nil {
		config.Config = DefaultConfig()
	}
	config.Config.EnsureDefaults()
	if config.PublicMethods == nil {
		config.PublicMethods = make(map[string]bool)
	}
}

// authenticate verifies the bearer token, if any, and returns the context to
// hand to the handler. An invalid token is rejected even on public methods.
func (config *InterceptorConfig) authenticate(ctx context.Context, method string) (context.Context, error) {
	token, ok := bearerFromIncoming(ctx, config.MetadataKeyAuthorization)
	if !ok {
		if config.RequireAuth && !config.PublicMethods[method] {
			return nil, status.Error(codes.Unauthenticated, "authentication required")
		}
		return ctx, nil
	}

	userID, err := config.Verify(ctx, token)
	if err != nil || userID == "" {
		return nil, status.Error(codes.Unauthenticated, "Could not validate credentials")
	}
	return withUserID(ctx, userID), nil
}

// UnaryAuthInterceptor returns a gRPC unary interceptor that verifies the
// bearer token and exposes the user through UserIDFromContext.
func UnaryAuthInterceptor(config *InterceptorConfig) grpc.UnaryServerInterceptor {
	config.ensureDefaults()

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := config.authenticate(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamAuthInterceptor returns a gRPC stream interceptor that verifies the bearer token.
func StreamAuthInterceptor(config *InterceptorConfig) grpc.StreamServerInterceptor {
	config.ensureDefaults()

	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := config.authenticate(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &authedStream{ServerStream: ss, ctx: ctx})
	}
}

type authedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authedStream) Context() context.Context {
	return s.ctx
}

// ClientInterceptors attach the stored access token to outgoing RPCs. When
// the server answers Unauthenticated and a refresh token is stored, they ask
// the Refresher for a new token and retry the call exactly once.
type ClientInterceptors struct {
	store     client.CredentialStore
	refresher client.Refresher
	logger    zerolog.Logger
}

// NewClientInterceptors builds interceptors over the same store and refresher
// the HTTP gateway uses, so HTTP and gRPC traffic share one refresh.
func NewClientInterceptors(store client.CredentialStore, refresher client.Refresher, logger zerolog.Logger) *ClientInterceptors {
	return &ClientInterceptors{store: store, refresher: refresher, logger: logger}
}

// attach returns ctx carrying the stored token, the token used and whether a
// refresh could help if the call is rejected.
func (ci *ClientInterceptors) attach(ctx context.Context) (context.Context, string, bool, error) {
	cred, err := ci.store.Get(ctx)
	if err != nil {
		return nil, "", false, err
	}
	if !cred.HasAccessToken() {
		return ctx, "", cred.HasRefreshToken(), nil
	}
	return BearerToOutgoingContext(ctx, cred.AccessToken), cred.AccessToken, cred.HasRefreshToken(), nil
}

// retryToken returns the token to retry with, reusing one another caller
// already refreshed while this call was in flight.
func (ci *ClientInterceptors) retryToken(ctx context.Context, used string) (string, error) {
	if cred, err := ci.store.Get(ctx); err == nil && cred.HasAccessToken() && cred.AccessToken != used {
		return cred.AccessToken, nil
	}
	token, err := ci.refresher.Refresh(ctx)
	if err != nil {
		return "", status.Error(codes.Unauthenticated, "session expired: "+err.Error())
	}
	return token, nil
}

func isUnauthenticated(err error) bool {
	return err != nil && status.Code(err) == codes.Unauthenticated
}

// Unary returns the unary client interceptor.
func (ci *ClientInterceptors) Unary() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		authed, used, canRefresh, err := ci.attach(ctx)
		if err != nil {
			return err
		}

		err = invoker(authed, method, req, reply, cc, opts...)
		if !isUnauthenticated(err) || !canRefresh {
			return err
		}

		ci.logger.Debug().Str("method", method).Msg("unauthenticated, refreshing and retrying once")
		token, rerr := ci.retryToken(ctx, used)
		if rerr != nil {
			return rerr
		}
		return invoker(BearerToOutgoingContext(ctx, token), method, req, reply, cc, opts...)
	}
}

// Stream returns the stream client interceptor. Only stream creation is
// retried; a stream rejected after messages were exchanged is not replayed.
func (ci *ClientInterceptors) Stream() grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		authed, used, canRefresh, err := ci.attach(ctx)
		if err != nil {
			return nil, err
		}

		stream, err := streamer(authed, desc, cc, method, opts...)
		if !isUnauthenticated(err) || !canRefresh {
			return stream, err
		}

		ci.logger.Debug().Str("method", method).Msg("stream unauthenticated, refreshing and retrying once")
		token, rerr := ci.retryToken(ctx, used)
		if rerr != nil {
			return nil, rerr
		}
		return streamer(BearerToOutgoingContext(ctx, token), desc, cc, method, opts...)
	}
}

// DialOptions wires both interceptors into a grpc.ClientConn.
func (ci *ClientInterceptors) DialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithChainUnaryInterceptor(ci.Unary()),
		grpc.WithChainStreamInterceptor(ci.Stream()),
	}
}
