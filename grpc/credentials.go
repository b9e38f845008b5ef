package grpc

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"google.golang.org/grpc/credentials"
)

var _ credentials.PerRPCCredentials = (*TokenCredentials)(nil)

// TokenCredentials attaches a token from an oauth2.TokenSource to every RPC.
// Pair it with client.Client.TokenSource so that RPCs share the client's
// store and single-flight refresh.
type TokenCredentials struct {
	source     oauth2.TokenSource
	requireTLS bool
}

// NewTokenCredentials wraps source. requireTLS should only be false for
// local development over plaintext connections.
func NewTokenCredentials(source oauth2.TokenSource, requireTLS bool) *TokenCredentials {
	return &TokenCredentials{source: source, requireTLS: requireTLS}
}

func (c *TokenCredentials) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	tok, err := c.source.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	return map[string]string{
		DefaultMetadataKeyAuthorization: tok.Type() + " " + tok.AccessToken,
	}, nil
}

func (c *TokenCredentials) RequireTransportSecurity() bool {
	return c.requireTLS
}
