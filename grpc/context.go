// Package grpc carries tokenkeeper credentials over gRPC: bearer metadata
// helpers, per-RPC credentials backed by an oauth2.TokenSource, client
// interceptors that refresh and retry once on Unauthenticated, and server
// interceptors that verify the bearer token.
package grpc

import (
	"context"
	"strings"

	"google.golang.org/grpc/metadata"
)

// Default metadata keys.
const (
	// DefaultMetadataKeyAuthorization carries "Bearer <token>"
	DefaultMetadataKeyAuthorization = "authorization"

	// DefaultMetadataKeyUserID is set by servers that forward the verified user downstream
	DefaultMetadataKeyUserID = "x-user-id"
)

// Config holds the metadata key configuration.
type Config struct {
	// MetadataKeyAuthorization defaults to "authorization".
	MetadataKeyAuthorization string

	// MetadataKeyUserID defaults to "x-user-id".
	MetadataKeyUserID string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		MetadataKeyAuthorization: DefaultMetadataKeyAuthorization,
		MetadataKeyUserID:        DefaultMetadataKeyUserID,
	}
}

// EnsureDefaults fills in default values for any unset fields.
func (c *Config) EnsureDefaults() {
	if c.MetadataKeyAuthorization == "" {
		c.MetadataKeyAuthorization = DefaultMetadataKeyAuthorization
	}
	if c.MetadataKeyUserID == "" {
		c.MetadataKeyUserID = DefaultMetadataKeyUserID
	}
}

// BearerToOutgoingContext attaches token to outgoing metadata, replacing any
// authorization value already there.
func BearerToOutgoingContext(ctx context.Context, token string) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	md.Set(DefaultMetadataKeyAuthorization, "Bearer "+token)
	return metadata.NewOutgoingContext(ctx, md)
}

// BearerFromIncomingContext returns the bearer token sent by the client.
func BearerFromIncomingContext(ctx context.Context) (string, bool) {
	return bearerFromIncoming(ctx, DefaultMetadataKeyAuthorization)
}

func bearerFromIncoming(ctx context.Context, key string) (string, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", false
	}
	for _, v := range md.Get(key) {
		scheme, token, found := strings.Cut(v, " ")
		if found && strings.EqualFold(scheme, "bearer") && token != "" {
			return token, true
		}
	}
	return "", false
}

type userIDKey struct{}

// UserIDFromContext returns the user verified by the server interceptor, or
// the user ID forwarded in incoming metadata by an upstream service.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey{}).(string); ok {
		return v
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if values := md.Get(DefaultMetadataKeyUserID); len(values) > 0 {
		return values[0]
	}
	return ""
}

// UserIDToOutgoingContext forwards a verified user ID to a downstream service.
func UserIDToOutgoingContext(ctx context.Context, userID string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, DefaultMetadataKeyUserID, userID)
}

// IsAuthenticated returns true if there is an authenticated user in the context.
func IsAuthenticated(ctx context.Context) bool {
	return UserIDFromContext(ctx) != ""
}

func withUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}
