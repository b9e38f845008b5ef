package grpc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/metadata"
)

func TestEnsureDefaults(t *testing.T) {
	config := &Config{}
	config.EnsureDefaults()
	assert.Equal(t, DefaultConfig(), config)

	custom := &Config{MetadataKeyAuthorization: "x-token"}
	custom.EnsureDefaults()
	assert.Equal(t, "x-token", custom.MetadataKeyAuthorization)
	assert.Equal(t, DefaultMetadataKeyUserID, custom.MetadataKeyUserID)
}

func TestBearerToOutgoingContext(t *testing.T) {
	ctx := metadata.AppendToOutgoingContext(context.Background(), "x-trace", "t1")
	ctx = BearerToOutgoingContext(ctx, "old")
	ctx = BearerToOutgoingContext(ctx, "new")

	md, ok := metadata.FromOutgoingContext(ctx)
	require.True(t, ok)
	assert.Equal(t, []string{"Bearer new"}, md.Get(DefaultMetadataKeyAuthorization))
	assert.Equal(t, []string{"t1"}, md.Get("x-trace"))
}

func TestBearerFromIncomingContext(t *testing.T) {
	tests := []struct {
		name  string
		value []string
		token string
		ok    bool
	}{
		{"missing", nil, "", false},
		{"bearer", []string{"Bearer abc"}, "abc", true},
		{"lowercase scheme", []string{"bearer abc"}, "abc", true},
		{"basic", []string{"Basic dXNlcg=="}, "", false},
		{"empty token", []string{"Bearer "}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			md := metadata.MD{}
			if tt.value != nil {
				md.Set(DefaultMetadataKeyAuthorization, tt.value...)
			}
			ctx := metadata.NewIncomingContext(context.Background(), md)

			token, ok := BearerFromIncomingContext(ctx)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.token, token)
		})
	}

	_, ok := BearerFromIncomingContext(context.Background())
	assert.False(t, ok)
}

func TestUserIDFromContext(t *testing.T) {
	assert.Empty(t, UserIDFromContext(context.Background()))
	assert.False(t, IsAuthenticated(context.Background()))

	md := metadata.Pairs(DefaultMetadataKeyUserID, "forwarded")
	ctx := metadata.NewIncomingContext(context.Background(), md)
	assert.Equal(t, "forwarded", UserIDFromContext(ctx))

	// a verified user wins over forwarded metadata
	ctx = withUserID(ctx, "verified")
	assert.Equal(t, "verified", UserIDFromContext(ctx))
	assert.True(t, IsAuthenticated(ctx))
}

func TestUserIDToOutgoingContext(t *testing.T) {
	ctx := UserIDToOutgoingContext(context.Background(), "u1")
	md, ok := metadata.FromOutgoingContext(ctx)
	require.True(t, ok)
	assert.Equal(t, []string{"u1"}, md.Get(DefaultMetadataKeyUserID))
}
