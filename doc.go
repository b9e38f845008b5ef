// Package tokenkeeper holds the shared domain types for a token-authenticated
// API client: the stored credential pair, the authenticated principal, the
// server-tracked session records, the auth state machine and the error
// taxonomy used by every layer above it.
//
// # Architecture
//
// The client side lives in the client package and is assembled from five
// parts that build on each other:
//
// CredentialStore: durable storage of the access/refresh token pair. Every
// write is durable when it returns. Implementations are provided for memory,
// a JSON file (client/stores/fs), Redis (client/stores/redis) and any GORM
// database (client/stores/gorm).
//
// TokenClock: a cancellable ticker that reads the access token's exp claim and
// asks the Coordinator for a new token shortly before it expires.
//
// Coordinator: a single-flight refresh. Concurrent callers share one network
// exchange; a failed exchange clears the store and forces a logout.
//
// Gateway: an http.RoundTripper that attaches the bearer token, refreshes and
// replays once on a 401, and tolerates a single transport failure.
//
// SessionDirectory: lists and revokes the server-side sessions of the
// principal and marks the one that belongs to this client.
//
// # Basic Usage
//
//	store, _ := fs.New("", "finctl")
//	c, _ := client.New("https://api.example.com", store,
//	    client.WithForceLogout(func(err error) { showLoginScreen() }),
//	)
//	c.Start(ctx)
//	defer c.Close()
//
//	if err := c.Login(ctx, "user@example.com", "password"); err != nil {
//	    return err
//	}
//	resp, err := c.HTTPClient().Get("https://api.example.com/expenses")
//
// # Security
//
// Access tokens are decoded without signature verification, and only to read
// the exp claim for scheduling. The server remains the only authority on
// whether a token is valid. Tokens are never written to logs.
package tokenkeeper
