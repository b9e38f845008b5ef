package client

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// signedToken returns an HS256 access token expiring at exp.
func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"jti": uuid.NewString(),
		"exp": exp.Unix(),
	})
	s, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func waiting(c *Coordinator) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
