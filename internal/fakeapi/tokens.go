package fakeapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type contextKey string

const contextKeyUserID contextKey = "fakeapi_user_id"

func userIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(contextKeyUserID).(string)
	return v
}

var errStaleToken = errors.New("token has been invalidated")

// issueAccessToken signs an access token for userID valid for ttl.
// Caller must hold s.mu
func (s *Server) issueAccessToken(userID string, ttl time.Duration) (string, error) {
	now := s.clock.Now()
	claims := jwt.MapClaims{
		"sub":  userID,
		"type": "access",
		"gen":  s.generation,
		"jti":  uuid.NewString(),
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// verifyAccessToken checks signature, expiry and generation and returns the subject.
func (s *Server) verifyAccessToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.clock.Now), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}
	if typ, _ := claims["type"].(string); typ != "access" {
		return "", errors.New("invalid token type")
	}
	gen, _ := claims["gen"].(float64)

	s.mu.Lock()
	current := s.generation
	s.mu.Unlock()
	if int(gen) != current {
		return "", errStaleToken
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", errors.New("missing subject")
	}
	return sub, nil
}

func (s *Server) requireBearer(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeDetail(w, http.StatusUnauthorized, "Not authenticated")
			return
		}
		userID, err := s.verifyAccessToken(token)
		if err != nil {
			writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
			return
		}

		s.mu.Lock()
		_, exists := s.users[userID]
		s.mu.Unlock()
		if !exists {
			writeDetail(w, http.StatusNotFound, "User not found")
			return
		}

		ctx := context.WithValue(r.Context(), contextKeyUserID, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
