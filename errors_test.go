package tokenkeeper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindForStatus(t *testing.T) {
	tests := []struct {
		code int
		want ErrorKind
	}{
		{http.StatusUnauthorized, KindAuthentication},
		{http.StatusBadRequest, KindValidation},
		{http.StatusUnprocessableEntity, KindValidation},
		{http.StatusInternalServerError, KindServer},
		{http.StatusBadGateway, KindServer},
		{http.StatusNotFound, KindUnknown},
		{http.StatusForbidden, KindUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KindForStatus(tt.code), "status %d", tt.code)
	}
}

func TestParseDetail(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"string detail", `{"detail":"Vos identifiants sont invalides"}`, "Vos identifiants sont invalides"},
		{"list detail", `{"detail":[{"loc":["body","email"],"msg":"value is not a valid email"},{"msg":"field required"}]}`, "value is not a valid email; field required"},
		{"oauth shape", `{"error":"invalid_grant","error_description":"Token has been revoked"}`, "Token has been revoked"},
		{"oauth code only", `{"error":"invalid_grant"}`, "invalid_grant"},
		{"message", `{"message":"nope"}`, "nope"},
		{"not json", `<html>bad gateway</html>`, ""},
		{"empty", ``, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseDetail([]byte(tt.body)))
		})
	}
}

func TestNewResponseError(t *testing.T) {
	req, _ := http.NewRequest(http.MethodPost, "http://api.test/auth/register", nil)
	resp := &http.Response{StatusCode: http.StatusBadRequest, Request: req}

	err := NewResponseError(resp, []byte(`{"detail":"email already registered"}`))
	assert.Equal(t, KindValidation, err.Kind)
	assert.Equal(t, "email already registered", err.Detail)
	assert.Equal(t, http.MethodPost, err.Method)
	assert.Contains(t, err.Error(), "HTTP 400")
	assert.Contains(t, err.Error(), "email already registered")
}

func TestKindOf(t *testing.T) {
	apiErr := &APIError{Kind: KindAuthentication, StatusCode: 401}
	wrapped := &url.Error{Op: "Get", URL: "http://x", Err: apiErr}

	assert.Equal(t, ErrorKind(""), KindOf(nil))
	assert.Equal(t, KindAuthentication, KindOf(apiErr))
	assert.Equal(t, KindAuthentication, KindOf(wrapped))
	assert.Equal(t, KindAuthentication, KindOf(fmt.Errorf("load: %w", wrapped)))
	assert.Equal(t, KindNetwork, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindNetwork, KindOf(NewNetworkError("GET", "http://x", errors.New("connection refused"))))
	assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))

	assert.True(t, IsAuthentication(wrapped))
	assert.False(t, IsAuthentication(errors.New("boom")))
}

func TestAPIError_Unwrap(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := NewNetworkError(http.MethodGet, "http://api.test/auth/me", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "network error on GET http://api.test/auth/me")
}
