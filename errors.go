package tokenkeeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrorKind classifies a failed API call.
type ErrorKind string

const (
	// KindNetwork means no response reached the client (connection failure or timeout).
	KindNetwork ErrorKind = "network"
	// KindAuthentication is a 401.
	KindAuthentication ErrorKind = "authentication"
	// KindValidation is a 400 or 422 and carries the server's detail message.
	KindValidation ErrorKind = "validation"
	// KindServer is any 5xx.
	KindServer ErrorKind = "server"
	// KindUnknown is everything else, including non-HTTP failures.
	KindUnknown ErrorKind = "unknown"
)

var (
	ErrNoCredential   = errors.New("no stored credential")
	ErrNoRefreshToken = errors.New("no refresh token stored")
	ErrLoggedOut      = errors.New("client logged out")
)

// APIError is the error returned for every failed backend call.
type APIError struct {
	Kind       ErrorKind
	StatusCode int    // zero for network errors
	Detail     string // server supplied message, if any
	Method     string
	URL        string
	Err        error
}

func (e *APIError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(" error")
	if e.Method != "" {
		fmt.Fprintf(&b, " on %s %s", e.Method, e.URL)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": HTTP %d", e.StatusCode)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// KindForStatus maps an HTTP status code to an ErrorKind.
func KindForStatus(code int) ErrorKind {
	switch {
	case code == http.StatusUnauthorized:
		return KindAuthentication
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return KindValidation
	case code >= 500:
		return KindServer
	default:
		return KindUnknown
	}
}

// NewResponseError builds an APIError from a non-2xx response and its body.
func NewResponseError(resp *http.Response, body []byte) *APIError {
	e := &APIError{
		Kind:       KindForStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Detail:     ParseDetail(body),
	}
	if resp.Request != nil {
		e.Method = resp.Request.Method
		e.URL = resp.Request.URL.String()
	}
	return e
}

// NewNetworkError wraps a transport failure.
func NewNetworkError(method, url string, err error) *APIError {
	return &APIError{Kind: KindNetwork, Method: method, URL: url, Err: err}
}

// ParseDetail extracts a human readable message from an error body. It
// understands {"detail": "..."}, {"detail": [{"msg": "..."}]} and the OAuth
// {"error_description": "..."} shapes.
func ParseDetail(body []byte) string {
	var payload struct {
		Detail           json.RawMessage `json:"detail"`
		Error            string          `json:"error"`
		ErrorDescription string          `json:"error_description"`
		Message          string          `json:"message"`
	}
	if len(body) == 0 || json.Unmarshal(body, &payload) != nil {
		return ""
	}

	if len(payload.Detail) > 0 {
		var s string
		if json.Unmarshal(payload.Detail, &s) == nil {
			return s
		}
		var items []struct {
			Msg string `json:"msg"`
		}
		if json.Unmarshal(payload.Detail, &items) == nil {
			msgs := make([]string, 0, len(items))
			for _, it := range items {
				if it.Msg != "" {
					msgs = append(msgs, it.Msg)
				}
			}
			return strings.Join(msgs, "; ")
		}
	}
	if payload.ErrorDescription != "" {
		return payload.ErrorDescription
	}
	if payload.Error != "" {
		return payload.Error
	}
	return payload.Message
}

// KindOf classifies any error. A nil error has no kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	return KindUnknown
}

// IsAuthentication returns true if err is (or wraps) a 401 APIError.
func IsAuthentication(err error) bool {
	return KindOf(err) == KindAuthentication
}
