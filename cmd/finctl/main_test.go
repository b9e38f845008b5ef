package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tk "github.com/panyam/tokenkeeper"
	"github.com/panyam/tokenkeeper/internal/fakeapi"
)

type harness struct {
	t       *testing.T
	backend *fakeapi.Server
	global  []string
}

func newHarness(t *testing.T) *harness {
	backend := fakeapi.New()
	ts := httptest.NewServer(backend)
	t.Cleanup(ts.Close)

	_, err := backend.CreateUser(tk.RegisterRequest{
		Email: "ada@example.com", Password: "correct-horse", FirstName: "Ada", LastName: "Lovelace",
	}, nil)
	require.NoError(t, err)

	return &harness{
		t:       t,
		backend: backend,
		global: []string{
			"-env-file", "",
			"-server-url", ts.URL,
			"-store", "file",
			"-credentials-file", filepath.Join(t.TempDir(), "credentials.json"),
			"-log-level", "error",
		},
	}
}

func (h *harness) run(stdin string, args ...string) (string, error) {
	var out, errOut bytes.Buffer
	all := append(append([]string{}, h.global...), args...)
	err := run(context.Background(), all, strings.NewReader(stdin), &out, &errOut)
	return out.String(), err
}

func TestFinctl_LoginWhoamiLogout(t *testing.T) {
	h := newHarness(t)

	out, err := h.run("", "whoami")
	assert.ErrorContains(t, err, "not logged in")
	assert.Empty(t, out)

	out, err = h.run("", "login", "-email", "ada@example.com", "-password", "correct-horse")
	require.NoError(t, err)
	assert.Contains(t, out, "logged in as ada@example.com")

	// a new process picks the login up from the credentials file
	out, err = h.run("", "whoami")
	require.NoError(t, err)
	assert.Contains(t, out, "Ada Lovelace <ada@example.com>")

	out, err = h.run("", "logout")
	require.NoError(t, err)
	assert.Contains(t, out, "logged out")

	_, err = h.run("", "whoami")
	assert.Error(t, err)

	for _, s := range h.backend.Sessions("ada@example.com") {
		assert.True(t, s.Revoked)
	}
}

func TestFinctl_LoginPrompts(t *testing.T) {
	h := newHarness(t)

	out, err := h.run("ada@example.com\ncorrect-horse\n", "login")
	require.NoError(t, err)
	assert.Contains(t, out, "Email: ")
	assert.Contains(t, out, "Password: ")
	assert.Contains(t, out, "logged in")
}

func TestFinctl_BadLogin(t *testing.T) {
	h := newHarness(t)

	_, err := h.run("", "login", "-email", "ada@example.com", "-password", "wrong-password")
	require.Error(t, err)
	assert.True(t, tk.IsAuthentication(err))
}

func TestFinctl_SessionsAndRevoke(t *testing.T) {
	h := newHarness(t)

	_, err := h.run("", "login", "-email", "ada@example.com", "-password", "correct-horse")
	require.NoError(t, err)

	out, err := h.run("", "sessions")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[1], "*"), "own session should be marked: %q", lines[1])

	id := h.backend.Sessions("ada@example.com")[0].ID
	out, err = h.run("", "revoke", id)
	require.NoError(t, err)
	assert.Contains(t, out, "revoked this session")

	_, err = h.run("", "whoami")
	assert.Error(t, err)
}

func TestFinctl_Register(t *testing.T) {
	h := newHarness(t)

	out, err := h.run("", "register", "-email", "grace@example.com", "-password", "hopper-1906",
		"-first-name", "Grace", "-last-name", "Hopper")
	require.NoError(t, err)
	assert.Contains(t, out, "registered grace@example.com")

	out, err = h.run("", "whoami")
	require.NoError(t, err)
	assert.Contains(t, out, "Grace Hopper")
}

func TestFinctl_ResetPassword(t *testing.T) {
	h := newHarness(t)

	_, err := h.run("", "reset-password")
	assert.Error(t, err)

	_, err = h.run("", "reset-password", "-code", "000000", "-new-password", "another-secret")
	assert.Error(t, err)
}

func TestFinctl_Usage(t *testing.T) {
	h := newHarness(t)

	_, err := h.run("")
	assert.ErrorContains(t, err, "no command")

	_, err = h.run("", "frobnicate")
	assert.ErrorContains(t, err, "unknown command")
}
