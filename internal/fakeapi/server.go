// Package fakeapi is an in-memory implementation of the token backend. It
// issues real HS256 access tokens, tracks one session per login and exposes
// hooks that let tests expire tokens and count refresh calls.
package fakeapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	tk "github.com/panyam/tokenkeeper"
)

// Token lifetimes used by the backend this server stands in for.
const (
	DefaultAccessTTL    = 30 * time.Minute
	DefaultRefreshedTTL = 15 * time.Minute
	ResetCodeTTL        = 10 * time.Minute
	MinPasswordLength   = 8
)

type user struct {
	tk.Principal
	passwordHash []byte
}

type resetCode struct {
	userID    string
	expiresAt time.Time
	used      bool
}

// Server is an http.Handler implementing the auth and user endpoints.
type Server struct {
	secret       []byte
	accessTTL    time.Duration
	refreshedTTL time.Duration
	rotate       bool
	clock        clockwork.Clock
	logger       zerolog.Logger
	sender       CodeSender
	router       *mux.Router

	refreshCalls atomic.Int64

	mu           sync.Mutex
	users        map[string]*user
	byEmail      map[string]string
	sessions     map[string]*tk.SessionRecord
	byRefresh    map[string]string
	resetCodes   map[string]*resetCode
	generation   int
	refreshDelay time.Duration
	lastCode     string
}

// Option configures a Server
type Option func(*Server)

// WithSecret sets the HS256 signing key.
func WithSecret(secret string) Option {
	return func(s *Server) {
		s.secret = []byte(secret)
	}
}

// WithAccessTTL sets the lifetime of tokens issued at login.
func WithAccessTTL(d time.Duration) Option {
	return func(s *Server) {
		s.accessTTL = d
	}
}

// WithRefreshedTTL sets the lifetime of tokens issued by /auth/refresh.
func WithRefreshedTTL(d time.Duration) Option {
	return func(s *Server) {
		s.refreshedTTL = d
	}
}

// WithRotation makes /auth/refresh issue a new refresh token every time.
func WithRotation() Option {
	return func(s *Server) {
		s.rotate = true
	}
}

// WithClock sets the time source for issuing and verifying tokens.
func WithClock(c clockwork.Clock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

// WithLogger sets the request logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// New creates a server with no users.
func New(opts ...Option) *Server {
	s := &Server{
		secret:       []byte("fakeapi-secret"),
		accessTTL:    DefaultAccessTTL,
		refreshedTTL: DefaultRefreshedTTL,
		clock:        clockwork.NewRealClock(),
		logger:       zerolog.Nop(),
		users:        map[string]*user{},
		byEmail:      map[string]string{},
		sessions:     map[string]*tk.SessionRecord{},
		byRefresh:    map[string]string{},
		resetCodes:   map[string]*resetCode{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sender == nil {
		s.sender = &LogCodeSender{Logger: s.logger}
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(hlog.NewHandler(s.logger))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("duration", d).
			Msg("request")
	}))

	r.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/auth/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/auth/refresh", s.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/auth/logout", s.handleLogout).Methods(http.MethodPost)
	r.HandleFunc("/auth/request-password-reset", s.handleRequestPasswordReset).Methods(http.MethodPost)
	r.HandleFunc("/auth/verify-reset-code", s.handleVerifyResetCode).Methods(http.MethodPost)

	r.Handle("/auth/me", s.requireBearer(s.handleMe)).Methods(http.MethodGet)
	r.Handle("/auth/me/sessions", s.requireBearer(s.handleListSessions)).Methods(http.MethodGet)
	r.Handle("/auth/me/sessions/{id}", s.requireBearer(s.handleRevokeSession)).Methods(http.MethodDelete)
	r.Handle("/users/me", s.requireBearer(s.handleUpdateMe)).Methods(http.MethodPut)
	r.Handle("/users/me", s.requireBearer(s.handleDeleteMe)).Methods(http.MethodDelete)

	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// RefreshCalls returns how many requests reached /auth/refresh.
func (s *Server) RefreshCalls() int64 {
	return s.refreshCalls.Load()
}

// InvalidateAccessTokens makes every access token issued so far fail
// verification, as if they had all expired at once.
func (s *Server) InvalidateAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
}

// SetAccessTTL changes the lifetime of tokens issued at login from now on.
func (s *Server) SetAccessTTL(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessTTL = d
}

// SetRefreshDelay makes /auth/refresh wait before answering.
func (s *Server) SetRefreshDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshDelay = d
}

// LastResetCode returns the most recent password reset code, standing in
// for the SMS the real backend would send.
func (s *Server) LastResetCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCode
}

// Sessions returns a snapshot of every session of the user with email.
func (s *Server) Sessions(email string) []tk.SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionsOfLocked(s.byEmail[email])
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeDetail sends an error in the {"detail": "..."} shape.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	writeJSON(w, status, map[string]string{"detail": detail})
}

type fieldError struct {
	Loc  []string `json:"loc"`
	Msg  string   `json:"msg"`
	Type string   `json:"type"`
}

// writeValidation sends a 422 in the list-of-errors shape.
func writeValidation(w http.ResponseWriter, errs ...fieldError) {
	writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": errs})
}

func missing(loc, field string) fieldError {
	return fieldError{Loc: []string{loc, field}, Msg: "Field required", Type: "missing"}
}
