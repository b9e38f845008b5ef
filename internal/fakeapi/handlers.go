package fakeapi

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/mail"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/crypto/bcrypt"

	tk "github.com/panyam/tokenkeeper"
)

var errDuplicateEmail = errors.New("a user with this email already exists")

// CreateUser adds a user directly, bypassing /auth/register.
func (s *Server) CreateUser(req tk.RegisterRequest, phone *string) (*tk.Principal, error) {
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return nil, fmt.Errorf("invalid email: %w", err)
	}
	if len(req.Password) < MinPasswordLength {
		return nil, fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.MinCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	email := strings.ToLower(req.Email)
	if _, exists := s.byEmail[email]; exists {
		return nil, errDuplicateEmail
	}
	now := s.clock.Now().UTC()
	u := &user{
		Principal: tk.Principal{
			ID:          uuid.NewString(),
			Email:       email,
			FirstName:   req.FirstName,
			LastName:    req.LastName,
			PhoneNumber: phone,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		passwordHash: hash,
	}
	s.users[u.ID] = u
	s.byEmail[email] = u.ID
	p := u.Principal
	return &p, nil
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req tk.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var errs []fieldError
	for field, v := range map[string]string{"email": req.Email, "password": req.Password, "first_name": req.FirstName, "last_name": req.LastName} {
		if v == "" {
			errs = append(errs, missing("body", field))
		}
	}
	if len(errs) > 0 {
		slices.SortFunc(errs, func(a, b fieldError) int { return strings.Compare(a.Loc[1], b.Loc[1]) })
		writeValidation(w, errs...)
		return
	}

	p, err := s.CreateUser(req, nil)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tk.RegisterResponse{
		ID:        p.ID,
		Email:     p.Email,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Message:   "User registered successfully",
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid form")
		return
	}
	username := r.PostForm.Get("username")
	password := r.PostForm.Get("password")
	var errs []fieldError
	if password == "" {
		errs = append(errs, missing("body", "password"))
	}
	if username == "" {
		errs = append(errs, missing("body", "username"))
	}
	if len(errs) > 0 {
		writeValidation(w, errs...)
		return
	}

	s.mu.Lock()
	u := s.users[s.byEmail[strings.ToLower(username)]]
	s.mu.Unlock()
	if u == nil || bcrypt.CompareHashAndPassword(u.passwordHash, []byte(password)) != nil {
		writeDetail(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	refresh, err := tk.GenerateSecureToken()
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	s.mu.Lock()
	access, err := s.issueAccessToken(u.ID, s.accessTTL)
	if err == nil {
		sess := &tk.SessionRecord{
			ID:           uuid.NewString(),
			UserID:       u.ID,
			RefreshToken: refresh,
			UserAgent:    r.UserAgent(),
			IPAddress:    clientIP(r),
			CreatedAt:    s.clock.Now().UTC(),
		}
		s.sessions[sess.ID] = sess
		s.byRefresh[refresh] = sess.ID
	}
	s.mu.Unlock()
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}

	hlog.FromRequest(r).Info().Str("user_id", u.ID).Msg("login")
	writeJSON(w, http.StatusOK, tk.TokenPair{AccessToken: access, RefreshToken: refresh, TokenType: "Bearer"})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.refreshCalls.Add(1)

	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeValidation(w, missing("body", "refresh_token"))
		return
	}

	s.mu.Lock()
	delay := s.refreshDelay
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.sessions[s.byRefresh[req.RefreshToken]]
	if sess == nil || sess.Revoked {
		writeDetail(w, http.StatusUnauthorized, "Invalid or revoked refresh token")
		return
	}
	if _, ok := s.users[sess.UserID]; !ok {
		writeDetail(w, http.StatusNotFound, "User not found")
		return
	}

	access, err := s.issueAccessToken(sess.UserID, s.refreshedTTL)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := tk.AccessToken{AccessToken: access, TokenType: "Bearer"}
	if s.rotate {
		next, err := tk.GenerateSecureToken()
		if err != nil {
			writeDetail(w, http.StatusInternalServerError, err.Error())
			return
		}
		delete(s.byRefresh, sess.RefreshToken)
		sess.RefreshToken = next
		s.byRefresh[next] = sess.ID
		resp.RefreshToken = next
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeValidation(w, missing("body", "refresh_token"))
		return
	}

	s.mu.Lock()
	if sess := s.sessions[s.byRefresh[req.RefreshToken]]; sess != nil {
		sess.Revoked = true
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, tk.Message{Message: "Logged out"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	p := s.users[userIDFrom(r.Context())].Principal
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) sessionsOfLocked(userID string) []tk.SessionRecord {
	out := []tk.SessionRecord{}
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			out = append(out, *sess)
		}
	}
	slices.SortFunc(out, func(a, b tk.SessionRecord) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := s.sessionsOfLocked(userIDFrom(r.Context()))
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	userID := userIDFrom(r.Context())

	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[id]
	if sess == nil || sess.UserID != userID {
		writeDetail(w, http.StatusNotFound, "Session not found")
		return
	}
	if sess.Revoked {
		writeDetail(w, http.StatusBadRequest, "Session already revoked")
		return
	}
	sess.Revoked = true
	writeJSON(w, http.StatusOK, tk.Message{Message: "Session revoked"})
}

func (s *Server) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	var update tk.PrincipalUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if update.Email != nil {
		if _, err := mail.ParseAddress(*update.Email); err != nil {
			writeDetail(w, http.StatusBadRequest, "invalid email")
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[userIDFrom(r.Context())]
	if update.Email != nil {
		email := strings.ToLower(*update.Email)
		if owner, taken := s.byEmail[email]; taken && owner != u.ID {
			writeDetail(w, http.StatusBadRequest, errDuplicateEmail.Error())
			return
		}
		delete(s.byEmail, u.Email)
		u.Email = email
		s.byEmail[email] = u.ID
	}
	if update.FirstName != nil {
		u.FirstName = *update.FirstName
	}
	if update.LastName != nil {
		u.LastName = *update.LastName
	}
	if update.PhoneNumber != nil {
		phone := *update.PhoneNumber
		u.PhoneNumber = &phone
	}
	u.UpdatedAt = s.clock.Now().UTC()
	writeJSON(w, http.StatusOK, u.Principal)
}

func (s *Server) handleDeleteMe(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())

	s.mu.Lock()
	u := s.users[userID]
	delete(s.users, userID)
	delete(s.byEmail, u.Email)
	for id, sess := range s.sessions {
		if sess.UserID == userID {
			delete(s.byRefresh, sess.RefreshToken)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, tk.Message{Message: "User deleted"})
}

func (s *Server) handleRequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req tk.PasswordResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if (req.Email == nil || *req.Email == "") && (req.PhoneNumber == nil || *req.PhoneNumber == "") {
		writeDetail(w, http.StatusBadRequest, "Email or phone number required")
		return
	}

	code, err := sixDigitCode()
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var u *user
	if req.Email != nil && *req.Email != "" {
		u = s.users[s.byEmail[strings.ToLower(*req.Email)]]
	} else {
		for _, candidate := range s.users {
			if candidate.PhoneNumber != nil && *candidate.PhoneNumber == *req.PhoneNumber {
				u = candidate
				break
			}
		}
	}
	if u == nil {
		writeDetail(w, http.StatusBadRequest, "No user found with these identifiers")
		return
	}
	if u.PhoneNumber == nil || *u.PhoneNumber == "" {
		writeDetail(w, http.StatusBadRequest, "This user has no phone number configured")
		return
	}

	for _, old := range s.resetCodes {
		if old.userID == u.ID {
			old.used = true
		}
	}
	if err := s.sender.SendResetCode(*u.PhoneNumber, code); err != nil {
		s.logger.Error().Err(err).Str("user_id", u.ID).Msg("failed to send reset code")
		writeDetail(w, http.StatusInternalServerError, "Failed to send verification code")
		return
	}
	s.resetCodes[code] = &resetCode{userID: u.ID, expiresAt: s.clock.Now().Add(ResetCodeTTL)}
	s.lastCode = code
	writeJSON(w, http.StatusOK, tk.PasswordResetResult{Success: true, Message: "A verification code has been sent by SMS"})
}

func (s *Server) handleVerifyResetCode(w http.ResponseWriter, r *http.Request) {
	var req tk.VerifyResetCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.NewPassword) < MinPasswordLength {
		writeDetail(w, http.StatusBadRequest, fmt.Sprintf("Password must be at least %d characters", MinPasswordLength))
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.MinCost)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to hash password")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rc := s.resetCodes[req.Code]
	if rc == nil || rc.used || s.clock.Now().After(rc.expiresAt) {
		writeDetail(w, http.StatusBadRequest, "Invalid or expired code")
		return
	}
	u := s.users[rc.userID]
	if u == nil {
		writeDetail(w, http.StatusBadRequest, "User not found")
		return
	}
	rc.used = true
	u.passwordHash = hash
	u.UpdatedAt = s.clock.Now().UTC()
	writeJSON(w, http.StatusOK, tk.PasswordResetResult{Success: true, Message: "Password reset successfully"})
}

func sixDigitCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// clientIP extracts the client IP from the request
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}
