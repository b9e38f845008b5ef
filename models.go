package tokenkeeper

import (
	"time"

	"golang.org/x/oauth2"
)

// Storage keys of the credential pair. Stores that persist key/value pairs use
// these names so that the on-disk layout stays recognisable.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
)

// Credential is the access/refresh token pair held by a CredentialStore.
type Credential struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// HasAccessToken returns true if an access token is present
func (c *Credential) HasAccessToken() bool {
	return c != nil && c.AccessToken != ""
}

// HasRefreshToken returns true if a refresh token is available
func (c *Credential) HasRefreshToken() bool {
	return c != nil && c.RefreshToken != ""
}

// OAuth2Token converts the pair to an oauth2.Token. Expiry is filled from the
// access token's exp claim when it can be read, and left zero otherwise.
func (c *Credential) OAuth2Token() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  c.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: c.RefreshToken,
	}
	if exp, ok := AccessTokenExpiry(c.AccessToken); ok {
		tok.Expiry = exp
	}
	return tok
}

// Principal is the authenticated user as returned by GET /auth/me.
type Principal struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	FirstName   string    `json:"first_name"`
	LastName    string    `json:"last_name"`
	PhoneNumber *string   `json:"phone_number,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PrincipalUpdate is the partial body of PUT /users/me. Nil fields are left untouched.
type PrincipalUpdate struct {
	Email       *string `json:"email,omitempty"`
	FirstName   *string `json:"first_name,omitempty"`
	LastName    *string `json:"last_name,omitempty"`
	PhoneNumber *string `json:"phone_number,omitempty"`
}

// SessionRecord is one server-tracked login (one per device/browser).
type SessionRecord struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	RefreshToken string    `json:"refresh_token"`
	UserAgent    string    `json:"user_agent"`
	IPAddress    string    `json:"ip_address"`
	CreatedAt    time.Time `json:"created_at"`
	Revoked      bool      `json:"revoked"`
}

// TokenPair is the response of POST /auth/login.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

// AccessToken is the response of POST /auth/refresh. RefreshToken is only set
// by backends that rotate refresh tokens.
type AccessToken struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// RegisterRequest is the body of POST /auth/register.
type RegisterRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// RegisterResponse is the principal summary returned by POST /auth/register.
type RegisterResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is the generic {"message": ...} acknowledgement.
type Message struct {
	Message string `json:"message"`
}

// PasswordResetRequest asks for a reset code. One of Email or PhoneNumber is required.
type PasswordResetRequest struct {
	Email       *string `json:"email,omitempty"`
	PhoneNumber *string `json:"phone_number,omitempty"`
}

// PasswordResetResult is returned by both steps of the password reset flow.
type PasswordResetResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// VerifyResetCodeRequest completes the password reset flow.
type VerifyResetCodeRequest struct {
	Code        string `json:"code"`
	NewPassword string `json:"new_password"`
}
