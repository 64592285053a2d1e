package auth

import (
	"time"

	"parkgrid.io/internal/permission"
)

// DefaultProvider tags token records issued through the internal
// password+OTP flow, as opposed to an external identity provider.
const DefaultProvider = "parkgrid"

const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

// User is an operator or customer account. Role assignments live in the
// user_roles relation, issued tokens in issued_tokens; both hang off the
// user aggregate.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Provider     string    `json:"provider,omitempty"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// LoginProvider returns the provider namespace for the user's token records,
// falling back to DefaultProvider when no external login is linked.
func (u *User) LoginProvider() string {
	if u == nil || u.Provider == "" {
		return DefaultProvider
	}
	return u.Provider
}

// Role groups permission claims under a unique name.
type Role struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Claims      []permission.Flag `json:"claims,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// TokenKind distinguishes the three token records a user may hold per
// provider.
type TokenKind string

const (
	TokenAccess  TokenKind = "access"
	TokenRefresh TokenKind = "refresh"
	TokenOTP     TokenKind = "otp"
)

// IssuedToken is one row of the token store. At most one record exists per
// (UserID, Provider, Kind); re-issuing overwrites value and expiry.
type IssuedToken struct {
	UserID    string    `json:"user_id"`
	Provider  string    `json:"provider"`
	Kind      TokenKind `json:"kind"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenPair is the result of a successful login or refresh.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}
