package auth

import (
	"context"

	"parkgrid.io/internal/permission"
)

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Users(ctx context.Context) UserStore
	Roles(ctx context.Context) RoleStore
	Tokens(ctx context.Context) TokenStore
}

// UserStore manages user accounts.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByUsername(ctx context.Context, username string) (*User, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
}

// RoleStore manages roles, their claims and user assignments.
type RoleStore interface {
	Create(ctx context.Context, role *Role) error
	RoleByName(ctx context.Context, name string, includeClaims bool) (*Role, error)
	RolesForUser(ctx context.Context, userID string) ([]string, error)
	// UsersForRole lists user ids holding the role, used to evict cached
	// permission sets when the role's claims change.
	UsersForRole(ctx context.Context, roleID string) ([]string, error)
	Assign(ctx context.Context, userID, roleID string) error
	Unassign(ctx context.Context, userID, roleID string) error
	SetClaims(ctx context.Context, roleID string, claims []permission.Flag) error
}

// TokenStore manages issued tokens. Implementations must keep at most one
// record per (userID, provider, kind).
type TokenStore interface {
	// Upsert inserts the record or overwrites value/expiry of an existing one.
	Upsert(ctx context.Context, tok *IssuedToken) error
	// Get returns the record or ErrNotFound.
	Get(ctx context.Context, userID string, kind TokenKind, provider string) (*IssuedToken, error)
	// FindByValue resolves a record by its opaque value, used to locate the
	// owner of a presented refresh token.
	FindByValue(ctx context.Context, kind TokenKind, value string) (*IssuedToken, error)
	// Replace overwrites the record only if its current value equals
	// oldValue; otherwise it returns ErrConflict. This is the conditional
	// update that makes refresh rotation race-safe.
	Replace(ctx context.Context, oldValue string, tok *IssuedToken) error
	// Remove deletes the record. Removing an absent record is not an error.
	Remove(ctx context.Context, userID string, kind TokenKind, provider string) error
	// RemoveAll deletes every record of the kind across providers.
	RemoveAll(ctx context.Context, userID string, kind TokenKind) error
}
