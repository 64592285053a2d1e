package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"parkgrid.io/internal/auth"
	"parkgrid.io/internal/permission"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db), mock
}

func TestUserStoreFindByEmail(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	cols := []string{"id", "email", "username", "password_hash", "provider", "status", "created_at", "updated_at"}
	mock.ExpectQuery("select id, email, username, password_hash, provider, status, created_at, updated_at.*from users").
		WithArgs("ana@example.com").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("u1", "ana@example.com", "ana", "hash", "", "active", now, now))

	user, err := store.Users(context.Background()).FindByEmail(context.Background(), "  Ana@Example.COM ")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if user.ID != "u1" || user.Username != "ana" {
		t.Fatalf("unexpected user: %+v", user)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUserStoreFindMissing(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select id, email, username, password_hash, provider, status, created_at, updated_at.*from users").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.Users(context.Background()).Find(context.Background(), "nope")
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTokenStoreUpsert(t *testing.T) {
	store, mock := newMockStore(t)
	exp := time.Now().Add(10 * time.Minute)

	mock.ExpectExec("insert into issued_tokens.*on conflict \\(user_id, provider, kind\\) do update").
		WithArgs("u1", "parkgrid", string(auth.TokenOTP), "123456", exp).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Tokens(context.Background()).Upsert(context.Background(), &auth.IssuedToken{
		UserID:    "u1",
		Provider:  "parkgrid",
		Kind:      auth.TokenOTP,
		Value:     "123456",
		ExpiresAt: exp,
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTokenStoreReplaceConflict(t *testing.T) {
	store, mock := newMockStore(t)
	exp := time.Now().Add(time.Hour)

	// No row matches the old value: someone else rotated first.
	mock.ExpectExec("update issued_tokens.*set value").
		WithArgs("u1", "parkgrid", string(auth.TokenRefresh), "old-token", "new-token", exp).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Tokens(context.Background()).Replace(context.Background(), "old-token", &auth.IssuedToken{
		UserID:    "u1",
		Provider:  "parkgrid",
		Kind:      auth.TokenRefresh,
		Value:     "new-token",
		ExpiresAt: exp,
	})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestTokenStoreReplaceWins(t *testing.T) {
	store, mock := newMockStore(t)
	exp := time.Now().Add(time.Hour)

	mock.ExpectExec("update issued_tokens.*set value").
		WithArgs("u1", "parkgrid", string(auth.TokenRefresh), "old-token", "new-token", exp).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Tokens(context.Background()).Replace(context.Background(), "old-token", &auth.IssuedToken{
		UserID:    "u1",
		Provider:  "parkgrid",
		Kind:      auth.TokenRefresh,
		Value:     "new-token",
		ExpiresAt: exp,
	})
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
}

func TestRoleClaimsBitCast(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery("select id, name, description, created_at, updated_at.*from roles").
		WithArgs("admins").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "created_at", "updated_at"}).
			AddRow("r1", "admins", nil, now, now))
	// Administrator is bit 63, stored as a negative bigint.
	adminBits := uint64(permission.Administrator)
	mock.ExpectQuery("select claim from role_claims").
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"claim"}).
			AddRow(int64(2)).
			AddRow(int64(adminBits)))

	claims, err := store.RoleClaims(context.Background(), "admins")
	if err != nil {
		t.Fatalf("RoleClaims: %v", err)
	}
	if len(claims) != 2 {
		t.Fatalf("expected 2 claims, got %v", claims)
	}
	if claims[1] != permission.Administrator {
		t.Fatalf("administrator bit did not survive the round trip: %x", uint64(claims[1]))
	}
}

func TestRoleClaimsUnknownRole(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select id, name, description, created_at, updated_at.*from roles").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.RoleClaims(context.Background(), "ghost")
	if !errors.Is(err, permission.ErrNotFound) {
		t.Fatalf("expected permission.ErrNotFound, got %v", err)
	}
}

func TestRolesForUser(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select r.name.*from user_roles ur.*join roles r").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("operators").AddRow("viewers"))

	names, err := store.RolesForUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("RolesForUser: %v", err)
	}
	if len(names) != 2 || names[0] != "operators" {
		t.Fatalf("unexpected roles: %v", names)
	}
}
