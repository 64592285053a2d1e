// Package pg is the Postgres persistence layer. It implements auth.Store
// and permission.RoleSource on top of database/sql with the pgx stdlib
// driver.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"parkgrid.io/internal/auth"
	"parkgrid.io/internal/ids"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

type Store struct {
	db *sql.DB
}

var _ auth.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing pool, used by tests with sqlmock.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Users(context.Context) auth.UserStore   { return userStore{db: s.db} }
func (s *Store) Roles(context.Context) auth.RoleStore   { return roleStore{db: s.db} }
func (s *Store) Tokens(context.Context) auth.TokenStore { return tokenStore{db: s.db} }

type userStore struct {
	db *sql.DB
}

func (u userStore) Create(ctx context.Context, user *auth.User) error {
	if user == nil {
		return auth.ErrInvalidInput
	}
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	user.Username = strings.TrimSpace(user.Username)
	if user.Email == "" || user.Username == "" || user.PasswordHash == "" {
		return auth.ErrInvalidInput
	}
	if user.ID == "" {
		user.ID = ids.New()
	}
	if user.Status == "" {
		user.Status = auth.UserStatusActive
	}
	row := u.db.QueryRowContext(ctx, `
		insert into users (id, email, username, password_hash, provider, status)
		values ($1, $2, $3, $4, $5, $6)
		returning created_at, updated_at
	`, user.ID, user.Email, user.Username, user.PasswordHash, user.Provider, user.Status)
	if err := row.Scan(&user.CreatedAt, &user.UpdatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (u userStore) Find(ctx context.Context, id string) (*auth.User, error) {
	return u.findBy(ctx, `id = $1`, id)
}

func (u userStore) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	return u.findBy(ctx, `email = $1`, strings.ToLower(strings.TrimSpace(email)))
}

func (u userStore) FindByUsername(ctx context.Context, username string) (*auth.User, error) {
	return u.findBy(ctx, `username = $1`, strings.TrimSpace(username))
}

func (u userStore) findBy(ctx context.Context, cond string, arg string) (*auth.User, error) {
	var user auth.User
	err := u.db.QueryRowContext(ctx, `
		select id, email, username, password_hash, provider, status, created_at, updated_at
		from users
		where `+cond,
		arg,
	).Scan(&user.ID, &user.Email, &user.Username, &user.PasswordHash, &user.Provider, &user.Status, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (u userStore) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	if passwordHash == "" {
		return auth.ErrInvalidInput
	}
	res, err := u.db.ExecContext(ctx, `
		update users set password_hash = $2, updated_at = now() where id = $1
	`, userID, passwordHash)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
