package pg

import (
	"context"
	"database/sql"
	"errors"

	"parkgrid.io/internal/auth"
)

type tokenStore struct {
	db *sql.DB
}

// Upsert keeps the at-most-one-record-per-(user, provider, kind) invariant
// in the primary key; re-issuing a token overwrites value and expiry.
func (t tokenStore) Upsert(ctx context.Context, tok *auth.IssuedToken) error {
	if tok == nil || tok.UserID == "" || tok.Provider == "" || tok.Kind == "" || tok.Value == "" {
		return auth.ErrInvalidInput
	}
	_, err := t.db.ExecContext(ctx, `
		insert into issued_tokens (user_id, provider, kind, value, expires_at)
		values ($1, $2, $3, $4, $5)
		on conflict (user_id, provider, kind) do update
		set value = excluded.value, expires_at = excluded.expires_at
	`, tok.UserID, tok.Provider, tok.Kind, tok.Value, tok.ExpiresAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return auth.ErrNotFound
		}
		return err
	}
	return nil
}

func (t tokenStore) Get(ctx context.Context, userID string, kind auth.TokenKind, provider string) (*auth.IssuedToken, error) {
	var tok auth.IssuedToken
	err := t.db.QueryRowContext(ctx, `
		select user_id, provider, kind, value, expires_at
		from issued_tokens
		where user_id = $1 and kind = $2 and provider = $3
	`, userID, kind, provider).Scan(&tok.UserID, &tok.Provider, &tok.Kind, &tok.Value, &tok.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

func (t tokenStore) FindByValue(ctx context.Context, kind auth.TokenKind, value string) (*auth.IssuedToken, error) {
	var tok auth.IssuedToken
	err := t.db.QueryRowContext(ctx, `
		select user_id, provider, kind, value, expires_at
		from issued_tokens
		where kind = $1 and value = $2
	`, kind, value).Scan(&tok.UserID, &tok.Provider, &tok.Kind, &tok.Value, &tok.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

// Replace is the conditional rotation update. The where clause pins the old
// value, so of two racing rotations only the first sees an affected row; the
// second gets ErrConflict and must treat its token as spent.
func (t tokenStore) Replace(ctx context.Context, oldValue string, tok *auth.IssuedToken) error {
	if tok == nil || oldValue == "" || tok.Value == "" {
		return auth.ErrInvalidInput
	}
	res, err := t.db.ExecContext(ctx, `
		update issued_tokens
		set value = $5, expires_at = $6
		where user_id = $1 and provider = $2 and kind = $3 and value = $4
	`, tok.UserID, tok.Provider, tok.Kind, oldValue, tok.Value, tok.ExpiresAt)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrConflict
	}
	return nil
}

func (t tokenStore) Remove(ctx context.Context, userID string, kind auth.TokenKind, provider string) error {
	_, err := t.db.ExecContext(ctx, `
		delete from issued_tokens
		where user_id = $1 and kind = $2 and provider = $3
	`, userID, kind, provider)
	return err
}

func (t tokenStore) RemoveAll(ctx context.Context, userID string, kind auth.TokenKind) error {
	_, err := t.db.ExecContext(ctx, `
		delete from issued_tokens where user_id = $1 and kind = $2
	`, userID, kind)
	return err
}
