package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"parkgrid.io/internal/auth"
	"parkgrid.io/internal/ids"
	"parkgrid.io/internal/permission"
)

// Claim flags are uint64 bitmasks but Postgres bigint is signed, so values
// round-trip through an int64 bit-cast. The administrator bit (1<<63) maps
// to a negative bigint and back without loss.

var _ permission.RoleSource = (*Store)(nil)

type roleStore struct {
	db *sql.DB
}

func (r roleStore) Create(ctx context.Context, role *auth.Role) error {
	if role == nil {
		return auth.ErrInvalidInput
	}
	role.Name = strings.TrimSpace(role.Name)
	if role.Name == "" {
		return auth.ErrInvalidInput
	}
	if role.ID == "" {
		role.ID = ids.New()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		insert into roles (id, name, description)
		values ($1, $2, $3)
		returning created_at, updated_at
	`, role.ID, role.Name, nullIfEmpty(role.Description))
	if err := row.Scan(&role.CreatedAt, &role.UpdatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.ErrAlreadyExists
		}
		return err
	}
	for _, claim := range role.Claims {
		if _, err := tx.ExecContext(ctx, `
			insert into role_claims (role_id, claim) values ($1, $2)
			on conflict do nothing
		`, role.ID, int64(claim)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r roleStore) RoleByName(ctx context.Context, name string, includeClaims bool) (*auth.Role, error) {
	var (
		role auth.Role
		desc sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `
		select id, name, description, created_at, updated_at
		from roles
		where name = $1
	`, strings.TrimSpace(name)).Scan(&role.ID, &role.Name, &desc, &role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if desc.Valid {
		role.Description = desc.String
	}
	if includeClaims {
		claims, err := r.claimsForRole(ctx, role.ID)
		if err != nil {
			return nil, err
		}
		role.Claims = claims
	}
	return &role, nil
}

func (r roleStore) claimsForRole(ctx context.Context, roleID string) ([]permission.Flag, error) {
	rows, err := r.db.QueryContext(ctx, `
		select claim from role_claims where role_id = $1 order by claim
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claims []permission.Flag
	for rows.Next() {
		var raw int64
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		claims = append(claims, permission.Flag(uint64(raw)))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return claims, nil
}

func (r roleStore) RolesForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		select r.name
		from user_roles ur
		join roles r on r.id = ur.role_id
		where ur.user_id = $1
		order by r.name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return names, nil
}

func (r roleStore) UsersForRole(ctx context.Context, roleID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		select user_id from user_roles where role_id = $1
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (r roleStore) Assign(ctx context.Context, userID, roleID string) error {
	_, err := r.db.ExecContext(ctx, `
		insert into user_roles (user_id, role_id)
		values ($1, $2)
		on conflict (user_id, role_id) do nothing
	`, userID, roleID)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return auth.ErrNotFound
		}
		return err
	}
	return nil
}

func (r roleStore) Unassign(ctx context.Context, userID, roleID string) error {
	res, err := r.db.ExecContext(ctx, `
		delete from user_roles where user_id = $1 and role_id = $2
	`, userID, roleID)
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

func (r roleStore) SetClaims(ctx context.Context, roleID string, claims []permission.Flag) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `select 1 from roles where id = $1`, roleID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return auth.ErrNotFound
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from role_claims where role_id = $1`, roleID); err != nil {
		return err
	}
	for _, claim := range claims {
		if _, err := tx.ExecContext(ctx, `
			insert into role_claims (role_id, claim) values ($1, $2)
			on conflict do nothing
		`, roleID, int64(claim)); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `update roles set updated_at = now() where id = $1`, roleID); err != nil {
		return err
	}
	return tx.Commit()
}

// RolesForUser satisfies permission.RoleSource directly on the Store so the
// resolver does not need to know about the sub-store split.
func (s *Store) RolesForUser(ctx context.Context, userID string) ([]string, error) {
	return roleStore{db: s.db}.RolesForUser(ctx, userID)
}

// RoleClaims returns the claims attached to the named role, or
// permission.ErrNotFound when the role does not exist.
func (s *Store) RoleClaims(ctx context.Context, name string) ([]permission.Flag, error) {
	role, err := roleStore{db: s.db}.RoleByName(ctx, name, true)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return nil, permission.ErrNotFound
		}
		return nil, err
	}
	return role.Claims, nil
}
