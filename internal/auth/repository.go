package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"openclip-auth/internal/storage"
)

const uniqueViolation = "23505"

const userColumns = `id, email, full_name, password_hash, roles, is_active, is_verified,
	storage_used, api_calls_count, created_at, updated_at, last_login_at`

// Repository is the postgres UserStore.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

func (r *Repository) WithClock(now func() time.Time) *Repository {
	r.now = now
	return r
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var user User
	var roles []byte
	var lastLogin sql.NullTime
	err := row.Scan(
		&user.ID, &user.Email, &user.FullName, &user.PasswordHash, &roles, &user.IsActive, &user.IsVerified,
		&user.StorageUsed, &user.APICallsCount, &user.CreatedAt, &user.UpdatedAt, &lastLogin,
	)
	if err != nil {
		return User{}, err
	}

	if len(roles) > 0 {
		if err := json.Unmarshal(roles, &user.Roles); err != nil {
			return User{}, fmt.Errorf("decode user roles: %w", err)
		}
	}
	user.CreatedAt = user.CreatedAt.UTC()
	user.UpdatedAt = user.UpdatedAt.UTC()
	if lastLogin.Valid {
		at := lastLogin.Time.UTC()
		user.LastLoginAt = &at
	}
	return user, nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, storage.Wrap("query user by id", err)
	}
	return user, nil
}

func (r *Repository) GetByEmail(ctx context.Context, email string) (User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, strings.ToLower(email)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, storage.Wrap("query user by email", err)
	}
	return user, nil
}

func (r *Repository) Create(ctx context.Context, user User) (User, error) {
	roles, err := encodeRoles(user.Roles)
	if err != nil {
		return User{}, err
	}

	now := r.now().UTC()
	created, err := scanUser(r.db.QueryRowContext(ctx, `
		INSERT INTO users (id, email, full_name, password_hash, roles, is_active, is_verified, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		RETURNING `+userColumns,
		user.ID, strings.ToLower(user.Email), user.FullName, user.PasswordHash, roles, user.IsActive, user.IsVerified, now,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, ErrEmailTaken
		}
		return User{}, storage.Wrap("insert user", err)
	}
	return created, nil
}

func (r *Repository) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	return r.execOne(ctx, "update user password", `
		UPDATE users SET password_hash = $2, updated_at = $3 WHERE id = $1
	`, id, passwordHash, r.now().UTC())
}

func (r *Repository) Activate(ctx context.Context, id string) error {
	return r.execOne(ctx, "activate user", `
		UPDATE users SET is_active = TRUE, is_verified = TRUE, updated_at = $2 WHERE id = $1
	`, id, r.now().UTC())
}

func (r *Repository) UpdateRoles(ctx context.Context, id string, roles []string) (User, error) {
	encoded, err := encodeRoles(roles)
	if err != nil {
		return User{}, err
	}

	user, err := scanUser(r.db.QueryRowContext(ctx, `
		UPDATE users SET roles = $2, updated_at = $3 WHERE id = $1
		RETURNING `+userColumns,
		id, encoded, r.now().UTC(),
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, storage.Wrap("update user roles", err)
	}
	return user, nil
}

func (r *Repository) TouchLogin(ctx context.Context, id string, at time.Time) error {
	return r.execOne(ctx, "update last login", `
		UPDATE users SET last_login_at = $2 WHERE id = $1
	`, id, at.UTC())
}

func (r *Repository) List(ctx context.Context, limit, offset int) ([]User, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		ORDER BY created_at ASC, id ASC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, storage.Wrap("list users", err)
	}
	defer rows.Close()

	users := make([]User, 0, limit)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, storage.Wrap("scan user", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Wrap("iterate users", err)
	}
	return users, nil
}

func (r *Repository) UpsertAdmin(ctx context.Context, user User) (User, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, storage.Wrap("begin admin bootstrap tx", err)
	}
	defer tx.Rollback()

	now := r.now().UTC()
	existing, err := scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1 FOR UPDATE`, strings.ToLower(user.Email)))
	var result User
	switch {
	case errors.Is(err, sql.ErrNoRows):
		roles, encErr := encodeRoles(user.Roles)
		if encErr != nil {
			return User{}, encErr
		}
		result, err = scanUser(tx.QueryRowContext(ctx, `
			INSERT INTO users (id, email, full_name, password_hash, roles, is_active, is_verified, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, TRUE, TRUE, $6, $6)
			RETURNING `+userColumns,
			user.ID, strings.ToLower(user.Email), user.FullName, user.PasswordHash, roles, now,
		))
		if err != nil {
			return User{}, storage.Wrap("insert admin user", err)
		}
	case err != nil:
		return User{}, storage.Wrap("select admin user", err)
	default:
		roles := existing.Roles
		if !existing.HasRole(RoleAdmin) {
			roles = append(roles, RoleAdmin)
		}
		encoded, encErr := encodeRoles(roles)
		if encErr != nil {
			return User{}, encErr
		}
		result, err = scanUser(tx.QueryRowContext(ctx, `
			UPDATE users
			SET password_hash = $2, roles = $3, is_active = TRUE, is_verified = TRUE, updated_at = $4
			WHERE id = $1
			RETURNING `+userColumns,
			existing.ID, user.PasswordHash, encoded, now,
		))
		if err != nil {
			return User{}, storage.Wrap("update admin user", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return User{}, storage.Wrap("commit admin bootstrap tx", err)
	}
	return result, nil
}

func (r *Repository) execOne(ctx context.Context, op, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storage.Wrap(op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storage.Wrap(op+" rows affected", err)
	}
	if affected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func encodeRoles(roles []string) (string, error) {
	if roles == nil {
		roles = []string{}
	}
	encoded, err := json.Marshal(roles)
	if err != nil {
		return "", fmt.Errorf("encode user roles: %w", err)
	}
	return string(encoded), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
