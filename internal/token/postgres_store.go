package token

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"openclip-auth/internal/storage"
)

type PostgresStore struct {
	db        *sql.DB
	now       func() time.Time
	retention time.Duration
	batchSize int
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now, retention: 14 * 24 * time.Hour, batchSize: 500}
}

func (s *PostgresStore) WithClock(now func() time.Time) *PostgresStore {
	s.now = now
	return s
}

// WithRetention sets how long revoked records are kept for auditing before
// Sweep deletes them. Expired records are always deleted.
func (s *PostgresStore) WithRetention(retention time.Duration, batchSize int) *PostgresStore {
	if retention > 0 {
		s.retention = retention
	}
	if batchSize > 0 {
		s.batchSize = batchSize
	}
	return s
}

func (s *PostgresStore) Create(ctx context.Context, record Record) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate refresh token id: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO auth_refresh_tokens (id, user_id, token_hash, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, id.String(), record.SubjectID, hashToken(record.Token), record.CreatedAt.UTC(), record.ExpiresAt.UTC())
	if err != nil {
		return storage.Wrap("insert refresh token", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, rawToken string) (Record, error) {
	var record Record
	var revokedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, created_at, expires_at, revoked_at
		FROM auth_refresh_tokens
		WHERE token_hash = $1
	`, hashToken(rawToken)).Scan(&record.SubjectID, &record.CreatedAt, &record.ExpiresAt, &revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrRecordNotFound
		}
		return Record{}, storage.Wrap("read refresh token", err)
	}

	record.CreatedAt = record.CreatedAt.UTC()
	record.ExpiresAt = record.ExpiresAt.UTC()
	if revokedAt.Valid {
		record.RevokedAt = revokedAt.Time.UTC()
	}
	return record, nil
}

// Rotate revokes the old row with a conditional update before inserting the
// replacement. Concurrent rotations serialize on the row lock and all but
// the first see revoked_at set and match nothing.
func (s *PostgresStore) Rotate(ctx context.Context, oldToken string, next Record, now time.Time) error {
	newID, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate new refresh token id: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.Wrap("begin refresh rotation tx", err)
	}
	defer tx.Rollback()

	var subjectID string
	err = tx.QueryRowContext(ctx, `
		UPDATE auth_refresh_tokens
		SET revoked_at = $2, replaced_by = $3
		WHERE token_hash = $1
		  AND revoked_at IS NULL
		  AND expires_at > $2
		RETURNING user_id
	`, hashToken(oldToken), now.UTC(), newID.String()).Scan(&subjectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrRecordInactive
		}
		return storage.Wrap("revoke old refresh token", err)
	}
	if subjectID != next.SubjectID {
		return fmt.Errorf("rotate refresh token: subject mismatch")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO auth_refresh_tokens (id, user_id, token_hash, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, newID.String(), next.SubjectID, hashToken(next.Token), next.CreatedAt.UTC(), next.ExpiresAt.UTC())
	if err != nil {
		return storage.Wrap("insert rotated refresh token", err)
	}

	if err := tx.Commit(); err != nil {
		return storage.Wrap("commit refresh rotation tx", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAll(ctx context.Context, subjectID string, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE auth_refresh_tokens
		SET revoked_at = $2
		WHERE user_id = $1 AND revoked_at IS NULL
	`, subjectID, now.UTC())
	if err != nil {
		return 0, storage.Wrap("revoke refresh tokens", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, storage.Wrap("revoke refresh tokens rows affected", err)
	}
	return affected, nil
}

func (s *PostgresStore) Sweep(ctx context.Context) (int64, error) {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM auth_refresh_tokens
			WHERE expires_at < $1 OR (revoked_at IS NOT NULL AND revoked_at < $2)
			ORDER BY created_at ASC
			LIMIT $3
		)
		DELETE FROM auth_refresh_tokens t
		USING stale
		WHERE t.id = stale.id
	`, now, now.Add(-s.retention), s.batchSize)
	if err != nil {
		return 0, storage.Wrap("delete stale refresh tokens", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, storage.Wrap("stale refresh tokens rows affected", err)
	}
	return affected, nil
}
