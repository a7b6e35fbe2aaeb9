package providerkey

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"openclip-auth/internal/storage"
)

type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

func (s *PostgresStore) WithClock(now func() time.Time) *PostgresStore {
	s.now = now
	return s
}

func (s *PostgresStore) Put(ctx context.Context, key Key) (Key, error) {
	var updatedBy sql.NullString
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO provider_keys (provider, ciphertext, key_prefix, updated_by, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $5)
		ON CONFLICT (provider)
		DO UPDATE SET
			ciphertext = EXCLUDED.ciphertext,
			key_prefix = EXCLUDED.key_prefix,
			updated_by = EXCLUDED.updated_by,
			updated_at = EXCLUDED.updated_at
		RETURNING provider, ciphertext, key_prefix, updated_by, created_at, updated_at
	`, key.Provider, key.Ciphertext, key.Prefix, key.UpdatedBy, s.now().UTC()).Scan(
		&key.Provider, &key.Ciphertext, &key.Prefix, &updatedBy, &key.CreatedAt, &key.UpdatedAt,
	)
	if err != nil {
		return Key{}, storage.Wrap("upsert provider key", err)
	}
	key.UpdatedBy = updatedBy.String
	return normalizeTimes(key), nil
}

func (s *PostgresStore) Get(ctx context.Context, provider string) (Key, error) {
	var key Key
	var updatedBy sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT provider, ciphertext, key_prefix, updated_by, created_at, updated_at
		FROM provider_keys
		WHERE provider = $1
	`, provider).Scan(&key.Provider, &key.Ciphertext, &key.Prefix, &updatedBy, &key.CreatedAt, &key.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Key{}, ErrNotFound
		}
		return Key{}, storage.Wrap("query provider key", err)
	}
	key.UpdatedBy = updatedBy.String
	return normalizeTimes(key), nil
}

// List never selects ciphertext; summaries are all its callers need.
func (s *PostgresStore) List(ctx context.Context) ([]Key, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider, key_prefix, updated_by, created_at, updated_at
		FROM provider_keys
		ORDER BY provider ASC
	`)
	if err != nil {
		return nil, storage.Wrap("list provider keys", err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var key Key
		var updatedBy sql.NullString
		if err := rows.Scan(&key.Provider, &key.Prefix, &updatedBy, &key.CreatedAt, &key.UpdatedAt); err != nil {
			return nil, storage.Wrap("scan provider key", err)
		}
		key.UpdatedBy = updatedBy.String
		keys = append(keys, normalizeTimes(key))
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Wrap("iterate provider keys", err)
	}
	return keys, nil
}

func (s *PostgresStore) Delete(ctx context.Context, provider string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM provider_keys WHERE provider = $1`, provider)
	if err != nil {
		return storage.Wrap("delete provider key", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storage.Wrap("delete provider key rows affected", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func normalizeTimes(key Key) Key {
	key.CreatedAt = key.CreatedAt.UTC()
	key.UpdatedAt = key.UpdatedAt.UTC()
	return key
}
