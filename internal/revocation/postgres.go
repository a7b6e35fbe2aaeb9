package revocation

import (
	"context"
	"database/sql"
	"time"

	"openclip-auth/internal/storage"
)

type Postgres struct {
	db        *sql.DB
	now       func() time.Time
	batchSize int
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, now: time.Now, batchSize: 500}
}

func (p *Postgres) WithClock(now func() time.Time) *Postgres {
	p.now = now
	return p
}

func (p *Postgres) Revoke(ctx context.Context, tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	now := p.now().UTC()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO auth_revoked_tokens (token_id, revoked_at, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_id)
		DO UPDATE SET expires_at = EXCLUDED.expires_at
	`, tokenID, now, now.Add(ttl))
	if err != nil {
		return storage.Wrap("insert revoked token", err)
	}
	return nil
}

func (p *Postgres) RevokeOnce(ctx context.Context, tokenID string, ttl time.Duration) (bool, error) {
	now := p.now().UTC()
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO auth_revoked_tokens (token_id, revoked_at, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_id)
		DO UPDATE SET revoked_at = EXCLUDED.revoked_at, expires_at = EXCLUDED.expires_at
		WHERE auth_revoked_tokens.expires_at <= EXCLUDED.revoked_at
	`, tokenID, now, now.Add(onceTTL(ttl)))
	if err != nil {
		return false, storage.Wrap("insert revoked token once", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, storage.Wrap("revoked token rows affected", err)
	}
	return affected == 1, nil
}

func (p *Postgres) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	var revoked bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM auth_revoked_tokens
			WHERE token_id = $1 AND expires_at > $2
		)
	`, tokenID, p.now().UTC()).Scan(&revoked)
	if err != nil {
		return false, storage.Wrap("query revoked token", err)
	}
	return revoked, nil
}

func (p *Postgres) Sweep(ctx context.Context) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT token_id
			FROM auth_revoked_tokens
			WHERE expires_at <= $1
			ORDER BY expires_at ASC
			LIMIT $2
		)
		DELETE FROM auth_revoked_tokens t
		USING stale
		WHERE t.token_id = stale.token_id
	`, p.now().UTC(), p.batchSize)
	if err != nil {
		return 0, storage.Wrap("delete stale revoked tokens", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, storage.Wrap("stale revoked tokens rows affected", err)
	}
	return affected, nil
}
