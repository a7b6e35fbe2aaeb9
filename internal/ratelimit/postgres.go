package ratelimit

import (
	"context"
	"database/sql"
	"time"

	"openclip-auth/internal/storage"
)

type Postgres struct {
	db        *sql.DB
	now       func() time.Time
	retention time.Duration
	batchSize int
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, now: time.Now, retention: time.Hour, batchSize: 500}
}

func (p *Postgres) WithClock(now func() time.Time) *Postgres {
	p.now = now
	return p
}

// WithRetention sets how long an idle window row is kept before Sweep
// removes it. It must be at least the longest configured window.
func (p *Postgres) WithRetention(retention time.Duration) *Postgres {
	if retention > 0 {
		p.retention = retention
	}
	return p
}

func (p *Postgres) Allow(ctx context.Context, key string, policy Policy) (Decision, error) {
	now := p.now().UTC()
	threshold := now.Add(-policy.Window)

	var hits int
	var windowStartedAt time.Time
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO auth_rate_limits (key, window_started_at, hits, updated_at)
		VALUES ($1, $2, 1, $2)
		ON CONFLICT (key) DO UPDATE
		SET
			hits = CASE
				WHEN auth_rate_limits.window_started_at <= $3 THEN 1
				ELSE auth_rate_limits.hits + 1
			END,
			window_started_at = CASE
				WHEN auth_rate_limits.window_started_at <= $3 THEN $2
				ELSE auth_rate_limits.window_started_at
			END,
			updated_at = $2
		RETURNING hits, window_started_at
	`, key, now, threshold).Scan(&hits, &windowStartedAt)
	if err != nil {
		return Decision{}, storage.Wrap("upsert rate limit window", err)
	}

	return decide(policy, hits, windowStartedAt.UTC().Add(policy.Window), now), nil
}

func (p *Postgres) Sweep(ctx context.Context) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT key
			FROM auth_rate_limits
			WHERE updated_at < $1
			ORDER BY updated_at ASC
			LIMIT $2
		)
		DELETE FROM auth_rate_limits t
		USING stale
		WHERE t.key = stale.key
	`, p.now().UTC().Add(-p.retention), p.batchSize)
	if err != nil {
		return 0, storage.Wrap("delete stale rate limit windows", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, storage.Wrap("stale rate limit rows affected", err)
	}
	return affected, nil
}
