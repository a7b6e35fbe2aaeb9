package lockout

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"openclip-auth/internal/storage"
)

type Postgres struct {
	db        *sql.DB
	policy    Policy
	now       func() time.Time
	batchSize int
}

func NewPostgres(db *sql.DB, policy Policy) *Postgres {
	return &Postgres{db: db, policy: policy.normalized(), now: time.Now, batchSize: 500}
}

func (p *Postgres) WithClock(now func() time.Time) *Postgres {
	p.now = now
	return p
}

type attemptRow struct {
	failed      int
	first       time.Time
	last        time.Time
	lockedUntil sql.NullTime
}

// stale reports whether the row no longer affects the identifier: either the
// lock ran out or the streak went quiet for a full window.
func (p *Postgres) stale(row attemptRow, now time.Time) bool {
	if row.lockedUntil.Valid {
		return !now.Before(row.lockedUntil.Time)
	}
	return !now.Before(row.last.Add(p.policy.Duration))
}

// recordFailureSQL does the whole read-modify-write in one upsert. The SET
// arms all read the pre-update row, and concurrent callers for one
// identifier serialize on the conflicting row, so no failure is lost.
// $2 is now, $3 the threshold, $4 the lock expiry, $5 the quiet-streak cutoff.
const recordFailureSQL = `
	INSERT INTO auth_login_attempts (identifier, failed_attempts, first_attempt_at, last_attempt_at, locked_until)
	VALUES ($1, 1, $2::timestamptz, $2::timestamptz, CASE WHEN $3::int <= 1 THEN $4::timestamptz END)
	ON CONFLICT (identifier)
	DO UPDATE SET
		failed_attempts = CASE
			WHEN auth_login_attempts.locked_until > $2::timestamptz THEN auth_login_attempts.failed_attempts
			WHEN auth_login_attempts.locked_until <= $2::timestamptz
				OR (auth_login_attempts.locked_until IS NULL AND auth_login_attempts.last_attempt_at <= $5::timestamptz) THEN 1
			ELSE auth_login_attempts.failed_attempts + 1
		END,
		first_attempt_at = CASE
			WHEN auth_login_attempts.locked_until > $2::timestamptz THEN auth_login_attempts.first_attempt_at
			WHEN auth_login_attempts.locked_until <= $2::timestamptz
				OR (auth_login_attempts.locked_until IS NULL AND auth_login_attempts.last_attempt_at <= $5::timestamptz) THEN $2::timestamptz
			ELSE auth_login_attempts.first_attempt_at
		END,
		last_attempt_at = CASE
			WHEN auth_login_attempts.locked_until > $2::timestamptz THEN auth_login_attempts.last_attempt_at
			ELSE $2::timestamptz
		END,
		locked_until = CASE
			WHEN auth_login_attempts.locked_until > $2::timestamptz THEN auth_login_attempts.locked_until
			WHEN auth_login_attempts.locked_until <= $2::timestamptz
				OR (auth_login_attempts.locked_until IS NULL AND auth_login_attempts.last_attempt_at <= $5::timestamptz) THEN
				CASE WHEN $3::int <= 1 THEN $4::timestamptz END
			WHEN auth_login_attempts.failed_attempts + 1 >= $3::int THEN $4::timestamptz
		END
	RETURNING failed_attempts, first_attempt_at, last_attempt_at, locked_until
`

func (p *Postgres) RecordFailure(ctx context.Context, identifier string) (Status, error) {
	now := p.now().UTC()

	var row attemptRow
	err := p.db.QueryRowContext(ctx, recordFailureSQL,
		identifier, now, p.policy.Threshold, now.Add(p.policy.Duration), now.Add(-p.policy.Duration),
	).Scan(&row.failed, &row.first, &row.last, &row.lockedUntil)
	if err != nil {
		return Status{}, storage.Wrap("upsert failed login attempt", err)
	}

	return statusFor(p.policy, row.failed, row.first.UTC(), row.last.UTC(), row.lockedUntil.Time.UTC(), now), nil
}

func (p *Postgres) Check(ctx context.Context, identifier string) (Status, error) {
	now := p.now().UTC()

	var row attemptRow
	err := p.db.QueryRowContext(ctx, `
		SELECT failed_attempts, first_attempt_at, last_attempt_at, locked_until
		FROM auth_login_attempts
		WHERE identifier = $1
	`, identifier).Scan(&row.failed, &row.first, &row.last, &row.lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return statusFor(p.policy, 0, time.Time{}, time.Time{}, time.Time{}, now), nil
		}
		return Status{}, storage.Wrap("query login attempt", err)
	}

	if p.stale(row, now) {
		// Only a row that is still stale is removed, so a failure recorded
		// after the read survives.
		_, err := p.db.ExecContext(ctx, `
			DELETE FROM auth_login_attempts
			WHERE identifier = $1
			  AND ((locked_until IS NOT NULL AND locked_until <= $2)
			    OR (locked_until IS NULL AND last_attempt_at <= $3))
		`, identifier, now, now.Add(-p.policy.Duration))
		if err != nil {
			return Status{}, storage.Wrap("delete stale login attempt", err)
		}
		return statusFor(p.policy, 0, time.Time{}, time.Time{}, time.Time{}, now), nil
	}

	return statusFor(p.policy, row.failed, row.first.UTC(), row.last.UTC(), row.lockedUntil.Time.UTC(), now), nil
}

func (p *Postgres) Clear(ctx context.Context, identifier string) error {
	_, err := p.db.ExecContext(ctx, `
		DELETE FROM auth_login_attempts
		WHERE identifier = $1
	`, identifier)
	if err != nil {
		return storage.Wrap("reset login attempts", err)
	}
	return nil
}

func (p *Postgres) Sweep(ctx context.Context) (int64, error) {
	now := p.now().UTC()
	res, err := p.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT identifier
			FROM auth_login_attempts
			WHERE (locked_until IS NOT NULL AND locked_until <= $1)
			   OR (locked_until IS NULL AND last_attempt_at <= $2)
			ORDER BY last_attempt_at ASC
			LIMIT $3
		)
		DELETE FROM auth_login_attempts t
		USING stale
		WHERE t.identifier = stale.identifier
	`, now, now.Add(-p.policy.Duration), p.batchSize)
	if err != nil {
		return 0, storage.Wrap("delete stale login attempts", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, storage.Wrap("stale login attempts rows affected", err)
	}
	return affected, nil
}
