package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openclip-auth/internal/storage"
)

func newPostgresMock(t *testing.T) (*Postgres, sqlmock.Sqlmock, time.Time) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return NewPostgres(db).WithClock(func() time.Time { return now }), mock, now
}

func TestPostgres_AllowWithinLimit(t *testing.T) {
	limiter, mock, now := newPostgresMock(t)

	mock.ExpectQuery("INSERT INTO auth_rate_limits").
		WithArgs("login:ip1", now, now.Add(-time.Minute)).
		WillReturnRows(sqlmock.NewRows([]string{"hits", "window_started_at"}).AddRow(3, now.Add(-20*time.Second)))

	decision, err := limiter.Allow(context.Background(), "login:ip1", Policy{Limit: 10, Window: time.Minute})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, 7, decision.Remaining)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_DeniedReportsRetryAfter(t *testing.T) {
	limiter, mock, now := newPostgresMock(t)

	mock.ExpectQuery("INSERT INTO auth_rate_limits").
		WithArgs("login:ip1", now, now.Add(-time.Minute)).
		WillReturnRows(sqlmock.NewRows([]string{"hits", "window_started_at"}).AddRow(11, now.Add(-20*time.Second)))

	decision, err := limiter.Allow(context.Background(), "login:ip1", Policy{Limit: 10, Window: time.Minute})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, 40*time.Second, decision.RetryAfter)
}

func TestPostgres_AllowWrapsErrors(t *testing.T) {
	limiter, mock, _ := newPostgresMock(t)

	mock.ExpectQuery("INSERT INTO auth_rate_limits").WillReturnError(errors.New("timeout"))

	_, err := limiter.Allow(context.Background(), "login:ip1", Policy{Limit: 10, Window: time.Minute})
	require.Error(t, err)
	assert.True(t, storage.IsStorage(err))
}

func TestPostgres_Sweep(t *testing.T) {
	limiter, mock, now := newPostgresMock(t)
	limiter.WithRetention(10 * time.Minute)

	mock.ExpectExec("DELETE FROM auth_rate_limits").
		WithArgs(now.Add(-10*time.Minute), 500).
		WillReturnResult(sqlmock.NewResult(0, 4))

	removed, err := limiter.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), removed)
	assert.NoError(t, mock.ExpectationsWereMet())
}
