package token

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

func newStoreMock(t *testing.T) (*PostgresStore, sqlmock.Sqlmock, time.Time) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return NewPostgresStore(db).WithClock(func() time.Time { return now }), mock, now
}

func TestPostgresStore_CreateStoresHash(t *testing.T) {
	store, mock, now := newStoreMock(t)

	mock.ExpectExec("INSERT INTO auth_refresh_tokens").
		WithArgs(sqlmock.AnyArg(), "user-1", hashToken("raw"), now, now.Add(time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Create(context.Background(), Record{Token: "raw", SubjectID: "user-1", CreatedAt: now, ExpiresAt: now.Add(time.Hour)})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get(t *testing.T) {
	store, mock, now := newStoreMock(t)

	mock.ExpectQuery("SELECT user_id, created_at, expires_at, revoked_at").
		WithArgs(hashToken("raw")).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "created_at", "expires_at", "revoked_at"}).
			AddRow("user-1", now, now.Add(time.Hour), nil))
	mock.ExpectQuery("SELECT user_id, created_at, expires_at, revoked_at").
		WithArgs(hashToken("missing")).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "created_at", "expires_at", "revoked_at"}))

	record, err := store.Get(context.Background(), "raw")
	require.NoError(t, err)
	assert.Equal(t, "user-1", record.SubjectID)
	assert.False(t, record.Revoked())

	_, err = store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRecordNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Rotate(t *testing.T) {
	store, mock, now := newStoreMock(t)
	next := Record{Token: "new", SubjectID: "user-1", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE auth_refresh_tokens").
		WithArgs(hashToken("old"), now, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("user-1"))
	mock.ExpectExec("INSERT INTO auth_refresh_tokens").
		WithArgs(sqlmock.AnyArg(), "user-1", hashToken("new"), now, now.Add(time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.Rotate(context.Background(), "old", next, now))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RotateLosesRace(t *testing.T) {
	store, mock, now := newStoreMock(t)
	next := Record{Token: "new", SubjectID: "user-1", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE auth_refresh_tokens").
		WithArgs(hashToken("old"), now, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}))
	mock.ExpectRollback()

	err := store.Rotate(context.Background(), "old", next, now)
	assert.ErrorIs(t, err, ErrRecordInactive)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RotateInsertFailureRollsBack(t *testing.T) {
	store, mock, now := newStoreMock(t)
	next := Record{Token: "new", SubjectID: "user-1", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE auth_refresh_tokens").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("user-1"))
	mock.ExpectExec("INSERT INTO auth_refresh_tokens").
		WillReturnError(errors.New("unique violation"))
	mock.ExpectRollback()

	err := store.Rotate(context.Background(), "old", next, now)
	require.Error(t, err)
	assert.True(t, storage.IsStorage(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RevokeAll(t *testing.T) {
	store, mock, now := newStoreMock(t)

	mock.ExpectExec("UPDATE auth_refresh_tokens").
		WithArgs("user-1", now).
		WillReturnResult(sqlmock.NewResult(0, 3))

	revoked, err := store.RevokeAll(context.Background(), "user-1", now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), revoked)
}

func TestPostgresStore_Sweep(t *testing.T) {
	store, mock, now := newStoreMock(t)
	store.WithRetention(24*time.Hour, 100)

	mock.ExpectExec("DELETE FROM auth_refresh_tokens").
		WithArgs(now, now.Add(-24*time.Hour), 100).
		WillReturnResult(sqlmock.NewResult(0, 9))

	removed, err := store.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(9), removed)
	assert.NoError(t, mock.ExpectationsWereMet())
}
