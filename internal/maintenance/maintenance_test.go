package maintenance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openclip-auth/internal/observability"
	"openclip-auth/internal/revocation"
)

type fixedSweeper struct {
	deleted int64
	err     error
	calls   int
}

func (s *fixedSweeper) Sweep(context.Context) (int64, error) {
	s.calls++
	return s.deleted, s.err
}

func TestCleaner_RunsEverySweeper(t *testing.T) {
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	registry := revocation.NewMemory().WithClock(func() time.Time { return clock })
	require.NoError(t, registry.Revoke(context.Background(), "jti-1", time.Minute))
	clock = clock.Add(2 * time.Minute)

	refresh := &fixedSweeper{deleted: 3}
	cleaner := NewCleaner(nil, observability.NewMetrics()).
		Register("refresh_tokens", refresh).
		Register("revoked_tokens", registry)

	result, err := cleaner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"refresh_tokens": 3, "revoked_tokens": 1}, result.Deleted)
	assert.Empty(t, result.Failed)
}

func TestCleaner_ContinuesAfterFailure(t *testing.T) {
	broken := &fixedSweeper{err: assert.AnError}
	healthy := &fixedSweeper{deleted: 2}
	cleaner := NewCleaner(nil, nil).Register("lockouts", broken).Register("rate_limits", healthy)

	result, err := cleaner.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, []string{"lockouts"}, result.Failed)
	assert.Equal(t, int64(2), result.Deleted["rate_limits"])
	assert.Equal(t, 1, healthy.calls)
}

func serveCleanup(h *CleanupHandler, method, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/internal/maintenance/cleanup", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	h.Handle(rec, req)
	return rec
}

func TestCleanupHandler_Authorization(t *testing.T) {
	cleaner := NewCleaner(nil, nil).Register("refresh_tokens", &fixedSweeper{deleted: 1})

	disabled := NewCleanupHandler(cleaner, "")
	assert.Equal(t, http.StatusNotFound, serveCleanup(disabled, http.MethodPost, "Bearer anything").Code)

	h := NewCleanupHandler(cleaner, "cron-secret")
	assert.Equal(t, http.StatusUnauthorized, serveCleanup(h, http.MethodPost, "").Code)
	assert.Equal(t, http.StatusUnauthorized, serveCleanup(h, http.MethodPost, "Bearer wrong").Code)
	assert.Equal(t, http.StatusUnauthorized, serveCleanup(h, http.MethodPost, "Basic cron-secret").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, serveCleanup(h, http.MethodDelete, "Bearer cron-secret").Code)

	rec := serveCleanup(h, http.MethodGet, "Bearer cron-secret")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status string `json:"status"`
		Result Result `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, int64(1), body.Result.Deleted["refresh_tokens"])
}

func TestCleanupHandler_Failure(t *testing.T) {
	cleaner := NewCleaner(nil, nil).Register("lockouts", &fixedSweeper{err: assert.AnError})
	h := NewCleanupHandler(cleaner, "cron-secret")

	rec := serveCleanup(h, http.MethodPost, "Bearer cron-secret")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), assert.AnError.Error())
}

func TestScheduler_RejectsBadSpec(t *testing.T) {
	_, err := NewScheduler(NewCleaner(nil, nil), "every now and then", nil)
	assert.Error(t, err)
}

func TestScheduler_StopsWithContext(t *testing.T) {
	s, err := NewScheduler(NewCleaner(nil, nil), "@every 15m", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
