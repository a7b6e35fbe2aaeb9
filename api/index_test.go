package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"openclip-auth/app"
)

func stubBuild(t *testing.T, fn func(app.Options) (*app.Runtime, error)) {
	t.Helper()
	previous := build
	build = fn
	apiRuntime = nil
	t.Cleanup(func() {
		build = previous
		apiRuntime = nil
	})
}

func TestHandler_RetriesFailedBootstrap(t *testing.T) {
	calls := 0
	stubBuild(t, func(options app.Options) (*app.Runtime, error) {
		calls++
		assert.True(t, options.SkipMigrations)
		if calls == 1 {
			return nil, errors.New("database unreachable")
		}
		return &app.Runtime{
			Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			}),
			Close: func() error { return nil },
		}, nil
	})

	rec := httptest.NewRecorder()
	Handler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"application bootstrap failed"}`, rec.Body.String())

	for i := 0; i < 2; i++ {
		rec = httptest.NewRecorder()
		Handler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}
	assert.Equal(t, 2, calls)
}

func TestHandler_MigrationsOptIn(t *testing.T) {
	t.Setenv("RUN_MIGRATIONS_ON_STARTUP", "true")
	stubBuild(t, func(options app.Options) (*app.Runtime, error) {
		assert.False(t, options.SkipMigrations)
		return nil, errors.New("stop here")
	})

	rec := httptest.NewRecorder()
	Handler(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
