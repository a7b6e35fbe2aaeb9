package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"openclip-auth/app"
	"openclip-auth/internal/config"
	"openclip-auth/internal/observability"
)

var (
	mu         sync.Mutex
	apiRuntime *app.Runtime

	build = app.Build
)

// Handler is the serverless entry point. Cleanup runs through the cron
// endpoint here, never in-process. A failed bootstrap is retried on the next
// invocation instead of poisoning the warm instance.
func Handler(w http.ResponseWriter, r *http.Request) {
	rt, err := loadRuntime()
	if err != nil {
		observability.NewLogger().Error("bootstrap_failed", map[string]any{"error": err.Error()})
		observability.CaptureError(r, err)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "application bootstrap failed"})
		return
	}

	rt.Handler.ServeHTTP(w, r)
}

func loadRuntime() (*app.Runtime, error) {
	mu.Lock()
	defer mu.Unlock()

	if apiRuntime != nil {
		return apiRuntime, nil
	}

	// The platform edge is the one proxy in front of every invocation.
	rt, err := build(app.Options{
		SkipMigrations: !config.EnvBoolOrDefault("RUN_MIGRATIONS_ON_STARTUP", false),
		ProxyHops:      1,
	})
	if err != nil {
		return nil, err
	}
	apiRuntime = rt
	return rt, nil
}
