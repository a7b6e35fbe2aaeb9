package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"openclip-auth/internal/auth"
	"openclip-auth/internal/config"
	"openclip-auth/internal/lockout"
	"openclip-auth/internal/maintenance"
	"openclip-auth/internal/providerkey"
	"openclip-auth/internal/ratelimit"
	"openclip-auth/internal/revocation"
	"openclip-auth/internal/token"
)

// state holds the stores selected by STATE_BACKEND. Users, refresh tokens
// and provider keys are durable and live in postgres unless the whole
// process runs in memory; the ephemeral counters follow the backend.
type state struct {
	users    auth.UserStore
	refresh  token.RefreshStore
	registry revocation.Registry
	guard    lockout.Guard
	limiter  ratelimit.Limiter
	keys     providerkey.Store
	sweepers map[string]maintenance.Sweeper
}

func newState(cfg config.Config, database *sql.DB, redisClient *redis.Client) (state, error) {
	switch cfg.StateBackend {
	case config.BackendMemory:
		refresh := token.NewMemoryStore()
		registry := revocation.NewMemory()
		guard := lockout.NewMemory(cfg.Lockout)
		limiter := ratelimit.NewMemory()
		return state{
			users:    auth.NewMemoryUserStore(),
			refresh:  refresh,
			registry: registry,
			guard:    guard,
			limiter:  limiter,
			keys:     providerkey.NewMemoryStore(),
			sweepers: map[string]maintenance.Sweeper{
				"refresh_tokens": refresh,
				"revoked_tokens": registry,
				"login_attempts": guard,
				"rate_limits":    limiter,
			},
		}, nil

	case config.BackendPostgres, config.BackendRedis:
		if database == nil {
			return state{}, fmt.Errorf("%s state backend needs a database", cfg.StateBackend)
		}
		refresh := token.NewPostgresStore(database).WithRetention(cfg.Cleanup.RefreshRetention, cfg.Cleanup.BatchSize)
		s := state{
			users:    auth.NewRepository(database),
			refresh:  refresh,
			keys:     providerkey.NewPostgresStore(database),
			sweepers: map[string]maintenance.Sweeper{"refresh_tokens": refresh},
		}

		if cfg.StateBackend == config.BackendRedis {
			if redisClient == nil {
				return state{}, fmt.Errorf("redis state backend needs a redis client")
			}
			s.registry = revocation.NewRedis(redisClient, "")
			s.guard = lockout.NewRedis(redisClient, cfg.Lockout, "")
			s.limiter = ratelimit.NewRedis(redisClient, "")
			return s, nil
		}

		registry := revocation.NewPostgres(database)
		guard := lockout.NewPostgres(database, cfg.Lockout)
		limiter := ratelimit.NewPostgres(database).WithRetention(cfg.Cleanup.RateLimitRetention)
		s.registry = registry
		s.guard = guard
		s.limiter = limiter
		s.sweepers["revoked_tokens"] = registry
		s.sweepers["login_attempts"] = guard
		s.sweepers["rate_limits"] = limiter
		return s, nil

	default:
		return state{}, fmt.Errorf("unknown state backend %q", cfg.StateBackend)
	}
}

func openRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
