package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"openclip-auth/internal/auth"
	"openclip-auth/internal/config"
	"openclip-auth/internal/credential"
	"openclip-auth/internal/db"
	"openclip-auth/internal/maintenance"
	"openclip-auth/internal/observability"
	"openclip-auth/internal/providerkey"
	"openclip-auth/internal/secret"
	"openclip-auth/internal/token"
)

type Options struct {
	LoadDotEnv     bool
	SkipMigrations bool
	// Config replaces loading from the environment when set.
	Config *config.Config
	// ProxyHops applies when TRUSTED_PROXY_HOPS is unset.
	ProxyHops int
}

type Runtime struct {
	Config  config.Config
	Handler http.Handler
	Auth    *auth.Service
	Keys    *providerkey.Service
	Cleaner *maintenance.Cleaner
	Logger  *observability.Logger
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		config.LoadDotEnv()
	}

	var cfg config.Config
	if options.Config != nil {
		cfg = *options.Config
	} else {
		loaded, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	logger := observability.NewLogger()
	metrics := observability.NewMetrics()

	if err := observability.InitSentry(cfg.SentryDSN, cfg.AppEnv); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	ctx := context.Background()
	var closers []func() error
	closeAll := func() error {
		observability.FlushSentry()
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}
	fail := func(err error) (*Runtime, error) {
		_ = closeAll()
		return nil, err
	}

	var database *sql.DB
	if cfg.StateBackend != config.BackendMemory {
		opened, err := db.Open(ctx, cfg.DatabaseURL, cfg.DB)
		if err != nil {
			return fail(err)
		}
		database = opened
		closers = append(closers, database.Close)

		if cfg.RunMigrations && !options.SkipMigrations {
			applied, err := db.RunMigrations(ctx, database)
			if err != nil {
				return fail(fmt.Errorf("run migrations: %w", err))
			}
			if len(applied) > 0 {
				logger.Info("migrations_applied", map[string]any{"versions": applied})
			}
		}
	}

	var redisClient *redis.Client
	if cfg.StateBackend == config.BackendRedis {
		client, err := openRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fail(err)
		}
		redisClient = client
		closers = append(closers, redisClient.Close)
	}

	st, err := newState(cfg, database, redisClient)
	if err != nil {
		return fail(err)
	}

	vault, err := credential.NewVault(cfg.BcryptCost)
	if err != nil {
		return fail(fmt.Errorf("init credential vault: %w", err))
	}
	cipher, err := secret.New(cfg.MasterSecret)
	if err != nil {
		return fail(fmt.Errorf("init secret cipher: %w", err))
	}
	issuer, err := token.NewIssuer(cfg.MasterSecret, st.refresh, st.registry, cfg.Tokens)
	if err != nil {
		return fail(fmt.Errorf("init token issuer: %w", err))
	}

	var mailer auth.Mailer = auth.NewLogMailer(logger)
	if cfg.SMTP.Host != "" {
		mailer, err = auth.NewSMTPMailer(auth.SMTPOptions{
			Host:       cfg.SMTP.Host,
			Port:       cfg.SMTP.Port,
			Username:   cfg.SMTP.Username,
			Password:   cfg.SMTP.Password,
			From:       cfg.SMTP.FromEmail,
			FromName:   cfg.SMTP.FromName,
			RequireTLS: cfg.SMTP.RequireTLS,
			BaseURL:    cfg.PublicBaseURL,
		})
		if err != nil {
			return fail(err)
		}
	} else if cfg.Production() {
		logger.Warn("smtp_not_configured", map[string]any{"effect": "verification and reset emails are not delivered"})
	}

	authService, err := auth.NewService(auth.Dependencies{
		Users:      st.users,
		Vault:      vault,
		Policy:     cfg.Password,
		Issuer:     issuer,
		Guard:      st.guard,
		Limiter:    st.limiter,
		RateLimits: cfg.RateLimits,
		Mailer:     mailer,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		return fail(err)
	}

	if err := authService.BootstrapAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword); err != nil {
		return fail(fmt.Errorf("bootstrap admin: %w", err))
	}

	keyService := providerkey.NewService(st.keys, cipher, logger)

	cleaner := maintenance.NewCleaner(logger, metrics)
	names := make([]string, 0, len(st.sweepers))
	for name := range st.sweepers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cleaner.Register(name, st.sweepers[name])
	}
	cleanupHandler := maintenance.NewCleanupHandler(cleaner, cfg.Cleanup.CronSecret)

	mux := http.NewServeMux()
	auth.RegisterRoutes(mux, auth.NewHandler(authService, auth.HandlerOptions{
		SecureCookies: cfg.Production(),
		Logger:        logger,
	}), authService)
	providerkey.RegisterRoutes(mux, providerkey.NewHandler(keyService, logger), authService)
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(database, redisClient))
	mux.Handle("GET /metrics", metrics.Handler())

	var handler http.Handler = observability.RecoverMiddleware(logger, mux)
	handler = observability.SecurityHeadersMiddleware(cfg.Production(), handler)
	handler = observability.RequestLoggingMiddleware(logger, metrics, handler)
	handler = observability.ClientIPMiddleware(cfg.ProxyHops(options.ProxyHops), handler)

	logger.Info("runtime_ready", map[string]any{"state_backend": cfg.StateBackend, "env": cfg.AppEnv})
	return &Runtime{
		Config:  cfg,
		Handler: handler,
		Auth:    authService,
		Keys:    keyService,
		Cleaner: cleaner,
		Logger:  logger,
		Close:   closeAll,
	}, nil
}

func healthHandler(database *sql.DB, redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		checks := map[string]string{}
		if database != nil {
			checks["database"] = "ok"
			if err := database.PingContext(ctx); err != nil {
				checks["database"] = "unreachable"
				status = http.StatusServiceUnavailable
			}
		}
		if redisClient != nil {
			checks["redis"] = "ok"
			if err := redisClient.Ping(ctx).Err(); err != nil {
				checks["redis"] = "unreachable"
				status = http.StatusServiceUnavailable
			}
		}

		body := map[string]any{"status": "ok", "checks": checks, "time": time.Now().UTC().Format(time.RFC3339)}
		if status != http.StatusOK {
			body["status"] = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
