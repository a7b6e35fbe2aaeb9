// Package config reads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"openclip-auth/internal/credential"
	"openclip-auth/internal/lockout"
	"openclip-auth/internal/ratelimit"
	"openclip-auth/internal/token"
)

const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"

	minMasterSecretLength = 32
)

type DB struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

type Cleanup struct {
	CronSecret         string
	Schedule           string
	RefreshRetention   time.Duration
	RateLimitRetention time.Duration
	BatchSize          int
}

// SMTP is the mail relay for verification and password-reset emails. Mail
// is only logged, without tokens, while Host is empty.
type SMTP struct {
	Host       string
	Port       int
	Username   string
	Password   string
	FromEmail  string
	FromName   string
	RequireTLS bool
}

type Config struct {
	AppEnv        string
	Port          string
	PublicBaseURL string
	DatabaseURL   string
	RedisURL      string
	StateBackend  string
	MasterSecret  string
	SentryDSN     string
	RunMigrations bool

	// TrustedProxyHops is how many reverse proxies in front of the service
	// append to X-Forwarded-For. Negative means unset.
	TrustedProxyHops int

	DB         DB
	Tokens     token.TTLs
	BcryptCost int
	Password   credential.Policy
	Lockout    lockout.Policy
	RateLimits ratelimit.Policies
	Cleanup    Cleanup
	SMTP       SMTP

	AdminEmail    string
	AdminPassword string
}

func (c Config) Production() bool {
	return c.AppEnv == "production"
}

// ScheduledCleanup reports whether cmd/api should sweep in-process. Set
// CLEANUP_SCHEDULE=off when an external cron calls the cleanup endpoint.
func (c Config) ScheduledCleanup() bool {
	return !strings.EqualFold(c.Cleanup.Schedule, "off")
}

// ProxyHops returns the configured trusted proxy count, or fallback when
// TRUSTED_PROXY_HOPS was not set.
func (c Config) ProxyHops(fallback int) int {
	if c.TrustedProxyHops < 0 {
		return fallback
	}
	return c.TrustedProxyHops
}

// LoadDotEnv loads a .env file when one exists. Variables already set in the
// environment win.
func LoadDotEnv() {
	_ = godotenv.Load()
}

func Load() (Config, error) {
	cfg := Config{
		AppEnv:        envOrDefault("APP_ENV", "development"),
		Port:          envOrDefault("PORT", "8080"),
		PublicBaseURL: envOrDefault("APP_BASE_URL", "http://localhost:3000"),
		DatabaseURL:   strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RedisURL:      strings.TrimSpace(os.Getenv("REDIS_URL")),
		StateBackend:  strings.ToLower(envOrDefault("STATE_BACKEND", BackendPostgres)),
		MasterSecret:  os.Getenv("MASTER_SECRET"),
		SentryDSN:     os.Getenv("SENTRY_DSN"),
		RunMigrations: EnvBoolOrDefault("RUN_MIGRATIONS_ON_STARTUP", true),

		TrustedProxyHops: envHopsOrDefault("TRUSTED_PROXY_HOPS", -1),

		DB: DB{
			MaxOpenConns:    envIntOrDefault("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    envIntOrDefault("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30),
			ConnMaxIdleTime: envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10),
		},
		Tokens: token.TTLs{
			Access:            envMinutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", 30),
			Refresh:           envDaysOrDefault("REFRESH_TOKEN_TTL_DAYS", 30),
			PasswordReset:     envMinutesOrDefault("PASSWORD_RESET_TTL_MINUTES", 60),
			EmailVerification: envHoursOrDefault("EMAIL_VERIFICATION_TTL_HOURS", 48),
		},
		BcryptCost: envIntOrDefault("BCRYPT_COST", credential.DefaultCost),
		Password: credential.Policy{
			MinLength:      envIntOrDefault("PASSWORD_MIN_LENGTH", 8),
			MaxLength:      credential.DefaultPolicy().MaxLength,
			RequireUpper:   EnvBoolOrDefault("PASSWORD_REQUIRE_UPPERCASE", true),
			RequireLower:   EnvBoolOrDefault("PASSWORD_REQUIRE_LOWERCASE", true),
			RequireDigit:   EnvBoolOrDefault("PASSWORD_REQUIRE_DIGIT", true),
			RequireSpecial: EnvBoolOrDefault("PASSWORD_REQUIRE_SPECIAL", true),
		},
		Lockout: lockout.Policy{
			Threshold: envIntOrDefault("LOGIN_MAX_ATTEMPTS", 5),
			Duration:  envMinutesOrDefault("LOGIN_LOCK_MINUTES", 15),
		},
		Cleanup: Cleanup{
			CronSecret:         os.Getenv("CRON_SECRET"),
			Schedule:           envOrDefault("CLEANUP_SCHEDULE", "@every 15m"),
			RefreshRetention:   envDaysOrDefault("AUTH_REFRESH_TOKEN_RETENTION_DAYS", 14),
			RateLimitRetention: envMinutesOrDefault("AUTH_RATE_LIMIT_RETENTION_MINUTES", 60),
			BatchSize:          envIntOrDefault("AUTH_CLEANUP_BATCH_SIZE", 500),
		},
		SMTP: SMTP{
			Host:       strings.TrimSpace(os.Getenv("SMTP_HOST")),
			Port:       envIntOrDefault("SMTP_PORT", 587),
			Username:   strings.TrimSpace(os.Getenv("SMTP_USERNAME")),
			Password:   os.Getenv("SMTP_PASSWORD"),
			FromEmail:  strings.TrimSpace(os.Getenv("SMTP_FROM_EMAIL")),
			FromName:   envOrDefault("SMTP_FROM_NAME", "OpenClip"),
			RequireTLS: EnvBoolOrDefault("SMTP_REQUIRE_TLS", true),
		},
		AdminEmail:    strings.TrimSpace(os.Getenv("ADMIN_EMAIL")),
		AdminPassword: os.Getenv("ADMIN_PASSWORD"),
	}

	policies := ratelimit.DefaultPolicies()
	var err error
	if policies.Register, err = envPolicyOrDefault("RATE_LIMIT_REGISTER", policies.Register); err != nil {
		return Config{}, err
	}
	if policies.Login, err = envPolicyOrDefault("RATE_LIMIT_LOGIN", policies.Login); err != nil {
		return Config{}, err
	}
	if policies.PasswordReset, err = envPolicyOrDefault("RATE_LIMIT_PASSWORD_RESET", policies.PasswordReset); err != nil {
		return Config{}, err
	}
	cfg.RateLimits = policies

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error

	if len(c.MasterSecret) < minMasterSecretLength {
		errs = append(errs, fmt.Errorf("MASTER_SECRET must be at least %d bytes", minMasterSecretLength))
	}

	switch c.StateBackend {
	case BackendPostgres:
	case BackendRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("missing required env: REDIS_URL"))
		}
	case BackendMemory:
		if c.Production() {
			errs = append(errs, errors.New("STATE_BACKEND=memory is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STATE_BACKEND %q", c.StateBackend))
	}

	if c.StateBackend != BackendMemory && c.DatabaseURL == "" {
		errs = append(errs, errors.New("missing required env: DATABASE_URL"))
	}

	if longest := c.RateLimits.Longest(); c.Cleanup.RateLimitRetention > 0 && c.Cleanup.RateLimitRetention < longest {
		errs = append(errs, fmt.Errorf("AUTH_RATE_LIMIT_RETENTION_MINUTES must cover the longest rate-limit window (%s)", longest))
	}

	if c.SMTP.Host != "" && c.SMTP.FromEmail == "" {
		errs = append(errs, errors.New("missing required env: SMTP_FROM_EMAIL"))
	}

	if (c.AdminEmail == "") != (c.AdminPassword == "") {
		errs = append(errs, errors.New("ADMIN_EMAIL and ADMIN_PASSWORD are required together"))
	}

	return errors.Join(errs...)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envHopsOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func envPolicyOrDefault(name string, fallback ratelimit.Policy) (ratelimit.Policy, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback, nil
	}
	policy, err := ratelimit.ParsePolicy(value)
	if err != nil {
		return ratelimit.Policy{}, fmt.Errorf("%s: %w", name, err)
	}
	return policy, nil
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
