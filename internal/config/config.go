package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ListenAddr string
	AppEnv     string
	BuildID    string
	GitSHA     string

	BackendURL        string
	BackendAnonKey    string
	BackendServiceKey string
	BackendJWTSecret  string
	BackendTimeout    time.Duration
	BreakerFailures   int
	BreakerOpen       time.Duration

	StoreMode      string
	StoreSQLDriver string
	StoreSQLDSN    string
	JournalDBPath  string

	RateLimitBackend   string
	RateLimitMax       int
	RateLimitWindow    time.Duration
	RedisURL           string
	GlobalRateLimitRPM int
	TrustProxy         bool
	CORSAllowedOrigins []string

	AcceptLegacyIsAdmin bool

	AvatarBucket   string
	AvatarMaxBytes int64

	LogLevel  string
	LogFormat string

	HTTPReadTimeoutSec       int
	HTTPReadHeaderTimeoutSec int
	HTTPWriteTimeoutSec      int
	HTTPIdleTimeoutSec       int
	ShutdownTimeoutSec       int
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func Load() (Config, error) {
	cfg := Config{
		ListenAddr:               env("LISTEN_ADDR", ":8080"),
		AppEnv:                   strings.ToLower(env("APP_ENV", "development")),
		BuildID:                  env("BUILD_ID", ""),
		GitSHA:                   env("GIT_SHA", ""),
		BackendURL:               strings.TrimRight(env("BACKEND_URL", ""), "/"),
		BackendAnonKey:           env("BACKEND_ANON_KEY", ""),
		BackendServiceKey:        env("BACKEND_SERVICE_KEY", ""),
		BackendJWTSecret:         env("BACKEND_JWT_SECRET", ""),
		BackendTimeout:           time.Duration(envInt("BACKEND_TIMEOUT_SEC", 10)) * time.Second,
		BreakerFailures:          envInt("BREAKER_FAILURES", 5),
		BreakerOpen:              time.Duration(envInt("BREAKER_OPEN_SEC", 30)) * time.Second,
		StoreMode:                strings.ToLower(env("STORE_MODE", "rest")),
		StoreSQLDriver:           strings.ToLower(env("STORE_SQL_DRIVER", "pgx")),
		StoreSQLDSN:              env("STORE_SQL_DSN", ""),
		JournalDBPath:            env("JOURNAL_DB_PATH", "./data/journal.db"),
		RateLimitBackend:         strings.ToLower(env("RATE_LIMIT_BACKEND", "memory")),
		RateLimitMax:             envInt("RATE_LIMIT_MAX", 20),
		RateLimitWindow:          time.Duration(envInt("RATE_LIMIT_WINDOW_MS", 60_000)) * time.Millisecond,
		RedisURL:                 env("REDIS_URL", ""),
		GlobalRateLimitRPM:       envInt("GLOBAL_RATE_LIMIT_RPM", 300),
		TrustProxy:               envBool("TRUST_PROXY", false),
		CORSAllowedOrigins:       envCSV("CORS_ALLOWED_ORIGINS"),
		AcceptLegacyIsAdmin:      envBool("AUTH_ACCEPT_LEGACY_IS_ADMIN", false),
		AvatarBucket:             env("AVATAR_BUCKET", "avatars"),
		AvatarMaxBytes:           int64(envInt("AVATAR_MAX_BYTES", 2<<20)),
		LogLevel:                 strings.ToLower(env("LOG_LEVEL", "info")),
		LogFormat:                strings.ToLower(env("LOG_FORMAT", "json")),
		HTTPReadTimeoutSec:       envInt("HTTP_READ_TIMEOUT_SEC", 10),
		HTTPReadHeaderTimeoutSec: envInt("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		HTTPWriteTimeoutSec:      envInt("HTTP_WRITE_TIMEOUT_SEC", 30),
		HTTPIdleTimeoutSec:       envInt("HTTP_IDLE_TIMEOUT_SEC", 60),
		ShutdownTimeoutSec:       envInt("SHUTDOWN_TIMEOUT_SEC", 15),
	}

	if cfg.BackendURL == "" {
		return Config{}, fmt.Errorf("BACKEND_URL is required")
	}
	if !strings.HasPrefix(cfg.BackendURL, "http://") && !strings.HasPrefix(cfg.BackendURL, "https://") {
		return Config{}, fmt.Errorf("BACKEND_URL must be an http(s) URL")
	}
	if strings.TrimSpace(cfg.BackendServiceKey) == "" {
		return Config{}, fmt.Errorf("BACKEND_SERVICE_KEY is required for server-side admin actions")
	}
	if cfg.BackendAnonKey == "" {
		cfg.BackendAnonKey = cfg.BackendServiceKey
	}
	if cfg.BackendTimeout <= 0 {
		return Config{}, fmt.Errorf("BACKEND_TIMEOUT_SEC must be positive")
	}
	if cfg.BreakerFailures <= 0 || cfg.BreakerOpen <= 0 {
		return Config{}, fmt.Errorf("invalid circuit breaker config")
	}
	switch cfg.StoreMode {
	case "rest":
	case "sql":
		switch cfg.StoreSQLDriver {
		case "pgx", "mysql", "sqlite":
		default:
			return Config{}, fmt.Errorf("STORE_SQL_DRIVER must be one of: pgx, mysql, sqlite")
		}
		if strings.TrimSpace(cfg.StoreSQLDSN) == "" {
			return Config{}, fmt.Errorf("STORE_SQL_DSN is required when STORE_MODE=sql")
		}
	default:
		return Config{}, fmt.Errorf("STORE_MODE must be one of: rest, sql")
	}
	if cfg.RateLimitMax <= 0 || cfg.RateLimitWindow <= 0 {
		return Config{}, fmt.Errorf("rate limit max and window must be positive")
	}
	switch cfg.RateLimitBackend {
	case "memory":
	case "redis":
		if strings.TrimSpace(cfg.RedisURL) == "" {
			return Config{}, fmt.Errorf("REDIS_URL is required when RATE_LIMIT_BACKEND=redis")
		}
	default:
		return Config{}, fmt.Errorf("RATE_LIMIT_BACKEND must be one of: memory, redis")
	}
	if cfg.GlobalRateLimitRPM < 0 {
		return Config{}, fmt.Errorf("GLOBAL_RATE_LIMIT_RPM must be >= 0")
	}
	if cfg.AvatarMaxBytes <= 0 {
		return Config{}, fmt.Errorf("AVATAR_MAX_BYTES must be positive")
	}
	switch cfg.LogFormat {
	case "json", "console":
	default:
		return Config{}, fmt.Errorf("LOG_FORMAT must be one of: json, console")
	}
	return cfg, nil
}

var (
	publicKeys = []string{"BACKEND_URL", "BACKEND_ANON_KEY", "APP_ENV"}
	serverKeys = []string{"BACKEND_SERVICE_KEY"}
)

// MissingEnv reports which required variables are unset for mode "public"
// (client-safe keys) or "server" (public plus the service key).
func MissingEnv(mode string) ([]string, error) {
	var required []string
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "public":
		required = publicKeys
	case "server":
		required = append(append([]string{}, publicKeys...), serverKeys...)
	default:
		return nil, fmt.Errorf("unknown env mode %q", mode)
	}
	var missing []string
	for _, k := range required {
		if strings.TrimSpace(os.Getenv(k)) == "" {
			missing = append(missing, k)
		}
	}
	return missing, nil
}

func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSec) * time.Second
}

func env(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return d
	}
	return n
}

func envBool(k string, d bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return d
	}
	return b
}

func envCSV(k string) []string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
