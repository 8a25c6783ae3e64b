package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultDSN         = "host=localhost user=postgres password=postgres dbname=stokraf port=5432 sslmode=disable"
	defaultCORSOrigins = "http://localhost:5173"
)

type Config struct {
	HTTPPort       string
	DatabaseDriver string // postgres, sqlite, memory
	DatabaseDSN    string
	JWTSecret      string
	CORSOrigins    string
	LogLevel       string
	SeedDemo       bool

	// Stock ledger / reconciliation
	StoreTimeout           time.Duration
	LowStockThreshold      int
	PropagationConcurrency int

	// Audit batcher
	AuditBatchSize      int
	AuditFlushInterval  time.Duration
	AuditDebounceWindow time.Duration
	AuditMaxRetries     int
	AuditRetryDelay     time.Duration

	// Audit archive (S3 compatible, optional)
	AuditArchiveBucket    string
	AuditArchiveRegion    string
	AuditArchiveEndpoint  string
	AuditArchivePathStyle bool
	AuditArchiveAccessKey string // optional, falls back to the default AWS chain
	AuditArchiveSecretKey string

	// Coordinator
	PresenceInterval       time.Duration
	PresenceActivityWindow time.Duration
	ConflictWarningTTL     time.Duration
	EchoGuardWindow        time.Duration
	RecentUpdatesLimit     int
}

// Load reads the configuration from the environment. Insecure defaults are
// reported through Warnings instead of failing.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:       getEnv("HTTP_PORT", "8080"),
		DatabaseDriver: strings.ToLower(getEnv("DATABASE_DRIVER", "postgres")),
		DatabaseDSN:    getEnv("DATABASE_DSN", defaultDSN),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		CORSOrigins:    getEnv("CORS_ALLOWED_ORIGINS", defaultCORSOrigins),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		SeedDemo:       getEnvBool("SEED_DEMO", false),

		StoreTimeout:           getEnvDuration("STORE_TIMEOUT", 5*time.Second),
		LowStockThreshold:      getEnvInt("LOW_STOCK_THRESHOLD", 5),
		PropagationConcurrency: getEnvInt("PROPAGATION_CONCURRENCY", 10),

		AuditBatchSize:      getEnvInt("AUDIT_BATCH_SIZE", 10),
		AuditFlushInterval:  getEnvDuration("AUDIT_FLUSH_INTERVAL", 10*time.Second),
		AuditDebounceWindow: getEnvDuration("AUDIT_DEBOUNCE_WINDOW", 3*time.Second),
		AuditMaxRetries:     getEnvInt("AUDIT_MAX_RETRIES", 3),
		AuditRetryDelay:     getEnvDuration("AUDIT_RETRY_DELAY", time.Second),

		AuditArchiveBucket:    getEnv("AUDIT_ARCHIVE_BUCKET", ""),
		AuditArchiveRegion:    getEnv("AUDIT_ARCHIVE_REGION", "us-east-1"),
		AuditArchiveEndpoint:  getEnv("AUDIT_ARCHIVE_ENDPOINT", ""),
		AuditArchivePathStyle: getEnvBool("AUDIT_ARCHIVE_PATH_STYLE", false),
		AuditArchiveAccessKey: getEnv("AUDIT_ARCHIVE_ACCESS_KEY_ID", ""),
		AuditArchiveSecretKey: getEnv("AUDIT_ARCHIVE_SECRET_ACCESS_KEY", ""),

		PresenceInterval:       getEnvDuration("PRESENCE_INTERVAL", 15*time.Second),
		PresenceActivityWindow: getEnvDuration("PRESENCE_ACTIVITY_WINDOW", 60*time.Second),
		ConflictWarningTTL:     getEnvDuration("CONFLICT_WARNING_TTL", 5*time.Second),
		EchoGuardWindow:        getEnvDuration("ECHO_GUARD_WINDOW", 2*time.Second),
		RecentUpdatesLimit:     getEnvInt("RECENT_UPDATES_LIMIT", 20),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is not set")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}
	switch c.DatabaseDriver {
	case "postgres", "sqlite", "memory":
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	if c.AuditBatchSize <= 0 {
		return fmt.Errorf("AUDIT_BATCH_SIZE must be positive, got %d", c.AuditBatchSize)
	}
	if c.PropagationConcurrency <= 0 {
		return fmt.Errorf("PROPAGATION_CONCURRENCY must be positive, got %d", c.PropagationConcurrency)
	}
	if c.PresenceActivityWindow < c.PresenceInterval {
		return fmt.Errorf("PRESENCE_ACTIVITY_WINDOW (%s) must not be shorter than PRESENCE_INTERVAL (%s)",
			c.PresenceActivityWindow, c.PresenceInterval)
	}
	return nil
}

// Warnings lists settings that are fine for development but not for production.
func (c *Config) Warnings() []string {
	var out []string
	if c.DatabaseDriver == "postgres" && c.DatabaseDSN == defaultDSN {
		out = append(out, "DATABASE_DSN uses the default value, set your own Postgres connection for production")
	}
	if c.DatabaseDriver == "memory" {
		out = append(out, "DATABASE_DRIVER=memory keeps all data in process memory")
	}
	if c.CORSOrigins == defaultCORSOrigins {
		out = append(out, "CORS_ALLOWED_ORIGINS uses the default value, set your own domain for production")
	}
	return out
}

// CORSOriginList splits the comma separated origin list.
func (c *Config) CORSOriginList() []string {
	parts := strings.Split(c.CORSOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvBool(key string, def bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// getEnvDuration accepts Go duration strings ("3s", "250ms") or a plain
// number of milliseconds.
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}
