package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rpma-off/rpma-sync/internal/domain/syncop"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "rpmasync.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "RPMASYNC_PORT")
	setList(&cfg.Server.AllowedOrigins, "RPMASYNC_ALLOWED_ORIGINS")

	// Queue
	setString(&cfg.Queue.Backend, "RPMASYNC_QUEUE_BACKEND")
	setInt(&cfg.Queue.MaxRetries, "RPMASYNC_QUEUE_MAX_RETRIES")
	setDuration(&cfg.Queue.BaseDelay, "RPMASYNC_QUEUE_BASE_DELAY")
	setDuration(&cfg.Queue.MaxDelay, "RPMASYNC_QUEUE_MAX_DELAY")
	setString(&cfg.SQLite.Path, "RPMASYNC_SQLITE_PATH")
	setDuration(&cfg.SQLite.BusyTimeout, "RPMASYNC_SQLITE_BUSY_TIMEOUT")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "RPMASYNC_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "RPMASYNC_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "RPMASYNC_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "RPMASYNC_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "RPMASYNC_PG_HEALTH_CHECK")

	// Remote
	setString(&cfg.Remote.BaseURL, "RPMASYNC_REMOTE_URL")
	setString(&cfg.Remote.APIKey, "RPMASYNC_REMOTE_API_KEY")
	setDuration(&cfg.Remote.Timeout, "RPMASYNC_REMOTE_TIMEOUT")

	// Sync loop
	setDuration(&cfg.Sync.Interval, "RPMASYNC_SYNC_INTERVAL")
	setInt(&cfg.Sync.BatchSize, "RPMASYNC_SYNC_BATCH_SIZE")
	setString(&cfg.Sync.Strategy, "RPMASYNC_SYNC_STRATEGY")
	setDuration(&cfg.Sync.OperationTimeout, "RPMASYNC_SYNC_OPERATION_TIMEOUT")
	setDuration(&cfg.Sync.PurgeCompletedAfter, "RPMASYNC_SYNC_PURGE_AFTER")
	setDuration(&cfg.Sync.PurgeInterval, "RPMASYNC_SYNC_PURGE_INTERVAL")
	setBool(&cfg.Sync.AutoStart, "RPMASYNC_SYNC_AUTO_START")

	setInt(&cfg.Breaker.MaxFailures, "RPMASYNC_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "RPMASYNC_BREAKER_TIMEOUT")

	// Cache
	setDuration(&cfg.Cache.ExistsTTL, "RPMASYNC_CACHE_EXISTS_TTL")
	setInt64(&cfg.Cache.MaxCostBytes, "RPMASYNC_CACHE_MAX_COST_BYTES")
	setString(&cfg.Cache.Bucket, "RPMASYNC_CACHE_BUCKET")

	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Stream, "RPMASYNC_NATS_STREAM")

	// Logging
	setString(&cfg.Logging.Level, "RPMASYNC_LOG_LEVEL")
	setString(&cfg.Logging.Service, "RPMASYNC_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "RPMASYNC_LOG_ASYNC")
	setString(&cfg.Logging.File, "RPMASYNC_LOG_FILE")
	setInt(&cfg.Logging.MaxSizeMB, "RPMASYNC_LOG_MAX_SIZE_MB")
	setInt(&cfg.Logging.MaxBackups, "RPMASYNC_LOG_MAX_BACKUPS")
	setInt(&cfg.Logging.MaxAgeDays, "RPMASYNC_LOG_MAX_AGE_DAYS")
	setBool(&cfg.Logging.Compress, "RPMASYNC_LOG_COMPRESS")

	// OpenTelemetry
	setBool(&cfg.OTel.Enabled, "RPMASYNC_OTEL_ENABLED")
	setString(&cfg.OTel.Endpoint, "RPMASYNC_OTEL_ENDPOINT")
	setBool(&cfg.OTel.Insecure, "RPMASYNC_OTEL_INSECURE")
	setFloat64(&cfg.OTel.SampleRate, "RPMASYNC_OTEL_SAMPLE_RATE")
	setDuration(&cfg.OTel.MetricInterval, "RPMASYNC_OTEL_METRIC_INTERVAL")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	switch cfg.Queue.Backend {
	case BackendMemory:
	case BackendSQLite:
		if cfg.SQLite.Path == "" {
			return errors.New("sqlite.path is required for the sqlite backend")
		}
	case BackendPostgres:
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required for the postgres backend")
		}
		if cfg.Postgres.MaxConns < 1 {
			return errors.New("postgres.max_conns must be >= 1")
		}
	default:
		return fmt.Errorf("queue.backend %q is not one of memory, sqlite, postgres", cfg.Queue.Backend)
	}
	if cfg.Queue.MaxRetries < syncop.MinRetryBudget {
		return fmt.Errorf("queue.max_retries must be >= %d", syncop.MinRetryBudget)
	}
	if cfg.Remote.BaseURL == "" {
		return errors.New("remote.base_url is required")
	}
	if cfg.Sync.Interval <= 0 {
		return errors.New("sync.interval must be > 0")
	}
	if cfg.Sync.BatchSize < 1 {
		return errors.New("sync.batch_size must be >= 1")
	}
	if _, err := syncop.ParseStrategy(cfg.Sync.Strategy); err != nil {
		return fmt.Errorf("sync.strategy: %w", err)
	}
	for entity := range cfg.Remote.Tables {
		if _, err := syncop.ParseEntityType(entity); err != nil {
			return fmt.Errorf("remote.tables: %w", err)
		}
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	return nil
}

// EntityTables converts the remote table overrides to typed keys.
// Call after Load, which has validated them.
func (r Remote) EntityTables() map[syncop.EntityType]string {
	out := make(map[syncop.EntityType]string, len(r.Tables))
	for k, v := range r.Tables {
		out[syncop.EntityType(k)] = v
	}
	return out
}

// RetryPolicy returns the queue retry policy.
func (q Queue) RetryPolicy() syncop.RetryPolicy {
	return syncop.RetryPolicy{MaxRetries: q.MaxRetries, BaseDelay: q.BaseDelay, MaxDelay: q.MaxDelay}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setList(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		*dst = out
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
