package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "edmas.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	path := DefaultConfigFile
	if p := os.Getenv("EDMAS_CONFIG"); p != "" {
		path = p
	}
	return LoadFrom(path)
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
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from operator config
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
	setString(&cfg.Server.Port, "EDMAS_PORT")
	setString(&cfg.Server.CORSOrigin, "EDMAS_CORS_ORIGIN")
	setDuration(&cfg.Server.IdempotencyTTL, "EDMAS_IDEMPOTENCY_TTL")
	setFloat(&cfg.Server.InboxRate, "EDMAS_INBOX_RATE")
	setInt(&cfg.Server.InboxBurst, "EDMAS_INBOX_BURST")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "EDMAS_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "EDMAS_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "EDMAS_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "EDMAS_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "EDMAS_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")

	// Store
	setString(&cfg.Store.Backend, "EDMAS_STORE_BACKEND")
	setString(&cfg.Store.ProjectID, "EDMAS_STORE_PROJECT_ID")
	setString(&cfg.Store.CredentialsPath, "EDMAS_STORE_CREDENTIALS_PATH")
	setString(&cfg.Store.Bucket, "EDMAS_STORE_BUCKET")

	// Cache
	setBool(&cfg.Cache.Enabled, "EDMAS_CACHE_ENABLED")
	setInt64(&cfg.Cache.L1MaxSizeMB, "EDMAS_CACHE_L1_SIZE_MB")
	setDuration(&cfg.Cache.L1TTL, "EDMAS_CACHE_L1_TTL")
	setString(&cfg.Cache.L2Bucket, "EDMAS_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "EDMAS_CACHE_L2_TTL")

	setString(&cfg.Logging.Level, "EDMAS_LOG_LEVEL")
	setString(&cfg.Logging.Service, "EDMAS_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "EDMAS_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "EDMAS_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "EDMAS_BREAKER_TIMEOUT")

	// Agents
	setDuration(&cfg.Agents.HeartbeatInterval, "EDMAS_HEARTBEAT_INTERVAL")
	setDuration(&cfg.Agents.HeartbeatTimeout, "EDMAS_HEARTBEAT_TIMEOUT")
	setInt(&cfg.Agents.MaxConsecutiveErrors, "EDMAS_MAX_CONSECUTIVE_ERRORS")
	setDuration(&cfg.Agents.SweepInterval, "EDMAS_SWEEP_INTERVAL")
	setInt(&cfg.Agents.MaxConcurrent, "EDMAS_MAX_CONCURRENT_HEARTBEATS")
	setDuration(&cfg.Agents.Retention, "EDMAS_RETENTION")

	// OTEL
	setBool(&cfg.OTEL.Enabled, "EDMAS_OTEL_ENABLED")
	setString(&cfg.OTEL.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setBool(&cfg.OTEL.Insecure, "EDMAS_OTEL_INSECURE")
	setString(&cfg.OTEL.ServiceName, "OTEL_SERVICE_NAME")
	setDuration(&cfg.OTEL.MetricInterval, "EDMAS_OTEL_METRIC_INTERVAL")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Server.InboxBurst > 0 && cfg.Server.InboxRate <= 0 {
		return errors.New("server.inbox_rate must be > 0 when server.inbox_burst is set")
	}
	switch cfg.Store.Backend {
	case "postgres":
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required")
		}
		if cfg.Postgres.MaxConns < 1 {
			return errors.New("postgres.max_conns must be >= 1")
		}
	case "nats":
		if cfg.Store.Bucket == "" {
			return errors.New("store.bucket is required for the nats backend")
		}
	case "memory":
	default:
		return fmt.Errorf("store.backend %q is not one of postgres, nats, memory", cfg.Store.Backend)
	}
	if cfg.Store.ProjectID == "" {
		return errors.New("store.project_id is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Agents.HeartbeatInterval <= 0 {
		return errors.New("agents.heartbeat_interval must be > 0")
	}
	if cfg.Agents.HeartbeatTimeout > 0 && cfg.Agents.HeartbeatTimeout <= cfg.Agents.HeartbeatInterval {
		return errors.New("agents.heartbeat_timeout must exceed agents.heartbeat_interval")
	}
	if cfg.Agents.MaxConsecutiveErrors < 1 {
		return errors.New("agents.max_consecutive_errors must be >= 1")
	}
	if cfg.Agents.SweepInterval <= 0 {
		return errors.New("agents.sweep_interval must be > 0")
	}
	if cfg.Cache.Enabled && cfg.Cache.L1MaxSizeMB < 1 {
		return errors.New("cache.l1_max_size_mb must be >= 1")
	}
	seen := make(map[string]bool, len(cfg.Agents.Bootstrap))
	for i, a := range cfg.Agents.Bootstrap {
		if a.ID == "" {
			continue
		}
		if seen[a.ID] {
			return fmt.Errorf("agents.bootstrap[%d]: duplicate id %q", i, a.ID)
		}
		seen[a.ID] = true
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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
