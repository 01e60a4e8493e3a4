package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full service configuration.
type Config struct {
	Postgres      PostgresConfig      `yaml:"postgres"`
	NATS          NATSConfig          `yaml:"nats"`
	Sync          SyncConfig          `yaml:"sync"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// PostgresConfig holds the shared-store connection settings.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// NATSConfig holds the change-notification bus settings. An empty URL
// selects the in-process bus, which is what tests and single-client
// sessions use.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// SyncConfig tunes the convergence watcher. Zero values fall back to the
// watcher defaults.
type SyncConfig struct {
	ReconcileDelay time.Duration `yaml:"reconcile_delay"`
	DebounceWindow time.Duration `yaml:"debounce_window"`
	MaxCoalesced   int           `yaml:"max_coalesced"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	PendingLimit   int           `yaml:"pending_limit"`
}

// ObservabilityConfig holds logging and metrics settings.
type ObservabilityConfig struct {
	LogLevel       string `yaml:"log_level"`
	MetricsAddress string `yaml:"metrics_address"` // empty disables the metrics server
	Environment    string `yaml:"environment"`
}

// LoadConfig loads the configuration from a YAML file, falling back to
// environment variables when the file does not exist.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return loadConfigFromEnv()
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// --- OVERRIDE WITH ENV VARS IF PRESENT ---
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("METRICS_ADDRESS"); v != "" {
		cfg.Observability.MetricsAddress = v
	}
	if v := os.Getenv("ENV"); v != "" {
		cfg.Observability.Environment = v
	}
	if v := os.Getenv("SYNC_RECONCILE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.ReconcileDelay = d
		}
	}
	if v := os.Getenv("SYNC_DEBOUNCE_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.DebounceWindow = d
		}
	}
	if v := os.Getenv("SYNC_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.PollInterval = d
		}
	}
	if v := os.Getenv("SYNC_MAX_COALESCED"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.MaxCoalesced = n
		}
	}
	if v := os.Getenv("SYNC_PENDING_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.PendingLimit = n
		}
	}

	return &cfg, nil
}

// loadConfigFromEnv loads the configuration from environment variables.
func loadConfigFromEnv() (*Config, error) {
	var cfg Config

	cfg.Postgres.DSN = os.Getenv("DATABASE_URL")
	if cfg.Postgres.DSN == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable not set")
	}

	// NATS is optional; empty means the in-process bus.
	cfg.NATS.URL = os.Getenv("NATS_URL")

	cfg.Observability.LogLevel = os.Getenv("LOG_LEVEL")
	cfg.Observability.MetricsAddress = os.Getenv("METRICS_ADDRESS") // optional; empty disables metrics
	cfg.Observability.Environment = os.Getenv("ENV")

	if v := os.Getenv("SYNC_RECONCILE_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SYNC_RECONCILE_DELAY value: %v", err)
		}
		cfg.Sync.ReconcileDelay = d
	}
	if v := os.Getenv("SYNC_DEBOUNCE_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SYNC_DEBOUNCE_WINDOW value: %v", err)
		}
		cfg.Sync.DebounceWindow = d
	}
	if v := os.Getenv("SYNC_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SYNC_POLL_INTERVAL value: %v", err)
		}
		cfg.Sync.PollInterval = d
	}
	if v := os.Getenv("SYNC_MAX_COALESCED"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SYNC_MAX_COALESCED value: %v", err)
		}
		cfg.Sync.MaxCoalesced = n
	}
	if v := os.Getenv("SYNC_PENDING_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SYNC_PENDING_LIMIT value: %v", err)
		}
		cfg.Sync.PendingLimit = n
	}

	return &cfg, nil
}
