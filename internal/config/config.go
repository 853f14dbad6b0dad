// Package config provides YAML configuration loading and validation for the
// core.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure.
type Config struct {
	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// HealthAddr is the listen address for the control plane's HTTP
	// surface (/healthz, /metrics, /debug/ruleset). Defaults to
	// "127.0.0.1:9090" when omitted.
	HealthAddr string `yaml:"health_addr"`

	Ring    RingConfig    `yaml:"ring"`
	Store   StoreConfig   `yaml:"store"`
	Scanner ScannerConfig `yaml:"scanner"`
	Drain   DrainConfig   `yaml:"drain"`

	// Authz, when non-nil, gates /debug/ruleset/reload behind an RS256
	// bearer token. Omitted entirely, the endpoint runs unauthenticated
	// (dev mode), matching the teacher's own JWT_PUBLIC_KEY-unset warning.
	Authz *AuthzConfig `yaml:"authz"`
}

// AuthzConfig configures the control plane's operator-token gate.
type AuthzConfig struct {
	// PublicKeyPath is a PEM-encoded RSA public key (PKIX, as written by
	// `openssl rsa -pubout`) used to verify operator bearer tokens.
	// Required when authz is set.
	PublicKeyPath string `yaml:"public_key_path"`
}

// RingConfig configures the shared-memory ring transport (Module B).
type RingConfig struct {
	// Path is the backing file for the memory-mapped region. Required.
	Path string `yaml:"path"`

	// CapacityBytes must be a power of two. Defaults to 4 MiB when omitted.
	CapacityBytes uint32 `yaml:"capacity_bytes"`

	// MaxFrameBytes rejects any encoded frame larger than this. Defaults
	// to 64 KiB when omitted.
	MaxFrameBytes uint32 `yaml:"max_frame_bytes"`

	// PeerTimeoutMS is how long producer_seq may go stale before the
	// consumer reports the peer detached. Defaults to 30000 (30s).
	PeerTimeoutMS int `yaml:"peer_timeout_ms"`
}

// StoreConfig configures the event store (Module D).
type StoreConfig struct {
	// Path is the SQLite database file location. Required.
	Path string `yaml:"path"`

	// RetentionDays is the default retention window in days, applied to
	// every table unless overridden in RetentionByTable. Defaults to 7.
	RetentionDays int `yaml:"retention_days"`

	// RetentionByTable overrides RetentionDays per event table.
	RetentionByTable map[string]int `yaml:"retention_by_table"`

	// QueueDepth bounds the non-blocking write submission queue. Defaults
	// to 4096.
	QueueDepth int `yaml:"queue_depth"`

	// BatchTimeoutMS bounds how long a single write transaction may take.
	// Defaults to 2000.
	BatchTimeoutMS int `yaml:"batch_timeout_ms"`

	// Backend selects the store's primary engine. Only "sqlite" is
	// supported; present for forward compatibility with a future backend
	// selector. Defaults to "sqlite".
	Backend string `yaml:"backend"`

	// Postgres, when non-nil, enables the optional secondary replica.
	Postgres *PostgresConfig `yaml:"postgres"`
}

// PostgresConfig configures the optional secondary replica.
type PostgresConfig struct {
	ConnString        string `yaml:"conn_string"`
	BatchSize         int    `yaml:"batch_size"`
	FlushIntervalMS   int    `yaml:"flush_interval_ms"`
}

// ScannerConfig configures the scanner orchestrator (Module G).
type ScannerConfig struct {
	// Workers is the fixed worker pool size. Defaults to max(2, cpus-1).
	Workers int `yaml:"workers"`

	// MaxSizeBytes is SCAN_MAX_SIZE: files larger than this are never
	// queued for scanning. Defaults to 64 MiB.
	MaxSizeBytes uint64 `yaml:"max_size_bytes"`

	// FileTimeoutMS bounds a single file's scan wall-clock time. Defaults
	// to 10000.
	FileTimeoutMS int `yaml:"file_timeout_ms"`

	// CoalesceTTLMS is how long a (path, size, mtime) triple suppresses a
	// repeat scan. Defaults to 30000.
	CoalesceTTLMS int `yaml:"coalesce_ttl_ms"`

	// RulesPath is the YAML ruleset file loaded by the rule engine.
	// Required.
	RulesPath string `yaml:"rules_path"`

	// MMapMinBytes is MMAP_MIN. Defaults to 64 KiB.
	MMapMinBytes int64 `yaml:"mmap_min_bytes"`
}

// DrainConfig configures shutdown behavior.
type DrainConfig struct {
	// TimeoutMS bounds how long shutdown waits for in-flight work before
	// forcing a stop. Defaults to 5000.
	TimeoutMS int `yaml:"timeout_ms"`
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// LoadConfig reads the YAML file at path, unmarshals it into Config,
// applies defaults, and validates all required fields. It returns a typed
// error describing every validation failure encountered (errors.Join), not
// just the first.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = "127.0.0.1:9090"
	}

	if cfg.Ring.CapacityBytes == 0 {
		cfg.Ring.CapacityBytes = 4 * 1024 * 1024
	}
	if cfg.Ring.MaxFrameBytes == 0 {
		cfg.Ring.MaxFrameBytes = 64 * 1024
	}
	if cfg.Ring.PeerTimeoutMS == 0 {
		cfg.Ring.PeerTimeoutMS = 30_000
	}

	if cfg.Store.RetentionDays == 0 {
		cfg.Store.RetentionDays = 7
	}
	if cfg.Store.QueueDepth == 0 {
		cfg.Store.QueueDepth = 4096
	}
	if cfg.Store.BatchTimeoutMS == 0 {
		cfg.Store.BatchTimeoutMS = 2000
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "sqlite"
	}
	if cfg.Store.Postgres != nil {
		if cfg.Store.Postgres.BatchSize == 0 {
			cfg.Store.Postgres.BatchSize = 100
		}
		if cfg.Store.Postgres.FlushIntervalMS == 0 {
			cfg.Store.Postgres.FlushIntervalMS = 100
		}
	}

	if cfg.Scanner.Workers == 0 {
		cfg.Scanner.Workers = defaultScannerWorkers()
	}
	if cfg.Scanner.MaxSizeBytes == 0 {
		cfg.Scanner.MaxSizeBytes = 64 * 1024 * 1024
	}
	if cfg.Scanner.FileTimeoutMS == 0 {
		cfg.Scanner.FileTimeoutMS = 10_000
	}
	if cfg.Scanner.CoalesceTTLMS == 0 {
		cfg.Scanner.CoalesceTTLMS = 30_000
	}
	if cfg.Scanner.MMapMinBytes == 0 {
		cfg.Scanner.MMapMinBytes = 64 * 1024
	}

	if cfg.Drain.TimeoutMS == 0 {
		cfg.Drain.TimeoutMS = 5000
	}
}

func defaultScannerWorkers() int {
	n := runtime.NumCPU() - 1
	if n < 2 {
		n = 2
	}
	return n
}

func validate(cfg *Config) error {
	var errs []error

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	if cfg.Ring.Path == "" {
		errs = append(errs, errors.New("ring.path is required"))
	}
	if cfg.Ring.CapacityBytes&(cfg.Ring.CapacityBytes-1) != 0 {
		errs = append(errs, fmt.Errorf("ring.capacity_bytes %d must be a power of two", cfg.Ring.CapacityBytes))
	}

	if cfg.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	if cfg.Store.Backend != "sqlite" {
		errs = append(errs, fmt.Errorf("store.backend %q must be \"sqlite\"", cfg.Store.Backend))
	}
	if cfg.Store.Postgres != nil && cfg.Store.Postgres.ConnString == "" {
		errs = append(errs, errors.New("store.postgres.conn_string is required when store.postgres is set"))
	}

	if cfg.Scanner.RulesPath == "" {
		errs = append(errs, errors.New("scanner.rules_path is required"))
	}
	if cfg.Scanner.Workers < 1 {
		errs = append(errs, fmt.Errorf("scanner.workers %d must be >= 1", cfg.Scanner.Workers))
	}

	if cfg.Authz != nil && cfg.Authz.PublicKeyPath == "" {
		errs = append(errs, errors.New("authz.public_key_path is required when authz is set"))
	}

	return errors.Join(errs...)
}

// RetentionFor returns the configured retention window for table, falling
// back to RetentionDays when no per-table override is set.
func (c *Config) RetentionFor(table string) time.Duration {
	if d, ok := c.Store.RetentionByTable[table]; ok {
		return time.Duration(d) * 24 * time.Hour
	}
	return time.Duration(c.Store.RetentionDays) * 24 * time.Hour
}
