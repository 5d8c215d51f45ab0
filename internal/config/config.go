// Package config loads the host configuration from a YAML file and lets
// environment variables override single values.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LogConfig       `yaml:"log"`
	NATS      NATSConfig      `yaml:"nats"`
	Store     StoreConfig     `yaml:"store"`
	Snapshots SnapshotConfig  `yaml:"snapshots"`
	Sequencer SequencerConfig `yaml:"sequencer"`
	Commands  CommandConfig   `yaml:"commands"`
	Collab    CollabConfig    `yaml:"collab"`
	API       APIConfig       `yaml:"api"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"CIM_LOG_LEVEL"`   // debug, info, warn or error
	Format string `yaml:"format" env:"CIM_LOG_FORMAT"` // text or json
}

type NATSConfig struct {
	URL string `yaml:"url" env:"NATS_URL"`
}

type StoreConfig struct {
	Stream            string        `yaml:"stream" env:"CIM_STREAM"`
	SubjectPrefix     string        `yaml:"subject_prefix" env:"CIM_SUBJECT_PREFIX"`
	MaxAge            time.Duration `yaml:"max_age" env:"CIM_STREAM_MAX_AGE"`
	DuplicateWindow   time.Duration `yaml:"duplicate_window" env:"CIM_DUPLICATE_WINDOW"`
	MaxMsgsPerSubject int64         `yaml:"max_msgs_per_subject"`
	MemoryStorage     bool          `yaml:"memory_storage" env:"CIM_STREAM_MEMORY"`
	// CacheSize bounds the number of aggregate streams kept in memory. Zero
	// disables the cache.
	CacheSize int `yaml:"cache_size" env:"CIM_CACHE_SIZE"`
	// VerifyChain checks the CID chain of every loaded aggregate.
	VerifyChain bool `yaml:"verify_chain"`
}

type SnapshotConfig struct {
	Backend  string        `yaml:"backend" env:"CIM_SNAPSHOT_BACKEND"` // memory, nats or redis
	Bucket   string        `yaml:"bucket"`
	RedisURL string        `yaml:"redis_url" env:"CIM_REDIS_URL"`
	Every    uint64        `yaml:"every"`
	TTL      time.Duration `yaml:"ttl"`
}

type SequencerConfig struct {
	Enabled bool          `yaml:"enabled"`
	Timeout time.Duration `yaml:"timeout"`
}

type CommandConfig struct {
	QueueSize       int           `yaml:"queue_size"`
	ResultQueueSize int           `yaml:"result_queue_size"`
	Workers         int           `yaml:"workers" env:"CIM_COMMAND_WORKERS"`
	RetryBudget     int           `yaml:"retry_budget"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
}

type CollabConfig struct {
	MaxUsersPerSession int           `yaml:"max_users_per_session"`
	InactiveThreshold  time.Duration `yaml:"inactive_threshold"`
	CleanupInterval    time.Duration `yaml:"cleanup_interval"`
	// NodeID and Members enable session ownership by graph id. Leave Members
	// empty for a single node.
	NodeID  string   `yaml:"node_id" env:"CIM_NODE_ID"`
	Members []string `yaml:"members" env:"CIM_MEMBERS" envSeparator:","`
}

type APIConfig struct {
	Addr string `yaml:"addr" env:"CIM_API_ADDR"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr" env:"CIM_METRICS_ADDR"` // empty disables the endpoint
}

// Default is the configuration used for every key the file leaves out.
func Default() Config {
	return Config{
		Log:  LogConfig{Level: "info", Format: "text"},
		NATS: NATSConfig{URL: "nats://127.0.0.1:4222"},
		Store: StoreConfig{
			Stream:          "CIM-EVENTS",
			SubjectPrefix:   "events",
			MaxAge:          365 * 24 * time.Hour,
			DuplicateWindow: 2 * time.Minute,
			CacheSize:       10000,
			VerifyChain:     true,
		},
		Snapshots: SnapshotConfig{Backend: "memory", Bucket: "cim_snapshots", Every: 100},
		Sequencer: SequencerConfig{Enabled: true, Timeout: 5 * time.Second},
		Commands: CommandConfig{
			QueueSize:       256,
			ResultQueueSize: 256,
			Workers:         4,
			RetryBudget:     3,
			RetryBackoff:    50 * time.Millisecond,
		},
		Collab: CollabConfig{
			MaxUsersPerSession: 50,
			InactiveThreshold:  5 * time.Minute,
			CleanupInterval:    time.Minute,
		},
		API: APIConfig{Addr: ":8080"},
	}
}

// Load reads path on top of Default, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}

	if c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required"))
	}

	if c.Store.Stream == "" {
		errs = append(errs, errors.New("store.stream is required"))
	}
	if c.Store.SubjectPrefix == "" || strings.ContainsAny(c.Store.SubjectPrefix, "*> ") {
		errs = append(errs, fmt.Errorf("store.subject_prefix: invalid prefix %q", c.Store.SubjectPrefix))
	}
	if c.Store.DuplicateWindow <= 0 {
		errs = append(errs, errors.New("store.duplicate_window must be positive"))
	}
	if c.Store.MaxAge > 0 && c.Store.MaxAge < c.Store.DuplicateWindow {
		errs = append(errs, errors.New("store.max_age must not be shorter than store.duplicate_window"))
	}
	if c.Store.CacheSize < 0 {
		errs = append(errs, errors.New("store.cache_size must not be negative"))
	}

	switch c.Snapshots.Backend {
	case "memory", "nats":
	case "redis":
		if c.Snapshots.RedisURL == "" {
			errs = append(errs, errors.New("snapshots.redis_url is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("snapshots.backend: unknown backend %q", c.Snapshots.Backend))
	}

	if c.Sequencer.Enabled && c.Sequencer.Timeout <= 0 {
		errs = append(errs, errors.New("sequencer.timeout must be positive"))
	}

	if c.Commands.Workers < 1 {
		errs = append(errs, errors.New("commands.workers must be at least 1"))
	}
	if c.Commands.QueueSize < 1 || c.Commands.ResultQueueSize < 1 {
		errs = append(errs, errors.New("commands queue sizes must be at least 1"))
	}
	if c.Commands.RetryBudget < 0 {
		errs = append(errs, errors.New("commands.retry_budget must not be negative"))
	}

	if c.Collab.MaxUsersPerSession < 1 {
		errs = append(errs, errors.New("collab.max_users_per_session must be at least 1"))
	}
	if len(c.Collab.Members) > 0 && c.Collab.NodeID == "" {
		errs = append(errs, errors.New("collab.node_id is required when members are set"))
	}

	if c.API.Addr == "" {
		errs = append(errs, errors.New("api.addr is required"))
	}

	return errors.Join(errs...)
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// Logger builds the process logger.
func (c LogConfig) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
