// Package config loads courier engine settings from a TOML file with
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/bjaus/courier"
	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
)

// ErrInvalidConfig is returned by Validate and Load for unusable settings.
var ErrInvalidConfig = errors.New("invalid config")

// Event store kinds.
const (
	EventStoreNone   = "none"
	EventStoreMemory = "memory"
)

// Config holds the engine settings.
type Config struct {
	// AsyncCommands bounds the command executor. Zero dispatches commands
	// on the caller's goroutine; a negative value leaves it unbounded.
	AsyncCommands int `toml:"async_commands" env:"COURIER_ASYNC_COMMANDS"`

	// ParallelPublish bounds concurrent event delivery per Publish call.
	// Zero delivers to subscribers one after another.
	ParallelPublish int `toml:"parallel_publish" env:"COURIER_PARALLEL_PUBLISH"`

	// CorrelationKeys are copied from a handled message onto every message
	// it causes. Empty uses the message origin provider.
	CorrelationKeys []string `toml:"correlation_keys" env:"COURIER_CORRELATION_KEYS"`

	// SnapshotThreshold is the number of events per aggregate between
	// snapshots. Zero disables the snapshot trigger.
	SnapshotThreshold int `toml:"snapshot_threshold" env:"COURIER_SNAPSHOT_THRESHOLD"`

	// EventStore selects the event store: "none" or "memory".
	EventStore string `toml:"event_store" env:"COURIER_EVENT_STORE"`

	Log Log `toml:"log"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		EventStore: EventStoreNone,
		Log: Log{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
	}
}

// Load reads the TOML file at path over Default, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first unusable setting.
func (c *Config) Validate() error {
	c.EventStore = strings.ToLower(strings.TrimSpace(c.EventStore))
	if c.EventStore == "" {
		c.EventStore = EventStoreNone
	}
	switch c.EventStore {
	case EventStoreNone, EventStoreMemory:
	default:
		return fmt.Errorf("%w: unknown event store %q", ErrInvalidConfig, c.EventStore)
	}
	if c.SnapshotThreshold < 0 {
		return fmt.Errorf("%w: snapshot_threshold must not be negative", ErrInvalidConfig)
	}
	if c.SnapshotThreshold > 0 && c.EventStore == EventStoreNone {
		return fmt.Errorf("%w: snapshot_threshold needs an event store", ErrInvalidConfig)
	}
	if c.ParallelPublish < 0 {
		return fmt.Errorf("%w: parallel_publish must not be negative", ErrInvalidConfig)
	}
	for i, k := range c.CorrelationKeys {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("%w: correlation_keys[%d] is empty", ErrInvalidConfig, i)
		}
	}
	return c.Log.validate()
}

// EngineOptions translates the settings into engine options. snapshotter
// receives snapshot requests when a threshold is set; it may be nil.
func (c Config) EngineOptions(logger *zap.Logger, snapshotter courier.Snapshotter) []courier.Option {
	opts := []courier.Option{courier.WithLogger(logger)}
	if c.AsyncCommands != 0 {
		opts = append(opts, courier.WithAsyncCommands(c.AsyncCommands))
	}
	if c.ParallelPublish > 0 {
		opts = append(opts, courier.WithParallelPublish(c.ParallelPublish))
	}
	if len(c.CorrelationKeys) > 0 {
		opts = append(opts, courier.WithCorrelationDataProvider(courier.SimpleCorrelationDataProvider(c.CorrelationKeys...)))
	}
	if c.EventStore == EventStoreMemory {
		opts = append(opts, courier.WithEventStore(courier.NewInMemoryEventStore()))
	}
	if c.SnapshotThreshold > 0 {
		opts = append(opts, courier.WithSnapshotTrigger(courier.NewEventCountSnapshotTrigger(snapshotter, c.SnapshotThreshold)))
	}
	return opts
}
