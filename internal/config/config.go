// Package config holds the daemon configuration: sync cadence, conflict
// policy, framing limits and queue persistence, loadable from YAML.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so configuration files can use "30s" forms.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// QueueConfig configures the offline operation queue.
type QueueConfig struct {
	// Path points at the bbolt file backing the queue. Empty keeps the
	// queue in memory only.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
	// MaxRetries bounds delivery attempts at MaxRetries+1 per operation.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
}

// Config is the full daemon configuration.
type Config struct {
	// ServerURL is the websocket endpoint of the remote sync server.
	ServerURL string `json:"server_url" yaml:"server_url"`
	// NodeID identifies this replica in patch timestamps. Empty means a
	// random id is generated at startup.
	NodeID string `json:"node_id,omitempty" yaml:"node_id,omitempty"`

	AutoSync           bool     `json:"auto_sync" yaml:"auto_sync"`
	SyncInterval       Duration `json:"sync_interval" yaml:"sync_interval"`
	DebounceDelay      Duration `json:"debounce_delay" yaml:"debounce_delay"`
	ConflictResolution string   `json:"conflict_resolution" yaml:"conflict_resolution"`

	MaxPatchSize         int      `json:"max_patch_size" yaml:"max_patch_size"`
	CompressionEnabled   bool     `json:"compression_enabled" yaml:"compression_enabled"`
	CompressionThreshold int      `json:"compression_threshold" yaml:"compression_threshold"`
	RequestTimeout       Duration `json:"request_timeout" yaml:"request_timeout"`

	Queue QueueConfig `json:"queue" yaml:"queue"`

	LogLevel string `json:"log_level" yaml:"log_level"`
}

// DefaultConfig returns the configuration used when no file is supplied.
func DefaultConfig() *Config {
	return &Config{
		AutoSync:             true,
		SyncInterval:         Duration(30 * time.Second),
		DebounceDelay:        Duration(500 * time.Millisecond),
		ConflictResolution:   "manual",
		MaxPatchSize:         1 << 20,
		CompressionEnabled:   true,
		CompressionThreshold: 1 << 10,
		RequestTimeout:       Duration(10 * time.Second),
		Queue: QueueConfig{
			MaxRetries: 3,
		},
		LogLevel: "info",
	}
}

// Load reads a YAML file over the defaults. Options absent from the file keep
// their default values.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync_interval must be positive, got %s", c.SyncInterval)
	}
	if c.DebounceDelay < 0 {
		return fmt.Errorf("debounce_delay must not be negative, got %s", c.DebounceDelay)
	}

	switch c.ConflictResolution {
	case "local", "remote", "manual":
	default:
		return fmt.Errorf("conflict_resolution must be local, remote or manual, got %q", c.ConflictResolution)
	}

	if c.MaxPatchSize <= 0 {
		return fmt.Errorf("max_patch_size must be positive, got %d", c.MaxPatchSize)
	}
	if c.CompressionThreshold < 0 {
		return fmt.Errorf("compression_threshold must not be negative, got %d", c.CompressionThreshold)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must not be negative, got %d", c.Queue.MaxRetries)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error, got %q", c.LogLevel)
	}
	return nil
}
