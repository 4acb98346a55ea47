// Package config handles configuration loading, validation, and management for ghostd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version"`

	// Input configuration for the sample source.
	Input InputConfig `toml:"input" json:"input"`

	// Engine configuration for kinematic metrics.
	Engine EngineConfig `toml:"engine" json:"engine"`

	// Stream configuration for the session event stream.
	Stream StreamConfig `toml:"stream" json:"stream"`

	// Anomaly configuration for the scoring pipeline.
	Anomaly AnomalyConfig `toml:"anomaly" json:"anomaly"`

	// Chain configuration for the provenance ledger.
	Chain ChainConfig `toml:"chain" json:"chain"`

	// Receipt configuration for session receipts.
	Receipt ReceiptConfig `toml:"receipt" json:"receipt"`

	// Clip configuration for flag-triggered clip requests.
	Clip ClipConfig `toml:"clip" json:"clip"`

	// Context configuration for application-context tracking.
	Context ContextConfig `toml:"context" json:"context"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging"`

	// Metrics configuration.
	Metrics MetricsConfig `toml:"metrics" json:"metrics"`
}

// InputConfig holds sample source configuration.
type InputConfig struct {
	// Source is the sample source: "stdin" (JSONL) or "replay".
	Source string `toml:"source" json:"source"`

	// ReplayPath is the path to a JSONL capture for the replay source.
	ReplayPath string `toml:"replay_path" json:"replay_path"`

	// ReplayRealtime paces replayed samples by their recorded timestamps.
	ReplayRealtime bool `toml:"replay_realtime" json:"replay_realtime"`
}

// EngineConfig holds kinematic metric configuration.
type EngineConfig struct {
	// WindowSize is the number of samples in the trailing mean window.
	WindowSize int `toml:"window_size" json:"window_size"`

	// HighVelocityThreshold tags samples faster than this, px/s.
	HighVelocityThreshold float64 `toml:"high_velocity_threshold" json:"high_velocity_threshold"`
}

// StreamConfig holds event stream configuration.
type StreamConfig struct {
	// SubscriberBuffer is the default per-subscriber ring size.
	SubscriberBuffer int `toml:"subscriber_buffer" json:"subscriber_buffer"`

	// ChainBuffer is the ring size for the ledger appender; it is the
	// slowest consumer and gets the deepest buffer.
	ChainBuffer int `toml:"chain_buffer" json:"chain_buffer"`
}

// AnomalyConfig holds scoring pipeline configuration.
type AnomalyConfig struct {
	// Scorer selects the scorer: "heuristic" or "statistical".
	Scorer string `toml:"scorer" json:"scorer"`

	// RulesPath optionally loads heuristic thresholds from a YAML file.
	RulesPath string `toml:"rules_path" json:"rules_path"`

	// BucketMs is the window duration in milliseconds.
	BucketMs int `toml:"bucket_ms" json:"bucket_ms"`

	// HopMs is the window advance in milliseconds.
	HopMs int `toml:"hop_ms" json:"hop_ms"`

	// Threshold is the minimum confidence for a flag.
	Threshold float64 `toml:"threshold" json:"threshold"`

	// ScorerDeadlineMs bounds each scorer call in milliseconds.
	ScorerDeadlineMs int `toml:"scorer_deadline_ms" json:"scorer_deadline_ms"`

	// QueueDepth bounds pending windows per lane.
	QueueDepth int `toml:"queue_depth" json:"queue_depth"`

	// RecordCalibration logs sub-threshold scores.
	RecordCalibration bool `toml:"record_calibration" json:"record_calibration"`
}

// ChainConfig holds provenance ledger configuration.
type ChainConfig struct {
	// Storage is the ledger backend: "sqlite" or "memory".
	Storage string `toml:"storage" json:"storage"`

	// Path is the path to the ledger database (for sqlite).
	Path string `toml:"path" json:"path"`

	// Hash selects the block hash: "sha256" or "blake2b-256".
	Hash string `toml:"hash" json:"hash"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms"`
}

// ReceiptConfig holds session receipt configuration.
type ReceiptConfig struct {
	// KeyPath is the path to the Ed25519 private key. Empty disables
	// receipt signing; receipts still carry the chain digest.
	KeyPath string `toml:"key_path" json:"key_path"`

	// OutputDir is where session receipts are written.
	OutputDir string `toml:"output_dir" json:"output_dir"`
}

// ClipConfig holds clip controller configuration.
type ClipConfig struct {
	// Enabled turns flag-triggered clip requests on.
	Enabled bool `toml:"enabled" json:"enabled"`

	// PreSec is how far before a flag the clip reaches back, seconds.
	PreSec int `toml:"pre_sec" json:"pre_sec"`

	// PostSec is how far past a flag the clip extends, seconds.
	PostSec int `toml:"post_sec" json:"post_sec"`

	// TriggerKinds limits which flag kinds request clips. Empty means all.
	TriggerKinds []string `toml:"trigger_kinds" json:"trigger_kinds"`

	// OutputDir is where clip manifests are written.
	OutputDir string `toml:"output_dir" json:"output_dir"`
}

// ContextConfig holds application-context tracking configuration.
type ContextConfig struct {
	// App is the reported application name for static context.
	App string `toml:"app" json:"app"`

	// State is the reported state for static context.
	State string `toml:"state" json:"state"`

	// PollIntervalMs is the provider poll interval in milliseconds.
	// Zero disables polling.
	PollIntervalMs int `toml:"poll_interval_ms" json:"poll_interval_ms"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level"`

	// Format is "text" or "json".
	Format string `toml:"format" json:"format"`

	// Output is "stdout", "stderr", "file", or "both".
	Output string `toml:"output" json:"output"`

	// FilePath is the log file path when Output includes "file".
	FilePath string `toml:"file_path" json:"file_path"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	// Enabled turns the metrics HTTP endpoint on.
	Enabled bool `toml:"enabled" json:"enabled"`

	// ListenAddr is the address for the metrics endpoint.
	ListenAddr string `toml:"listen_addr" json:"listen_addr"`
}

// Bucket returns the anomaly window duration.
func (c *AnomalyConfig) Bucket() time.Duration {
	return time.Duration(c.BucketMs) * time.Millisecond
}

// Hop returns the anomaly window advance.
func (c *AnomalyConfig) Hop() time.Duration {
	return time.Duration(c.HopMs) * time.Millisecond
}

// ScorerDeadline returns the per-call scorer deadline.
func (c *AnomalyConfig) ScorerDeadline() time.Duration {
	return time.Duration(c.ScorerDeadlineMs) * time.Millisecond
}

// Pre returns the clip pre-window.
func (c *ClipConfig) Pre() time.Duration {
	return time.Duration(c.PreSec) * time.Second
}

// Post returns the clip post-window.
func (c *ClipConfig) Post() time.Duration {
	return time.Duration(c.PostSec) * time.Second
}

// ApplyEnvOverrides applies GHOSTD_* environment overrides. Only the
// settings an operator plausibly flips per run are covered.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("GHOSTD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("GHOSTD_CHAIN_PATH"); v != "" {
		c.Chain.Path = v
	}
	if v := os.Getenv("GHOSTD_CHAIN_STORAGE"); v != "" {
		c.Chain.Storage = v
	}
	if v := os.Getenv("GHOSTD_ANOMALY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f <= 1 {
			c.Anomaly.Threshold = f
		}
	}
	if v := os.Getenv("GHOSTD_METRICS_ADDR"); v != "" {
		c.Metrics.ListenAddr = v
		c.Metrics.Enabled = true
	}
}

// Save writes the configuration to a TOML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}

// loadConfigFromFile reads and parses a TOML config file. Missing fields
// keep their defaults.
func loadConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}
