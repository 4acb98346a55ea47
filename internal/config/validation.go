package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate performs comprehensive validation of the configuration.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateInput(&c.Input)...)
	errs = append(errs, validateEngine(&c.Engine)...)
	errs = append(errs, validateStream(&c.Stream)...)
	errs = append(errs, validateAnomaly(&c.Anomaly)...)
	errs = append(errs, validateChain(&c.Chain)...)
	errs = append(errs, validateClip(&c.Clip)...)
	errs = append(errs, validateLogging(&c.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateInput(c *InputConfig) ValidationErrors {
	var errs ValidationErrors
	switch c.Source {
	case "stdin", "replay":
	default:
		errs = append(errs, ValidationError{
			Field:   "input.source",
			Message: fmt.Sprintf("unknown source %q (want stdin or replay)", c.Source),
		})
	}
	if c.Source == "replay" && c.ReplayPath == "" {
		errs = append(errs, ValidationError{
			Field:   "input.replay_path",
			Message: "required when input.source is replay",
		})
	}
	return errs
}

func validateEngine(c *EngineConfig) ValidationErrors {
	var errs ValidationErrors
	if c.WindowSize < 1 {
		errs = append(errs, ValidationError{
			Field:   "engine.window_size",
			Message: "must be at least 1",
		})
	}
	if c.HighVelocityThreshold <= 0 {
		errs = append(errs, ValidationError{
			Field:   "engine.high_velocity_threshold",
			Message: "must be positive",
		})
	}
	return errs
}

func validateStream(c *StreamConfig) ValidationErrors {
	var errs ValidationErrors
	if c.SubscriberBuffer < 1 {
		errs = append(errs, ValidationError{
			Field:   "stream.subscriber_buffer",
			Message: "must be at least 1",
		})
	}
	if c.ChainBuffer < c.SubscriberBuffer {
		errs = append(errs, ValidationError{
			Field:   "stream.chain_buffer",
			Message: "must be at least stream.subscriber_buffer",
		})
	}
	return errs
}

func validateAnomaly(c *AnomalyConfig) ValidationErrors {
	var errs ValidationErrors
	switch c.Scorer {
	case "heuristic", "statistical":
	default:
		errs = append(errs, ValidationError{
			Field:   "anomaly.scorer",
			Message: fmt.Sprintf("unknown scorer %q (want heuristic or statistical)", c.Scorer),
		})
	}
	if c.BucketMs < 1 {
		errs = append(errs, ValidationError{
			Field:   "anomaly.bucket_ms",
			Message: "must be at least 1",
		})
	}
	if c.HopMs < 1 || c.HopMs > c.BucketMs {
		errs = append(errs, ValidationError{
			Field:   "anomaly.hop_ms",
			Message: "must be between 1 and anomaly.bucket_ms",
		})
	}
	if c.Threshold <= 0 || c.Threshold > 1 {
		errs = append(errs, ValidationError{
			Field:   "anomaly.threshold",
			Message: "must be in (0, 1]",
		})
	}
	if c.ScorerDeadlineMs < 1 {
		errs = append(errs, ValidationError{
			Field:   "anomaly.scorer_deadline_ms",
			Message: "must be at least 1",
		})
	}
	if c.QueueDepth < 1 {
		errs = append(errs, ValidationError{
			Field:   "anomaly.queue_depth",
			Message: "must be at least 1",
		})
	}
	return errs
}

func validateChain(c *ChainConfig) ValidationErrors {
	var errs ValidationErrors
	switch c.Storage {
	case "sqlite", "memory":
	default:
		errs = append(errs, ValidationError{
			Field:   "chain.storage",
			Message: fmt.Sprintf("unknown storage %q (want sqlite or memory)", c.Storage),
		})
	}
	if c.Storage == "sqlite" && c.Path == "" {
		errs = append(errs, ValidationError{
			Field:   "chain.path",
			Message: "required when chain.storage is sqlite",
		})
	}
	switch c.Hash {
	case "", "sha256", "blake2b-256":
	default:
		errs = append(errs, ValidationError{
			Field:   "chain.hash",
			Message: fmt.Sprintf("unknown hash %q (want sha256 or blake2b-256)", c.Hash),
		})
	}
	return errs
}

func validateClip(c *ClipConfig) ValidationErrors {
	var errs ValidationErrors
	if !c.Enabled {
		return nil
	}
	if c.PreSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "clip.pre_sec",
			Message: "must not be negative",
		})
	}
	if c.PostSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "clip.post_sec",
			Message: "must not be negative",
		})
	}
	if c.OutputDir == "" {
		errs = append(errs, ValidationError{
			Field:   "clip.output_dir",
			Message: "required when clip.enabled is true",
		})
	}
	return errs
}

func validateLogging(c *LoggingConfig) ValidationErrors {
	var errs ValidationErrors
	switch c.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("unknown level %q", c.Level),
		})
	}
	switch c.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("unknown format %q (want text or json)", c.Format),
		})
	}
	switch c.Output {
	case "stdout", "stderr", "file", "both":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("unknown output %q", c.Output),
		})
	}
	if (c.Output == "file" || c.Output == "both") && c.FilePath == "" {
		errs = append(errs, ValidationError{
			Field:   "logging.file_path",
			Message: "required when logging.output includes file",
		})
	}
	return errs
}
