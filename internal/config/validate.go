package config

import (
	"fmt"
	"time"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var (
	recognizedBackends  = map[string]bool{"dir": true, "minio": true}
	recognizedExporters = map[string]bool{"none": true, "stdout": true, "file": true, "otlphttp": true}
)

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg})
	}

	if cfg.Interactive.Command == "" {
		add("interactive.command", "is required")
	}
	if cfg.Stages.Design.Command == "" {
		add("stages.design.command", "is required")
	}
	if cfg.Stages.Author.Command == "" {
		add("stages.author.command", "is required")
	}
	if cfg.Interactive.MaxTurns < 1 {
		add("interactive.max_turns", "must be at least 1")
	}
	if cfg.Workers.Count < 1 {
		add("workers.count", "must be at least 1")
	}
	if cfg.Workers.QueueSize < 1 {
		add("workers.queue_size", "must be at least 1")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		add("server.port", fmt.Sprintf("%d is out of range", cfg.Server.Port))
	}

	durations := []struct {
		field string
		value string
	}{
		{"interactive.timeout", cfg.Interactive.Timeout},
		{"stages.design.timeout", cfg.Stages.Design.Timeout},
		{"stages.author.timeout", cfg.Stages.Author.Timeout},
		{"validation.request_timeout", cfg.Validation.RequestTimeout},
		{"validation.poll_interval", cfg.Validation.PollInterval},
		{"validation.timeout", cfg.Validation.Timeout},
		{"validation.retry_backoff", cfg.Validation.RetryBackoff},
		{"artifacts.fetch_backoff", cfg.Artifacts.FetchBackoff},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			add(d.field, fmt.Sprintf("invalid duration %q", d.value))
			continue
		}
		if v <= 0 {
			add(d.field, "must be positive")
		}
	}
	poll := Duration(cfg.Validation.PollInterval, 0)
	if limit := Duration(cfg.Validation.Timeout, 0); poll > 0 && limit > 0 && limit < poll {
		add("validation.timeout", "must not be shorter than validation.poll_interval")
	}
	if cfg.Validation.StatusRetries < 0 {
		add("validation.status_retries", "must not be negative")
	}
	if cfg.Artifacts.FetchRetries < 1 {
		add("artifacts.fetch_retries", "must be at least 1")
	}

	if !recognizedBackends[cfg.Artifacts.Backend] {
		add("artifacts.backend", fmt.Sprintf("unrecognized backend %q", cfg.Artifacts.Backend))
	}
	if cfg.Artifacts.Backend == "minio" && cfg.Artifacts.Minio.Endpoint == "" {
		add("artifacts.minio.endpoint", "is required when artifacts.backend is minio")
	}

	if !recognizedExporters[cfg.Tracing.Exporter] {
		add("tracing.exporter", fmt.Sprintf("unrecognized exporter %q", cfg.Tracing.Exporter))
	}
	if cfg.Tracing.Exporter == "file" && cfg.Tracing.Path == "" {
		add("tracing.path", "is required when tracing.exporter is file")
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		add("tracing.sample_ratio", "must be between 0 and 1")
	}

	return errs
}
