package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads and parses a configuration from the given YAML file path.
// Defaults are applied after parsing, then LABFORGE_* environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	applyEnv(&cfg)
	return &cfg, nil
}

// LoadDefault searches for a config in standard locations and loads the
// first one found. Search order: ./labforge.yaml, ~/.labforge/config.yaml
func LoadDefault() (*Config, error) {
	candidates := []string{"labforge.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".labforge", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	return nil, fmt.Errorf("no labforge config found (searched: %v)", candidates)
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8081
	}
	if cfg.Workers.Count == 0 {
		cfg.Workers.Count = 2
	}
	if cfg.Workers.QueueSize == 0 {
		cfg.Workers.QueueSize = 64
	}

	if cfg.Interactive.Timeout == "" {
		cfg.Interactive.Timeout = "5m"
	}
	if cfg.Interactive.MaxTurns == 0 {
		cfg.Interactive.MaxTurns = 10
	}
	for _, s := range []*StageCommand{&cfg.Stages.Design, &cfg.Stages.Author} {
		if s.Timeout == "" {
			s.Timeout = "10m"
		}
	}

	v := &cfg.Validation
	if v.RequestTimeout == "" {
		v.RequestTimeout = "30s"
	}
	if v.PollInterval == "" {
		v.PollInterval = "10s"
	}
	if v.Timeout == "" {
		v.Timeout = "2h"
	}
	if v.StatusRetries == 0 {
		v.StatusRetries = 3
	}
	if v.RetryBackoff == "" {
		v.RetryBackoff = "2s"
	}

	a := &cfg.Artifacts
	if a.Backend == "" {
		a.Backend = "dir"
	}
	if a.FetchRetries == 0 {
		a.FetchRetries = 5
	}
	if a.FetchBackoff == "" {
		a.FetchBackoff = "3s"
	}

	if cfg.Tracing.Exporter == "" {
		cfg.Tracing.Exporter = "none"
	}
}

// applyEnv lets secrets and deployment-specific endpoints come from the
// environment instead of the config file.
func applyEnv(cfg *Config) {
	for env, dst := range map[string]*string{
		"LABFORGE_DATABASE_DSN":     &cfg.Database.DSN,
		"LABFORGE_ENGINE_URL":       &cfg.Validation.EngineURL,
		"LABFORGE_ENGINE_TOKEN":     &cfg.Validation.EngineToken,
		"LABFORGE_MINIO_ENDPOINT":   &cfg.Artifacts.Minio.Endpoint,
		"LABFORGE_MINIO_ACCESS_KEY": &cfg.Artifacts.Minio.AccessKey,
		"LABFORGE_MINIO_SECRET_KEY": &cfg.Artifacts.Minio.SecretKey,
		"LABFORGE_OTEL_ENDPOINT":    &cfg.Tracing.Endpoint,
	} {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
}
