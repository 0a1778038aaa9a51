package config

import "time"

// Config is the top-level configuration parsed from labforge.yaml.
type Config struct {
	Server      Server      `yaml:"server"`
	Store       Store       `yaml:"store"`
	Database    Database    `yaml:"database"`
	Workers     Workers     `yaml:"workers"`
	Interactive Interactive `yaml:"interactive"`
	Stages      Stages      `yaml:"stages"`
	Validation  Validation  `yaml:"validation"`
	Artifacts   Artifacts   `yaml:"artifacts"`
	Tracing     Tracing     `yaml:"tracing"`
}

// Server configures the HTTP API.
type Server struct {
	Port int `yaml:"port"`
}

// Store configures session snapshot persistence. An empty dir keeps
// sessions in memory only.
type Store struct {
	Dir string `yaml:"dir"`
}

// Database configures the event ledger. A postgres:// DSN selects Postgres,
// anything else is a SQLite path.
type Database struct {
	DSN string `yaml:"dsn"`
}

// Workers sizes the background pipeline pool.
type Workers struct {
	Count     int `yaml:"count"`
	QueueSize int `yaml:"queue_size"`
}

// Interactive configures the requirements conversation.
type Interactive struct {
	Command  string `yaml:"command"`
	Timeout  string `yaml:"timeout"`
	MaxTurns int    `yaml:"max_turns"`
}

// StageCommand is an external program implementing one stage.
type StageCommand struct {
	Command string `yaml:"command"`
	Timeout string `yaml:"timeout"`
}

// Stages holds the content-producing stages run in the background.
type Stages struct {
	Design StageCommand `yaml:"design"`
	Author StageCommand `yaml:"author"`
}

// Validation configures the job engine and polling.
type Validation struct {
	EngineURL      string `yaml:"engine_url"`
	EngineToken    string `yaml:"engine_token"`
	RequestTimeout string `yaml:"request_timeout"`
	PollInterval   string `yaml:"poll_interval"`
	Timeout        string `yaml:"timeout"`
	StatusRetries  int    `yaml:"status_retries"`
	RetryBackoff   string `yaml:"retry_backoff"`
	ArchiveSpecs   bool   `yaml:"archive_specs"`
}

// Artifacts configures where validation output is read from.
type Artifacts struct {
	Backend      string `yaml:"backend"` // "dir" or "minio"
	Dir          string `yaml:"dir"`
	Minio        Minio  `yaml:"minio"`
	FetchRetries int    `yaml:"fetch_retries"`
	FetchBackoff string `yaml:"fetch_backoff"`
}

// Minio configures an S3-compatible artifact bucket.
type Minio struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Tracing configures span export.
type Tracing struct {
	Exporter    string            `yaml:"exporter"` // "none", "stdout", "file" or "otlphttp"
	Path        string            `yaml:"path"`
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
	SampleRatio float64           `yaml:"sample_ratio"`
}

// Duration parses a configured duration, returning fallback when s is empty
// or invalid. Validate reports invalid values.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// Bucket returns the artifact bucket name the validation runner writes to.
func (a Artifacts) Bucket() string {
	if a.Minio.Bucket != "" {
		return a.Minio.Bucket
	}
	return "labforge-artifacts"
}
