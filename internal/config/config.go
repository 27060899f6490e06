// Package config provides the configuration structure for the voicedrop
// service.
package config

import (
	"fmt"
	"os"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/pelletier/go-toml/v2"
)

// Defaults applied by Normalize when a field is unset.
const (
	defaultWorkerCount          = 4
	defaultMaxAttempts          = 3
	defaultBackoffBaseMs        = 5000
	defaultBackoffMaxMs         = 300000
	defaultStallTimeoutSeconds  = 60
	defaultSynthesisTimeoutSecs = 30
	defaultListenAddr           = ":8080"
)

// NATSConfig holds the configuration for NATS: the job stream, the
// notification subject prefix, and the audio object store bucket.
type NATSConfig struct {
	URL                    string `toml:"url"`
	JobsStreamName         string `toml:"jobs_stream_name"`
	JobsConsumerName       string `toml:"jobs_consumer_name"`
	JobsSubject            string `toml:"jobs_subject"`
	NotifySubjectPrefix    string `toml:"notify_subject_prefix"`
	AudioObjectStoreBucket string `toml:"audio_object_store_bucket"`
}

// PostgresConfig holds the request store connection settings. The DSN is
// required; the service refuses to start without a reachable database.
type PostgresConfig struct {
	DSN string `toml:"dsn"`
}

// SynthesisConfig selects and configures the synthesis engine: "http" for the
// remote synthesis service, "command" for a local binary.
type SynthesisConfig struct {
	Engine         string `toml:"engine"`
	BaseURL        string `toml:"base_url"`
	BinaryPath     string `toml:"binary_path"`
	ModelPath      string `toml:"model_path"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// ArtifactConfig configures the audio artifact backends.
type ArtifactConfig struct {
	PublicBaseURL string `toml:"public_base_url"`
	LocalDir      string `toml:"local_dir"`
	// RetentionDays prunes local artifacts older than this; zero keeps
	// them forever.
	RetentionDays    int  `toml:"retention_days"`
	UseRemoteStorage bool `toml:"use_remote_storage"`
}

// WorkerConfig bounds the pool and the retry schedule.
type WorkerConfig struct {
	Count               int `toml:"count"`
	MaxAttempts         int `toml:"max_attempts"`
	BackoffBaseMs       int `toml:"backoff_base_ms"`
	BackoffMaxMs        int `toml:"backoff_max_ms"`
	StallTimeoutSeconds int `toml:"stall_timeout_seconds"`
}

// HTTPConfig holds the API listener settings.
type HTTPConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	NATS      NATSConfig      `toml:"nats"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Synthesis SynthesisConfig `toml:"synthesis"`
	Artifact  ArtifactConfig  `toml:"artifact"`
	Worker    WorkerConfig    `toml:"worker"`
	HTTP      HTTPConfig      `toml:"http"`
	Paths     PathsConfig     `toml:"paths"`
}

// Load loads the configuration through the central configurator.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	cfg.Normalize()

	return &cfg, nil
}

// LoadFromFile reads a TOML configuration file directly, for local runs and
// tests that bypass the configurator.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file '%s': %w", path, err)
	}

	var cfg Config

	err = toml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration file '%s': %w", path, err)
	}

	cfg.Normalize()

	return &cfg, nil
}

// Normalize fills unset fields with service defaults.
func (c *Config) Normalize() {
	if c.Worker.Count <= 0 {
		c.Worker.Count = defaultWorkerCount
	}

	if c.Worker.MaxAttempts <= 0 {
		c.Worker.MaxAttempts = defaultMaxAttempts
	}

	if c.Worker.BackoffBaseMs <= 0 {
		c.Worker.BackoffBaseMs = defaultBackoffBaseMs
	}

	if c.Worker.BackoffMaxMs <= 0 {
		c.Worker.BackoffMaxMs = defaultBackoffMaxMs
	}

	if c.Worker.StallTimeoutSeconds <= 0 {
		c.Worker.StallTimeoutSeconds = defaultStallTimeoutSeconds
	}

	if c.Synthesis.TimeoutSeconds <= 0 {
		c.Synthesis.TimeoutSeconds = defaultSynthesisTimeoutSecs
	}

	if c.Synthesis.Engine == "" {
		c.Synthesis.Engine = "http"
	}

	if c.HTTP.ListenAddr == "" {
		c.HTTP.ListenAddr = defaultListenAddr
	}
}
