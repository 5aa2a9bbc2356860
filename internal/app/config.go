package app

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything the binary needs. Values come from built-in
// defaults, then an optional YAML config file, then environment variables,
// in that order of precedence.
type Config struct {
	DatabaseURL string `yaml:"database_url"` // Postgres; wins over sqlite_path when both are set
	SQLitePath  string `yaml:"sqlite_path"`  // single-binary deployments and development
	LogLevel    string `yaml:"log_level"`
	SentryDSN   string `yaml:"sentry_dsn"`

	// STT providers
	OpenAIAPIKey     string `yaml:"openai_api_key"`
	AssemblyAIAPIKey string `yaml:"assemblyai_api_key"`

	// Fallback policy
	ConfidenceThreshold    float64 `yaml:"confidence_threshold"`
	ProviderTimeoutSeconds int     `yaml:"provider_timeout_seconds"`

	// Transcript stitching
	OverlapRatio          float64 `yaml:"overlap_ratio"`
	DefaultOverlapSeconds float64 `yaml:"default_overlap_seconds"`

	// Worker pipeline
	AudioDir             string `yaml:"audio_dir"`
	Concurrency          int    `yaml:"concurrency"`
	MaxAttempts          int    `yaml:"max_attempts"`
	RetryBaseSeconds     int    `yaml:"retry_base_seconds"`
	SweepIntervalSeconds int    `yaml:"sweep_interval_seconds"`
	SweepAgeSeconds      int    `yaml:"sweep_age_seconds"`
	StaleAgeSeconds      int    `yaml:"stale_age_seconds"`

	// Notifications
	WebhookURL string `yaml:"webhook_url"`
}

func defaultConfig() Config {
	return Config{
		SQLitePath: "transcriptd.db",
		LogLevel:   "info",

		ConfidenceThreshold:    0.85,
		ProviderTimeoutSeconds: 30,

		OverlapRatio:          0.2,
		DefaultOverlapSeconds: 2.0,

		AudioDir:             "audio",
		Concurrency:          4,
		MaxAttempts:          3,
		RetryBaseSeconds:     1,
		SweepIntervalSeconds: 30,
		SweepAgeSeconds:      30,
		StaleAgeSeconds:      600,
	}
}

// LoadConfig builds the configuration. path may be empty, in which case only
// defaults and environment variables apply. Keys absent from the file keep
// their defaults; environment variables override both.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config: %w", err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// LoadConfigFromEnv builds the configuration from defaults and environment
// variables only.
func LoadConfigFromEnv() Config {
	cfg := defaultConfig()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyEnv() {
	c.DatabaseURL = getenv("DATABASE_URL", c.DatabaseURL)
	c.SQLitePath = getenv("SQLITE_PATH", c.SQLitePath)
	c.LogLevel = getenv("LOG_LEVEL", c.LogLevel)
	c.SentryDSN = getenv("SENTRY_DSN", c.SentryDSN)

	c.OpenAIAPIKey = getenv("OPENAI_API_KEY", c.OpenAIAPIKey)
	c.AssemblyAIAPIKey = getenv("ASSEMBLYAI_API_KEY", c.AssemblyAIAPIKey)

	c.ConfidenceThreshold = getenvFloatClamped("CONFIDENCE_THRESHOLD", c.ConfidenceThreshold, 0.0, 1.0)
	c.ProviderTimeoutSeconds = getenvIntClamped("PROVIDER_TIMEOUT_SECONDS", c.ProviderTimeoutSeconds, 1, 600)

	c.OverlapRatio = getenvFloatClamped("OVERLAP_RATIO", c.OverlapRatio, 0.0, 1.0)
	c.DefaultOverlapSeconds = getenvFloatClamped("DEFAULT_OVERLAP_SECONDS", c.DefaultOverlapSeconds, 0.0, 60.0)

	c.AudioDir = getenv("AUDIO_DIR", c.AudioDir)
	c.Concurrency = getenvIntClamped("WORKER_CONCURRENCY", c.Concurrency, 1, 64)
	c.MaxAttempts = getenvIntClamped("MAX_ATTEMPTS", c.MaxAttempts, 1, 10)
	c.RetryBaseSeconds = getenvIntClamped("RETRY_BASE_SECONDS", c.RetryBaseSeconds, 1, 300)
	c.SweepIntervalSeconds = getenvIntClamped("SWEEP_INTERVAL_SECONDS", c.SweepIntervalSeconds, 1, 3600)
	c.SweepAgeSeconds = getenvIntClamped("SWEEP_AGE_SECONDS", c.SweepAgeSeconds, 1, 3600)
	c.StaleAgeSeconds = getenvIntClamped("STALE_AGE_SECONDS", c.StaleAgeSeconds, 1, 86400)

	c.WebhookURL = getenv("WEBHOOK_URL", c.WebhookURL)
}

// ProviderTimeout returns the per-provider transcription timeout.
func (c Config) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutSeconds) * time.Second
}

// RetryBase returns the first retry backoff.
func (c Config) RetryBase() time.Duration {
	return time.Duration(c.RetryBaseSeconds) * time.Second
}

// SweepInterval returns how often the pending sweep runs.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// SweepAge returns how old a pending chunk must be before the sweep
// enqueues it.
func (c Config) SweepAge() time.Duration {
	return time.Duration(c.SweepAgeSeconds) * time.Second
}

// StaleAge returns how long a chunk may sit in processing without progress
// before the sweep treats its worker as dead.
func (c Config) StaleAge() time.Duration {
	return time.Duration(c.StaleAgeSeconds) * time.Second
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvIntClamped(k string, def, min, max int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func getenvFloatClamped(k string, def, min, max float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	if f < min {
		return min
	}
	if f > max {
		return max
	}
	return f
}
