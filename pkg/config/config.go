package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	// Log configuration
	Log LogConfig `mapstructure:"log"`

	// Server configuration
	Server ServerConfig `mapstructure:"server"`

	// Database configuration
	Database DatabaseConfig `mapstructure:"database"`

	// NLP configuration
	NLP NLPConfig `mapstructure:"nlp"`

	// Embedding configuration
	Embedding EmbeddingConfig `mapstructure:"embedding"`

	// Retry configuration shared by the embedding and extraction clients
	Retry RetryConfig `mapstructure:"retry"`

	// CircuitBreaker configuration
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`

	// Checkpoint configuration
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`

	// Telemetry configuration
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// CircuitBreakerConfig holds configuration for circuit breaking
type CircuitBreakerConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	MaxRequests      uint32  `mapstructure:"max_requests"`
	Interval         int     `mapstructure:"interval"` // in seconds
	Timeout          int     `mapstructure:"timeout"`  // in seconds
	ReadyToTripRatio float64 `mapstructure:"ready_to_trip_ratio"`
}

// RetryConfig holds configuration for retrying transient failures
type RetryConfig struct {
	// MaxRetries is nil when unset; 0 disables retries.
	MaxRetries        *int          `mapstructure:"max_retries"`
	InitialDelay      time.Duration `mapstructure:"initial_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
}

// CheckpointConfig holds configuration for chapter processing checkpoints
type CheckpointConfig struct {
	Backend string `mapstructure:"backend"` // file, badger
	Dir     string `mapstructure:"dir"`
	// MaxAttempts stops retrying a failed chapter; 0 means unlimited.
	MaxAttempts int `mapstructure:"max_attempts"`
	// MaxAge stops retrying a chapter first seen longer ago; 0 means unlimited.
	MaxAge time.Duration `mapstructure:"max_age"`
	// StalledAfter marks an unfinished checkpoint as stalled in reports.
	StalledAfter time.Duration `mapstructure:"stalled_after"`
}

// TelemetryConfig holds telemetry configuration
type TelemetryConfig struct {
	ParquetPath string `mapstructure:"parquet_path"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text, json, color
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // gin mode: debug, release, test
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver              string `mapstructure:"driver"` // postgres, sqlite
	DSN                 string `mapstructure:"dsn"`
	UsePgVector         bool   `mapstructure:"use_pgvector"`
	EmbeddingDimensions int    `mapstructure:"embedding_dimensions"`
	MaxOpenConns        int    `mapstructure:"max_open_conns"`
}

// NLPConfig holds configuration for the fact extraction model
type NLPConfig struct {
	Provider    string  `mapstructure:"provider"` // openai
	Model       string  `mapstructure:"model"`
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	Temperature float32 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// EmbeddingConfig holds embedding configuration
type EmbeddingConfig struct {
	Provider          string  `mapstructure:"provider"` // openai, embedeverything
	Model             string  `mapstructure:"model"`
	APIKey            string  `mapstructure:"api_key"`
	BaseURL           string  `mapstructure:"base_url"`
	Dimensions        int     `mapstructure:"dimensions"`
	BatchSize         int     `mapstructure:"batch_size"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	// Set defaults
	setDefaults()

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	// Override with environment variables if present
	overrideWithEnv(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "postgresql", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.Embedding.Provider {
	case "openai", "embedeverything":
	default:
		return fmt.Errorf("unsupported embedding provider %q", c.Embedding.Provider)
	}
	if c.Database.EmbeddingDimensions < 0 {
		return fmt.Errorf("embedding_dimensions must not be negative")
	}
	return nil
}

// Address returns the host:port the HTTP server listens on.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// setDefaults sets default configuration values
func setDefaults() {
	// Log defaults
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")

	// Server defaults
	viper.SetDefault("server.host", "localhost")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.mode", "debug")

	// Database defaults
	viper.SetDefault("database.driver", "sqlite")
	viper.SetDefault("database.dsn", "./factmemory.db")
	viper.SetDefault("database.use_pgvector", false)
	viper.SetDefault("database.embedding_dimensions", 384)
	viper.SetDefault("database.max_open_conns", 25)

	viper.SetDefault("nlp.provider", "openai")
	viper.SetDefault("nlp.model", "gpt-4o-mini")
	viper.SetDefault("nlp.temperature", 0.0)
	viper.SetDefault("nlp.max_tokens", 2048)

	viper.SetDefault("embedding.provider", "embedeverything")
	viper.SetDefault("embedding.model", "sentence-transformers/all-MiniLM-L6-v2")
	viper.SetDefault("embedding.dimensions", 384)
	viper.SetDefault("embedding.batch_size", 64)
	viper.SetDefault("embedding.requests_per_second", 0)

	viper.SetDefault("retry.max_retries", 3)
	viper.SetDefault("retry.initial_delay", time.Second)
	viper.SetDefault("retry.max_delay", 60*time.Second)
	viper.SetDefault("retry.backoff_multiplier", 2.0)

	viper.SetDefault("circuit_breaker.enabled", false)
	viper.SetDefault("circuit_breaker.max_requests", 1)
	viper.SetDefault("circuit_breaker.interval", 60)
	viper.SetDefault("circuit_breaker.timeout", 30)
	viper.SetDefault("circuit_breaker.ready_to_trip_ratio", 0.6)

	viper.SetDefault("checkpoint.backend", "file")
	viper.SetDefault("checkpoint.max_attempts", 3)
	viper.SetDefault("checkpoint.max_age", 0)
	viper.SetDefault("checkpoint.stalled_after", time.Hour)

	home, err := os.UserHomeDir()
	if err == nil {
		viper.SetDefault("checkpoint.dir", fmt.Sprintf("%s/.factmemory/checkpoints", home))
		viper.SetDefault("telemetry.parquet_path", fmt.Sprintf("%s/.factmemory/telemetry", home))
	}
}

// overrideWithEnv overrides config with environment variables
func overrideWithEnv(config *Config) {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		if config.NLP.APIKey == "" {
			config.NLP.APIKey = apiKey
		}
		if config.Embedding.APIKey == "" {
			config.Embedding.APIKey = apiKey
		}
	}

	// Database settings
	if dbDriver := os.Getenv("DB_DRIVER"); dbDriver != "" {
		config.Database.Driver = dbDriver
	}
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		config.Database.DSN = dsn
	}

	// Server settings
	if host := os.Getenv("SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		var p int
		if _, err := fmt.Sscanf(port, "%d", &p); err == nil {
			config.Server.Port = p
		}
	}

	// Telemetry settings
	if path := os.Getenv("TELEMETRY_PARQUET_PATH"); path != "" {
		config.Telemetry.ParquetPath = path
	}
}
