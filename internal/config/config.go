// Package config provides configuration management for the retrieval service
// with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (prefix FK_, runtime override)
//  2. Config file (~/.finderskeepers/config.yaml)
//  3. Default values
//
// Main configuration categories:
//   - Storage: PostgreSQL connection for the relational vector backend
//     (see storage.go)
//   - Qdrant: dedicated vector-index server endpoint
//   - Embedder: OpenAI-compatible embedding endpoint, model, dimension
//   - Retry: engine retry policy knobs
//   - Collections: declared collections with their backend and filter keys
//
// Security: passwords and API keys are never logged.
// Validation: range checks in validation.go with sentinel errors for
// Go-idiomatic checking via errors.Is.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrInvalidQdrantURL indicates the vector-index server URL is invalid.
	ErrInvalidQdrantURL = errors.New("invalid Qdrant URL")

	// ErrInvalidEmbedderModel indicates the embedder model is empty.
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")

	// ErrInvalidEmbedderDimension indicates the embedding dimension is out of range.
	ErrInvalidEmbedderDimension = errors.New("invalid embedder dimension")

	// ErrInvalidRetryPolicy indicates the retry configuration is out of range.
	ErrInvalidRetryPolicy = errors.New("invalid retry policy")

	// ErrInvalidCollection indicates a declared collection is malformed.
	ErrInvalidCollection = errors.New("invalid collection")
)

// Backend identifiers used in CollectionConfig.Backend.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendQdrant   = "qdrant"
)

// EmbedderConfig configures the embedding capability.
type EmbedderConfig struct {
	BaseURL           string  `mapstructure:"base_url"`
	Model             string  `mapstructure:"model"`
	APIKey            string  `mapstructure:"api_key"` // SENSITIVE: never logged
	Dimension         int     `mapstructure:"dimension"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// RetryConfig configures the engine retry policy.
type RetryConfig struct {
	MaxRetries          uint64        `mapstructure:"max_retries"`
	InitialInterval     time.Duration `mapstructure:"initial_interval"`
	Multiplier          float64       `mapstructure:"multiplier"`
	RandomizationFactor float64       `mapstructure:"randomization_factor"`
}

// CollectionConfig declares one collection: its backend, dimension, and the
// closed set of metadata keys it accepts for filtering.
type CollectionConfig struct {
	Name       string   `mapstructure:"name"`
	Dimension  int      `mapstructure:"dimension"`
	Backend    string   `mapstructure:"backend"`
	FilterKeys []string `mapstructure:"filter_keys"`
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// RedisConfig configures the optional embedding cache.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"` // SENSITIVE: never logged
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// Config stores the retrieval service configuration.
type Config struct {
	// Storage configuration (see storage.go for DSN/URL helpers)
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"` // SENSITIVE: never logged
	PostgresDBName   string `mapstructure:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode"`

	// Dedicated vector-index server
	QdrantURL    string `mapstructure:"qdrant_url"`
	QdrantAPIKey string `mapstructure:"qdrant_api_key"` // SENSITIVE: never logged

	Embedder EmbedderConfig `mapstructure:"embedder"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Tracing  TracingConfig  `mapstructure:"tracing"`

	Collections []CollectionConfig `mapstructure:"collections"`

	// QueryCacheSize enables the facade LRU query cache when > 0.
	QueryCacheSize int `mapstructure:"query_cache_size"`
}

// Load reads configuration from file and environment with defaults.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	home, err := os.UserHomeDir()
	if err == nil {
		v.AddConfigPath(filepath.Join(home, ".finderskeepers"))
	}
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("FK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		// no file is fine, defaults + env apply
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "finderskeepers")
	v.SetDefault("postgres_db_name", "finderskeepers")
	v.SetDefault("postgres_ssl_mode", "disable")

	v.SetDefault("qdrant_url", "http://localhost:6333")

	v.SetDefault("embedder.base_url", "http://localhost:11434/v1")
	v.SetDefault("embedder.model", "mxbai-embed-large")
	v.SetDefault("embedder.dimension", 1024)

	v.SetDefault("retry.max_retries", 2)
	v.SetDefault("retry.initial_interval", 100*time.Millisecond)
	v.SetDefault("retry.multiplier", 4.0)
	v.SetDefault("retry.randomization_factor", 0.0)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.ttl", 24*time.Hour)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.service_name", "finderskeepers-retrieval")
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("query_cache_size", 0)
}
