package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"mdrelay/internal/logger"
	"mdrelay/internal/store"
)

// Storage and publish backends.
const (
	BackendNone     = "none"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendKafka    = "kafka"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Feed
	Market      string   `envconfig:"MARKET_NAME" default:"huobi"`
	FeedURL     string   `envconfig:"FEED_URL" default:"wss://api.huobi.pro/ws"`
	Symbols     []string `envconfig:"SYMBOLS" default:"ethusdt,btcusdt"`
	Period      string   `envconfig:"PERIOD" default:"1min"`
	ReplayFile  string   `envconfig:"REPLAY_FILE"`
	ReplaySpeed float64  `envconfig:"REPLAY_SPEED" default:"1"`

	// Pipeline
	Workers    int `envconfig:"WORKERS" default:"4"`
	InputQueue int `envconfig:"INPUT_QUEUE" default:"4096"`

	// Batched storage
	BatchThreshold int           `envconfig:"BATCH_THRESHOLD" default:"1000"`
	BatchInterval  time.Duration `envconfig:"BATCH_INTERVAL" default:"20s"`
	StorageBackend string        `envconfig:"STORAGE_BACKEND" default:"sqlite"`
	StorageTarget  string        `envconfig:"STORAGE_TARGET" default:"md_min1_tick"`
	SQLitePath     string        `envconfig:"SQLITE_PATH" default:"data/ticks.db"`
	PostgresDSN    string        `envconfig:"POSTGRES_DSN"`

	// Pub/sub
	PublishBackend string        `envconfig:"PUBLISH_BACKEND" default:"redis"`
	PublishQueue   int           `envconfig:"PUBLISH_QUEUE" default:"10000"`
	RedisAddr      string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword  string        `envconfig:"REDIS_PASSWORD"`
	RedisDB        int           `envconfig:"REDIS_DB" default:"0"`
	RedisLatestTTL time.Duration `envconfig:"REDIS_LATEST_TTL" default:"0"`
	KafkaBrokers   []string      `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	KafkaTopic     string        `envconfig:"KAFKA_TOPIC" default:"md.ticks"`
	KafkaAcks      string        `envconfig:"KAFKA_ACKS" default:"one"`

	// Infrastructure
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads configuration from environment variables with sensible
// defaults and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.Symbols = cleanList(cfg.Symbols, true)
	cfg.KafkaBrokers = cleanList(cfg.KafkaBrokers, false)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the relay cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Market == "" {
		errs = append(errs, errors.New("MARKET_NAME must not be empty"))
	}
	if c.ReplayFile == "" {
		if u, err := url.Parse(c.FeedURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, fmt.Errorf("FEED_URL %q must be a ws:// or wss:// URL", c.FeedURL))
		}
		if len(c.Symbols) == 0 {
			errs = append(errs, errors.New("SYMBOLS must list at least one instrument"))
		}
	}
	if c.ReplaySpeed < 0 {
		errs = append(errs, errors.New("REPLAY_SPEED must not be negative"))
	}
	if c.Workers <= 0 {
		errs = append(errs, errors.New("WORKERS must be positive"))
	}
	if c.InputQueue <= 0 {
		errs = append(errs, errors.New("INPUT_QUEUE must be positive"))
	}
	if c.BatchThreshold <= 0 {
		errs = append(errs, errors.New("BATCH_THRESHOLD must be positive"))
	}
	if c.BatchInterval <= 0 {
		errs = append(errs, errors.New("BATCH_INTERVAL must be positive"))
	}

	switch c.StorageBackend {
	case BackendNone:
	case BackendSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH must be set for the sqlite backend"))
		}
	case BackendPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("POSTGRES_DSN must be set for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend))
	}
	if c.StorageBackend != BackendNone {
		if err := store.ValidateTarget(c.StorageTarget); err != nil {
			errs = append(errs, fmt.Errorf("STORAGE_TARGET: %w", err))
		}
	}

	switch c.PublishBackend {
	case BackendNone, BackendRedis:
	case BackendKafka:
		if len(c.KafkaBrokers) == 0 || c.KafkaTopic == "" {
			errs = append(errs, errors.New("KAFKA_BROKERS and KAFKA_TOPIC must be set for the kafka backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown PUBLISH_BACKEND %q", c.PublishBackend))
	}
	if c.PublishQueue <= 0 {
		errs = append(errs, errors.New("PUBLISH_QUEUE must be positive"))
	}

	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}

	return errors.Join(errs...)
}

// cleanList trims entries and drops empty ones.
func cleanList(in []string, lower bool) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if lower {
			s = strings.ToLower(s)
		}
		out = append(out, s)
	}
	return out
}
