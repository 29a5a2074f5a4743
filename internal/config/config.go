// Package config centralises configuration parsing for the verification service.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config captures runtime configuration values for the verification service.
type Config struct {
	HTTPAddress     string        `env:"HTTP_ADDRESS" envDefault:":8080"`
	MetricsAddress  string        `env:"METRICS_ADDRESS" envDefault:":9195"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	// PostgresURL selects the Postgres store. Empty runs the service on the in-memory store.
	PostgresURL        string        `env:"POSTGRES_URL"`
	KafkaBrokers       []string      `env:"KAFKA_BROKERS" envDefault:"kafka:9092" envSeparator:","`
	KafkaAutoCreate    bool          `env:"KAFKA_AUTO_CREATE_TOPICS" envDefault:"false"`
	SchemaRegistryURL  string        `env:"SCHEMA_REGISTRY_URL" envDefault:"http://schema-registry:8081"`
	LedgerTopic        string        `env:"LEDGER_TOPIC" envDefault:"ledger_events"`
	ConsumerGroupID    string        `env:"CONSUMER_GROUP_ID"`
	OutboxPollInterval time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"2s"`
	OutboxBatchSize    int           `env:"OUTBOX_BATCH_SIZE" envDefault:"25"`

	JWTSecret   string `env:"JWT_SECRET" envDefault:"dev-secret-change-me"`
	JWTIssuer   string `env:"JWT_ISSUER"`
	JWTAudience string `env:"JWT_AUDIENCE"`

	AIGatewayURL  string        `env:"AI_GATEWAY_URL" envDefault:"https://ai.gateway.lovable.dev/v1"`
	AIAPIKey      string        `env:"AI_API_KEY"`
	AIModel       string        `env:"AI_MODEL" envDefault:"google/gemini-2.5-flash"`
	AITemperature float64       `env:"AI_TEMPERATURE" envDefault:"0.3"`
	AITimeout     time.Duration `env:"AI_TIMEOUT" envDefault:"45s"`

	// RedisURL enables the point-total cache when set.
	RedisURL       string        `env:"REDIS_URL"`
	PointsCacheTTL time.Duration `env:"POINTS_CACHE_TTL" envDefault:"5m"`

	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	DLQPollInterval time.Duration `env:"DLQ_POLL_INTERVAL" envDefault:"30s"` // Interval between DLQ polling iterations.
	DLQMaxRetries   int           `env:"DLQ_MAX_RETRIES" envDefault:"5"`     // Maximum number of DLQ retry attempts before quarantine.
	DLQBaseDelay    time.Duration `env:"DLQ_BASE_DELAY" envDefault:"1m"`     // Base delay used for exponential backoff.
	DLQBatchSize    int           `env:"DLQ_BATCH_SIZE" envDefault:"50"`
}

// Load reads environment variables into Config, applying sensible defaults for local dev.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.OutboxBatchSize <= 0 {
		return Config{}, fmt.Errorf("OUTBOX_BATCH_SIZE must be > 0")
	}
	if cfg.ConsumerGroupID == "" {
		cfg.ConsumerGroupID = "greenpoints-notifier"
	}
	return cfg, nil
}

// UsePostgres reports whether the Postgres store is configured.
func (c Config) UsePostgres() bool {
	return c.PostgresURL != ""
}
