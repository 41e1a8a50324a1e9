// Package config aggregates the messaging core's environment-driven
// configuration into one root Config struct, loaded and validated through
// pkg/config.Load (cleanenv + go-playground/validator).
package config

import (
	"time"

	"github.com/coreim/messaging-core/internal/ingest"
	"github.com/coreim/messaging-core/internal/webhook"
	"github.com/coreim/messaging-core/pkg/cache"
	"github.com/coreim/messaging-core/pkg/client/rest"
	"github.com/coreim/messaging-core/pkg/config"
	"github.com/coreim/messaging-core/pkg/database/sql"
	"github.com/coreim/messaging-core/pkg/logger"
	"github.com/coreim/messaging-core/pkg/telemetry"
)

// BrokerConfig points the adapter at the broker's REST management endpoint.
type BrokerConfig struct {
	BaseURL string `env:"BROKER_REST_URL" env-default:"http://localhost:5001"`
	rest.Config
}

// DedupeConfig tunes the dedupe engine's filter size and retention.
type DedupeConfig struct {
	ExpectedElements  uint          `env:"DEDUPE_EXPECTED_ELEMENTS" env-default:"1000000"`
	FalsePositiveRate float64       `env:"DEDUPE_FALSE_POSITIVE_RATE" env-default:"0.01"`
	Retention         time.Duration `env:"DEDUPE_RETENTION" env-default:"24h"`
	TxTTL             time.Duration `env:"DEDUPE_TX_TTL" env-default:"5m"`
}

// PermissionConfig gates the optional mutual-friendship requirement for
// single chats.
type PermissionConfig struct {
	RequireMutualFriendship bool `env:"PERMISSION_REQUIRE_MUTUAL_FRIENDSHIP" env-default:"false"`
}

// OrchestratorConfig mirrors ingest.Config's environment knobs.
type OrchestratorConfig struct {
	RetryMaxAttempts    int           `env:"INGEST_RETRY_MAX_ATTEMPTS" env-default:"4"`
	RetryInitialBackoff time.Duration `env:"INGEST_RETRY_INITIAL_BACKOFF" env-default:"1s"`
	RetryMultiplier     float64       `env:"INGEST_RETRY_MULTIPLIER" env-default:"2"`
	RetryJitter         float64       `env:"INGEST_RETRY_JITTER" env-default:"1"`
	MaxInFlightSends    int           `env:"INGEST_MAX_INFLIGHT_SENDS" env-default:"64"`
	MaxQueueDepth       int           `env:"INGEST_MAX_QUEUE_DEPTH" env-default:"256"`
}

// ToIngestConfig adapts the environment-loaded knobs into ingest.Config.
func (o OrchestratorConfig) ToIngestConfig() ingest.Config {
	return ingest.Config{
		RetryMaxAttempts:    o.RetryMaxAttempts,
		RetryInitialBackoff: o.RetryInitialBackoff,
		RetryMultiplier:     o.RetryMultiplier,
		RetryJitter:         o.RetryJitter,
		MaxInFlightSends:    o.MaxInFlightSends,
		MaxQueueDepth:       o.MaxQueueDepth,
	}
}

// Config is the root configuration aggregate for the messaging core.
type Config struct {
	Logger       logger.Config
	Telemetry    telemetry.Config
	Store        sql.Config
	Cache        cache.Config
	Broker       BrokerConfig
	Dedupe       DedupeConfig
	Permission   PermissionConfig
	Orchestrator OrchestratorConfig
	Webhook      webhook.Config
}

// Load reads Config from the environment (with .env fallback) and validates
// it, per pkg/config.Load's contract.
func Load() (*Config, error) {
	var cfg Config
	if err := config.Load(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
