package config

import (
	"time"

	"github.com/vietddude/lens/internal/aggregate"
	"github.com/vietddude/lens/internal/core/domain"
	"github.com/vietddude/lens/internal/infra/cache"
	"github.com/vietddude/lens/internal/infra/journal"
	"github.com/vietddude/lens/internal/resilience/backoff"
	"github.com/vietddude/lens/internal/resilience/breaker"
)

// Provider adapter types.
const (
	ProviderHTTP   = "http"
	ProviderGRPC   = "grpc"
	ProviderStatic = "static"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Backoff      backoff.Config     `yaml:"backoff"`
	Redis        cache.Config       `yaml:"redis"`
	Database     journal.Config     `yaml:"database"`
	Providers    []ProviderConfig   `yaml:"providers"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	CORSOrigins  []string      `yaml:"cors_origins"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// OrchestratorConfig holds request-wide settings.
type OrchestratorConfig struct {
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	MaxPayloadBytes int64         `yaml:"max_payload_bytes"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	EventQueueSize  int           `yaml:"event_queue_size"`
	Weights         WeightsConfig `yaml:"weights"`
	MinConfidence   *float64      `yaml:"min_confidence"`
	MaxResults      int           `yaml:"max_results"`
}

// WeightsConfig holds the merge bonuses. Each unset field takes its
// default on its own, so an explicit zero is kept.
type WeightsConfig struct {
	AgreementBonus *float64 `yaml:"agreement_bonus"`
	PriorityBonus  *float64 `yaml:"priority_bonus"`
}

// Resolve returns the weights with defaults applied to unset fields.
func (w WeightsConfig) Resolve() aggregate.Weights {
	out := aggregate.DefaultWeights()
	if w.AgreementBonus != nil {
		out.AgreementBonus = *w.AgreementBonus
	}
	if w.PriorityBonus != nil {
		out.PriorityBonus = *w.PriorityBonus
	}
	return out
}

// ProviderConfig holds settings for one identification provider.
type ProviderConfig struct {
	Name               string            `yaml:"name"`
	Type               string            `yaml:"type"` // http, grpc, static
	URL                string            `yaml:"url"`
	APIKey             string            `yaml:"api_key"`
	Categories         []domain.Category `yaml:"categories"`
	PriorityCategories []domain.Category `yaml:"priority_categories"`
	Timeout            time.Duration     `yaml:"timeout"`
	MaxRetries         *int              `yaml:"max_retries"`
	Breaker            breaker.Config    `yaml:"breaker"`
	MaxPayloadBytes    int64             `yaml:"max_payload_bytes"`

	// http
	HealthURL string `yaml:"health_url"`

	// grpc
	Method        string `yaml:"method"`
	HealthService string `yaml:"health_service"`

	// static
	Results []domain.Identification `yaml:"results"`
	Delay   time.Duration           `yaml:"delay"`
}
