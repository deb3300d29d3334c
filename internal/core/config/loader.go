package config

import (
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/lens/internal/aggregate"
	"github.com/vietddude/lens/internal/core/apperr"
	"github.com/vietddude/lens/internal/core/domain"
	"github.com/vietddude/lens/internal/events"
	"github.com/vietddude/lens/internal/provider"
	"github.com/vietddude/lens/internal/resilience/backoff"
)

// DefaultMaxRetries applies when a provider leaves max_retries unset.
const DefaultMaxRetries = 2

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeConfigLoadFailure, "failed to read config file")
	}
	return Parse(data)
}

// Parse decodes YAML, expands environment variables, applies defaults and
// validates the result.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeConfigParseInvalid, "failed to parse config file")
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AppConfig) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	o := &c.Orchestrator
	if o.RequestTimeout == 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.MaxPayloadBytes == 0 {
		o.MaxPayloadBytes = provider.DefaultMaxPayloadBytes
	}
	if o.EventQueueSize == 0 {
		o.EventQueueSize = events.DefaultQueueSize
	}
	if o.Weights.AgreementBonus == nil {
		v := aggregate.DefaultAgreementBonus
		o.Weights.AgreementBonus = &v
	}
	if o.Weights.PriorityBonus == nil {
		v := aggregate.DefaultPriorityBonus
		o.Weights.PriorityBonus = &v
	}
	if o.MinConfidence == nil {
		v := aggregate.DefaultMinConfidence
		o.MinConfidence = &v
	}
	if o.MaxResults == 0 {
		o.MaxResults = aggregate.DefaultMaxResults
	}

	if c.Backoff == (backoff.Config{}) {
		c.Backoff = backoff.DefaultConfig
	}

	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Type == "" {
			p.Type = ProviderHTTP
		}
		if p.Timeout == 0 {
			p.Timeout = provider.DefaultTimeout
		}
		if p.MaxRetries == nil {
			n := DefaultMaxRetries
			p.MaxRetries = &n
		}
		if p.MaxPayloadBytes == 0 {
			p.MaxPayloadBytes = o.MaxPayloadBytes
		}
	}
}

// Validate checks the configuration for values the service cannot run with.
func (c *AppConfig) Validate() error {
	o := c.Orchestrator
	if o.RequestTimeout < 0 {
		return invalid("orchestrator.request_timeout must not be negative")
	}
	if o.CacheTTL < 0 {
		return invalid("orchestrator.cache_ttl must not be negative")
	}
	if o.MaxPayloadBytes < 0 {
		return invalid("orchestrator.max_payload_bytes must not be negative")
	}
	if o.MinConfidence != nil && (*o.MinConfidence < 0 || *o.MinConfidence > 1) {
		return invalid("orchestrator.min_confidence must be within [0,1], got %v", *o.MinConfidence)
	}
	if o.MaxResults < 0 {
		return invalid("orchestrator.max_results must not be negative")
	}
	if w := o.Weights.Resolve(); w.AgreementBonus < 0 || w.PriorityBonus < 0 {
		return invalid("orchestrator.weights must not be negative")
	}
	if c.Backoff.Multiplier != 0 && c.Backoff.Multiplier < 1 {
		return invalid("backoff.multiplier must be at least 1, got %v", c.Backoff.Multiplier)
	}

	var names []string
	for i, p := range c.Providers {
		if p.Name == "" {
			return invalid("providers[%d].name is required", i)
		}
		if slices.Contains(names, p.Name) {
			return invalid("provider %s is configured twice", p.Name)
		}
		names = append(names, p.Name)

		switch p.Type {
		case ProviderHTTP, ProviderGRPC:
			if p.URL == "" {
				return invalid("provider %s: url is required for type %s", p.Name, p.Type)
			}
		case ProviderStatic:
		default:
			return invalid("provider %s: unknown type %q", p.Name, p.Type)
		}
		if len(p.Categories) == 0 {
			return invalid("provider %s: categories are required", p.Name)
		}
		if p.MaxRetries != nil && *p.MaxRetries < 0 {
			return invalid("provider %s: max_retries must not be negative", p.Name)
		}
		if p.Timeout < 0 {
			return invalid("provider %s: timeout must not be negative", p.Name)
		}
		for _, pc := range p.PriorityCategories {
			if !containsCategory(p.Categories, pc) {
				return invalid("provider %s: priority category %q is not in categories", p.Name, pc)
			}
		}
	}
	return nil
}

func containsCategory(list []domain.Category, c domain.Category) bool {
	want := domain.NormalizeCategory(string(c))
	for _, l := range list {
		if domain.NormalizeCategory(string(l)) == want {
			return true
		}
	}
	return false
}

func invalid(format string, args ...any) error {
	return apperr.Errorf(apperr.CodeConfigValidateFailed, "invalid config: %s", fmt.Sprintf(format, args...))
}
