package control

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/vietddude/lens/internal/core/config"
	"github.com/vietddude/lens/internal/orchestrator"
	"github.com/vietddude/lens/internal/provider"
	"github.com/vietddude/lens/internal/provider/grpcid"
	"github.com/vietddude/lens/internal/provider/httpjson"
	"github.com/vietddude/lens/internal/provider/static"
	"github.com/vietddude/lens/internal/resilience/backoff"
)

// BuildProvider creates the adapter and descriptor for one configured
// provider.
func BuildProvider(pc config.ProviderConfig, log *slog.Logger) (provider.Provider, provider.Descriptor, error) {
	desc := provider.Descriptor{
		Name:                pc.Name,
		SupportedCategories: pc.Categories,
		PriorityCategories:  pc.PriorityCategories,
		Timeout:             pc.Timeout,
		Breaker:             pc.Breaker,
	}
	if pc.MaxRetries != nil {
		desc.MaxRetries = *pc.MaxRetries
	}

	switch pc.Type {
	case config.ProviderHTTP, "":
		p := httpjson.New(httpjson.Config{
			Name:           pc.Name,
			URL:            pc.URL,
			APIKey:         pc.APIKey,
			Categories:     pc.Categories,
			Timeout:        pc.Timeout,
			MaxPayloadSize: pc.MaxPayloadBytes,
			HealthURL:      pc.HealthURL,
		}, httpjson.WithLogger(log))
		return p, desc, nil

	case config.ProviderGRPC:
		p, err := grpcid.New(grpcid.Config{
			Name:           pc.Name,
			Target:         pc.URL,
			Method:         pc.Method,
			HealthService:  pc.HealthService,
			APIKey:         pc.APIKey,
			Categories:     pc.Categories,
			MaxPayloadSize: pc.MaxPayloadBytes,
		}, grpcid.WithLogger(log))
		if err != nil {
			return nil, desc, fmt.Errorf("failed to create grpc provider %s: %w", pc.Name, err)
		}
		return p, desc, nil

	case config.ProviderStatic:
		return static.New(pc.Name, pc.Categories, pc.Results, pc.Delay), desc, nil

	default:
		return nil, desc, fmt.Errorf("unknown provider type %q for %s", pc.Type, pc.Name)
	}
}

// OrchestratorConfig maps the orchestrator section of the app config.
func OrchestratorConfig(cfg *config.AppConfig) orchestrator.Config {
	o := cfg.Orchestrator
	oc := orchestrator.DefaultConfig()
	oc.RequestTimeout = o.RequestTimeout
	oc.MaxPayloadBytes = o.MaxPayloadBytes
	oc.CacheTTL = o.CacheTTL
	w := o.Weights.Resolve()
	oc.Weights = &w
	oc.EventQueueSize = o.EventQueueSize
	if o.MinConfidence != nil {
		oc.Defaults.MinConfidence = *o.MinConfidence
	}
	if o.MaxResults > 0 {
		oc.Defaults.MaxResults = o.MaxResults
	}
	return oc
}

// NewOrchestrator builds an orchestrator and registers every configured
// provider. On error, providers registered so far are closed.
func NewOrchestrator(cfg *config.AppConfig, log *slog.Logger, opts ...orchestrator.Option) (*orchestrator.Orchestrator, error) {
	if log == nil {
		log = slog.Default()
	}
	opts = append([]orchestrator.Option{
		orchestrator.WithLogger(log),
		orchestrator.WithBackoff(backoff.New(cfg.Backoff)),
	}, opts...)
	orch := orchestrator.New(OrchestratorConfig(cfg), opts...)

	for _, pc := range cfg.Providers {
		p, desc, err := BuildProvider(pc, log)
		if err != nil {
			_ = orch.Close()
			return nil, err
		}
		if err := orch.RegisterProvider(desc, p); err != nil {
			if c, ok := p.(io.Closer); ok {
				_ = c.Close()
			}
			_ = orch.Close()
			return nil, fmt.Errorf("failed to register provider %s: %w", pc.Name, err)
		}
	}
	return orch, nil
}
