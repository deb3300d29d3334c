// Package provider defines the capability contract every identification
// adapter satisfies, plus the helpers adapters share.
//
// This package contains:
//   - Provider interface: identify, declared categories, health probe
//   - Descriptor: static registration data for one provider
//   - Payload validation for image/audio input
//   - Classifier: swappable "category from label" inference
//   - Monitor: latency and throttle tracking backing HealthProbe
//
// Concrete adapters live in sub-packages (httpjson, grpcid, static).
package provider

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/vietddude/lens/internal/core/domain"
	"github.com/vietddude/lens/internal/resilience/breaker"
)

// IdentifyOptions carries request-scoped options to an adapter.
type IdentifyOptions struct {
	// Category is empty when the caller did not scope the request.
	Category  domain.Category
	RequestID string
}

// Provider is the capability interface every adapter implements.
type Provider interface {
	// Identify returns candidate identifications for the payload. Errors
	// built with apperr.Validation are treated as caller faults.
	Identify(ctx context.Context, payload Payload, opts IdentifyOptions) ([]domain.Identification, error)

	// SupportedCategories declares which categories the adapter handles.
	SupportedCategories() []domain.Category

	// HealthProbe reports the adapter's own view of upstream health.
	HealthProbe(ctx context.Context) domain.HealthState
}

// Descriptor is the static registration record of a provider.
type Descriptor struct {
	Name                string
	SupportedCategories []domain.Category
	// PriorityCategories lists categories for which this provider is
	// priority-1 during aggregation.
	PriorityCategories []domain.Category
	Timeout            time.Duration
	MaxRetries         int
	Breaker            breaker.Config
}

// DefaultTimeout applies when a descriptor leaves Timeout unset.
const DefaultTimeout = 30 * time.Second

// Normalize fills defaults and normalizes category tags. Categories fall
// back to the adapter's declaration when the descriptor has none.
func (d Descriptor) Normalize(p Provider) Descriptor {
	if len(d.SupportedCategories) == 0 && p != nil {
		d.SupportedCategories = p.SupportedCategories()
	}
	d.SupportedCategories = normalizeCategories(d.SupportedCategories)
	d.PriorityCategories = normalizeCategories(d.PriorityCategories)
	if d.Timeout <= 0 {
		d.Timeout = DefaultTimeout
	}
	if d.MaxRetries < 0 {
		d.MaxRetries = 0
	}
	return d
}

// Validate checks the descriptor is registrable.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("provider name is required")
	}
	if len(d.SupportedCategories) == 0 {
		return fmt.Errorf("provider %s declares no categories", d.Name)
	}
	for _, c := range d.PriorityCategories {
		if !d.Supports(c) {
			return fmt.Errorf("provider %s: priority category %q is not supported", d.Name, c)
		}
	}
	return nil
}

// Supports reports whether the provider declared the category.
func (d Descriptor) Supports(c domain.Category) bool {
	return slices.Contains(d.SupportedCategories, c)
}

// IsPriority reports whether the provider is priority-1 for the category.
func (d Descriptor) IsPriority(c domain.Category) bool {
	return slices.Contains(d.PriorityCategories, c)
}

func normalizeCategories(in []domain.Category) []domain.Category {
	out := make([]domain.Category, 0, len(in))
	for _, c := range in {
		n := domain.NormalizeCategory(string(c))
		if n == "" || slices.Contains(out, n) {
			continue
		}
		out = append(out, n)
	}
	return out
}
