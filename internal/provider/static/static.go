// Package static provides an adapter that answers every request with a fixed
// result list. It backs offline demos and local configurations.
package static

import (
	"context"
	"time"

	"github.com/vietddude/lens/internal/core/domain"
	"github.com/vietddude/lens/internal/provider"
)

// Adapter returns configured identifications.
type Adapter struct {
	name       string
	categories []domain.Category
	results    []domain.Identification
	delay      time.Duration
}

// New creates a static adapter. Results without a category take the first
// declared category.
func New(name string, categories []domain.Category, results []domain.Identification, delay time.Duration) *Adapter {
	fallback := domain.CategoryGeneral
	if len(categories) > 0 {
		fallback = domain.NormalizeCategory(string(categories[0]))
	}
	items := make([]domain.Identification, len(results))
	for i, r := range results {
		r.SourceProvider = name
		r.Category = domain.NormalizeCategory(string(r.Category))
		if r.Category == "" {
			r.Category = fallback
		}
		items[i] = r
	}
	return &Adapter{name: name, categories: categories, results: items, delay: delay}
}

// Identify returns the configured results, filtered to the requested
// category when one is given.
func (a *Adapter) Identify(ctx context.Context, _ provider.Payload, opts provider.IdentifyOptions) ([]domain.Identification, error) {
	if a.delay > 0 {
		t := time.NewTimer(a.delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	out := make([]domain.Identification, 0, len(a.results))
	for _, r := range a.results {
		if opts.Category != "" && r.Category != opts.Category {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// SupportedCategories returns the declared categories.
func (a *Adapter) SupportedCategories() []domain.Category {
	return a.categories
}

// HealthProbe always reports healthy.
func (a *Adapter) HealthProbe(context.Context) domain.HealthState {
	return domain.HealthHealthy
}
