// Package aggregate merges per-provider outcomes into one ranked,
// deduplicated identification list. The server request path and the client
// preview path share this single implementation.
package aggregate

import (
	"cmp"
	"slices"

	"github.com/vietddude/lens/internal/core/domain"
)

const (
	DefaultAgreementBonus = 0.1
	DefaultPriorityBonus  = 0.15
	DefaultMinConfidence  = 0.3
	DefaultMaxResults     = 20

	// epsilon absorbs float error in the threshold comparison so a merged
	// 0.30 passes a 0.3 threshold.
	epsilon = 1e-9
)

// Weights tunes the merged-confidence formula.
type Weights struct {
	// AgreementBonus is added per distinct provider beyond the first.
	AgreementBonus float64 `yaml:"agreement_bonus"`
	// PriorityBonus is added once when any contributor is priority-1 for
	// the group's category.
	PriorityBonus float64 `yaml:"priority_bonus"`
}

// DefaultWeights returns the standard bonus weights.
func DefaultWeights() Weights {
	return Weights{AgreementBonus: DefaultAgreementBonus, PriorityBonus: DefaultPriorityBonus}
}

// Options controls filtering and truncation. A zero MinConfidence keeps
// everything; a non-positive MaxResults means DefaultMaxResults.
type Options struct {
	MinConfidence float64 `json:"min_confidence"`
	MaxResults    int     `json:"max_results"`
}

// DefaultOptions returns the standard threshold and result cap.
func DefaultOptions() Options {
	return Options{MinConfidence: DefaultMinConfidence, MaxResults: DefaultMaxResults}
}

// PriorityFunc reports whether provider is priority-1 for category.
type PriorityFunc func(provider string, category domain.Category) bool

// Aggregator holds the weights and priority table. It is immutable and
// safe for concurrent use.
type Aggregator struct {
	weights  Weights
	priority PriorityFunc
}

// New creates an aggregator. A nil priority function disables the priority
// bonus.
func New(w Weights, priority PriorityFunc) *Aggregator {
	if priority == nil {
		priority = func(string, domain.Category) bool { return false }
	}
	return &Aggregator{weights: w, priority: priority}
}

type group struct {
	key       string
	name      string
	category  domain.Category
	maxConf   float64
	providers []string
	firstIdx  int
	priority  bool
}

// Aggregate merges outcomes, which must be in provider registration order.
// Non-success outcomes contribute nothing.
func (a *Aggregator) Aggregate(outcomes []domain.Outcome, opts Options) []domain.AggregatedIdentification {
	groups := make(map[string]*group)
	var order []*group

	for idx, o := range outcomes {
		if o.Status != domain.OutcomeSuccess {
			continue
		}
		for _, item := range o.Items {
			key := domain.EntityKey(item.Name)
			if key == "" {
				continue
			}
			src := item.SourceProvider
			if src == "" {
				src = o.Provider
			}

			g, ok := groups[key]
			if !ok {
				g = &group{key: key, name: item.Name, category: item.Category, maxConf: item.Confidence, firstIdx: idx}
				groups[key] = g
				order = append(order, g)
			} else if item.Confidence > g.maxConf {
				g.maxConf = item.Confidence
			}
			if g.category == "" {
				g.category = item.Category
			}
			if !slices.Contains(g.providers, src) {
				g.providers = append(g.providers, src)
			}
		}
	}

	merged := make([]scored, 0, len(order))
	for _, g := range order {
		for _, p := range g.providers {
			if a.priority(p, g.category) {
				g.priority = true
				break
			}
		}
		merged = append(merged, scored{group: g, score: a.score(g)})
	}

	slices.SortStableFunc(merged, func(x, y scored) int {
		if c := cmp.Compare(y.score, x.score); c != 0 {
			return c
		}
		if c := cmp.Compare(x.firstIdx, y.firstIdx); c != 0 {
			return c
		}
		return cmp.Compare(x.key, y.key)
	})

	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}

	out := make([]domain.AggregatedIdentification, 0, min(len(merged), maxResults))
	for _, s := range merged {
		if s.score < opts.MinConfidence-epsilon {
			continue
		}
		if len(out) == maxResults {
			break
		}
		out = append(out, domain.AggregatedIdentification{
			Name:                  s.name,
			Category:              s.category,
			MergedConfidence:      s.score,
			ContributingProviders: slices.Clone(s.providers),
		})
	}
	return out
}

type scored struct {
	*group
	score float64
}

func (a *Aggregator) score(g *group) float64 {
	v := g.maxConf + a.weights.AgreementBonus*float64(len(g.providers)-1)
	if g.priority {
		v += a.weights.PriorityBonus
	}
	return clamp01(v)
}

func clamp01(v float64) float64 {
	if v < 0 || v != v {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
