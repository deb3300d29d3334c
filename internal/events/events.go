// Package events carries request and circuit events from the orchestrator to
// observability backends.
//
// Emission is asynchronous: the orchestrator publishes into a bounded
// Dispatcher, which drops events when full and shields the request path from
// sink errors, slowness and panics.
package events

import (
	"context"
	"time"

	"github.com/vietddude/lens/internal/core/domain"
	"github.com/vietddude/lens/internal/resilience/breaker"
)

// Type identifies the event kind.
type Type string

const (
	TypeRequestCompleted  Type = "request.completed"
	TypeBreakerTransition Type = "breaker.transition"
)

// Event is one observability record. Exactly one of Request and Transition
// is set, selected by Type.
type Event struct {
	Type       Type
	Time       time.Time
	Request    *RequestSummary
	Transition *breaker.Transition
}

// RequestSummary describes one completed Identify call.
type RequestSummary struct {
	RequestID  string
	Category   domain.Category
	Cached     bool
	DurationMs int64
	Results    int
	Outcomes   []OutcomeSummary
}

// OutcomeSummary is the per-provider part of a RequestSummary.
type OutcomeSummary struct {
	Provider  string
	Status    domain.OutcomeStatus
	Kind      domain.FailureKind
	Attempts  int
	LatencyMs int64
}

// Summarize builds a request event from an aggregation result.
func Summarize(res *domain.AggregationResult, category domain.Category, at time.Time) Event {
	s := &RequestSummary{
		RequestID:  res.RequestID,
		Category:   category,
		Cached:     res.Cached,
		DurationMs: res.TimingMs,
		Results:    len(res.Combined),
		Outcomes:   make([]OutcomeSummary, 0, len(res.PerProviderOutcomes)),
	}
	for _, o := range res.PerProviderOutcomes {
		s.Outcomes = append(s.Outcomes, OutcomeSummary{
			Provider:  o.Provider,
			Status:    o.Status,
			Kind:      o.Kind,
			Attempts:  o.Attempts,
			LatencyMs: o.LatencyMs,
		})
	}
	return Event{Type: TypeRequestCompleted, Time: at, Request: s}
}

// FromTransition wraps a breaker transition.
func FromTransition(t breaker.Transition) Event {
	return Event{Type: TypeBreakerTransition, Time: t.Timestamp, Transition: &t}
}

// Sink receives events. Implementations may block and may fail; the
// Dispatcher isolates callers from both.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Emit(ctx context.Context, e Event) error { return f(ctx, e) }
