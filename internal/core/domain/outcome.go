package domain

import "time"

// OutcomeStatus tags the variant held by an Outcome.
type OutcomeStatus string

const (
	OutcomeSuccess        OutcomeStatus = "success"
	OutcomeFailure        OutcomeStatus = "failure"
	OutcomeShortCircuited OutcomeStatus = "short_circuited"
)

// FailureKind classifies why a provider call failed.
type FailureKind string

const (
	FailureValidation FailureKind = "validation"
	FailureProvider   FailureKind = "provider"
	FailureTimeout    FailureKind = "timeout"
)

// Outcome is the result of one provider for one request.
//
// Exactly one of the variant payloads is meaningful, selected by Status:
// Items for success, Kind/Message for failure, NextProbeTime for a
// short-circuited call.
type Outcome struct {
	Provider      string           `json:"provider"`
	Status        OutcomeStatus    `json:"status"`
	Items         []Identification `json:"items,omitempty"`
	Kind          FailureKind      `json:"error_kind,omitempty"`
	Message       string           `json:"error,omitempty"`
	NextProbeTime *time.Time       `json:"next_probe_time,omitempty"`
	Attempts      int              `json:"attempts"`
	Latency       time.Duration    `json:"-"`
	LatencyMs     int64            `json:"latency_ms"`
}

// Success builds a success outcome.
func Success(provider string, items []Identification) Outcome {
	return Outcome{Provider: provider, Status: OutcomeSuccess, Items: items}
}

// Failure builds a failure outcome.
func Failure(provider string, kind FailureKind, message string) Outcome {
	return Outcome{Provider: provider, Status: OutcomeFailure, Kind: kind, Message: message}
}

// ShortCircuited builds an outcome for a call rejected by the provider's breaker.
func ShortCircuited(provider string, nextProbe time.Time) Outcome {
	o := Outcome{Provider: provider, Status: OutcomeShortCircuited}
	if !nextProbe.IsZero() {
		t := nextProbe
		o.NextProbeTime = &t
	}
	return o
}

// WithTiming records attempts and latency on the outcome.
func (o Outcome) WithTiming(attempts int, latency time.Duration) Outcome {
	o.Attempts = attempts
	o.Latency = latency
	o.LatencyMs = latency.Milliseconds()
	return o
}

// AggregationResult is the response of one orchestrated identification.
type AggregationResult struct {
	RequestID           string                     `json:"request_id"`
	PerProviderOutcomes []Outcome                  `json:"per_provider_outcomes"`
	Combined            []AggregatedIdentification `json:"combined"`
	TimingMs            int64                      `json:"timing_ms"`
	Cached              bool                       `json:"cached"`
}

// AllFailed reports whether no provider produced a success outcome.
func (r *AggregationResult) AllFailed() bool {
	for _, o := range r.PerProviderOutcomes {
		if o.Status == OutcomeSuccess {
			return false
		}
	}
	return true
}
