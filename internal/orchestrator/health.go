package orchestrator

import (
	"context"
	"time"

	"github.com/vietddude/lens/internal/core/apperr"
	"github.com/vietddude/lens/internal/core/domain"
	"github.com/vietddude/lens/internal/resilience/breaker"
)

// DefaultProbeTimeout bounds the adapter health probes of one status call.
const DefaultProbeTimeout = 3 * time.Second

// HealthStatus reports circuit state and adapter probes for every provider.
// Overall is healthy when every circuit is closed, unhealthy when none is,
// degraded otherwise. A probe still running at the timeout reports
// unhealthy.
func (o *Orchestrator) HealthStatus(ctx context.Context) domain.HealthStatus {
	o.mu.RLock()
	entries := append([]*entry(nil), o.entries...)
	o.mu.RUnlock()

	probes := o.probeAll(ctx, entries)

	status := domain.HealthStatus{PerProvider: make(map[string]domain.ProviderHealth, len(entries))}
	closed := 0
	for i, e := range entries {
		snap := e.breaker.Snapshot()
		if snap.State == breaker.StateClosed {
			closed++
		}
		status.PerProvider[e.desc.Name] = providerHealth(snap, probes[i])
	}

	switch {
	case len(entries) > 0 && closed == len(entries):
		status.Overall = domain.HealthHealthy
	case closed == 0:
		status.Overall = domain.HealthUnhealthy
	default:
		status.Overall = domain.HealthDegraded
	}
	return status
}

type probeResult struct {
	i     int
	state domain.HealthState
}

func (o *Orchestrator) probeAll(ctx context.Context, entries []*entry) []domain.HealthState {
	pctx, cancel := context.WithTimeout(ctx, o.probeTimeout)
	defer cancel()

	// Buffered so a probe that ignores its context never blocks after we
	// stop listening.
	ch := make(chan probeResult, len(entries))
	for i, e := range entries {
		go func() {
			ch <- probeResult{i, o.probe(pctx, e)}
		}()
	}

	probes := make([]domain.HealthState, len(entries))
	done := make([]bool, len(entries))
collect:
	for range entries {
		select {
		case r := <-ch:
			probes[r.i], done[r.i] = r.state, true
		case <-pctx.Done():
			break collect
		}
	}

	for i, ok := range done {
		if !ok {
			o.log.Warn("Health probe timed out", "provider", entries[i].desc.Name, "timeout", o.probeTimeout)
			probes[i] = domain.HealthUnhealthy
		}
	}
	return probes
}

func (o *Orchestrator) probe(ctx context.Context, e *entry) (state domain.HealthState) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("Health probe panicked", "provider", e.desc.Name, "panic", r)
			state = domain.HealthUnhealthy
		}
	}()
	return e.provider.HealthProbe(ctx)
}

func providerHealth(s breaker.Snapshot, probe domain.HealthState) domain.ProviderHealth {
	h := domain.ProviderHealth{
		State:               s.State.String(),
		ConsecutiveFailures: s.ConsecutiveFailures,
		Probe:               probe,
	}
	if !s.LastFailureTime.IsZero() {
		t := s.LastFailureTime
		h.LastFailureTime = &t
	}
	if s.State != breaker.StateClosed && !s.NextProbeTime.IsZero() {
		t := s.NextProbeTime
		h.NextProbeTime = &t
	}
	return h
}

// Snapshots returns breaker state in registration order.
func (o *Orchestrator) Snapshots() []breaker.Snapshot {
	return o.registry.Snapshots()
}

// ResetBreaker forces a provider's circuit closed.
func (o *Orchestrator) ResetBreaker(name string) error {
	b, ok := o.registry.Get(name)
	if !ok {
		return apperr.New(apperr.CodeProviderNotFound, "unknown provider", apperr.FieldProvider(name))
	}
	b.Reset()
	return nil
}

// ForceOpenBreaker opens a provider's circuit until its next probe time.
func (o *Orchestrator) ForceOpenBreaker(name string) error {
	b, ok := o.registry.Get(name)
	if !ok {
		return apperr.New(apperr.CodeProviderNotFound, "unknown provider", apperr.FieldProvider(name))
	}
	b.ForceOpen()
	return nil
}
