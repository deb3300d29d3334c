package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/lens/internal/core/apperr"
	"github.com/vietddude/lens/internal/core/domain"
	"github.com/vietddude/lens/internal/provider"
	"github.com/vietddude/lens/internal/resilience/breaker"
)

// invoke runs one provider call: a single breaker admission, then up to
// MaxRetries+1 attempts with backoff between them. It never returns an
// error; every result is folded into the outcome.
func (o *Orchestrator) invoke(ctx context.Context, e *entry, payload provider.Payload, opts provider.IdentifyOptions) domain.Outcome {
	name := e.desc.Name
	start := o.now()

	permit, err := e.breaker.Allow()
	if err != nil {
		o.log.Debug("Provider call rejected", "provider", name, "error", apperr.ShortCircuit(err, name))
		var openErr *breaker.OpenError
		if errors.As(err, &openErr) {
			return domain.ShortCircuited(name, openErr.NextProbeTime)
		}
		return domain.ShortCircuited(name, time.Time{})
	}
	defer permit.Release()

	var (
		lastErr  error
		attempts int
	)
	for attempt := 0; attempt <= e.desc.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := o.backoff.Delay(attempt - 1)
			o.log.Debug("Retrying provider", "provider", name, "attempt", attempt+1, "delay", delay)
			if err := o.sleep(ctx, delay); err != nil {
				return domain.Failure(name, domain.FailureTimeout, fmt.Sprintf("cancelled during backoff: %v", lastErr)).
					WithTiming(attempts, o.now().Sub(start))
			}
		}

		attempts++
		items, err := o.attempt(ctx, e, payload, opts)
		if err == nil {
			permit.Success()
			return domain.Success(name, stamp(items, name)).WithTiming(attempts, o.now().Sub(start))
		}

		if apperr.IsValidation(err) {
			return domain.Failure(name, domain.FailureValidation, err.Error()).WithTiming(attempts, o.now().Sub(start))
		}
		// A caller that hung up says nothing about the provider. Per-attempt
		// and request deadlines still count.
		if errors.Is(ctx.Err(), context.Canceled) {
			return domain.Failure(name, domain.FailureTimeout, fmt.Sprintf("request cancelled: %v", err)).
				WithTiming(attempts, o.now().Sub(start))
		}

		permit.Failure()
		lastErr = err
		o.log.Warn("Provider attempt failed", "provider", name, "attempt", attempts, "error", err)
	}

	kind := domain.FailureProvider
	if apperr.IsTimeout(lastErr) || ctx.Err() != nil {
		kind = domain.FailureTimeout
	}
	return domain.Failure(name, kind, lastErr.Error()).WithTiming(attempts, o.now().Sub(start))
}

// attempt makes one bounded call. Panics in adapters become provider errors.
func (o *Orchestrator) attempt(ctx context.Context, e *entry, payload provider.Payload, opts provider.IdentifyOptions) (items []domain.Identification, err error) {
	callCtx, cancel := context.WithTimeout(ctx, e.desc.Timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			items = nil
			err = apperr.Provider(fmt.Errorf("adapter panicked: %v", r), e.desc.Name)
		}
	}()

	items, err = e.provider.Identify(callCtx, payload, opts)
	if err != nil && callCtx.Err() != nil && !apperr.IsValidation(err) {
		// The adapter may surface the deadline as a generic error.
		return nil, apperr.Timeout(err, e.desc.Name)
	}
	return items, err
}

func stamp(items []domain.Identification, name string) []domain.Identification {
	out := make([]domain.Identification, len(items))
	for i, it := range items {
		if it.SourceProvider == "" {
			it.SourceProvider = name
		}
		out[i] = it
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
