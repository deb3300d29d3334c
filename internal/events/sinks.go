package events

import (
	"context"
	"errors"
	"log/slog"

	"github.com/vietddude/lens/internal/core/domain"
)

// LogSink writes events as structured log lines.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink creates a sink on the given logger.
func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Emit(_ context.Context, e Event) error {
	switch e.Type {
	case TypeRequestCompleted:
		r := e.Request
		var failed, short int
		for _, o := range r.Outcomes {
			switch o.Status {
			case domain.OutcomeFailure:
				failed++
			case domain.OutcomeShortCircuited:
				short++
			}
		}
		s.log.Info("Identify completed",
			"request_id", r.RequestID,
			"category", r.Category,
			"providers", len(r.Outcomes),
			"failed", failed,
			"short_circuited", short,
			"results", r.Results,
			"cached", r.Cached,
			"duration_ms", r.DurationMs,
		)
	case TypeBreakerTransition:
		t := e.Transition
		s.log.Warn("Provider circuit changed",
			"provider", t.Provider,
			"from", t.From.String(),
			"to", t.To.String(),
			"reason", t.Reason,
		)
	}
	return nil
}

// Multi fans an event out to every sink, joining their errors.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
