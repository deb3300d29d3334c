package worker

import (
	"context"
	"log/slog"
	"time"
)

// Store deletes records older than a cutoff.
type Store interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Pruner deletes old journal rows based on a retention period.
type Pruner struct {
	store     Store
	retention time.Duration
	now       func() time.Time
	log       *slog.Logger
}

// NewPruner creates a new Pruner worker.
func NewPruner(store Store, retention time.Duration, log *slog.Logger) *Pruner {
	if log == nil {
		log = slog.Default()
	}
	return &Pruner{
		store:     store,
		retention: retention,
		now:       time.Now,
		log:       log,
	}
}

// Interval is how often the pruner runs: a tenth of the retention period,
// between one minute and one hour.
func (p *Pruner) Interval() time.Duration {
	interval := min(p.retention/10, 1*time.Hour)
	return max(interval, 1*time.Minute)
}

// Start runs the pruner loop until ctx is cancelled.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		return // Retention disabled
	}

	ticker := time.NewTicker(p.Interval())
	defer ticker.Stop()

	// Initial prune
	p.Prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Prune(ctx)
		}
	}
}

// Prune deletes everything older than the retention period once.
func (p *Pruner) Prune(ctx context.Context) {
	cutoff := p.now().Add(-p.retention)
	n, err := p.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		p.log.Error("Failed to prune journal", "cutoff", cutoff, "error", err)
		return
	}
	if n > 0 {
		p.log.Info("Pruned journal", "rows", n, "cutoff", cutoff)
	}
}
