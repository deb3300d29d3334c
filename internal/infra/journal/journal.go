// Package journal persists request summaries and circuit transitions to
// PostgreSQL. It implements events.Sink.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Use pgx via database/sql
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/vietddude/lens/internal/core/apperr"
	"github.com/vietddude/lens/internal/core/domain"
	"github.com/vietddude/lens/internal/events"
	"github.com/vietddude/lens/internal/metrics"
	"github.com/vietddude/lens/internal/resilience/breaker"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Config holds PostgreSQL connection configuration.
type Config struct {
	URL         string `yaml:"url"`
	MaxConns    int    `yaml:"max_conns"`
	MinConns    int    `yaml:"min_conns"`
	AutoMigrate bool   `yaml:"auto_migrate"`

	// Retention is how long rows are kept. Zero keeps them forever.
	Retention time.Duration `yaml:"retention"`
}

// Journal writes events to PostgreSQL.
type Journal struct {
	db *sqlx.DB
}

// Open connects to the database and, when configured, applies migrations.
func Open(ctx context.Context, cfg Config) (*Journal, error) {
	db, err := sqlx.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set pool configuration
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if cfg.MinConns > 0 {
		db.SetMaxIdleConns(cfg.MinConns)
	} else {
		db.SetMaxIdleConns(2)
	}
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(30 * time.Minute)

	// Test connection
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	j := &Journal{db: db}
	if cfg.AutoMigrate {
		if err := j.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return j, nil
}

// Migrate applies the embedded schema migrations.
func (j *Journal) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, j.db.DB, "migrations"); err != nil {
		return fmt.Errorf("failed to migrate db: %w", err)
	}
	return nil
}

// RequestRecord is one row of identify_requests.
type RequestRecord struct {
	ID             int64          `db:"id"`
	RequestID      string         `db:"request_id"`
	Category       string         `db:"category"`
	Cached         bool           `db:"cached"`
	DurationMs     int64          `db:"duration_ms"`
	Results        int            `db:"results"`
	Succeeded      pq.StringArray `db:"succeeded"`
	Failed         pq.StringArray `db:"failed"`
	ShortCircuited pq.StringArray `db:"short_circuited"`
	CreatedAt      time.Time      `db:"created_at"`
}

// OutcomeRecord is one row of provider_outcomes.
type OutcomeRecord struct {
	RequestID string `db:"request_id"`
	Provider  string `db:"provider"`
	Status    string `db:"status"`
	ErrorKind string `db:"error_kind"`
	Attempts  int    `db:"attempts"`
	LatencyMs int64  `db:"latency_ms"`
}

// TransitionRecord is one row of breaker_transitions.
type TransitionRecord struct {
	ID                  int64        `db:"id"`
	Provider            string       `db:"provider"`
	FromState           string       `db:"from_state"`
	ToState             string       `db:"to_state"`
	Reason              string       `db:"reason"`
	ConsecutiveFailures int          `db:"consecutive_failures"`
	NextProbeTime       sql.NullTime `db:"next_probe_time"`
	OccurredAt          time.Time    `db:"occurred_at"`
}

// Emit stores one event.
func (j *Journal) Emit(ctx context.Context, e events.Event) error {
	switch e.Type {
	case events.TypeRequestCompleted:
		if e.Request == nil {
			return nil
		}
		req, outcomes := requestRecords(e.Request)
		return j.insertRequest(ctx, req, outcomes)
	case events.TypeBreakerTransition:
		if e.Transition == nil {
			return nil
		}
		return j.insertTransition(ctx, transitionRecord(*e.Transition))
	default:
		return nil
	}
}

func requestRecords(s *events.RequestSummary) (RequestRecord, []OutcomeRecord) {
	rec := RequestRecord{
		RequestID:      s.RequestID,
		Category:       string(s.Category),
		Cached:         s.Cached,
		DurationMs:     s.DurationMs,
		Results:        s.Results,
		Succeeded:      pq.StringArray{},
		Failed:         pq.StringArray{},
		ShortCircuited: pq.StringArray{},
	}
	outcomes := make([]OutcomeRecord, 0, len(s.Outcomes))
	for _, o := range s.Outcomes {
		switch o.Status {
		case domain.OutcomeSuccess:
			rec.Succeeded = append(rec.Succeeded, o.Provider)
		case domain.OutcomeFailure:
			rec.Failed = append(rec.Failed, o.Provider)
		case domain.OutcomeShortCircuited:
			rec.ShortCircuited = append(rec.ShortCircuited, o.Provider)
		}
		outcomes = append(outcomes, OutcomeRecord{
			RequestID: s.RequestID,
			Provider:  o.Provider,
			Status:    string(o.Status),
			ErrorKind: string(o.Kind),
			Attempts:  o.Attempts,
			LatencyMs: o.LatencyMs,
		})
	}
	return rec, outcomes
}

func transitionRecord(t breaker.Transition) TransitionRecord {
	rec := TransitionRecord{
		Provider:            t.Provider,
		FromState:           t.From.String(),
		ToState:             t.To.String(),
		Reason:              t.Reason,
		ConsecutiveFailures: t.ConsecutiveFailures,
		OccurredAt:          t.Timestamp,
	}
	if t.To == breaker.StateOpen && !t.NextProbeTime.IsZero() {
		rec.NextProbeTime = sql.NullTime{Time: t.NextProbeTime, Valid: true}
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now()
	}
	return rec
}

func (j *Journal) insertRequest(ctx context.Context, req RequestRecord, outcomes []OutcomeRecord) (err error) {
	tx, err := j.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeJournalFailure, "begin tx")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO identify_requests
			(request_id, category, cached, duration_ms, results, succeeded, failed, short_circuited)
		VALUES
			(:request_id, :category, :cached, :duration_ms, :results, :succeeded, :failed, :short_circuited)
	`, req)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeJournalFailure, "insert request", apperr.FieldRequestID(req.RequestID))
	}

	if len(outcomes) > 0 {
		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO provider_outcomes (request_id, provider, status, error_kind, attempts, latency_ms)
			VALUES (:request_id, :provider, :status, :error_kind, :attempts, :latency_ms)
		`, outcomes)
		if err != nil {
			return apperr.Wrap(err, apperr.CodeJournalFailure, "insert outcomes", apperr.FieldRequestID(req.RequestID))
		}
	}

	if err = tx.Commit(); err != nil {
		return apperr.Wrap(err, apperr.CodeJournalFailure, "commit")
	}
	return nil
}

func (j *Journal) insertTransition(ctx context.Context, rec TransitionRecord) error {
	_, err := j.db.NamedExecContext(ctx, `
		INSERT INTO breaker_transitions
			(provider, from_state, to_state, reason, consecutive_failures, next_probe_time, occurred_at)
		VALUES
			(:provider, :from_state, :to_state, :reason, :consecutive_failures, :next_probe_time, :occurred_at)
	`, rec)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeJournalFailure, "insert transition", apperr.FieldProvider(rec.Provider))
	}
	return nil
}

// RecentRequests returns the newest request summaries.
func (j *Journal) RecentRequests(ctx context.Context, limit int) ([]RequestRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []RequestRecord
	err := j.db.SelectContext(ctx, &out, `
		SELECT id, request_id, category, cached, duration_ms, results, succeeded, failed, short_circuited, created_at
		FROM identify_requests
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeJournalFailure, "select requests")
	}
	return out, nil
}

// RecentTransitions returns the newest circuit transitions, optionally
// restricted to the given providers.
func (j *Journal) RecentTransitions(ctx context.Context, providers []string, limit int) ([]TransitionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, provider, from_state, to_state, reason, consecutive_failures, next_probe_time, occurred_at
		FROM breaker_transitions
		WHERE cardinality($1::text[]) = 0 OR provider = ANY($1::text[])
		ORDER BY occurred_at DESC, id DESC
		LIMIT $2
	`
	if providers == nil {
		providers = []string{}
	}
	var out []TransitionRecord
	if err := j.db.SelectContext(ctx, &out, query, pq.Array(providers), limit); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeJournalFailure, "select transitions")
	}
	return out, nil
}

// DeleteOlderThan removes requests, outcomes and transitions recorded
// before cutoff and returns the number of rows deleted.
func (j *Journal) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for _, q := range []string{
		`DELETE FROM provider_outcomes WHERE created_at < $1`,
		`DELETE FROM identify_requests WHERE created_at < $1`,
		`DELETE FROM breaker_transitions WHERE occurred_at < $1`,
	} {
		res, err := j.db.ExecContext(ctx, q, cutoff)
		if err != nil {
			return total, apperr.Wrap(err, apperr.CodeJournalFailure, "prune journal")
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// StartMetricsCollector starts a background goroutine to collect pool metrics.
func (j *Journal) StartMetricsCollector(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if usage, ok := poolUsage(j.db.Stats()); ok {
					metrics.JournalPoolUsage.Set(usage)
				}
			}
		}
	}()
}

// poolUsage is OpenConnections as a percentage of MaxOpenConnections. An
// unlimited pool has no usage.
func poolUsage(stats sql.DBStats) (float64, bool) {
	if stats.MaxOpenConnections <= 0 {
		return 0, false
	}
	return float64(stats.OpenConnections) / float64(stats.MaxOpenConnections) * 100, true
}

// Ping checks connectivity.
func (j *Journal) Ping(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

// Close closes the database connection.
func (j *Journal) Close() error {
	if j.db == nil {
		return errors.New("journal not open")
	}
	return j.db.Close()
}
