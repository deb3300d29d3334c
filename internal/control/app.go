package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vietddude/lens/internal/core/config"
	"github.com/vietddude/lens/internal/core/worker"
	"github.com/vietddude/lens/internal/events"
	"github.com/vietddude/lens/internal/infra/cache"
	"github.com/vietddude/lens/internal/infra/journal"
	"github.com/vietddude/lens/internal/orchestrator"
	"github.com/vietddude/lens/internal/server"
)

// App is the main application struct that manages the service lifecycle.
type App struct {
	cfg     *config.AppConfig
	orch    *orchestrator.Orchestrator
	server  *server.Server
	cache   *cache.RedisCache
	journal *journal.Journal
	log     *slog.Logger
	errCh   chan error
	cancel  context.CancelFunc
}

// NewApp creates the orchestrator, its optional Redis cache and PostgreSQL
// journal, and the HTTP server.
func NewApp(ctx context.Context, cfg *config.AppConfig) (*App, error) {
	log := slog.Default()
	app := &App{cfg: cfg, log: log, errCh: make(chan error, 1)}

	sinks := events.Multi{events.NewLogSink(log)}
	var opts []orchestrator.Option

	if cfg.Redis.URL != "" {
		c, err := cache.New(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to init redis cache: %w", err)
		}
		app.cache = c
		opts = append(opts, orchestrator.WithCache(c))
		log.Info("Using Redis result cache", "ttl", cfg.Orchestrator.CacheTTL)
	} else {
		log.Info("Result cache disabled")
	}

	if cfg.Database.URL != "" {
		j, err := journal.Open(ctx, cfg.Database)
		if err != nil {
			app.closeInfra()
			return nil, fmt.Errorf("failed to init journal: %w", err)
		}
		app.journal = j
		sinks = append(sinks, j)
		log.Info("Using PostgreSQL journal")
	}
	opts = append(opts, orchestrator.WithSink(sinks))

	orch, err := NewOrchestrator(cfg, log, opts...)
	if err != nil {
		app.closeInfra()
		return nil, err
	}
	app.orch = orch

	app.server = server.New(server.Config{
		Addr:         cfg.Server.Addr,
		CORSOrigins:  cfg.Server.CORSOrigins,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		MaxBodyBytes: cfg.Orchestrator.MaxPayloadBytes,
	}, orch, log)

	return app, nil
}

// Orchestrator returns the running orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orch
}

// Errors reports a fatal server error after Start.
func (a *App) Errors() <-chan error {
	return a.errCh
}

// Start starts the HTTP server and, with a journal retention set, the
// journal pruner. It does not block.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	if a.journal != nil {
		a.journal.StartMetricsCollector(ctx)
	}
	if a.journal != nil && a.cfg.Database.Retention > 0 {
		pruner := worker.NewPruner(a.journal, a.cfg.Database.Retention, a.log)
		a.log.Info("Starting journal pruner", "retention", a.cfg.Database.Retention, "interval", pruner.Interval())
		go pruner.Start(ctx)
	}

	go func() {
		if err := a.server.Start(); err != nil {
			a.log.Error("HTTP server failed", "error", err)
			a.errCh <- err
		}
	}()

	a.log.Info("Lens started",
		"addr", a.cfg.Server.Addr,
		"providers", len(a.orch.Providers()),
	)
	return nil
}

// Stop stops the server, drains events and releases connections.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping Lens...")

	var errs []error
	if err := a.server.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop server: %w", err))
	}
	if a.cancel != nil {
		a.cancel()
	}
	// Closing the orchestrator flushes queued events into the journal.
	if err := a.orch.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close orchestrator: %w", err))
	}
	a.closeInfra()
	return errors.Join(errs...)
}

func (a *App) closeInfra() {
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.log.Warn("Failed to close journal", "error", err)
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.log.Warn("Failed to close redis", "error", err)
		}
	}
}
