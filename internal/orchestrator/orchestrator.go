// Package orchestrator fans an identification request out to every eligible
// provider, isolates their failures behind per-provider circuit breakers and
// retries, and merges what comes back into one ranked result.
//
// Call flow per request:
//
//	Identify → validate → eligible set → cache → invoke × N (concurrent)
//	        → aggregate → metrics, event, cache
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/lens/internal/aggregate"
	"github.com/vietddude/lens/internal/core/apperr"
	"github.com/vietddude/lens/internal/core/domain"
	"github.com/vietddude/lens/internal/events"
	"github.com/vietddude/lens/internal/metrics"
	"github.com/vietddude/lens/internal/provider"
	"github.com/vietddude/lens/internal/resilience/backoff"
	"github.com/vietddude/lens/internal/resilience/breaker"
)

// ErrDuplicateProvider is returned when a provider name is registered twice.
var ErrDuplicateProvider = errors.New("provider already registered")

// DefaultRequestTimeout bounds a whole Identify call.
const DefaultRequestTimeout = 30 * time.Second

// Config holds orchestrator-wide settings.
type Config struct {
	RequestTimeout  time.Duration
	MaxPayloadBytes int64
	// CacheTTL is the lifetime of cached results. Zero disables writes.
	CacheTTL time.Duration
	// Weights nil means aggregate.DefaultWeights.
	Weights  *aggregate.Weights
	Defaults aggregate.Options
	// EventQueueSize bounds the async event queue.
	EventQueueSize int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:  DefaultRequestTimeout,
		MaxPayloadBytes: provider.DefaultMaxPayloadBytes,
		CacheTTL:        10 * time.Minute,
		Defaults:        aggregate.DefaultOptions(),
		EventQueueSize:  events.DefaultQueueSize,
	}
}

// Options are per-request parameters. Nil MinConfidence and zero
// MaxResults fall back to the configured defaults.
type Options struct {
	Category      domain.Category
	MinConfidence *float64
	MaxResults    int
	RequestID     string
}

type entry struct {
	desc     provider.Descriptor
	provider provider.Provider
	breaker  *breaker.Breaker
}

// Orchestrator owns the provider registrations and their breakers.
type Orchestrator struct {
	cfg      Config
	log      *slog.Logger
	now      breaker.Clock
	sleep    func(ctx context.Context, d time.Duration) error
	backoff  *backoff.Policy
	cache    Cache
	sink     events.Sink
	events   *events.Dispatcher
	registry *breaker.Registry
	agg      *aggregate.Aggregator

	probeTimeout time.Duration

	mu      sync.RWMutex
	entries []*entry
	byName  map[string]*entry
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithClock overrides time.Now for breakers and timing.
func WithClock(now breaker.Clock) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithBackoff sets the retry delay policy.
func WithBackoff(p *backoff.Policy) Option {
	return func(o *Orchestrator) { o.backoff = p }
}

// WithCache sets the result cache. Without one every lookup misses.
func WithCache(c Cache) Option {
	return func(o *Orchestrator) { o.cache = c }
}

// WithSink sets the event sink. Events reach it through a bounded
// asynchronous queue.
func WithSink(s events.Sink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

// New creates an orchestrator with no providers.
func New(cfg Config, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = def.MaxPayloadBytes
	}
	if cfg.Defaults == (aggregate.Options{}) {
		cfg.Defaults = def.Defaults
	}

	o := &Orchestrator{
		cfg:     cfg,
		log:     slog.Default(),
		now:     time.Now,
		sleep:   sleepContext,
		backoff: backoff.New(backoff.DefaultConfig),
		byName:  make(map[string]*entry),

		probeTimeout: DefaultProbeTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.sink != nil {
		o.events = events.NewDispatcher(o.sink, cfg.EventQueueSize, o.log)
	}
	o.registry = breaker.NewRegistry(
		breaker.WithClock(o.now),
		breaker.WithLogger(o.log),
		breaker.WithObserver(breaker.ObserverFunc(o.onTransition)),
	)
	weights := aggregate.DefaultWeights()
	if cfg.Weights != nil {
		weights = *cfg.Weights
	}
	o.agg = aggregate.New(weights, o.isPriority)
	return o
}

// RegisterProvider adds a provider. It is meant for startup, before the
// first Identify call.
func (o *Orchestrator) RegisterProvider(desc provider.Descriptor, p provider.Provider) error {
	desc = desc.Normalize(p)
	if err := desc.Validate(); err != nil {
		return apperr.Wrap(err, apperr.CodeConfigValidateFailed, "invalid provider descriptor", apperr.FieldProvider(desc.Name))
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.byName[desc.Name]; ok {
		return apperr.Wrap(ErrDuplicateProvider, apperr.CodeProviderDuplicate, "duplicate provider", apperr.FieldProvider(desc.Name))
	}
	b, err := o.registry.Register(desc.Name, desc.Breaker)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeProviderDuplicate, "register breaker", apperr.FieldProvider(desc.Name))
	}

	e := &entry{desc: desc, provider: p, breaker: b}
	o.entries = append(o.entries, e)
	o.byName[desc.Name] = e
	metrics.BreakerState.WithLabelValues(desc.Name).Set(float64(breaker.StateClosed))

	o.log.Info("Registered provider",
		"provider", desc.Name,
		"categories", desc.SupportedCategories,
		"timeout", desc.Timeout,
		"max_retries", desc.MaxRetries,
	)
	return nil
}

// Providers returns the registered descriptors in registration order.
func (o *Orchestrator) Providers() []provider.Descriptor {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]provider.Descriptor, len(o.entries))
	for i, e := range o.entries {
		out[i] = e.desc
	}
	return out
}

// Aggregator exposes the shared aggregator, configured with this
// orchestrator's weights and priority table.
func (o *Orchestrator) Aggregator() *aggregate.Aggregator {
	return o.agg
}

// Identify validates the payload, calls every eligible provider and merges
// their results. Only invalid input and an empty eligible set fail the call;
// provider failures are reported per provider in the result.
func (o *Orchestrator) Identify(ctx context.Context, data []byte, opts Options) (*domain.AggregationResult, error) {
	start := o.now()

	payload, err := provider.ValidatePayload(data, o.cfg.MaxPayloadBytes)
	if err != nil {
		metrics.ObserveRequest("invalid", o.now().Sub(start))
		return nil, err
	}

	category := domain.NormalizeCategory(string(opts.Category))
	eligible := o.eligible(category)
	if len(eligible) == 0 {
		metrics.ObserveRequest("no_providers", o.now().Sub(start))
		return nil, apperr.NoEligibleProviders(string(category))
	}

	requestID := opts.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	aggOpts := o.resolveOptions(opts)
	log := o.log.With("request_id", requestID)

	key := CacheKey(data, category, aggOpts)
	if res, ok := o.cacheGet(ctx, key, log); ok {
		res.RequestID = requestID
		res.Cached = true
		res.TimingMs = o.now().Sub(start).Milliseconds()
		metrics.ObserveRequest("cached", o.now().Sub(start))
		o.emit(events.Summarize(res, category, o.now()))
		return res, nil
	}

	outcomes := o.fanOut(ctx, eligible, payload, provider.IdentifyOptions{Category: category, RequestID: requestID})

	res := &domain.AggregationResult{
		RequestID:           requestID,
		PerProviderOutcomes: outcomes,
		Combined:            o.agg.Aggregate(outcomes, aggOpts),
	}
	elapsed := o.now().Sub(start)
	res.TimingMs = elapsed.Milliseconds()

	for _, oc := range outcomes {
		metrics.ObserveOutcome(oc)
	}
	result := "ok"
	if res.AllFailed() {
		result = "all_failed"
	} else {
		o.cacheSet(ctx, key, res, log)
	}
	metrics.ObserveRequest(result, elapsed)

	log.Debug("Identify finished", "providers", len(outcomes), "results", len(res.Combined), "elapsed", elapsed)
	o.emit(events.Summarize(res, category, o.now()))
	return res, nil
}

// Aggregate runs the shared aggregator over client-supplied outcomes, with
// the same defaults and priority table Identify uses. Only success outcomes
// contribute.
func (o *Orchestrator) Aggregate(outcomes []domain.Outcome, opts Options) []domain.AggregatedIdentification {
	return o.agg.Aggregate(outcomes, o.resolveOptions(opts))
}

func (o *Orchestrator) resolveOptions(opts Options) aggregate.Options {
	out := o.cfg.Defaults
	if opts.MinConfidence != nil {
		out.MinConfidence = *opts.MinConfidence
	}
	if opts.MaxResults > 0 {
		out.MaxResults = opts.MaxResults
	}
	return out
}

func (o *Orchestrator) eligible(category domain.Category) []*entry {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]*entry, 0, len(o.entries))
	for _, e := range o.entries {
		if category == "" || e.desc.Supports(category) {
			out = append(out, e)
		}
	}
	return out
}

type indexedOutcome struct {
	i       int
	outcome domain.Outcome
}

// fanOut runs one goroutine per provider and collects outcomes by position.
// Providers still running at the deadline are reported as timeouts and
// left to finish on their own.
func (o *Orchestrator) fanOut(ctx context.Context, eligible []*entry, payload provider.Payload, opts provider.IdentifyOptions) []domain.Outcome {
	start := o.now()
	dctx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
	defer cancel()

	// Buffered so late goroutines never block after we stop listening.
	ch := make(chan indexedOutcome, len(eligible))
	for i, e := range eligible {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					o.log.Error("Provider invocation panicked", "provider", e.desc.Name, "panic", r)
					ch <- indexedOutcome{i, domain.Failure(e.desc.Name, domain.FailureProvider, "internal error")}
				}
			}()
			ch <- indexedOutcome{i, o.invoke(dctx, e, payload, opts)}
		}()
	}

	outcomes := make([]domain.Outcome, len(eligible))
	done := make([]bool, len(eligible))
	remaining := len(eligible)

collect:
	for remaining > 0 {
		select {
		case r := <-ch:
			outcomes[r.i], done[r.i] = r.outcome, true
			remaining--
		case <-dctx.Done():
			break collect
		}
	}
	// Keep anything that landed together with the deadline.
drain:
	for remaining > 0 {
		select {
		case r := <-ch:
			outcomes[r.i], done[r.i] = r.outcome, true
			remaining--
		default:
			break drain
		}
	}

	for i, ok := range done {
		if ok {
			continue
		}
		name := eligible[i].desc.Name
		o.log.Warn("Provider missed request deadline", "provider", name, "timeout", o.cfg.RequestTimeout)
		outcomes[i] = domain.Failure(name, domain.FailureTimeout, fmt.Sprintf("no result within %s", o.cfg.RequestTimeout)).
			WithTiming(0, o.now().Sub(start))
	}
	return outcomes
}

func (o *Orchestrator) isPriority(name string, c domain.Category) bool {
	o.mu.RLock()
	e, ok := o.byName[name]
	o.mu.RUnlock()
	return ok && e.desc.IsPriority(c)
}

func (o *Orchestrator) onTransition(t breaker.Transition) {
	metrics.BreakerState.WithLabelValues(t.Provider).Set(float64(t.To))
	metrics.BreakerTransitionsTotal.WithLabelValues(t.Provider, t.To.String()).Inc()
	o.emit(events.FromTransition(t))
}

func (o *Orchestrator) emit(e events.Event) {
	if o.events == nil {
		return
	}
	if err := o.events.Emit(context.Background(), e); err != nil {
		o.log.Debug("Event not queued", "type", e.Type, "error", err)
	}
}

// Close drains queued events and closes providers that hold resources.
func (o *Orchestrator) Close() error {
	if o.events != nil {
		o.events.Close()
	}

	o.mu.RLock()
	defer o.mu.RUnlock()

	var errs []error
	for _, e := range o.entries {
		if c, ok := e.provider.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", e.desc.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}
