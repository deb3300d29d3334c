package breaker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrDuplicate is returned when a provider name is registered twice.
var ErrDuplicate = errors.New("breaker already registered")

// Registry owns one Breaker per provider for the lifetime of its owner.
// It replaces any process-wide breaker map: build one per orchestrator and
// pass it where needed.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	order    []string

	now      Clock
	observer Observer
	log      *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides time.Now, mainly for tests.
func WithClock(now Clock) Option {
	return func(r *Registry) { r.now = now }
}

// WithObserver sets the transition observer shared by all breakers.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		breakers: make(map[string]*Breaker),
		now:      time.Now,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates the breaker for a provider.
func (r *Registry) Register(name string, cfg Config) (*Breaker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.breakers[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	b := newBreaker(name, cfg, r.now, r.observer, r.log)
	r.breakers[name] = b
	r.order = append(r.order, name)
	return b, nil
}

// Get returns the breaker for a provider.
func (r *Registry) Get(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Names returns provider names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Snapshots returns every breaker's state in registration order.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	breakers := make([]*Breaker, 0, len(r.order))
	for _, name := range r.order {
		breakers = append(breakers, r.breakers[name])
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
