// Package breaker implements per-provider circuit breakers.
//
// A Breaker gates call initiation: Allow admits or rejects a call and the
// returned Permit carries the call's attempt results back. Permits admitted
// while CLOSED count each failed attempt toward the threshold. The single
// permit admitted in HALF_OPEN is a trial and settles the breaker once, when
// it is released.
package breaker

import (
	"log/slog"
	"math"
	"sync"
	"time"
)

// Config holds per-provider thresholds.
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	// MonitoringWindow bounds how far apart two failures may be and still
	// count as consecutive. Zero disables the window.
	MonitoringWindow time.Duration `yaml:"monitoring_window"`
	// RecoveryMultiplier grows the recovery timeout on each failed trial.
	// 1 keeps it constant.
	RecoveryMultiplier float64       `yaml:"recovery_multiplier"`
	MaxRecoveryTimeout time.Duration `yaml:"max_recovery_timeout"`
}

// DefaultConfig provides sensible defaults.
var DefaultConfig = Config{
	FailureThreshold:   5,
	RecoveryTimeout:    60 * time.Second,
	MonitoringWindow:   5 * time.Minute,
	RecoveryMultiplier: 1,
	MaxRecoveryTimeout: 30 * time.Minute,
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = DefaultConfig.RecoveryTimeout
	}
	if c.MonitoringWindow < 0 {
		c.MonitoringWindow = 0
	}
	if c.RecoveryMultiplier < 1 {
		c.RecoveryMultiplier = 1
	}
	if c.MaxRecoveryTimeout < c.RecoveryTimeout {
		c.MaxRecoveryTimeout = max(DefaultConfig.MaxRecoveryTimeout, c.RecoveryTimeout)
	}
	return c
}

// Clock returns the current time.
type Clock func() time.Time

// Breaker is the circuit state machine for one provider.
type Breaker struct {
	name     string
	cfg      Config
	now      Clock
	observer Observer
	log      *slog.Logger

	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	nextProbe     time.Time
	trialInFlight bool
	reopens       int
	generation    uint64
}

func newBreaker(name string, cfg Config, now Clock, observer Observer, log *slog.Logger) *Breaker {
	return &Breaker{
		name:     name,
		cfg:      cfg.withDefaults(),
		now:      now,
		observer: observer,
		log:      log,
		state:    StateClosed,
	}
}

// Name returns the provider name the breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// Config returns the effective configuration.
func (b *Breaker) Config() Config {
	return b.cfg
}

// Allow asks for admission of one call. A rejected call gets an *OpenError.
func (b *Breaker) Allow() (*Permit, error) {
	b.mu.Lock()
	var transitions []Transition
	defer func() {
		b.mu.Unlock()
		b.notify(transitions)
	}()

	now := b.now()
	switch b.state {
	case StateClosed:
		return &Permit{b: b, gen: b.generation}, nil

	case StateOpen:
		if now.Before(b.nextProbe) {
			return nil, b.rejectLocked()
		}
		transitions = append(transitions, b.setStateLocked(StateHalfOpen, ReasonProbeDue, now))
		b.trialInFlight = true
		return &Permit{b: b, gen: b.generation, trial: true}, nil

	default: // StateHalfOpen
		if b.trialInFlight {
			return nil, b.rejectLocked()
		}
		b.trialInFlight = true
		return &Permit{b: b, gen: b.generation, trial: true}, nil
	}
}

// Reset forces the breaker CLOSED and zeroes its counters. Permits issued
// before the reset no longer affect the state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	now := b.now()
	var transitions []Transition
	if b.state != StateClosed {
		transitions = append(transitions, b.setStateLocked(StateClosed, ReasonManualReset, now))
	}
	b.generation++
	b.failures = 0
	b.lastFailure = time.Time{}
	b.nextProbe = time.Time{}
	b.trialInFlight = false
	b.reopens = 0
	b.mu.Unlock()

	b.notify(transitions)
}

// ForceOpen opens the breaker with a fresh probe time.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	now := b.now()
	b.generation++
	b.nextProbe = now.Add(b.cfg.RecoveryTimeout)
	b.trialInFlight = false
	var transitions []Transition
	if b.state != StateOpen {
		transitions = append(transitions, b.setStateLocked(StateOpen, ReasonManualOpen, now))
	}
	b.mu.Unlock()

	b.notify(transitions)
}

// State returns the effective state. An OPEN breaker whose probe time has
// passed reads as HALF_OPEN; the transition itself is taken by the next Allow.
func (b *Breaker) State() State {
	return b.Snapshot().State
}

// Snapshot returns a copy of the circuit state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		Provider:            b.name,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		LastFailureTime:     b.lastFailure,
		NextProbeTime:       b.nextProbe,
	}
	if s.State == StateOpen && !b.now().Before(b.nextProbe) {
		s.State = StateHalfOpen
	}
	return s
}

func (b *Breaker) recordSuccess(p *Permit) {
	b.mu.Lock()
	var transitions []Transition
	defer func() {
		b.mu.Unlock()
		b.notify(transitions)
	}()

	if p.gen != b.generation {
		return
	}

	if p.trial {
		if b.state == StateHalfOpen {
			transitions = append(transitions, b.setStateLocked(StateClosed, ReasonTrialSucceeded, b.now()))
			b.failures = 0
			b.trialInFlight = false
			b.nextProbe = time.Time{}
			b.reopens = 0
		}
		p.settled = true
		return
	}

	// Late successes from calls admitted before the breaker opened do not
	// close it; only a trial can.
	if b.state == StateClosed {
		b.failures = 0
	}
}

func (b *Breaker) recordFailure(p *Permit) {
	b.mu.Lock()
	var transitions []Transition
	defer func() {
		b.mu.Unlock()
		b.notify(transitions)
	}()

	now := b.now()
	previous := b.lastFailure
	b.lastFailure = now

	if p.gen != b.generation {
		return
	}

	if p.trial {
		p.failed = true
		return
	}
	if b.state != StateClosed {
		return
	}

	if b.cfg.MonitoringWindow > 0 && !previous.IsZero() && now.Sub(previous) > b.cfg.MonitoringWindow {
		b.failures = 0
	}
	b.failures++

	if b.failures >= b.cfg.FailureThreshold {
		b.nextProbe = now.Add(b.cfg.RecoveryTimeout)
		transitions = append(transitions, b.setStateLocked(StateOpen, ReasonThresholdReached, now))
	}
}

func (b *Breaker) release(p *Permit) {
	if !p.trial || p.settled {
		return
	}
	p.settled = true

	b.mu.Lock()
	var transitions []Transition
	defer func() {
		b.mu.Unlock()
		b.notify(transitions)
	}()

	if p.gen != b.generation || b.state != StateHalfOpen {
		return
	}

	b.trialInFlight = false
	if !p.failed {
		// No attempt reached the provider (e.g. invalid input): the next
		// call becomes the trial instead.
		return
	}

	b.reopens++
	now := b.now()
	b.nextProbe = now.Add(b.recoveryTimeoutLocked())
	transitions = append(transitions, b.setStateLocked(StateOpen, ReasonTrialFailed, now))
}

func (b *Breaker) recoveryTimeoutLocked() time.Duration {
	if b.cfg.RecoveryMultiplier <= 1 || b.reopens <= 1 {
		return b.cfg.RecoveryTimeout
	}
	grown := float64(b.cfg.RecoveryTimeout) * math.Pow(b.cfg.RecoveryMultiplier, float64(b.reopens-1))
	if grown > float64(b.cfg.MaxRecoveryTimeout) || math.IsInf(grown, 0) {
		return b.cfg.MaxRecoveryTimeout
	}
	return time.Duration(grown)
}

func (b *Breaker) rejectLocked() error {
	return &OpenError{Provider: b.name, State: b.state, NextProbeTime: b.nextProbe}
}

func (b *Breaker) setStateLocked(to State, reason string, now time.Time) Transition {
	t := Transition{
		Provider:            b.name,
		From:                b.state,
		To:                  to,
		Reason:              reason,
		ConsecutiveFailures: b.failures,
		NextProbeTime:       b.nextProbe,
		Timestamp:           now,
	}
	b.state = to
	return t
}

// notify runs outside the lock; a misbehaving observer cannot wedge or
// corrupt the breaker.
func (b *Breaker) notify(transitions []Transition) {
	for _, t := range transitions {
		b.log.Info("Circuit transition",
			"provider", t.Provider,
			"from", t.From.String(),
			"to", t.To.String(),
			"reason", t.Reason,
			"failures", t.ConsecutiveFailures,
		)
		if b.observer == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.Error("Circuit observer panicked", "provider", t.Provider, "panic", r)
				}
			}()
			b.observer.OnTransition(t)
		}()
	}
}

// Permit is one admitted call. It is owned by the goroutine running the call.
type Permit struct {
	b       *Breaker
	gen     uint64
	trial   bool
	failed  bool
	settled bool
}

// Trial reports whether the permit is the HALF_OPEN trial call.
func (p *Permit) Trial() bool {
	return p.trial
}

// Success reports a successful attempt.
func (p *Permit) Success() {
	p.b.recordSuccess(p)
}

// Failure reports a failed attempt.
func (p *Permit) Failure() {
	p.b.recordFailure(p)
}

// Release ends the call. A trial that did not succeed re-opens the breaker.
// Safe to call more than once.
func (p *Permit) Release() {
	p.b.release(p)
}
