// Package backoff computes retry delay sequences.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Config defines the exponential schedule.
type Config struct {
	Base       time.Duration `yaml:"base"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
	// Jitter spreads each delay uniformly over [delay/2, delay].
	Jitter bool `yaml:"jitter"`
}

// DefaultConfig provides sensible defaults.
var DefaultConfig = Config{
	Base:       1 * time.Second,
	Max:        10 * time.Second,
	Multiplier: 2.0,
}

// Policy maps an attempt number to the delay before the next attempt.
type Policy struct {
	cfg  Config
	rand func() float64
}

// New creates a policy, filling zero fields from DefaultConfig.
func New(cfg Config) *Policy {
	if cfg.Base <= 0 {
		cfg.Base = DefaultConfig.Base
	}
	if cfg.Max <= 0 {
		cfg.Max = DefaultConfig.Max
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = DefaultConfig.Multiplier
	}
	return &Policy{cfg: cfg, rand: rand.Float64}
}

// WithRand replaces the random source used for jitter.
func (p *Policy) WithRand(fn func() float64) *Policy {
	cp := *p
	cp.rand = fn
	return &cp
}

// Config returns the effective configuration.
func (p *Policy) Config() Config {
	return p.cfg
}

// Delay returns base*multiplier^attempt capped at max. Negative attempts are
// treated as zero. With jitter disabled the result is deterministic.
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(p.cfg.Base) * math.Pow(p.cfg.Multiplier, float64(attempt))
	if delay > float64(p.cfg.Max) || math.IsInf(delay, 0) || math.IsNaN(delay) {
		delay = float64(p.cfg.Max)
	}

	if p.cfg.Jitter && p.rand != nil {
		half := delay / 2
		delay = half + p.rand()*half
	}
	return time.Duration(delay)
}
