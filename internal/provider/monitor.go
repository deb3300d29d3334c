package provider

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vietddude/lens/internal/core/domain"
)

// Status represents the upstream state observed by a Monitor.
type Status int

const (
	StatusHealthy   Status = iota // Provider is working normally
	StatusDegraded                // Provider is slow or erroring but working
	StatusThrottled               // Provider is rate limiting
	StatusBlocked                 // Provider has blocked this client
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusThrottled:
		return "throttled"
	case StatusBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// HealthState maps the monitor status onto the provider health scale.
func (s Status) HealthState() domain.HealthState {
	switch s {
	case StatusHealthy:
		return domain.HealthHealthy
	case StatusBlocked:
		return domain.HealthUnhealthy
	default:
		return domain.HealthDegraded
	}
}

// MonitorStats holds monitoring statistics for a provider.
type MonitorStats struct {
	Status           Status
	AverageLatency   time.Duration
	ThrottleCount429 int
	ThrottleCount403 int
	Requests         int
	Errors           int
	ErrorRate        float64
}

// Monitor tracks adapter latency, errors and rate limiting.
type Monitor struct {
	mu  sync.RWMutex
	now func() time.Time

	// Response time tracking
	recentLatencies  []time.Duration
	maxLatencyWindow int

	// Error tracking
	recentResults      []bool
	status429Count     int
	status403Count     int
	throttlePatterns   []string
	lastThrottleTime   time.Time
	retryAfterDuration time.Duration

	// Thresholds
	slowResponseThreshold time.Duration
	degradedErrorRate     float64
}

// NewMonitor creates a monitor with default thresholds.
func NewMonitor() *Monitor {
	return &Monitor{
		now:              time.Now,
		recentLatencies:  make([]time.Duration, 0, 100),
		maxLatencyWindow: 100,
		throttlePatterns: []string{
			"rate limit exceeded",
			"too many requests",
			"daily request count exceeded",
			"quota exceeded",
			"monthly quota exceeded",
		},
		slowResponseThreshold: 5 * time.Second,
		degradedErrorRate:     0.3,
	}
}

// WithClock overrides time.Now, mainly for tests.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	return m
}

// RecordSuccess records a successful request with its latency.
func (m *Monitor) RecordSuccess(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.recentLatencies = append(m.recentLatencies, latency)
	if len(m.recentLatencies) > m.maxLatencyWindow {
		m.recentLatencies = m.recentLatencies[1:]
	}
	m.pushResultLocked(true)
}

// RecordError records a failed request.
func (m *Monitor) RecordError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushResultLocked(false)
}

func (m *Monitor) pushResultLocked(ok bool) {
	m.recentResults = append(m.recentResults, ok)
	if len(m.recentResults) > m.maxLatencyWindow {
		m.recentResults = m.recentResults[1:]
	}
}

// RecordThrottle records a rate limiting or blocking response. retryAfter is
// the raw Retry-After header value, in seconds or HTTP-date form.
func (m *Monitor) RecordThrottle(statusCode int, retryAfter string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.lastThrottleTime = now

	switch statusCode {
	case http.StatusTooManyRequests:
		m.status429Count++
		m.retryAfterDuration = parseRetryAfter(retryAfter, now, 60*time.Second)
	case http.StatusForbidden:
		m.status403Count++
		m.retryAfterDuration = 10 * time.Minute // Longer for IP block
	}
}

func parseRetryAfter(v string, now time.Time, fallback time.Duration) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return fallback
}

// DetectThrottlePattern checks if a message contains throttle patterns.
func (m *Monitor) DetectThrottlePattern(message string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lowerMsg := strings.ToLower(message)
	for _, pattern := range m.throttlePatterns {
		if strings.Contains(lowerMsg, pattern) {
			return true
		}
	}
	return false
}

// CheckStatus returns the current status of the provider.
func (m *Monitor) CheckStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sinceThrottle := m.now().Sub(m.lastThrottleTime)

	// Blocked by 403
	if m.status403Count > 0 && sinceThrottle < m.retryAfterDuration {
		return StatusBlocked
	}

	// Throttled by 429
	if m.status429Count > 0 && sinceThrottle < m.retryAfterDuration {
		return StatusThrottled
	}

	if len(m.recentLatencies) > 10 && m.averageLatencyLocked() > m.slowResponseThreshold {
		return StatusDegraded
	}

	if len(m.recentResults) >= 5 && m.errorRateLocked() > m.degradedErrorRate {
		return StatusDegraded
	}

	return StatusHealthy
}

// RetryAfter returns remaining time before retry is allowed.
func (m *Monitor) RetryAfter() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.retryAfterDuration > 0 {
		remaining := m.retryAfterDuration - m.now().Sub(m.lastThrottleTime)
		if remaining > 0 {
			return remaining
		}
	}
	return 0
}

// AverageLatency returns the average latency of recent requests.
func (m *Monitor) AverageLatency() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.averageLatencyLocked()
}

func (m *Monitor) averageLatencyLocked() time.Duration {
	if len(m.recentLatencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, lat := range m.recentLatencies {
		total += lat
	}
	return total / time.Duration(len(m.recentLatencies))
}

func (m *Monitor) errorRateLocked() float64 {
	if len(m.recentResults) == 0 {
		return 0
	}
	errs := 0
	for _, ok := range m.recentResults {
		if !ok {
			errs++
		}
	}
	return float64(errs) / float64(len(m.recentResults))
}

// Stats returns current monitoring statistics.
func (m *Monitor) Stats() MonitorStats {
	status := m.CheckStatus()

	m.mu.RLock()
	defer m.mu.RUnlock()

	errs := 0
	for _, ok := range m.recentResults {
		if !ok {
			errs++
		}
	}
	return MonitorStats{
		Status:           status,
		AverageLatency:   m.averageLatencyLocked(),
		ThrottleCount429: m.status429Count,
		ThrottleCount403: m.status403Count,
		Requests:         len(m.recentResults),
		Errors:           errs,
		ErrorRate:        m.errorRateLocked(),
	}
}
