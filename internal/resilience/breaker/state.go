package breaker

import (
	"fmt"
	"time"
)

// State represents the state of a circuit breaker.
type State int

const (
	StateClosed   State = iota // Normal operation, calls allowed.
	StateOpen                  // Calls short-circuited until the probe time.
	StateHalfOpen              // One trial call allowed.
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Transition reasons.
const (
	ReasonThresholdReached = "failure_threshold_reached"
	ReasonProbeDue         = "recovery_timeout_elapsed"
	ReasonTrialSucceeded   = "trial_succeeded"
	ReasonTrialFailed      = "trial_failed"
	ReasonManualReset      = "manual_reset"
	ReasonManualOpen       = "manual_open"
)

// Transition records a state change with metadata.
type Transition struct {
	Provider            string
	From                State
	To                  State
	Reason              string
	ConsecutiveFailures int
	NextProbeTime       time.Time
	Timestamp           time.Time
}

// Observer receives every transition. Implementations must not call back
// into the breaker that notified them.
type Observer interface {
	OnTransition(t Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(t Transition)

func (f ObserverFunc) OnTransition(t Transition) { f(t) }

// Snapshot is a read-only copy of a breaker's circuit state.
type Snapshot struct {
	Provider            string
	State               State
	ConsecutiveFailures int
	LastFailureTime     time.Time
	NextProbeTime       time.Time
}

// OpenError is returned by Allow when the breaker rejects a call.
type OpenError struct {
	Provider      string
	State         State
	NextProbeTime time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf(
		"circuit %s for provider %s, next probe at %s",
		e.State, e.Provider, e.NextProbeTime.Format(time.RFC3339),
	)
}
