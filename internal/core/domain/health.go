package domain

import "time"

// HealthState is the coarse health of a provider or the whole service.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// ProviderHealth is a point-in-time view of one provider, safe to serialize.
type ProviderHealth struct {
	State               string      `json:"state"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	LastFailureTime     *time.Time  `json:"last_failure_time,omitempty"`
	NextProbeTime       *time.Time  `json:"next_probe_time,omitempty"`
	Probe               HealthState `json:"probe,omitempty"`
}

// HealthStatus is the read-only health report consumed by status pages.
type HealthStatus struct {
	Overall     HealthState               `json:"overall"`
	PerProvider map[string]ProviderHealth `json:"per_provider"`
}
