package runtime

import (
	"sync"
	"time"

	"agentmesh/knowledgeservice/internal/domain"
)

const (
	healthAlpha = 0.1

	// A failed provider is reported unavailable until this much time has
	// passed since the failure, so the seeker can probe it again.
	recoveryInterval = 30 * time.Second
)

// HealthTracker keeps per-provider availability, response-time and error-rate
// moving averages. All methods take the current time explicitly.
type HealthTracker struct {
	mu            sync.Mutex
	available     bool
	responseTime  *EMA
	errorRate     *EMA
	lastError     string
	lastSuccessAt time.Time
	lastFailureAt time.Time
	totalRequests int64
	totalFailures int64
}

func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		available:    true,
		responseTime: NewEMA(healthAlpha),
		errorRate:    NewEMA(healthAlpha),
	}
}

func (h *HealthTracker) Observe(err error, latency time.Duration, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.totalRequests++
	if latency > 0 {
		h.responseTime.Observe(float64(latency.Milliseconds()))
	}

	if err != nil {
		h.totalFailures++
		h.errorRate.Observe(1)
		h.lastError = err.Error()
		h.lastFailureAt = now
		h.available = false
		return
	}

	h.errorRate.Observe(0)
	h.lastError = ""
	h.lastSuccessAt = now
	h.available = true
}

func (h *HealthTracker) Available(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.availableLocked(now)
}

func (h *HealthTracker) availableLocked(now time.Time) bool {
	if h.available {
		return true
	}
	return !h.lastFailureAt.IsZero() && now.Sub(h.lastFailureAt) >= recoveryInterval
}

func (h *HealthTracker) Snapshot(now time.Time) domain.ProviderHealth {
	h.mu.Lock()
	defer h.mu.Unlock()

	snap := domain.ProviderHealth{
		Available:      h.availableLocked(now),
		ResponseTimeMS: h.responseTime.Value(),
		ErrorRate:      h.errorRate.Value(),
		LastError:      h.lastError,
		TotalRequests:  h.totalRequests,
		TotalFailures:  h.totalFailures,
	}
	if !h.lastSuccessAt.IsZero() {
		at := h.lastSuccessAt
		snap.LastSuccessAt = &at
	}
	if !h.lastFailureAt.IsZero() {
		at := h.lastFailureAt
		snap.LastFailureAt = &at
	}
	return snap
}
