package health

import (
	"sync"
	"time"

	"github.com/droverhq/drover/pkg/types"
)

// DefaultHistoryDepth is the per-service ring length.
const DefaultHistoryDepth = 100

// History keeps a bounded ring of check results per service.
type History struct {
	mu    sync.RWMutex
	depth int
	rings map[string][]Result
}

// Summary aggregates a service's recorded results.
type Summary struct {
	Status          types.HealthState
	ChecksCount     int
	SuccessRate     float64
	AvgResponseTime time.Duration
	LastStatus      types.HealthState
}

// NewHistory creates a history with the given per-service depth.
func NewHistory(depth int) *History {
	if depth <= 0 {
		depth = DefaultHistoryDepth
	}
	return &History{
		depth: depth,
		rings: make(map[string][]Result),
	}
}

// Record appends a result, evicting the oldest past the depth.
func (h *History) Record(service string, r Result) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ring := append(h.rings[service], r)
	if len(ring) > h.depth {
		ring = ring[len(ring)-h.depth:]
	}
	h.rings[service] = ring
}

// Summary aggregates results within the window. A zero window covers
// the whole ring. Overall status: >=95% healthy is healthy, >=80% is
// degraded, below that unhealthy.
func (h *History) Summary(service string, window time.Duration) Summary {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ring := h.rings[service]
	cutoff := time.Time{}
	if window > 0 {
		cutoff = time.Now().Add(-window)
	}

	var (
		count     int
		healthy   int
		totalTime time.Duration
		last      types.HealthState = types.HealthUnknown
	)
	for _, r := range ring {
		if !cutoff.IsZero() && r.CheckedAt.Before(cutoff) {
			continue
		}
		count++
		if r.Status == types.HealthHealthy {
			healthy++
		}
		totalTime += r.ResponseTime
		last = r.Status
	}

	if count == 0 {
		return Summary{Status: types.HealthUnknown, LastStatus: last}
	}

	rate := float64(healthy) / float64(count)
	status := types.HealthUnhealthy
	switch {
	case rate >= 0.95:
		status = types.HealthHealthy
	case rate >= 0.80:
		status = types.HealthDegraded
	}

	return Summary{
		Status:          status,
		ChecksCount:     count,
		SuccessRate:     rate,
		AvgResponseTime: totalTime / time.Duration(count),
		LastStatus:      last,
	}
}
