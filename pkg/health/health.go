package health

import (
	"context"
	"time"

	"github.com/droverhq/drover/pkg/types"
)

// Result represents the outcome of a single health check
type Result struct {
	Status       types.HealthState
	ResponseTime time.Duration
	CheckedAt    time.Time
	Message      string
	Details      map[string]string
}

// Prober evaluates declarative check specs and records per-service
// history for success-rate reporting.
type Prober struct {
	history *History
}

// NewProber creates a prober with the default history depth.
func NewProber() *Prober {
	return &Prober{history: NewHistory(DefaultHistoryDepth)}
}

// Evaluate runs one check and records the result under the service name.
// An HTTP spec with a fallback falls through to the fallback only when
// the HTTP call itself errors, not on an unexpected status.
func (p *Prober) Evaluate(ctx context.Context, service string, spec *types.CheckSpec) Result {
	result := evaluate(ctx, spec)
	if spec.Kind == types.CheckHTTP && spec.Fallback != nil && result.Details["transport_error"] == "true" {
		result = evaluate(ctx, spec.Fallback)
		if result.Details == nil {
			result.Details = make(map[string]string)
		}
		result.Details["fallback"] = "true"
	}
	p.history.Record(service, result)
	return result
}

// History returns the prober's recorded history.
func (p *Prober) History() *History {
	return p.history
}

// Summary aggregates the recorded history for a service over the window.
func (p *Prober) Summary(service string, window time.Duration) Summary {
	return p.history.Summary(service, window)
}

func evaluate(ctx context.Context, spec *types.CheckSpec) Result {
	switch spec.Kind {
	case types.CheckHTTP:
		return checkHTTP(ctx, spec)
	case types.CheckTCP:
		return checkTCP(ctx, spec)
	case types.CheckProcess:
		return checkProcess(ctx, spec)
	case types.CheckScript:
		return checkScript(ctx, spec)
	default:
		return Result{
			Status:    types.HealthUnknown,
			CheckedAt: time.Now(),
			Message:   "unknown check kind",
		}
	}
}
