package supervisor

import (
	"math"
	"time"

	"github.com/droverhq/drover/pkg/errdefs"
	"github.com/droverhq/drover/pkg/types"
)

// validTransitions is the service lifecycle machine. Initial state is
// stopped; fatal is terminal until an operator restart resets it.
var validTransitions = map[types.ServiceState][]types.ServiceState{
	types.ServiceStopped:  {types.ServiceStarting},
	types.ServiceStarting: {types.ServiceRunning, types.ServiceFailed, types.ServiceStopping},
	types.ServiceRunning:  {types.ServiceFailed, types.ServiceStopping},
	types.ServiceStopping: {types.ServiceStopped, types.ServiceFailed},
	types.ServiceFailed:   {types.ServiceBackoff, types.ServiceFatal},
	types.ServiceBackoff:  {types.ServiceStarting, types.ServiceStopping},
	types.ServiceFatal:    {types.ServiceStopped},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to types.ServiceState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transition validates and applies a state change on a status snapshot.
func transition(st *types.ServiceStatus, to types.ServiceState) error {
	if !CanTransition(st.State, to) {
		return errdefs.New(errdefs.KindInvalidState,
			"service %s: illegal transition %s -> %s", st.ID, st.State, to)
	}
	st.State = to
	return nil
}

// BackoffDelay computes the restart delay for the given attempt count:
// min(initial * multiplier^attempts, cap). Attempts are zero-based, so
// the first restart waits the initial delay.
func BackoffDelay(policy types.RestartPolicy, attempts int) time.Duration {
	if policy.RetryDelay <= 0 {
		return 0
	}
	mult := policy.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	d := time.Duration(float64(policy.RetryDelay) * math.Pow(mult, float64(attempts)))
	if policy.MaxBackoff > 0 && (d > policy.MaxBackoff || d < 0) {
		d = policy.MaxBackoff
	}
	return d
}
