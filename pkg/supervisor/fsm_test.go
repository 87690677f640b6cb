package supervisor

import (
	"testing"
	"time"

	"github.com/droverhq/drover/pkg/errdefs"
	"github.com/droverhq/drover/pkg/types"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to types.ServiceState
		want     bool
	}{
		{types.ServiceStopped, types.ServiceStarting, true},
		{types.ServiceStarting, types.ServiceRunning, true},
		{types.ServiceStarting, types.ServiceFailed, true},
		{types.ServiceRunning, types.ServiceFailed, true},
		{types.ServiceRunning, types.ServiceStopping, true},
		{types.ServiceStopping, types.ServiceStopped, true},
		{types.ServiceFailed, types.ServiceBackoff, true},
		{types.ServiceFailed, types.ServiceFatal, true},
		{types.ServiceBackoff, types.ServiceStarting, true},
		{types.ServiceFatal, types.ServiceStopped, true},

		{types.ServiceStopped, types.ServiceRunning, false},
		{types.ServiceStopped, types.ServiceFailed, false},
		{types.ServiceRunning, types.ServiceStarting, false},
		{types.ServiceFatal, types.ServiceStarting, false},
		{types.ServiceFatal, types.ServiceBackoff, false},
		{types.ServiceState("bogus"), types.ServiceRunning, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTransitionRejectsIllegalStep(t *testing.T) {
	st := &types.ServiceStatus{ID: "web", State: types.ServiceStopped}

	if err := transition(st, types.ServiceRunning); !errdefs.IsInvalidState(err) {
		t.Fatalf("expected invalid-state error, got %v", err)
	}
	if st.State != types.ServiceStopped {
		t.Fatalf("state mutated on rejected transition: %s", st.State)
	}

	if err := transition(st, types.ServiceStarting); err != nil {
		t.Fatalf("legal transition rejected: %v", err)
	}
	if st.State != types.ServiceStarting {
		t.Fatalf("state not applied: %s", st.State)
	}
}

func TestBackoffDelaySchedule(t *testing.T) {
	policy := types.RestartPolicy{
		MaxRetries:        5,
		RetryDelay:        time.Second,
		BackoffMultiplier: 2,
		MaxBackoff:        10 * time.Second,
	}

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second, // 16s clamped by max_backoff
		10 * time.Second,
	}
	for attempts, expected := range want {
		if got := BackoffDelay(policy, attempts); got != expected {
			t.Errorf("attempt %d: got %s, want %s", attempts, got, expected)
		}
	}
}

func TestBackoffDelayMonotonicUnderClamp(t *testing.T) {
	policy := types.RestartPolicy{
		RetryDelay:        500 * time.Millisecond,
		BackoffMultiplier: 3,
		MaxBackoff:        time.Minute,
	}

	prev := time.Duration(0)
	for attempts := 0; attempts < 50; attempts++ {
		d := BackoffDelay(policy, attempts)
		if d < prev {
			t.Fatalf("delay shrank at attempt %d: %s < %s", attempts, d, prev)
		}
		if d > policy.MaxBackoff {
			t.Fatalf("delay %s exceeds cap at attempt %d", d, attempts)
		}
		prev = d
	}
	if prev != policy.MaxBackoff {
		t.Fatalf("schedule never reached the cap: %s", prev)
	}
}

func TestBackoffDelayDegenerateMultiplier(t *testing.T) {
	policy := types.RestartPolicy{
		RetryDelay:        2 * time.Second,
		BackoffMultiplier: 0, // treated as no growth
		MaxBackoff:        time.Minute,
	}
	for attempts := 0; attempts < 5; attempts++ {
		if got := BackoffDelay(policy, attempts); got != 2*time.Second {
			t.Fatalf("attempt %d: got %s, want 2s", attempts, got)
		}
	}
}
