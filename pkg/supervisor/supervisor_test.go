package supervisor

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/clock"
	"github.com/droverhq/drover/pkg/errdefs"
	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/health"
	"github.com/droverhq/drover/pkg/storage"
	"github.com/droverhq/drover/pkg/types"
)

func newTestSupervisor(t *testing.T) (*Supervisor, storage.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	sup := New(Config{
		CheckInterval:   20 * time.Millisecond,
		MetricsInterval: time.Hour, // not under test
		StartGrace:      10 * time.Millisecond,
		PidFile:         filepath.Join(dir, "drover.pid"),
		LogDirectory:    dir,
	}, store, broker, health.NewProber(), clock.New())
	return sup, store
}

func waitForState(t *testing.T, sup *Supervisor, id string, want types.ServiceState, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		st, err := sup.Status(id)
		require.NoError(t, err)
		if st.State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	st, _ := sup.Status(id)
	t.Fatalf("service %s never reached %s (is %s)", id, want, st.State)
}

func TestServiceLifecycle(t *testing.T) {
	sup, store := newTestSupervisor(t)

	sup.Load([]*types.ServiceSpec{{
		ID:      "sleeper",
		Command: "/bin/sleep",
		Args:    []string{"60"},
		Enabled: true,
		Graceful: types.GracefulShutdown{
			Enabled: true,
			Timeout: 2 * time.Second,
			Signal:  "SIGTERM",
		},
	}})
	require.NoError(t, sup.Start())
	defer sup.Shutdown()

	waitForState(t, sup, "sleeper", types.ServiceRunning, 3*time.Second)

	st, err := sup.Status("sleeper")
	require.NoError(t, err)
	require.NotZero(t, st.PID)

	// Persisted snapshot tracks the in-memory state.
	saved, err := store.GetServiceStatus("sleeper")
	require.NoError(t, err)
	require.Equal(t, types.ServiceRunning, saved.State)

	require.NoError(t, sup.StopService("sleeper"))
	waitForState(t, sup, "sleeper", types.ServiceStopped, 5*time.Second)

	// Stopping a stopped service is an invalid-state error.
	err = sup.StopService("sleeper")
	require.True(t, errdefs.IsInvalidState(err))
}

func TestCrashingServiceGoesFatal(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	sup.Load([]*types.ServiceSpec{{
		ID:            "flaky",
		Command:       "/bin/false",
		Enabled:       true,
		RestartOnExit: true,
		RestartPolicy: types.RestartPolicy{
			MaxRetries:        2,
			RetryDelay:        time.Millisecond,
			BackoffMultiplier: 2,
			MaxBackoff:        10 * time.Millisecond,
		},
	}})
	require.NoError(t, sup.Start())
	defer sup.Shutdown()

	waitForState(t, sup, "flaky", types.ServiceFatal, 5*time.Second)

	st, err := sup.Status("flaky")
	require.NoError(t, err)
	require.Equal(t, 2, st.RestartAttempts)
	require.GreaterOrEqual(t, st.TotalFailures, 3) // initial start + both retries

	// Fatal is terminal until an operator restart resets the budget.
	err = sup.StartService("flaky")
	require.True(t, errdefs.IsInvalidState(err))
}

func TestRestartResetsFatal(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	sup.Load([]*types.ServiceSpec{{
		ID:            "flaky",
		Command:       "/bin/false",
		Enabled:       true,
		RestartOnExit: true,
		RestartPolicy: types.RestartPolicy{
			MaxRetries: 1,
			RetryDelay: time.Millisecond,
		},
	}})
	require.NoError(t, sup.Start())
	defer sup.Shutdown()

	waitForState(t, sup, "flaky", types.ServiceFatal, 5*time.Second)

	require.NoError(t, sup.RestartService("flaky"))
	st, err := sup.Status("flaky")
	require.NoError(t, err)
	require.NotEqual(t, types.ServiceFatal, st.State)
}

func TestDisabledServiceStaysStopped(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	sup.Load([]*types.ServiceSpec{{
		ID:      "dormant",
		Command: "/bin/sleep",
		Args:    []string{"60"},
		Enabled: false,
	}})
	require.NoError(t, sup.Start())
	defer sup.Shutdown()

	time.Sleep(50 * time.Millisecond)
	st, err := sup.Status("dormant")
	require.NoError(t, err)
	require.Equal(t, types.ServiceStopped, st.State)
}

func TestStatusUnknownService(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	_, err := sup.Status("ghost")
	require.True(t, errdefs.IsNotFound(err))
	require.True(t, errdefs.IsNotFound(sup.StartService("ghost")))
}

func TestStatusAllPriorityOrder(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	sup.Load([]*types.ServiceSpec{
		{ID: "low", Command: "/bin/true", Priority: 1},
		{ID: "high", Command: "/bin/true", Priority: 10},
		{ID: "alpha", Command: "/bin/true", Priority: 1},
	})

	statuses := sup.StatusAll()
	require.Len(t, statuses, 3)
	require.Equal(t, "high", statuses[0].ID)
	require.Equal(t, "alpha", statuses[1].ID)
	require.Equal(t, "low", statuses[2].ID)
}
