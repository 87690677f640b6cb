package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/errdefs"
	"github.com/droverhq/drover/pkg/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "drover.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
data_dir: /var/lib/drover
services:
  web:
    command: /usr/bin/web
`))
	require.NoError(t, err)

	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, 30*time.Second, cfg.Supervisor.CheckInterval.Std())
	require.Equal(t, 10*time.Second, cfg.Coordinator.HeartbeatInterval.Std())
	require.Equal(t, 30*time.Second, cfg.Coordinator.FailoverThreshold.Std())
	require.Equal(t, 3, cfg.Coordinator.MaxMissedHeartbeats)
	require.Equal(t, 3*time.Second, cfg.Assigner.TickInterval.Std())
	require.Equal(t, 50, cfg.Assigner.MatchBatchSize)
	require.Equal(t, 30*time.Minute, cfg.Assigner.DefaultTimeout.Std())

	web := cfg.Services["web"]
	require.Equal(t, 5, web.RestartPolicy.MaxRetries)
	require.Equal(t, float64(2), web.RestartPolicy.BackoffMultiplier)
	require.Equal(t, 5*time.Minute, web.RestartPolicy.MaxBackoff.Std())
	require.Equal(t, "SIGTERM", web.GracefulShutdown.Signal)
}

func TestDurationAcceptsStringsAndSeconds(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
supervisor:
  check_interval: 45s
coordinator:
  heartbeat_interval: 7
`))
	require.NoError(t, err)
	require.Equal(t, 45*time.Second, cfg.Supervisor.CheckInterval.Std())
	require.Equal(t, 7*time.Second, cfg.Coordinator.HeartbeatInterval.Std())
}

func TestLoadRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad role", "coordinator:\n  node_id: n1\n  role: emperor\n"},
		{"role without node id", "coordinator:\n  role: worker\n"},
		{"service without command", "services:\n  web: {}\n"},
		{"unknown provider", "assigner:\n  providers:\n    gpt9:\n      idle: [\"❯\"]\n"},
		{"provider without idle markers", "assigner:\n  providers:\n    claude:\n      busy: [\"esc\"]\n"},
		{"http check without url", "services:\n  web:\n    command: /bin/web\n    health_check:\n      kind: http\n"},
		{"unknown check kind", "services:\n  web:\n    command: /bin/web\n    health_check:\n      kind: voodoo\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			require.Error(t, err)
			require.True(t, errdefs.IsConfig(err), "want config kind, got %v", err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.True(t, errdefs.IsConfig(err))
}

func TestServiceSpecsConversion(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
services:
  worker:
    command: /usr/bin/worker
    args: ["--verbose"]
    priority: 9
    enabled: false
    restart_policy:
      max_retries: 2
      retry_delay: 1s
      backoff_multiplier: 3
      max_backoff: 30s
    graceful_shutdown:
      timeout: 5s
      signal: SIGINT
    resource_limits:
      max_cpu_percent: 75
      max_memory_mb: 512
    health_check:
      kind: http
      url: http://127.0.0.1:8080/healthz
      fallback_check:
        kind: process
`))
	require.NoError(t, err)

	specs := cfg.ServiceSpecs()
	require.Len(t, specs, 1)
	spec := specs[0]

	require.Equal(t, "worker", spec.ID)
	require.False(t, spec.Enabled)
	require.True(t, spec.RestartOnExit)
	require.Equal(t, 9, spec.Priority)
	require.Equal(t, 2, spec.RestartPolicy.MaxRetries)
	require.Equal(t, float64(3), spec.RestartPolicy.BackoffMultiplier)
	require.Equal(t, "SIGINT", spec.Graceful.Signal)
	require.Equal(t, 75.0, spec.Limits.MaxCPUPercent)

	require.NotNil(t, spec.HealthCheck)
	require.Equal(t, types.CheckHTTP, spec.HealthCheck.Kind)
	require.NotNil(t, spec.HealthCheck.Fallback)
	require.Equal(t, types.CheckProcess, spec.HealthCheck.Fallback.Kind)
}
