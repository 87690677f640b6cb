package supervisor

import (
	"context"
	"fmt"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/types"
)

// cycle runs one supervision pass over every service in priority order:
// due backoffs are restarted, grace-period survivors are promoted to
// running, and running services get a health check and a limit check.
func (s *Supervisor) cycle() {
	s.mu.RLock()
	order := append([]string(nil), s.order...)
	s.mu.RUnlock()

	now := s.clk.Now()
	for _, id := range order {
		s.mu.Lock()
		svc := s.services[id]
		state := svc.status.State
		switch state {
		case types.ServiceBackoff:
			due := !svc.status.NextRestartAt.IsZero() && !now.Before(svc.status.NextRestartAt)
			s.mu.Unlock()
			if due {
				if err := s.spawn(id); err != nil {
					s.logger.Warn().Err(err).Str("service", id).Msg("restart failed")
				}
			}
		case types.ServiceStarting:
			alive := svc.cmd != nil && svc.cmd.Process != nil
			graced := s.clk.Since(svc.status.StartedAt) >= s.cfg.StartGrace
			if alive && graced {
				transition(&svc.status, types.ServiceRunning)
				svc.status.RestartAttempts = 0
				svc.status.LastError = ""
				s.mu.Unlock()
				s.logger.Info().Str("service", id).Msg("service running")
				s.persist(id)
				s.event(id, "running", "")
				s.broker.Publish(&events.Event{
					Type:     events.EventServiceStarted,
					Message:  fmt.Sprintf("service %s is running", id),
					Metadata: map[string]string{"service": id},
				})
			} else {
				s.mu.Unlock()
			}
		case types.ServiceRunning:
			s.mu.Unlock()
			s.checkRunning(id)
		default:
			s.mu.Unlock()
		}
	}

	s.updateStateGauges()
}

// checkRunning samples resource usage and evaluates the health check
// for one running service.
func (s *Supervisor) checkRunning(id string) {
	s.mu.RLock()
	svc := s.services[id]
	pid := svc.status.PID
	startedAt := svc.status.StartedAt
	spec := svc.spec
	s.mu.RUnlock()

	if m, ok := s.sample(pid, startedAt); ok {
		s.mu.Lock()
		svc.status.Metrics = m
		s.mu.Unlock()
		s.checkLimits(id, spec.Limits, m)
	}

	if spec.HealthCheck == nil {
		return
	}

	timeout := spec.HealthCheck.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	result := s.prober.Evaluate(ctx, id, spec.HealthCheck)
	cancel()

	s.mu.Lock()
	if svc.status.State != types.ServiceRunning {
		s.mu.Unlock()
		return
	}
	if result.Status == types.HealthUnhealthy {
		svc.healthFailures++
	} else {
		svc.healthFailures = 0
	}
	failures := svc.healthFailures
	cmd := svc.cmd
	s.mu.Unlock()

	if failures >= s.cfg.HealthMaxFailures {
		s.logger.Warn().Str("service", id).Int("failures", failures).
			Msg("health check failing, restarting service")
		s.event(id, "unhealthy", fmt.Sprintf("%d consecutive failures: %s", failures, result.Message))
		if cmd != nil && cmd.Process != nil {
			// The exit event drives the failed -> backoff path.
			cmd.Process.Kill()
		}
	}
}

// checkLimits raises an advisory notification when a soft resource
// limit is exceeded. Limits never restart the service.
func (s *Supervisor) checkLimits(id string, limits types.ResourceLimits, m types.ServiceMetrics) {
	if limits.MaxCPUPercent > 0 && m.CPUPercent > limits.MaxCPUPercent {
		s.broker.Warn(events.EventResourceExceeded,
			fmt.Sprintf("service %s CPU %.1f%% exceeds limit %.1f%%", id, m.CPUPercent, limits.MaxCPUPercent),
			map[string]string{"service": id, "resource": "cpu"})
	}
	if limits.MaxMemoryMB > 0 && m.MemoryMB > limits.MaxMemoryMB {
		s.broker.Warn(events.EventResourceExceeded,
			fmt.Sprintf("service %s memory %.1fMB exceeds limit %.1fMB", id, m.MemoryMB, limits.MaxMemoryMB),
			map[string]string{"service": id, "resource": "memory"})
	}
}

// emitMetrics samples every running service and pushes the snapshots to
// storage, the exporter, and registered collectors.
func (s *Supervisor) emitMetrics() {
	s.mu.RLock()
	order := append([]string(nil), s.order...)
	s.mu.RUnlock()

	for _, id := range order {
		s.mu.RLock()
		svc := s.services[id]
		running := svc.status.State == types.ServiceRunning
		pid := svc.status.PID
		startedAt := svc.status.StartedAt
		s.mu.RUnlock()
		if !running {
			continue
		}

		m, ok := s.sample(pid, startedAt)
		if !ok {
			continue
		}

		s.mu.Lock()
		svc.status.Metrics = m
		s.mu.Unlock()

		if err := s.store.AppendServiceMetrics(id, m); err != nil {
			s.logger.Warn().Err(err).Str("service", id).Msg("persist metrics failed")
		}
		metrics.ServiceCPU.WithLabelValues(id).Set(m.CPUPercent)
		metrics.ServiceMemory.WithLabelValues(id).Set(m.MemoryMB)

		s.collectorsMu.RLock()
		sinks := append([]Collector(nil), s.collectors...)
		s.collectorsMu.RUnlock()
		for _, sink := range sinks {
			sink(id, m)
		}
	}

	s.updateStateGauges()
}

// sample reads one resource-usage snapshot for a pid.
func (s *Supervisor) sample(pid int, startedAt time.Time) (types.ServiceMetrics, bool) {
	if pid == 0 {
		return types.ServiceMetrics{}, false
	}
	proc, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return types.ServiceMetrics{}, false
	}
	m := types.ServiceMetrics{
		Uptime:    s.clk.Since(startedAt),
		SampledAt: s.clk.Now(),
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		m.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		m.MemoryMB = float64(mem.RSS) / (1024 * 1024)
	}
	return m, true
}

func (s *Supervisor) updateStateGauges() {
	counts := make(map[types.ServiceState]int)
	s.mu.RLock()
	for _, svc := range s.services {
		counts[svc.status.State]++
	}
	s.mu.RUnlock()

	for _, state := range []types.ServiceState{
		types.ServiceStopped, types.ServiceStarting, types.ServiceRunning,
		types.ServiceStopping, types.ServiceFailed, types.ServiceBackoff, types.ServiceFatal,
	} {
		metrics.ServicesTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}
