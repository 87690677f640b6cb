package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/droverhq/drover/pkg/clock"
	"github.com/droverhq/drover/pkg/errdefs"
	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/health"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/pidfile"
	"github.com/droverhq/drover/pkg/storage"
	"github.com/droverhq/drover/pkg/types"
)

// Config holds supervisor-wide settings
type Config struct {
	CheckInterval     time.Duration
	MetricsInterval   time.Duration
	StartGrace        time.Duration
	HealthMaxFailures int
	LogDirectory      string
	PidFile           string
}

// Collector receives per-service metric snapshots from the emission loop
type Collector func(serviceID string, m types.ServiceMetrics)

// Supervisor keeps a declared set of services alive within resource
// limits, restarting failures with exponential backoff.
type Supervisor struct {
	cfg    Config
	store  storage.Store
	broker *events.Broker
	prober *health.Prober
	clk    clock.Clock
	logger zerolog.Logger

	mu       sync.RWMutex
	services map[string]*service
	order    []string // ids sorted by priority desc, then id

	collectors   []Collector
	collectorsMu sync.RWMutex

	exitCh   chan exitEvent
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type service struct {
	spec   *types.ServiceSpec
	status types.ServiceStatus
	cmd    *exec.Cmd
	gen    int // incremented per spawn; guards stale exit events

	healthFailures int
}

type exitEvent struct {
	id  string
	gen int
	err error
}

// New creates a supervisor. Zero config fields get defaults.
func New(cfg Config, store storage.Store, broker *events.Broker, prober *health.Prober, clk clock.Clock) *Supervisor {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.MetricsInterval == 0 {
		cfg.MetricsInterval = 60 * time.Second
	}
	if cfg.StartGrace == 0 {
		cfg.StartGrace = 2 * time.Second
	}
	if cfg.HealthMaxFailures == 0 {
		cfg.HealthMaxFailures = 3
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Supervisor{
		cfg:      cfg,
		store:    store,
		broker:   broker,
		prober:   prober,
		clk:      clk,
		logger:   log.WithComponent("supervisor"),
		services: make(map[string]*service),
		exitCh:   make(chan exitEvent, 16),
		stopCh:   make(chan struct{}),
	}
}

// Load installs the declared services, replacing any prior declaration
// that is not currently running.
func (s *Supervisor) Load(specs []*types.ServiceSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, spec := range specs {
		if existing, ok := s.services[spec.ID]; ok {
			existing.spec = spec
			continue
		}
		s.services[spec.ID] = &service{
			spec:   spec,
			status: types.ServiceStatus{ID: spec.ID, State: types.ServiceStopped},
		}
	}
	s.reorder()
}

// reorder recomputes the priority ordering. Caller holds s.mu.
func (s *Supervisor) reorder() {
	ids := make([]string, 0, len(s.services))
	for id := range s.services {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.services[ids[i]], s.services[ids[j]]
		if a.spec.Priority != b.spec.Priority {
			return a.spec.Priority > b.spec.Priority
		}
		return ids[i] < ids[j]
	})
	s.order = ids
}

// RegisterCollector adds a sink for metric snapshots.
func (s *Supervisor) RegisterCollector(c Collector) {
	s.collectorsMu.Lock()
	defer s.collectorsMu.Unlock()
	s.collectors = append(s.collectors, c)
}

// Start writes the pid file, starts all enabled services in priority
// order, and launches the supervision and metrics loops.
func (s *Supervisor) Start() error {
	if s.cfg.PidFile != "" {
		if err := pidfile.Write(s.cfg.PidFile); err != nil {
			return err
		}
	}

	s.mu.Lock()
	order := append([]string(nil), s.order...)
	s.mu.Unlock()

	for _, id := range order {
		s.mu.Lock()
		svc := s.services[id]
		enabled := svc.spec.Enabled
		s.mu.Unlock()
		if !enabled {
			continue
		}
		if err := s.StartService(id); err != nil {
			s.logger.Error().Err(err).Str("service", id).Msg("initial start failed")
		}
	}

	s.wg.Add(1)
	go s.run()
	return nil
}

// Shutdown stops every running service, then the loops, then removes
// the pid file.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	order := append([]string(nil), s.order...)
	s.mu.Unlock()

	for _, id := range order {
		s.mu.RLock()
		state := s.services[id].status.State
		s.mu.RUnlock()
		if state == types.ServiceRunning || state == types.ServiceStarting {
			if err := s.StopService(id); err != nil {
				s.logger.Warn().Err(err).Str("service", id).Msg("stop during shutdown failed")
			}
		}
	}

	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()

	if s.cfg.PidFile != "" {
		if err := pidfile.Remove(s.cfg.PidFile); err != nil {
			s.logger.Warn().Err(err).Msg("remove pid file failed")
		}
	}
}

// run is the main supervision goroutine; exit events and periodic
// cycles are serialized here.
func (s *Supervisor) run() {
	defer s.wg.Done()

	checkTicker := time.NewTicker(s.cfg.CheckInterval)
	defer checkTicker.Stop()
	metricsTicker := time.NewTicker(s.cfg.MetricsInterval)
	defer metricsTicker.Stop()

	for {
		select {
		case ev := <-s.exitCh:
			s.handleExit(ev)
		case <-checkTicker.C:
			s.cycle()
		case <-metricsTicker.C:
			s.emitMetrics()
		case <-s.stopCh:
			return
		}
	}
}

// StartService launches a stopped (or fatal, via reset) service.
func (s *Supervisor) StartService(id string) error {
	s.mu.Lock()
	svc, ok := s.services[id]
	if !ok {
		s.mu.Unlock()
		return errdefs.New(errdefs.KindNotFound, "service %q not declared", id)
	}
	if svc.status.State != types.ServiceStopped && svc.status.State != types.ServiceBackoff {
		state := svc.status.State
		s.mu.Unlock()
		return errdefs.New(errdefs.KindInvalidState, "service %q is %s", id, state)
	}
	s.mu.Unlock()

	return s.spawn(id)
}

// spawn moves the service to starting and launches the child process.
func (s *Supervisor) spawn(id string) error {
	s.mu.Lock()
	svc := s.services[id]
	if err := transition(&svc.status, types.ServiceStarting); err != nil {
		s.mu.Unlock()
		return err
	}
	spec := svc.spec
	svc.gen++
	gen := svc.gen
	svc.healthFailures = 0
	s.mu.Unlock()

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.WorkingDir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if s.cfg.LogDirectory != "" {
		logPath := filepath.Join(s.cfg.LogDirectory, id+".log")
		if f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err == nil {
			cmd.Stdout = f
			cmd.Stderr = f
		}
	}

	if err := cmd.Start(); err != nil {
		s.mu.Lock()
		transition(&svc.status, types.ServiceFailed)
		svc.status.LastError = err.Error()
		svc.status.TotalFailures++
		s.mu.Unlock()
		s.persist(id)
		s.scheduleRestart(id)
		return errdefs.Wrap(err, errdefs.KindTransport, "start service %q", id)
	}

	now := s.clk.Now()
	s.mu.Lock()
	svc.cmd = cmd
	svc.status.PID = cmd.Process.Pid
	svc.status.StartedAt = now
	svc.status.NextRestartAt = time.Time{}
	s.mu.Unlock()

	s.logger.Info().Str("service", id).Int("pid", cmd.Process.Pid).Msg("service starting")
	s.persist(id)
	s.event(id, "starting", fmt.Sprintf("pid %d", cmd.Process.Pid))

	go func() {
		err := cmd.Wait()
		if f, ok := cmd.Stdout.(*os.File); ok && f != os.Stdout {
			f.Close()
		}
		select {
		case s.exitCh <- exitEvent{id: id, gen: gen, err: err}:
		case <-s.stopCh:
		}
	}()
	return nil
}

// handleExit processes a child exit notification.
func (s *Supervisor) handleExit(ev exitEvent) {
	s.mu.Lock()
	svc, ok := s.services[ev.id]
	if !ok || svc.gen != ev.gen {
		s.mu.Unlock()
		return // stale event from a superseded process
	}
	svc.cmd = nil
	svc.status.PID = 0

	switch svc.status.State {
	case types.ServiceStopping:
		transition(&svc.status, types.ServiceStopped)
		s.mu.Unlock()
		s.logger.Info().Str("service", ev.id).Msg("service stopped")
		s.persist(ev.id)
		s.event(ev.id, "stopped", "")
		return
	case types.ServiceStarting, types.ServiceRunning:
		transition(&svc.status, types.ServiceFailed)
		svc.status.TotalFailures++
		if ev.err != nil {
			svc.status.LastError = ev.err.Error()
		} else {
			svc.status.LastError = "exited unexpectedly"
		}
		lastErr := svc.status.LastError
		s.mu.Unlock()
		s.logger.Warn().Str("service", ev.id).Str("error", lastErr).Msg("service failed")
		s.persist(ev.id)
		s.event(ev.id, "failed", lastErr)
		s.broker.Warn(events.EventServiceFailed, fmt.Sprintf("service %s failed: %s", ev.id, lastErr),
			map[string]string{"service": ev.id})
		s.scheduleRestart(ev.id)
		return
	default:
		s.mu.Unlock()
	}
}

// scheduleRestart moves a failed service to backoff or fatal.
func (s *Supervisor) scheduleRestart(id string) {
	s.mu.Lock()
	svc := s.services[id]
	if svc.status.State != types.ServiceFailed {
		s.mu.Unlock()
		return
	}

	policy := svc.spec.RestartPolicy
	if !svc.spec.RestartOnExit || svc.status.RestartAttempts >= policy.MaxRetries {
		transition(&svc.status, types.ServiceFatal)
		s.mu.Unlock()
		s.logger.Error().Str("service", id).Msg("service fatal, restart attempts exhausted")
		s.persist(id)
		s.event(id, "fatal", "restart attempts exhausted")
		s.broker.Critical(events.EventServiceFatal,
			fmt.Sprintf("service %s is fatal after exhausting restarts", id),
			map[string]string{"service": id})
		return
	}

	delay := BackoffDelay(policy, svc.status.RestartAttempts)
	svc.status.RestartAttempts++
	transition(&svc.status, types.ServiceBackoff)
	svc.status.NextRestartAt = s.clk.Now().Add(delay)
	attempts := svc.status.RestartAttempts
	s.mu.Unlock()

	metrics.ServiceRestarts.WithLabelValues(id).Inc()
	s.logger.Info().Str("service", id).Dur("delay", delay).Int("attempt", attempts).Msg("service backing off")
	s.persist(id)
	s.event(id, "backoff", fmt.Sprintf("attempt %d in %s", attempts, delay))
	s.broker.Warn(events.EventServiceBackoff,
		fmt.Sprintf("service %s restarting in %s (attempt %d)", id, delay, attempts),
		map[string]string{"service": id})
}

// StopService gracefully stops a running service: configured signal,
// grace period, then a hard kill.
func (s *Supervisor) StopService(id string) error {
	s.mu.Lock()
	svc, ok := s.services[id]
	if !ok {
		s.mu.Unlock()
		return errdefs.New(errdefs.KindNotFound, "service %q not declared", id)
	}
	if svc.status.State != types.ServiceRunning && svc.status.State != types.ServiceStarting {
		state := svc.status.State
		s.mu.Unlock()
		return errdefs.New(errdefs.KindInvalidState, "service %q is %s", id, state)
	}
	if err := transition(&svc.status, types.ServiceStopping); err != nil {
		s.mu.Unlock()
		return err
	}
	cmd := svc.cmd
	spec := svc.spec
	gen := svc.gen
	s.mu.Unlock()

	s.persist(id)

	if cmd == nil || cmd.Process == nil {
		s.mu.Lock()
		transition(&svc.status, types.ServiceStopped)
		s.mu.Unlock()
		s.persist(id)
		return nil
	}

	sig := stopSignal(spec.Graceful)
	if err := cmd.Process.Signal(sig); err != nil {
		cmd.Process.Kill()
		return nil
	}

	// Hard-kill watchdog; the exit event moves stopping -> stopped.
	go func() {
		grace := spec.Graceful.Timeout
		if !spec.Graceful.Enabled || grace == 0 {
			grace = time.Second
		}
		deadline := s.clk.Now().Add(grace)
		for s.clk.Now().Before(deadline) {
			s.mu.RLock()
			done := svc.gen != gen || svc.cmd == nil
			s.mu.RUnlock()
			if done {
				return
			}
			s.clk.Sleep(200 * time.Millisecond)
		}
		s.mu.RLock()
		stillUp := svc.gen == gen && svc.cmd != nil
		s.mu.RUnlock()
		if stillUp {
			s.logger.Warn().Str("service", id).Msg("grace period elapsed, killing")
			cmd.Process.Kill()
		}
	}()
	return nil
}

// RestartService resets a fatal or stopped service and starts it.
// Resetting clears the restart attempt counters.
func (s *Supervisor) RestartService(id string) error {
	s.mu.Lock()
	svc, ok := s.services[id]
	if !ok {
		s.mu.Unlock()
		return errdefs.New(errdefs.KindNotFound, "service %q not declared", id)
	}
	state := svc.status.State
	s.mu.Unlock()

	switch state {
	case types.ServiceRunning, types.ServiceStarting:
		if err := s.StopService(id); err != nil {
			return err
		}
		// Wait for the child to go down before relaunching.
		deadline := s.clk.Now().Add(svc.spec.Graceful.Timeout + 2*time.Second)
		for s.clk.Now().Before(deadline) {
			s.mu.RLock()
			st := svc.status.State
			s.mu.RUnlock()
			if st == types.ServiceStopped {
				break
			}
			s.clk.Sleep(100 * time.Millisecond)
		}
	case types.ServiceFatal:
		s.mu.Lock()
		transition(&svc.status, types.ServiceStopped)
		svc.status.RestartAttempts = 0
		svc.status.LastError = ""
		s.mu.Unlock()
		s.persist(id)
		s.event(id, "reset", "operator restart")
	case types.ServiceStopped, types.ServiceBackoff:
	default:
		return errdefs.New(errdefs.KindInvalidState, "service %q is %s", id, state)
	}

	return s.StartService(id)
}

// Status returns a snapshot of one service.
func (s *Supervisor) Status(id string) (*types.ServiceStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.services[id]
	if !ok {
		return nil, errdefs.New(errdefs.KindNotFound, "service %q not declared", id)
	}
	st := svc.status
	return &st, nil
}

// StatusAll returns snapshots of every declared service in priority order.
func (s *Supervisor) StatusAll() []*types.ServiceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	statuses := make([]*types.ServiceStatus, 0, len(s.order))
	for _, id := range s.order {
		st := s.services[id].status
		statuses = append(statuses, &st)
	}
	return statuses
}

func (s *Supervisor) persist(id string) {
	s.mu.RLock()
	st := s.services[id].status
	s.mu.RUnlock()
	if err := s.store.SaveServiceStatus(&st); err != nil {
		s.logger.Warn().Err(err).Str("service", id).Msg("persist status failed")
	}
}

func (s *Supervisor) event(id, event, details string) {
	if err := s.store.AppendServiceEvent(id, event, details, s.clk.Now()); err != nil {
		s.logger.Warn().Err(err).Str("service", id).Msg("persist event failed")
	}
}

func stopSignal(g types.GracefulShutdown) os.Signal {
	if !g.Enabled {
		return syscall.SIGKILL
	}
	switch g.Signal {
	case "SIGINT":
		return syscall.SIGINT
	case "SIGQUIT":
		return syscall.SIGQUIT
	case "SIGHUP":
		return syscall.SIGHUP
	case "SIGKILL":
		return syscall.SIGKILL
	default:
		return syscall.SIGTERM
	}
}
