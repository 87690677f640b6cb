package assigner

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/droverhq/drover/pkg/clock"
	"github.com/droverhq/drover/pkg/errdefs"
	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/storage"
	"github.com/droverhq/drover/pkg/term"
	"github.com/droverhq/drover/pkg/types"
)

// Config holds assigner tuning knobs
type Config struct {
	TickInterval      time.Duration
	CompletionTick    time.Duration
	MatchBatchSize    int
	DefaultMaxRetries int
	DefaultTimeout    time.Duration
	ExcludedSessions  []string
}

// captureBytes bounds how much scrollback one capture reads.
const captureBytes = 64 * 1024

// Assigner routes pending prompts to idle worker sessions, injects
// them, and detects completion from pane output.
type Assigner struct {
	cfg        Config
	store      storage.Store
	mux        term.Multiplexer
	classifier *term.Classifier
	broker     *events.Broker
	clk        clock.Clock
	logger     zerolog.Logger

	excluded map[string]bool

	muxMu     sync.RWMutex
	nodeMuxes map[string]term.Multiplexer // node id -> remote multiplexer

	mu        sync.Mutex
	baselines map[int64]string // prompt id -> capture at injection time

	sendMu   sync.Mutex
	sendLock map[string]*sync.Mutex // per-session injection serialization

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates an assigner. Zero config fields get defaults.
func New(cfg Config, store storage.Store, mux term.Multiplexer, classifier *term.Classifier, broker *events.Broker, clk clock.Clock) *Assigner {
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 3 * time.Second
	}
	if cfg.CompletionTick == 0 {
		cfg.CompletionTick = 5 * time.Second
	}
	if cfg.MatchBatchSize == 0 {
		cfg.MatchBatchSize = 50
	}
	if cfg.DefaultMaxRetries == 0 {
		cfg.DefaultMaxRetries = 3
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 30 * time.Minute
	}
	if clk == nil {
		clk = clock.New()
	}

	excluded := make(map[string]bool, len(cfg.ExcludedSessions))
	for _, name := range cfg.ExcludedSessions {
		excluded[name] = true
	}

	return &Assigner{
		cfg:        cfg,
		store:      store,
		mux:        mux,
		classifier: classifier,
		broker:     broker,
		clk:        clk,
		logger:     log.WithComponent("assigner"),
		excluded:   excluded,
		nodeMuxes:  make(map[string]term.Multiplexer),
		baselines:  make(map[int64]string),
		sendLock:   make(map[string]*sync.Mutex),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the matching and completion loops.
func (a *Assigner) Start() {
	a.wg.Add(2)
	go a.matchLoop()
	go a.completionLoop()
}

// Stop halts the loops, letting any in-flight injection finish.
func (a *Assigner) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.wg.Wait()
}

func (a *Assigner) matchLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.matchTick(context.Background())
		case <-a.stopCh:
			return
		}
	}
}

func (a *Assigner) completionLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.CompletionTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.completionTick(context.Background())
		case <-a.stopCh:
			return
		}
	}
}

// Submit enqueues a prompt. Empty retry and timeout fields get the
// configured defaults.
func (a *Assigner) Submit(p *types.Prompt) error {
	if p.Content == "" {
		return errdefs.New(errdefs.KindInvalidState, "prompt has no content")
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = a.cfg.DefaultMaxRetries
	}
	if p.Timeout == 0 {
		p.Timeout = a.cfg.DefaultTimeout
	}
	p.Status = types.PromptPending
	p.CreatedAt = a.clk.Now()

	if err := a.store.CreatePrompt(p); err != nil {
		return err
	}
	a.logger.Info().Int64("prompt", p.ID).Int("priority", p.Priority).Msg("prompt submitted")
	return nil
}

// RetryPrompt re-queues a failed prompt. It reports false when the
// prompt is not failed or its retry budget is spent. The original
// target_session survives the retry.
func (a *Assigner) RetryPrompt(id int64) (bool, error) {
	p, err := a.store.GetPrompt(id)
	if err != nil {
		return false, err
	}
	if p.Status != types.PromptFailed || p.RetryCount >= p.MaxRetries {
		return false, nil
	}

	p.Status = types.PromptPending
	p.AssignedSession = ""
	p.RetryCount++
	p.Error = ""
	if err := a.store.UpdatePrompt(p); err != nil {
		return false, err
	}
	a.history(id, "", types.HistoryRetried, "")
	metrics.PromptsRetried.Inc()
	a.broker.Publish(&events.Event{
		Type:    events.EventPromptRetried,
		Message: "prompt re-queued",
		Metadata: map[string]string{
			"prompt": formatID(id),
		},
	})
	return true, nil
}

// RetryAllFailed retries every eligible failed prompt and returns the
// count actually retried.
func (a *Assigner) RetryAllFailed() (int, error) {
	failed, err := a.store.ListPromptsByStatus(types.PromptFailed)
	if err != nil {
		return 0, err
	}
	retried := 0
	for _, p := range failed {
		ok, err := a.RetryPrompt(p.ID)
		if err != nil {
			return retried, err
		}
		if ok {
			retried++
		}
	}
	return retried, nil
}

// ReassignPrompt re-queues a prompt onto a new hard target. Unlike
// retry it works from any non-terminal state and does not consume the
// retry budget.
func (a *Assigner) ReassignPrompt(id int64, newTarget string) error {
	p, err := a.store.GetPrompt(id)
	if err != nil {
		return err
	}
	if p.Status.Terminal() {
		return errdefs.New(errdefs.KindInvalidState, "prompt %d is %s", id, p.Status)
	}

	if p.AssignedSession != "" {
		a.freeSession(p.AssignedSession)
	}
	p.Status = types.PromptPending
	p.AssignedSession = ""
	p.TargetSession = newTarget
	if err := a.store.UpdatePrompt(p); err != nil {
		return err
	}
	a.history(id, newTarget, types.HistoryReassigned, "target "+newTarget)
	return nil
}

// Cancel terminates a prompt. A prompt already completed or cancelled
// is an invalid-state error; an assigned prompt's session is freed.
func (a *Assigner) Cancel(id int64) error {
	p, err := a.store.GetPrompt(id)
	if err != nil {
		return err
	}
	if p.Status.Terminal() {
		return errdefs.New(errdefs.KindInvalidState, "prompt %d is %s", id, p.Status)
	}

	session := p.AssignedSession
	p.Status = types.PromptCancelled
	p.CompletedAt = a.clk.Now()
	p.AssignedSession = ""
	if err := a.store.UpdatePrompt(p); err != nil {
		return err
	}
	if session != "" {
		a.freeSession(session)
	}
	a.dropBaseline(id)
	a.history(id, session, types.HistoryCancelled, "")
	a.logger.Info().Int64("prompt", id).Msg("prompt cancelled")
	return nil
}

// RegisterSession records a worker session and installs its provider's
// output markers for classification.
func (a *Assigner) RegisterSession(s *types.Session, markers term.ProviderMarkers) error {
	if s.Status == "" {
		s.Status = types.SessionUnknown
	}
	if s.LastActivity.IsZero() {
		s.LastActivity = a.clk.Now()
	}
	if err := a.classifier.Register(s.Name, markers.Idle, markers.Busy, markers.Waiting); err != nil {
		return errdefs.Wrap(err, errdefs.KindConfig, "markers for session %q", s.Name)
	}
	return a.store.UpsertSession(s)
}

// RegisterNodeMux routes sessions hosted on the named node through the
// given multiplexer, typically a tmux server reached over SSH.
func (a *Assigner) RegisterNodeMux(nodeID string, m term.Multiplexer) {
	a.muxMu.Lock()
	defer a.muxMu.Unlock()
	a.nodeMuxes[nodeID] = m
}

// muxFor picks the multiplexer that can reach the session's pane.
func (a *Assigner) muxFor(s *types.Session) term.Multiplexer {
	if s.NodeID == "" {
		return a.mux
	}
	a.muxMu.RLock()
	defer a.muxMu.RUnlock()
	if m, ok := a.nodeMuxes[s.NodeID]; ok {
		return m
	}
	return a.mux
}

// RemoveSession forgets a session and its markers.
func (a *Assigner) RemoveSession(name string) error {
	a.classifier.Unregister(name)
	return a.store.DeleteSession(name)
}

// SetExcluded changes a session's exclusion flag in place.
func (a *Assigner) SetExcluded(name string, excluded bool) error {
	s, err := a.store.GetSession(name)
	if err != nil {
		return err
	}
	s.Excluded = excluded
	return a.store.UpsertSession(s)
}

// freeSession returns a session to the idle pool.
func (a *Assigner) freeSession(name string) {
	s, err := a.store.GetSession(name)
	if err != nil {
		return
	}
	s.Status = types.SessionIdle
	s.CurrentTaskID = 0
	if err := a.store.UpsertSession(s); err != nil {
		a.logger.Warn().Err(err).Str("session", name).Msg("free session failed")
	}
}

func (a *Assigner) history(promptID int64, session string, action types.HistoryAction, details string) {
	entry := &types.HistoryEntry{
		PromptID:    promptID,
		SessionName: session,
		Action:      action,
		CreatedAt:   a.clk.Now(),
		Details:     details,
	}
	if err := a.store.AppendHistory(entry); err != nil {
		a.logger.Warn().Err(err).Int64("prompt", promptID).Msg("append history failed")
	}
}

// sessionLock returns the injection mutex for a session.
func (a *Assigner) sessionLock(name string) *sync.Mutex {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	m, ok := a.sendLock[name]
	if !ok {
		m = &sync.Mutex{}
		a.sendLock[name] = m
	}
	return m
}

func (a *Assigner) setBaseline(promptID int64, capture string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.baselines[promptID] = capture
}

func (a *Assigner) baseline(promptID int64) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.baselines[promptID]
	return s, ok
}

func (a *Assigner) dropBaseline(promptID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.baselines, promptID)
}
