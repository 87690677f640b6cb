package assigner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/clock"
	"github.com/droverhq/drover/pkg/errdefs"
	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/storage"
	"github.com/droverhq/drover/pkg/term"
	"github.com/droverhq/drover/pkg/types"
)

// fakeMux is an in-memory terminal multiplexer for tests.
type fakeMux struct {
	mu       sync.Mutex
	screens  map[string]string
	sent     map[string][]string
	failSend map[string]bool
}

func newFakeMux() *fakeMux {
	return &fakeMux{
		screens:  make(map[string]string),
		sent:     make(map[string][]string),
		failSend: make(map[string]bool),
	}
}

func (f *fakeMux) SendText(ctx context.Context, session, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend[session] {
		return errdefs.Wrap(errors.New("tmux exited 1"), errdefs.KindTransport, "send-keys to %s", session)
	}
	f.sent[session] = append(f.sent[session], text)
	return nil
}

func (f *fakeMux) SendKey(ctx context.Context, session string, key term.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend[session] {
		return errdefs.Wrap(errors.New("tmux exited 1"), errdefs.KindTransport, "send-keys to %s", session)
	}
	return nil
}

func (f *fakeMux) Capture(ctx context.Context, session string, maxBytes int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []byte(f.screens[session]), nil
}

func (f *fakeMux) List(ctx context.Context) ([]term.Pane, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	panes := make([]term.Pane, 0, len(f.screens))
	for name := range f.screens {
		panes = append(panes, term.Pane{Name: name, Attached: true})
	}
	return panes, nil
}

func (f *fakeMux) setScreen(session, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.screens[session] = content
}

var testMarkers = term.ProviderMarkers{
	Idle:    []string{"❯"},
	Busy:    []string{"esc to interrupt"},
	Waiting: []string{"(y/n)"},
}

func newTestAssigner(t *testing.T) (*Assigner, *fakeMux, storage.Store, *clock.Fake) {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mux := newFakeMux()
	classifier := term.NewClassifier()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	clk := clock.NewFake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))

	a := New(Config{ExcludedSessions: []string{"monitor"}}, store, mux, classifier, broker, clk)
	return a, mux, store, clk
}

func registerIdle(t *testing.T, a *Assigner, mux *fakeMux, name string, lastActivity time.Time) {
	t.Helper()
	mux.setScreen(name, "welcome to "+name+"\n❯ ")
	err := a.RegisterSession(&types.Session{
		Name:         name,
		Provider:     types.ProviderClaude,
		Status:       types.SessionIdle,
		LastActivity: lastActivity,
	}, testMarkers)
	require.NoError(t, err)
}

func TestMatchTickPriorityOrdering(t *testing.T) {
	a, mux, store, clk := newTestAssigner(t)
	ctx := context.Background()

	registerIdle(t, a, mux, "s1", clk.Now().Add(-2*time.Hour))
	registerIdle(t, a, mux, "s2", clk.Now().Add(-time.Hour))

	submit := func(content string, priority int) *types.Prompt {
		p := &types.Prompt{Content: content, Priority: priority}
		require.NoError(t, a.Submit(p))
		clk.Advance(time.Millisecond)
		return p
	}
	pa := submit("A", 1)
	pb := submit("B", 10)
	pc := submit("C", 5)

	a.matchTick(ctx)

	got := func(id int64) *types.Prompt {
		p, err := store.GetPrompt(id)
		require.NoError(t, err)
		return p
	}

	// B went to the longest-idle session, C to the other, A waits.
	require.Equal(t, types.PromptAssigned, got(pb.ID).Status)
	require.Equal(t, "s1", got(pb.ID).AssignedSession)
	require.Equal(t, types.PromptAssigned, got(pc.ID).Status)
	require.Equal(t, "s2", got(pc.ID).AssignedSession)
	require.Equal(t, types.PromptPending, got(pa.ID).Status)
	require.Equal(t, []string{"B"}, mux.sent["s1"])

	// s1 finishes B; the completion tick records the response and the
	// next match tick hands A to s1.
	mux.setScreen("s1", "welcome to s1\n❯ B\nokB\ndone ❯ ")
	a.completionTick(ctx)

	done := got(pb.ID)
	require.Equal(t, types.PromptCompleted, done.Status)
	require.Contains(t, done.Response, "okB")
	require.False(t, done.CompletedAt.IsZero())

	s1, err := store.GetSession("s1")
	require.NoError(t, err)
	require.Equal(t, types.SessionIdle, s1.Status)
	require.Zero(t, s1.CurrentTaskID)

	a.matchTick(ctx)
	require.Equal(t, "s1", got(pa.ID).AssignedSession)
}

func TestMatchTickHardTargetDoesNotStarve(t *testing.T) {
	a, mux, store, clk := newTestAssigner(t)
	ctx := context.Background()

	registerIdle(t, a, mux, "s2", clk.Now())

	// s1 exists but is busy.
	mux.setScreen("s1", "working... esc to interrupt")
	require.NoError(t, a.RegisterSession(&types.Session{
		Name:     "s1",
		Provider: types.ProviderClaude,
		Status:   types.SessionBusy,
	}, testMarkers))

	hard := &types.Prompt{Content: "needs s1", Priority: 10, TargetSession: "s1"}
	require.NoError(t, a.Submit(hard))
	clk.Advance(time.Millisecond)
	low := &types.Prompt{Content: "anywhere", Priority: 1}
	require.NoError(t, a.Submit(low))

	a.matchTick(ctx)

	p1, _ := store.GetPrompt(hard.ID)
	p2, _ := store.GetPrompt(low.ID)
	require.Equal(t, types.PromptPending, p1.Status, "hard target must wait, not relax")
	require.Equal(t, types.PromptAssigned, p2.Status)
	require.Equal(t, "s2", p2.AssignedSession)
}

func TestMatchTickSkipsExcludedSessions(t *testing.T) {
	a, mux, store, clk := newTestAssigner(t)
	ctx := context.Background()

	// "monitor" is in the configured exclusion set.
	registerIdle(t, a, mux, "monitor", clk.Now().Add(-time.Hour))

	p := &types.Prompt{Content: "hi", Priority: 1}
	require.NoError(t, a.Submit(p))
	a.matchTick(ctx)

	got, _ := store.GetPrompt(p.ID)
	require.Equal(t, types.PromptPending, got.Status)

	// Per-session exclusion flag behaves the same way.
	registerIdle(t, a, mux, "s1", clk.Now())
	require.NoError(t, a.SetExcluded("s1", true))
	a.matchTick(ctx)
	got, _ = store.GetPrompt(p.ID)
	require.Equal(t, types.PromptPending, got.Status)

	require.NoError(t, a.SetExcluded("s1", false))
	a.matchTick(ctx)
	got, _ = store.GetPrompt(p.ID)
	require.Equal(t, types.PromptAssigned, got.Status)
}

func TestInjectionFailureRollsBackAssignment(t *testing.T) {
	a, mux, store, clk := newTestAssigner(t)
	ctx := context.Background()

	registerIdle(t, a, mux, "s1", clk.Now())
	mux.failSend["s1"] = true

	p := &types.Prompt{Content: "doomed"}
	require.NoError(t, a.Submit(p))
	a.matchTick(ctx)

	got, _ := store.GetPrompt(p.ID)
	require.Equal(t, types.PromptFailed, got.Status)
	require.Contains(t, got.Error, "transport")

	s1, _ := store.GetSession("s1")
	require.Equal(t, types.SessionIdle, s1.Status)
	require.Zero(t, s1.CurrentTaskID)

	history, err := store.ListHistory(p.ID)
	require.NoError(t, err)
	actions := make([]types.HistoryAction, 0, len(history))
	for _, h := range history {
		actions = append(actions, h.Action)
	}
	require.Equal(t, []types.HistoryAction{types.HistoryAssigned, types.HistoryFailed}, actions)

	// The failed prompt is retryable and lands back on the repaired session.
	mux.failSend["s1"] = false
	retried, err := a.RetryPrompt(p.ID)
	require.NoError(t, err)
	require.True(t, retried)

	got, _ = store.GetPrompt(p.ID)
	require.Equal(t, types.PromptPending, got.Status)
	require.Equal(t, 1, got.RetryCount)
}

func TestRetryBudgetBounded(t *testing.T) {
	a, _, store, clk := newTestAssigner(t)

	p := &types.Prompt{Content: "x", MaxRetries: 2}
	require.NoError(t, a.Submit(p))

	// Drive the prompt to failed with its budget spent.
	stored, _ := store.GetPrompt(p.ID)
	stored.Status = types.PromptFailed
	stored.RetryCount = 2
	require.NoError(t, store.UpdatePrompt(stored))

	retried, err := a.RetryPrompt(p.ID)
	require.NoError(t, err)
	require.False(t, retried)

	// Retry on a completed prompt is refused too.
	stored.Status = types.PromptCompleted
	stored.CompletedAt = clk.Now()
	require.NoError(t, store.UpdatePrompt(stored))
	retried, err = a.RetryPrompt(p.ID)
	require.NoError(t, err)
	require.False(t, retried)
}

func TestRetryAllFailedCountsEligibleOnly(t *testing.T) {
	a, _, store, _ := newTestAssigner(t)

	mk := func(retryCount, maxRetries int) int64 {
		p := &types.Prompt{Content: "x", MaxRetries: maxRetries}
		require.NoError(t, a.Submit(p))
		stored, _ := store.GetPrompt(p.ID)
		stored.Status = types.PromptFailed
		stored.RetryCount = retryCount
		require.NoError(t, store.UpdatePrompt(stored))
		return p.ID
	}
	eligible := mk(0, 3)
	spent := mk(3, 3)

	count, err := a.RetryAllFailed()
	require.NoError(t, err)
	require.Equal(t, 1, count)

	p1, _ := store.GetPrompt(eligible)
	require.Equal(t, types.PromptPending, p1.Status)
	p2, _ := store.GetPrompt(spent)
	require.Equal(t, types.PromptFailed, p2.Status)
}

func TestReassignOverwritesTargetWithoutSpendingBudget(t *testing.T) {
	a, mux, store, clk := newTestAssigner(t)
	ctx := context.Background()

	registerIdle(t, a, mux, "s1", clk.Now())
	p := &types.Prompt{Content: "x", TargetSession: "s1"}
	require.NoError(t, a.Submit(p))
	a.matchTick(ctx)

	require.NoError(t, a.ReassignPrompt(p.ID, "s2"))

	got, _ := store.GetPrompt(p.ID)
	require.Equal(t, types.PromptPending, got.Status)
	require.Equal(t, "s2", got.TargetSession)
	require.Empty(t, got.AssignedSession)
	require.Zero(t, got.RetryCount)

	// The previously claimed session is free again.
	s1, _ := store.GetSession("s1")
	require.Equal(t, types.SessionIdle, s1.Status)
}

func TestCancel(t *testing.T) {
	a, mux, store, clk := newTestAssigner(t)
	ctx := context.Background()

	registerIdle(t, a, mux, "s1", clk.Now())
	p := &types.Prompt{Content: "x"}
	require.NoError(t, a.Submit(p))
	a.matchTick(ctx)

	require.NoError(t, a.Cancel(p.ID))

	got, _ := store.GetPrompt(p.ID)
	require.Equal(t, types.PromptCancelled, got.Status)
	require.False(t, got.CompletedAt.IsZero())

	s1, _ := store.GetSession("s1")
	require.Equal(t, types.SessionIdle, s1.Status)

	err := a.Cancel(p.ID)
	require.True(t, errdefs.IsInvalidState(err))
}

func TestCompletionTimeoutFailsAndAutoRetries(t *testing.T) {
	a, mux, store, clk := newTestAssigner(t)
	ctx := context.Background()

	registerIdle(t, a, mux, "s1", clk.Now())
	p := &types.Prompt{Content: "slow", Timeout: time.Minute, MaxRetries: 3}
	require.NoError(t, a.Submit(p))
	a.matchTick(ctx)

	// Still busy past the deadline.
	mux.setScreen("s1", "grinding... esc to interrupt")
	clk.Advance(2 * time.Minute)
	a.completionTick(ctx)

	got, _ := store.GetPrompt(p.ID)
	require.Equal(t, types.PromptPending, got.Status, "timed-out prompt re-queues while budget remains")
	require.Equal(t, 1, got.RetryCount)

	s1, _ := store.GetSession("s1")
	require.Equal(t, types.SessionIdle, s1.Status)
}

func TestCompletionMarksBusyPromptInProgress(t *testing.T) {
	a, mux, store, clk := newTestAssigner(t)
	ctx := context.Background()

	registerIdle(t, a, mux, "s1", clk.Now())
	p := &types.Prompt{Content: "long job", Timeout: time.Hour}
	require.NoError(t, a.Submit(p))
	a.matchTick(ctx)

	mux.setScreen("s1", "grinding... esc to interrupt")
	a.completionTick(ctx)

	got, _ := store.GetPrompt(p.ID)
	require.Equal(t, types.PromptInProgress, got.Status)

	s1, _ := store.GetSession("s1")
	require.Equal(t, types.SessionBusy, s1.Status)
	require.Equal(t, p.ID, s1.CurrentTaskID)
}

func TestScrapeResponse(t *testing.T) {
	base := "welcome\n❯ "
	capture := base + "do the thing\nresult line\n❯ "
	got := scrapeResponse(base, capture)
	require.True(t, strings.Contains(got, "result line"), "got %q", got)

	// Scrollback pushed the anchor out entirely: whole capture wins.
	require.Equal(t, "fresh output", scrapeResponse("gone", "fresh output"))

	// No baseline recorded.
	require.Equal(t, "everything", scrapeResponse("", "everything\n"))
}
