package assigner

import (
	"context"
	"strconv"

	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/term"
	"github.com/droverhq/drover/pkg/types"
)

// matchTick runs one matching pass: pending prompts in priority order
// against the current pool of idle sessions. A prompt whose hard target
// is busy stays pending without blocking lower-priority prompts.
func (a *Assigner) matchTick(ctx context.Context) {
	pending, err := a.store.ListPromptsByStatus(types.PromptPending)
	if err != nil {
		a.logger.Error().Err(err).Msg("list pending prompts failed")
		return
	}
	metrics.QueueDepth.Set(float64(len(pending)))
	if len(pending) == 0 {
		return
	}

	orderPrompts(pending)
	if len(pending) > a.cfg.MatchBatchSize {
		pending = pending[:a.cfg.MatchBatchSize]
	}

	pool, err := a.idlePool()
	if err != nil {
		a.logger.Error().Err(err).Msg("list sessions failed")
		return
	}

	for _, p := range pending {
		select {
		case <-a.stopCh:
			return
		default:
		}
		if len(pool) == 0 {
			return
		}
		session := pickSession(p, pool)
		if session == nil {
			continue
		}
		pool = removeSession(pool, session.Name)
		a.assign(ctx, p, session)
	}
}

// idlePool lists sessions eligible for matching this tick.
func (a *Assigner) idlePool() ([]*types.Session, error) {
	sessions, err := a.store.ListSessions()
	if err != nil {
		return nil, err
	}
	pool := sessions[:0]
	for _, s := range sessions {
		if s.Status != types.SessionIdle || s.Excluded || a.excluded[s.Name] {
			continue
		}
		pool = append(pool, s)
	}
	return pool, nil
}

// assign claims the session for the prompt and injects the prompt text.
// An injection failure rolls the claim back into a failed prompt and
// frees the session.
func (a *Assigner) assign(ctx context.Context, p *types.Prompt, session *types.Session) {
	now := a.clk.Now()
	if err := a.store.AssignPrompt(p.ID, session.Name, now); err != nil {
		a.logger.Warn().Err(err).Int64("prompt", p.ID).Str("session", session.Name).Msg("assignment rejected")
		return
	}

	if err := a.inject(ctx, p, session); err != nil {
		a.logger.Warn().Err(err).Int64("prompt", p.ID).Str("session", session.Name).Msg("injection failed")
		// Claim rollback: the prompt is failed (retryable) and the
		// session returns to the pool.
		if ferr := a.store.FailPrompt(p.ID, session.Name, err.Error(), a.clk.Now()); ferr != nil {
			a.logger.Error().Err(ferr).Int64("prompt", p.ID).Msg("rollback failed")
		}
		a.dropBaseline(p.ID)
		a.broker.Warn(events.EventPromptFailed,
			"prompt injection failed: "+err.Error(),
			map[string]string{"prompt": formatID(p.ID), "session": session.Name})
		return
	}

	metrics.PromptsAssigned.Inc()
	metrics.AssignmentLatency.Observe(now.Sub(p.CreatedAt).Seconds())
	a.logger.Info().Int64("prompt", p.ID).Str("session", session.Name).Msg("prompt assigned")
	a.broker.Publish(&events.Event{
		Type:     events.EventPromptAssigned,
		Message:  "prompt assigned",
		Metadata: map[string]string{"prompt": formatID(p.ID), "session": session.Name},
	})
}

// inject writes the prompt into the pane: capture a baseline for the
// response diff, send the text, then press enter. Injections into one
// session never overlap.
func (a *Assigner) inject(ctx context.Context, p *types.Prompt, session *types.Session) error {
	lock := a.sessionLock(session.Name)
	lock.Lock()
	defer lock.Unlock()

	mux := a.muxFor(session)
	base, err := mux.Capture(ctx, session.Name, captureBytes)
	if err != nil {
		return err
	}
	a.setBaseline(p.ID, string(base))

	if err := mux.SendText(ctx, session.Name, p.Content); err != nil {
		return err
	}
	return mux.SendKey(ctx, session.Name, term.KeyEnter)
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
