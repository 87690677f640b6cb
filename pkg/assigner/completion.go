package assigner

import (
	"context"
	"strings"

	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/types"
)

// baselineTail is how much of the injection-time capture is used to
// locate the response boundary in a later capture.
const baselineTail = 200

// completionTick inspects every session with an in-flight prompt:
// a pane that went idle completes its prompt with the scraped response;
// a pane still busy past the prompt's timeout fails it.
func (a *Assigner) completionTick(ctx context.Context) {
	sessions, err := a.store.ListSessions()
	if err != nil {
		a.logger.Error().Err(err).Msg("list sessions failed")
		return
	}

	for _, s := range sessions {
		select {
		case <-a.stopCh:
			return
		default:
		}
		if s.CurrentTaskID == 0 {
			continue
		}
		a.checkSession(ctx, s)
	}

	a.updatePromptGauges()
}

func (a *Assigner) checkSession(ctx context.Context, s *types.Session) {
	capture, err := a.muxFor(s).Capture(ctx, s.Name, captureBytes)
	if err != nil {
		a.logger.Warn().Err(err).Str("session", s.Name).Msg("capture failed")
		return
	}

	status := a.classifier.Classify(s.Name, capture)
	output := string(capture)

	if output != s.LastOutput {
		s.LastActivity = a.clk.Now()
	}
	s.LastOutput = output

	switch status {
	case types.SessionIdle:
		a.complete(s, output)
		return
	case types.SessionWaitingInput:
		s.Status = types.SessionWaitingInput
	case types.SessionBusy:
		s.Status = types.SessionBusy
		a.markInProgress(s.CurrentTaskID)
	default:
		// Unknown; leave the recorded status alone so that an
		// unparseable capture does not flap the session.
	}

	if err := a.store.UpsertSession(s); err != nil {
		a.logger.Warn().Err(err).Str("session", s.Name).Msg("update session failed")
	}

	a.checkTimeout(s)
}

// complete finishes the session's current prompt with the portion of
// output produced since injection.
func (a *Assigner) complete(s *types.Session, output string) {
	promptID := s.CurrentTaskID
	base, _ := a.baseline(promptID)
	response := scrapeResponse(base, output)

	if err := a.store.CompletePrompt(promptID, s.Name, response, a.clk.Now()); err != nil {
		a.logger.Error().Err(err).Int64("prompt", promptID).Msg("complete prompt failed")
		return
	}
	a.dropBaseline(promptID)
	a.logger.Info().Int64("prompt", promptID).Str("session", s.Name).Msg("prompt completed")
	a.broker.Publish(&events.Event{
		Type:     events.EventPromptCompleted,
		Message:  "prompt completed",
		Metadata: map[string]string{"prompt": formatID(promptID), "session": s.Name},
	})
}

// markInProgress advances an assigned prompt once the worker is first
// seen busy with it.
func (a *Assigner) markInProgress(promptID int64) {
	p, err := a.store.GetPrompt(promptID)
	if err != nil || p.Status != types.PromptAssigned {
		return
	}
	p.Status = types.PromptInProgress
	if err := a.store.UpdatePrompt(p); err != nil {
		a.logger.Warn().Err(err).Int64("prompt", promptID).Msg("mark in_progress failed")
	}
}

// checkTimeout fails a prompt whose session has been busy longer than
// the prompt allows, then re-queues it if retry budget remains.
func (a *Assigner) checkTimeout(s *types.Session) {
	p, err := a.store.GetPrompt(s.CurrentTaskID)
	if err != nil {
		return
	}
	if p.Status != types.PromptAssigned && p.Status != types.PromptInProgress {
		return
	}
	if p.Timeout == 0 || a.clk.Since(p.AssignedAt) < p.Timeout {
		return
	}

	a.logger.Warn().Int64("prompt", p.ID).Str("session", s.Name).
		Dur("timeout", p.Timeout).Msg("prompt timed out")
	if err := a.store.FailPrompt(p.ID, s.Name, "timed out after "+p.Timeout.String(), a.clk.Now()); err != nil {
		a.logger.Error().Err(err).Int64("prompt", p.ID).Msg("fail prompt failed")
		return
	}
	a.dropBaseline(p.ID)
	a.broker.Warn(events.EventPromptFailed,
		"prompt timed out",
		map[string]string{"prompt": formatID(p.ID), "session": s.Name})

	if p.RetryCount < p.MaxRetries {
		if _, err := a.RetryPrompt(p.ID); err != nil {
			a.logger.Warn().Err(err).Int64("prompt", p.ID).Msg("auto-retry failed")
		}
	}
}

// scrapeResponse extracts the output written after the injection-time
// baseline. It first anchors on the baseline's tail inside the new
// capture; if scrollback pushed the anchor out, it falls back to a
// common-prefix diff, and finally to the whole capture.
func scrapeResponse(baseline, capture string) string {
	if baseline != "" {
		anchor := baseline
		if len(anchor) > baselineTail {
			anchor = anchor[len(anchor)-baselineTail:]
		}
		if idx := strings.LastIndex(capture, anchor); idx >= 0 {
			return strings.TrimSpace(capture[idx+len(anchor):])
		}
		i := 0
		for i < len(baseline) && i < len(capture) && baseline[i] == capture[i] {
			i++
		}
		if i > 0 {
			return strings.TrimSpace(capture[i:])
		}
	}
	return strings.TrimSpace(capture)
}

func (a *Assigner) updatePromptGauges() {
	prompts, err := a.store.ListPrompts()
	if err != nil {
		return
	}
	counts := make(map[types.PromptStatus]int)
	for _, p := range prompts {
		counts[p.Status]++
	}
	for _, status := range []types.PromptStatus{
		types.PromptPending, types.PromptAssigned, types.PromptInProgress,
		types.PromptCompleted, types.PromptFailed, types.PromptCancelled,
	} {
		metrics.PromptsTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
