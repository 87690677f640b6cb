package assigner

import (
	"sort"

	"github.com/droverhq/drover/pkg/types"
)

// orderPrompts sorts pending prompts into matching order: priority
// descending, then FIFO by creation time, then id for determinism.
func orderPrompts(prompts []*types.Prompt) {
	sort.Slice(prompts, func(i, j int) bool {
		a, b := prompts[i], prompts[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// pickSession selects the best candidate session for a prompt from the
// given pool of idle, non-excluded, not-yet-claimed sessions. A nil
// return means the prompt stays pending this tick.
//
// A hard target_session is never relaxed: if that exact session is not
// in the pool, no other session is considered. Otherwise a provider
// preference filters the pool, falling back through fallback_providers
// in order. The final tie-break is the oldest last_activity, then the
// lexicographically smallest name.
func pickSession(p *types.Prompt, pool []*types.Session) *types.Session {
	if p.TargetSession != "" {
		for _, s := range pool {
			if s.Name == p.TargetSession {
				return s
			}
		}
		return nil
	}

	candidates := pool
	if p.TargetProvider != "" {
		candidates = filterProvider(pool, p.TargetProvider)
		for _, fb := range p.FallbackProviders {
			if len(candidates) > 0 {
				break
			}
			candidates = filterProvider(pool, fb)
		}
		if len(candidates) == 0 {
			return nil
		}
	}

	var best *types.Session
	for _, s := range candidates {
		if best == nil {
			best = s
			continue
		}
		if s.LastActivity.Before(best.LastActivity) {
			best = s
			continue
		}
		if s.LastActivity.Equal(best.LastActivity) && s.Name < best.Name {
			best = s
		}
	}
	return best
}

func filterProvider(pool []*types.Session, provider types.Provider) []*types.Session {
	var out []*types.Session
	for _, s := range pool {
		if s.Provider == provider {
			out = append(out, s)
		}
	}
	return out
}

// removeSession drops a claimed session from the pool.
func removeSession(pool []*types.Session, name string) []*types.Session {
	for i, s := range pool {
		if s.Name == name {
			return append(pool[:i], pool[i+1:]...)
		}
	}
	return pool
}
