package assigner

import (
	"testing"
	"time"

	"github.com/droverhq/drover/pkg/types"
)

func session(name string, provider types.Provider, lastActivity time.Time) *types.Session {
	return &types.Session{
		Name:         name,
		Provider:     provider,
		Status:       types.SessionIdle,
		LastActivity: lastActivity,
	}
}

func TestOrderPrompts(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	prompts := []*types.Prompt{
		{ID: 1, Priority: 1, CreatedAt: base},
		{ID: 2, Priority: 10, CreatedAt: base.Add(time.Second)},
		{ID: 3, Priority: 5, CreatedAt: base.Add(2 * time.Second)},
		{ID: 4, Priority: 10, CreatedAt: base},
	}

	orderPrompts(prompts)

	wantOrder := []int64{4, 2, 3, 1}
	for i, want := range wantOrder {
		if prompts[i].ID != want {
			t.Fatalf("position %d: got prompt %d, want %d", i, prompts[i].ID, want)
		}
	}
}

func TestPickSessionHardTargetNeverRelaxed(t *testing.T) {
	now := time.Now()
	pool := []*types.Session{
		session("s1", types.ProviderClaude, now.Add(-time.Hour)),
		session("s2", types.ProviderClaude, now),
	}

	p := &types.Prompt{TargetSession: "s2"}
	if got := pickSession(p, pool); got == nil || got.Name != "s2" {
		t.Fatalf("hard target not honored: %v", got)
	}

	// Target absent from the pool: the prompt waits even though other
	// idle sessions exist.
	p = &types.Prompt{TargetSession: "s9"}
	if got := pickSession(p, pool); got != nil {
		t.Fatalf("hard target relaxed to %s", got.Name)
	}
}

func TestPickSessionProviderFallbackWalk(t *testing.T) {
	now := time.Now()
	pool := []*types.Session{
		session("ollama-1", types.ProviderOllama, now),
		session("codex-1", types.ProviderCodex, now),
	}

	p := &types.Prompt{
		TargetProvider:    types.ProviderClaude,
		FallbackProviders: []types.Provider{types.ProviderComet, types.ProviderCodex},
	}
	got := pickSession(p, pool)
	if got == nil || got.Name != "codex-1" {
		t.Fatalf("fallback walk picked %v, want codex-1", got)
	}

	// No provider matches anywhere: stay pending.
	p = &types.Prompt{
		TargetProvider:    types.ProviderClaude,
		FallbackProviders: []types.Provider{types.ProviderComet},
	}
	if got := pickSession(p, pool); got != nil {
		t.Fatalf("expected no match, got %s", got.Name)
	}
}

func TestPickSessionOldestActivityWins(t *testing.T) {
	now := time.Now()
	pool := []*types.Session{
		session("b", types.ProviderClaude, now.Add(-time.Minute)),
		session("a", types.ProviderClaude, now.Add(-time.Hour)),
		session("c", types.ProviderClaude, now),
	}

	p := &types.Prompt{}
	if got := pickSession(p, pool); got == nil || got.Name != "a" {
		t.Fatalf("oldest-activity pick failed: %v", got)
	}
}

func TestPickSessionLexicographicTieBreak(t *testing.T) {
	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	pool := []*types.Session{
		session("zeta", types.ProviderClaude, at),
		session("alpha", types.ProviderClaude, at),
		session("mid", types.ProviderClaude, at),
	}

	if got := pickSession(&types.Prompt{}, pool); got == nil || got.Name != "alpha" {
		t.Fatalf("tie-break pick failed: %v", got)
	}
}

func TestRemoveSession(t *testing.T) {
	now := time.Now()
	pool := []*types.Session{
		session("a", types.ProviderClaude, now),
		session("b", types.ProviderClaude, now),
	}
	pool = removeSession(pool, "a")
	if len(pool) != 1 || pool[0].Name != "b" {
		t.Fatalf("unexpected pool after removal: %v", pool)
	}
	pool = removeSession(pool, "missing")
	if len(pool) != 1 {
		t.Fatalf("removal of missing session changed pool: %v", pool)
	}
}
