package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/assigner"
	"github.com/droverhq/drover/pkg/clock"
	"github.com/droverhq/drover/pkg/cluster"
	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/health"
	"github.com/droverhq/drover/pkg/storage"
	"github.com/droverhq/drover/pkg/supervisor"
	"github.com/droverhq/drover/pkg/term"
	"github.com/droverhq/drover/pkg/types"
)

// stubMux satisfies term.Multiplexer without a tmux server.
type stubMux struct {
	mu      sync.Mutex
	screens map[string]string
}

func (m *stubMux) SendText(ctx context.Context, session, text string) error { return nil }
func (m *stubMux) SendKey(ctx context.Context, session string, key term.Key) error {
	return nil
}
func (m *stubMux) Capture(ctx context.Context, session string, maxBytes int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return []byte(m.screens[session]), nil
}
func (m *stubMux) List(ctx context.Context) ([]term.Pane, error) { return nil, nil }

type fixture struct {
	srv    *Server
	store  storage.Store
	reload *int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	clk := clock.NewFake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	prober := health.NewProber()

	asn := assigner.New(assigner.Config{}, store, &stubMux{screens: map[string]string{}}, term.NewClassifier(), broker, clk)

	sup := supervisor.New(supervisor.Config{}, store, broker, prober, clock.New())

	coord, err := cluster.New(cluster.Config{
		NodeID: "primary-1",
		Role:   types.RolePrimary,
	}, store, broker, prober, clk)
	require.NoError(t, err)

	reloads := 0
	srv := New("127.0.0.1:0", asn, sup, coord, store, func() error {
		reloads++
		return nil
	})
	return &fixture{srv: srv, store: store, reload: &reloads}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)

	envelope := map[string]any{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope), "body: %s", rec.Body.String())
	}
	return rec, envelope
}

func TestHeartbeatEndpoint(t *testing.T) {
	f := newFixture(t)

	rec, env := f.do(t, http.MethodPost, "/cluster/heartbeat", types.Heartbeat{NodeID: "ghost"})
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, false, env["success"])
	require.Contains(t, env["error"], "ghost")

	rec, _ = f.do(t, http.MethodPost, "/v1/cluster/nodes", types.Node{
		ID:      "worker-1",
		Role:    types.RoleWorker,
		Address: "10.0.0.2:7700",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, env = f.do(t, http.MethodPost, "/cluster/heartbeat", types.Heartbeat{
		NodeID:   "worker-1",
		Role:     types.RoleWorker,
		CPUUsage: 12.5,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, env["success"])

	node, err := f.store.GetNode("worker-1")
	require.NoError(t, err)
	require.Equal(t, 12.5, node.CPUUsage)
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)
	rec, env := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "healthy", env["status"])
	_, ok := env["cpu_usage"]
	require.True(t, ok)
	_, ok = env["memory_usage"]
	require.True(t, ok)
}

func TestPromptLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)

	rec, env := f.do(t, http.MethodPost, "/v1/prompts", map[string]any{
		"content":  "review the deploy plan",
		"source":   "cli",
		"priority": 5,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	prompt := env["prompt"].(map[string]any)
	require.Equal(t, "pending", prompt["status"])
	id := int64(prompt["id"].(float64))
	require.NotZero(t, id)

	// Empty content is a config error.
	rec, _ = f.do(t, http.MethodPost, "/v1/prompts", map[string]any{"content": ""})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env = f.do(t, http.MethodGet, "/v1/prompts?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, env["prompts"], 1)

	rec, env = f.do(t, http.MethodGet, fmt.Sprintf("/v1/prompts/%d", id), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/v1/prompts/424242", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	// Non-numeric IDs never reach the handler.
	rec, _ = f.do(t, http.MethodGet, "/v1/prompts/abc", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodPost, fmt.Sprintf("/v1/prompts/%d/cancel", id), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Cancelling a cancelled prompt is an invalid state.
	rec, _ = f.do(t, http.MethodPost, fmt.Sprintf("/v1/prompts/%d/cancel", id), nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec, env = f.do(t, http.MethodGet, fmt.Sprintf("/v1/prompts/%d/history", id), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, env["history"])
}

func TestRetryEndpoints(t *testing.T) {
	f := newFixture(t)

	rec, env := f.do(t, http.MethodPost, "/v1/prompts", map[string]any{"content": "x"})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := int64(env["prompt"].(map[string]any)["id"].(float64))

	// A pending prompt is not retryable; the call reports it as a no-op.
	rec, env = f.do(t, http.MethodPost, fmt.Sprintf("/v1/prompts/%d/retry", id), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, false, env["retried"])

	rec, env = f.do(t, http.MethodPost, "/v1/prompts/retry_all", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, float64(0), env["retried"])
}

func TestSessionEndpoints(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.do(t, http.MethodPost, "/v1/sessions", map[string]any{
		"name":         "claude-1",
		"provider":     "claude",
		"idle_markers": []string{"❯"},
		"busy_markers": []string{"esc to interrupt"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, env := f.do(t, http.MethodGet, "/v1/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, env["sessions"], 1)

	rec, _ = f.do(t, http.MethodPost, "/v1/sessions/claude-1/exclude", map[string]any{"excluded": true})
	require.Equal(t, http.StatusOK, rec.Code)

	sess, err := f.store.GetSession("claude-1")
	require.NoError(t, err)
	require.True(t, sess.Excluded)

	rec, _ = f.do(t, http.MethodDelete, "/v1/sessions/claude-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	_, err = f.store.GetSession("claude-1")
	require.Error(t, err)
}

func TestServiceEndpoints(t *testing.T) {
	f := newFixture(t)

	rec, env := f.do(t, http.MethodGet, "/v1/supervisor/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, env["services"])

	rec, _ = f.do(t, http.MethodPost, "/v1/services/ghost/start", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAllocationEndpoints(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.do(t, http.MethodPost, "/v1/cluster/allocations", map[string]any{
		"resource_type": "gpu",
		"requester":     "assigner",
	})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/v1/cluster/nodes", types.Node{
		ID:       "worker-1",
		Role:     types.RoleWorker,
		Healthy:  true,
		Services: []string{"gpu"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, env := f.do(t, http.MethodPost, "/v1/cluster/allocations", map[string]any{
		"resource_type": "gpu",
		"requester":     "assigner",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	alloc := env["allocation"].(map[string]any)
	require.Equal(t, "worker-1", alloc["node_id"])

	rec, env = f.do(t, http.MethodDelete, "/v1/cluster/allocations/"+alloc["id"].(string), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, env["released"])
}

func TestClusterStatusEndpoint(t *testing.T) {
	f := newFixture(t)
	rec, env := f.do(t, http.MethodGet, "/v1/cluster/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "primary", env["role"])
	require.Len(t, env["nodes"], 1) // self
}

func TestReloadEndpoint(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.do(t, http.MethodPost, "/v1/config/reload", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, *f.reload)

	noReload := New("127.0.0.1:0", nil, nil, nil, f.store, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/config/reload", nil)
	rec2 := httptest.NewRecorder()
	noReload.Handler().ServeHTTP(rec2, req)
	require.Equal(t, http.StatusNotImplemented, rec2.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "drover_")
}
