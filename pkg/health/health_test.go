package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/droverhq/drover/pkg/types"
)

func TestHTTPCheckHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer srv.Close()

	result := checkHTTP(context.Background(), &types.CheckSpec{
		Kind: types.CheckHTTP,
		URL:  srv.URL,
	})
	if result.Status != types.HealthHealthy {
		t.Fatalf("got %s: %s", result.Status, result.Message)
	}
	if result.Details["status_code"] != "200" {
		t.Fatalf("missing status_code detail: %v", result.Details)
	}
}

func TestHTTPCheckUnexpectedStatusIsNotTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	result := checkHTTP(context.Background(), &types.CheckSpec{
		Kind: types.CheckHTTP,
		URL:  srv.URL,
	})
	if result.Status != types.HealthUnhealthy {
		t.Fatalf("got %s", result.Status)
	}
	if result.Details["transport_error"] == "true" {
		t.Fatal("unexpected status must not be flagged as a transport error")
	}
}

func TestHTTPCheckExpectedContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("all systems nominal"))
	}))
	defer srv.Close()

	spec := &types.CheckSpec{Kind: types.CheckHTTP, URL: srv.URL, ExpectedContent: "nominal"}
	if result := checkHTTP(context.Background(), spec); result.Status != types.HealthHealthy {
		t.Fatalf("got %s: %s", result.Status, result.Message)
	}

	spec.ExpectedContent = "on fire"
	if result := checkHTTP(context.Background(), spec); result.Status != types.HealthUnhealthy {
		t.Fatalf("content mismatch not detected: %s", result.Status)
	}
}

func TestEvaluateFallbackOnlyOnTransportError(t *testing.T) {
	prober := NewProber()

	// Connection refused triggers the fallback.
	spec := &types.CheckSpec{
		Kind:     types.CheckHTTP,
		URL:      "http://127.0.0.1:1/health",
		Timeout:  time.Second,
		Fallback: &types.CheckSpec{Kind: types.CheckProcess, PID: os.Getpid()},
	}
	result := prober.Evaluate(context.Background(), "svc", spec)
	if result.Status != types.HealthHealthy {
		t.Fatalf("fallback not consulted: %s (%s)", result.Status, result.Message)
	}
	if result.Details["fallback"] != "true" {
		t.Fatal("fallback result not marked")
	}

	// A reachable endpoint with a bad status must NOT fall back.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	spec.URL = srv.URL + "/health"
	result = prober.Evaluate(context.Background(), "svc", spec)
	if result.Status != types.HealthUnhealthy {
		t.Fatalf("got %s", result.Status)
	}
	if result.Details["fallback"] == "true" {
		t.Fatal("fell back on a non-transport failure")
	}
}

func TestTCPCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	host, port := splitHostPort(t, srv.Listener.Addr().String())

	result := checkTCP(context.Background(), &types.CheckSpec{
		Kind: types.CheckTCP,
		Host: host,
		Port: port,
	})
	if result.Status != types.HealthHealthy {
		t.Fatalf("got %s: %s", result.Status, result.Message)
	}

	result = checkTCP(context.Background(), &types.CheckSpec{
		Kind:    types.CheckTCP,
		Host:    "127.0.0.1",
		Port:    1,
		Timeout: time.Second,
	})
	if result.Status != types.HealthUnhealthy {
		t.Fatalf("closed port reported %s", result.Status)
	}
}

func TestProcessCheck(t *testing.T) {
	result := checkProcess(context.Background(), &types.CheckSpec{
		Kind: types.CheckProcess,
		PID:  os.Getpid(),
	})
	if result.Status != types.HealthHealthy {
		t.Fatalf("own process reported %s: %s", result.Status, result.Message)
	}

	result = checkProcess(context.Background(), &types.CheckSpec{
		Kind: types.CheckProcess,
		PID:  999999999,
	})
	if result.Status != types.HealthUnhealthy {
		t.Fatalf("absent process reported %s", result.Status)
	}
}

func TestScriptCheckExitCodes(t *testing.T) {
	tests := []struct {
		script string
		want   types.HealthState
	}{
		{"exit 0", types.HealthHealthy},
		{"exit 1", types.HealthDegraded},
		{"exit 2", types.HealthUnhealthy},
	}
	for _, tt := range tests {
		result := checkScript(context.Background(), &types.CheckSpec{
			Kind:    types.CheckScript,
			Command: []string{"/bin/sh", "-c", tt.script},
		})
		if result.Status != tt.want {
			t.Errorf("%q: got %s, want %s", tt.script, result.Status, tt.want)
		}
	}
}

func TestHistorySummaryThresholds(t *testing.T) {
	record := func(healthyCount, unhealthyCount int) Summary {
		h := NewHistory(200)
		now := time.Now()
		for i := 0; i < healthyCount; i++ {
			h.Record("svc", Result{Status: types.HealthHealthy, CheckedAt: now})
		}
		for i := 0; i < unhealthyCount; i++ {
			h.Record("svc", Result{Status: types.HealthUnhealthy, CheckedAt: now})
		}
		return h.Summary("svc", 0)
	}

	if s := record(96, 4); s.Status != types.HealthHealthy {
		t.Errorf("96%% healthy summarized as %s", s.Status)
	}
	if s := record(85, 15); s.Status != types.HealthDegraded {
		t.Errorf("85%% healthy summarized as %s", s.Status)
	}
	if s := record(50, 50); s.Status != types.HealthUnhealthy {
		t.Errorf("50%% healthy summarized as %s", s.Status)
	}
	if s := record(0, 0); s.Status != types.HealthUnknown {
		t.Errorf("empty history summarized as %s", s.Status)
	}
}

func TestHistoryRingEviction(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		h.Record("svc", Result{Status: types.HealthHealthy, CheckedAt: time.Now()})
	}
	if s := h.Summary("svc", 0); s.ChecksCount != 3 {
		t.Fatalf("ring kept %d entries, want 3", s.ChecksCount)
	}
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("bad addr %q: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("bad port %q: %v", portStr, err)
	}
	return host, port
}
