package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/droverhq/drover/pkg/types"
)

// Response-time bands for HTTP checks: under a second is healthy, under
// five seconds degraded, anything slower unhealthy.
const (
	httpHealthyBand  = time.Second
	httpDegradedBand = 5 * time.Second
)

func checkHTTP(ctx context.Context, spec *types.CheckSpec) Result {
	start := time.Now()

	timeout := spec.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.URL, nil)
	if err != nil {
		return Result{
			Status:       types.HealthUnhealthy,
			ResponseTime: time.Since(start),
			CheckedAt:    start,
			Message:      fmt.Sprintf("failed to create request: %v", err),
			Details:      map[string]string{"transport_error": "true"},
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return Result{
			Status:       types.HealthUnhealthy,
			ResponseTime: time.Since(start),
			CheckedAt:    start,
			Message:      fmt.Sprintf("request failed: %v", err),
			Details:      map[string]string{"transport_error": "true"},
		}
	}
	defer resp.Body.Close()

	elapsed := time.Since(start)
	details := map[string]string{
		"status_code": fmt.Sprintf("%d", resp.StatusCode),
	}

	expected := spec.ExpectedStatus
	if expected == 0 {
		expected = http.StatusOK
	}
	if resp.StatusCode != expected {
		return Result{
			Status:       types.HealthUnhealthy,
			ResponseTime: elapsed,
			CheckedAt:    start,
			Message:      fmt.Sprintf("HTTP %d (expected %d)", resp.StatusCode, expected),
			Details:      details,
		}
	}

	if spec.ExpectedContent != "" {
		body, rerr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if rerr != nil || !strings.Contains(string(body), spec.ExpectedContent) {
			return Result{
				Status:       types.HealthUnhealthy,
				ResponseTime: elapsed,
				CheckedAt:    start,
				Message:      fmt.Sprintf("body missing expected content %q", spec.ExpectedContent),
				Details:      details,
			}
		}
	}

	status := types.HealthHealthy
	switch {
	case elapsed < httpHealthyBand:
		status = types.HealthHealthy
	case elapsed < httpDegradedBand:
		status = types.HealthDegraded
	default:
		status = types.HealthUnhealthy
	}

	return Result{
		Status:       status,
		ResponseTime: elapsed,
		CheckedAt:    start,
		Message:      fmt.Sprintf("HTTP %d in %s", resp.StatusCode, elapsed.Round(time.Millisecond)),
		Details:      details,
	}
}
