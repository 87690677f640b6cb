package health

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/droverhq/drover/pkg/types"
)

// checkScript runs an external executable. Exit 0 means healthy, exit 1
// degraded, anything else unhealthy.
func checkScript(ctx context.Context, spec *types.CheckSpec) Result {
	start := time.Now()

	if len(spec.Command) == 0 {
		return Result{
			Status:    types.HealthUnknown,
			CheckedAt: start,
			Message:   "no command specified",
		}
	}

	timeout := spec.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, spec.Command[0], spec.Command[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			return Result{
				Status:       types.HealthUnhealthy,
				ResponseTime: elapsed,
				CheckedAt:    start,
				Message:      fmt.Sprintf("command failed: %v", err),
			}
		}
	}

	status := types.HealthUnhealthy
	switch exitCode {
	case 0:
		status = types.HealthHealthy
	case 1:
		status = types.HealthDegraded
	}

	message := fmt.Sprintf("exit %d", exitCode)
	if stderr.Len() > 0 {
		out := stderr.String()
		if len(out) > 100 {
			out = out[:100] + "..."
		}
		message = fmt.Sprintf("%s, stderr: %s", message, out)
	}

	return Result{
		Status:       status,
		ResponseTime: elapsed,
		CheckedAt:    start,
		Message:      message,
		Details:      map[string]string{"exit_code": fmt.Sprintf("%d", exitCode)},
	}
}
