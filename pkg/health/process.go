package health

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/droverhq/drover/pkg/types"
)

func checkProcess(ctx context.Context, spec *types.CheckSpec) Result {
	start := time.Now()

	proc, err := process.NewProcessWithContext(ctx, int32(spec.PID))
	if err != nil {
		return Result{
			Status:       types.HealthUnhealthy,
			ResponseTime: time.Since(start),
			CheckedAt:    start,
			Message:      fmt.Sprintf("process %d not found", spec.PID),
		}
	}

	statuses, err := proc.StatusWithContext(ctx)
	if err != nil {
		return Result{
			Status:       types.HealthUnhealthy,
			ResponseTime: time.Since(start),
			CheckedAt:    start,
			Message:      fmt.Sprintf("process %d status: %v", spec.PID, err),
		}
	}

	for _, st := range statuses {
		if st == process.Zombie || st == process.Stop {
			return Result{
				Status:       types.HealthUnhealthy,
				ResponseTime: time.Since(start),
				CheckedAt:    start,
				Message:      fmt.Sprintf("process %d is %s", spec.PID, st),
				Details:      map[string]string{"state": st},
			}
		}
	}

	return Result{
		Status:       types.HealthHealthy,
		ResponseTime: time.Since(start),
		CheckedAt:    start,
		Message:      fmt.Sprintf("process %d running", spec.PID),
	}
}
