package health

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/droverhq/drover/pkg/types"
)

func checkTCP(ctx context.Context, spec *types.CheckSpec) Result {
	start := time.Now()

	timeout := spec.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	addr := fmt.Sprintf("%s:%d", spec.Host, spec.Port)
	dialer := &net.Dialer{Timeout: timeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Result{
			Status:       types.HealthUnhealthy,
			ResponseTime: time.Since(start),
			CheckedAt:    start,
			Message:      fmt.Sprintf("connection failed: %v", err),
		}
	}
	defer conn.Close()

	return Result{
		Status:       types.HealthHealthy,
		ResponseTime: time.Since(start),
		CheckedAt:    start,
		Message:      fmt.Sprintf("TCP connection to %s successful", addr),
	}
}
