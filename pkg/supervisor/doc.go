// Package supervisor keeps declared services alive: it launches child
// processes, promotes them to running after a grace period, restarts
// failures with exponential backoff until a retry budget is exhausted,
// and enforces health checks and advisory resource limits.
package supervisor
