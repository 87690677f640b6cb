// Package health evaluates declarative liveness checks (HTTP, TCP,
// process, external script) and keeps a bounded per-service history for
// success-rate reporting.
package health
