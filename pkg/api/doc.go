// Package api serves the JSON-over-HTTP control surface: the cluster
// heartbeat/health wire protocol and the operator endpoints for
// prompts, sessions, supervised services, and allocations.
package api
