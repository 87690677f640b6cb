// Package cluster coordinates primary, failover, and worker roles
// across nodes: workers push heartbeats to the primary, a failover node
// probes peers and promotes itself when the primary goes silent, and
// the primary serves placement queries from a shared allocation table.
package cluster
