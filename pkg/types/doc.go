// Package types defines the shared record types and enumerations used
// across the drover components: prompts, sessions, supervised services,
// cluster nodes, and resource allocations.
package types
