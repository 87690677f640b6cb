package storage

import (
	"time"

	"github.com/droverhq/drover/pkg/types"
)

// Store defines the interface for drover's persistent state. The
// SQLite-backed implementation is the system of record; in-memory
// caches are invalidated from it.
type Store interface {
	// Prompts
	CreatePrompt(p *types.Prompt) error
	GetPrompt(id int64) (*types.Prompt, error)
	ListPrompts() ([]*types.Prompt, error)
	ListPromptsByStatus(status types.PromptStatus) ([]*types.Prompt, error)
	UpdatePrompt(p *types.Prompt) error

	// Sessions
	UpsertSession(s *types.Session) error
	GetSession(name string) (*types.Session, error)
	ListSessions() ([]*types.Session, error)
	DeleteSession(name string) error

	// Assignment history (append-only)
	AppendHistory(h *types.HistoryEntry) error
	ListHistory(promptID int64) ([]*types.HistoryEntry, error)

	// Composite transactions covering prompt + session + history
	AssignPrompt(promptID int64, session string, at time.Time) error
	CompletePrompt(promptID int64, session, response string, at time.Time) error
	FailPrompt(promptID int64, session, errMsg string, at time.Time) error

	// Cluster nodes
	UpsertNode(n *types.Node) error
	GetNode(id string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	DeleteNode(id string) error

	// Resource allocations
	CreateAllocation(a *types.Allocation) error
	GetAllocation(id string) (*types.Allocation, error)
	ListActiveAllocations() ([]*types.Allocation, error)
	ReleaseAllocation(id string, at time.Time) (bool, error)

	// Failover log (append-only)
	AppendFailover(e *types.FailoverEntry) error
	ListFailovers() ([]*types.FailoverEntry, error)

	// Supervisor state
	SaveServiceStatus(st *types.ServiceStatus) error
	GetServiceStatus(id string) (*types.ServiceStatus, error)
	ListServiceStatuses() ([]*types.ServiceStatus, error)
	AppendServiceEvent(serviceID, event, details string, at time.Time) error
	AppendServiceMetrics(serviceID string, m types.ServiceMetrics) error

	// Utility
	Close() error
}
