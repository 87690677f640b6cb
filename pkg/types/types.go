package types

import (
	"time"
)

// Prompt is a unit of text work submitted to the assigner. It is the
// atomic unit of scheduling.
type Prompt struct {
	ID                int64         `json:"id"`
	Content           string        `json:"content"`
	Source            string        `json:"source"`
	Priority          int           `json:"priority"`
	Status            PromptStatus  `json:"status"`
	AssignedSession   string        `json:"assigned_session,omitempty"`
	TargetSession     string        `json:"target_session,omitempty"`
	TargetProvider    Provider      `json:"target_provider,omitempty"`
	FallbackProviders []Provider    `json:"fallback_providers,omitempty"`
	RetryCount        int           `json:"retry_count"`
	MaxRetries        int           `json:"max_retries"`
	Timeout           time.Duration `json:"timeout"`
	CreatedAt         time.Time     `json:"created_at"`
	AssignedAt        time.Time     `json:"assigned_at,omitempty"`
	CompletedAt       time.Time     `json:"completed_at,omitempty"`
	Response          string        `json:"response,omitempty"`
	Error             string        `json:"error,omitempty"`
	Metadata          []byte        `json:"metadata,omitempty"` // opaque extension blob, JSON by convention
}

// PromptStatus represents the lifecycle state of a prompt
type PromptStatus string

const (
	PromptPending    PromptStatus = "pending"
	PromptAssigned   PromptStatus = "assigned"
	PromptInProgress PromptStatus = "in_progress"
	PromptCompleted  PromptStatus = "completed"
	PromptFailed     PromptStatus = "failed"
	PromptCancelled  PromptStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
// A failed prompt is only terminal once its retries are exhausted.
func (s PromptStatus) Terminal() bool {
	return s == PromptCompleted || s == PromptCancelled
}

// Provider identifies which worker implementation fronts a session
type Provider string

const (
	ProviderClaude Provider = "claude"
	ProviderCodex  Provider = "codex"
	ProviderOllama Provider = "ollama"
	ProviderComet  Provider = "comet"
)

// Session is a named, attached terminal pane running a worker process
type Session struct {
	Name          string        `json:"name"`
	Status        SessionStatus `json:"status"`
	Provider      Provider      `json:"provider"`
	LastActivity  time.Time     `json:"last_activity"`
	CurrentTaskID int64         `json:"current_task_id"` // 0 = none
	WorkingDir    string        `json:"working_dir,omitempty"`
	LastOutput    string        `json:"last_output,omitempty"`
	Excluded      bool          `json:"excluded"`
	NodeID        string        `json:"node_id,omitempty"` // node hosting the pane; empty = local
	UpdatedAt     time.Time     `json:"updated_at"`
}

// SessionStatus represents the observed state of a terminal pane
type SessionStatus string

const (
	SessionIdle         SessionStatus = "idle"
	SessionBusy         SessionStatus = "busy"
	SessionWaitingInput SessionStatus = "waiting_input"
	SessionUnknown      SessionStatus = "unknown"
)

// HistoryAction labels an assignment-history entry
type HistoryAction string

const (
	HistoryAssigned   HistoryAction = "assigned"
	HistoryReassigned HistoryAction = "reassigned"
	HistoryRetried    HistoryAction = "retried"
	HistoryCompleted  HistoryAction = "completed"
	HistoryFailed     HistoryAction = "failed"
	HistoryCancelled  HistoryAction = "cancelled"
)

// HistoryEntry is an append-only audit record for prompt routing.
// Never read by the matching logic.
type HistoryEntry struct {
	ID          int64         `json:"id"`
	PromptID    int64         `json:"prompt_id"`
	SessionName string        `json:"session_name,omitempty"`
	Action      HistoryAction `json:"action"`
	CreatedAt   time.Time     `json:"created_at"`
	Details     string        `json:"details,omitempty"`
}

// ServiceSpec is the static declaration of a supervised service
type ServiceSpec struct {
	ID            string
	Command       string
	Args          []string
	WorkingDir    string
	Env           map[string]string
	Priority      int // start order, higher first
	Enabled       bool
	RestartOnExit bool
	RestartPolicy RestartPolicy
	Graceful      GracefulShutdown
	Limits        ResourceLimits
	HealthCheck   *CheckSpec
}

// RestartPolicy controls exponential-backoff restarts
type RestartPolicy struct {
	MaxRetries        int
	RetryDelay        time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// GracefulShutdown controls how a service is stopped
type GracefulShutdown struct {
	Enabled bool
	Timeout time.Duration
	Signal  string // e.g. "SIGTERM"
}

// ResourceLimits are advisory soft limits; exceeding them raises a
// notification but does not restart the service.
type ResourceLimits struct {
	MaxCPUPercent float64
	MaxMemoryMB   float64
}

// ServiceState is the runtime lifecycle state of a supervised service
type ServiceState string

const (
	ServiceStopped  ServiceState = "stopped"
	ServiceStarting ServiceState = "starting"
	ServiceRunning  ServiceState = "running"
	ServiceStopping ServiceState = "stopping"
	ServiceFailed   ServiceState = "failed"
	ServiceBackoff  ServiceState = "backoff"
	ServiceFatal    ServiceState = "fatal"
)

// ServiceStatus is a snapshot of a supervised service's runtime state
type ServiceStatus struct {
	ID              string         `json:"id"`
	State           ServiceState   `json:"state"`
	PID             int            `json:"pid,omitempty"`
	StartedAt       time.Time      `json:"started_at,omitempty"`
	RestartAttempts int            `json:"restart_attempts"`
	NextRestartAt   time.Time      `json:"next_restart_at,omitempty"`
	TotalFailures   int            `json:"total_failures"`
	LastError       string         `json:"last_error,omitempty"`
	Metrics         ServiceMetrics `json:"metrics"`
}

// ServiceMetrics holds one resource-usage sample for a service
type ServiceMetrics struct {
	CPUPercent float64       `json:"cpu_percent"`
	MemoryMB   float64       `json:"memory_mb"`
	Uptime     time.Duration `json:"uptime"`
	SampledAt  time.Time     `json:"sampled_at"`
}

// CheckSpec is a tagged health-check declaration. Exactly one of the
// kind-specific field groups is meaningful for a given Kind.
type CheckSpec struct {
	Kind CheckKind

	// HTTP
	URL             string
	ExpectedStatus  int
	ExpectedContent string

	// TCP
	Host string
	Port int

	// Process
	PID int

	// Script
	Command []string

	Timeout  time.Duration
	Interval time.Duration

	// Fallback is consulted only when an HTTP check errors at the
	// transport level (not on an unexpected status).
	Fallback *CheckSpec
}

// CheckKind discriminates CheckSpec variants
type CheckKind string

const (
	CheckHTTP    CheckKind = "http"
	CheckTCP     CheckKind = "tcp"
	CheckProcess CheckKind = "process"
	CheckScript  CheckKind = "script"
)

// HealthState is the outcome classification of a single check
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
	HealthUnknown   HealthState = "unknown"
)

// Node is one coordinator instance's view of a cluster member
type Node struct {
	ID            string    `json:"id"`
	Role          NodeRole  `json:"role"`
	Address       string    `json:"address"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
	CPUUsage      float64   `json:"cpu_usage"`
	MemoryUsage   float64   `json:"memory_usage"`
	DiskUsage     float64   `json:"disk_usage"`
	Reachable     bool      `json:"reachable"`
	Healthy       bool      `json:"healthy"`
	Services      []string  `json:"services,omitempty"` // advertised capabilities / resource types
	UpdatedAt     time.Time `json:"updated_at"`
}

// NodeRole defines the cluster role of a node
type NodeRole string

const (
	RolePrimary  NodeRole = "primary"
	RoleFailover NodeRole = "failover"
	RoleWorker   NodeRole = "worker"
)

// Allocation is a reservation of a named shared resource to a
// requesting entity on a specific node. Active iff ReleasedAt is zero.
type Allocation struct {
	ID           string    `json:"id"`
	ResourceType string    `json:"resource_type"`
	Requester    string    `json:"requester"`
	NodeID       string    `json:"node_id"`
	Priority     int       `json:"priority"`
	AllocatedAt  time.Time `json:"allocated_at"`
	ReleasedAt   time.Time `json:"released_at,omitempty"`
}

// Active reports whether the allocation has not been released
func (a *Allocation) Active() bool {
	return a.ReleasedAt.IsZero()
}

// FailoverEntry records one primary-role transfer
type FailoverEntry struct {
	ID        int64     `json:"id"`
	FromNode  string    `json:"from_node"`
	ToNode    string    `json:"to_node"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// Heartbeat is the wire payload a worker posts to the primary
type Heartbeat struct {
	NodeID      string    `json:"node_id"`
	Role        NodeRole  `json:"role"`
	Timestamp   time.Time `json:"timestamp"`
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
	DiskUsage   float64   `json:"disk_usage"`
}
