package storage

import (
	"database/sql"
	"strings"
	"time"

	"github.com/droverhq/drover/pkg/errdefs"
	"github.com/droverhq/drover/pkg/types"
)

// Cluster node operations

func (s *SQLiteStore) UpsertNode(n *types.Node) error {
	n.UpdatedAt = time.Now().UTC()
	_, err := s.db.Exec(`INSERT INTO cluster_nodes
		(id, role, address, last_heartbeat, cpu_usage, memory_usage, disk_usage,
		 reachable, healthy, services, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		 role = excluded.role, address = excluded.address,
		 last_heartbeat = excluded.last_heartbeat, cpu_usage = excluded.cpu_usage,
		 memory_usage = excluded.memory_usage, disk_usage = excluded.disk_usage,
		 reachable = excluded.reachable, healthy = excluded.healthy,
		 services = excluded.services, updated_at = excluded.updated_at`,
		n.ID, string(n.Role), n.Address, fmtTime(n.LastHeartbeat),
		n.CPUUsage, n.MemoryUsage, n.DiskUsage,
		boolInt(n.Reachable), boolInt(n.Healthy),
		strings.Join(n.Services, ","), fmtTime(n.UpdatedAt))
	return errdefs.Wrap(err, errdefs.KindTransport, "upsert node")
}

const nodeColumns = `id, role, address, last_heartbeat, cpu_usage, memory_usage,
	disk_usage, reachable, healthy, services, updated_at`

func scanNode(row interface{ Scan(...interface{}) error }) (*types.Node, error) {
	var n types.Node
	var role, services string
	var lastHeartbeat, updatedAt sql.NullString
	var reachable, healthy int
	err := row.Scan(&n.ID, &role, &n.Address, &lastHeartbeat,
		&n.CPUUsage, &n.MemoryUsage, &n.DiskUsage,
		&reachable, &healthy, &services, &updatedAt)
	if err != nil {
		return nil, err
	}
	n.Role = types.NodeRole(role)
	n.LastHeartbeat = parseTime(lastHeartbeat)
	n.Reachable = reachable != 0
	n.Healthy = healthy != 0
	if services != "" {
		n.Services = strings.Split(services, ",")
	}
	n.UpdatedAt = parseTime(updatedAt)
	return &n, nil
}

func (s *SQLiteStore) GetNode(id string) (*types.Node, error) {
	row := s.db.QueryRow(`SELECT `+nodeColumns+` FROM cluster_nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, errdefs.New(errdefs.KindNotFound, "node %q not found", id)
	}
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindTransport, "get node")
	}
	return n, nil
}

func (s *SQLiteStore) ListNodes() ([]*types.Node, error) {
	rows, err := s.db.Query(`SELECT ` + nodeColumns + ` FROM cluster_nodes ORDER BY id`)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindTransport, "list nodes")
	}
	defer rows.Close()

	var nodes []*types.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, errdefs.Wrap(err, errdefs.KindTransport, "scan node")
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (s *SQLiteStore) DeleteNode(id string) error {
	_, err := s.db.Exec(`DELETE FROM cluster_nodes WHERE id = ?`, id)
	return errdefs.Wrap(err, errdefs.KindTransport, "delete node")
}

// Resource allocations

func (s *SQLiteStore) CreateAllocation(a *types.Allocation) error {
	if a.AllocatedAt.IsZero() {
		a.AllocatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO resource_allocations
		(id, resource_type, requester, node_id, priority, allocated_at, released_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ResourceType, a.Requester, a.NodeID, a.Priority,
		fmtTime(a.AllocatedAt), fmtTime(a.ReleasedAt))
	return errdefs.Wrap(err, errdefs.KindTransport, "insert allocation")
}

const allocColumns = `id, resource_type, requester, node_id, priority, allocated_at, released_at`

func scanAllocation(row interface{ Scan(...interface{}) error }) (*types.Allocation, error) {
	var a types.Allocation
	var allocatedAt, releasedAt sql.NullString
	err := row.Scan(&a.ID, &a.ResourceType, &a.Requester, &a.NodeID, &a.Priority,
		&allocatedAt, &releasedAt)
	if err != nil {
		return nil, err
	}
	a.AllocatedAt = parseTime(allocatedAt)
	a.ReleasedAt = parseTime(releasedAt)
	return &a, nil
}

func (s *SQLiteStore) GetAllocation(id string) (*types.Allocation, error) {
	row := s.db.QueryRow(`SELECT `+allocColumns+` FROM resource_allocations WHERE id = ?`, id)
	a, err := scanAllocation(row)
	if err == sql.ErrNoRows {
		return nil, errdefs.New(errdefs.KindNotFound, "allocation %q not found", id)
	}
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindTransport, "get allocation")
	}
	return a, nil
}

func (s *SQLiteStore) ListActiveAllocations() ([]*types.Allocation, error) {
	rows, err := s.db.Query(`SELECT ` + allocColumns + ` FROM resource_allocations
		WHERE released_at IS NULL ORDER BY allocated_at`)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindTransport, "list allocations")
	}
	defer rows.Close()

	var allocs []*types.Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, errdefs.Wrap(err, errdefs.KindTransport, "scan allocation")
		}
		allocs = append(allocs, a)
	}
	return allocs, rows.Err()
}

// ReleaseAllocation stamps released_at. Releasing an already-released
// allocation is a no-op returning false.
func (s *SQLiteStore) ReleaseAllocation(id string, at time.Time) (bool, error) {
	res, err := s.db.Exec(`UPDATE resource_allocations SET released_at = ?
		WHERE id = ? AND released_at IS NULL`, fmtTime(at), id)
	if err != nil {
		return false, errdefs.Wrap(err, errdefs.KindTransport, "release allocation")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Failover log

func (s *SQLiteStore) AppendFailover(e *types.FailoverEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.Exec(`INSERT INTO failover_log (from_node, to_node, reason, created_at)
		VALUES (?, ?, ?, ?)`,
		e.FromNode, e.ToNode, e.Reason, fmtTime(e.CreatedAt))
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindTransport, "append failover")
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) ListFailovers() ([]*types.FailoverEntry, error) {
	rows, err := s.db.Query(`SELECT id, from_node, to_node, reason, created_at
		FROM failover_log ORDER BY id`)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindTransport, "list failovers")
	}
	defer rows.Close()

	var entries []*types.FailoverEntry
	for rows.Next() {
		var e types.FailoverEntry
		var createdAt sql.NullString
		if err := rows.Scan(&e.ID, &e.FromNode, &e.ToNode, &e.Reason, &createdAt); err != nil {
			return nil, errdefs.Wrap(err, errdefs.KindTransport, "scan failover")
		}
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Supervisor state

func (s *SQLiteStore) SaveServiceStatus(st *types.ServiceStatus) error {
	_, err := s.db.Exec(`INSERT INTO supervisor_services
		(id, state, pid, started_at, restart_attempts, next_restart_at,
		 total_failures, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		 state = excluded.state, pid = excluded.pid, started_at = excluded.started_at,
		 restart_attempts = excluded.restart_attempts,
		 next_restart_at = excluded.next_restart_at,
		 total_failures = excluded.total_failures,
		 last_error = excluded.last_error, updated_at = excluded.updated_at`,
		st.ID, string(st.State), st.PID, fmtTime(st.StartedAt),
		st.RestartAttempts, fmtTime(st.NextRestartAt),
		st.TotalFailures, st.LastError, fmtTime(time.Now().UTC()))
	return errdefs.Wrap(err, errdefs.KindTransport, "save service status")
}

func (s *SQLiteStore) GetServiceStatus(id string) (*types.ServiceStatus, error) {
	row := s.db.QueryRow(`SELECT id, state, pid, started_at, restart_attempts,
		next_restart_at, total_failures, last_error FROM supervisor_services WHERE id = ?`, id)
	st, err := scanServiceStatus(row)
	if err == sql.ErrNoRows {
		return nil, errdefs.New(errdefs.KindNotFound, "service %q not found", id)
	}
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindTransport, "get service status")
	}
	return st, nil
}

func (s *SQLiteStore) ListServiceStatuses() ([]*types.ServiceStatus, error) {
	rows, err := s.db.Query(`SELECT id, state, pid, started_at, restart_attempts,
		next_restart_at, total_failures, last_error FROM supervisor_services ORDER BY id`)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindTransport, "list service statuses")
	}
	defer rows.Close()

	var statuses []*types.ServiceStatus
	for rows.Next() {
		st, err := scanServiceStatus(rows)
		if err != nil {
			return nil, errdefs.Wrap(err, errdefs.KindTransport, "scan service status")
		}
		statuses = append(statuses, st)
	}
	return statuses, rows.Err()
}

func scanServiceStatus(row interface{ Scan(...interface{}) error }) (*types.ServiceStatus, error) {
	var st types.ServiceStatus
	var state string
	var startedAt, nextRestartAt sql.NullString
	err := row.Scan(&st.ID, &state, &st.PID, &startedAt, &st.RestartAttempts,
		&nextRestartAt, &st.TotalFailures, &st.LastError)
	if err != nil {
		return nil, err
	}
	st.State = types.ServiceState(state)
	st.StartedAt = parseTime(startedAt)
	st.NextRestartAt = parseTime(nextRestartAt)
	return &st, nil
}

func (s *SQLiteStore) AppendServiceEvent(serviceID, event, details string, at time.Time) error {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO supervisor_events (service_id, event, details, created_at)
		VALUES (?, ?, ?, ?)`, serviceID, event, details, fmtTime(at))
	return errdefs.Wrap(err, errdefs.KindTransport, "append service event")
}

func (s *SQLiteStore) AppendServiceMetrics(serviceID string, m types.ServiceMetrics) error {
	if m.SampledAt.IsZero() {
		m.SampledAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO supervisor_metrics
		(service_id, cpu_percent, memory_mb, uptime_seconds, sampled_at)
		VALUES (?, ?, ?, ?, ?)`,
		serviceID, m.CPUPercent, m.MemoryMB, int64(m.Uptime/time.Second), fmtTime(m.SampledAt))
	return errdefs.Wrap(err, errdefs.KindTransport, "append service metrics")
}
