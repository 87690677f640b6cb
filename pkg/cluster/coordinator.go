package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/droverhq/drover/pkg/clock"
	"github.com/droverhq/drover/pkg/errdefs"
	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/health"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/storage"
	"github.com/droverhq/drover/pkg/types"
)

// Config holds one coordinator instance's identity and timing.
type Config struct {
	NodeID              string
	Role                types.NodeRole
	Address             string // own advertised host:port
	PrimaryAddr         string // current primary's host:port
	HeartbeatInterval   time.Duration
	HealthCheckInterval time.Duration
	FailoverThreshold   time.Duration
	RecoveryThreshold   time.Duration
	MaxMissedHeartbeats int
	Capabilities        []string
	ShareableResources  []string // types allowed multiple active allocations per node
}

// Coordinator runs one node's view of the cluster: workers push
// heartbeats to the primary, failover nodes probe peers and promote
// themselves when the primary goes silent, the primary maintains node
// records and the allocation table.
type Coordinator struct {
	cfg    Config
	store  storage.Store
	broker *events.Broker
	prober *health.Prober
	clk    clock.Clock
	logger zerolog.Logger
	client *http.Client

	mu          sync.RWMutex
	role        types.NodeRole
	nodes       map[string]*types.Node
	lastSeen    map[string]time.Time // last successful contact per node
	missedBeats int

	onFailover   []func(fromNode, toNode string)
	onRoleChange []func(oldRole, newRole types.NodeRole)

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a coordinator and loads known nodes from storage.
func New(cfg Config, store storage.Store, broker *events.Broker, prober *health.Prober, clk clock.Clock) (*Coordinator, error) {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = 15 * time.Second
	}
	if cfg.FailoverThreshold == 0 {
		cfg.FailoverThreshold = 30 * time.Second
	}
	if cfg.MaxMissedHeartbeats == 0 {
		cfg.MaxMissedHeartbeats = 3
	}
	if clk == nil {
		clk = clock.New()
	}

	c := &Coordinator{
		cfg:      cfg,
		store:    store,
		broker:   broker,
		prober:   prober,
		clk:      clk,
		logger:   log.WithComponent("cluster").With().Str("node_id", cfg.NodeID).Logger(),
		client:   &http.Client{Timeout: 5 * time.Second},
		role:     cfg.Role,
		nodes:    make(map[string]*types.Node),
		lastSeen: make(map[string]time.Time),
		stopCh:   make(chan struct{}),
	}

	known, err := store.ListNodes()
	if err != nil {
		return nil, err
	}
	for _, n := range known {
		c.nodes[n.ID] = n
	}

	self := &types.Node{
		ID:        cfg.NodeID,
		Role:      cfg.Role,
		Address:   cfg.Address,
		Reachable: true,
		Healthy:   true,
		Services:  cfg.Capabilities,
		UpdatedAt: clk.Now(),
	}
	if err := store.UpsertNode(self); err != nil {
		return nil, err
	}
	c.nodes[self.ID] = self
	return c, nil
}

// Role returns the current role under the read lock.
func (c *Coordinator) Role() types.NodeRole {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

// OnFailover registers a callback invoked after a promotion. Callbacks
// run outside the coordinator lock.
func (c *Coordinator) OnFailover(fn func(fromNode, toNode string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFailover = append(c.onFailover, fn)
}

// OnRoleChange registers a callback invoked on any role transition.
func (c *Coordinator) OnRoleChange(fn func(oldRole, newRole types.NodeRole)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRoleChange = append(c.onRoleChange, fn)
}

// Start launches the loops appropriate for the configured role. The
// primary does not heartbeat to itself.
func (c *Coordinator) Start() {
	role := c.Role()
	if role == types.RoleWorker || role == types.RoleFailover {
		c.wg.Add(1)
		go c.heartbeatLoop()
	}
	if role == types.RoleFailover || role == types.RolePrimary {
		c.wg.Add(1)
		go c.healthLoop()
	}
}

// Stop halts the coordinator loops.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// RegisterNode adds or updates a cluster member record. Heartbeats from
// unregistered nodes are rejected.
func (c *Coordinator) RegisterNode(n *types.Node) error {
	n.UpdatedAt = c.clk.Now()
	if err := c.store.UpsertNode(n); err != nil {
		return err
	}
	c.mu.Lock()
	c.nodes[n.ID] = n
	c.mu.Unlock()
	return nil
}

// Nodes returns a snapshot of all known node records.
func (c *Coordinator) Nodes() []*types.Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*types.Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		copied := *n
		out = append(out, &copied)
	}
	return out
}

// HandleHeartbeat ingests one worker heartbeat on the primary. An
// unknown node id is a not-found error (the wire layer maps it to 404).
func (c *Coordinator) HandleHeartbeat(hb *types.Heartbeat) error {
	c.mu.Lock()
	node, ok := c.nodes[hb.NodeID]
	if !ok {
		c.mu.Unlock()
		return errdefs.New(errdefs.KindNotFound, "unknown node %q", hb.NodeID)
	}
	now := c.clk.Now()
	node.Role = hb.Role
	node.LastHeartbeat = now
	node.CPUUsage = hb.CPUUsage
	node.MemoryUsage = hb.MemoryUsage
	node.DiskUsage = hb.DiskUsage
	node.Reachable = true
	node.Healthy = true
	node.UpdatedAt = now
	c.lastSeen[hb.NodeID] = now
	snapshot := *node
	c.mu.Unlock()

	metrics.HeartbeatsReceived.Inc()
	return c.store.UpsertNode(&snapshot)
}

// heartbeatLoop posts this node's status to the primary. Workers never
// initiate failover; repeated delivery failures are only logged.
func (c *Coordinator) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if c.Role() == types.RolePrimary {
				continue // promoted since start; nothing to send
			}
			c.sendHeartbeat()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Coordinator) sendHeartbeat() {
	cpu, mem, disk := SampleUsage()
	hb := types.Heartbeat{
		NodeID:      c.cfg.NodeID,
		Role:        c.Role(),
		Timestamp:   c.clk.Now(),
		CPUUsage:    cpu,
		MemoryUsage: mem,
		DiskUsage:   disk,
	}

	body, err := json.Marshal(hb)
	if err != nil {
		return
	}
	url := fmt.Sprintf("http://%s/cluster/heartbeat", c.cfg.PrimaryAddr)
	resp, err := c.client.Post(url, "application/json", bytes.NewReader(body))
	if err == nil {
		resp.Body.Close()
	}
	if err != nil || resp.StatusCode != http.StatusOK {
		c.mu.Lock()
		c.missedBeats++
		missed := c.missedBeats
		c.mu.Unlock()
		if missed >= c.cfg.MaxMissedHeartbeats {
			c.logger.Warn().Int("missed", missed).Msg("heartbeats not acknowledged by primary")
		}
		return
	}
	c.mu.Lock()
	c.missedBeats = 0
	c.mu.Unlock()
}

// healthLoop probes every other known node's health endpoint and, on a
// failover node, promotes when the primary stays unreachable past the
// threshold.
func (c *Coordinator) healthLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.probeNodes()
			if c.Role() == types.RoleFailover {
				c.maybePromote()
			}
		case <-c.stopCh:
			return
		}
	}
}

func (c *Coordinator) probeNodes() {
	c.mu.RLock()
	peers := make([]*types.Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		if n.ID == c.cfg.NodeID || n.Address == "" {
			continue
		}
		copied := *n
		peers = append(peers, &copied)
	}
	c.mu.RUnlock()

	for _, peer := range peers {
		spec := &types.CheckSpec{
			Kind:    types.CheckHTTP,
			URL:     fmt.Sprintf("http://%s/health", peer.Address),
			Timeout: 5 * time.Second,
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		result := c.prober.Evaluate(ctx, "node:"+peer.ID, spec)
		cancel()

		reachable := result.Status == types.HealthHealthy || result.Status == types.HealthDegraded
		now := c.clk.Now()

		c.mu.Lock()
		node, ok := c.nodes[peer.ID]
		if !ok {
			c.mu.Unlock()
			continue
		}
		wasReachable := node.Reachable
		node.Reachable = reachable
		node.Healthy = result.Status == types.HealthHealthy
		node.UpdatedAt = now
		if reachable {
			c.lastSeen[peer.ID] = now
		}
		snapshot := *node
		c.mu.Unlock()

		if err := c.store.UpsertNode(&snapshot); err != nil {
			c.logger.Warn().Err(err).Str("peer", peer.ID).Msg("persist node failed")
		}
		if wasReachable && !reachable {
			c.logger.Warn().Str("peer", peer.ID).Msg("node unreachable")
			c.broker.Warn(events.EventNodeDown, "node "+peer.ID+" is unreachable",
				map[string]string{"node": peer.ID})
		}
		if !wasReachable && reachable {
			c.logger.Info().Str("peer", peer.ID).Msg("node recovered")
			c.broker.Publish(&events.Event{
				Type:     events.EventNodeRecovered,
				Message:  "node " + peer.ID + " recovered",
				Metadata: map[string]string{"node": peer.ID},
			})
		}
	}

	c.updateNodeGauges()
}

// maybePromote checks the primary's silence window and promotes this
// failover node when it is exceeded.
func (c *Coordinator) maybePromote() {
	c.mu.RLock()
	var primary *types.Node
	for _, n := range c.nodes {
		if n.Role == types.RolePrimary && n.ID != c.cfg.NodeID {
			primary = n
			break
		}
	}
	var silentFor time.Duration
	if primary != nil {
		seen, ok := c.lastSeen[primary.ID]
		if !ok {
			seen = primary.LastHeartbeat
		}
		if !seen.IsZero() {
			silentFor = c.clk.Now().Sub(seen)
		}
	}
	c.mu.RUnlock()

	if primary == nil || primary.Reachable {
		return
	}
	if silentFor < c.cfg.FailoverThreshold {
		return
	}
	c.promote(primary.ID, fmt.Sprintf("primary unreachable for %s", silentFor.Round(time.Second)))
}

// promote switches this node to primary, persists the role change and
// the failover-log entry, then fires callbacks outside the lock.
func (c *Coordinator) promote(fromNode, reason string) {
	c.mu.Lock()
	if c.role == types.RolePrimary {
		c.mu.Unlock()
		return
	}
	oldRole := c.role
	c.role = types.RolePrimary
	self := c.nodes[c.cfg.NodeID]
	if self != nil {
		self.Role = types.RolePrimary
		self.UpdatedAt = c.clk.Now()
	}
	var snapshot types.Node
	if self != nil {
		snapshot = *self
	}
	failoverFns := append(([]func(string, string))(nil), c.onFailover...)
	roleFns := append(([]func(types.NodeRole, types.NodeRole))(nil), c.onRoleChange...)
	c.mu.Unlock()

	c.logger.Warn().Str("from", fromNode).Str("reason", reason).Msg("promoting to primary")

	if self != nil {
		if err := c.store.UpsertNode(&snapshot); err != nil {
			c.logger.Error().Err(err).Msg("persist role change failed")
		}
	}
	entry := &types.FailoverEntry{
		FromNode:  fromNode,
		ToNode:    c.cfg.NodeID,
		Reason:    reason,
		CreatedAt: c.clk.Now(),
	}
	if err := c.store.AppendFailover(entry); err != nil {
		c.logger.Error().Err(err).Msg("persist failover entry failed")
	}

	metrics.FailoversTotal.Inc()
	c.broker.Critical(events.EventFailover,
		fmt.Sprintf("node %s promoted to primary (was %s): %s", c.cfg.NodeID, fromNode, reason),
		map[string]string{"from": fromNode, "to": c.cfg.NodeID})

	for _, fn := range failoverFns {
		fn(fromNode, c.cfg.NodeID)
	}
	for _, fn := range roleFns {
		fn(oldRole, types.RolePrimary)
	}
}

func (c *Coordinator) updateNodeGauges() {
	counts := make(map[[2]string]int)
	c.mu.RLock()
	for _, n := range c.nodes {
		counts[[2]string{string(n.Role), boolLabel(n.Healthy)}]++
	}
	c.mu.RUnlock()

	for _, role := range []types.NodeRole{types.RolePrimary, types.RoleFailover, types.RoleWorker} {
		for _, healthy := range []string{"true", "false"} {
			metrics.NodesTotal.WithLabelValues(string(role), healthy).
				Set(float64(counts[[2]string{string(role), healthy}]))
		}
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
