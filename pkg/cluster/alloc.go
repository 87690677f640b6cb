package cluster

import (
	"github.com/google/uuid"

	"github.com/droverhq/drover/pkg/errdefs"
	"github.com/droverhq/drover/pkg/types"
)

// allocRetries bounds the optimistic-concurrency retry on conflicting
// allocation writes.
const allocRetries = 3

// Allocate reserves a resource of the given type on a cluster node.
// The preferred node wins if it is healthy and capable; otherwise the
// healthy capable node with the lowest combined CPU+memory load is
// chosen. Non-shareable resource types hold at most one active
// allocation per node. Returns a resource-exhausted error when no node
// qualifies.
func (c *Coordinator) Allocate(resourceType, requester, preferredNode string, priority int) (*types.Allocation, error) {
	occupied, err := c.occupiedNodes(resourceType)
	if err != nil {
		return nil, err
	}
	node := c.placeOn(resourceType, preferredNode, occupied)
	if node == "" {
		return nil, errdefs.New(errdefs.KindResourceExhausted,
			"no healthy node offers %q", resourceType)
	}

	alloc := &types.Allocation{
		ID:           uuid.New().String(),
		ResourceType: resourceType,
		Requester:    requester,
		NodeID:       node,
		Priority:     priority,
		AllocatedAt:  c.clk.Now(),
	}

	for attempt := 0; attempt < allocRetries; attempt++ {
		err = c.store.CreateAllocation(alloc)
		if err == nil {
			return alloc, nil
		}
		if !errdefs.IsTransport(err) {
			return nil, err
		}
		// Busy database; re-key and retry.
		alloc.ID = uuid.New().String()
	}
	return nil, err
}

// occupiedNodes reports which nodes already hold an active allocation
// of the given type. Empty for shareable types, which never exclude a
// node from placement.
func (c *Coordinator) occupiedNodes(resourceType string) (map[string]bool, error) {
	for _, s := range c.cfg.ShareableResources {
		if s == resourceType {
			return nil, nil
		}
	}
	active, err := c.store.ListActiveAllocations()
	if err != nil {
		return nil, err
	}
	occupied := make(map[string]bool)
	for _, a := range active {
		if a.ResourceType == resourceType {
			occupied[a.NodeID] = true
		}
	}
	return occupied, nil
}

// placeOn picks the node id for an allocation, or "" if none qualifies.
func (c *Coordinator) placeOn(resourceType, preferredNode string, occupied map[string]bool) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if n, ok := c.nodes[preferredNode]; ok && n.Healthy && hasCapability(n, resourceType) && !occupied[preferredNode] {
		return preferredNode
	}

	best := ""
	bestLoad := 0.0
	for id, n := range c.nodes {
		if !n.Healthy || !hasCapability(n, resourceType) || occupied[id] {
			continue
		}
		load := n.CPUUsage + n.MemoryUsage
		if best == "" || load < bestLoad || (load == bestLoad && id < best) {
			best = id
			bestLoad = load
		}
	}
	return best
}

func hasCapability(n *types.Node, resourceType string) bool {
	for _, s := range n.Services {
		if s == resourceType {
			return true
		}
	}
	return false
}

// Release stamps released_at on an allocation. Releasing an allocation
// that is unknown or already released is a no-op returning false.
func (c *Coordinator) Release(allocationID string) (bool, error) {
	return c.store.ReleaseAllocation(allocationID, c.clk.Now())
}

// ActiveAllocations lists reservations that have not been released.
func (c *Coordinator) ActiveAllocations() ([]*types.Allocation, error) {
	return c.store.ListActiveAllocations()
}
