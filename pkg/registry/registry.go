// Package registry tracks storage-node membership and liveness for the
// coordinator. The registry is consulted by placement and recovery but never
// mutated by them; only heartbeats and explicit administrative calls change
// node state.
package registry

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"tidefs/pkg/types"
)

type Registry struct {
	mu    sync.RWMutex
	nodes map[types.NodeID]*types.StorageNode

	staleAfter time.Duration
	deadAfter  time.Duration

	now    func() time.Time
	logger *zap.Logger

	deathListeners []func(types.NodeID)
}

func New(staleAfter, deadAfter time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		nodes:      make(map[types.NodeID]*types.StorageNode),
		staleAfter: staleAfter,
		deadAfter:  deadAfter,
		now:        time.Now,
		logger:     logger,
	}
}

// SetNowFunc replaces the registry's time source for deterministic tests.
func (r *Registry) SetNowFunc(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// OnDeath registers a callback invoked whenever a node transitions to DEAD.
func (r *Registry) OnDeath(fn func(types.NodeID)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deathListeners = append(r.deathListeners, fn)
}

// Register adds a node or revives a previously known one.
func (r *Registry) Register(id types.NodeID, address string, capacity int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nodes[id] = &types.StorageNode{
		ID:            id,
		Address:       address,
		TotalCapacity: capacity,
		Liveness:      types.NodeAlive,
		LastHeartbeat: r.now(),
	}

	r.logger.Info("Storage node registered",
		zap.String("node_id", string(id)),
		zap.String("address", address),
		zap.Int64("capacity", capacity))
}

// Heartbeat refreshes a node's liveness. Unknown nodes are ignored; they must
// register first.
func (r *Registry) Heartbeat(id types.NodeID, usedCapacity int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[id]
	if !ok {
		r.logger.Warn("Heartbeat from unregistered node", zap.String("node_id", string(id)))
		return false
	}

	node.UsedCapacity = usedCapacity
	node.LastHeartbeat = r.now()
	if node.Liveness != types.NodeAlive {
		r.logger.Info("Storage node revived", zap.String("node_id", string(id)))
		node.Liveness = types.NodeAlive
	}
	return true
}

// MarkDead forces a node to DEAD immediately, e.g. after a pipeline failure
// report from a client.
func (r *Registry) MarkDead(id types.NodeID) {
	r.mu.Lock()
	node, ok := r.nodes[id]
	var listeners []func(types.NodeID)
	if ok && node.Liveness != types.NodeDead {
		node.Liveness = types.NodeDead
		listeners = append(listeners, r.deathListeners...)
		r.logger.Warn("Storage node marked dead", zap.String("node_id", string(id)))
	}
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(id)
	}
}

// CheckLiveness transitions nodes whose heartbeats have lapsed. It is driven
// by the coordinator's health loop.
func (r *Registry) CheckLiveness() {
	r.mu.Lock()
	now := r.now()
	var died []types.NodeID
	for _, node := range r.nodes {
		if node.Liveness == types.NodeDead {
			continue
		}
		age := now.Sub(node.LastHeartbeat)
		switch {
		case age >= r.deadAfter:
			node.Liveness = types.NodeDead
			died = append(died, node.ID)
			r.logger.Warn("Storage node declared dead",
				zap.String("node_id", string(node.ID)),
				zap.Duration("heartbeat_age", age))
		case age >= r.staleAfter:
			if node.Liveness != types.NodeStale {
				node.Liveness = types.NodeStale
				r.logger.Debug("Storage node stale", zap.String("node_id", string(node.ID)))
			}
		}
	}
	listeners := append(([]func(types.NodeID))(nil), r.deathListeners...)
	r.mu.Unlock()

	for _, id := range died {
		for _, fn := range listeners {
			fn(id)
		}
	}
}

// ListAlive returns the ALIVE nodes ordered by id for deterministic placement
// input.
func (r *Registry) ListAlive() []types.StorageNode {
	r.mu.RLock()
	defer r.mu.RUnlock()

	alive := make([]types.StorageNode, 0, len(r.nodes))
	for _, node := range r.nodes {
		if node.Liveness == types.NodeAlive {
			alive = append(alive, *node)
		}
	}
	sort.Slice(alive, func(i, j int) bool { return alive[i].ID < alive[j].ID })
	return alive
}

// AliveCount returns the number of ALIVE nodes.
func (r *Registry) AliveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, node := range r.nodes {
		if node.Liveness == types.NodeAlive {
			n++
		}
	}
	return n
}

// Get returns a copy of the node record.
func (r *Registry) Get(id types.NodeID) (types.StorageNode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[id]
	if !ok {
		return types.StorageNode{}, false
	}
	return *node, true
}

// All returns every known node, alive or not, ordered by id.
func (r *Registry) All() []types.StorageNode {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]types.StorageNode, 0, len(r.nodes))
	for _, node := range r.nodes {
		all = append(all, *node)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}
