// Package placement selects ordered replica pipelines for new blocks and
// substitutes nodes when a pipeline member fails mid-write.
package placement

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"tidefs/pkg/registry"
	"tidefs/pkg/types"
)

// Engine chooses pipelines over the live node set. It may return fewer nodes
// than requested when fewer are alive; the block allocator decides whether
// that count still satisfies the replication minimum.
type Engine struct {
	mu       sync.Mutex
	registry *registry.Registry
	logger   *zap.Logger

	// Placement metrics, exposed for the status surface.
	totalPlacements  int64
	failedPlacements int64
	substitutions    int64
}

func NewEngine(reg *registry.Registry, logger *zap.Logger) *Engine {
	return &Engine{registry: reg, logger: logger}
}

// Place returns an ordered pipeline of up to replication distinct ALIVE
// nodes, honoring the exclusion hints. Ordering is most-preferred first:
// least loaded, then most free space, then id for determinism.
func (e *Engine) Place(replication int, exclude []types.NodeID) []types.NodeID {
	excluded := make(map[types.NodeID]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	candidates := e.registry.ListAlive()
	eligible := candidates[:0]
	for _, node := range candidates {
		if !excluded[node.ID] {
			eligible = append(eligible, node)
		}
	}

	sort.Slice(eligible, func(i, j int) bool {
		iLoad, jLoad := loadScore(eligible[i]), loadScore(eligible[j])
		if iLoad != jLoad {
			return iLoad < jLoad
		}
		iFree := eligible[i].TotalCapacity - eligible[i].UsedCapacity
		jFree := eligible[j].TotalCapacity - eligible[j].UsedCapacity
		if iFree != jFree {
			return iFree > jFree
		}
		return eligible[i].ID < eligible[j].ID
	})

	count := replication
	if count > len(eligible) {
		count = len(eligible)
	}
	pipeline := make([]types.NodeID, 0, count)
	for i := 0; i < count; i++ {
		pipeline = append(pipeline, eligible[i].ID)
	}

	e.mu.Lock()
	e.totalPlacements++
	if len(pipeline) < replication {
		e.failedPlacements++
	}
	e.mu.Unlock()

	e.logger.Debug("Pipeline placed",
		zap.Int("requested", replication),
		zap.Int("granted", len(pipeline)),
		zap.Int("excluded", len(exclude)))

	return pipeline
}

// Substitute removes failed from the pipeline and, when possible, appends a
// replacement node not already in the pipeline. The caller bumps the block's
// generation stamp so replicas on the failed node become stale.
func (e *Engine) Substitute(pipeline []types.NodeID, failed types.NodeID) []types.NodeID {
	reduced := make([]types.NodeID, 0, len(pipeline))
	for _, id := range pipeline {
		if id != failed {
			reduced = append(reduced, id)
		}
	}

	replacement := e.Place(1, append(append([]types.NodeID(nil), pipeline...), failed))
	if len(replacement) > 0 {
		reduced = append(reduced, replacement[0])
	}

	e.mu.Lock()
	e.substitutions++
	e.mu.Unlock()

	e.logger.Info("Pipeline node substituted",
		zap.String("failed", string(failed)),
		zap.Int("pipeline_size", len(reduced)))

	return reduced
}

// Stats reports cumulative placement counters.
func (e *Engine) Stats() (total, failed, substitutions int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalPlacements, e.failedPlacements, e.substitutions
}

func loadScore(n types.StorageNode) float64 {
	if n.TotalCapacity == 0 {
		return 1.0
	}
	return float64(n.UsedCapacity) / float64(n.TotalCapacity)
}
