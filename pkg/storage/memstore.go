// Package storage provides an in-process replica store implementing the
// narrow data-plane surface the coordinator and client consume: block
// writes/reads on individual nodes, replica reports, and truncation during
// recovery. Physical storage nodes are out of scope for the coordinator;
// this package stands in for them in tests and single-process deployments.
package storage

import (
	"fmt"
	"sync"

	"tidefs/pkg/types"
)

type replica struct {
	data            []byte
	generationStamp uint64
}

// NodeStore holds one node's replicas. A stopped node refuses all calls,
// simulating an unreachable process.
type NodeStore struct {
	mu      sync.Mutex
	id      types.NodeID
	blocks  map[types.BlockID]*replica
	stopped bool
}

func (s *NodeStore) ID() types.NodeID { return s.id }

func (s *NodeStore) checkUp() error {
	if s.stopped {
		return fmt.Errorf("node %s unreachable", s.id)
	}
	return nil
}

// Append adds data to the replica, creating it on first write. Writes
// carrying a generation stamp below the replica's are stale and rejected.
func (s *NodeStore) Append(blockID types.BlockID, generationStamp uint64, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUp(); err != nil {
		return err
	}

	rep, ok := s.blocks[blockID]
	if !ok {
		rep = &replica{generationStamp: generationStamp}
		s.blocks[blockID] = rep
	}
	if generationStamp < rep.generationStamp {
		return types.ErrStaleGenerationStamp
	}
	rep.generationStamp = generationStamp
	rep.data = append(rep.data, p...)
	return nil
}

// Read returns a copy of the replica's bytes.
func (s *NodeStore) Read(blockID types.BlockID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUp(); err != nil {
		return nil, err
	}
	rep, ok := s.blocks[blockID]
	if !ok {
		return nil, fmt.Errorf("node %s has no replica of block %d", s.id, blockID)
	}
	return append([]byte(nil), rep.data...), nil
}

// ReplicaInfo reports the acknowledged length and generation stamp of the
// replica, used by recovery to agree on a common length.
func (s *NodeStore) ReplicaInfo(blockID types.BlockID) (length int64, generationStamp uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUp(); err != nil {
		return 0, 0, err
	}
	rep, ok := s.blocks[blockID]
	if !ok {
		return 0, 0, fmt.Errorf("node %s has no replica of block %d", s.id, blockID)
	}
	return int64(len(rep.data)), rep.generationStamp, nil
}

// Truncate cuts the replica to length and adopts the new generation stamp.
func (s *NodeStore) Truncate(blockID types.BlockID, length int64, generationStamp uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUp(); err != nil {
		return err
	}
	rep, ok := s.blocks[blockID]
	if !ok {
		return fmt.Errorf("node %s has no replica of block %d", s.id, blockID)
	}
	if length > int64(len(rep.data)) {
		return fmt.Errorf("cannot extend block %d to %d bytes", blockID, length)
	}
	rep.data = rep.data[:length]
	rep.generationStamp = generationStamp
	return nil
}

// Delete drops the replica entirely.
func (s *NodeStore) Delete(blockID types.BlockID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUp(); err != nil {
		return err
	}
	delete(s.blocks, blockID)
	return nil
}

// Cluster is the set of node stores addressed by node id. It implements both
// the client's pipeline transfer surface and the coordinator's recovery
// surface.
type Cluster struct {
	mu     sync.RWMutex
	stores map[types.NodeID]*NodeStore
}

func NewCluster() *Cluster {
	return &Cluster{stores: make(map[types.NodeID]*NodeStore)}
}

// AddNode creates a store for the node, replacing any previous one.
func (c *Cluster) AddNode(id types.NodeID) *NodeStore {
	c.mu.Lock()
	defer c.mu.Unlock()

	store := &NodeStore{id: id, blocks: make(map[types.BlockID]*replica)}
	c.stores[id] = store
	return store
}

// StopNode makes a node unreachable without losing its replicas.
func (c *Cluster) StopNode(id types.NodeID) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.stores[id]; ok {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
	}
}

// StartNode brings a stopped node back.
func (c *Cluster) StartNode(id types.NodeID) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.stores[id]; ok {
		s.mu.Lock()
		s.stopped = false
		s.mu.Unlock()
	}
}

func (c *Cluster) store(id types.NodeID) (*NodeStore, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.stores[id]
	if !ok {
		return nil, fmt.Errorf("unknown node %s", id)
	}
	return s, nil
}

// Append writes data to the block replica on one node.
func (c *Cluster) Append(node types.NodeID, blockID types.BlockID, generationStamp uint64, p []byte) error {
	s, err := c.store(node)
	if err != nil {
		return err
	}
	return s.Append(blockID, generationStamp, p)
}

// Read returns the block replica bytes from one node.
func (c *Cluster) Read(node types.NodeID, blockID types.BlockID) ([]byte, error) {
	s, err := c.store(node)
	if err != nil {
		return nil, err
	}
	return s.Read(blockID)
}

// ReplicaInfo reports one node's view of a block.
func (c *Cluster) ReplicaInfo(node types.NodeID, blockID types.BlockID) (int64, uint64, error) {
	s, err := c.store(node)
	if err != nil {
		return 0, 0, err
	}
	return s.ReplicaInfo(blockID)
}

// Truncate reconciles one node's replica to the agreed length and stamp.
func (c *Cluster) Truncate(node types.NodeID, blockID types.BlockID, length int64, generationStamp uint64) error {
	s, err := c.store(node)
	if err != nil {
		return err
	}
	return s.Truncate(blockID, length, generationStamp)
}

// Delete removes one node's replica of a block.
func (c *Cluster) Delete(node types.NodeID, blockID types.BlockID) error {
	s, err := c.store(node)
	if err != nil {
		return err
	}
	return s.Delete(blockID)
}
