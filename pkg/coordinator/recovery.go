package coordinator

import (
	"fmt"

	"go.uber.org/zap"

	"tidefs/pkg/metalog"
	"tidefs/pkg/types"
)

// RecoverFile closes an abandoned write session: it settles the last block
// on whatever the surviving replicas durably hold, finalizes the file and
// revokes the lease. It is re-entrant; recovering a complete or deleted
// file is a no-op, so the expiry sweep, explicit lease release and create
// takeover can all race on the same file safely.
func (c *Coordinator) RecoverFile(fileID types.FileID) error {
	lock := c.getFileLock(fileID)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	entry, ok := c.byID[fileID]
	if !ok || entry.State == types.FileComplete {
		c.mu.Unlock()
		return nil
	}
	path := entry.Path
	last := entry.LastBlock()
	var probe *types.BlockRecord
	if last != nil && last.State != types.BlockCommitted {
		last.State = types.BlockUnderRecovery
		probe = last.Clone()
	}
	c.mu.Unlock()

	c.logger.Info("Recovering write session",
		zap.Uint64("file_id", uint64(fileID)),
		zap.String("path", path),
		zap.Bool("open_block", probe != nil))

	if probe != nil {
		if err := c.settleBlock(fileID, probe); err != nil {
			return err
		}
	}
	return c.finalizeRecovered(fileID)
}

// settleBlock reconciles an uncommitted block against its replicas: survivors
// are truncated to the shortest length any of them durably holds, stale or
// unreachable replicas are dropped, and a block with no reachable replica at
// all is removed from the file.
func (c *Coordinator) settleBlock(fileID types.FileID, block *types.BlockRecord) error {
	type replica struct {
		node   types.NodeID
		length int64
	}
	var valid []replica
	if c.datanodes == nil {
		for _, node := range block.Locations {
			valid = append(valid, replica{node: node, length: block.Length})
		}
	} else {
		for _, node := range block.Locations {
			length, stamp, err := c.datanodes.ReplicaInfo(node, block.ID)
			if err != nil {
				c.logger.Debug("Replica unreachable during recovery",
					zap.Uint64("block_id", uint64(block.ID)),
					zap.String("node", string(node)),
					zap.Error(err))
				continue
			}
			if stamp != block.GenerationStamp {
				c.logger.Info("Dropping stale replica",
					zap.Uint64("block_id", uint64(block.ID)),
					zap.String("node", string(node)),
					zap.Uint64("replica_stamp", stamp),
					zap.Uint64("expected_stamp", block.GenerationStamp))
				continue
			}
			valid = append(valid, replica{node: node, length: length})
		}
	}

	// The caller holds the file lock, so the entry cannot change under us
	// between the check and the apply below.
	c.mu.RLock()
	entry, ok := c.byID[fileID]
	if !ok || entry.State == types.FileComplete {
		c.mu.RUnlock()
		return nil
	}
	last := entry.LastBlock()
	if last == nil || last.ID != block.ID || last.State == types.BlockCommitted {
		c.mu.RUnlock()
		return nil
	}
	path := entry.Path
	c.mu.RUnlock()

	if len(valid) == 0 {
		if err := c.log.Append(metalog.OpAbandonBlock, metalog.AbandonBlockData{Path: path, BlockID: block.ID}); err != nil {
			return err
		}
		c.mu.Lock()
		entry.Blocks = entry.Blocks[:len(entry.Blocks)-1]
		c.mu.Unlock()
		c.metrics.BlocksAbandoned.Inc()
		c.logger.Warn("Block lost, no reachable replica",
			zap.String("path", path),
			zap.Uint64("block_id", uint64(block.ID)))
		return nil
	}

	agreed := valid[0].length
	for _, r := range valid[1:] {
		if r.length < agreed {
			agreed = r.length
		}
	}

	c.mu.Lock()
	stamp := c.nextGenerationStampLocked()
	c.mu.Unlock()

	survivors := make([]types.NodeID, 0, len(valid))
	for _, r := range valid {
		if c.datanodes != nil {
			if err := c.datanodes.Truncate(r.node, block.ID, agreed, stamp); err != nil {
				c.logger.Warn("Replica truncate failed during recovery",
					zap.Uint64("block_id", uint64(block.ID)),
					zap.String("node", string(r.node)),
					zap.Error(err))
				continue
			}
		}
		survivors = append(survivors, r.node)
	}
	if len(survivors) == 0 {
		return fmt.Errorf("recovery of block %d: every replica failed truncation", block.ID)
	}

	if err := c.log.Append(metalog.OpUpdateBlock, metalog.UpdateBlockData{
		Path:            path,
		BlockID:         block.ID,
		GenerationStamp: stamp,
		Length:          agreed,
		Locations:       survivors,
		Committed:       true,
	}); err != nil {
		return err
	}

	c.mu.Lock()
	last.GenerationStamp = stamp
	last.Length = agreed
	last.Locations = survivors
	last.State = types.BlockCommitted
	entry.Modified = c.clock.Now()
	c.mu.Unlock()

	c.logger.Info("Block settled",
		zap.String("path", path),
		zap.Uint64("block_id", uint64(block.ID)),
		zap.Int64("length", agreed),
		zap.Int("replicas", len(survivors)))
	return nil
}

func (c *Coordinator) finalizeRecovered(fileID types.FileID) error {
	c.mu.RLock()
	entry, ok := c.byID[fileID]
	if !ok || entry.State == types.FileComplete {
		c.mu.RUnlock()
		return nil
	}
	path := entry.Path
	holder := entry.Holder
	c.mu.RUnlock()

	if err := c.log.Append(metalog.OpCompleteFile, metalog.CompleteFileData{Path: path, FileID: fileID}); err != nil {
		return err
	}

	c.mu.Lock()
	entry.State = types.FileComplete
	entry.Holder = ""
	entry.Modified = c.clock.Now()
	length := entry.CommittedLength()
	c.mu.Unlock()

	if holder != "" {
		c.leases.Release(holder, fileID)
	}

	c.metrics.LeaseRecoveries.Inc()
	c.metrics.FilesUnderConstruction.Dec()
	c.metrics.ActiveLeases.Set(float64(c.leases.ActiveCount()))

	c.logger.Info("Write session recovered",
		zap.String("path", path),
		zap.Uint64("file_id", uint64(fileID)),
		zap.String("former_holder", string(holder)),
		zap.Int64("length", length))
	return nil
}
