package coordinator

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"tidefs/pkg/metalog"
	"tidefs/pkg/types"
)

// CreateOptions control file creation. Zero values fall back to the
// coordinator defaults.
type CreateOptions struct {
	Overwrite   bool
	Recursive   bool
	Replication int
	BlockSize   int64
	Mode        os.FileMode
}

// Create opens a new file for write and grants holder the lease on it.
//
// An existing complete file at path fails with ErrFileAlreadyExists unless
// Overwrite is set. An existing under-construction file fails with
// ErrAlreadyBeingCreated unless Overwrite is set; Overwrite supersedes the
// current writer unconditionally, revoking its lease and discarding its
// blocks. When the blocking writer's lease has passed the soft limit, the
// failed call also kicks off recovery so a retry finds the file closed.
func (c *Coordinator) Create(path string, holder types.HolderID, opts CreateOptions) (types.FileID, error) {
	if !validPath(path) {
		c.metrics.CreateFailures.Inc()
		return 0, fmt.Errorf("%w: %s", types.ErrInvalidPath, path)
	}
	if holder == "" {
		c.metrics.CreateFailures.Inc()
		return 0, fmt.Errorf("%w: empty holder", types.ErrInvalidPath)
	}

	replication := opts.Replication
	if replication == 0 {
		replication = c.settings.DefaultReplication
	}
	blockSize := opts.BlockSize
	if blockSize == 0 {
		blockSize = c.settings.DefaultBlockSize
	}
	mode := opts.Mode
	if mode == 0 {
		mode = 0644
	}

retry:
	oldLock, oldID := c.lockPathOccupant(path)

	c.mu.Lock()

	if _, ok := c.directories[path]; ok {
		c.mu.Unlock()
		if oldLock != nil {
			oldLock.Unlock()
		}
		c.metrics.CreateFailures.Inc()
		return 0, fmt.Errorf("%w: %s is a directory", types.ErrFileAlreadyExists, path)
	}

	old, occupied := c.files[path]
	if occupied && oldLock == nil {
		// The path was taken between resolution and locking.
		c.mu.Unlock()
		goto retry
	}

	var superseded *types.FileEntry
	if occupied {
		if !opts.Overwrite {
			if old.State == types.FileUnderConstruction {
				oldHolder := old.Holder
				softExpired := c.leases.SoftExpired(old.ID)
				c.mu.Unlock()
				oldLock.Unlock()
				if softExpired {
					if err := c.RecoverFile(oldID); err != nil {
						c.logger.Warn("Recovery of soft-expired file failed",
							zap.String("path", path), zap.Error(err))
					}
				}
				c.metrics.CreateFailures.Inc()
				return 0, fmt.Errorf("%w: %s by %s", types.ErrAlreadyBeingCreated, path, oldHolder)
			}
			c.mu.Unlock()
			oldLock.Unlock()
			c.metrics.CreateFailures.Inc()
			return 0, fmt.Errorf("%w: %s", types.ErrFileAlreadyExists, path)
		}
		superseded = old
	}

	if err := c.checkParentLocked(path); err != nil {
		if opts.Recursive && errors.Is(err, types.ErrParentNotFound) {
			if mkErr := c.mkdirLocked(parentOf(path), 0755, true); mkErr != nil {
				c.mu.Unlock()
				if oldLock != nil {
					oldLock.Unlock()
				}
				c.metrics.CreateFailures.Inc()
				return 0, mkErr
			}
		} else {
			c.mu.Unlock()
			if oldLock != nil {
				oldLock.Unlock()
			}
			c.metrics.CreateFailures.Inc()
			return 0, err
		}
	}

	id := types.FileID(c.nextFileID)
	c.nextFileID++

	entry := &types.FileEntry{
		ID:          id,
		Path:        path,
		Replication: replication,
		BlockSize:   blockSize,
		Blocks:      []*types.BlockRecord{},
		State:       types.FileUnderConstruction,
		Holder:      holder,
		Mode:        mode,
		Modified:    c.clock.Now(),
	}

	// Inserting the entry reserves the path; the new file's lock is taken
	// before anything else can resolve the fresh id, so operations on it
	// queue up behind the log append below.
	newLock := c.getFileLock(id)
	newLock.Lock()
	c.files[path] = entry
	c.byID[id] = entry
	c.addChildLocked(parentOf(path), path)
	if err := c.leases.Acquire(holder, id); err != nil {
		// Unreachable for a freshly minted id; fail loudly if it is not.
		delete(c.files, path)
		delete(c.byID, id)
		c.removeChildLocked(parentOf(path), path)
		c.mu.Unlock()
		newLock.Unlock()
		c.dropFileLock(id)
		if oldLock != nil {
			oldLock.Unlock()
		}
		return 0, err
	}
	c.mu.Unlock()

	if err := c.log.Append(metalog.OpCreateFile, metalog.CreateFileData{
		FileID:      id,
		Path:        path,
		Replication: replication,
		BlockSize:   blockSize,
		Mode:        mode,
		Overwrite:   superseded != nil,
	}); err != nil {
		c.mu.Lock()
		delete(c.byID, id)
		if superseded != nil {
			c.files[path] = superseded
		} else {
			delete(c.files, path)
			c.removeChildLocked(parentOf(path), path)
		}
		c.mu.Unlock()
		c.leases.Release(holder, id)
		newLock.Unlock()
		c.dropFileLock(id)
		if oldLock != nil {
			oldLock.Unlock()
		}
		c.metrics.CreateFailures.Inc()
		return 0, err
	}
	newLock.Unlock()

	if superseded != nil {
		c.mu.Lock()
		delete(c.byID, superseded.ID)
		oldHolder := superseded.Holder
		wasUC := superseded.State == types.FileUnderConstruction
		oldBlocks := make([]*types.BlockRecord, len(superseded.Blocks))
		for i, b := range superseded.Blocks {
			oldBlocks[i] = b.Clone()
		}
		c.mu.Unlock()

		if oldHolder != "" {
			c.leases.Release(oldHolder, superseded.ID)
		}
		oldLock.Unlock()
		c.dropFileLock(superseded.ID)
		c.deleteReplicas(oldBlocks)
		if wasUC {
			c.metrics.FilesUnderConstruction.Dec()
		}
	}

	c.metrics.CreateOps.Inc()
	c.metrics.LeasesAcquired.Inc()
	c.metrics.FilesUnderConstruction.Inc()
	c.metrics.ActiveLeases.Set(float64(c.leases.ActiveCount()))

	c.logger.Info("File created",
		zap.String("path", path),
		zap.Uint64("file_id", uint64(id)),
		zap.String("holder", string(holder)),
		zap.Bool("overwrite", superseded != nil))
	return id, nil
}

// AddBlock allocates the next block of the file and places its replica
// pipeline. The previous block must already be committed; fewer live nodes
// than the replication minimum fails without mutating any state.
func (c *Coordinator) AddBlock(path string, holder types.HolderID, exclude []types.NodeID) (*types.BlockRecord, error) {
	_, fileLock, err := c.lockFile(path)
	if err != nil {
		return nil, err
	}
	defer fileLock.Unlock()

	c.mu.RLock()
	entry := c.files[path]
	if entry.State != types.FileUnderConstruction || !c.leases.Holds(holder, entry.ID) {
		c.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", types.ErrNoLeaseHeld, path)
	}
	if last := entry.LastBlock(); last != nil && last.State != types.BlockCommitted {
		lastID := last.ID
		c.mu.RUnlock()
		return nil, fmt.Errorf("%w: block %d of %s", types.ErrPendingBlockExists, lastID, path)
	}
	replication := entry.Replication
	c.mu.RUnlock()
	c.leases.Renew(holder)

	pipeline := c.placement.Place(replication, exclude)
	if len(pipeline) < c.minReplicas() {
		c.metrics.PlacementFailures.Inc()
		return nil, fmt.Errorf("%w: need %d, placed %d", types.ErrNotEnoughReplicas, c.minReplicas(), len(pipeline))
	}

	c.mu.Lock()
	blockID := types.BlockID(c.nextBlockID)
	c.nextBlockID++
	stamp := c.nextGenerationStampLocked()
	c.mu.Unlock()

	if err := c.log.Append(metalog.OpAddBlock, metalog.AddBlockData{
		Path:            path,
		BlockID:         blockID,
		GenerationStamp: stamp,
		Locations:       pipeline,
	}); err != nil {
		return nil, err
	}

	block := &types.BlockRecord{
		ID:              blockID,
		GenerationStamp: stamp,
		Locations:       pipeline,
		State:           types.BlockAllocating,
	}
	c.mu.Lock()
	entry.Blocks = append(entry.Blocks, block)
	entry.Modified = c.clock.Now()
	c.mu.Unlock()

	c.metrics.AddBlockOps.Inc()
	c.metrics.BlocksAllocated.Inc()

	c.logger.Debug("Block allocated",
		zap.String("path", path),
		zap.Uint64("block_id", uint64(blockID)),
		zap.Uint64("generation_stamp", stamp),
		zap.Int("pipeline_size", len(pipeline)))
	return block.Clone(), nil
}

// CommitBlock records the final length of the file's last block once every
// pipeline node has acknowledged the bytes. Committing an already committed
// block with the same length is a no-op.
func (c *Coordinator) CommitBlock(path string, holder types.HolderID, blockID types.BlockID, length int64) error {
	_, fileLock, err := c.lockFile(path)
	if err != nil {
		return err
	}
	defer fileLock.Unlock()

	c.mu.RLock()
	entry := c.files[path]
	if entry.State != types.FileUnderConstruction || !c.leases.Holds(holder, entry.ID) {
		c.mu.RUnlock()
		return fmt.Errorf("%w: %s", types.ErrNoLeaseHeld, path)
	}
	last := entry.LastBlock()
	if last == nil || last.ID != blockID {
		c.mu.RUnlock()
		return fmt.Errorf("%w: block %d is not the last block of %s", types.ErrFileNotFound, blockID, path)
	}
	if last.State == types.BlockCommitted {
		committedLength := last.Length
		c.mu.RUnlock()
		if committedLength == length {
			return nil
		}
		return fmt.Errorf("block %d of %s already committed at length %d", blockID, path, committedLength)
	}
	stamp := last.GenerationStamp
	c.mu.RUnlock()
	c.leases.Renew(holder)

	if err := c.log.Append(metalog.OpCommitBlock, metalog.CommitBlockData{
		Path:            path,
		BlockID:         blockID,
		Length:          length,
		GenerationStamp: stamp,
	}); err != nil {
		return err
	}

	c.mu.Lock()
	last.Length = length
	last.State = types.BlockCommitted
	entry.Modified = c.clock.Now()
	c.mu.Unlock()

	c.logger.Debug("Block committed",
		zap.String("path", path),
		zap.Uint64("block_id", uint64(blockID)),
		zap.Int64("length", length))
	return nil
}

// AbandonBlock discards the file's last, uncommitted block, typically after
// the client lost its whole pipeline. The next AddBlock starts fresh.
func (c *Coordinator) AbandonBlock(path string, holder types.HolderID, blockID types.BlockID) error {
	_, fileLock, err := c.lockFile(path)
	if err != nil {
		return err
	}
	defer fileLock.Unlock()

	c.mu.RLock()
	entry := c.files[path]
	if entry.State != types.FileUnderConstruction || !c.leases.Holds(holder, entry.ID) {
		c.mu.RUnlock()
		return fmt.Errorf("%w: %s", types.ErrNoLeaseHeld, path)
	}
	last := entry.LastBlock()
	if last == nil || last.ID != blockID {
		c.mu.RUnlock()
		return fmt.Errorf("%w: block %d is not the last block of %s", types.ErrFileNotFound, blockID, path)
	}
	if last.State == types.BlockCommitted {
		c.mu.RUnlock()
		return fmt.Errorf("cannot abandon committed block %d of %s", blockID, path)
	}
	abandoned := last.Clone()
	c.mu.RUnlock()
	c.leases.Renew(holder)

	if err := c.log.Append(metalog.OpAbandonBlock, metalog.AbandonBlockData{Path: path, BlockID: blockID}); err != nil {
		return err
	}

	c.mu.Lock()
	entry.Blocks = entry.Blocks[:len(entry.Blocks)-1]
	entry.Modified = c.clock.Now()
	c.mu.Unlock()

	c.metrics.BlocksAbandoned.Inc()
	c.deleteReplicas([]*types.BlockRecord{abandoned})

	c.logger.Info("Block abandoned",
		zap.String("path", path),
		zap.Uint64("block_id", uint64(blockID)))
	return nil
}

// Complete finalizes the file and releases the lease. It returns false,
// with no error, while the last block has fewer confirmed replicas than the
// replication minimum; the client retries until the pipeline catches up.
// fileID, when nonzero, guards against the path having been reassigned to a
// different file since the session opened.
func (c *Coordinator) Complete(path string, holder types.HolderID, fileID types.FileID) (bool, error) {
	id, fileLock, err := c.lockFile(path)
	if err != nil {
		return false, err
	}
	defer fileLock.Unlock()

	if fileID != 0 && id != fileID {
		return false, fmt.Errorf("%w: %s is no longer file %d", types.ErrFileNotFound, path, fileID)
	}

	c.mu.RLock()
	entry := c.files[path]
	if entry.State == types.FileComplete {
		c.mu.RUnlock()
		return true, nil
	}
	if !c.leases.Holds(holder, id) {
		c.mu.RUnlock()
		return false, fmt.Errorf("%w: %s", types.ErrNoLeaseHeld, path)
	}
	var lastCopy *types.BlockRecord
	if last := entry.LastBlock(); last != nil {
		if last.State != types.BlockCommitted {
			lastID := last.ID
			c.mu.RUnlock()
			return false, fmt.Errorf("%w: block %d of %s", types.ErrPendingBlockExists, lastID, path)
		}
		lastCopy = last.Clone()
	}
	c.mu.RUnlock()
	c.leases.Renew(holder)

	if lastCopy != nil && c.confirmedReplicas(lastCopy) < c.minReplicas() {
		return false, nil
	}

	if err := c.log.Append(metalog.OpCompleteFile, metalog.CompleteFileData{Path: path, FileID: id}); err != nil {
		return false, err
	}

	c.mu.Lock()
	entry.State = types.FileComplete
	entry.Holder = ""
	entry.Modified = c.clock.Now()
	c.mu.Unlock()

	c.leases.Release(holder, id)
	c.dropFileLock(id)
	c.metrics.CompleteOps.Inc()
	c.metrics.FilesUnderConstruction.Dec()
	c.metrics.ActiveLeases.Set(float64(c.leases.ActiveCount()))

	c.logger.Info("File completed",
		zap.String("path", path),
		zap.Uint64("file_id", uint64(id)),
		zap.String("holder", string(holder)))
	return true, nil
}

func (c *Coordinator) minReplicas() int {
	if c.settings.ReplicationMin < 1 {
		return 1
	}
	return c.settings.ReplicationMin
}

// confirmedReplicas counts pipeline nodes that are alive and, when a
// datanode client is wired, actually hold the block at the expected
// generation stamp and length.
func (c *Coordinator) confirmedReplicas(b *types.BlockRecord) int {
	confirmed := 0
	for _, node := range b.Locations {
		if n, ok := c.registry.Get(node); !ok || n.Liveness == types.NodeDead {
			continue
		}
		if c.datanodes != nil {
			length, stamp, err := c.datanodes.ReplicaInfo(node, b.ID)
			if err != nil || stamp != b.GenerationStamp || length < b.Length {
				continue
			}
		}
		confirmed++
	}
	return confirmed
}

// GetBlockLocations returns the committed blocks overlapping the byte range
// [offset, offset+length).
func (c *Coordinator) GetBlockLocations(path string, offset, length int64) ([]*types.BlockRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, err := c.resolveFileLocked(path)
	if err != nil {
		return nil, err
	}

	var out []*types.BlockRecord
	var pos int64
	end := offset + length
	for _, b := range entry.Blocks {
		if b.State != types.BlockCommitted {
			break
		}
		blockEnd := pos + b.Length
		if blockEnd > offset && pos < end {
			out = append(out, b.Clone())
		}
		pos = blockEnd
		if pos >= end {
			break
		}
	}
	return out, nil
}

// RenewLease resets the expiry clock for every file holder has open.
func (c *Coordinator) RenewLease(holder types.HolderID) {
	c.leases.Renew(holder)
}

// ReleaseLease gives up holder's lease on path, finalizing whatever is
// durably committed via recovery.
func (c *Coordinator) ReleaseLease(path string, holder types.HolderID) error {
	c.mu.RLock()
	entry, err := c.resolveFileLocked(path)
	if err != nil {
		c.mu.RUnlock()
		return err
	}
	id := entry.ID
	c.mu.RUnlock()

	if !c.leases.Holds(holder, id) {
		return fmt.Errorf("%w: %s", types.ErrNoLeaseHeld, path)
	}
	if err := c.RecoverFile(id); err != nil {
		return err
	}
	c.leases.Release(holder, id)
	c.metrics.ActiveLeases.Set(float64(c.leases.ActiveCount()))
	return nil
}

// Reopen reattaches a writer to a file left under construction, typically
// after a coordinator restart wiped the lease table. fileID must match the
// session's original grant.
func (c *Coordinator) Reopen(path string, holder types.HolderID, fileID types.FileID) error {
	id, fileLock, err := c.lockFile(path)
	if err != nil {
		return err
	}
	defer fileLock.Unlock()

	if id != fileID {
		return fmt.Errorf("%w: %s is no longer file %d", types.ErrFileNotFound, path, fileID)
	}

	c.mu.Lock()
	entry := c.files[path]
	if entry.State != types.FileUnderConstruction {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", types.ErrFileAlreadyExists, path)
	}
	if err := c.leases.Acquire(holder, id); err != nil {
		c.mu.Unlock()
		return err
	}
	entry.Holder = holder
	c.mu.Unlock()

	c.metrics.LeasesAcquired.Inc()
	c.metrics.ActiveLeases.Set(float64(c.leases.ActiveCount()))
	c.logger.Info("Write session reopened",
		zap.String("path", path),
		zap.Uint64("file_id", uint64(fileID)),
		zap.String("holder", string(holder)))
	return nil
}

// ReportPipelineFailure replaces a failed node in the last block's pipeline
// and bumps the generation stamp so any bytes left on the failed node are
// recognizably stale. The returned record carries the new pipeline and stamp
// for the client to resume with.
func (c *Coordinator) ReportPipelineFailure(path string, holder types.HolderID, blockID types.BlockID, failed types.NodeID) (*types.BlockRecord, error) {
	c.registry.MarkDead(failed)

	_, fileLock, err := c.lockFile(path)
	if err != nil {
		return nil, err
	}
	defer fileLock.Unlock()

	c.mu.RLock()
	entry := c.files[path]
	if entry.State != types.FileUnderConstruction || !c.leases.Holds(holder, entry.ID) {
		c.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", types.ErrNoLeaseHeld, path)
	}
	last := entry.LastBlock()
	if last == nil || last.ID != blockID {
		c.mu.RUnlock()
		return nil, fmt.Errorf("%w: block %d is not the last block of %s", types.ErrFileNotFound, blockID, path)
	}
	if last.State == types.BlockCommitted {
		c.mu.RUnlock()
		return nil, fmt.Errorf("block %d of %s already committed", blockID, path)
	}
	locations := append([]types.NodeID(nil), last.Locations...)
	c.mu.RUnlock()
	c.leases.Renew(holder)

	pipeline := c.placement.Substitute(locations, failed)
	if len(pipeline) == 0 {
		c.mu.Lock()
		last.State = types.BlockUnderRecovery
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: pipeline for block %d lost entirely", types.ErrNotEnoughReplicas, blockID)
	}

	c.mu.Lock()
	stamp := c.nextGenerationStampLocked()
	c.mu.Unlock()

	if err := c.log.Append(metalog.OpUpdateBlock, metalog.UpdateBlockData{
		Path:            path,
		BlockID:         blockID,
		GenerationStamp: stamp,
		Locations:       pipeline,
	}); err != nil {
		return nil, err
	}

	c.mu.Lock()
	last.GenerationStamp = stamp
	last.Locations = pipeline
	last.State = types.BlockAllocating
	repaired := last.Clone()
	c.mu.Unlock()

	c.logger.Info("Pipeline repaired",
		zap.String("path", path),
		zap.Uint64("block_id", uint64(blockID)),
		zap.String("failed_node", string(failed)),
		zap.Uint64("generation_stamp", stamp),
		zap.Int("pipeline_size", len(pipeline)))
	return repaired, nil
}
