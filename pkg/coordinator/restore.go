package coordinator

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"tidefs/pkg/metalog"
	"tidefs/pkg/types"
)

// load restores namespace state from the latest snapshot and replays the
// write-ahead log on top of it. Leases are never restored: files that were
// under construction come back with no holder, and writers must Reopen or
// take the lease over.
func (c *Coordinator) load() error {
	snap, err := metalog.LoadLatestSnapshot(c.settings.DataDir)
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	if snap != nil {
		c.directories = snap.Directories
		c.files = snap.Files
		if _, ok := c.directories["/"]; !ok {
			c.initializeRoot()
		}
		c.nextFileID = snap.Counters.NextFileID
		c.nextBlockID = snap.Counters.NextBlockID
		c.generationStamp = snap.Counters.GenerationStamp
	}

	entries, err := metalog.Replay(c.settings.DataDir, c.logger.Named("metalog"))
	if err != nil {
		return fmt.Errorf("failed to replay metalog: %w", err)
	}
	for _, entry := range entries {
		if err := c.applyEntry(entry); err != nil {
			c.logger.Warn("Skipping unreplayable metalog entry",
				zap.String("op", string(entry.Op)),
				zap.Error(err))
		}
	}

	c.byID = make(map[types.FileID]*types.FileEntry, len(c.files))
	for _, f := range c.files {
		f.Holder = ""
		c.byID[f.ID] = f
		c.observeIDs(uint64(f.ID), 0)
		for _, b := range f.Blocks {
			c.observeIDs(0, uint64(b.ID))
			if b.GenerationStamp > c.generationStamp {
				c.generationStamp = b.GenerationStamp
			}
		}
	}

	uc := 0
	for _, f := range c.files {
		if f.State == types.FileUnderConstruction {
			uc++
		}
	}
	c.metrics.FilesUnderConstruction.Set(float64(uc))

	c.logger.Info("Metadata restored",
		zap.Bool("from_snapshot", snap != nil),
		zap.Int("replayed_entries", len(entries)),
		zap.Int("files", len(c.files)),
		zap.Int("directories", len(c.directories)))
	return nil
}

// observeIDs keeps the allocation counters ahead of every id seen during
// replay, so a crash between a logged allocation and a logged counter update
// can never hand out a duplicate.
func (c *Coordinator) observeIDs(fileID, blockID uint64) {
	if fileID >= c.nextFileID {
		c.nextFileID = fileID + 1
	}
	if blockID >= c.nextBlockID {
		c.nextBlockID = blockID + 1
	}
}

func (c *Coordinator) applyEntry(entry metalog.Entry) error {
	switch entry.Op {
	case metalog.OpMkdir:
		var d metalog.MkdirData
		if err := json.Unmarshal(entry.Data, &d); err != nil {
			return err
		}
		return c.applyMkdir(d)
	case metalog.OpCreateFile:
		var d metalog.CreateFileData
		if err := json.Unmarshal(entry.Data, &d); err != nil {
			return err
		}
		return c.applyCreateFile(d)
	case metalog.OpDeleteFile:
		var d metalog.DeleteFileData
		if err := json.Unmarshal(entry.Data, &d); err != nil {
			return err
		}
		return c.applyDeleteFile(d)
	case metalog.OpRenameFile:
		var d metalog.RenameData
		if err := json.Unmarshal(entry.Data, &d); err != nil {
			return err
		}
		return c.applyRename(d)
	case metalog.OpAddBlock:
		var d metalog.AddBlockData
		if err := json.Unmarshal(entry.Data, &d); err != nil {
			return err
		}
		return c.applyAddBlock(d)
	case metalog.OpUpdateBlock:
		var d metalog.UpdateBlockData
		if err := json.Unmarshal(entry.Data, &d); err != nil {
			return err
		}
		return c.applyUpdateBlock(d)
	case metalog.OpCommitBlock:
		var d metalog.CommitBlockData
		if err := json.Unmarshal(entry.Data, &d); err != nil {
			return err
		}
		return c.applyCommitBlock(d)
	case metalog.OpAbandonBlock:
		var d metalog.AbandonBlockData
		if err := json.Unmarshal(entry.Data, &d); err != nil {
			return err
		}
		return c.applyAbandonBlock(d)
	case metalog.OpCompleteFile:
		var d metalog.CompleteFileData
		if err := json.Unmarshal(entry.Data, &d); err != nil {
			return err
		}
		return c.applyCompleteFile(d)
	default:
		return fmt.Errorf("unknown op %q", entry.Op)
	}
}

func (c *Coordinator) applyMkdir(d metalog.MkdirData) error {
	if _, exists := c.directories[d.Path]; exists {
		return nil
	}
	parent := parentOf(d.Path)
	if _, ok := c.directories[parent]; !ok {
		// Tolerate a missing intermediate from a torn recursive mkdir.
		if err := c.applyMkdir(metalog.MkdirData{Path: parent, Mode: d.Mode}); err != nil {
			return err
		}
	}
	c.directories[d.Path] = &types.Directory{
		Path:     d.Path,
		Parent:   parent,
		Children: []string{},
		Mode:     d.Mode,
		Modified: c.clock.Now(),
	}
	c.addChildLocked(parent, d.Path)
	return nil
}

func (c *Coordinator) applyCreateFile(d metalog.CreateFileData) error {
	if old, exists := c.files[d.Path]; exists {
		if !d.Overwrite {
			return fmt.Errorf("create replay hit existing file %s", d.Path)
		}
		delete(c.files, d.Path)
		delete(c.byID, old.ID)
	}
	parent := parentOf(d.Path)
	if _, ok := c.directories[parent]; !ok {
		return fmt.Errorf("parent %s missing for %s", parent, d.Path)
	}
	mode := d.Mode
	if mode == 0 {
		mode = 0644
	}
	entry := &types.FileEntry{
		ID:          d.FileID,
		Path:        d.Path,
		Replication: d.Replication,
		BlockSize:   d.BlockSize,
		Blocks:      []*types.BlockRecord{},
		State:       types.FileUnderConstruction,
		Mode:        mode,
		Modified:    c.clock.Now(),
	}
	c.files[d.Path] = entry
	c.addChildLocked(parent, d.Path)
	c.observeIDs(uint64(d.FileID), 0)
	return nil
}

func (c *Coordinator) applyDeleteFile(d metalog.DeleteFileData) error {
	entry, ok := c.files[d.Path]
	if !ok {
		return nil
	}
	delete(c.files, d.Path)
	delete(c.byID, entry.ID)
	c.removeChildLocked(parentOf(d.Path), d.Path)
	return nil
}

func (c *Coordinator) applyRename(d metalog.RenameData) error {
	entry, ok := c.files[d.OldPath]
	if !ok {
		return fmt.Errorf("rename replay: %s not found", d.OldPath)
	}
	delete(c.files, d.OldPath)
	c.removeChildLocked(parentOf(d.OldPath), d.OldPath)
	entry.Path = d.NewPath
	c.files[d.NewPath] = entry
	c.addChildLocked(parentOf(d.NewPath), d.NewPath)
	return nil
}

func (c *Coordinator) applyAddBlock(d metalog.AddBlockData) error {
	entry, ok := c.files[d.Path]
	if !ok {
		return fmt.Errorf("addBlock replay: %s not found", d.Path)
	}
	entry.Blocks = append(entry.Blocks, &types.BlockRecord{
		ID:              d.BlockID,
		GenerationStamp: d.GenerationStamp,
		Locations:       d.Locations,
		State:           types.BlockAllocating,
	})
	c.observeIDs(0, uint64(d.BlockID))
	if d.GenerationStamp > c.generationStamp {
		c.generationStamp = d.GenerationStamp
	}
	return nil
}

func (c *Coordinator) applyUpdateBlock(d metalog.UpdateBlockData) error {
	entry, ok := c.files[d.Path]
	if !ok {
		return fmt.Errorf("updateBlock replay: %s not found", d.Path)
	}
	for _, b := range entry.Blocks {
		if b.ID == d.BlockID {
			b.GenerationStamp = d.GenerationStamp
			b.Locations = d.Locations
			if d.Committed {
				b.Length = d.Length
				b.State = types.BlockCommitted
			}
			if d.GenerationStamp > c.generationStamp {
				c.generationStamp = d.GenerationStamp
			}
			return nil
		}
	}
	return fmt.Errorf("updateBlock replay: block %d not in %s", d.BlockID, d.Path)
}

func (c *Coordinator) applyCommitBlock(d metalog.CommitBlockData) error {
	entry, ok := c.files[d.Path]
	if !ok {
		return fmt.Errorf("commitBlock replay: %s not found", d.Path)
	}
	for _, b := range entry.Blocks {
		if b.ID == d.BlockID {
			b.Length = d.Length
			b.GenerationStamp = d.GenerationStamp
			b.State = types.BlockCommitted
			if d.GenerationStamp > c.generationStamp {
				c.generationStamp = d.GenerationStamp
			}
			return nil
		}
	}
	return fmt.Errorf("commitBlock replay: block %d not in %s", d.BlockID, d.Path)
}

func (c *Coordinator) applyAbandonBlock(d metalog.AbandonBlockData) error {
	entry, ok := c.files[d.Path]
	if !ok {
		return fmt.Errorf("abandonBlock replay: %s not found", d.Path)
	}
	for i, b := range entry.Blocks {
		if b.ID == d.BlockID {
			entry.Blocks = append(entry.Blocks[:i], entry.Blocks[i+1:]...)
			return nil
		}
	}
	return nil
}

func (c *Coordinator) applyCompleteFile(d metalog.CompleteFileData) error {
	entry, ok := c.files[d.Path]
	if !ok {
		return fmt.Errorf("complete replay: %s not found", d.Path)
	}
	entry.State = types.FileComplete
	entry.Holder = ""
	for _, b := range entry.Blocks {
		b.State = types.BlockCommitted
	}
	return nil
}

