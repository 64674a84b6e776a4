package coordinator

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"

	"tidefs/pkg/metalog"
	"tidefs/pkg/types"
)

// The coordinator only accepts canonical paths: absolute, no trailing slash
// (root excepted), no empty, "." or ".." components. Clients normalize before
// sending; anything else is rejected outright.
func validPath(p string) bool {
	if p == "" || p[0] != '/' {
		return false
	}
	if p == "/" {
		return true
	}
	if strings.HasSuffix(p, "/") {
		return false
	}
	for _, seg := range strings.Split(p[1:], "/") {
		if seg == "" || seg == "." || seg == ".." {
			return false
		}
	}
	return true
}

func parentOf(p string) string {
	idx := strings.LastIndexByte(p, '/')
	if idx <= 0 {
		return "/"
	}
	return p[:idx]
}

func (c *Coordinator) addChildLocked(parent, child string) {
	dir, ok := c.directories[parent]
	if !ok {
		return
	}
	for _, existing := range dir.Children {
		if existing == child {
			return
		}
	}
	dir.Children = append(dir.Children, child)
	dir.Modified = c.clock.Now()
}

func (c *Coordinator) removeChildLocked(parent, child string) {
	dir, ok := c.directories[parent]
	if !ok {
		return
	}
	for i, existing := range dir.Children {
		if existing == child {
			dir.Children = append(dir.Children[:i], dir.Children[i+1:]...)
			dir.Modified = c.clock.Now()
			return
		}
	}
}

// checkParentLocked verifies that the parent of path exists and is a
// directory.
func (c *Coordinator) checkParentLocked(path string) error {
	parent := parentOf(path)
	if _, ok := c.directories[parent]; ok {
		return nil
	}
	if _, ok := c.files[parent]; ok {
		return fmt.Errorf("%w: %s", types.ErrParentNotDirectory, parent)
	}
	return fmt.Errorf("%w: %s", types.ErrParentNotFound, parent)
}

func (c *Coordinator) resolveFileLocked(path string) (*types.FileEntry, error) {
	if !validPath(path) {
		return nil, fmt.Errorf("%w: %s", types.ErrInvalidPath, path)
	}
	entry, ok := c.files[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrFileNotFound, path)
	}
	return entry, nil
}

// Mkdir creates a directory. It is idempotent: an existing directory at path
// is success. With recursive set, missing parents are created as well.
func (c *Coordinator) Mkdir(path string, mode os.FileMode, recursive bool) error {
	if !validPath(path) {
		return fmt.Errorf("%w: %s", types.ErrInvalidPath, path)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mkdirLocked(path, mode, recursive)
}

func (c *Coordinator) mkdirLocked(path string, mode os.FileMode, recursive bool) error {
	if _, ok := c.directories[path]; ok {
		return nil
	}
	if _, ok := c.files[path]; ok {
		return fmt.Errorf("%w: %s", types.ErrFileAlreadyExists, path)
	}

	var toCreate []string
	if recursive {
		for p := path; p != "/"; p = parentOf(p) {
			if _, ok := c.directories[p]; ok {
				break
			}
			if _, ok := c.files[p]; ok {
				return fmt.Errorf("%w: %s", types.ErrParentNotDirectory, p)
			}
			toCreate = append(toCreate, p)
		}
		// Reverse so parents are created before children.
		for i, j := 0, len(toCreate)-1; i < j; i, j = i+1, j-1 {
			toCreate[i], toCreate[j] = toCreate[j], toCreate[i]
		}
	} else {
		if err := c.checkParentLocked(path); err != nil {
			return err
		}
		toCreate = []string{path}
	}

	for _, p := range toCreate {
		if err := c.log.Append(metalog.OpMkdir, metalog.MkdirData{Path: p, Mode: mode}); err != nil {
			return err
		}
		parent := parentOf(p)
		c.directories[p] = &types.Directory{
			Path:     p,
			Parent:   parent,
			Children: []string{},
			Mode:     mode,
			Modified: c.clock.Now(),
		}
		c.addChildLocked(parent, p)
	}

	c.logger.Debug("Directory created", zap.String("path", path), zap.Bool("recursive", recursive))
	return nil
}

// Rename moves a file to a new path. The file keeps its id, its blocks and
// any active lease; only the namespace binding changes.
func (c *Coordinator) Rename(oldPath, newPath string) error {
	if !validPath(oldPath) {
		return fmt.Errorf("%w: %s", types.ErrInvalidPath, oldPath)
	}
	if !validPath(newPath) {
		return fmt.Errorf("%w: %s", types.ErrInvalidPath, newPath)
	}

	c.mu.RLock()
	_, isDir := c.directories[oldPath]
	c.mu.RUnlock()
	if isDir {
		return fmt.Errorf("renaming directories is not supported: %s", oldPath)
	}

	// The source file's lock keeps the rename ordered against in-flight
	// write-session records for the same file.
	_, fileLock, err := c.lockFile(oldPath)
	if err != nil {
		return err
	}
	defer fileLock.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.files[oldPath]
	if _, ok := c.files[newPath]; ok {
		return fmt.Errorf("%w: %s", types.ErrFileAlreadyExists, newPath)
	}
	if _, ok := c.directories[newPath]; ok {
		return fmt.Errorf("%w: %s", types.ErrFileAlreadyExists, newPath)
	}
	if err := c.checkParentLocked(newPath); err != nil {
		return err
	}

	if err := c.log.Append(metalog.OpRenameFile, metalog.RenameData{OldPath: oldPath, NewPath: newPath}); err != nil {
		return err
	}

	delete(c.files, oldPath)
	c.removeChildLocked(parentOf(oldPath), oldPath)
	entry.Path = newPath
	entry.Modified = c.clock.Now()
	c.files[newPath] = entry
	c.addChildLocked(parentOf(newPath), newPath)

	c.logger.Info("File renamed",
		zap.String("old_path", oldPath),
		zap.String("new_path", newPath),
		zap.Uint64("file_id", uint64(entry.ID)))
	return nil
}

// Delete removes a file from the namespace, releases any lease on it and
// asks the storage nodes to drop its replicas. Deleting a missing path is
// not an error.
func (c *Coordinator) Delete(path string) error {
	if !validPath(path) {
		return fmt.Errorf("%w: %s", types.ErrInvalidPath, path)
	}

	fileLock, id := c.lockPathOccupant(path)
	if fileLock == nil {
		return nil
	}

	if err := c.log.Append(metalog.OpDeleteFile, metalog.DeleteFileData{Path: path}); err != nil {
		fileLock.Unlock()
		return err
	}

	c.mu.Lock()
	entry := c.files[path]
	delete(c.files, path)
	delete(c.byID, id)
	c.removeChildLocked(parentOf(path), path)
	holder := entry.Holder
	wasUC := entry.State == types.FileUnderConstruction
	blocks := make([]*types.BlockRecord, len(entry.Blocks))
	for i, b := range entry.Blocks {
		blocks[i] = b.Clone()
	}
	c.mu.Unlock()

	if holder != "" {
		c.leases.Release(holder, id)
	}
	fileLock.Unlock()
	c.dropFileLock(id)
	c.deleteReplicas(blocks)
	if wasUC {
		c.metrics.FilesUnderConstruction.Dec()
	}

	c.logger.Info("File deleted",
		zap.String("path", path),
		zap.Uint64("file_id", uint64(id)),
		zap.Int("blocks", len(blocks)))
	return nil
}

// deleteReplicas is best effort: unreachable nodes will re-report the block
// later and be told again.
func (c *Coordinator) deleteReplicas(blocks []*types.BlockRecord) {
	if c.datanodes == nil {
		return
	}
	for _, b := range blocks {
		for _, node := range b.Locations {
			if err := c.datanodes.Delete(node, b.ID); err != nil {
				c.logger.Debug("Replica delete failed",
					zap.Uint64("block_id", uint64(b.ID)),
					zap.String("node", string(node)),
					zap.Error(err))
			}
		}
	}
}

// GetFileStatus returns the client-visible view of a file. Length counts
// committed bytes only.
func (c *Coordinator) GetFileStatus(path string) (*types.FileStatus, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, err := c.resolveFileLocked(path)
	if err != nil {
		return nil, err
	}
	return &types.FileStatus{
		Path:        entry.Path,
		FileID:      entry.ID,
		Length:      entry.CommittedLength(),
		Replication: entry.Replication,
		BlockSize:   entry.BlockSize,
		State:       entry.State,
		Modified:    entry.Modified,
	}, nil
}

// Exists reports whether path names a file or directory.
func (c *Coordinator) Exists(path string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.files[path]; ok {
		return true
	}
	_, ok := c.directories[path]
	return ok
}

// List returns the child paths of a directory, sorted.
func (c *Coordinator) List(path string) ([]string, error) {
	if !validPath(path) {
		return nil, fmt.Errorf("%w: %s", types.ErrInvalidPath, path)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	dir, ok := c.directories[path]
	if !ok {
		if _, isFile := c.files[path]; isFile {
			return nil, fmt.Errorf("%w: %s", types.ErrNotDirectory, path)
		}
		return nil, fmt.Errorf("%w: %s", types.ErrFileNotFound, path)
	}
	children := append([]string(nil), dir.Children...)
	sort.Strings(children)
	return children, nil
}
