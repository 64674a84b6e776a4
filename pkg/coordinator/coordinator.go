// Package coordinator implements the single authoritative metadata service
// for file creation and write leases: namespace, block allocation, write
// sessions, and lease-driven recovery. All state is reconstructed from the
// durable snapshot + write-ahead log on startup; leases are not preserved
// across restarts.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"tidefs/pkg/config"
	"tidefs/pkg/lease"
	"tidefs/pkg/metalog"
	"tidefs/pkg/placement"
	"tidefs/pkg/registry"
	"tidefs/pkg/types"
)

// DataNodeClient is the narrow control-plane surface the coordinator needs
// from storage nodes during recovery and garbage collection. Bulk data never
// flows through the coordinator.
type DataNodeClient interface {
	ReplicaInfo(node types.NodeID, blockID types.BlockID) (length int64, generationStamp uint64, err error)
	Truncate(node types.NodeID, blockID types.BlockID, length int64, generationStamp uint64) error
	Delete(node types.NodeID, blockID types.BlockID) error
}

type Coordinator struct {
	settings config.Settings
	logger   *zap.Logger
	clock    lease.Clock

	// Namespace state. directories and files are keyed by canonical path;
	// byID indexes files by their immutable id (rename-safe, I5).
	mu          sync.RWMutex
	directories map[string]*types.Directory
	files       map[string]*types.FileEntry
	byID        map[types.FileID]*types.FileEntry

	nextFileID      uint64
	nextBlockID     uint64
	generationStamp uint64

	// Per-file locks serialize every mutation of one file (write-session
	// ops, recovery, delete, rename, overwrite-create) while independent
	// files proceed in parallel. Lock order is file lock first, then c.mu;
	// write-session ops hold c.mu only for map and counter accesses, never
	// across a log append and its fsync. Mkdir and Rename keep their append
	// under c.mu: the destination check has no per-file lock to pin it.
	fileLockMu sync.Mutex
	fileLocks  map[types.FileID]*sync.Mutex

	leases    *lease.Manager
	registry  *registry.Registry
	placement *placement.Engine
	log       *metalog.Log
	datanodes DataNodeClient
	metrics   *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options carries the injected collaborators. Nil fields get defaults
// suitable for tests (system clock, discarded metrics).
type Options struct {
	Clock     lease.Clock
	DataNodes DataNodeClient
	Metrics   *Metrics
}

// New builds a coordinator, loading the latest snapshot and replaying the
// write-ahead log from settings.DataDir before it is ready to serve.
func New(settings config.Settings, reg *registry.Registry, logger *zap.Logger, opts Options) (*Coordinator, error) {
	clock := opts.Clock
	if clock == nil {
		clock = lease.SystemClock()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	log, err := metalog.Open(settings.DataDir)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		settings:        settings,
		logger:          logger,
		clock:           clock,
		directories:     make(map[string]*types.Directory),
		files:           make(map[string]*types.FileEntry),
		byID:            make(map[types.FileID]*types.FileEntry),
		nextFileID:      1,
		nextBlockID:     1,
		generationStamp: 1,
		fileLocks:       make(map[types.FileID]*sync.Mutex),
		leases:          lease.NewManager(settings.LeaseSoftLimit, settings.LeaseHardLimit, clock, logger.Named("lease")),
		registry:        reg,
		placement:       placement.NewEngine(reg, logger.Named("placement")),
		log:             log,
		datanodes:       opts.DataNodes,
		metrics:         metrics,
		ctx:             ctx,
		cancel:          cancel,
	}

	c.initializeRoot()
	if err := c.load(); err != nil {
		log.Close()
		cancel()
		return nil, err
	}

	return c, nil
}

// Start launches the background sweep and node-health loops.
func (c *Coordinator) Start() {
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.leases.Run(c.ctx, c.settings.LeaseSweepInterval, c.RecoverFile)
	}()
	go func() {
		defer c.wg.Done()
		c.nodeHealthLoop()
	}()
	c.logger.Info("Coordinator started",
		zap.Duration("lease_soft_limit", c.settings.LeaseSoftLimit),
		zap.Duration("lease_hard_limit", c.settings.LeaseHardLimit))
}

// Stop halts background loops, takes a final snapshot and closes the log.
func (c *Coordinator) Stop() error {
	c.cancel()
	c.wg.Wait()

	if err := c.SaveSnapshot(); err != nil {
		c.logger.Error("Failed to save shutdown snapshot", zap.Error(err))
	}
	return c.log.Close()
}

// LeaseManager exposes the lease table, mainly so tests can shrink limits
// and drive sweeps deterministically.
func (c *Coordinator) LeaseManager() *lease.Manager { return c.leases }

func (c *Coordinator) nodeHealthLoop() {
	ticker := time.NewTicker(c.settings.NodeStaleAfter / 2)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.registry.CheckLiveness()
		}
	}
}

func (c *Coordinator) initializeRoot() {
	c.directories["/"] = &types.Directory{
		Path:     "/",
		Parent:   "",
		Children: []string{},
		Mode:     0755,
		Modified: c.clock.Now(),
	}
}

// getFileLock returns the mutex serializing write-session mutations for one
// file, creating it on first use.
func (c *Coordinator) getFileLock(id types.FileID) *sync.Mutex {
	c.fileLockMu.Lock()
	defer c.fileLockMu.Unlock()

	l, ok := c.fileLocks[id]
	if !ok {
		l = &sync.Mutex{}
		c.fileLocks[id] = l
	}
	return l
}

func (c *Coordinator) dropFileLock(id types.FileID) {
	c.fileLockMu.Lock()
	defer c.fileLockMu.Unlock()
	delete(c.fileLocks, id)
}

// lockRegistered locks l and confirms it is still the lock registered for
// id. A completed or deleted file drops its lock from the map, so a waiter
// that acquires the stale mutex must start over.
func (c *Coordinator) lockRegistered(id types.FileID, l *sync.Mutex) bool {
	l.Lock()
	c.fileLockMu.Lock()
	cur := c.fileLocks[id]
	c.fileLockMu.Unlock()
	if cur == l {
		return true
	}
	l.Unlock()
	return false
}

// lockFile resolves path to a file and takes that file's mutation lock. The
// binding is re-checked after locking: once the lock is held the path cannot
// be rebound, since every operation that rebinds a path holds this lock too.
func (c *Coordinator) lockFile(path string) (types.FileID, *sync.Mutex, error) {
	for {
		c.mu.RLock()
		entry, err := c.resolveFileLocked(path)
		if err != nil {
			c.mu.RUnlock()
			return 0, nil, err
		}
		id := entry.ID
		c.mu.RUnlock()

		l := c.getFileLock(id)
		if !c.lockRegistered(id, l) {
			continue
		}

		c.mu.RLock()
		cur, ok := c.files[path]
		c.mu.RUnlock()
		if ok && cur.ID == id {
			return id, l, nil
		}
		l.Unlock()
	}
}

// lockPathOccupant locks the mutation lock of whatever file currently sits at
// path, so the caller can displace or remove it. Returns nil when path names
// no file.
func (c *Coordinator) lockPathOccupant(path string) (*sync.Mutex, types.FileID) {
	for {
		c.mu.RLock()
		old, ok := c.files[path]
		var id types.FileID
		if ok {
			id = old.ID
		}
		c.mu.RUnlock()
		if !ok {
			return nil, 0
		}

		l := c.getFileLock(id)
		if !c.lockRegistered(id, l) {
			continue
		}

		c.mu.RLock()
		cur, still := c.files[path]
		c.mu.RUnlock()
		if still && cur.ID == id {
			return l, id
		}
		l.Unlock()
	}
}

// nextGenerationStamp hands out the next value of the global monotonic
// stamp. Called with c.mu held.
func (c *Coordinator) nextGenerationStampLocked() uint64 {
	c.generationStamp++
	return c.generationStamp
}

// SaveSnapshot dumps namespace metadata and truncates the log.
func (c *Coordinator) SaveSnapshot() error {
	c.mu.RLock()
	snap := &metalog.Snapshot{
		Directories: make(map[string]*types.Directory, len(c.directories)),
		Files:       make(map[string]*types.FileEntry, len(c.files)),
		Counters: metalog.CountersData{
			NextFileID:      c.nextFileID,
			NextBlockID:     c.nextBlockID,
			GenerationStamp: c.generationStamp,
		},
	}
	for p, d := range c.directories {
		cp := *d
		cp.Children = append([]string(nil), d.Children...)
		snap.Directories[p] = &cp
	}
	for p, f := range c.files {
		cp := *f
		cp.Holder = "" // leases do not survive restart
		cp.Blocks = make([]*types.BlockRecord, len(f.Blocks))
		for i, b := range f.Blocks {
			cp.Blocks[i] = b.Clone()
		}
		snap.Files[p] = &cp
	}
	c.mu.RUnlock()

	if err := metalog.SaveSnapshot(c.settings.DataDir, snap, c.log); err != nil {
		return fmt.Errorf("snapshot failed: %w", err)
	}
	c.logger.Info("Snapshot saved",
		zap.Int("files", len(snap.Files)),
		zap.Int("directories", len(snap.Directories)))
	return nil
}

// Status is the operator-facing view rendered by the CLI.
type Status struct {
	Files             int
	UnderConstruction int
	Directories       int
	ActiveLeases      []lease.Lease
	Nodes             []types.StorageNode
	Placements        int64
	PlacementFailures int64
	Substitutions     int64
}

func (c *Coordinator) GetStatus() Status {
	c.mu.RLock()
	uc := 0
	for _, f := range c.files {
		if f.State == types.FileUnderConstruction {
			uc++
		}
	}
	st := Status{
		Files:             len(c.files),
		UnderConstruction: uc,
		Directories:       len(c.directories),
	}
	c.mu.RUnlock()

	st.ActiveLeases = c.leases.Snapshot()
	st.Nodes = c.registry.All()
	st.Placements, st.PlacementFailures, st.Substitutions = c.placement.Stats()
	return st
}
