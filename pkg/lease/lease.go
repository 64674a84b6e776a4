// Package lease implements the write-lease table: time-bounded exclusive
// write grants keyed by holder, each covering one or more files. Policy
// around takeover and recovery lives in the coordinator; this package owns
// the authoritative holder/file mapping and the expiry clocks.
package lease

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"tidefs/pkg/types"
)

// Clock abstracts time so expiry tests can advance it without sleeping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// Lease is one holder's grant. A holder has at most one lease covering all
// of its open files; renewal is per holder, not per file.
type Lease struct {
	Holder      types.HolderID
	Files       map[types.FileID]struct{}
	LastRenewal time.Time
}

// Manager owns the lease table. All mutations go through it (I1: at most one
// holder per file at any instant).
type Manager struct {
	mu     sync.Mutex
	leases map[types.HolderID]*Lease
	byFile map[types.FileID]types.HolderID

	softLimit time.Duration
	hardLimit time.Duration

	clock  Clock
	logger *zap.Logger
}

func NewManager(softLimit, hardLimit time.Duration, clock Clock, logger *zap.Logger) *Manager {
	if clock == nil {
		clock = SystemClock()
	}
	return &Manager{
		leases:    make(map[types.HolderID]*Lease),
		byFile:    make(map[types.FileID]types.HolderID),
		softLimit: softLimit,
		hardLimit: hardLimit,
		clock:     clock,
		logger:    logger,
	}
}

// SetLimits replaces the soft/hard limits. Used by tests that shrink the
// limits to force expiry, mirroring how operators tune them in config.
func (m *Manager) SetLimits(soft, hard time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.softLimit = soft
	m.hardLimit = hard
}

// Limits returns the current soft and hard expiry limits.
func (m *Manager) Limits() (soft, hard time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.softLimit, m.hardLimit
}

// Acquire registers fileID under holder, extending the holder's lease. It
// fails with ErrLeaseConflict while another holder covers the file; callers
// wanting takeover must first release or recover the old holder's grant.
func (m *Manager) Acquire(holder types.HolderID, fileID types.FileID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if owner, held := m.byFile[fileID]; held && owner != holder {
		return types.ErrLeaseConflict
	}

	lease, ok := m.leases[holder]
	if !ok {
		lease = &Lease{Holder: holder, Files: make(map[types.FileID]struct{})}
		m.leases[holder] = lease
	}
	lease.Files[fileID] = struct{}{}
	lease.LastRenewal = m.clock.Now()
	m.byFile[fileID] = holder

	m.logger.Debug("Lease acquired",
		zap.String("holder", string(holder)),
		zap.Uint64("file_id", uint64(fileID)))
	return nil
}

// Renew resets the expiry clock for all of a holder's files. It is
// idempotent and a no-op for unknown holders.
func (m *Manager) Renew(holder types.HolderID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lease, ok := m.leases[holder]; ok {
		lease.LastRenewal = m.clock.Now()
	}
}

// Release removes fileID from holder's lease, deleting the lease once it
// covers no files. Returns false if holder did not cover the file.
func (m *Manager) Release(holder types.HolderID, fileID types.FileID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(holder, fileID)
}

func (m *Manager) releaseLocked(holder types.HolderID, fileID types.FileID) bool {
	lease, ok := m.leases[holder]
	if !ok {
		return false
	}
	if _, covered := lease.Files[fileID]; !covered {
		return false
	}

	delete(lease.Files, fileID)
	delete(m.byFile, fileID)
	if len(lease.Files) == 0 {
		delete(m.leases, holder)
	}

	m.logger.Debug("Lease released",
		zap.String("holder", string(holder)),
		zap.Uint64("file_id", uint64(fileID)))
	return true
}

// ReleaseAll drops every file covered by holder and returns their ids.
func (m *Manager) ReleaseAll(holder types.HolderID) []types.FileID {
	m.mu.Lock()
	defer m.mu.Unlock()

	lease, ok := m.leases[holder]
	if !ok {
		return nil
	}
	files := make([]types.FileID, 0, len(lease.Files))
	for id := range lease.Files {
		files = append(files, id)
	}
	for _, id := range files {
		m.releaseLocked(holder, id)
	}
	sort.Slice(files, func(i, j int) bool { return files[i] < files[j] })
	return files
}

// Holder returns the current holder of fileID, if any.
func (m *Manager) Holder(fileID types.FileID) (types.HolderID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	holder, ok := m.byFile[fileID]
	return holder, ok
}

// Holds reports whether holder currently covers fileID.
func (m *Manager) Holds(holder types.HolderID, fileID types.FileID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byFile[fileID] == holder
}

// SoftExpired reports whether the lease covering fileID has been idle past
// the soft limit, which permits takeover by a contending writer. A file with
// no lease is trivially takeable.
func (m *Manager) SoftExpired(fileID types.FileID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	holder, ok := m.byFile[fileID]
	if !ok {
		return true
	}
	lease := m.leases[holder]
	return m.clock.Now().Sub(lease.LastRenewal) >= m.softLimit
}

// Expiry pairs a hard-expired file with its (former) holder.
type Expiry struct {
	FileID types.FileID
	Holder types.HolderID
}

// HardExpired enumerates every file whose lease has lapsed past the hard
// limit, ordered by file id so sweep behavior is deterministic.
func (m *Manager) HardExpired() []Expiry {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	var expired []Expiry
	for holder, lease := range m.leases {
		if now.Sub(lease.LastRenewal) < m.hardLimit {
			continue
		}
		for fileID := range lease.Files {
			expired = append(expired, Expiry{FileID: fileID, Holder: holder})
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].FileID < expired[j].FileID })
	return expired
}

// Sweep runs one expiry pass: for every hard-expired file it invokes recover
// and, on success, releases the lease. A failure for one file never blocks
// the rest; the file stays leased and is retried on the next sweep.
func (m *Manager) Sweep(recover func(types.FileID) error) {
	for _, exp := range m.HardExpired() {
		m.logger.Info("Lease hard limit expired, forcing recovery",
			zap.Uint64("file_id", uint64(exp.FileID)),
			zap.String("holder", string(exp.Holder)))

		if err := recover(exp.FileID); err != nil {
			m.logger.Warn("Lease recovery failed, will retry",
				zap.Uint64("file_id", uint64(exp.FileID)),
				zap.Error(err))
			continue
		}
		m.Release(exp.Holder, exp.FileID)
	}
}

// Run drives periodic sweeps until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration, recover func(types.FileID) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(recover)
		}
	}
}

// ActiveCount returns the number of live leases (holders).
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leases)
}

// Snapshot returns a copy of the table for the status surface.
func (m *Manager) Snapshot() []Lease {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Lease, 0, len(m.leases))
	for _, lease := range m.leases {
		cp := Lease{Holder: lease.Holder, LastRenewal: lease.LastRenewal, Files: make(map[types.FileID]struct{}, len(lease.Files))}
		for id := range lease.Files {
			cp.Files[id] = struct{}{}
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Holder < out[j].Holder })
	return out
}
