package metalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"tidefs/pkg/types"
)

// Snapshot is a point-in-time dump of the coordinator's durable metadata.
// Leases are deliberately absent: they do not survive a restart.
type Snapshot struct {
	Directories map[string]*types.Directory `json:"directories"`
	Files       map[string]*types.FileEntry `json:"files"`
	Counters    CountersData                `json:"counters"`
}

func snapshotPath(dir string) string {
	return filepath.Join(dir, "metadata.snapshot")
}

// SaveSnapshot writes the snapshot atomically (write temp, fsync, rename)
// and then truncates the log, which the snapshot now subsumes.
func SaveSnapshot(dir string, snap *Snapshot, log *Log) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmp := snapshotPath(dir) + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmp, snapshotPath(dir)); err != nil {
		return fmt.Errorf("failed to publish snapshot: %w", err)
	}

	if log != nil {
		return log.Reset()
	}
	return nil
}

// LoadLatestSnapshot returns the most recent snapshot, or nil if none exists.
func LoadLatestSnapshot(dir string) (*Snapshot, error) {
	data, err := os.ReadFile(snapshotPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	return &snap, nil
}
