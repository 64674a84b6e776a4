package types

import (
	"os"
	"time"
)

type NodeID string
type HolderID string
type FileID uint64
type BlockID uint64

// FileState tracks the write lifecycle of a file entry.
type FileState int

const (
	FileUnderConstruction FileState = iota
	FileCommitted
	FileComplete
)

func (s FileState) String() string {
	switch s {
	case FileUnderConstruction:
		return "UNDER_CONSTRUCTION"
	case FileCommitted:
		return "COMMITTED"
	case FileComplete:
		return "COMPLETE"
	default:
		return "UNKNOWN"
	}
}

// BlockState tracks the write lifecycle of a single block. Only the last
// block of an under-construction file may be in a non-committed state.
type BlockState int

const (
	BlockAllocating BlockState = iota
	BlockCommitted
	BlockUnderRecovery
)

func (s BlockState) String() string {
	switch s {
	case BlockAllocating:
		return "ALLOCATING"
	case BlockCommitted:
		return "COMMITTED"
	case BlockUnderRecovery:
		return "UNDER_RECOVERY"
	default:
		return "UNKNOWN"
	}
}

// NodeLiveness is the registry's view of a storage node.
type NodeLiveness int

const (
	NodeAlive NodeLiveness = iota
	NodeStale
	NodeDead
)

func (l NodeLiveness) String() string {
	switch l {
	case NodeAlive:
		return "ALIVE"
	case NodeStale:
		return "STALE"
	case NodeDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// BlockRecord is the coordinator's metadata for one block of a file.
// Locations are non-owning references into the storage-node registry.
type BlockRecord struct {
	ID              BlockID    `json:"id"`
	GenerationStamp uint64     `json:"generation_stamp"`
	Length          int64      `json:"length"`
	Locations       []NodeID   `json:"locations"`
	State           BlockState `json:"state"`
}

// Clone returns a copy safe to hand to callers outside the coordinator lock.
func (b *BlockRecord) Clone() *BlockRecord {
	cp := *b
	cp.Locations = append([]NodeID(nil), b.Locations...)
	return &cp
}

// FileEntry is a file's namespace metadata. The Holder field is a non-owning
// back-reference; the lease table holds the authoritative holder mapping.
type FileEntry struct {
	ID          FileID         `json:"id"`
	Path        string         `json:"path"`
	Replication int            `json:"replication"`
	BlockSize   int64          `json:"block_size"`
	Blocks      []*BlockRecord `json:"blocks"`
	State       FileState      `json:"state"`
	Holder      HolderID       `json:"holder,omitempty"`
	Mode        os.FileMode    `json:"mode"`
	Modified    time.Time      `json:"modified"`
}

// LastBlock returns the final block of the file, or nil if it has none.
func (f *FileEntry) LastBlock() *BlockRecord {
	if len(f.Blocks) == 0 {
		return nil
	}
	return f.Blocks[len(f.Blocks)-1]
}

// CommittedLength is the file length counting committed blocks only.
func (f *FileEntry) CommittedLength() int64 {
	var n int64
	for _, b := range f.Blocks {
		if b.State == BlockCommitted {
			n += b.Length
		}
	}
	return n
}

type Directory struct {
	Path     string      `json:"path"`
	Parent   string      `json:"parent"`
	Children []string    `json:"children"`
	Mode     os.FileMode `json:"mode"`
	Modified time.Time   `json:"modified"`
}

// StorageNode is the registry's record for one storage node.
type StorageNode struct {
	ID            NodeID
	Address       string
	TotalCapacity int64
	UsedCapacity  int64
	Liveness      NodeLiveness
	LastHeartbeat time.Time
}

// FileStatus is the client-visible view of a file.
type FileStatus struct {
	Path        string
	FileID      FileID
	Length      int64
	Replication int
	BlockSize   int64
	State       FileState
	Modified    time.Time
}
