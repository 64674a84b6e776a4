// Package metalog persists coordinator metadata as a JSON-line write-ahead
// log plus periodic snapshots. Every namespace mutation is appended and
// synced before the coordinator replies to the client; on restart the latest
// snapshot is loaded and the log replayed on top of it.
package metalog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"tidefs/pkg/types"
)

// OpType identifies a logged mutation.
type OpType string

const (
	OpMkdir        OpType = "MKDIR"
	OpCreateFile   OpType = "CREATE_FILE"
	OpDeleteFile   OpType = "DELETE_FILE"
	OpRenameFile   OpType = "RENAME"
	OpAddBlock     OpType = "ADD_BLOCK"
	OpUpdateBlock  OpType = "UPDATE_BLOCK"
	OpCommitBlock  OpType = "COMMIT_BLOCK"
	OpAbandonBlock OpType = "ABANDON_BLOCK"
	OpCompleteFile OpType = "COMPLETE_FILE"
)

// Entry is a single log record.
type Entry struct {
	Op   OpType          `json:"op"`
	Data json.RawMessage `json:"data"`
}

type MkdirData struct {
	Path string      `json:"path"`
	Mode os.FileMode `json:"mode"`
}

type CreateFileData struct {
	FileID      types.FileID `json:"file_id"`
	Path        string       `json:"path"`
	Replication int          `json:"replication"`
	BlockSize   int64        `json:"block_size"`
	Mode        os.FileMode  `json:"mode"`
	Overwrite   bool         `json:"overwrite"`
}

type DeleteFileData struct {
	Path string `json:"path"`
}

type RenameData struct {
	OldPath string `json:"old_path"`
	NewPath string `json:"new_path"`
}

type AddBlockData struct {
	Path            string         `json:"path"`
	BlockID         types.BlockID  `json:"block_id"`
	GenerationStamp uint64         `json:"generation_stamp"`
	Locations       []types.NodeID `json:"locations"`
}

// UpdateBlockData records a pipeline repair or recovery outcome for a block
// already in the file: a new generation stamp, the surviving locations and,
// when recovery truncated, the agreed length.
type UpdateBlockData struct {
	Path            string         `json:"path"`
	BlockID         types.BlockID  `json:"block_id"`
	GenerationStamp uint64         `json:"generation_stamp"`
	Length          int64          `json:"length"`
	Locations       []types.NodeID `json:"locations"`
	Committed       bool           `json:"committed"`
}

type CommitBlockData struct {
	Path            string        `json:"path"`
	BlockID         types.BlockID `json:"block_id"`
	Length          int64         `json:"length"`
	GenerationStamp uint64        `json:"generation_stamp"`
}

type AbandonBlockData struct {
	Path    string        `json:"path"`
	BlockID types.BlockID `json:"block_id"`
}

type CompleteFileData struct {
	Path   string       `json:"path"`
	FileID types.FileID `json:"file_id"`
}

type CountersData struct {
	NextFileID      uint64 `json:"next_file_id"`
	NextBlockID     uint64 `json:"next_block_id"`
	GenerationStamp uint64 `json:"generation_stamp"`
}

// Log is the append side of the write-ahead log.
type Log struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// Open opens (creating if needed) the log file under dir.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create metalog directory: %w", err)
	}

	path := filepath.Join(dir, "metadata.wal")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open metalog: %w", err)
	}

	return &Log{file: file, path: path}, nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Append marshals op+data, writes one line and syncs to disk.
func (l *Log) Append(op OpType, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", op, err)
	}

	line, err := json.Marshal(Entry{Op: op, Data: raw})
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("failed to write log entry: %w", err)
	}
	return l.file.Sync()
}

// Reset truncates the log after a snapshot has been taken.
func (l *Log) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate log: %w", err)
	}
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind log: %w", err)
	}
	return l.file.Sync()
}

// Replay reads every entry currently in the log under dir. A missing file is
// an empty log. Malformed lines (torn writes from a crash) are skipped with a
// warning rather than failing startup.
func Replay(dir string, logger *zap.Logger) ([]Entry, error) {
	path := filepath.Join(dir, "metadata.wal")
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open metalog for replay: %w", err)
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			logger.Warn("Skipping malformed metalog entry", zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading metalog: %w", err)
	}

	return entries, nil
}
