package client

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"tidefs/pkg/types"
)

// WriteSession streams bytes into a file one block at a time. Each block is
// written through its replica pipeline in order; a node failure mid-block is
// reported to the coordinator, which re-places the pipeline under a fresh
// generation stamp, and the session rewrites the block's bytes so far onto
// the new pipeline from its client-side buffer.
type WriteSession struct {
	client      *Client
	fileID      types.FileID
	blockSize   int64
	replication int

	mu      sync.Mutex
	path    string
	current *types.BlockRecord
	buf     []byte
	length  int64
	closed  bool
}

// FileID returns the immutable id of the file being written.
func (s *WriteSession) FileID() types.FileID { return s.fileID }

// Path returns the path the session currently addresses.
func (s *WriteSession) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// RebindPath re-targets the session after the file was renamed under it.
// The lease and blocks follow the file id, so writing continues unaffected.
func (s *WriteSession) RebindPath(newPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.path = Canonicalize(newPath)
}

// Write appends p to the file, allocating and committing blocks as the
// stream crosses block boundaries.
func (s *WriteSession) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, fmt.Errorf("write on closed session for %s", s.path)
	}

	written := 0
	for len(p) > 0 {
		if s.current == nil {
			block, err := s.client.coord.AddBlock(s.path, s.client.holder, nil)
			if err != nil {
				return written, err
			}
			s.current = block
			s.buf = s.buf[:0]
		}

		space := s.blockSize - int64(len(s.buf))
		chunk := int64(len(p))
		if chunk > space {
			chunk = space
		}
		if err := s.writeToPipeline(p[:chunk]); err != nil {
			return written, err
		}
		s.buf = append(s.buf, p[:chunk]...)
		s.length += chunk
		written += int(chunk)
		p = p[chunk:]

		if int64(len(s.buf)) == s.blockSize {
			if err := s.commitCurrent(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// writeToPipeline pushes chunk to every node of the current pipeline. On a
// node failure it asks the coordinator for a repaired pipeline and replays
// the block's bytes onto it before retrying the chunk.
func (s *WriteSession) writeToPipeline(chunk []byte) error {
	for {
		failed, err := s.appendAll(chunk)
		if err == nil {
			return nil
		}
		s.client.logger.Warn("Pipeline node failed",
			zap.String("path", s.path),
			zap.Uint64("block_id", uint64(s.current.ID)),
			zap.String("node", string(failed)),
			zap.Error(err))

		repaired, repErr := s.client.coord.ReportPipelineFailure(s.path, s.client.holder, s.current.ID, failed)
		if repErr != nil {
			if abErr := s.abandonCurrent(); abErr != nil {
				s.client.logger.Warn("Abandon after pipeline loss failed",
					zap.String("path", s.path), zap.Error(abErr))
			}
			return repErr
		}
		s.current = repaired
		if err := s.replayBlock(); err != nil {
			return err
		}
	}
}

func (s *WriteSession) appendAll(chunk []byte) (types.NodeID, error) {
	for _, node := range s.current.Locations {
		if err := s.client.cluster.Append(node, s.current.ID, s.current.GenerationStamp, chunk); err != nil {
			return node, err
		}
	}
	return "", nil
}

// replayBlock rewrites the buffered block prefix onto the repaired pipeline
// under its new generation stamp.
func (s *WriteSession) replayBlock() error {
	for _, node := range s.current.Locations {
		// A fresh replacement has no replica; a survivor holds bytes
		// under the old stamp. Rewriting from scratch settles both.
		_ = s.client.cluster.Delete(node, s.current.ID)
		if err := s.client.cluster.Append(node, s.current.ID, s.current.GenerationStamp, s.buf); err != nil {
			return fmt.Errorf("failed to reseed block %d on %s: %w", s.current.ID, node, err)
		}
	}
	return nil
}

func (s *WriteSession) commitCurrent() error {
	err := s.client.coord.CommitBlock(s.path, s.client.holder, s.current.ID, int64(len(s.buf)))
	if err != nil {
		return err
	}
	s.current = nil
	s.buf = nil
	return nil
}

func (s *WriteSession) abandonCurrent() error {
	err := s.client.coord.AbandonBlock(s.path, s.client.holder, s.current.ID)
	s.current = nil
	s.buf = nil
	return err
}

// Close commits the trailing partial block and finalizes the file, retrying
// while the replica pipeline catches up to the replication minimum. The
// session is unusable afterwards regardless of the outcome.
func (s *WriteSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	defer s.client.sessionClosed()

	if s.current != nil && len(s.buf) > 0 {
		if err := s.commitCurrent(); err != nil {
			return err
		}
	} else if s.current != nil {
		if err := s.abandonCurrent(); err != nil {
			return err
		}
	}

	for attempt := 0; attempt < s.client.completeRetries; attempt++ {
		done, err := s.client.coord.Complete(s.path, s.client.holder, s.fileID)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		time.Sleep(s.client.completeBackoff)
	}
	return fmt.Errorf("%w: %s", types.ErrReplicationTimeout, s.path)
}

// Abort abandons any open block and surrenders the lease without finalizing
// beyond what recovery can salvage from committed blocks.
func (s *WriteSession) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	defer s.client.sessionClosed()

	if s.current != nil {
		if err := s.abandonCurrent(); err != nil {
			s.client.logger.Warn("Abandon during abort failed",
				zap.String("path", s.path), zap.Error(err))
		}
	}
	return s.client.coord.ReleaseLease(s.path, s.client.holder)
}

// Length returns the bytes written so far, committed or buffered.
func (s *WriteSession) Length() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.length
}
