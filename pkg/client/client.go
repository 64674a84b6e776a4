// Package client is the writer- and reader-side library over the
// coordinator: it canonicalizes paths, drives write sessions block by block
// through the replica pipeline, keeps the lease alive while a session is
// open, and reassembles committed blocks on read.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tidefs/pkg/coordinator"
	"tidefs/pkg/storage"
	"tidefs/pkg/types"
)

// Options tune a client. Zero values get sensible defaults.
type Options struct {
	// Holder identifies this client in the lease table. Defaults to a
	// generated unique id.
	Holder types.HolderID
	// RenewInterval is how often the background heartbeat renews the
	// lease while sessions are open. Zero picks a default derived from
	// the coordinator's soft lease limit; a negative value disables the
	// heartbeat, which tests use to control expiry deterministically.
	RenewInterval time.Duration
	// CompleteRetries bounds how long Close waits for the last block to
	// reach the replication minimum.
	CompleteRetries int
	CompleteBackoff time.Duration
}

type Client struct {
	coord   *coordinator.Coordinator
	cluster *storage.Cluster
	holder  types.HolderID
	logger  *zap.Logger

	completeRetries int
	completeBackoff time.Duration

	mu       sync.Mutex
	sessions int
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	renewInterval time.Duration
}

func New(coord *coordinator.Coordinator, cluster *storage.Cluster, logger *zap.Logger, opts Options) *Client {
	holder := opts.Holder
	if holder == "" {
		holder = types.HolderID("tidefs-" + uuid.NewString())
	}
	retries := opts.CompleteRetries
	if retries == 0 {
		retries = 30
	}
	backoff := opts.CompleteBackoff
	if backoff == 0 {
		backoff = 100 * time.Millisecond
	}
	renew := opts.RenewInterval
	if renew == 0 {
		// Renew well inside the soft limit so a paused writer does not
		// lose its lease to a takeover.
		soft, _ := coord.LeaseManager().Limits()
		renew = soft / 3
	}
	if renew < 0 {
		renew = 0
	}
	return &Client{
		coord:           coord,
		cluster:         cluster,
		holder:          holder,
		logger:          logger,
		completeRetries: retries,
		completeBackoff: backoff,
		renewInterval:   renew,
	}
}

// Holder returns the lease holder id this client writes under.
func (c *Client) Holder() types.HolderID { return c.holder }

// Close stops the lease heartbeat. Open sessions should be closed first.
func (c *Client) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.sessions = 0
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

// sessionOpened starts the heartbeat when the first session opens.
func (c *Client) sessionOpened() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sessions++
	if c.sessions > 1 || c.renewInterval <= 0 || c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.renewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.coord.RenewLease(c.holder)
			}
		}
	}()
}

func (c *Client) sessionClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sessions > 0 {
		c.sessions--
	}
	if c.sessions == 0 && c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// Create opens path for write and returns the session. The path is
// canonicalized before it reaches the coordinator.
func (c *Client) Create(path string, opts coordinator.CreateOptions) (*WriteSession, error) {
	canonical := Canonicalize(path)
	fileID, err := c.coord.Create(canonical, c.holder, opts)
	if err != nil {
		return nil, err
	}

	status, err := c.coord.GetFileStatus(canonical)
	if err != nil {
		return nil, err
	}

	c.sessionOpened()
	return &WriteSession{
		client:      c,
		path:        canonical,
		fileID:      fileID,
		blockSize:   status.BlockSize,
		replication: status.Replication,
	}, nil
}

// Reopen reattaches to a file left under construction, e.g. after a
// coordinator restart. Writing resumes at the next block boundary; an
// uncommitted last block must be settled by recovery first.
func (c *Client) Reopen(path string, fileID types.FileID) (*WriteSession, error) {
	canonical := Canonicalize(path)
	if err := c.coord.Reopen(canonical, c.holder, fileID); err != nil {
		return nil, err
	}
	status, err := c.coord.GetFileStatus(canonical)
	if err != nil {
		return nil, err
	}

	c.sessionOpened()
	return &WriteSession{
		client:      c,
		path:        canonical,
		fileID:      fileID,
		blockSize:   status.BlockSize,
		replication: status.Replication,
	}, nil
}

// ReadAll fetches the committed contents of a file, trying each replica of
// a block in pipeline order.
func (c *Client) ReadAll(path string) ([]byte, error) {
	canonical := Canonicalize(path)
	status, err := c.coord.GetFileStatus(canonical)
	if err != nil {
		return nil, err
	}
	blocks, err := c.coord.GetBlockLocations(canonical, 0, status.Length)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, status.Length)
	for _, b := range blocks {
		data, err := c.readBlock(b)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}
	return out, nil
}

func (c *Client) readBlock(b *types.BlockRecord) ([]byte, error) {
	var lastErr error
	for _, node := range b.Locations {
		data, err := c.cluster.Read(node, b.ID)
		if err != nil {
			lastErr = err
			continue
		}
		if int64(len(data)) < b.Length {
			lastErr = fmt.Errorf("replica of block %d on %s is short: %d < %d", b.ID, node, len(data), b.Length)
			continue
		}
		return data[:b.Length], nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("block %d has no locations", b.ID)
	}
	c.logger.Warn("Block unreadable", zap.Uint64("block_id", uint64(b.ID)), zap.Error(lastErr))
	return nil, lastErr
}
