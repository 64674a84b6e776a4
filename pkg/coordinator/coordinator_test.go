package coordinator

import (
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tidefs/pkg/config"
	"tidefs/pkg/registry"
	"tidefs/pkg/storage"
	"tidefs/pkg/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type env struct {
	settings config.Settings
	clock    *fakeClock
	reg      *registry.Registry
	cluster  *storage.Cluster
	coord    *Coordinator
}

func testSettings(t *testing.T, dataDir string) config.Settings {
	t.Helper()
	s, err := config.CoordinatorConfig{
		DataDir:            dataDir,
		DefaultBlockSize:   "8KB",
		DefaultReplication: 3,
		ReplicationMin:     1,
	}.Resolve()
	require.NoError(t, err)
	return s
}

func newEnv(t *testing.T, nodes int) *env {
	t.Helper()

	e := &env{
		settings: testSettings(t, t.TempDir()),
		clock:    newFakeClock(),
		cluster:  storage.NewCluster(),
	}
	e.reg = registry.New(e.settings.NodeStaleAfter, e.settings.NodeDeadAfter, zap.NewNop())
	e.reg.SetNowFunc(e.clock.Now)
	for i := 1; i <= nodes; i++ {
		id := types.NodeID(fmt.Sprintf("n%d", i))
		e.cluster.AddNode(id)
		e.reg.Register(id, fmt.Sprintf("127.0.0.1:%d", 9000+i), 1<<30)
	}

	coord, err := New(e.settings, e.reg, zap.NewNop(), Options{Clock: e.clock, DataNodes: e.cluster})
	require.NoError(t, err)
	e.coord = coord
	t.Cleanup(func() { coord.Stop() })
	return e
}

// reopenCoordinator builds a second coordinator over the same data dir,
// simulating a restart. A clean restart snapshots on the way down; a crash
// leaves only the write-ahead log behind.
func (e *env) reopenCoordinator(t *testing.T, clean bool) *Coordinator {
	t.Helper()
	if clean {
		require.NoError(t, e.coord.Stop())
	} else {
		e.coord.cancel()
		e.coord.wg.Wait()
		require.NoError(t, e.coord.log.Close())
	}

	coord, err := New(e.settings, e.reg, zap.NewNop(), Options{Clock: e.clock, DataNodes: e.cluster})
	require.NoError(t, err)
	e.coord = coord
	t.Cleanup(func() { coord.Stop() })
	return coord
}

// writeBlock allocates a block and pushes data through its pipeline.
func (e *env) writeBlock(t *testing.T, path string, holder types.HolderID, data []byte) *types.BlockRecord {
	t.Helper()
	block, err := e.coord.AddBlock(path, holder, nil)
	require.NoError(t, err)
	for _, node := range block.Locations {
		require.NoError(t, e.cluster.Append(node, block.ID, block.GenerationStamp, data))
	}
	return block
}

func (e *env) writeAndCommit(t *testing.T, path string, holder types.HolderID, data []byte) *types.BlockRecord {
	t.Helper()
	block := e.writeBlock(t, path, holder, data)
	require.NoError(t, e.coord.CommitBlock(path, holder, block.ID, int64(len(data))))
	return block
}

func bytesOf(n int, fill byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = fill
	}
	return b
}

func TestCreateWriteComplete(t *testing.T) {
	e := newEnv(t, 3)

	id, err := e.coord.Create("/f", "writer-1", CreateOptions{})
	require.NoError(t, err)
	require.NotZero(t, id)

	// blockSize 8192, total 16385 bytes: two full blocks and one byte.
	e.writeAndCommit(t, "/f", "writer-1", bytesOf(8192, 'a'))
	e.writeAndCommit(t, "/f", "writer-1", bytesOf(8192, 'b'))
	e.writeAndCommit(t, "/f", "writer-1", bytesOf(1, 'c'))

	done, err := e.coord.Complete("/f", "writer-1", id)
	require.NoError(t, err)
	require.True(t, done)

	status, err := e.coord.GetFileStatus("/f")
	require.NoError(t, err)
	assert.Equal(t, int64(16385), status.Length)
	assert.Equal(t, types.FileComplete, status.State)
	assert.Equal(t, id, status.FileID)

	blocks, err := e.coord.GetBlockLocations("/f", 0, status.Length)
	require.NoError(t, err)
	require.Len(t, blocks, 3)
	assert.Equal(t, int64(1), blocks[2].Length)

	// Lease is gone; completing again is idempotent.
	_, ok := e.coord.LeaseManager().Holder(id)
	assert.False(t, ok)
	done, err = e.coord.Complete("/f", "writer-1", id)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestGenerationStampsStrictlyIncrease(t *testing.T) {
	e := newEnv(t, 3)

	_, err := e.coord.Create("/f", "writer-1", CreateOptions{})
	require.NoError(t, err)

	b1 := e.writeAndCommit(t, "/f", "writer-1", bytesOf(8192, 'a'))
	b2 := e.writeAndCommit(t, "/f", "writer-1", bytesOf(8192, 'b'))
	assert.Greater(t, b2.GenerationStamp, b1.GenerationStamp)
}

func TestCreateErrors(t *testing.T) {
	e := newEnv(t, 3)

	t.Run("non-canonical path", func(t *testing.T) {
		_, err := e.coord.Create("//a//b", "w", CreateOptions{})
		assert.ErrorIs(t, err, types.ErrInvalidPath)
		_, err = e.coord.Create("/a/", "w", CreateOptions{})
		assert.ErrorIs(t, err, types.ErrInvalidPath)
		_, err = e.coord.Create("relative", "w", CreateOptions{})
		assert.ErrorIs(t, err, types.ErrInvalidPath)
	})

	t.Run("missing parent without recursive", func(t *testing.T) {
		_, err := e.coord.Create("/no/such/dir/f", "w", CreateOptions{})
		assert.ErrorIs(t, err, types.ErrParentNotFound)
	})

	t.Run("recursive creates parents", func(t *testing.T) {
		_, err := e.coord.Create("/deep/nested/f", "w", CreateOptions{Recursive: true})
		require.NoError(t, err)
		children, err := e.coord.List("/deep")
		require.NoError(t, err)
		assert.Equal(t, []string{"/deep/nested"}, children)
	})

	t.Run("parent is a file", func(t *testing.T) {
		id, err := e.coord.Create("/plain", "w", CreateOptions{})
		require.NoError(t, err)
		done, err := e.coord.Complete("/plain", "w", id)
		require.NoError(t, err)
		require.True(t, done)

		_, err = e.coord.Create("/plain/child", "w", CreateOptions{})
		assert.ErrorIs(t, err, types.ErrParentNotDirectory)
		_, err = e.coord.Create("/plain/child", "w", CreateOptions{Recursive: true})
		assert.ErrorIs(t, err, types.ErrParentNotDirectory)
	})

	t.Run("complete file without overwrite", func(t *testing.T) {
		_, err := e.coord.Create("/plain", "w2", CreateOptions{})
		assert.ErrorIs(t, err, types.ErrFileAlreadyExists)
	})

	t.Run("under construction by another writer", func(t *testing.T) {
		_, err := e.coord.Create("/open", "w1", CreateOptions{})
		require.NoError(t, err)
		_, err = e.coord.Create("/open", "w2", CreateOptions{})
		assert.ErrorIs(t, err, types.ErrAlreadyBeingCreated)
	})

	t.Run("path is a directory", func(t *testing.T) {
		require.NoError(t, e.coord.Mkdir("/dir", 0755, false))
		_, err := e.coord.Create("/dir", "w", CreateOptions{})
		assert.ErrorIs(t, err, types.ErrFileAlreadyExists)
		_, err = e.coord.Create("/dir", "w", CreateOptions{Overwrite: true})
		assert.ErrorIs(t, err, types.ErrFileAlreadyExists)
	})
}

func TestOverwriteSupersedesActiveWriter(t *testing.T) {
	e := newEnv(t, 3)

	oldID, err := e.coord.Create("/f", "writer-1", CreateOptions{})
	require.NoError(t, err)
	oldBlock := e.writeAndCommit(t, "/f", "writer-1", bytesOf(100, 'a'))

	// A second writer with overwrite takes the file immediately, lease
	// soft limit notwithstanding.
	newID, err := e.coord.Create("/f", "writer-2", CreateOptions{Overwrite: true})
	require.NoError(t, err)
	assert.NotEqual(t, oldID, newID)

	// The old writer's lease and blocks are gone.
	_, err = e.coord.AddBlock("/f", "writer-1", nil)
	assert.ErrorIs(t, err, types.ErrNoLeaseHeld)
	for _, node := range oldBlock.Locations {
		_, _, err := e.cluster.ReplicaInfo(node, oldBlock.ID)
		assert.Error(t, err)
	}

	status, err := e.coord.GetFileStatus("/f")
	require.NoError(t, err)
	assert.Equal(t, newID, status.FileID)
	assert.Equal(t, int64(0), status.Length)
	assert.Equal(t, types.FileUnderConstruction, status.State)
}

func TestAddBlockGuards(t *testing.T) {
	e := newEnv(t, 3)

	_, err := e.coord.Create("/f", "writer-1", CreateOptions{})
	require.NoError(t, err)

	t.Run("no lease", func(t *testing.T) {
		_, err := e.coord.AddBlock("/f", "stranger", nil)
		assert.ErrorIs(t, err, types.ErrNoLeaseHeld)
	})

	t.Run("previous block must be committed", func(t *testing.T) {
		block := e.writeBlock(t, "/f", "writer-1", bytesOf(10, 'a'))
		_, err := e.coord.AddBlock("/f", "writer-1", nil)
		assert.ErrorIs(t, err, types.ErrPendingBlockExists)

		require.NoError(t, e.coord.CommitBlock("/f", "writer-1", block.ID, 10))
		_, err = e.coord.AddBlock("/f", "writer-1", nil)
		require.NoError(t, err)
	})
}

func TestAddBlockFailsWithoutLiveNodes(t *testing.T) {
	e := newEnv(t, 1)

	_, err := e.coord.Create("/f", "writer-1", CreateOptions{})
	require.NoError(t, err)
	e.reg.MarkDead("n1")

	_, err = e.coord.AddBlock("/f", "writer-1", nil)
	require.ErrorIs(t, err, types.ErrNotEnoughReplicas)

	// The refusal left no trace: no block was added to the file.
	blocks, err := e.coord.GetBlockLocations("/f", 0, 1<<20)
	require.NoError(t, err)
	assert.Empty(t, blocks)

	st := e.coord.GetStatus()
	assert.Equal(t, 1, st.UnderConstruction)
}

func TestCompleteGuards(t *testing.T) {
	e := newEnv(t, 3)

	id, err := e.coord.Create("/f", "writer-1", CreateOptions{})
	require.NoError(t, err)
	e.writeBlock(t, "/f", "writer-1", bytesOf(10, 'a'))

	t.Run("uncommitted last block", func(t *testing.T) {
		_, err := e.coord.Complete("/f", "writer-1", id)
		assert.ErrorIs(t, err, types.ErrPendingBlockExists)
	})

	t.Run("wrong holder", func(t *testing.T) {
		_, err := e.coord.Complete("/f", "stranger", id)
		assert.ErrorIs(t, err, types.ErrNoLeaseHeld)
	})

	t.Run("file id mismatch after path reassignment", func(t *testing.T) {
		_, err := e.coord.Create("/g", "writer-1", CreateOptions{})
		require.NoError(t, err)
		newID, err := e.coord.Create("/g", "writer-2", CreateOptions{Overwrite: true})
		require.NoError(t, err)

		_, err = e.coord.Complete("/g", "writer-1", newID-1)
		assert.ErrorIs(t, err, types.ErrFileNotFound)
	})
}

func TestCompleteWaitsForReplicationMinimum(t *testing.T) {
	e := newEnv(t, 3)
	e.coord.settings.ReplicationMin = 2

	id, err := e.coord.Create("/f", "writer-1", CreateOptions{})
	require.NoError(t, err)
	block := e.writeAndCommit(t, "/f", "writer-1", bytesOf(100, 'a'))
	require.Len(t, block.Locations, 3)

	e.cluster.StopNode(block.Locations[0])
	e.cluster.StopNode(block.Locations[1])

	// Only one replica is reachable: not yet complete, but no error.
	done, err := e.coord.Complete("/f", "writer-1", id)
	require.NoError(t, err)
	assert.False(t, done)

	e.cluster.StartNode(block.Locations[0])
	done, err = e.coord.Complete("/f", "writer-1", id)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestRenamePreservesIdentityAndLease(t *testing.T) {
	e := newEnv(t, 3)

	id, err := e.coord.Create("/old", "writer-1", CreateOptions{})
	require.NoError(t, err)
	e.writeAndCommit(t, "/old", "writer-1", bytesOf(8192, 'a'))

	require.NoError(t, e.coord.Rename("/old", "/new"))

	_, err = e.coord.GetFileStatus("/old")
	assert.ErrorIs(t, err, types.ErrFileNotFound)

	// The session continues against the new path under the same lease and
	// file id.
	e.writeAndCommit(t, "/new", "writer-1", bytesOf(50, 'b'))
	done, err := e.coord.Complete("/new", "writer-1", id)
	require.NoError(t, err)
	require.True(t, done)

	status, err := e.coord.GetFileStatus("/new")
	require.NoError(t, err)
	assert.Equal(t, id, status.FileID)
	assert.Equal(t, int64(8242), status.Length)
}

func TestRenameErrors(t *testing.T) {
	e := newEnv(t, 3)

	id, err := e.coord.Create("/a", "w", CreateOptions{})
	require.NoError(t, err)
	done, err := e.coord.Complete("/a", "w", id)
	require.NoError(t, err)
	require.True(t, done)
	require.NoError(t, e.coord.Mkdir("/dir", 0755, false))

	assert.ErrorIs(t, e.coord.Rename("/missing", "/x"), types.ErrFileNotFound)
	assert.ErrorIs(t, e.coord.Rename("/a", "/dir"), types.ErrFileAlreadyExists)
	assert.ErrorIs(t, e.coord.Rename("/a", "/nodir/x"), types.ErrParentNotFound)
	assert.Error(t, e.coord.Rename("/dir", "/dir2"))
}

func TestLeaseTakeoverAfterSoftLimit(t *testing.T) {
	e := newEnv(t, 3)

	_, err := e.coord.Create("/f", "writer-1", CreateOptions{})
	require.NoError(t, err)
	// An uncommitted block with 5000 acked bytes on every replica.
	e.writeBlock(t, "/f", "writer-1", bytesOf(5000, 'a'))

	// Before the soft limit the file is untouchable.
	_, err = e.coord.Create("/f", "writer-2", CreateOptions{})
	require.ErrorIs(t, err, types.ErrAlreadyBeingCreated)
	status, err := e.coord.GetFileStatus("/f")
	require.NoError(t, err)
	assert.Equal(t, types.FileUnderConstruction, status.State)

	e.clock.Advance(61 * time.Second)

	// Past the soft limit the contending create still fails, but it kicks
	// recovery: the abandoned session is settled on what the replicas hold.
	_, err = e.coord.Create("/f", "writer-2", CreateOptions{})
	require.ErrorIs(t, err, types.ErrAlreadyBeingCreated)

	status, err = e.coord.GetFileStatus("/f")
	require.NoError(t, err)
	assert.Equal(t, types.FileComplete, status.State)
	assert.Equal(t, int64(5000), status.Length)

	// The retry now sees a normal complete file.
	_, err = e.coord.Create("/f", "writer-2", CreateOptions{})
	assert.ErrorIs(t, err, types.ErrFileAlreadyExists)
	_, err = e.coord.Create("/f", "writer-2", CreateOptions{Overwrite: true})
	assert.NoError(t, err)
}

func TestHardExpirySweepRecoversFile(t *testing.T) {
	e := newEnv(t, 3)

	id, err := e.coord.Create("/f", "writer-1", CreateOptions{})
	require.NoError(t, err)
	e.writeAndCommit(t, "/f", "writer-1", bytesOf(8192, 'a'))
	e.writeBlock(t, "/f", "writer-1", bytesOf(3000, 'b'))

	e.clock.Advance(2 * time.Hour)
	e.coord.LeaseManager().Sweep(e.coord.RecoverFile)

	status, err := e.coord.GetFileStatus("/f")
	require.NoError(t, err)
	assert.Equal(t, types.FileComplete, status.State)
	assert.Equal(t, int64(11192), status.Length)

	_, held := e.coord.LeaseManager().Holder(id)
	assert.False(t, held)
}

func TestRecoveryTruncatesToShortestReplica(t *testing.T) {
	e := newEnv(t, 3)

	id, err := e.coord.Create("/f", "writer-1", CreateOptions{})
	require.NoError(t, err)
	block, err := e.coord.AddBlock("/f", "writer-1", nil)
	require.NoError(t, err)
	require.Len(t, block.Locations, 3)

	// Replicas acked different prefixes when the writer died.
	require.NoError(t, e.cluster.Append(block.Locations[0], block.ID, block.GenerationStamp, bytesOf(100, 'a')))
	require.NoError(t, e.cluster.Append(block.Locations[1], block.ID, block.GenerationStamp, bytesOf(80, 'a')))
	require.NoError(t, e.cluster.Append(block.Locations[2], block.ID, block.GenerationStamp, bytesOf(90, 'a')))

	require.NoError(t, e.coord.RecoverFile(id))

	status, err := e.coord.GetFileStatus("/f")
	require.NoError(t, err)
	assert.Equal(t, types.FileComplete, status.State)
	assert.Equal(t, int64(80), status.Length)

	blocks, err := e.coord.GetBlockLocations("/f", 0, 80)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	settled := blocks[0]
	assert.Greater(t, settled.GenerationStamp, block.GenerationStamp)
	assert.Len(t, settled.Locations, 3)
	for _, node := range settled.Locations {
		length, stamp, err := e.cluster.ReplicaInfo(node, block.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(80), length)
		assert.Equal(t, settled.GenerationStamp, stamp)
	}
}

func TestRecoveryDropsStaleAndUnreachableReplicas(t *testing.T) {
	e := newEnv(t, 3)

	id, err := e.coord.Create("/f", "writer-1", CreateOptions{})
	require.NoError(t, err)
	block, err := e.coord.AddBlock("/f", "writer-1", nil)
	require.NoError(t, err)

	require.NoError(t, e.cluster.Append(block.Locations[0], block.ID, block.GenerationStamp, bytesOf(60, 'a')))
	// A replica stuck at an older stamp missed a pipeline repair.
	require.NoError(t, e.cluster.Append(block.Locations[1], block.ID, block.GenerationStamp-1, bytesOf(60, 'a')))
	require.NoError(t, e.cluster.Append(block.Locations[2], block.ID, block.GenerationStamp, bytesOf(60, 'a')))
	e.cluster.StopNode(block.Locations[2])

	require.NoError(t, e.coord.RecoverFile(id))

	blocks, err := e.coord.GetBlockLocations("/f", 0, 60)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, []types.NodeID{block.Locations[0]}, blocks[0].Locations)
	assert.Equal(t, int64(60), blocks[0].Length)
}

func TestRecoveryDropsBlockWithoutReplicas(t *testing.T) {
	e := newEnv(t, 3)

	id, err := e.coord.Create("/f", "writer-1", CreateOptions{})
	require.NoError(t, err)
	e.writeAndCommit(t, "/f", "writer-1", bytesOf(8192, 'a'))

	// The next block was allocated but no replica ever acked a byte.
	_, err = e.coord.AddBlock("/f", "writer-1", nil)
	require.NoError(t, err)

	require.NoError(t, e.coord.RecoverFile(id))

	status, err := e.coord.GetFileStatus("/f")
	require.NoError(t, err)
	assert.Equal(t, types.FileComplete, status.State)
	assert.Equal(t, int64(8192), status.Length)

	blocks, err := e.coord.GetBlockLocations("/f", 0, status.Length)
	require.NoError(t, err)
	assert.Len(t, blocks, 1)
}

func TestRecoveryIsReentrant(t *testing.T) {
	e := newEnv(t, 3)

	id, err := e.coord.Create("/f", "writer-1", CreateOptions{})
	require.NoError(t, err)
	e.writeBlock(t, "/f", "writer-1", bytesOf(10, 'a'))

	require.NoError(t, e.coord.RecoverFile(id))
	require.NoError(t, e.coord.RecoverFile(id))
	require.NoError(t, e.coord.RecoverFile(types.FileID(999999)))
}

func TestReportPipelineFailure(t *testing.T) {
	e := newEnv(t, 4)

	_, err := e.coord.Create("/f", "writer-1", CreateOptions{})
	require.NoError(t, err)
	block, err := e.coord.AddBlock("/f", "writer-1", nil)
	require.NoError(t, err)
	require.Len(t, block.Locations, 3)

	failed := block.Locations[1]
	repaired, err := e.coord.ReportPipelineFailure("/f", "writer-1", block.ID, failed)
	require.NoError(t, err)

	assert.Greater(t, repaired.GenerationStamp, block.GenerationStamp)
	assert.NotContains(t, repaired.Locations, failed)
	assert.Len(t, repaired.Locations, 3)

	// The failed node is out of the live set for future placements.
	node, ok := e.reg.Get(failed)
	require.True(t, ok)
	assert.Equal(t, types.NodeDead, node.Liveness)
}

func TestReleaseLeaseFinalizesFile(t *testing.T) {
	e := newEnv(t, 3)

	_, err := e.coord.Create("/f", "writer-1", CreateOptions{})
	require.NoError(t, err)
	e.writeBlock(t, "/f", "writer-1", bytesOf(40, 'a'))

	require.NoError(t, e.coord.ReleaseLease("/f", "writer-1"))

	status, err := e.coord.GetFileStatus("/f")
	require.NoError(t, err)
	assert.Equal(t, types.FileComplete, status.State)
	assert.Equal(t, int64(40), status.Length)

	assert.ErrorIs(t, e.coord.ReleaseLease("/f", "writer-1"), types.ErrNoLeaseHeld)
}

func TestDeleteFile(t *testing.T) {
	e := newEnv(t, 3)

	id, err := e.coord.Create("/f", "writer-1", CreateOptions{})
	require.NoError(t, err)
	block := e.writeAndCommit(t, "/f", "writer-1", bytesOf(100, 'a'))

	require.NoError(t, e.coord.Delete("/f"))

	_, err = e.coord.GetFileStatus("/f")
	assert.ErrorIs(t, err, types.ErrFileNotFound)
	for _, node := range block.Locations {
		_, _, err := e.cluster.ReplicaInfo(node, block.ID)
		assert.Error(t, err)
	}
	_, held := e.coord.LeaseManager().Holder(id)
	assert.False(t, held)

	// Deleting again is a no-op.
	require.NoError(t, e.coord.Delete("/f"))
}

func TestMkdir(t *testing.T) {
	e := newEnv(t, 3)

	require.NoError(t, e.coord.Mkdir("/a", 0755, false))
	require.NoError(t, e.coord.Mkdir("/a", 0755, false))

	assert.ErrorIs(t, e.coord.Mkdir("/x/y/z", 0755, false), types.ErrParentNotFound)
	require.NoError(t, e.coord.Mkdir("/x/y/z", 0755, true))

	children, err := e.coord.List("/x/y")
	require.NoError(t, err)
	assert.Equal(t, []string{"/x/y/z"}, children)

	assert.ErrorIs(t, e.coord.Mkdir("/a/", 0755, false), types.ErrInvalidPath)
}

func TestRestartReplaysLogAndDropsLeases(t *testing.T) {
	e := newEnv(t, 3)

	require.NoError(t, e.coord.Mkdir("/data", 0755, false))
	doneID, err := e.coord.Create("/data/done", "writer-1", CreateOptions{})
	require.NoError(t, err)
	e.writeAndCommit(t, "/data/done", "writer-1", bytesOf(8192, 'a'))
	done, err := e.coord.Complete("/data/done", "writer-1", doneID)
	require.NoError(t, err)
	require.True(t, done)

	openID, err := e.coord.Create("/data/open", "writer-1", CreateOptions{})
	require.NoError(t, err)
	e.writeAndCommit(t, "/data/open", "writer-1", bytesOf(500, 'b'))

	coord := e.reopenCoordinator(t, false)

	// Namespace and block metadata survive.
	status, err := coord.GetFileStatus("/data/done")
	require.NoError(t, err)
	assert.Equal(t, doneID, status.FileID)
	assert.Equal(t, int64(8192), status.Length)
	assert.Equal(t, types.FileComplete, status.State)

	status, err = coord.GetFileStatus("/data/open")
	require.NoError(t, err)
	assert.Equal(t, types.FileUnderConstruction, status.State)

	// Leases do not: the old writer is a stranger until it reopens.
	_, err = coord.AddBlock("/data/open", "writer-1", nil)
	require.ErrorIs(t, err, types.ErrNoLeaseHeld)

	assert.ErrorIs(t, coord.Reopen("/data/open", "writer-1", openID+100), types.ErrFileNotFound)
	require.NoError(t, coord.Reopen("/data/open", "writer-1", openID))
	e.writeAndCommit(t, "/data/open", "writer-1", bytesOf(300, 'c'))
	done, err = coord.Complete("/data/open", "writer-1", openID)
	require.NoError(t, err)
	require.True(t, done)

	status, err = coord.GetFileStatus("/data/open")
	require.NoError(t, err)
	assert.Equal(t, int64(800), status.Length)

	// Ids keep moving forward after the restart.
	nextID, err := coord.Create("/data/next", "writer-2", CreateOptions{})
	require.NoError(t, err)
	assert.Greater(t, nextID, openID)
}

func TestRestartFromSnapshot(t *testing.T) {
	e := newEnv(t, 3)

	id, err := e.coord.Create("/f", "writer-1", CreateOptions{})
	require.NoError(t, err)
	e.writeAndCommit(t, "/f", "writer-1", bytesOf(8192, 'a'))
	done, err := e.coord.Complete("/f", "writer-1", id)
	require.NoError(t, err)
	require.True(t, done)

	coord := e.reopenCoordinator(t, true)

	status, err := coord.GetFileStatus("/f")
	require.NoError(t, err)
	assert.Equal(t, id, status.FileID)
	assert.Equal(t, int64(8192), status.Length)

	blocks, err := coord.GetBlockLocations("/f", 0, 8192)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Len(t, blocks[0].Locations, 3)
}

func TestGetBlockLocationsRange(t *testing.T) {
	e := newEnv(t, 3)

	id, err := e.coord.Create("/f", "writer-1", CreateOptions{})
	require.NoError(t, err)
	e.writeAndCommit(t, "/f", "writer-1", bytesOf(8192, 'a'))
	e.writeAndCommit(t, "/f", "writer-1", bytesOf(8192, 'b'))
	e.writeAndCommit(t, "/f", "writer-1", bytesOf(100, 'c'))
	done, err := e.coord.Complete("/f", "writer-1", id)
	require.NoError(t, err)
	require.True(t, done)

	blocks, err := e.coord.GetBlockLocations("/f", 0, 1)
	require.NoError(t, err)
	assert.Len(t, blocks, 1)

	blocks, err = e.coord.GetBlockLocations("/f", 8192, 8192)
	require.NoError(t, err)
	require.Len(t, blocks, 1)

	blocks, err = e.coord.GetBlockLocations("/f", 8000, 400)
	require.NoError(t, err)
	assert.Len(t, blocks, 2)

	blocks, err = e.coord.GetBlockLocations("/f", 0, 20000)
	require.NoError(t, err)
	assert.Len(t, blocks, 3)
}

func TestIndependentFilesAllocateConcurrently(t *testing.T) {
	e := newEnv(t, 3)

	idA, err := e.coord.Create("/a", "writer-a", CreateOptions{})
	require.NoError(t, err)
	_, err = e.coord.Create("/b", "writer-b", CreateOptions{})
	require.NoError(t, err)

	// Simulate a slow in-flight mutation on /a by holding its lock.
	lockA := e.coord.getFileLock(idA)
	lockA.Lock()

	otherDone := make(chan error, 1)
	go func() {
		_, err := e.coord.AddBlock("/b", "writer-b", nil)
		otherDone <- err
	}()
	select {
	case err := <-otherDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		lockA.Unlock()
		t.Fatal("allocation for an independent file waited on another file's lock")
	}

	// Allocation on /a itself queues up behind the held lock.
	sameDone := make(chan error, 1)
	go func() {
		_, err := e.coord.AddBlock("/a", "writer-a", nil)
		sameDone <- err
	}()
	select {
	case <-sameDone:
		t.Fatal("allocation on a locked file did not wait")
	case <-time.After(50 * time.Millisecond):
	}

	lockA.Unlock()
	require.NoError(t, <-sameDone)
}

func TestRestartRestoresFileMode(t *testing.T) {
	e := newEnv(t, 3)

	_, err := e.coord.Create("/f", "writer-1", CreateOptions{Mode: 0600})
	require.NoError(t, err)

	coord := e.reopenCoordinator(t, false)

	coord.mu.RLock()
	entry := coord.files["/f"]
	coord.mu.RUnlock()
	require.NotNil(t, entry)
	assert.Equal(t, os.FileMode(0600), entry.Mode)
}

func TestUnderConstructionGaugeTracksDeleteAndOverwrite(t *testing.T) {
	e := newEnv(t, 3)
	gauge := e.coord.metrics.FilesUnderConstruction

	_, err := e.coord.Create("/f", "writer-1", CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(gauge))

	// Overwrite replaces one open file with another.
	_, err = e.coord.Create("/f", "writer-2", CreateOptions{Overwrite: true})
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(gauge))

	require.NoError(t, e.coord.Delete("/f"))
	assert.Equal(t, 0.0, testutil.ToFloat64(gauge))
}
