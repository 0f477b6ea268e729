package coordinator

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lynfabric/fabric/pkg/storage"
	"github.com/lynfabric/fabric/pkg/types"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())
	return addr
}

func newTestCoordinator(t *testing.T) (*Coordinator, storage.MetadataStore) {
	t.Helper()
	store := storage.NewMemStore()
	cfg := Config{NodeID: "node-1", BindAddr: freeAddr(t), DataDir: t.TempDir()}

	c, err := New(cfg, store)
	require.NoError(t, err)
	require.NoError(t, c.Bootstrap())
	require.Eventually(t, c.IsLeader, 5*time.Second, 10*time.Millisecond, "node never became leader of its single-voter cluster")
	t.Cleanup(func() { _ = c.Shutdown() })

	return c, store
}

func TestCoordinator_ProposeAppliesThroughFSM(t *testing.T) {
	c, store := newTestCoordinator(t)

	require.NoError(t, c.CreateGroup(&types.Group{GroupID: "g1", Status: types.GroupActive}))

	txn, err := store.Begin()
	require.NoError(t, err)
	defer txn.Rollback()

	got, err := txn.GetGroup("g1")
	require.NoError(t, err)
	require.Equal(t, "g1", got.GroupID)
}

func TestCoordinator_DeleteGroupAppliesThroughFSM(t *testing.T) {
	c, store := newTestCoordinator(t)

	require.NoError(t, c.CreateGroup(&types.Group{GroupID: "g1", Status: types.GroupActive}))
	require.NoError(t, c.DeleteGroup("g1"))

	txn, err := store.Begin()
	require.NoError(t, err)
	defer txn.Rollback()

	_, err = txn.GetGroup("g1")
	require.Error(t, err)
}

func TestCoordinator_ProposeFailsWhenOpUnknown(t *testing.T) {
	c, _ := newTestCoordinator(t)

	err := c.propose(Op("not_a_real_op"), map[string]string{}, defaultApplyTimeout)
	require.Error(t, err)
}

// fakeSnapshotSink implements raft.SnapshotSink over an in-memory buffer so
// Persist/Restore can round-trip without touching a real snapshot store.
type fakeSnapshotSink struct {
	bytes.Buffer
	cancelled bool
}

func (s *fakeSnapshotSink) ID() string      { return "fake-snapshot" }
func (s *fakeSnapshotSink) Close() error    { return nil }
func (s *fakeSnapshotSink) Cancel() error   { s.cancelled = true; return nil }

func TestFSM_SnapshotRestoreRoundTrips(t *testing.T) {
	srcStore := storage.NewMemStore()
	fsm := NewFSM(srcStore)

	txn, err := srcStore.Begin()
	require.NoError(t, err)
	require.NoError(t, txn.CreateGroup(&types.Group{GroupID: "g1", Status: types.GroupActive}))
	require.NoError(t, txn.CreateMapping(&types.ShardMapping{MappingID: 1, Type: types.MappingRange, GlobalGroupID: "g1"}))
	require.NoError(t, txn.CreateShard(&types.Shard{ShardID: 10, MappingID: 1, State: types.ShardEnabled, GroupID: "g1"}))
	require.NoError(t, txn.Commit())

	snap, err := fsm.Snapshot()
	require.NoError(t, err)

	sink := &fakeSnapshotSink{}
	require.NoError(t, snap.Persist(sink))
	require.False(t, sink.cancelled)

	dstStore := storage.NewMemStore()
	dstFSM := NewFSM(dstStore)
	require.NoError(t, dstFSM.Restore(&nopReadCloser{Reader: bytes.NewReader(sink.Bytes())}))

	dstTxn, err := dstStore.Begin()
	require.NoError(t, err)
	defer dstTxn.Rollback()

	g, err := dstTxn.GetGroup("g1")
	require.NoError(t, err)
	require.Equal(t, "g1", g.GroupID)

	shard, err := dstTxn.GetShard(10)
	require.NoError(t, err)
	require.Equal(t, int64(1), shard.MappingID)
}

type nopReadCloser struct{ *bytes.Reader }

func (nopReadCloser) Close() error { return nil }
