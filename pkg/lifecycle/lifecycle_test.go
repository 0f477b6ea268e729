package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/lynfabric/fabric/pkg/events"
	"github.com/lynfabric/fabric/pkg/executor"
	"github.com/lynfabric/fabric/pkg/ferrors"
	"github.com/lynfabric/fabric/pkg/registry"
	"github.com/lynfabric/fabric/pkg/registry/fakeconn"
	"github.com/lynfabric/fabric/pkg/sharding"
	"github.com/lynfabric/fabric/pkg/storage"
	"github.com/lynfabric/fabric/pkg/types"
)

const qualifiedTable = "shop.orders"

type harness struct {
	store   storage.MetadataStore
	dialer  *fakeconn.Dialer
	reg     *registry.Registry
	bus     *events.Bus
	exec    *executor.Executor
	catalog *sharding.Catalog
	life    *Lifecycle
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := storage.NewMemStore()
	dialer := fakeconn.NewDialer()
	ex := executor.New(store, 4)
	t.Cleanup(func() { ex.Shutdown(time.Second) })
	bus := events.NewBus(ex)
	reg := registry.New(store, dialer, bus)
	catalog := sharding.New(store)
	return &harness{
		store: store, dialer: dialer, reg: reg, bus: bus, exec: ex, catalog: catalog,
		life: New(store, reg, bus, ex, catalog),
	}
}

// addGroupWithMaster creates a group with a single PRIMARY server and
// returns the master's fake connection for seeding rows and status.
func (h *harness) addGroupWithMaster(t *testing.T, groupID string) (*types.Server, *fakeconn.Conn) {
	t.Helper()
	master := &types.Server{UUID: uuid.New(), Address: groupID + "-master:3306", Status: types.ServerPrimary, GroupID: groupID, CreatedAt: time.Now()}
	conn := fakeconn.New(master.Address, master.UUID)
	h.dialer.Add(master.Address, conn)

	txn, err := h.store.Begin()
	require.NoError(t, err)
	require.NoError(t, txn.CreateGroup(&types.Group{GroupID: groupID, Status: types.GroupActive, Servers: []uuid.UUID{master.UUID}, Master: &master.UUID}))
	require.NoError(t, txn.CreateServer(master))
	require.NoError(t, txn.Commit())
	return master, conn
}

func (h *harness) wait(t *testing.T, procID string, err error) *types.ProcedureRecord {
	t.Helper()
	require.NoError(t, err)
	require.NoError(t, h.exec.WaitFor(context.Background(), procID))
	rec, rerr := h.exec.Status(procID)
	require.NoError(t, rerr)
	return rec
}

// setupMoveTopology wires three groups (src, dest, global), registers one
// RANGE mapping over qualifiedTable keyed by "customer_id", and creates a
// single shard on src spanning [0, infinity). Rows below 500 and at or
// above 500 are both seeded on src so a split at "500" has something to
// move and to prune.
func setupMoveTopology(t *testing.T, h *harness) (mappingID, shardID int64, src, dest, global *fakeconn.Conn, srcServer, destServer *types.Server) {
	t.Helper()
	_, global = h.addGroupWithMaster(t, "global")
	srcServer, src = h.addGroupWithMaster(t, "src")
	destServer, dest = h.addGroupWithMaster(t, "dest")

	id, err := h.catalog.CreateDefinition(types.MappingRange, "global")
	require.NoError(t, err)
	require.NoError(t, h.catalog.AddTable(id, "shop", "orders", "customer_id"))

	ids, err := h.catalog.AddShard(id, "src/0", types.ShardEnabled)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	src.SeedRows(qualifiedTable, []fakeconn.Row{
		{Key: "100", Fields: map[string]any{"customer_id": "100"}},
		{Key: "900", Fields: map[string]any{"customer_id": "900"}},
	})
	dest.SetReplicationStatus(registry.ReplicationStatus{SecondsBehindMaster: 0})

	return id, ids[0], src, dest, global, srcServer, destServer
}

func TestMoveShard_Success(t *testing.T) {
	h := newHarness(t)
	_, shardID, src, dest, _, _, _ := setupMoveTopology(t, h)

	procID, err := h.life.MoveShard(shardID, "dest", false)
	rec := h.wait(t, procID, err)
	require.Equal(t, types.ProcedureComplete, rec.State, "%+v", rec.Diagnosis)

	txn, err := h.store.Begin()
	require.NoError(t, err)
	defer txn.Rollback()
	shard, err := txn.GetShard(shardID)
	require.NoError(t, err)
	require.Equal(t, "dest", shard.GroupID)
	require.Equal(t, types.ShardEnabled, shard.State)

	require.Empty(t, src.Rows(qualifiedTable))
	destRows := dest.Rows(qualifiedTable)
	require.Len(t, destRows, 2)

	status, err := dest.ReplicationStatus(context.Background())
	require.NoError(t, err)
	require.True(t, status.Running)
}

func TestMoveShard_UpdateOnlySkipsDataMovement(t *testing.T) {
	h := newHarness(t)
	_, shardID, src, dest, _, _, _ := setupMoveTopology(t, h)

	procID, err := h.life.MoveShard(shardID, "dest", true)
	rec := h.wait(t, procID, err)
	require.Equal(t, types.ProcedureComplete, rec.State, "%+v", rec.Diagnosis)

	txn, err := h.store.Begin()
	require.NoError(t, err)
	defer txn.Rollback()
	shard, err := txn.GetShard(shardID)
	require.NoError(t, err)
	require.Equal(t, "dest", shard.GroupID)

	require.Len(t, src.Rows(qualifiedTable), 2, "update_only must not touch source rows")
	require.Empty(t, dest.Rows(qualifiedTable), "update_only must not copy rows")
}

func TestMoveShard_CatchupTimeoutUndoesAndRestoresShard(t *testing.T) {
	h := newHarness(t)
	_, shardID, src, dest, _, _, _ := setupMoveTopology(t, h)

	oldTimeout := CatchupTimeout
	CatchupTimeout = 100 * time.Millisecond
	defer func() { CatchupTimeout = oldTimeout }()

	dest.SetReplicationStatus(registry.ReplicationStatus{SecondsBehindMaster: 999})

	procID, err := h.life.MoveShard(shardID, "dest", false)
	rec := h.wait(t, procID, err)
	require.Equal(t, types.ProcedureFailed, rec.State)

	txn, err := h.store.Begin()
	require.NoError(t, err)
	defer txn.Rollback()
	shard, err := txn.GetShard(shardID)
	require.NoError(t, err)
	require.Equal(t, "src", shard.GroupID)
	require.Equal(t, types.ShardEnabled, shard.State)

	require.Len(t, src.Rows(qualifiedTable), 2, "source rows must survive an undone move")
	require.Empty(t, dest.Rows(qualifiedTable), "snapshot undo must clear what was copied to dest")
}

func TestMoveShard_LockedShardRejectsConcurrentAttempt(t *testing.T) {
	h := newHarness(t)
	_, shardID, _, _, _, _, _ := setupMoveTopology(t, h)

	txn, err := h.store.Begin()
	require.NoError(t, err)
	require.NoError(t, txn.AcquireShardLock(shardID, "someone-else"))
	require.NoError(t, txn.Commit())

	procID, err := h.life.MoveShard(shardID, "dest", false)
	rec := h.wait(t, procID, err)
	require.Equal(t, types.ProcedureFailed, rec.State)
	require.NotEmpty(t, rec.Diagnosis)
	require.Contains(t, rec.Diagnosis[0].Diagnosis, string(ferrors.KindShardBusy))
}

func TestSplitShard_CreatesBoundedShardAndPrunesBothSides(t *testing.T) {
	h := newHarness(t)
	mappingID, shardID, src, dest, _, _, _ := setupMoveTopology(t, h)

	procID, err := h.life.SplitShard(shardID, "dest", "500")
	rec := h.wait(t, procID, err)
	require.Equal(t, types.ProcedureComplete, rec.State, "%+v", rec.Diagnosis)

	txn, err := h.store.Begin()
	require.NoError(t, err)
	shards, err := txn.ListShardsByMapping(mappingID)
	require.NoError(t, err)
	txn.Rollback()
	require.Len(t, shards, 2)

	var newShardID int64
	for _, s := range shards {
		if s.ShardID != shardID {
			newShardID = s.ShardID
		}
		require.Equal(t, types.ShardEnabled, s.State)
	}
	require.NotZero(t, newShardID)

	lower, upper, err := h.catalog.ShardRangeBounds(newShardID)
	require.NoError(t, err)
	require.Equal(t, "500", lower)
	require.Nil(t, upper)

	srcRows := src.Rows(qualifiedTable)
	require.Len(t, srcRows, 1)
	require.Equal(t, "100", srcRows[0].Key)

	destRows := dest.Rows(qualifiedTable)
	require.Len(t, destRows, 1)
	require.Equal(t, "900", destRows[0].Key)
}

func TestSplitShard_RejectsPivotOutsideRange(t *testing.T) {
	h := newHarness(t)
	_, shardID, _, _, _, _, _ := setupMoveTopology(t, h)

	_, err := h.life.SplitShard(shardID, "dest", "0")
	require.Error(t, err)
	require.True(t, ferrors.Is(err, ferrors.KindSharding))
}

func TestPruneShard_RemovesOutOfRangeRowsAndIsIdempotent(t *testing.T) {
	h := newHarness(t)
	_, _, src, _, _, _, _ := setupMoveTopology(t, h)

	src.SeedRows(qualifiedTable, []fakeconn.Row{
		{Key: "100", Fields: map[string]any{"customer_id": "100"}},
		{Key: "900", Fields: map[string]any{"customer_id": "900"}},
		{Key: "-5", Fields: map[string]any{"customer_id": "-5"}},
	})

	procID, err := h.life.PruneShard(qualifiedTable)
	rec := h.wait(t, procID, err)
	require.Equal(t, types.ProcedureComplete, rec.State, "%+v", rec.Diagnosis)

	rows := src.Rows(qualifiedTable)
	require.Len(t, rows, 2)

	procID, err = h.life.PruneShard(qualifiedTable)
	rec = h.wait(t, procID, err)
	require.Equal(t, types.ProcedureComplete, rec.State)
	require.Len(t, src.Rows(qualifiedTable), 2, "second prune must be a no-op")
}

func TestEnableDisableShard_ThinProceduresWrapCatalog(t *testing.T) {
	h := newHarness(t)
	_, shardID, _, _, _, _, _ := setupMoveTopology(t, h)

	procID, err := h.life.DisableShard(shardID)
	rec := h.wait(t, procID, err)
	require.Equal(t, types.ProcedureComplete, rec.State)

	txn, err := h.store.Begin()
	require.NoError(t, err)
	shard, err := txn.GetShard(shardID)
	require.NoError(t, err)
	txn.Rollback()
	require.Equal(t, types.ShardDisabled, shard.State)

	procID, err = h.life.EnableShard(shardID)
	rec = h.wait(t, procID, err)
	require.Equal(t, types.ProcedureComplete, rec.State)

	txn, err = h.store.Begin()
	require.NoError(t, err)
	defer txn.Rollback()
	shard, err = txn.GetShard(shardID)
	require.NoError(t, err)
	require.Equal(t, types.ShardEnabled, shard.State)
}
