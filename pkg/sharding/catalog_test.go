package sharding

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/lynfabric/fabric/pkg/ferrors"
	"github.com/lynfabric/fabric/pkg/storage"
	"github.com/lynfabric/fabric/pkg/types"
)

func newTestCatalog(t *testing.T) (*Catalog, storage.MetadataStore) {
	t.Helper()
	store := storage.NewMemStore()
	txn, err := store.Begin()
	require.NoError(t, err)
	require.NoError(t, txn.CreateGroup(&types.Group{GroupID: "global", Status: types.GroupActive}))
	require.NoError(t, txn.CreateGroup(&types.Group{GroupID: "g1", Status: types.GroupActive}))
	require.NoError(t, txn.CreateGroup(&types.Group{GroupID: "g2", Status: types.GroupActive}))
	require.NoError(t, txn.Commit())
	return New(store), store
}

func TestCreateDefinitionAndAddTable(t *testing.T) {
	c, _ := newTestCatalog(t)
	id, err := c.CreateDefinition(types.MappingRange, "global")
	require.NoError(t, err)
	require.NoError(t, c.AddTable(id, "shop", "orders", "customer_id"))
}

func TestAddShard_RangeLookup(t *testing.T) {
	c, _ := newTestCatalog(t)
	id, err := c.CreateDefinition(types.MappingRange, "global")
	require.NoError(t, err)

	ids, err := c.AddShard(id, "g1/0,g2/1000", types.ShardEnabled)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	shardID, err := c.LookupShard(id, "500")
	require.NoError(t, err)
	require.Equal(t, ids[0], shardID)

	shardID, err = c.LookupShard(id, "1500")
	require.NoError(t, err)
	require.Equal(t, ids[1], shardID)
}

func TestAddShard_RangeStringLookup(t *testing.T) {
	c, _ := newTestCatalog(t)
	id, err := c.CreateDefinition(types.MappingRangeString, "global")
	require.NoError(t, err)

	ids, err := c.AddShard(id, "g1/a,g2/m", types.ShardEnabled)
	require.NoError(t, err)

	shardID, err := c.LookupShard(id, "b")
	require.NoError(t, err)
	require.Equal(t, ids[0], shardID)

	shardID, err = c.LookupShard(id, "z")
	require.NoError(t, err)
	require.Equal(t, ids[1], shardID)
}

func TestAddShard_DuplicateBoundRejected(t *testing.T) {
	c, _ := newTestCatalog(t)
	id, err := c.CreateDefinition(types.MappingRange, "global")
	require.NoError(t, err)

	_, err = c.AddShard(id, "g1/0", types.ShardEnabled)
	require.NoError(t, err)

	_, err = c.AddShard(id, "g2/0", types.ShardEnabled)
	require.True(t, ferrors.Is(err, ferrors.KindSharding))
}

func TestLookupShard_HashRingConsistentAndCoversAllKeys(t *testing.T) {
	c, _ := newTestCatalog(t)
	id, err := c.CreateDefinition(types.MappingHash, "global")
	require.NoError(t, err)

	ids, err := c.AddShard(id, "g1/0,g2/9223372036854775808", types.ShardEnabled)
	require.NoError(t, err)

	first, err := c.LookupShard(id, "customer-42")
	require.NoError(t, err)
	require.Contains(t, ids, first)

	second, err := c.LookupShard(id, "customer-42")
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestLookupShard_NoSuchShardWhenNoneEnabled(t *testing.T) {
	c, _ := newTestCatalog(t)
	id, err := c.CreateDefinition(types.MappingRange, "global")
	require.NoError(t, err)

	ids, err := c.AddShard(id, "g1/0", types.ShardDisabled)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	_, err = c.LookupShard(id, "5")
	require.True(t, ferrors.Is(err, ferrors.KindSharding))
}

func TestLookupServers_LocalAndGlobal(t *testing.T) {
	c, store := newTestCatalog(t)

	txn, err := store.Begin()
	require.NoError(t, err)
	srv := &types.Server{Address: "10.0.0.1:3306", UUID: uuid.New()}
	require.NoError(t, txn.CreateServer(srv))
	g1, err := txn.GetGroup("g1")
	require.NoError(t, err)
	g1.Servers = []uuid.UUID{srv.UUID}
	require.NoError(t, txn.UpdateGroup(g1))
	require.NoError(t, txn.Commit())

	mappingID, err := c.CreateDefinition(types.MappingRange, "global")
	require.NoError(t, err)
	require.NoError(t, c.AddTable(mappingID, "shop", "orders", "id"))
	ids, err := c.AddShard(mappingID, "g1/0", types.ShardEnabled)
	require.NoError(t, err)

	servers, err := c.LookupServers(ids[0], "5", Local)
	require.NoError(t, err)
	require.Len(t, servers, 1)
	require.Equal(t, srv.UUID, servers[0].UUID)

	servers, err = c.LookupServers("shop.orders", "5", Global)
	require.NoError(t, err)
	require.Len(t, servers, 0)
}

func TestEnableShard_RequiresPrimary(t *testing.T) {
	c, store := newTestCatalog(t)
	id, err := c.CreateDefinition(types.MappingRange, "global")
	require.NoError(t, err)
	ids, err := c.AddShard(id, "g1/0", types.ShardDisabled)
	require.NoError(t, err)

	err = c.EnableShard(ids[0])
	require.True(t, ferrors.Is(err, ferrors.KindSharding))

	txn, err := store.Begin()
	require.NoError(t, err)
	g1, err := txn.GetGroup("g1")
	require.NoError(t, err)
	master := uuid.New()
	g1.Master = &master
	require.NoError(t, txn.UpdateGroup(g1))
	require.NoError(t, txn.Commit())

	require.NoError(t, c.EnableShard(ids[0]))
}

func TestRemoveShard_RequiresDisabled(t *testing.T) {
	c, _ := newTestCatalog(t)
	id, err := c.CreateDefinition(types.MappingRange, "global")
	require.NoError(t, err)
	ids, err := c.AddShard(id, "g1/0", types.ShardEnabled)
	require.NoError(t, err)

	err = c.RemoveShard(ids[0])
	require.True(t, ferrors.Is(err, ferrors.KindSharding))

	require.NoError(t, c.DisableShard(ids[0]))
	require.NoError(t, c.RemoveShard(ids[0]))
}
