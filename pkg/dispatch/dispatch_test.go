package dispatch

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/lynfabric/fabric/pkg/events"
	"github.com/lynfabric/fabric/pkg/executor"
	"github.com/lynfabric/fabric/pkg/group"
	"github.com/lynfabric/fabric/pkg/lifecycle"
	"github.com/lynfabric/fabric/pkg/registry"
	"github.com/lynfabric/fabric/pkg/registry/fakeconn"
	"github.com/lynfabric/fabric/pkg/sharding"
	"github.com/lynfabric/fabric/pkg/storage"
	"github.com/lynfabric/fabric/pkg/types"
)

func newTestRegistry(t *testing.T) (*Registry, *fakeconn.Dialer) {
	t.Helper()
	store := storage.NewMemStore()
	dialer := fakeconn.NewDialer()
	exec := executor.New(store, 4)
	t.Cleanup(func() { exec.Shutdown(time.Second) })
	bus := events.NewBus(exec)
	reg := registry.New(store, dialer, bus)
	groups := group.New(store, reg, bus, exec)
	catalog := sharding.New(store)
	life := lifecycle.New(store, reg, bus, exec, catalog)

	r := New()
	RegisterAll(r, Components{
		Store: store, Registry: reg, Groups: groups, Catalog: catalog,
		Lifecycle: life, Exec: exec, Bus: bus,
	})
	return r, dialer
}

func TestInvoke_UnknownMethodReturnsUnknownCallable(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Invoke("group", "nope", Args{})
	require.Error(t, err)
}

func TestGroupLifecycle_CreateAddPromoteLookup(t *testing.T) {
	r, dialer := newTestRegistry(t)

	rec, err := r.Invoke("group", "create", Args{"id": "g1", "desc": "first group"})
	require.NoError(t, err)
	require.Equal(t, types.ProcedureComplete, rec.State)

	masterID := uuid.New()
	conn := fakeconn.New("g1-a:3306", masterID)
	dialer.Add("g1-a:3306", conn)

	rec, err = r.Invoke("group", "add", Args{"id": "g1", "address": "g1-a:3306"})
	require.NoError(t, err)
	require.Equal(t, types.ProcedureComplete, rec.State, "%+v", rec.Diagnosis)

	rec, err = r.Invoke("group", "promote", Args{"id": "g1", "uuid": masterID.String()})
	require.NoError(t, err)
	require.Equal(t, types.ProcedureComplete, rec.State, "%+v", rec.Diagnosis)

	rec, err = r.Invoke("group", "lookup_servers", Args{"id": "g1"})
	require.NoError(t, err)
	servers, ok := rec.ReturnValue.([]*types.Server)
	require.True(t, ok)
	require.Len(t, servers, 1)
	require.Equal(t, types.ServerPrimary, servers[0].Status)

	secondaryID := uuid.New()
	secondaryConn := fakeconn.New("g1-b:3306", secondaryID)
	dialer.Add("g1-b:3306", secondaryConn)
	rec, err = r.Invoke("group", "add", Args{"id": "g1", "address": "g1-b:3306"})
	require.NoError(t, err)
	require.Equal(t, types.ProcedureComplete, rec.State, "%+v", rec.Diagnosis)

	rec, err = r.Invoke("group", "remove", Args{"id": "g1", "uuid": secondaryID.String()})
	require.NoError(t, err)
	require.Equal(t, types.ProcedureComplete, rec.State, "%+v", rec.Diagnosis)

	rec, err = r.Invoke("group", "lookup_servers", Args{"id": "g1"})
	require.NoError(t, err, "lookup_servers must not fail for a group that had a member removed")
	servers, ok = rec.ReturnValue.([]*types.Server)
	require.True(t, ok)
	require.Len(t, servers, 1)
	require.Equal(t, masterID, servers[0].UUID)
}

func TestShardingLifecycle_CreateDefinitionAddTableAddShardLookup(t *testing.T) {
	r, dialer := newTestRegistry(t)

	for _, id := range []string{"global", "g1"} {
		_, err := r.Invoke("group", "create", Args{"id": id})
		require.NoError(t, err)
		masterID := uuid.New()
		addr := id + "-a:3306"
		dialer.Add(addr, fakeconn.New(addr, masterID))
		rec, err := r.Invoke("group", "add", Args{"id": id, "address": addr})
		require.NoError(t, err)
		require.Equal(t, types.ProcedureComplete, rec.State, "%+v", rec.Diagnosis)
		rec, err = r.Invoke("group", "promote", Args{"id": id, "uuid": masterID.String()})
		require.NoError(t, err)
		require.Equal(t, types.ProcedureComplete, rec.State, "%+v", rec.Diagnosis)
	}

	rec, err := r.Invoke("sharding", "create_definition", Args{"type": "RANGE", "global_group": "global"})
	require.NoError(t, err)
	mappingID := rec.ReturnValue.(int64)

	rec, err = r.Invoke("sharding", "add_table", Args{"mapping_id": mappingID, "table": "shop.orders", "key": "customer_id"})
	require.NoError(t, err)
	require.Equal(t, types.ProcedureComplete, rec.State)

	rec, err = r.Invoke("sharding", "add_shard", Args{"mapping_id": mappingID, "spec": "g1/0", "state": "ENABLED"})
	require.NoError(t, err)
	ids := rec.ReturnValue.([]int64)
	require.Len(t, ids, 1)

	rec, err = r.Invoke("sharding", "lookup_servers", Args{"table": "shop.orders", "key": "100"})
	require.NoError(t, err)
	servers := rec.ReturnValue.([]*types.Server)
	require.Len(t, servers, 1)
}

func TestEventTriggerAndWaitFor(t *testing.T) {
	r, _ := newTestRegistry(t)

	rec, err := r.Invoke("event", "trigger", Args{"name": "SHARD_PRUNED"})
	require.NoError(t, err)
	ids, ok := rec.ReturnValue.([]string)
	require.True(t, ok)
	require.Empty(t, ids, "no subscribers registered for SHARD_PRUNED")

	rec, err = r.Invoke("event", "wait_for", Args{"ids": ids})
	require.NoError(t, err)
	require.Equal(t, types.ProcedureComplete, rec.State)
}
