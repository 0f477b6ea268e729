package reconciler

import (
	"context"
	"time"

	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/lynfabric/fabric/pkg/events"
	"github.com/lynfabric/fabric/pkg/executor"
	"github.com/lynfabric/fabric/pkg/health"
	"github.com/lynfabric/fabric/pkg/storage"
	"github.com/lynfabric/fabric/pkg/types"
)

type fakeChecker struct{ healthy bool }

func (f fakeChecker) Check(ctx context.Context) health.Result {
	return health.Result{Healthy: f.healthy}
}
func (f fakeChecker) Type() health.CheckType { return health.CheckTypeTCP }

func TestReconcile_MarksServerFaultyAfterThreeFailedProbes(t *testing.T) {
	store := storage.NewMemStore()
	ex := executor.New(store, 2)
	defer ex.Shutdown(time.Second)
	bus := events.NewBus(ex)

	var lostArg string
	lost := make(chan struct{}, 1)
	_, err := bus.Register(events.ServerLost, func(id string) {
		lostArg = id
		lost <- struct{}{}
	})
	require.NoError(t, err)

	srv := &types.Server{UUID: uuid.New(), Address: "10.0.0.1:3306", Status: types.ServerSecondary}
	txn, err := store.Begin()
	require.NoError(t, err)
	require.NoError(t, txn.CreateServer(srv))
	require.NoError(t, txn.Commit())

	r := New(store, bus, fakeChecker{healthy: false})

	r.reconcile()
	r.reconcile()
	r.reconcile()

	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatal("expected SERVER_LOST to fire")
	}
	require.Equal(t, srv.UUID.String(), lostArg)

	txn, err = store.Begin()
	require.NoError(t, err)
	defer txn.Rollback()
	got, err := txn.GetServer(srv.UUID)
	require.NoError(t, err)
	require.Equal(t, types.ServerFaulty, got.Status)
}

func TestReconcile_HealthyServerStaysSecondary(t *testing.T) {
	store := storage.NewMemStore()
	ex := executor.New(store, 2)
	defer ex.Shutdown(time.Second)
	bus := events.NewBus(ex)

	srv := &types.Server{UUID: uuid.New(), Address: "10.0.0.1:3306", Status: types.ServerSecondary}
	txn, err := store.Begin()
	require.NoError(t, err)
	require.NoError(t, txn.CreateServer(srv))
	require.NoError(t, txn.Commit())

	r := New(store, bus, fakeChecker{healthy: true})
	r.reconcile()

	txn, err = store.Begin()
	require.NoError(t, err)
	defer txn.Rollback()
	got, err := txn.GetServer(srv.UUID)
	require.NoError(t, err)
	require.Equal(t, types.ServerSecondary, got.Status)
}
