package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/lynfabric/fabric/pkg/events"
	"github.com/lynfabric/fabric/pkg/executor"
	"github.com/lynfabric/fabric/pkg/ferrors"
	"github.com/lynfabric/fabric/pkg/registry/fakeconn"
	"github.com/lynfabric/fabric/pkg/storage"
	"github.com/lynfabric/fabric/pkg/types"
)

func newTestRegistry(t *testing.T) (*Registry, *fakeconn.Dialer, *events.Bus) {
	t.Helper()
	store := storage.NewMemStore()
	dialer := fakeconn.NewDialer()
	ex := executor.New(store, 2)
	t.Cleanup(func() { ex.Shutdown(time.Second) })
	bus := events.NewBus(ex)
	return New(store, dialer, bus), dialer, bus
}

func TestDiscoverUUID_Success(t *testing.T) {
	reg, dialer, _ := newTestRegistry(t)
	id := uuid.New()
	dialer.Add("10.0.0.1:3306", fakeconn.New("10.0.0.1:3306", id))

	got, err := reg.DiscoverUUID(context.Background(), "10.0.0.1:3306", Credentials{User: "root"})
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func TestDiscoverUUID_ConnectError(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	_, err := reg.DiscoverUUID(context.Background(), "10.0.0.9:3306", Credentials{})
	require.True(t, ferrors.Is(err, ferrors.KindConnect))
}

func TestDiscoverUUID_AuthError(t *testing.T) {
	reg, dialer, _ := newTestRegistry(t)
	conn := fakeconn.New("10.0.0.1:3306", uuid.New())
	conn.FailAuth(errors.New("access denied"))
	dialer.Add("10.0.0.1:3306", conn)

	_, err := reg.DiscoverUUID(context.Background(), "10.0.0.1:3306", Credentials{})
	require.True(t, ferrors.Is(err, ferrors.KindAuth))
}

func TestAdd_RejectsDuplicateUUIDDifferentAddress(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	id := uuid.New()
	require.NoError(t, reg.Add(&types.Server{UUID: id, Address: "10.0.0.1:3306"}))

	err := reg.Add(&types.Server{UUID: id, Address: "10.0.0.2:3306"})
	require.True(t, ferrors.Is(err, ferrors.KindServer))
}

func TestAdd_ReaddingSameAddressIsIdempotent(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	id := uuid.New()
	require.NoError(t, reg.Add(&types.Server{UUID: id, Address: "10.0.0.1:3306"}))
	require.NoError(t, reg.Add(&types.Server{UUID: id, Address: "10.0.0.1:3306"}))
}

func TestLookup_RemoveNoLongerFound(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	id := uuid.New()
	require.NoError(t, reg.Add(&types.Server{UUID: id, Address: "10.0.0.1:3306"}))

	got, err := reg.Lookup(id)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:3306", got.Address)

	require.NoError(t, reg.Remove(id))
	_, err = reg.Lookup(id)
	require.Error(t, err)
}

func TestConnect_PoolsConnection(t *testing.T) {
	reg, dialer, _ := newTestRegistry(t)
	id := uuid.New()
	require.NoError(t, reg.Add(&types.Server{UUID: id, Address: "10.0.0.1:3306"}))
	dialer.Add("10.0.0.1:3306", fakeconn.New("10.0.0.1:3306", id))

	c1, err := reg.Connect(context.Background(), id)
	require.NoError(t, err)
	c2, err := reg.Connect(context.Background(), id)
	require.NoError(t, err)
	require.Same(t, c1, c2)
}

func TestConnect_FailureMarksFaultyAndTriggersServerLost(t *testing.T) {
	reg, _, bus := newTestRegistry(t)
	id := uuid.New()
	require.NoError(t, reg.Add(&types.Server{UUID: id, Address: "10.0.0.9:3306", Status: types.ServerSecondary}))

	lost := make(chan string, 1)
	_, err := bus.Register(events.ServerLost, func(serverID string) { lost <- serverID })
	require.NoError(t, err)

	_, err = reg.Connect(context.Background(), id)
	require.True(t, ferrors.Is(err, ferrors.KindConnect))

	select {
	case got := <-lost:
		require.Equal(t, id.String(), got)
	case <-time.After(time.Second):
		t.Fatal("expected SERVER_LOST to fire")
	}

	srv, err := reg.Lookup(id)
	require.NoError(t, err)
	require.Equal(t, types.ServerFaulty, srv.Status)
}
