package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lynfabric/fabric/pkg/executor"
	"github.com/lynfabric/fabric/pkg/ferrors"
	"github.com/lynfabric/fabric/pkg/storage"
)

func newTestBus(t *testing.T) (*Bus, *executor.Executor) {
	t.Helper()
	ex := executor.New(storage.NewMemStore(), 4)
	t.Cleanup(func() { ex.Shutdown(time.Second) })
	return NewBus(ex), ex
}

func TestRegister_IsRegistered_Unregister(t *testing.T) {
	bus, _ := newTestBus(t)

	fn := func(arg int) {}
	ok, err := bus.IsRegistered(ServerLost, fn)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = bus.Register(ServerLost, fn)
	require.NoError(t, err)

	ok, err = bus.IsRegistered(ServerLost, fn)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, bus.Unregister(ServerLost, fn))

	ok, err = bus.IsRegistered(ServerLost, fn)
	require.NoError(t, err)
	assert.False(t, ok)

	err = bus.Unregister(ServerLost, fn)
	assert.True(t, ferrors.Is(err, ferrors.KindUnknownCallable))
}

func TestRegister_NotEvent(t *testing.T) {
	bus, _ := newTestBus(t)
	_, err := bus.Register([]int{1}, func() {})
	assert.True(t, ferrors.Is(err, ferrors.KindNotEvent))
}

func TestRegister_AllOrNothingOnNonCallable(t *testing.T) {
	bus, _ := newTestBus(t)
	_, err := bus.Register(ServerLost, func() {}, 5)
	assert.True(t, ferrors.Is(err, ferrors.KindNotCallable))

	ok, err := bus.IsRegistered(ServerLost, func() {})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTrigger_InvokesOneJobPerSubscriber(t *testing.T) {
	bus, ex := newTestBus(t)

	done := make(chan int, 2)
	first := func(n int) { done <- n }
	second := func(n int) { done <- n * 10 }

	_, err := bus.Register(ServerPromoted, first, second)
	require.NoError(t, err)

	ids, err := bus.Trigger(ServerPromoted, 3)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	require.NoError(t, ex.WaitFor(context.Background(), ids...))

	results := []int{<-done, <-done}
	assert.ElementsMatch(t, []int{3, 30}, results)
}

func TestTrigger_ByName(t *testing.T) {
	bus, ex := newTestBus(t)

	var got string
	_, err := bus.Register("SERVER_LOST", func(host string) { got = host })
	require.NoError(t, err)

	ids, err := bus.Trigger("SERVER_LOST", "db1.example.com")
	require.NoError(t, err)
	require.NoError(t, ex.WaitFor(context.Background(), ids...))

	assert.Equal(t, "db1.example.com", got)
}

func TestTrigger_UndoRunsOnSubscriberFailure(t *testing.T) {
	bus, ex := newTestBus(t)

	var state string
	forward := func(arg string) error {
		state = arg
		return errors.New("boom")
	}
	undo := func(arg string) { state = "Undone" }

	_, err := bus.Register(ServerDemoted, forward)
	require.NoError(t, err)
	require.NoError(t, bus.SetUndo(ServerDemoted, forward, undo))

	ids, err := bus.Trigger(ServerDemoted, "Executing")
	require.NoError(t, err)
	require.NoError(t, ex.WaitFor(context.Background(), ids...))

	assert.Equal(t, "Undone", state)
}
