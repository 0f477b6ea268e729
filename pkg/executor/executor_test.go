package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lynfabric/fabric/pkg/storage"
	"github.com/lynfabric/fabric/pkg/types"
)

func TestSubmit_CompletesOnSuccess(t *testing.T) {
	ex := New(storage.NewMemStore(), 2)
	defer ex.Shutdown(time.Second)

	var ran bool
	id, err := ex.Submit(Procedure{
		Summary: "noop",
		Actions: []Action{
			{Name: "step", Do: func(ctx context.Context) (any, error) {
				ran = true
				return 42, nil
			}},
		},
	})
	require.NoError(t, err)

	require.NoError(t, ex.WaitFor(context.Background(), id))
	assert.True(t, ran)

	record, err := ex.Status(id)
	require.NoError(t, err)
	assert.Equal(t, types.ProcedureComplete, record.State)
	assert.Equal(t, 42, record.ReturnValue)
}

func TestSubmit_UndoesCompletedActionsInReverseOnFailure(t *testing.T) {
	ex := New(storage.NewMemStore(), 2)
	defer ex.Shutdown(time.Second)

	var undone []string
	id, err := ex.Submit(Procedure{
		Summary: "move",
		Actions: []Action{
			{
				Name: "first",
				Do:   func(ctx context.Context) (any, error) { return nil, nil },
				Undo: func(ctx context.Context) error { undone = append(undone, "first"); return nil },
			},
			{
				Name: "second",
				Do:   func(ctx context.Context) (any, error) { return nil, nil },
				Undo: func(ctx context.Context) error { undone = append(undone, "second"); return nil },
			},
			{
				Name: "third-fails",
				Do:   func(ctx context.Context) (any, error) { return nil, errors.New("boom") },
			},
		},
	})
	require.NoError(t, err)
	require.NoError(t, ex.WaitFor(context.Background(), id))

	record, err := ex.Status(id)
	require.NoError(t, err)
	assert.Equal(t, types.ProcedureFailed, record.State)
	assert.Equal(t, []string{"second", "first"}, undone)
}

func TestWaitFor_UnknownProcedureReturnsImmediately(t *testing.T) {
	ex := New(storage.NewMemStore(), 1)
	defer ex.Shutdown(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, ex.WaitFor(ctx, "does-not-exist"))
}

func TestProcedures_RunConcurrently(t *testing.T) {
	ex := New(storage.NewMemStore(), 4)
	defer ex.Shutdown(time.Second)

	start := make(chan struct{})
	release := make(chan struct{})
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := ex.Submit(Procedure{
			Summary: "blocker",
			Actions: []Action{{Name: "block", Do: func(ctx context.Context) (any, error) {
				start <- struct{}{}
				<-release
				return nil, nil
			}}},
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for i := 0; i < 3; i++ {
		select {
		case <-start:
		case <-time.After(time.Second):
			t.Fatal("expected all three procedures to start concurrently")
		}
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ex.WaitFor(ctx, ids...))
}
