// Package executor implements the Executor of spec.md §4.6: it turns a
// Procedure, a sequence of Actions with optional undo callables, into a
// scheduled Job run by a bounded worker pool. Actions within a procedure
// execute sequentially; different procedures run concurrently up to the
// configured worker count.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lynfabric/fabric/pkg/ferrors"
	"github.com/lynfabric/fabric/pkg/log"
	"github.com/lynfabric/fabric/pkg/metrics"
	"github.com/lynfabric/fabric/pkg/storage"
	"github.com/lynfabric/fabric/pkg/types"
)

// ActionFunc performs the forward half of a step. Implementations that need
// a metadata transaction open and commit one scoped to their own duration;
// the executor never holds a transaction open across an action.
type ActionFunc func(ctx context.Context) (any, error)

// UndoFunc reverses a previously-completed action. Errors are logged but
// never stop the remaining undos from running.
type UndoFunc func(ctx context.Context) error

// Action is a single named step of a Procedure.
type Action struct {
	Name string
	Do   ActionFunc
	Undo UndoFunc
}

// Procedure is a unit of work submitted to the Executor. ID is assigned by
// Submit when left empty.
type Procedure struct {
	ID      string
	Summary string
	Actions []Action
}

// Executor runs submitted procedures on a fixed-size worker pool and
// records their outcome in the MetadataStore's procedure audit trail.
type Executor struct {
	store   storage.MetadataStore
	queue   chan *job
	wg      sync.WaitGroup
	closeCh chan struct{}

	mu   sync.Mutex
	done map[string]chan struct{}
}

type job struct {
	procedure Procedure
}

// New starts an Executor with nWorkers goroutines draining its queue.
func New(store storage.MetadataStore, nWorkers int) *Executor {
	if nWorkers <= 0 {
		nWorkers = 1
	}
	e := &Executor{
		store:   store,
		queue:   make(chan *job, 256),
		closeCh: make(chan struct{}),
		done:    make(map[string]chan struct{}),
	}
	for i := 0; i < nWorkers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

// Shutdown stops accepting new work and waits (up to timeout) for
// in-flight procedures to finish before returning.
func (e *Executor) Shutdown(timeout time.Duration) {
	close(e.closeCh)
	close(e.queue)

	waitCh := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
	case <-time.After(timeout):
		log.Warn("executor shutdown timed out waiting for in-flight procedures")
	}
}

// Submit enqueues a procedure and returns its id immediately; the
// procedure itself is SCHEDULED and runs asynchronously.
func (e *Executor) Submit(p Procedure) (string, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	record := &types.ProcedureRecord{
		ProcedureID: p.ID,
		Summary:     p.Summary,
		State:       types.ProcedureScheduled,
		CreatedAt:   time.Now(),
	}
	if err := e.saveRecord(record); err != nil {
		return "", err
	}

	e.mu.Lock()
	e.done[p.ID] = make(chan struct{})
	e.mu.Unlock()

	metrics.ExecutorQueueDepth.Inc()
	select {
	case e.queue <- &job{procedure: p}:
	case <-e.closeCh:
		return "", ferrors.New(ferrors.KindService, "executor is shutting down")
	}
	return p.ID, nil
}

// Status returns the current procedure record, matching §4.6's
// (summary, step_diagnosis_list, return_value) wire contract.
func (e *Executor) Status(procedureID string) (*types.ProcedureRecord, error) {
	txn, err := e.store.Begin()
	if err != nil {
		return nil, err
	}
	defer txn.Rollback()
	return txn.GetProcedureRecord(procedureID)
}

// WaitFor blocks until every named procedure reaches a terminal state, or
// ctx is cancelled.
func (e *Executor) WaitFor(ctx context.Context, procedureIDs ...string) error {
	for _, id := range procedureIDs {
		e.mu.Lock()
		ch, ok := e.done[id]
		e.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for j := range e.queue {
		metrics.ExecutorQueueDepth.Dec()
		e.run(j.procedure)
	}
}

func (e *Executor) run(p Procedure) {
	logger := log.WithProcedure(p.ID)
	timer := metrics.NewTimer()

	record := &types.ProcedureRecord{
		ProcedureID: p.ID,
		Summary:     p.Summary,
		State:       types.ProcedureRunning,
		CreatedAt:   time.Now(),
	}
	_ = e.saveRecord(record)

	ctx := context.Background()
	var completed []Action
	var returnValue any
	failed := false

	for _, action := range p.Actions {
		diag := types.StepDiagnosis{State: types.StepRunning}
		actionTimer := metrics.NewTimer()
		value, err := action.Do(ctx)
		metrics.ActionDuration.WithLabelValues(action.Name).Observe(actionTimer.Duration().Seconds())

		if err != nil {
			diag.State = types.StepFailed
			diag.Success = false
			diag.Description = action.Name
			diag.Diagnosis = string(ferrors.KindOf(err)) + ": " + err.Error()
			record.Diagnosis = append(record.Diagnosis, diag)
			logger.Error().Err(err).Str("action", action.Name).Msg("action failed")
			failed = true
			break
		}

		diag.State = types.StepComplete
		diag.Success = true
		diag.Description = action.Name
		record.Diagnosis = append(record.Diagnosis, diag)
		returnValue = value
		completed = append(completed, action)
	}

	if failed {
		record.State = types.ProcedureUndoing
		_ = e.saveRecord(record)
		e.undoInReverse(ctx, logger, completed)
		record.State = types.ProcedureFailed
		metrics.ProceduresTotal.WithLabelValues(string(types.ProcedureFailed)).Inc()
	} else {
		record.State = types.ProcedureComplete
		record.ReturnValue = returnValue
		metrics.ProceduresTotal.WithLabelValues(string(types.ProcedureComplete)).Inc()
	}
	record.CompletedAt = time.Now()
	_ = e.saveRecord(record)
	metrics.ProcedureDuration.WithLabelValues(string(record.State)).Observe(timer.Duration().Seconds())

	e.mu.Lock()
	if ch, ok := e.done[p.ID]; ok {
		close(ch)
		delete(e.done, p.ID)
	}
	e.mu.Unlock()
}

// undoInReverse calls Undo on every completed action, most-recent first.
// A failing undo is logged and does not stop the remaining ones.
func (e *Executor) undoInReverse(ctx context.Context, logger zerolog.Logger, completed []Action) {
	for i := len(completed) - 1; i >= 0; i-- {
		a := completed[i]
		if a.Undo == nil {
			continue
		}
		if err := a.Undo(ctx); err != nil {
			metrics.UndosTotal.WithLabelValues("failed").Inc()
			logger.Error().Err(err).Str("action", a.Name).Msg("undo failed")
			continue
		}
		metrics.UndosTotal.WithLabelValues("ok").Inc()
	}
}

func (e *Executor) saveRecord(r *types.ProcedureRecord) error {
	txn, err := e.store.Begin()
	if err != nil {
		return err
	}
	if err := txn.SaveProcedureRecord(r); err != nil {
		txn.Rollback()
		return err
	}
	return txn.Commit()
}
