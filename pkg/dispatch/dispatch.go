package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lynfabric/fabric/pkg/executor"
	"github.com/lynfabric/fabric/pkg/ferrors"
	"github.com/lynfabric/fabric/pkg/types"
)

// Handler serves one (namespace, method) call. It either runs synchronously
// and returns its result wrapped with Immediate, or submits a
// executor.Procedure and returns its outcome wrapped with FromProcedure.
type Handler func(args Args) (*types.ProcedureRecord, error)

// Registry maps "namespace.method" strings to the Handler serving them.
// Populated once at startup (cmd/fabric's serve command); read-only in
// steady state, but guarded since the gRPC transport invokes it from many
// goroutines concurrently.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds handler to namespace.method, overwriting any prior
// registration for the same key.
func (r *Registry) Register(namespace, method string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[key(namespace, method)] = handler
}

// Invoke looks up namespace.method and runs it with args, returning the wire
// contract of spec.md §6: (summary, steps, return_value), carried on a
// types.ProcedureRecord.
func (r *Registry) Invoke(namespace, method string, args Args) (*types.ProcedureRecord, error) {
	r.mu.RLock()
	handler, ok := r.handlers[key(namespace, method)]
	r.mu.RUnlock()
	if !ok {
		return nil, ferrors.New(ferrors.KindUnknownCallable, fmt.Sprintf("no handler registered for %s.%s", namespace, method))
	}
	return handler(args)
}

// Namespaces lists every namespace.method key currently registered, sorted
// by nothing in particular — used by cmd/fabric's help output.
func (r *Registry) Namespaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	return out
}

func key(namespace, method string) string {
	return namespace + "." + method
}

// Immediate wraps a value that was computed without going through the
// Executor (a plain lookup, not a Procedure) into the same
// (summary, steps, return_value) shape a procedure-backed call returns.
func Immediate(summary string, value any) (*types.ProcedureRecord, error) {
	return &types.ProcedureRecord{
		Summary:     summary,
		State:       types.ProcedureComplete,
		ReturnValue: value,
		CompletedAt: time.Now(),
	}, nil
}

// waiter is the subset of executor.Executor FromProcedure needs: blocking
// until a submitted procedure finishes and fetching its audit record.
type waiter interface {
	WaitFor(ctx context.Context, procedureIDs ...string) error
	Status(procedureID string) (*types.ProcedureRecord, error)
}

var _ waiter = (*executor.Executor)(nil)

// FromProcedure takes the id of a Procedure the caller has already
// submitted and blocks for it to reach a terminal state, then returns its
// ProcedureRecord as the call's (summary, steps, return_value). Dispatch
// calls are synchronous from the client's point of view: spec.md's
// event.wait_for exists for callers that want to fan out many triggers
// before blocking, but a single namespace.method call always waits.
func FromProcedure(exec waiter, procID string, err error) (*types.ProcedureRecord, error) {
	if err != nil {
		return nil, err
	}
	if waitErr := exec.WaitFor(context.Background(), procID); waitErr != nil {
		return nil, waitErr
	}
	return exec.Status(procID)
}
