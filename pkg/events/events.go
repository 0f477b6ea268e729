package events

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/lynfabric/fabric/pkg/executor"
	"github.com/lynfabric/fabric/pkg/ferrors"
	"github.com/lynfabric/fabric/pkg/log"
	"github.com/lynfabric/fabric/pkg/metrics"
)

// Event names one of the Fabric's built-in occurrences, or a caller's own
// anonymous event created with NewEvent.
type Event struct {
	name string
}

// Name returns the event's name, or "" for an anonymous event.
func (e Event) Name() string { return e.name }

// NewEvent creates an anonymous event, usable the same way as a built-in.
func NewEvent(name string) Event {
	return Event{name: name}
}

// Built-in named events fired by GroupManager, ShardingCatalog, and
// ShardLifecycle (spec.md §3, §4.3, §4.5).
var (
	ServerLost     = Event{name: "SERVER_LOST"}
	ServerPromoted = Event{name: "SERVER_PROMOTED"}
	ServerDemoted  = Event{name: "SERVER_DEMOTED"}
	ServerFaulty   = Event{name: "SERVER_FAULTY"}
	ShardSplit     = Event{name: "SHARD_SPLIT"}
	ShardMoved     = Event{name: "SHARD_MOVED"}
	ShardPruned    = Event{name: "SHARD_PRUNED"}

	builtins = map[string]Event{
		ServerLost.name:     ServerLost,
		ServerPromoted.name: ServerPromoted,
		ServerDemoted.name:  ServerDemoted,
		ServerFaulty.name:   ServerFaulty,
		ShardSplit.name:     ShardSplit,
		ShardMoved.name:     ShardMoved,
		ShardPruned.name:    ShardPruned,
	}
)

// resolveEvent accepts an Event, a string name resolved against the
// built-in table (or treated as an ad hoc name if unknown), or anything
// else is rejected with NotEvent.
func resolveEvent(eventOrName any) (Event, error) {
	switch v := eventOrName.(type) {
	case Event:
		return v, nil
	case string:
		if ev, ok := builtins[v]; ok {
			return ev, nil
		}
		return Event{name: v}, nil
	default:
		return Event{}, ferrors.New(ferrors.KindNotEvent, fmt.Sprintf("%v is not an event", eventOrName))
	}
}

// Callable is any function value invoked with the trigger's arguments. The
// Fabric does not constrain its signature beyond "is a function" so that
// handlers can be typed to whatever arguments their event carries.
type Callable any

func isCallable(v Callable) bool {
	if v == nil {
		return false
	}
	return reflect.ValueOf(v).Kind() == reflect.Func
}

// Subscriber pairs a subscribed callable with its optional undo handler:
// Register adds a forward-only subscriber and SetUndo attaches the undo.
// Unregister/IsRegistered identify a subscriber by its callable's function
// pointer, since Go function values are not comparable with ==; Register
// also hands back a SubscriptionID for each subscriber it adds.
type Subscriber struct {
	ID      SubscriptionID
	Forward Callable
	Undo    Callable
}

// SubscriptionID identifies one registered Subscriber.
type SubscriptionID uint64

// Scheduler is the subset of executor.Executor the Bus needs: submitting
// one job per subscriber when an event is triggered.
type Scheduler interface {
	Submit(executor.Procedure) (string, error)
}

// Bus is the EventBus of spec.md §4.7: Register/Unregister/IsRegistered
// manage per-event subscriber lists; Trigger schedules one Executor job
// per subscriber and returns their procedure ids.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string][]*Subscriber
	byCallable  map[string]map[uintptr]*Subscriber
	nextID      SubscriptionID

	exec Scheduler
}

// NewBus creates an EventBus scheduling subscriber jobs on exec.
func NewBus(exec Scheduler) *Bus {
	return &Bus{
		subscribers: make(map[string][]*Subscriber),
		byCallable:  make(map[string]map[uintptr]*Subscriber),
		exec:        exec,
	}
}

func callableKey(v Callable) (uintptr, error) {
	if !isCallable(v) {
		return 0, ferrors.New(ferrors.KindNotCallable, fmt.Sprintf("%v is not callable", v))
	}
	return reflect.ValueOf(v).Pointer(), nil
}

// Register subscribes one callable or a slice of callables to event. It is
// all-or-nothing: if any element is not callable, none are registered.
func (b *Bus) Register(eventOrName any, callables ...Callable) ([]SubscriptionID, error) {
	ev, err := resolveEvent(eventOrName)
	if err != nil {
		return nil, err
	}
	if len(callables) == 0 {
		return nil, nil
	}

	keys := make([]uintptr, len(callables))
	for i, c := range callables {
		k, err := callableKey(c)
		if err != nil {
			return nil, err
		}
		keys[i] = k
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.byCallable[ev.name] == nil {
		b.byCallable[ev.name] = make(map[uintptr]*Subscriber)
	}

	ids := make([]SubscriptionID, len(callables))
	for i, c := range callables {
		b.nextID++
		sub := &Subscriber{ID: b.nextID, Forward: c}
		b.subscribers[ev.name] = append(b.subscribers[ev.name], sub)
		b.byCallable[ev.name][keys[i]] = sub
		ids[i] = sub.ID
	}
	return ids, nil
}

// SetUndo attaches an undo callable to the subscription most recently
// registered for forward, mirroring the source's decorator-based pairing
// (`@subscriber.undo`).
func (b *Bus) SetUndo(eventOrName any, forward Callable, undo Callable) error {
	ev, err := resolveEvent(eventOrName)
	if err != nil {
		return err
	}
	key, err := callableKey(forward)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.byCallable[ev.name][key]
	if !ok {
		return ferrors.New(ferrors.KindUnknownCallable, "forward callable is not registered")
	}
	sub.Undo = undo
	return nil
}

// Unregister removes a previously registered callable from event.
func (b *Bus) Unregister(eventOrName any, callable Callable) error {
	ev, err := resolveEvent(eventOrName)
	if err != nil {
		return err
	}
	key, err := callableKey(callable)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.byCallable[ev.name][key]
	if !ok {
		return ferrors.New(ferrors.KindUnknownCallable, "callable is not registered for this event")
	}

	delete(b.byCallable[ev.name], key)
	subs := b.subscribers[ev.name]
	for i, s := range subs {
		if s == sub {
			b.subscribers[ev.name] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

// IsRegistered reports whether callable is currently subscribed to event.
func (b *Bus) IsRegistered(eventOrName any, callable Callable) (bool, error) {
	ev, err := resolveEvent(eventOrName)
	if err != nil {
		return false, err
	}
	key, err := callableKey(callable)
	if err != nil {
		return false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.byCallable[ev.name][key]
	return ok, nil
}

// Trigger schedules one Executor job per subscriber of event and returns
// their procedure ids. A subscriber's Forward panic or error is caught and
// recorded on its own job's diagnosis; it never prevents other subscribers
// from running.
func (b *Bus) Trigger(eventOrName any, args ...any) ([]string, error) {
	ev, err := resolveEvent(eventOrName)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	subs := append([]*Subscriber(nil), b.subscribers[ev.name]...)
	b.mu.Unlock()

	metrics.EventsTriggeredTotal.WithLabelValues(ev.name).Inc()

	ids := make([]string, 0, len(subs))
	for _, sub := range subs {
		id, err := b.scheduleJob(ev, sub, args)
		if err != nil {
			log.Logger.Error().Err(err).Str("event", ev.name).Msg("failed to schedule subscriber job")
			metrics.SubscriberJobsTotal.WithLabelValues("schedule_error").Inc()
			continue
		}
		metrics.SubscriberJobsTotal.WithLabelValues("scheduled").Inc()
		ids = append(ids, id)
	}
	return ids, nil
}

func (b *Bus) scheduleJob(ev Event, sub *Subscriber, args []any) (string, error) {
	action := executor.Action{
		Name: ev.name,
		Do: func(ctx context.Context) (ret any, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("subscriber panicked: %v", r)
				}
				if err != nil && sub.Undo != nil {
					func() {
						defer func() {
							if r := recover(); r != nil {
								log.Logger.Error().Str("event", ev.name).Msgf("subscriber undo panicked: %v", r)
							}
						}()
						if _, undoErr := callSubscriber(sub.Undo, args); undoErr != nil {
							log.Logger.Error().Err(undoErr).Str("event", ev.name).Msg("subscriber undo failed")
						}
					}()
				}
			}()
			return callSubscriber(sub.Forward, args)
		},
	}
	if sub.Undo != nil {
		action.Undo = func(ctx context.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("undo panicked: %v", r)
				}
			}()
			_, err = callSubscriber(sub.Undo, args)
			return err
		}
	}

	return b.exec.Submit(executor.Procedure{
		Summary: fmt.Sprintf("event %s subscriber job", ev.name),
		Actions: []executor.Action{action},
	})
}

// callSubscriber invokes a subscriber function value with args, tolerating
// any arity and returning its first result if it has one.
func callSubscriber(fn Callable, args []any) (any, error) {
	fv := reflect.ValueOf(fn)
	ft := fv.Type()

	in := make([]reflect.Value, 0, ft.NumIn())
	for i := 0; i < ft.NumIn() && i < len(args); i++ {
		if args[i] == nil {
			in = append(in, reflect.Zero(ft.In(i)))
			continue
		}
		in = append(in, reflect.ValueOf(args[i]))
	}
	for len(in) < ft.NumIn() {
		in = append(in, reflect.Zero(ft.In(len(in))))
	}

	out := fv.Call(in)
	var result any
	var err error
	for _, o := range out {
		if e, ok := o.Interface().(error); ok {
			err = e
			continue
		}
		result = o.Interface()
	}
	return result, err
}
