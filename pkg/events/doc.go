// Package events implements the EventBus of spec.md §4.7: named or
// anonymous events, a subscriber registry keyed by each callable's function
// pointer (Go function values aren't comparable with ==), and Trigger, which
// schedules one Executor job per subscriber and returns their procedure ids
// so a caller can event.wait_for them.
//
// A subscriber's undo, attached with SetUndo, mirrors the source's
// `@subscriber.undo` decorator: if Forward returns an error or panics, the
// job calls Undo with the same trigger arguments before it is marked failed.
package events
