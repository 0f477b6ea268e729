// Package executor is the Executor component of spec.md's coordination
// core: a bounded worker pool that runs Procedures (ordered Actions with
// optional undo) to completion, undoing in reverse order on failure, and
// persisting every procedure's audit trail via storage.MetadataStore.
package executor
