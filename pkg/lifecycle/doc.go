// Package lifecycle implements ShardLifecycle (spec.md §4.5): move_shard,
// split_shard, and prune_shard, each built as an executor.Procedure whose
// actions snapshot, restore, and reconfigure replication across groups
// through pkg/registry, and commit the resulting topology in one metadata
// transaction. A per-shard advisory lock
// (storage.Txn.AcquireShardLock) serializes concurrent move/split attempts
// on the same shard.
package lifecycle
