// Package storage implements the MetadataStore component of spec.md §4.1:
// transactional persistence for servers, HA groups, shard mappings, shard
// tables, shards, shard ranges, and the procedure audit trail, plus the
// advisory locks ShardLifecycle uses to serialize concurrent shard
// operations.
//
// BoltStore is the production implementation, backed by a single bbolt
// file with one bucket per entity kind; MemStore is an in-memory fake used
// by the group, sharding, and executor package tests. Both implement the
// same Txn interface so a Procedure's Actions never need to know which
// backend they are running against.
package storage
