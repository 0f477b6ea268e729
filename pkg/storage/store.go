// Package storage implements the MetadataStore of spec.md §4.1: transactional
// CRUD over every entity of the data model, plus the per-group/per-shard
// advisory locks ShardLifecycle uses to serialize concurrent move/split
// procedures (spec.md §4.5, §5).
//
// All core components mutate metadata only through a Txn; a Procedure that
// crosses multiple remote RPCs uses one transaction per Action, never one
// spanning the whole procedure, so locks are not held across network waits.
package storage

import (
	"github.com/google/uuid"

	"github.com/lynfabric/fabric/pkg/types"
)

// MetadataStore is the top-level handle; Begin opens one transaction.
type MetadataStore interface {
	Begin() (Txn, error)
	Close() error
}

// Txn is a single transaction. In BoltStore, writes become visible to
// other transactions only on Commit and Rollback discards them, and the
// entity methods are built on the Get/Put/Del primitives. MemStore holds
// one lock for the transaction's lifetime, applies every entity mutation
// in place (Rollback does not revert it), and rejects raw Get/Put/Del.
type Txn interface {
	// Get/Put/Del are the raw primitives MetadataStore offers per spec.md
	// §4.1 (read/write/delete by table+key); BoltStore's entity methods
	// below are built on top of them.
	Get(table, key string) ([]byte, bool, error)
	Put(table, key string, value []byte) error
	Del(table, key string) error
	Commit() error
	Rollback() error

	// Servers
	CreateServer(s *types.Server) error
	GetServer(id uuid.UUID) (*types.Server, error)
	ListServers() ([]*types.Server, error)
	UpdateServer(s *types.Server) error
	DeleteServer(id uuid.UUID) error

	// Groups
	CreateGroup(g *types.Group) error
	GetGroup(id string) (*types.Group, error)
	ListGroups() ([]*types.Group, error)
	UpdateGroup(g *types.Group) error
	DeleteGroup(id string) error

	// Shard mappings
	NextMappingID() (int64, error)
	CreateMapping(m *types.ShardMapping) error
	GetMapping(id int64) (*types.ShardMapping, error)
	ListMappings() ([]*types.ShardMapping, error)

	// Shard tables
	CreateShardTable(t *types.ShardTable) error
	ListShardTables(mappingID int64) ([]*types.ShardTable, error)
	FindShardTable(qualifiedName string) (*types.ShardTable, error)

	// Shards
	NextShardID() (int64, error)
	CreateShard(s *types.Shard) error
	GetShard(id int64) (*types.Shard, error)
	ListShardsByMapping(mappingID int64) ([]*types.Shard, error)
	UpdateShard(s *types.Shard) error
	DeleteShard(id int64) error

	// Shard ranges
	CreateShardRange(r *types.ShardRange) error
	ListShardRanges(mappingID int64) ([]*types.ShardRange, error)
	DeleteShardRange(shardID int64) error

	// Procedure audit trail
	SaveProcedureRecord(r *types.ProcedureRecord) error
	GetProcedureRecord(id string) (*types.ProcedureRecord, error)
	ListProcedureRecords() ([]*types.ProcedureRecord, error)

	// Advisory locks. owner is typically a procedure id; re-acquiring a lock
	// already held by the same owner succeeds (so a procedure's later
	// actions can re-confirm a lock taken by an earlier action). Acquiring a
	// lock held by a different owner fails with ferrors.KindShardBusy.
	AcquireGroupLock(groupID, owner string) error
	ReleaseGroupLock(groupID, owner string) error
	AcquireShardLock(shardID int64, owner string) error
	ReleaseShardLock(shardID int64, owner string) error
}
