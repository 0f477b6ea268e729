package coordinator

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"

	"github.com/lynfabric/fabric/pkg/storage"
	"github.com/lynfabric/fabric/pkg/types"
)

// FSM implements raft.FSM over a storage.MetadataStore. Apply is serialized
// by mu so concurrent raft.Apply calls can never interleave two
// transactions against the same store.
type FSM struct {
	mu    sync.Mutex
	store storage.MetadataStore
}

func NewFSM(store storage.MetadataStore) *FSM {
	return &FSM{store: store}
}

// Apply decodes one Command and replays it inside a single storage.Txn.
// The return value is surfaced through the raft.ApplyFuture returned by
// Coordinator.propose; a non-nil error here rolls the transaction back and
// is never partially applied.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("coordinator: unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	txn, err := f.store.Begin()
	if err != nil {
		return err
	}
	if err := f.apply(txn, cmd); err != nil {
		txn.Rollback()
		return err
	}
	if err := txn.Commit(); err != nil {
		return err
	}
	return nil
}

func (f *FSM) apply(txn storage.Txn, cmd Command) error {
	switch cmd.Op {
	case OpCreateGroup:
		var g types.Group
		if err := json.Unmarshal(cmd.Data, &g); err != nil {
			return err
		}
		return txn.CreateGroup(&g)

	case OpUpdateGroup:
		var g types.Group
		if err := json.Unmarshal(cmd.Data, &g); err != nil {
			return err
		}
		return txn.UpdateGroup(&g)

	case OpDeleteGroup:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return txn.DeleteGroup(id)

	case OpCreateServer:
		var s types.Server
		if err := json.Unmarshal(cmd.Data, &s); err != nil {
			return err
		}
		return txn.CreateServer(&s)

	case OpUpdateServer:
		var s types.Server
		if err := json.Unmarshal(cmd.Data, &s); err != nil {
			return err
		}
		return txn.UpdateServer(&s)

	case OpDeleteServer:
		var id uuid.UUID
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return txn.DeleteServer(id)

	case OpCreateMapping:
		var m types.ShardMapping
		if err := json.Unmarshal(cmd.Data, &m); err != nil {
			return err
		}
		return txn.CreateMapping(&m)

	case OpCreateShardTable:
		var t types.ShardTable
		if err := json.Unmarshal(cmd.Data, &t); err != nil {
			return err
		}
		return txn.CreateShardTable(&t)

	case OpCreateShard:
		var s types.Shard
		if err := json.Unmarshal(cmd.Data, &s); err != nil {
			return err
		}
		return txn.CreateShard(&s)

	case OpUpdateShard:
		var s types.Shard
		if err := json.Unmarshal(cmd.Data, &s); err != nil {
			return err
		}
		return txn.UpdateShard(&s)

	case OpDeleteShard:
		var id int64
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return txn.DeleteShard(id)

	case OpCreateShardRange:
		var r types.ShardRange
		if err := json.Unmarshal(cmd.Data, &r); err != nil {
			return err
		}
		return txn.CreateShardRange(&r)

	case OpDeleteShardRange:
		var args deleteShardRangeArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return err
		}
		return txn.DeleteShardRange(args.ShardID)

	case OpSaveProcedureRecord:
		var r types.ProcedureRecord
		if err := json.Unmarshal(cmd.Data, &r); err != nil {
			return err
		}
		return txn.SaveProcedureRecord(&r)

	case OpAcquireGroupLock:
		var a groupLockArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return err
		}
		return txn.AcquireGroupLock(a.GroupID, a.Owner)

	case OpReleaseGroupLock:
		var a groupLockArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return err
		}
		return txn.ReleaseGroupLock(a.GroupID, a.Owner)

	case OpAcquireShardLock:
		var a shardLockArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return err
		}
		return txn.AcquireShardLock(a.ShardID, a.Owner)

	case OpReleaseShardLock:
		var a shardLockArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return err
		}
		return txn.ReleaseShardLock(a.ShardID, a.Owner)

	default:
		return fmt.Errorf("coordinator: unknown op %q", cmd.Op)
	}
}
