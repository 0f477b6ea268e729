package coordinator

import "encoding/json"

// Op names one entity-level mutation the FSM knows how to replay. Naming
// mirrors the storage.Txn methods it wraps.
type Op string

const (
	OpCreateGroup  Op = "create_group"
	OpUpdateGroup  Op = "update_group"
	OpDeleteGroup  Op = "delete_group"
	OpCreateServer Op = "create_server"
	OpUpdateServer Op = "update_server"
	OpDeleteServer Op = "delete_server"

	OpCreateMapping    Op = "create_mapping"
	OpCreateShardTable Op = "create_shard_table"

	OpCreateShard Op = "create_shard"
	OpUpdateShard Op = "update_shard"
	OpDeleteShard Op = "delete_shard"

	OpCreateShardRange Op = "create_shard_range"
	OpDeleteShardRange Op = "delete_shard_range"

	OpSaveProcedureRecord Op = "save_procedure_record"

	OpAcquireGroupLock Op = "acquire_group_lock"
	OpReleaseGroupLock Op = "release_group_lock"
	OpAcquireShardLock Op = "acquire_shard_lock"
	OpReleaseShardLock Op = "release_shard_lock"
)

// Command is one log entry: Op names the mutation, Data carries its
// JSON-encoded argument. Raft replicates Command values verbatim; the FSM is
// the only thing that ever decodes Data.
type Command struct {
	Op   Op              `json:"op"`
	Data json.RawMessage `json:"data"`
}

func newCommand(op Op, payload any) (Command, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Command{}, err
	}
	return Command{Op: op, Data: data}, nil
}

// groupLockArgs and shardLockArgs are the payloads for the four lock ops,
// which all take an owner alongside the thing being locked.
type groupLockArgs struct {
	GroupID string `json:"group_id"`
	Owner   string `json:"owner"`
}

type shardLockArgs struct {
	ShardID int64  `json:"shard_id"`
	Owner   string `json:"owner"`
}

type deleteShardRangeArgs struct {
	ShardID int64 `json:"shard_id"`
}
