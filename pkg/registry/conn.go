package registry

import (
	"context"

	"github.com/google/uuid"
)

// Credentials are the client identity used to authenticate a connection to
// a database server.
type Credentials struct {
	User   string
	Passwd string
}

// ReplicationStatus is the subset of SHOW SLAVE STATUS / SHOW MASTER STATUS
// GroupManager needs to compare secondaries and drive a changeover.
type ReplicationStatus struct {
	MasterAddress       string
	Position            string
	SecondsBehindMaster int
	Running             bool
}

// KeyRange is a half-open [Lower, Upper) key range over one sharded
// table's key column. A nil bound is unbounded on that side.
type KeyRange struct {
	Lower *string
	Upper *string
}

// ServerConn is a connection to one database server, pooled by Registry.
// GroupManager and ShardLifecycle drive replication and data movement
// entirely through this interface so they never depend on a concrete
// driver; tests substitute a fake.
type ServerConn interface {
	// UUID returns the server's own reported UUID, used by discover_uuid.
	UUID(ctx context.Context) (uuid.UUID, error)

	Exec(ctx context.Context, query string, args ...any) error
	Query(ctx context.Context, query string, args ...any) ([]map[string]any, error)

	ReplicationStatus(ctx context.Context) (ReplicationStatus, error)
	ChangeMaster(ctx context.Context, masterAddress string) error
	StartSlave(ctx context.Context) error
	StopSlave(ctx context.Context) error
	ResetSlave(ctx context.Context) error
	SetReadOnly(ctx context.Context, readOnly bool) error

	// Snapshot takes a logical dump of tables restricted to rng, and
	// Restore loads a dump produced by Snapshot on another connection
	// (spec.md §4.5 move_shard/split_shard step 2).
	Snapshot(ctx context.Context, tables []string, keyColumn string, rng KeyRange) ([]byte, error)
	Restore(ctx context.Context, data []byte) error

	// PruneOutsideRange deletes every row of table whose keyColumn value
	// falls outside rng — the "DELETE WHERE key NOT BETWEEN lower AND
	// next_lower" of spec.md §4.5 prune_shard, reused by split_shard's
	// post-split pruning of both halves.
	PruneOutsideRange(ctx context.Context, table, keyColumn string, rng KeyRange) error

	// DeleteRange deletes every row of table whose keyColumn value falls
	// inside rng — move_shard's step 5 uses it to clear a shard's rows
	// from its old group once they have landed on the new one.
	DeleteRange(ctx context.Context, table, keyColumn string, rng KeyRange) error

	Close() error
}

// Dialer opens ServerConns. The default implementation (not built here,
// per spec.md's Non-goals around a real replication driver) would dial
// MySQL directly; tests and the in-process demo use a fake.
type Dialer interface {
	Dial(ctx context.Context, address string, creds Credentials) (ServerConn, error)
}
