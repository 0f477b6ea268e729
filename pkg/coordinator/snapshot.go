package coordinator

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/hashicorp/raft"

	"github.com/lynfabric/fabric/pkg/types"
)

// Snapshot is a point-in-time dump of every entity a Txn can list, used by
// raft to compact the log and to bring a newly joined voter up to date.
type Snapshot struct {
	Groups           []*types.Group                    `json:"groups"`
	Servers          []*types.Server                    `json:"servers"`
	Mappings         []*types.ShardMapping              `json:"mappings"`
	ShardTables      map[int64][]*types.ShardTable      `json:"shard_tables"`
	Shards           map[int64][]*types.Shard           `json:"shards"`
	ShardRanges      map[int64][]*types.ShardRange      `json:"shard_ranges"`
	ProcedureRecords []*types.ProcedureRecord            `json:"procedure_records"`
}

// Snapshot implements raft.FSM by reading every entity through one
// transaction, which is rolled back since the read never mutates anything.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	txn, err := f.store.Begin()
	if err != nil {
		return nil, err
	}
	defer txn.Rollback()

	snap := &Snapshot{
		ShardTables: make(map[int64][]*types.ShardTable),
		Shards:      make(map[int64][]*types.Shard),
		ShardRanges: make(map[int64][]*types.ShardRange),
	}

	if snap.Groups, err = txn.ListGroups(); err != nil {
		return nil, fmt.Errorf("coordinator: snapshot groups: %w", err)
	}
	if snap.Servers, err = txn.ListServers(); err != nil {
		return nil, fmt.Errorf("coordinator: snapshot servers: %w", err)
	}
	if snap.Mappings, err = txn.ListMappings(); err != nil {
		return nil, fmt.Errorf("coordinator: snapshot mappings: %w", err)
	}
	for _, m := range snap.Mappings {
		tables, err := txn.ListShardTables(m.MappingID)
		if err != nil {
			return nil, fmt.Errorf("coordinator: snapshot shard tables: %w", err)
		}
		snap.ShardTables[m.MappingID] = tables

		shards, err := txn.ListShardsByMapping(m.MappingID)
		if err != nil {
			return nil, fmt.Errorf("coordinator: snapshot shards: %w", err)
		}
		snap.Shards[m.MappingID] = shards

		ranges, err := txn.ListShardRanges(m.MappingID)
		if err != nil {
			return nil, fmt.Errorf("coordinator: snapshot shard ranges: %w", err)
		}
		snap.ShardRanges[m.MappingID] = ranges
	}
	if snap.ProcedureRecords, err = txn.ListProcedureRecords(); err != nil {
		return nil, fmt.Errorf("coordinator: snapshot procedure records: %w", err)
	}

	return snap, nil
}

// Restore replaces the store's contents with what was captured in a
// Snapshot, inside one transaction.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap Snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("coordinator: decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	txn, err := f.store.Begin()
	if err != nil {
		return err
	}

	restore := func(err error) error {
		if err != nil {
			txn.Rollback()
		}
		return err
	}

	for _, g := range snap.Groups {
		if err := restore(txn.CreateGroup(g)); err != nil {
			return err
		}
	}
	for _, s := range snap.Servers {
		if err := restore(txn.CreateServer(s)); err != nil {
			return err
		}
	}
	for _, m := range snap.Mappings {
		if err := restore(txn.CreateMapping(m)); err != nil {
			return err
		}
	}
	for _, tables := range snap.ShardTables {
		for _, t := range tables {
			if err := restore(txn.CreateShardTable(t)); err != nil {
				return err
			}
		}
	}
	for _, shards := range snap.Shards {
		for _, s := range shards {
			if err := restore(txn.CreateShard(s)); err != nil {
				return err
			}
		}
	}
	for _, ranges := range snap.ShardRanges {
		for _, r := range ranges {
			if err := restore(txn.CreateShardRange(r)); err != nil {
				return err
			}
		}
	}
	for _, r := range snap.ProcedureRecords {
		if err := restore(txn.SaveProcedureRecord(r)); err != nil {
			return err
		}
	}

	return txn.Commit()
}

// Persist writes the snapshot to sink as JSON.
func (s *Snapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

// Release is a no-op: Snapshot took no locks that outlive it beyond mu,
// which Snapshot itself already released.
func (s *Snapshot) Release() {}
