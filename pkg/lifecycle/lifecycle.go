package lifecycle

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lynfabric/fabric/pkg/events"
	"github.com/lynfabric/fabric/pkg/executor"
	"github.com/lynfabric/fabric/pkg/ferrors"
	"github.com/lynfabric/fabric/pkg/log"
	"github.com/lynfabric/fabric/pkg/registry"
	"github.com/lynfabric/fabric/pkg/sharding"
	"github.com/lynfabric/fabric/pkg/storage"
	"github.com/lynfabric/fabric/pkg/types"
)

// CatchupTimeout bounds move_shard's and split_shard's wait for the
// destination group to catch up on global replication.
var CatchupTimeout = 30 * time.Second

// CatchupLagThreshold is the maximum acceptable SecondsBehindMaster before
// a move or split commits (spec.md §4.5 move_shard step 3).
var CatchupLagThreshold = 2

// Lifecycle is the ShardLifecycle of spec.md §4.5.
type Lifecycle struct {
	store   storage.MetadataStore
	reg     *registry.Registry
	bus     *events.Bus
	exec    *executor.Executor
	catalog *sharding.Catalog
	log     zerolog.Logger
}

// New creates a Lifecycle driving shard moves and splits over catalog's
// metadata and reg's connections, running each as a Procedure on exec.
func New(store storage.MetadataStore, reg *registry.Registry, bus *events.Bus, exec *executor.Executor, catalog *sharding.Catalog) *Lifecycle {
	return &Lifecycle{store: store, reg: reg, bus: bus, exec: exec, catalog: catalog, log: log.WithComponent("lifecycle")}
}

type shardContext struct {
	shard     *types.Shard
	mapping   *types.ShardMapping
	tables    []*types.ShardTable
	lower     string
	upper     *string
	prevState types.ShardState
}

func (l *Lifecycle) loadShardContext(shardID int64) (*shardContext, error) {
	txn, err := l.store.Begin()
	if err != nil {
		return nil, err
	}
	defer txn.Rollback()

	shard, err := txn.GetShard(shardID)
	if err != nil {
		return nil, err
	}
	mapping, err := txn.GetMapping(shard.MappingID)
	if err != nil {
		return nil, err
	}
	tables, err := txn.ListShardTables(shard.MappingID)
	if err != nil {
		return nil, err
	}
	lower, upper, err := l.catalog.ShardRangeBounds(shardID)
	if err != nil {
		return nil, err
	}
	return &shardContext{shard: shard, mapping: mapping, tables: tables, lower: lower, upper: upper, prevState: shard.State}, nil
}

// MoveShard transfers shardID from its current group to destGroupID
// (spec.md §4.5 move_shard). If updateOnly, only metadata is rewritten —
// no snapshot, replication reconfiguration, or source cleanup is done.
func (l *Lifecycle) MoveShard(shardID int64, destGroupID string, updateOnly bool) (string, error) {
	procID := uuid.NewString()
	owner := procID

	sc, err := l.loadShardContext(shardID)
	if err != nil {
		return "", err
	}

	var destMaster, srcMaster, globalMaster uuid.UUID

	actions := []executor.Action{
		{
			Name: "lock_and_disable",
			Do: func(ctx context.Context) (any, error) {
				return nil, l.withTxn(func(txn storage.Txn) error {
					if err := txn.AcquireShardLock(shardID, owner); err != nil {
						return err
					}
					shard, err := txn.GetShard(shardID)
					if err != nil {
						return err
					}
					shard.State = types.ShardDisabled
					return txn.UpdateShard(shard)
				})
			},
			Undo: func(ctx context.Context) error {
				return l.withTxn(func(txn storage.Txn) error {
					shard, err := txn.GetShard(shardID)
					if err != nil {
						return err
					}
					shard.State = sc.prevState
					if err := txn.UpdateShard(shard); err != nil {
						return err
					}
					return txn.ReleaseShardLock(shardID, owner)
				})
			},
		},
		{
			Name: "resolve_masters",
			Do: func(ctx context.Context) (any, error) {
				return nil, l.withTxn(func(txn storage.Txn) error {
					srcGroup, err := txn.GetGroup(sc.shard.GroupID)
					if err != nil {
						return err
					}
					destGroup, err := txn.GetGroup(destGroupID)
					if err != nil {
						return err
					}
					globalGroup, err := txn.GetGroup(sc.mapping.GlobalGroupID)
					if err != nil {
						return err
					}
					if srcGroup.Master == nil || destGroup.Master == nil || globalGroup.Master == nil {
						return ferrors.New(ferrors.KindGroup, "source, destination, and global groups must each have a PRIMARY")
					}
					srcMaster, destMaster, globalMaster = *srcGroup.Master, *destGroup.Master, *globalGroup.Master
					return nil
				})
			},
		},
		{
			Name: "snapshot_and_restore",
			Do: func(ctx context.Context) (any, error) {
				if updateOnly {
					return nil, nil
				}
				return nil, l.copyRange(ctx, srcMaster, destMaster, sc.tables, sc.lower, sc.upper)
			},
			Undo: func(ctx context.Context) error {
				if updateOnly {
					return nil
				}
				return l.deleteRangeFrom(ctx, destMaster, sc.tables, sc.lower, sc.upper)
			},
		},
		{
			Name: "configure_dest_replication",
			Do: func(ctx context.Context) (any, error) {
				if updateOnly {
					return nil, nil
				}
				conn, err := l.reg.Connect(ctx, destMaster)
				if err != nil {
					return nil, err
				}
				if err := conn.ChangeMaster(ctx, fmt.Sprintf("global:%s", globalMaster)); err != nil {
					return nil, err
				}
				return nil, conn.StartSlave(ctx)
			},
			Undo: func(ctx context.Context) error {
				if updateOnly {
					return nil
				}
				conn, err := l.reg.Connect(ctx, destMaster)
				if err != nil {
					return err
				}
				return conn.StopSlave(ctx)
			},
		},
		{
			Name: "catch_up",
			Do: func(ctx context.Context) (any, error) {
				if updateOnly {
					return nil, nil
				}
				return nil, l.waitForLag(ctx, destMaster)
			},
		},
		{
			Name: "commit_metadata",
			Do: func(ctx context.Context) (any, error) {
				return nil, l.withTxn(func(txn storage.Txn) error {
					shard, err := txn.GetShard(shardID)
					if err != nil {
						return err
					}
					shard.GroupID = destGroupID
					shard.State = types.ShardEnabled
					return txn.UpdateShard(shard)
				})
			},
			Undo: func(ctx context.Context) error {
				return l.withTxn(func(txn storage.Txn) error {
					shard, err := txn.GetShard(shardID)
					if err != nil {
						return err
					}
					shard.GroupID = sc.shard.GroupID
					shard.State = types.ShardDisabled
					return txn.UpdateShard(shard)
				})
			},
		},
		{
			Name: "clear_source",
			Do: func(ctx context.Context) (any, error) {
				if updateOnly {
					return nil, nil
				}
				return nil, l.deleteRangeFrom(ctx, srcMaster, sc.tables, sc.lower, sc.upper)
			},
		},
		{
			Name: "release_shard_lock",
			Do: func(ctx context.Context) (any, error) {
				return nil, l.withTxn(func(txn storage.Txn) error {
					return txn.ReleaseShardLock(shardID, owner)
				})
			},
		},
	}

	return l.exec.Submit(executor.Procedure{
		ID:      procID,
		Summary: fmt.Sprintf("move shard %d to group %s", shardID, destGroupID),
		Actions: actions,
	})
}

// SplitShard splits shardID at pivot, handing the upper half to
// destGroupID (spec.md §4.5 split_shard). pivot must be strictly inside
// the shard's current range.
func (l *Lifecycle) SplitShard(shardID int64, destGroupID, pivot string) (string, error) {
	procID := uuid.NewString()
	owner := procID

	sc, err := l.loadShardContext(shardID)
	if err != nil {
		return "", err
	}
	if sc.mapping.Type == types.MappingHash {
		return "", ferrors.New(ferrors.KindSharding, "split_shard does not support HASH mappings")
	}
	inside, err := boundStrictlyInside(sc.mapping.Type, sc.lower, sc.upper, pivot)
	if err != nil {
		return "", err
	}
	if !inside {
		return "", ferrors.New(ferrors.KindSharding, fmt.Sprintf("pivot %q is not strictly inside shard %d's range", pivot, shardID))
	}

	var destMaster, srcMaster, globalMaster uuid.UUID
	var newShardID int64

	actions := []executor.Action{
		{
			Name: "lock_and_disable",
			Do: func(ctx context.Context) (any, error) {
				return nil, l.withTxn(func(txn storage.Txn) error {
					if err := txn.AcquireShardLock(shardID, owner); err != nil {
						return err
					}
					shard, err := txn.GetShard(shardID)
					if err != nil {
						return err
					}
					shard.State = types.ShardDisabled
					return txn.UpdateShard(shard)
				})
			},
			Undo: func(ctx context.Context) error {
				return l.withTxn(func(txn storage.Txn) error {
					shard, err := txn.GetShard(shardID)
					if err != nil {
						return err
					}
					shard.State = sc.prevState
					if err := txn.UpdateShard(shard); err != nil {
						return err
					}
					return txn.ReleaseShardLock(shardID, owner)
				})
			},
		},
		{
			Name: "resolve_masters",
			Do: func(ctx context.Context) (any, error) {
				return nil, l.withTxn(func(txn storage.Txn) error {
					srcGroup, err := txn.GetGroup(sc.shard.GroupID)
					if err != nil {
						return err
					}
					destGroup, err := txn.GetGroup(destGroupID)
					if err != nil {
						return err
					}
					globalGroup, err := txn.GetGroup(sc.mapping.GlobalGroupID)
					if err != nil {
						return err
					}
					if srcGroup.Master == nil || destGroup.Master == nil || globalGroup.Master == nil {
						return ferrors.New(ferrors.KindGroup, "source, destination, and global groups must each have a PRIMARY")
					}
					srcMaster, destMaster, globalMaster = *srcGroup.Master, *destGroup.Master, *globalGroup.Master
					return nil
				})
			},
		},
		{
			Name: "snapshot_and_restore",
			Do: func(ctx context.Context) (any, error) {
				return nil, l.copyRange(ctx, srcMaster, destMaster, sc.tables, sc.lower, sc.upper)
			},
			Undo: func(ctx context.Context) error {
				return l.deleteRangeFrom(ctx, destMaster, sc.tables, sc.lower, sc.upper)
			},
		},
		{
			Name: "configure_dest_replication",
			Do: func(ctx context.Context) (any, error) {
				conn, err := l.reg.Connect(ctx, destMaster)
				if err != nil {
					return nil, err
				}
				if err := conn.ChangeMaster(ctx, fmt.Sprintf("global:%s", globalMaster)); err != nil {
					return nil, err
				}
				return nil, conn.StartSlave(ctx)
			},
			Undo: func(ctx context.Context) error {
				conn, err := l.reg.Connect(ctx, destMaster)
				if err != nil {
					return err
				}
				return conn.StopSlave(ctx)
			},
		},
		{
			Name: "commit_new_shard",
			Do: func(ctx context.Context) (any, error) {
				return nil, l.withTxn(func(txn storage.Txn) error {
					id, err := txn.NextShardID()
					if err != nil {
						return err
					}
					newShardID = id
					if err := txn.CreateShard(&types.Shard{ShardID: id, MappingID: sc.shard.MappingID, GroupID: destGroupID, State: types.ShardEnabled}); err != nil {
						return err
					}
					if err := txn.CreateShardRange(&types.ShardRange{ShardID: id, MappingID: sc.shard.MappingID, LowerBound: pivot}); err != nil {
						return err
					}
					shard, err := txn.GetShard(shardID)
					if err != nil {
						return err
					}
					shard.State = types.ShardEnabled
					return txn.UpdateShard(shard)
				})
			},
			Undo: func(ctx context.Context) error {
				return l.withTxn(func(txn storage.Txn) error {
					if err := txn.DeleteShardRange(newShardID); err != nil {
						return err
					}
					if err := txn.DeleteShard(newShardID); err != nil {
						return err
					}
					shard, err := txn.GetShard(shardID)
					if err != nil {
						return err
					}
					shard.State = types.ShardDisabled
					return txn.UpdateShard(shard)
				})
			},
		},
		{
			Name: "prune_after_split",
			Do: func(ctx context.Context) (any, error) {
				if err := l.deleteRangeFrom(ctx, srcMaster, sc.tables, pivot, sc.upper); err != nil {
					return nil, err
				}
				return nil, l.deleteRangeFrom(ctx, destMaster, sc.tables, sc.lower, &pivot)
			},
		},
		{
			Name: "fire_shard_split",
			Do: func(ctx context.Context) (any, error) {
				if _, err := l.bus.Trigger(events.ShardSplit, shardID, newShardID); err != nil {
					l.log.Error().Err(err).Int64("shard", shardID).Int64("new_shard", newShardID).Msg("failed to trigger SHARD_SPLIT")
				}
				return nil, nil
			},
		},
		{
			Name: "release_shard_lock",
			Do: func(ctx context.Context) (any, error) {
				return nil, l.withTxn(func(txn storage.Txn) error {
					return txn.ReleaseShardLock(shardID, owner)
				})
			},
		},
	}

	return l.exec.Submit(executor.Procedure{
		ID:      procID,
		Summary: fmt.Sprintf("split shard %d at %q to group %s", shardID, pivot, destGroupID),
		Actions: actions,
	})
}

// PruneShard deletes, on every shard of table's mapping, rows whose key
// falls outside that shard's own range (spec.md §4.5 prune_shard).
// Idempotent: a second run finds nothing left to delete.
func (l *Lifecycle) PruneShard(qualifiedTable string) (string, error) {
	procID := uuid.NewString()

	txn, err := l.store.Begin()
	if err != nil {
		return "", err
	}
	table, err := txn.FindShardTable(qualifiedTable)
	if err != nil {
		txn.Rollback()
		return "", err
	}
	shards, err := txn.ListShardsByMapping(table.MappingID)
	txn.Rollback()
	if err != nil {
		return "", err
	}

	actions := make([]executor.Action, 0, len(shards))
	for _, shard := range shards {
		shard := shard
		actions = append(actions, executor.Action{
			Name: fmt.Sprintf("prune_shard_%d", shard.ShardID),
			Do: func(ctx context.Context) (any, error) {
				lower, upper, err := l.catalog.ShardRangeBounds(shard.ShardID)
				if err != nil {
					return nil, err
				}
				g, err := l.groupOf(shard.GroupID)
				if err != nil {
					return nil, err
				}
				if g.Master == nil {
					return nil, ferrors.New(ferrors.KindGroup, fmt.Sprintf("group %s has no PRIMARY", shard.GroupID))
				}
				conn, err := l.reg.Connect(ctx, *g.Master)
				if err != nil {
					return nil, err
				}
				rng := registry.KeyRange{Lower: &lower, Upper: upper}
				return nil, conn.PruneOutsideRange(ctx, table.QualifiedName(), table.ShardKeyColumn, rng)
			},
		})
	}

	return l.exec.Submit(executor.Procedure{
		ID:      procID,
		Summary: fmt.Sprintf("prune shard tables for %s", qualifiedTable),
		Actions: actions,
	})
}

// AddShard submits a one-action procedure that registers shards from spec
// against mappingID; the catalog mutation runs inside that action on an
// executor worker, so the shards exist once the procedure completes, and
// its return value is the new shard ids (spec.md §4.5 names
// add_shard/enable_shard/disable_shard as "thin" procedures wrapping the
// Catalog's own validation).
func (l *Lifecycle) AddShard(mappingID int64, spec string, state types.ShardState) (string, error) {
	return l.exec.Submit(executor.Procedure{
		Summary: fmt.Sprintf("add shards to mapping %d (%s)", mappingID, spec),
		Actions: []executor.Action{{
			Name: "add_shard",
			Do: func(ctx context.Context) (any, error) {
				return l.catalog.AddShard(mappingID, spec, state)
			},
		}},
	})
}

// EnableShard re-enables shardID, recorded as a procedure for the audit
// trail; EnableShard itself fails with ferrors.KindSharding when the
// shard's group has no PRIMARY.
func (l *Lifecycle) EnableShard(shardID int64) (string, error) {
	return l.exec.Submit(executor.Procedure{
		Summary: fmt.Sprintf("enable shard %d", shardID),
		Actions: []executor.Action{{
			Name: "enable_shard",
			Do: func(ctx context.Context) (any, error) {
				return nil, l.catalog.EnableShard(shardID)
			},
			Undo: func(ctx context.Context) error {
				return l.catalog.DisableShard(shardID)
			},
		}},
	})
}

// DisableShard disables shardID, recorded as a procedure for the audit
// trail.
func (l *Lifecycle) DisableShard(shardID int64) (string, error) {
	return l.exec.Submit(executor.Procedure{
		Summary: fmt.Sprintf("disable shard %d", shardID),
		Actions: []executor.Action{{
			Name: "disable_shard",
			Do: func(ctx context.Context) (any, error) {
				return nil, l.catalog.DisableShard(shardID)
			},
			Undo: func(ctx context.Context) error {
				return l.catalog.EnableShard(shardID)
			},
		}},
	})
}

func (l *Lifecycle) groupOf(groupID string) (*types.Group, error) {
	txn, err := l.store.Begin()
	if err != nil {
		return nil, err
	}
	defer txn.Rollback()
	return txn.GetGroup(groupID)
}

func (l *Lifecycle) copyRange(ctx context.Context, src, dest uuid.UUID, tables []*types.ShardTable, lower string, upper *string) error {
	srcConn, err := l.reg.Connect(ctx, src)
	if err != nil {
		return err
	}
	destConn, err := l.reg.Connect(ctx, dest)
	if err != nil {
		return err
	}
	for _, t := range tables {
		rng := registry.KeyRange{Lower: &lower, Upper: upper}
		blob, err := srcConn.Snapshot(ctx, []string{t.QualifiedName()}, t.ShardKeyColumn, rng)
		if err != nil {
			return err
		}
		if err := destConn.Restore(ctx, blob); err != nil {
			return err
		}
	}
	return nil
}

func (l *Lifecycle) deleteRangeFrom(ctx context.Context, target uuid.UUID, tables []*types.ShardTable, lower string, upper *string) error {
	conn, err := l.reg.Connect(ctx, target)
	if err != nil {
		return err
	}
	rng := registry.KeyRange{Lower: &lower, Upper: upper}
	for _, t := range tables {
		if err := conn.DeleteRange(ctx, t.QualifiedName(), t.ShardKeyColumn, rng); err != nil {
			return err
		}
	}
	return nil
}

func (l *Lifecycle) waitForLag(ctx context.Context, target uuid.UUID) error {
	conn, err := l.reg.Connect(ctx, target)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(CatchupTimeout)
	for {
		status, err := conn.ReplicationStatus(ctx)
		if err != nil {
			return err
		}
		if status.SecondsBehindMaster <= CatchupLagThreshold {
			return nil
		}
		if time.Now().After(deadline) {
			l.log.Warn().Str("server", target.String()).Int("lag", status.SecondsBehindMaster).Msg("destination did not catch up in time")
			return ferrors.New(ferrors.KindTimeout, fmt.Sprintf("destination did not catch up within %s", CatchupTimeout))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// boundStrictlyInside reports whether pivot falls strictly between lower
// and upper, comparing numerically for RANGE and lexicographically for
// RANGE_STRING (mirrors how sharding.Catalog orders bounds for the same
// mapping type).
func boundStrictlyInside(mappingType types.MappingType, lower string, upper *string, pivot string) (bool, error) {
	if mappingType == types.MappingRangeString {
		if pivot <= lower {
			return false, nil
		}
		return upper == nil || pivot < *upper, nil
	}

	pv, err := strconv.ParseUint(pivot, 10, 64)
	if err != nil {
		return false, ferrors.New(ferrors.KindSharding, fmt.Sprintf("pivot %q is not numeric", pivot))
	}
	lv, err := strconv.ParseUint(lower, 10, 64)
	if err != nil {
		return false, ferrors.New(ferrors.KindSharding, fmt.Sprintf("shard lower bound %q is not numeric", lower))
	}
	if pv <= lv {
		return false, nil
	}
	if upper == nil {
		return true, nil
	}
	uv, err := strconv.ParseUint(*upper, 10, 64)
	if err != nil {
		return false, ferrors.New(ferrors.KindSharding, fmt.Sprintf("shard upper bound %q is not numeric", *upper))
	}
	return pv < uv, nil
}

func (l *Lifecycle) withTxn(fn func(storage.Txn) error) error {
	txn, err := l.store.Begin()
	if err != nil {
		return err
	}
	if err := fn(txn); err != nil {
		txn.Rollback()
		return err
	}
	return txn.Commit()
}
