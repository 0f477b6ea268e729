package group

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lynfabric/fabric/pkg/events"
	"github.com/lynfabric/fabric/pkg/executor"
	"github.com/lynfabric/fabric/pkg/ferrors"
	"github.com/lynfabric/fabric/pkg/log"
	"github.com/lynfabric/fabric/pkg/registry"
	"github.com/lynfabric/fabric/pkg/storage"
	"github.com/lynfabric/fabric/pkg/types"
)

// CatchupTimeout bounds how long promote waits for secondaries to reach
// the outgoing master's final replication position before giving up.
var CatchupTimeout = 30 * time.Second

// Manager is the GroupManager of spec.md §4.3.
type Manager struct {
	store storage.MetadataStore
	reg   *registry.Registry
	bus   *events.Bus
	exec  *executor.Executor
	log   zerolog.Logger
}

// New creates a Manager over store, connecting to group members through
// reg, firing SERVER_PROMOTED/SERVER_DEMOTED on bus, and running every
// operation as a Procedure on exec.
func New(store storage.MetadataStore, reg *registry.Registry, bus *events.Bus, exec *executor.Executor) *Manager {
	return &Manager{store: store, reg: reg, bus: bus, exec: exec, log: log.WithComponent("group")}
}

// CreateGroup registers a new, masterless group.
func (m *Manager) CreateGroup(groupID, description string) error {
	txn, err := m.store.Begin()
	if err != nil {
		return err
	}
	defer txn.Rollback()

	if _, err := txn.GetGroup(groupID); err == nil {
		return ferrors.New(ferrors.KindGroup, fmt.Sprintf("group %s already exists", groupID))
	}
	g := &types.Group{GroupID: groupID, Description: description, Status: types.GroupActive, CreatedAt: time.Now()}
	if err := txn.CreateGroup(g); err != nil {
		return err
	}
	return txn.Commit()
}

// AddServer submits a Procedure registering server as a member of group:
// SECONDARY replicating from the current master, or an idle SECONDARY with
// no replication configured if the group has none yet (spec.md §4.3
// add_server).
func (m *Manager) AddServer(groupID string, server *types.Server) (string, error) {
	procID := uuid.NewString()
	owner := procID

	var masterAddr string
	var hasMaster bool

	actions := []executor.Action{
		{
			Name: "acquire_group_lock",
			Do: func(ctx context.Context) (any, error) {
				return nil, m.withTxn(func(txn storage.Txn) error {
					return txn.AcquireGroupLock(groupID, owner)
				})
			},
			Undo: func(ctx context.Context) error {
				return m.withTxn(func(txn storage.Txn) error {
					return txn.ReleaseGroupLock(groupID, owner)
				})
			},
		},
		{
			Name: "register_server",
			Do: func(ctx context.Context) (any, error) {
				return nil, m.withTxn(func(txn storage.Txn) error {
					g, err := txn.GetGroup(groupID)
					if err != nil {
						return err
					}
					if g.HasServer(server.UUID) {
						return ferrors.New(ferrors.KindGroup, fmt.Sprintf("server %s already in group %s", server.UUID, groupID))
					}
					if g.Master != nil {
						hasMaster = true
						master, err := txn.GetServer(*g.Master)
						if err != nil {
							return err
						}
						masterAddr = master.Address
						server.Status = types.ServerSecondary
						server.Mode = types.ModeReadOnly
					} else {
						server.Status = types.ServerSecondary
						server.Mode = types.ModeReadOnly
					}
					server.GroupID = groupID
					server.CreatedAt = time.Now()
					if err := txn.CreateServer(server); err != nil {
						return err
					}
					g.Servers = append(g.Servers, server.UUID)
					return txn.UpdateGroup(g)
				})
			},
			Undo: func(ctx context.Context) error {
				return m.withTxn(func(txn storage.Txn) error {
					g, err := txn.GetGroup(groupID)
					if err != nil {
						return err
					}
					g.Servers = removeUUID(g.Servers, server.UUID)
					if err := txn.UpdateGroup(g); err != nil {
						return err
					}
					return txn.DeleteServer(server.UUID)
				})
			},
		},
		{
			Name: "configure_replication",
			Do: func(ctx context.Context) (any, error) {
				if !hasMaster {
					return nil, nil
				}
				conn, err := m.reg.Connect(ctx, server.UUID)
				if err != nil {
					return nil, err
				}
				if err := conn.ChangeMaster(ctx, masterAddr); err != nil {
					return nil, err
				}
				return nil, conn.StartSlave(ctx)
			},
			Undo: func(ctx context.Context) error {
				if !hasMaster {
					return nil
				}
				conn, err := m.reg.Connect(ctx, server.UUID)
				if err != nil {
					return err
				}
				return conn.StopSlave(ctx)
			},
		},
		{
			Name: "release_group_lock",
			Do: func(ctx context.Context) (any, error) {
				return nil, m.withTxn(func(txn storage.Txn) error {
					return txn.ReleaseGroupLock(groupID, owner)
				})
			},
		},
	}

	return m.exec.Submit(executor.Procedure{
		ID:      procID,
		Summary: fmt.Sprintf("add server %s to group %s", server.UUID, groupID),
		Actions: actions,
	})
}

// RemoveServer deletes server id from the registry and strips it from
// group's membership, clearing Master if id held it (spec.md §4.3
// remove_server). Both changes commit in one transaction so
// lookup_servers and the master invariant never observe a group whose
// Servers or Master still references a deleted row.
func (m *Manager) RemoveServer(groupID string, id uuid.UUID) error {
	err := m.withTxn(func(txn storage.Txn) error {
		g, err := txn.GetGroup(groupID)
		if err != nil {
			return err
		}
		if !g.HasServer(id) {
			return ferrors.New(ferrors.KindGroup, fmt.Sprintf("server %s is not a member of group %s", id, groupID))
		}
		g.Servers = removeUUID(g.Servers, id)
		if g.Master != nil && *g.Master == id {
			g.Master = nil
		}
		if err := txn.UpdateGroup(g); err != nil {
			return err
		}
		return txn.DeleteServer(id)
	})
	if err != nil {
		return err
	}
	m.reg.ClosePooled(id)
	return nil
}

// changeoverKind selects which invariant-relaxations apply to a changeover
// procedure, per spec.md §4.3.
type changeoverKind int

const (
	kindPromote changeoverKind = iota
	kindFailover
)

// Promote submits the master-changeover protocol of spec.md §4.3. If
// candidate is uuid.Nil, the most caught-up secondary is chosen.
func (m *Manager) Promote(groupID string, candidate uuid.UUID) (string, error) {
	return m.changeover(groupID, candidate, kindPromote)
}

// FailOver submits an unattended promotion after SERVER_LOST: the same
// protocol as Promote, but the old master is assumed unreachable and no
// READ_ONLY drain step is attempted.
func (m *Manager) FailOver(groupID string, candidate uuid.UUID) (string, error) {
	return m.changeover(groupID, candidate, kindFailover)
}

type changeoverState struct {
	group       *types.Group
	oldMaster   *types.Server
	candidate   *types.Server
	others      []*types.Server
	touchedSet  map[uuid.UUID]bool
	priorStatus map[uuid.UUID]types.ServerStatus
	priorMode   map[uuid.UUID]types.ServerMode
}

func (m *Manager) changeover(groupID string, candidate uuid.UUID, kind changeoverKind) (string, error) {
	procID := uuid.NewString()
	owner := procID
	state := &changeoverState{touchedSet: map[uuid.UUID]bool{}, priorStatus: map[uuid.UUID]types.ServerStatus{}, priorMode: map[uuid.UUID]types.ServerMode{}}

	actions := []executor.Action{
		{
			Name: "acquire_group_lock",
			Do: func(ctx context.Context) (any, error) {
				return nil, m.withTxn(func(txn storage.Txn) error {
					return txn.AcquireGroupLock(groupID, owner)
				})
			},
			Undo: func(ctx context.Context) error {
				return m.withTxn(func(txn storage.Txn) error {
					return txn.ReleaseGroupLock(groupID, owner)
				})
			},
		},
		{
			Name: "select_candidate",
			Do: func(ctx context.Context) (any, error) {
				return nil, m.selectCandidate(ctx, groupID, candidate, state)
			},
		},
		{
			Name: "master_read_only",
			Do: func(ctx context.Context) (any, error) {
				if kind == kindFailover || state.oldMaster == nil {
					return nil, nil
				}
				conn, err := m.reg.Connect(ctx, state.oldMaster.UUID)
				if err != nil {
					return nil, err
				}
				return nil, conn.SetReadOnly(ctx, true)
			},
			Undo: func(ctx context.Context) error {
				if kind == kindFailover || state.oldMaster == nil {
					return nil
				}
				conn, err := m.reg.Connect(ctx, state.oldMaster.UUID)
				if err != nil {
					return err
				}
				return conn.SetReadOnly(ctx, false)
			},
		},
		{
			Name: "wait_for_catchup",
			Do: func(ctx context.Context) (any, error) {
				if kind == kindFailover || state.oldMaster == nil {
					return nil, nil
				}
				return nil, m.waitForCatchup(ctx, state)
			},
		},
		{
			Name: "reconfigure_candidate",
			Do: func(ctx context.Context) (any, error) {
				conn, err := m.reg.Connect(ctx, state.candidate.UUID)
				if err != nil {
					return nil, err
				}
				state.touchedSet[state.candidate.UUID] = true
				if err := conn.StopSlave(ctx); err != nil {
					return nil, err
				}
				if err := conn.ResetSlave(ctx); err != nil {
					return nil, err
				}
				return nil, conn.SetReadOnly(ctx, false)
			},
			Undo: func(ctx context.Context) error {
				return m.restoreSlaveConfig(ctx, state, state.candidate)
			},
		},
		{
			Name: "reconfigure_others",
			Do: func(ctx context.Context) (any, error) {
				candidateAddr := state.candidate.Address
				for _, s := range state.others {
					conn, err := m.reg.Connect(ctx, s.UUID)
					if err != nil {
						return nil, err
					}
					state.touchedSet[s.UUID] = true
					if err := conn.ChangeMaster(ctx, candidateAddr); err != nil {
						return nil, err
					}
					if err := conn.StartSlave(ctx); err != nil {
						return nil, err
					}
				}
				return nil, nil
			},
			Undo: func(ctx context.Context) error {
				for _, s := range state.others {
					if err := m.restoreSlaveConfig(ctx, state, s); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			Name: "commit_metadata",
			Do: func(ctx context.Context) (any, error) {
				return nil, m.commitChangeoverMetadata(groupID, state)
			},
			Undo: func(ctx context.Context) error {
				return m.withTxn(func(txn storage.Txn) error {
					g, err := txn.GetGroup(groupID)
					if err != nil {
						return err
					}
					var old *uuid.UUID
					if state.oldMaster != nil {
						id := state.oldMaster.UUID
						old = &id
					}
					g.Master = old
					if err := txn.UpdateGroup(g); err != nil {
						return err
					}
					return m.restoreServerStatuses(txn, state)
				})
			},
		},
		{
			Name: "fire_events",
			Do: func(ctx context.Context) (any, error) {
				newMaster := state.candidate.UUID.String()
				if _, err := m.bus.Trigger(events.ServerPromoted, newMaster); err != nil {
					m.log.Error().Err(err).Msg("failed to trigger SERVER_PROMOTED")
				}
				if state.oldMaster != nil {
					if _, err := m.bus.Trigger(events.ServerDemoted, state.oldMaster.UUID.String()); err != nil {
						m.log.Error().Err(err).Msg("failed to trigger SERVER_DEMOTED")
					}
				}
				return nil, nil
			},
		},
		{
			Name: "release_group_lock",
			Do: func(ctx context.Context) (any, error) {
				return nil, m.withTxn(func(txn storage.Txn) error {
					return txn.ReleaseGroupLock(groupID, owner)
				})
			},
		},
	}

	summary := "promote"
	if kind == kindFailover {
		summary = "fail_over"
	}
	return m.exec.Submit(executor.Procedure{
		ID:      procID,
		Summary: fmt.Sprintf("%s group %s", summary, groupID),
		Actions: actions,
	})
}

func (m *Manager) selectCandidate(ctx context.Context, groupID string, explicit uuid.UUID, state *changeoverState) error {
	txn, err := m.store.Begin()
	if err != nil {
		return err
	}
	defer txn.Rollback()

	g, err := txn.GetGroup(groupID)
	if err != nil {
		return err
	}
	state.group = g

	var secondaries []*types.Server
	for _, id := range g.Servers {
		s, err := txn.GetServer(id)
		if err != nil {
			return err
		}
		state.priorStatus[s.UUID] = s.Status
		state.priorMode[s.UUID] = s.Mode
		if g.Master != nil && s.UUID == *g.Master {
			state.oldMaster = s
			continue
		}
		if s.Status == types.ServerSecondary {
			secondaries = append(secondaries, s)
		}
	}
	if len(secondaries) == 0 {
		return ferrors.New(ferrors.KindGroup, fmt.Sprintf("group %s has no eligible secondary to promote", groupID))
	}

	var candidate *types.Server
	if explicit != uuid.Nil {
		for _, s := range secondaries {
			if s.UUID == explicit {
				candidate = s
				break
			}
		}
		if candidate == nil {
			return ferrors.New(ferrors.KindGroup, fmt.Sprintf("candidate %s is not an eligible secondary of group %s", explicit, groupID))
		}
	} else {
		candidate = mostCaughtUp(ctx, m.reg, secondaries)
	}

	state.candidate = candidate
	for _, s := range secondaries {
		if s.UUID != candidate.UUID {
			state.others = append(state.others, s)
		}
	}
	return nil
}

// mostCaughtUp connects to every secondary and returns the one with the
// smallest replication lag, falling back to the first secondary if none
// answer (spec.md §4.3 step 1: "compare replication position").
func mostCaughtUp(ctx context.Context, reg *registry.Registry, secondaries []*types.Server) *types.Server {
	best := secondaries[0]
	bestLag := -1
	for _, s := range secondaries {
		conn, err := reg.Connect(ctx, s.UUID)
		if err != nil {
			continue
		}
		status, err := conn.ReplicationStatus(ctx)
		if err != nil {
			continue
		}
		if bestLag == -1 || status.SecondsBehindMaster < bestLag {
			bestLag = status.SecondsBehindMaster
			best = s
		}
	}
	return best
}

// waitForCatchup waits for every secondary to reach the drained master's
// final replication position, bounded by CatchupTimeout (spec.md §4.3
// step 2). It assumes master_read_only already put the master into
// READ_ONLY, and marks the old master touched for undo purposes itself.
func (m *Manager) waitForCatchup(ctx context.Context, state *changeoverState) error {
	state.touchedSet[state.oldMaster.UUID] = true
	conn, err := m.reg.Connect(ctx, state.oldMaster.UUID)
	if err != nil {
		return err
	}
	finalStatus, err := conn.ReplicationStatus(ctx)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(CatchupTimeout)
	allSecondaries := append([]*types.Server{state.candidate}, state.others...)
	for {
		caughtUp := true
		for _, s := range allSecondaries {
			sconn, err := m.reg.Connect(ctx, s.UUID)
			if err != nil {
				caughtUp = false
				continue
			}
			status, err := sconn.ReplicationStatus(ctx)
			if err != nil || status.Position != finalStatus.Position {
				caughtUp = false
			}
		}
		if caughtUp {
			return nil
		}
		if time.Now().After(deadline) {
			return ferrors.New(ferrors.KindTimeout, fmt.Sprintf("secondaries of group %s did not catch up within %s", state.group.GroupID, CatchupTimeout))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (m *Manager) restoreSlaveConfig(ctx context.Context, state *changeoverState, s *types.Server) error {
	if !state.touchedSet[s.UUID] || state.oldMaster == nil {
		return nil
	}
	conn, err := m.reg.Connect(ctx, s.UUID)
	if err != nil {
		return err
	}
	if err := conn.ChangeMaster(ctx, state.oldMaster.Address); err != nil {
		return err
	}
	if err := conn.StartSlave(ctx); err != nil {
		return err
	}
	return conn.SetReadOnly(ctx, true)
}

func (m *Manager) commitChangeoverMetadata(groupID string, state *changeoverState) error {
	return m.withTxn(func(txn storage.Txn) error {
		g, err := txn.GetGroup(groupID)
		if err != nil {
			return err
		}
		candidateID := state.candidate.UUID
		g.Master = &candidateID
		if err := txn.UpdateGroup(g); err != nil {
			return err
		}

		state.candidate.Status = types.ServerPrimary
		state.candidate.Mode = types.ModeReadWrite
		if err := txn.UpdateServer(state.candidate); err != nil {
			return err
		}
		for _, s := range state.others {
			s.Status = types.ServerSecondary
			s.Mode = types.ModeReadOnly
			if err := txn.UpdateServer(s); err != nil {
				return err
			}
		}
		if state.oldMaster != nil {
			state.oldMaster.Status = types.ServerSecondary
			state.oldMaster.Mode = types.ModeReadOnly
			if err := txn.UpdateServer(state.oldMaster); err != nil {
				return err
			}
		}
		return nil
	})
}

func (m *Manager) restoreServerStatuses(txn storage.Txn, state *changeoverState) error {
	for id, status := range state.priorStatus {
		s, err := txn.GetServer(id)
		if err != nil {
			continue
		}
		s.Status = status
		s.Mode = state.priorMode[id]
		if err := txn.UpdateServer(s); err != nil {
			return err
		}
	}
	return nil
}

// Demote converts the current master to SECONDARY without electing a
// replacement; the group becomes read-only globally (spec.md §4.3 demote).
func (m *Manager) Demote(groupID string) (string, error) {
	procID := uuid.NewString()
	owner := procID

	var g *types.Group
	var oldMaster *types.Server

	actions := []executor.Action{
		{
			Name: "acquire_group_lock",
			Do: func(ctx context.Context) (any, error) {
				return nil, m.withTxn(func(txn storage.Txn) error {
					return txn.AcquireGroupLock(groupID, owner)
				})
			},
			Undo: func(ctx context.Context) error {
				return m.withTxn(func(txn storage.Txn) error {
					return txn.ReleaseGroupLock(groupID, owner)
				})
			},
		},
		{
			Name: "set_group_read_only",
			Do: func(ctx context.Context) (any, error) {
				return nil, m.withTxn(func(txn storage.Txn) error {
					var err error
					g, err = txn.GetGroup(groupID)
					if err != nil {
						return err
					}
					if g.Master == nil {
						return ferrors.New(ferrors.KindGroup, fmt.Sprintf("group %s has no master to demote", groupID))
					}
					oldMaster, err = txn.GetServer(*g.Master)
					if err != nil {
						return err
					}
					for _, id := range g.Servers {
						s, err := txn.GetServer(id)
						if err != nil {
							return err
						}
						s.Mode = types.ModeReadOnly
						if s.UUID == oldMaster.UUID {
							s.Status = types.ServerSecondary
						}
						if err := txn.UpdateServer(s); err != nil {
							return err
						}
					}
					g.Master = nil
					return txn.UpdateGroup(g)
				})
			},
		},
		{
			Name: "demote_master_connection",
			Do: func(ctx context.Context) (any, error) {
				conn, err := m.reg.Connect(ctx, oldMaster.UUID)
				if err != nil {
					return nil, err
				}
				return nil, conn.SetReadOnly(ctx, true)
			},
		},
		{
			Name: "fire_event",
			Do: func(ctx context.Context) (any, error) {
				_, err := m.bus.Trigger(events.ServerDemoted, oldMaster.UUID.String())
				return nil, err
			},
		},
		{
			Name: "release_group_lock",
			Do: func(ctx context.Context) (any, error) {
				return nil, m.withTxn(func(txn storage.Txn) error {
					return txn.ReleaseGroupLock(groupID, owner)
				})
			},
		},
	}

	return m.exec.Submit(executor.Procedure{
		ID:      procID,
		Summary: fmt.Sprintf("demote group %s", groupID),
		Actions: actions,
	})
}

// Initialize runs the startup half of spec.md §4.3's reconciliation duty:
// for every group with a declared master, it asks that master for its
// replication status, and if the master is itself still replicating from
// another server it rewrites metadata to record it as SECONDARY and leave
// the group without a master — the authoritative source for group
// topology is remote state, since a crash between reconfiguring replicas
// and committing metadata leaves the servers already in the new topology.
// Servers other than the declared master are not queried.
func (m *Manager) Initialize(ctx context.Context) error {
	txn, err := m.store.Begin()
	if err != nil {
		return err
	}
	groups, err := txn.ListGroups()
	txn.Rollback()
	if err != nil {
		return err
	}

	for _, g := range groups {
		if err := m.reconcileGroup(ctx, g); err != nil {
			m.log.Error().Err(err).Str("group", g.GroupID).Msg("failed to reconcile group on startup")
		}
	}
	return nil
}

func (m *Manager) reconcileGroup(ctx context.Context, g *types.Group) error {
	if g.Master == nil {
		return nil
	}
	conn, err := m.reg.Connect(ctx, *g.Master)
	if err != nil {
		m.log.Warn().Str("group", g.GroupID).Msg("declared master unreachable at startup, leaving metadata for reconciler to detect")
		return nil
	}
	status, err := conn.ReplicationStatus(ctx)
	if err != nil {
		return err
	}
	if status.Running {
		m.log.Warn().Str("group", g.GroupID).Str("server", g.Master.String()).Msg("declared master is still replicating from another server, rewriting metadata to match remote state")
		return m.withTxn(func(txn storage.Txn) error {
			s, err := txn.GetServer(*g.Master)
			if err != nil {
				return err
			}
			s.Status = types.ServerSecondary
			g.Master = nil
			if err := txn.UpdateServer(s); err != nil {
				return err
			}
			return txn.UpdateGroup(g)
		})
	}
	return nil
}

func (m *Manager) withTxn(fn func(storage.Txn) error) error {
	txn, err := m.store.Begin()
	if err != nil {
		return err
	}
	if err := fn(txn); err != nil {
		txn.Rollback()
		return err
	}
	return txn.Commit()
}

func removeUUID(ids []uuid.UUID, target uuid.UUID) []uuid.UUID {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}
