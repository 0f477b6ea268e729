package coordinator

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/lynfabric/fabric/pkg/ferrors"
	"github.com/lynfabric/fabric/pkg/storage"
	"github.com/lynfabric/fabric/pkg/types"
)

// Config names the Raft node backing a Coordinator.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Coordinator replicates metadata mutations through a single-voter Raft
// group. Every exported method marshals its argument into a Command,
// proposes it via raft.Raft.Apply, and waits for the local FSM to apply it.
type Coordinator struct {
	nodeID   string
	bindAddr string
	raft     *raft.Raft
	fsm      *FSM
}

// New opens (or creates) the Raft log/stable/snapshot stores under
// cfg.DataDir and wires them to a fresh FSM over store. It does not
// bootstrap a cluster; call Bootstrap once, on first startup only.
func New(cfg Config, store storage.MetadataStore) (*Coordinator, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("coordinator: create data dir: %w", err)
	}

	fsm := NewFSM(store)

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("coordinator: resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("coordinator: create transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("coordinator: create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("coordinator: create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("coordinator: create stable store: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("coordinator: create raft: %w", err)
	}

	return &Coordinator{nodeID: cfg.NodeID, bindAddr: cfg.BindAddr, raft: r, fsm: fsm}, nil
}

// Bootstrap initializes a single-voter cluster with this node as its only
// member, per spec.md's single-active-coordinator assumption. Safe to call
// only once, on a node's first startup; a node rejoining an already
// bootstrapped cluster should skip it.
func (c *Coordinator) Bootstrap() error {
	cfg := raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(c.nodeID), Address: raft.ServerAddress(c.bindAddr)},
		},
	}
	return c.raft.BootstrapCluster(cfg).Error()
}

// IsLeader reports whether this node currently holds the single
// coordinator seat.
func (c *Coordinator) IsLeader() bool {
	return c.raft.State() == raft.Leader
}

// Shutdown stops the underlying raft node.
func (c *Coordinator) Shutdown() error {
	return c.raft.Shutdown().Error()
}

// propose proposes cmd and blocks until it has been applied locally,
// returning whatever error (if any) the FSM's Apply produced.
func (c *Coordinator) propose(op Op, payload any, timeout time.Duration) error {
	if !c.IsLeader() {
		return ferrors.New(ferrors.KindService, "coordinator: this node is not the raft leader")
	}
	cmd, err := newCommand(op, payload)
	if err != nil {
		return fmt.Errorf("coordinator: encode command: %w", err)
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("coordinator: encode command: %w", err)
	}
	future := c.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return err
	}
	if resp := future.Response(); resp != nil {
		if applyErr, ok := resp.(error); ok {
			return applyErr
		}
	}
	return nil
}

const defaultApplyTimeout = 5 * time.Second

func (c *Coordinator) CreateGroup(g *types.Group) error {
	return c.propose(OpCreateGroup, g, defaultApplyTimeout)
}

func (c *Coordinator) UpdateGroup(g *types.Group) error {
	return c.propose(OpUpdateGroup, g, defaultApplyTimeout)
}

func (c *Coordinator) DeleteGroup(id string) error {
	return c.propose(OpDeleteGroup, id, defaultApplyTimeout)
}

func (c *Coordinator) CreateServer(s *types.Server) error {
	return c.propose(OpCreateServer, s, defaultApplyTimeout)
}

func (c *Coordinator) UpdateServer(s *types.Server) error {
	return c.propose(OpUpdateServer, s, defaultApplyTimeout)
}

func (c *Coordinator) DeleteServer(id uuid.UUID) error {
	return c.propose(OpDeleteServer, id, defaultApplyTimeout)
}

func (c *Coordinator) CreateMapping(m *types.ShardMapping) error {
	return c.propose(OpCreateMapping, m, defaultApplyTimeout)
}

func (c *Coordinator) CreateShardTable(t *types.ShardTable) error {
	return c.propose(OpCreateShardTable, t, defaultApplyTimeout)
}

func (c *Coordinator) CreateShard(s *types.Shard) error {
	return c.propose(OpCreateShard, s, defaultApplyTimeout)
}

func (c *Coordinator) UpdateShard(s *types.Shard) error {
	return c.propose(OpUpdateShard, s, defaultApplyTimeout)
}

func (c *Coordinator) DeleteShard(id int64) error {
	return c.propose(OpDeleteShard, id, defaultApplyTimeout)
}

func (c *Coordinator) CreateShardRange(r *types.ShardRange) error {
	return c.propose(OpCreateShardRange, r, defaultApplyTimeout)
}

func (c *Coordinator) DeleteShardRange(shardID int64) error {
	return c.propose(OpDeleteShardRange, deleteShardRangeArgs{ShardID: shardID}, defaultApplyTimeout)
}

func (c *Coordinator) SaveProcedureRecord(r *types.ProcedureRecord) error {
	return c.propose(OpSaveProcedureRecord, r, defaultApplyTimeout)
}

func (c *Coordinator) AcquireGroupLock(groupID, owner string) error {
	return c.propose(OpAcquireGroupLock, groupLockArgs{GroupID: groupID, Owner: owner}, defaultApplyTimeout)
}

func (c *Coordinator) ReleaseGroupLock(groupID, owner string) error {
	return c.propose(OpReleaseGroupLock, groupLockArgs{GroupID: groupID, Owner: owner}, defaultApplyTimeout)
}

func (c *Coordinator) AcquireShardLock(shardID int64, owner string) error {
	return c.propose(OpAcquireShardLock, shardLockArgs{ShardID: shardID, Owner: owner}, defaultApplyTimeout)
}

func (c *Coordinator) ReleaseShardLock(shardID int64, owner string) error {
	return c.propose(OpReleaseShardLock, shardLockArgs{ShardID: shardID, Owner: owner}, defaultApplyTimeout)
}
