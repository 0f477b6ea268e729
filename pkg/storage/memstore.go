package storage

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lynfabric/fabric/pkg/ferrors"
	"github.com/lynfabric/fabric/pkg/types"
)

// MemStore is an in-memory MetadataStore for unit tests. It serializes all
// access through a single mutex; transactions are not isolated from one
// another beyond that, which is sufficient for single-threaded test use.
type MemStore struct {
	mu sync.Mutex

	servers      map[string]*types.Server
	groups       map[string]*types.Group
	mappings     map[int64]*types.ShardMapping
	shardTables  map[string]*types.ShardTable
	shards       map[int64]*types.Shard
	shardRanges  map[int64]*types.ShardRange
	procedures   map[string]*types.ProcedureRecord
	groupLocks   map[string]lockRecord
	shardLocks   map[int64]lockRecord

	nextMappingID int64
	nextShardID   int64
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		servers:     make(map[string]*types.Server),
		groups:      make(map[string]*types.Group),
		mappings:    make(map[int64]*types.ShardMapping),
		shardTables: make(map[string]*types.ShardTable),
		shards:      make(map[int64]*types.Shard),
		shardRanges: make(map[int64]*types.ShardRange),
		procedures:  make(map[string]*types.ProcedureRecord),
		groupLocks:  make(map[string]lockRecord),
		shardLocks:  make(map[int64]lockRecord),
	}
}

func (s *MemStore) Close() error { return nil }

// Begin locks the store for the lifetime of the transaction; Commit and
// Rollback both simply unlock, since every mutation is applied in place.
func (s *MemStore) Begin() (Txn, error) {
	s.mu.Lock()
	return &memTxn{s: s}, nil
}

type memTxn struct {
	s    *MemStore
	done bool
}

func (t *memTxn) finish() {
	if !t.done {
		t.done = true
		t.s.mu.Unlock()
	}
}

func (t *memTxn) Commit() error   { t.finish(); return nil }
func (t *memTxn) Rollback() error { t.finish(); return nil }

func (t *memTxn) Get(table, key string) ([]byte, bool, error) {
	return nil, false, fmt.Errorf("memstore: raw Get/Put not supported, use typed accessors")
}
func (t *memTxn) Put(table, key string, value []byte) error {
	return fmt.Errorf("memstore: raw Get/Put not supported, use typed accessors")
}
func (t *memTxn) Del(table, key string) error {
	return fmt.Errorf("memstore: raw Get/Put not supported, use typed accessors")
}

// --- Servers ---

func (t *memTxn) CreateServer(sv *types.Server) error {
	t.s.servers[sv.UUID.String()] = sv
	return nil
}

func (t *memTxn) GetServer(id uuid.UUID) (*types.Server, error) {
	sv, ok := t.s.servers[id.String()]
	if !ok {
		return nil, ferrors.New(ferrors.KindServer, fmt.Sprintf("server %s not found", id))
	}
	return sv, nil
}

func (t *memTxn) ListServers() ([]*types.Server, error) {
	out := make([]*types.Server, 0, len(t.s.servers))
	for _, sv := range t.s.servers {
		out = append(out, sv)
	}
	return out, nil
}

func (t *memTxn) UpdateServer(sv *types.Server) error {
	t.s.servers[sv.UUID.String()] = sv
	return nil
}

func (t *memTxn) DeleteServer(id uuid.UUID) error {
	delete(t.s.servers, id.String())
	return nil
}

// --- Groups ---

func (t *memTxn) CreateGroup(g *types.Group) error {
	t.s.groups[g.GroupID] = g
	return nil
}

func (t *memTxn) GetGroup(id string) (*types.Group, error) {
	g, ok := t.s.groups[id]
	if !ok {
		return nil, ferrors.New(ferrors.KindGroup, fmt.Sprintf("group %s not found", id))
	}
	return g, nil
}

func (t *memTxn) ListGroups() ([]*types.Group, error) {
	out := make([]*types.Group, 0, len(t.s.groups))
	for _, g := range t.s.groups {
		out = append(out, g)
	}
	return out, nil
}

func (t *memTxn) UpdateGroup(g *types.Group) error {
	t.s.groups[g.GroupID] = g
	return nil
}

func (t *memTxn) DeleteGroup(id string) error {
	delete(t.s.groups, id)
	return nil
}

// --- Shard mappings ---

func (t *memTxn) NextMappingID() (int64, error) {
	t.s.nextMappingID++
	return t.s.nextMappingID, nil
}

func (t *memTxn) CreateMapping(m *types.ShardMapping) error {
	t.s.mappings[m.MappingID] = m
	return nil
}

func (t *memTxn) GetMapping(id int64) (*types.ShardMapping, error) {
	m, ok := t.s.mappings[id]
	if !ok {
		return nil, ferrors.New(ferrors.KindSharding, fmt.Sprintf("mapping %d not found", id))
	}
	return m, nil
}

func (t *memTxn) ListMappings() ([]*types.ShardMapping, error) {
	out := make([]*types.ShardMapping, 0, len(t.s.mappings))
	for _, m := range t.s.mappings {
		out = append(out, m)
	}
	return out, nil
}

// --- Shard tables ---

func (t *memTxn) CreateShardTable(tbl *types.ShardTable) error {
	t.s.shardTables[tbl.QualifiedName()] = tbl
	return nil
}

func (t *memTxn) ListShardTables(mappingID int64) ([]*types.ShardTable, error) {
	var out []*types.ShardTable
	for _, tbl := range t.s.shardTables {
		if tbl.MappingID == mappingID {
			out = append(out, tbl)
		}
	}
	return out, nil
}

func (t *memTxn) FindShardTable(qualifiedName string) (*types.ShardTable, error) {
	tbl, ok := t.s.shardTables[qualifiedName]
	if !ok {
		return nil, ferrors.New(ferrors.KindSharding, fmt.Sprintf("table %s is not sharded", qualifiedName))
	}
	return tbl, nil
}

// --- Shards ---

func (t *memTxn) NextShardID() (int64, error) {
	t.s.nextShardID++
	return t.s.nextShardID, nil
}

func (t *memTxn) CreateShard(s *types.Shard) error {
	t.s.shards[s.ShardID] = s
	return nil
}

func (t *memTxn) GetShard(id int64) (*types.Shard, error) {
	s, ok := t.s.shards[id]
	if !ok {
		return nil, ferrors.New(ferrors.KindSharding, fmt.Sprintf("shard %d not found", id))
	}
	return s, nil
}

func (t *memTxn) ListShardsByMapping(mappingID int64) ([]*types.Shard, error) {
	var out []*types.Shard
	for _, s := range t.s.shards {
		if s.MappingID == mappingID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (t *memTxn) UpdateShard(s *types.Shard) error {
	t.s.shards[s.ShardID] = s
	return nil
}

func (t *memTxn) DeleteShard(id int64) error {
	delete(t.s.shards, id)
	return nil
}

// --- Shard ranges ---

func (t *memTxn) CreateShardRange(r *types.ShardRange) error {
	t.s.shardRanges[r.ShardID] = r
	return nil
}

func (t *memTxn) ListShardRanges(mappingID int64) ([]*types.ShardRange, error) {
	var out []*types.ShardRange
	for _, r := range t.s.shardRanges {
		if r.MappingID == mappingID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (t *memTxn) DeleteShardRange(shardID int64) error {
	delete(t.s.shardRanges, shardID)
	return nil
}

// --- Procedure audit trail ---

func (t *memTxn) SaveProcedureRecord(r *types.ProcedureRecord) error {
	t.s.procedures[r.ProcedureID] = r
	return nil
}

func (t *memTxn) GetProcedureRecord(id string) (*types.ProcedureRecord, error) {
	r, ok := t.s.procedures[id]
	if !ok {
		return nil, ferrors.New(ferrors.KindService, fmt.Sprintf("procedure %s not found", id))
	}
	return r, nil
}

func (t *memTxn) ListProcedureRecords() ([]*types.ProcedureRecord, error) {
	out := make([]*types.ProcedureRecord, 0, len(t.s.procedures))
	for _, r := range t.s.procedures {
		out = append(out, r)
	}
	return out, nil
}

// --- Advisory locks ---

func (t *memTxn) AcquireGroupLock(groupID, owner string) error {
	rec, ok := t.s.groupLocks[groupID]
	if ok && rec.Owner != owner {
		return ferrors.New(ferrors.KindShardBusy, fmt.Sprintf("group %s is locked by %s", groupID, rec.Owner))
	}
	t.s.groupLocks[groupID] = lockRecord{Owner: owner, AcquiredAt: time.Now()}
	return nil
}

func (t *memTxn) ReleaseGroupLock(groupID, owner string) error {
	rec, ok := t.s.groupLocks[groupID]
	if !ok {
		return nil
	}
	if rec.Owner != owner {
		return ferrors.New(ferrors.KindShardBusy, fmt.Sprintf("lock on group %s is held by %s, not %s", groupID, rec.Owner, owner))
	}
	delete(t.s.groupLocks, groupID)
	return nil
}

func (t *memTxn) AcquireShardLock(shardID int64, owner string) error {
	rec, ok := t.s.shardLocks[shardID]
	if ok && rec.Owner != owner {
		return ferrors.New(ferrors.KindShardBusy, fmt.Sprintf("shard %d is locked by %s", shardID, rec.Owner))
	}
	t.s.shardLocks[shardID] = lockRecord{Owner: owner, AcquiredAt: time.Now()}
	return nil
}

func (t *memTxn) ReleaseShardLock(shardID int64, owner string) error {
	rec, ok := t.s.shardLocks[shardID]
	if !ok {
		return nil
	}
	if rec.Owner != owner {
		return ferrors.New(ferrors.KindShardBusy, fmt.Sprintf("lock on shard %d is held by %s, not %s", shardID, rec.Owner, owner))
	}
	delete(t.s.shardLocks, shardID)
	return nil
}
