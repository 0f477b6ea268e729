package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/lynfabric/fabric/pkg/ferrors"
	"github.com/lynfabric/fabric/pkg/types"
)

var (
	bucketServers      = []byte("servers")
	bucketGroups       = []byte("groups")
	bucketMappings     = []byte("mappings")
	bucketShardTables  = []byte("shard_tables")
	bucketShards       = []byte("shards")
	bucketShardRanges  = []byte("shard_ranges")
	bucketProcedures   = []byte("procedures")
	bucketGroupLocks   = []byte("group_locks")
	bucketShardLocks   = []byte("shard_locks")
	bucketSequences    = []byte("sequences")

	allBuckets = [][]byte{
		bucketServers, bucketGroups, bucketMappings, bucketShardTables,
		bucketShards, bucketShardRanges, bucketProcedures,
		bucketGroupLocks, bucketShardLocks, bucketSequences,
	}
)

// BoltStore is the production MetadataStore, backed by a single bbolt file.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the metadata database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindDatabase, "open metadata store", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, ferrors.Wrap(ferrors.KindDatabase, "initialize buckets", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Begin opens a new read-write transaction. The caller must Commit or
// Rollback it; a Txn left open blocks every other writer, so Actions keep
// their transactions short-lived.
func (s *BoltStore) Begin() (Txn, error) {
	tx, err := s.db.Begin(true)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindDatabase, "begin transaction", err)
	}
	return &boltTxn{tx: tx}, nil
}

type boltTxn struct {
	tx *bolt.Tx
}

func (t *boltTxn) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return ferrors.Wrap(ferrors.KindDatabase, "commit transaction", err)
	}
	return nil
}

func (t *boltTxn) Rollback() error {
	if err := t.tx.Rollback(); err != nil && err != bolt.ErrTxClosed {
		return ferrors.Wrap(ferrors.KindDatabase, "rollback transaction", err)
	}
	return nil
}

func (t *boltTxn) bucket(table string) (*bolt.Bucket, error) {
	b := t.tx.Bucket([]byte(table))
	if b == nil {
		b, err := t.tx.CreateBucketIfNotExists([]byte(table))
		if err != nil {
			return nil, ferrors.Wrap(ferrors.KindDatabase, "create bucket "+table, err)
		}
		return b, nil
	}
	return b, nil
}

func (t *boltTxn) Get(table, key string) ([]byte, bool, error) {
	b, err := t.bucket(table)
	if err != nil {
		return nil, false, err
	}
	v := b.Get([]byte(key))
	if v == nil {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (t *boltTxn) Put(table, key string, value []byte) error {
	b, err := t.bucket(table)
	if err != nil {
		return err
	}
	if err := b.Put([]byte(key), value); err != nil {
		return ferrors.Wrap(ferrors.KindDatabase, "put "+table+"/"+key, err)
	}
	return nil
}

func (t *boltTxn) Del(table, key string) error {
	b, err := t.bucket(table)
	if err != nil {
		return err
	}
	if err := b.Delete([]byte(key)); err != nil {
		return ferrors.Wrap(ferrors.KindDatabase, "delete "+table+"/"+key, err)
	}
	return nil
}

func (t *boltTxn) putJSON(table, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return ferrors.Wrap(ferrors.KindDatabase, "marshal "+table, err)
	}
	return t.Put(table, key, data)
}

func (t *boltTxn) getJSON(table, key string, v any) (bool, error) {
	data, ok, err := t.Get(table, key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, ferrors.Wrap(ferrors.KindDatabase, "unmarshal "+table, err)
	}
	return true, nil
}

func (t *boltTxn) forEach(table string, fn func(v []byte) error) error {
	b, err := t.bucket(table)
	if err != nil {
		return err
	}
	return b.ForEach(func(_, v []byte) error {
		return fn(v)
	})
}

// --- Servers ---

func (t *boltTxn) CreateServer(s *types.Server) error {
	return t.putJSON(string(bucketServers), s.UUID.String(), s)
}

func (t *boltTxn) GetServer(id uuid.UUID) (*types.Server, error) {
	var s types.Server
	ok, err := t.getJSON(string(bucketServers), id.String(), &s)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ferrors.New(ferrors.KindServer, fmt.Sprintf("server %s not found", id))
	}
	return &s, nil
}

func (t *boltTxn) ListServers() ([]*types.Server, error) {
	var out []*types.Server
	err := t.forEach(string(bucketServers), func(v []byte) error {
		var s types.Server
		if err := json.Unmarshal(v, &s); err != nil {
			return err
		}
		out = append(out, &s)
		return nil
	})
	return out, err
}

func (t *boltTxn) UpdateServer(s *types.Server) error {
	return t.putJSON(string(bucketServers), s.UUID.String(), s)
}

func (t *boltTxn) DeleteServer(id uuid.UUID) error {
	return t.Del(string(bucketServers), id.String())
}

// --- Groups ---

func (t *boltTxn) CreateGroup(g *types.Group) error {
	return t.putJSON(string(bucketGroups), g.GroupID, g)
}

func (t *boltTxn) GetGroup(id string) (*types.Group, error) {
	var g types.Group
	ok, err := t.getJSON(string(bucketGroups), id, &g)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ferrors.New(ferrors.KindGroup, fmt.Sprintf("group %s not found", id))
	}
	return &g, nil
}

func (t *boltTxn) ListGroups() ([]*types.Group, error) {
	var out []*types.Group
	err := t.forEach(string(bucketGroups), func(v []byte) error {
		var g types.Group
		if err := json.Unmarshal(v, &g); err != nil {
			return err
		}
		out = append(out, &g)
		return nil
	})
	return out, err
}

func (t *boltTxn) UpdateGroup(g *types.Group) error {
	return t.putJSON(string(bucketGroups), g.GroupID, g)
}

func (t *boltTxn) DeleteGroup(id string) error {
	return t.Del(string(bucketGroups), id)
}

// --- Shard mappings ---

func (t *boltTxn) nextSequence(table string) (int64, error) {
	b, err := t.bucket(string(bucketSequences))
	if err != nil {
		return 0, err
	}
	n, err := b.NextSequence()
	if err != nil {
		return 0, ferrors.Wrap(ferrors.KindDatabase, "allocate sequence for "+table, err)
	}
	return int64(n), nil
}

func (t *boltTxn) NextMappingID() (int64, error) {
	return t.nextSequence("mapping")
}

func (t *boltTxn) CreateMapping(m *types.ShardMapping) error {
	return t.putJSON(string(bucketMappings), fmt.Sprintf("%d", m.MappingID), m)
}

func (t *boltTxn) GetMapping(id int64) (*types.ShardMapping, error) {
	var m types.ShardMapping
	ok, err := t.getJSON(string(bucketMappings), fmt.Sprintf("%d", id), &m)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ferrors.New(ferrors.KindSharding, fmt.Sprintf("mapping %d not found", id))
	}
	return &m, nil
}

func (t *boltTxn) ListMappings() ([]*types.ShardMapping, error) {
	var out []*types.ShardMapping
	err := t.forEach(string(bucketMappings), func(v []byte) error {
		var m types.ShardMapping
		if err := json.Unmarshal(v, &m); err != nil {
			return err
		}
		out = append(out, &m)
		return nil
	})
	return out, err
}

// --- Shard tables ---

func (t *boltTxn) CreateShardTable(tbl *types.ShardTable) error {
	return t.putJSON(string(bucketShardTables), tbl.QualifiedName(), tbl)
}

func (t *boltTxn) ListShardTables(mappingID int64) ([]*types.ShardTable, error) {
	var out []*types.ShardTable
	err := t.forEach(string(bucketShardTables), func(v []byte) error {
		var tbl types.ShardTable
		if err := json.Unmarshal(v, &tbl); err != nil {
			return err
		}
		if tbl.MappingID == mappingID {
			out = append(out, &tbl)
		}
		return nil
	})
	return out, err
}

func (t *boltTxn) FindShardTable(qualifiedName string) (*types.ShardTable, error) {
	var tbl types.ShardTable
	ok, err := t.getJSON(string(bucketShardTables), qualifiedName, &tbl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ferrors.New(ferrors.KindSharding, fmt.Sprintf("table %s is not sharded", qualifiedName))
	}
	return &tbl, nil
}

// --- Shards ---

func (t *boltTxn) NextShardID() (int64, error) {
	return t.nextSequence("shard")
}

func (t *boltTxn) CreateShard(s *types.Shard) error {
	return t.putJSON(string(bucketShards), fmt.Sprintf("%d", s.ShardID), s)
}

func (t *boltTxn) GetShard(id int64) (*types.Shard, error) {
	var s types.Shard
	ok, err := t.getJSON(string(bucketShards), fmt.Sprintf("%d", id), &s)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ferrors.New(ferrors.KindSharding, fmt.Sprintf("shard %d not found", id))
	}
	return &s, nil
}

func (t *boltTxn) ListShardsByMapping(mappingID int64) ([]*types.Shard, error) {
	var out []*types.Shard
	err := t.forEach(string(bucketShards), func(v []byte) error {
		var s types.Shard
		if err := json.Unmarshal(v, &s); err != nil {
			return err
		}
		if s.MappingID == mappingID {
			out = append(out, &s)
		}
		return nil
	})
	return out, err
}

func (t *boltTxn) UpdateShard(s *types.Shard) error {
	return t.putJSON(string(bucketShards), fmt.Sprintf("%d", s.ShardID), s)
}

func (t *boltTxn) DeleteShard(id int64) error {
	return t.Del(string(bucketShards), fmt.Sprintf("%d", id))
}

// --- Shard ranges ---

func (t *boltTxn) CreateShardRange(r *types.ShardRange) error {
	return t.putJSON(string(bucketShardRanges), fmt.Sprintf("%d", r.ShardID), r)
}

func (t *boltTxn) ListShardRanges(mappingID int64) ([]*types.ShardRange, error) {
	var out []*types.ShardRange
	err := t.forEach(string(bucketShardRanges), func(v []byte) error {
		var r types.ShardRange
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		if r.MappingID == mappingID {
			out = append(out, &r)
		}
		return nil
	})
	return out, err
}

func (t *boltTxn) DeleteShardRange(shardID int64) error {
	return t.Del(string(bucketShardRanges), fmt.Sprintf("%d", shardID))
}

// --- Procedure audit trail ---

func (t *boltTxn) SaveProcedureRecord(r *types.ProcedureRecord) error {
	return t.putJSON(string(bucketProcedures), r.ProcedureID, r)
}

func (t *boltTxn) GetProcedureRecord(id string) (*types.ProcedureRecord, error) {
	var r types.ProcedureRecord
	ok, err := t.getJSON(string(bucketProcedures), id, &r)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ferrors.New(ferrors.KindService, fmt.Sprintf("procedure %s not found", id))
	}
	return &r, nil
}

func (t *boltTxn) ListProcedureRecords() ([]*types.ProcedureRecord, error) {
	var out []*types.ProcedureRecord
	err := t.forEach(string(bucketProcedures), func(v []byte) error {
		var r types.ProcedureRecord
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		out = append(out, &r)
		return nil
	})
	return out, err
}

// --- Advisory locks ---

type lockRecord struct {
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
}

func (t *boltTxn) acquireLock(table, bucket, key, owner string) error {
	var rec lockRecord
	ok, err := t.getJSON(bucket, key, &rec)
	if err != nil {
		return err
	}
	if ok && rec.Owner != owner {
		return ferrors.New(ferrors.KindShardBusy, fmt.Sprintf("%s %s is locked by %s", table, key, rec.Owner))
	}
	return t.putJSON(bucket, key, lockRecord{Owner: owner, AcquiredAt: time.Now()})
}

func (t *boltTxn) releaseLock(bucket, key, owner string) error {
	var rec lockRecord
	ok, err := t.getJSON(bucket, key, &rec)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if rec.Owner != owner {
		return ferrors.New(ferrors.KindShardBusy, fmt.Sprintf("lock on %s is held by %s, not %s", key, rec.Owner, owner))
	}
	return t.Del(bucket, key)
}

func (t *boltTxn) AcquireGroupLock(groupID, owner string) error {
	return t.acquireLock("group", string(bucketGroupLocks), groupID, owner)
}

func (t *boltTxn) ReleaseGroupLock(groupID, owner string) error {
	return t.releaseLock(string(bucketGroupLocks), groupID, owner)
}

func (t *boltTxn) AcquireShardLock(shardID int64, owner string) error {
	return t.acquireLock("shard", string(bucketShardLocks), fmt.Sprintf("%d", shardID), owner)
}

func (t *boltTxn) ReleaseShardLock(shardID int64, owner string) error {
	return t.releaseLock(string(bucketShardLocks), fmt.Sprintf("%d", shardID), owner)
}
