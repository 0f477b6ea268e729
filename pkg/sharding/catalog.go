package sharding

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/lynfabric/fabric/pkg/ferrors"
	"github.com/lynfabric/fabric/pkg/storage"
	"github.com/lynfabric/fabric/pkg/types"
)

// Hint tells LookupServers whether to route to the owning shard's group or
// the mapping's global group (spec.md §4.4 lookup_servers).
type Hint string

const (
	Local  Hint = "LOCAL"
	Global Hint = "GLOBAL"
)

// Catalog is the ShardingCatalog of spec.md §4.4.
type Catalog struct {
	store storage.MetadataStore
}

// New creates a Catalog over store.
func New(store storage.MetadataStore) *Catalog {
	return &Catalog{store: store}
}

// CreateDefinition allocates a mapping bound to globalGroupID.
func (c *Catalog) CreateDefinition(mappingType types.MappingType, globalGroupID string) (int64, error) {
	switch mappingType {
	case types.MappingRange, types.MappingRangeString, types.MappingHash:
	default:
		return 0, ferrors.New(ferrors.KindSharding, fmt.Sprintf("unknown mapping type %q", mappingType))
	}

	txn, err := c.store.Begin()
	if err != nil {
		return 0, err
	}
	defer txn.Rollback()

	if _, err := txn.GetGroup(globalGroupID); err != nil {
		return 0, ferrors.Wrap(ferrors.KindSharding, fmt.Sprintf("global group %s does not exist", globalGroupID), err)
	}

	id, err := txn.NextMappingID()
	if err != nil {
		return 0, err
	}
	m := &types.ShardMapping{MappingID: id, Type: mappingType, GlobalGroupID: globalGroupID}
	if err := txn.CreateMapping(m); err != nil {
		return 0, err
	}
	if err := txn.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// AddTable registers a sharded table under mappingID.
func (c *Catalog) AddTable(mappingID int64, schema, table, keyColumn string) error {
	txn, err := c.store.Begin()
	if err != nil {
		return err
	}
	defer txn.Rollback()

	if _, err := txn.GetMapping(mappingID); err != nil {
		return err
	}
	if err := txn.CreateShardTable(&types.ShardTable{
		MappingID: mappingID, Schema: schema, Table: table, ShardKeyColumn: keyColumn,
	}); err != nil {
		return err
	}
	return txn.Commit()
}

// AddShard creates one or more shards from spec, a single "group_id/bound"
// or a comma-separated list for bulk creation (spec.md §4.4 add_shard). It
// returns the new shard ids in spec order.
func (c *Catalog) AddShard(mappingID int64, spec string, state types.ShardState) ([]int64, error) {
	txn, err := c.store.Begin()
	if err != nil {
		return nil, err
	}
	defer txn.Rollback()

	mapping, err := txn.GetMapping(mappingID)
	if err != nil {
		return nil, err
	}

	type newShard struct {
		groupID string
		bound   string
	}
	var news []newShard
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		pieces := strings.SplitN(part, "/", 2)
		if len(pieces) != 2 {
			return nil, ferrors.New(ferrors.KindSharding, fmt.Sprintf("malformed shard spec %q, want group_id/bound", part))
		}
		news = append(news, newShard{groupID: pieces[0], bound: pieces[1]})
	}
	if len(news) == 0 {
		return nil, ferrors.New(ferrors.KindSharding, "empty shard spec")
	}

	existing, err := txn.ListShardRanges(mappingID)
	if err != nil {
		return nil, err
	}
	seenBounds := make(map[string]bool, len(existing))
	for _, r := range existing {
		seenBounds[r.LowerBound] = true
	}

	ids := make([]int64, 0, len(news))
	for _, n := range news {
		if seenBounds[n.bound] {
			return nil, ferrors.New(ferrors.KindSharding, fmt.Sprintf("duplicate bound %q for mapping %d", n.bound, mappingID))
		}
		if _, err := txn.GetGroup(n.groupID); err != nil {
			return nil, ferrors.Wrap(ferrors.KindSharding, fmt.Sprintf("group %s does not exist", n.groupID), err)
		}
		if mapping.Type != types.MappingRangeString {
			if _, err := strconv.ParseUint(n.bound, 10, 64); err != nil {
				return nil, ferrors.New(ferrors.KindSharding, fmt.Sprintf("bound %q is not numeric for mapping type %s", n.bound, mapping.Type))
			}
		}

		shardID, err := txn.NextShardID()
		if err != nil {
			return nil, err
		}
		shard := &types.Shard{ShardID: shardID, MappingID: mappingID, State: state, GroupID: n.groupID}
		if err := txn.CreateShard(shard); err != nil {
			return nil, err
		}
		if err := txn.CreateShardRange(&types.ShardRange{ShardID: shardID, MappingID: mappingID, LowerBound: n.bound}); err != nil {
			return nil, err
		}
		seenBounds[n.bound] = true
		ids = append(ids, shardID)
	}

	if err := c.validateSorted(txn, mapping); err != nil {
		return nil, err
	}

	if err := txn.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// validateSorted confirms the mapping's ranges form a strictly increasing,
// non-overlapping sequence once ordered by bound (spec.md §4.4 add_shard
// postcondition). Non-overlapping follows for free from distinct bounds,
// since the highest-bound shard owns [bound_n, +inf).
func (c *Catalog) validateSorted(txn storage.Txn, mapping *types.ShardMapping) error {
	ranges, err := txn.ListShardRanges(mapping.MappingID)
	if err != nil {
		return err
	}
	ordered, err := sortRanges(mapping.Type, ranges)
	if err != nil {
		return err
	}
	for i := 1; i < len(ordered); i++ {
		if ordered[i-1].key == ordered[i].key {
			return ferrors.New(ferrors.KindSharding, fmt.Sprintf("duplicate bound in mapping %d after insertion", mapping.MappingID))
		}
	}
	return nil
}

// boundEntry pairs a shard range with its comparable bound: numKey for
// RANGE/HASH, strKey for RANGE_STRING.
type boundEntry struct {
	r      *types.ShardRange
	key    uint64
	strKey string
	str    bool
}

func boundOf(mappingType types.MappingType, r *types.ShardRange) (boundEntry, error) {
	if mappingType == types.MappingRangeString {
		return boundEntry{r: r, strKey: r.LowerBound, str: true}, nil
	}
	n, err := strconv.ParseUint(r.LowerBound, 10, 64)
	if err != nil {
		return boundEntry{}, ferrors.Wrap(ferrors.KindSharding, fmt.Sprintf("bound %q is not numeric", r.LowerBound), err)
	}
	return boundEntry{r: r, key: n}, nil
}

func sortRanges(mappingType types.MappingType, ranges []*types.ShardRange) ([]boundEntry, error) {
	entries := make([]boundEntry, 0, len(ranges))
	for _, r := range ranges {
		e, err := boundOf(mappingType, r)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].str {
			return entries[i].strKey < entries[j].strKey
		}
		return entries[i].key < entries[j].key
	})
	return entries, nil
}

// ShardRangeBounds returns shardID's [lower, upper) key range within its
// mapping: upper is the next bound in sorted order, or nil for the
// highest-bound shard, which owns [lower, +inf) (spec.md §4.4).
func (c *Catalog) ShardRangeBounds(shardID int64) (lower string, upper *string, err error) {
	txn, err := c.store.Begin()
	if err != nil {
		return "", nil, err
	}
	defer txn.Rollback()

	shard, err := txn.GetShard(shardID)
	if err != nil {
		return "", nil, err
	}
	mapping, err := txn.GetMapping(shard.MappingID)
	if err != nil {
		return "", nil, err
	}
	ranges, err := txn.ListShardRanges(shard.MappingID)
	if err != nil {
		return "", nil, err
	}
	entries, err := sortRanges(mapping.Type, ranges)
	if err != nil {
		return "", nil, err
	}

	for i, e := range entries {
		if e.r.ShardID != shardID {
			continue
		}
		lower = e.r.LowerBound
		if i+1 < len(entries) {
			next := entries[i+1].r.LowerBound
			upper = &next
		}
		return lower, upper, nil
	}
	return "", nil, ferrors.New(ferrors.KindSharding, fmt.Sprintf("shard %d has no range in mapping %d", shardID, shard.MappingID))
}

// LookupShard routes key to the shard that owns it (spec.md §4.4
// lookup_shard): the shard with the highest bound not above the key (for
// HASH, the key's xxhash), found by a scan of the sorted bounds; for HASH a
// key below every bound wraps to the highest-bound shard. Only ENABLED
// shards are considered.
func (c *Catalog) LookupShard(mappingID int64, key string) (int64, error) {
	txn, err := c.store.Begin()
	if err != nil {
		return 0, err
	}
	defer txn.Rollback()

	mapping, err := txn.GetMapping(mappingID)
	if err != nil {
		return 0, err
	}
	ranges, err := txn.ListShardRanges(mappingID)
	if err != nil {
		return 0, err
	}
	shards, err := txn.ListShardsByMapping(mappingID)
	if err != nil {
		return 0, err
	}
	enabled := make(map[int64]bool, len(shards))
	for _, s := range shards {
		if s.State == types.ShardEnabled {
			enabled[s.ShardID] = true
		}
	}

	var enabledRanges []*types.ShardRange
	for _, r := range ranges {
		if enabled[r.ShardID] {
			enabledRanges = append(enabledRanges, r)
		}
	}
	if len(enabledRanges) == 0 {
		return 0, ferrors.New(ferrors.KindSharding, fmt.Sprintf("no enabled shard in mapping %d", mappingID))
	}

	entries, err := sortRanges(mapping.Type, enabledRanges)
	if err != nil {
		return 0, err
	}

	var target uint64
	var targetStr string
	useStr := mapping.Type == types.MappingRangeString
	switch mapping.Type {
	case types.MappingRangeString:
		targetStr = key
	case types.MappingHash:
		target = xxhash.Sum64String(key)
	default:
		n, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return 0, ferrors.Wrap(ferrors.KindSharding, fmt.Sprintf("key %q is not numeric", key), err)
		}
		target = n
	}

	best := -1
	for i, e := range entries {
		if useStr {
			if e.strKey <= targetStr {
				best = i
			}
		} else if e.key <= target {
			best = i
		}
	}
	if best == -1 {
		// Hash ring wraps: the highest bound owns everything below the lowest.
		if mapping.Type == types.MappingHash {
			best = len(entries) - 1
		} else {
			return 0, ferrors.New(ferrors.KindSharding, fmt.Sprintf("no shard covers key %q in mapping %d", key, mappingID))
		}
	}
	return entries[best].r.ShardID, nil
}

// LookupServers returns the servers to route to for tableOrShardID, which
// must be a "schema.table" string or a shard id (int64). hint selects the
// owning shard's group (Local) or the mapping's global group (Global).
func (c *Catalog) LookupServers(tableOrShardID any, key string, hint Hint) ([]*types.Server, error) {
	txn, err := c.store.Begin()
	if err != nil {
		return nil, err
	}
	defer txn.Rollback()

	var shard *types.Shard
	var mapping *types.ShardMapping

	switch v := tableOrShardID.(type) {
	case string:
		t, err := txn.FindShardTable(v)
		if err != nil {
			return nil, err
		}
		mapping, err = txn.GetMapping(t.MappingID)
		if err != nil {
			return nil, err
		}
		if hint == Global {
			return c.serversOf(txn, mapping.GlobalGroupID)
		}
		shardID, err := c.LookupShard(t.MappingID, key)
		if err != nil {
			return nil, err
		}
		shard, err = txn.GetShard(shardID)
		if err != nil {
			return nil, err
		}
	case int64:
		shard, err = txn.GetShard(v)
		if err != nil {
			return nil, err
		}
		mapping, err = txn.GetMapping(shard.MappingID)
		if err != nil {
			return nil, err
		}
		if hint == Global {
			return c.serversOf(txn, mapping.GlobalGroupID)
		}
	default:
		return nil, ferrors.New(ferrors.KindSharding, "tableOrShardID must be a qualified table name or a shard id")
	}

	return c.serversOf(txn, shard.GroupID)
}

func (c *Catalog) serversOf(txn storage.Txn, groupID string) ([]*types.Server, error) {
	g, err := txn.GetGroup(groupID)
	if err != nil {
		return nil, err
	}
	servers := make([]*types.Server, 0, len(g.Servers))
	for _, id := range g.Servers {
		s, err := txn.GetServer(id)
		if err != nil {
			return nil, err
		}
		servers = append(servers, s)
	}
	return servers, nil
}

// DisableShard stops routing to id.
func (c *Catalog) DisableShard(id int64) error {
	return c.setState(id, types.ShardDisabled, false)
}

// EnableShard resumes routing to id, after verifying its group has a
// PRIMARY (spec.md §4.5 enable_shard).
func (c *Catalog) EnableShard(id int64) error {
	return c.setState(id, types.ShardEnabled, true)
}

func (c *Catalog) setState(id int64, state types.ShardState, requirePrimary bool) error {
	txn, err := c.store.Begin()
	if err != nil {
		return err
	}
	defer txn.Rollback()

	shard, err := txn.GetShard(id)
	if err != nil {
		return err
	}
	if requirePrimary {
		g, err := txn.GetGroup(shard.GroupID)
		if err != nil {
			return err
		}
		if g.Master == nil {
			return ferrors.New(ferrors.KindSharding, fmt.Sprintf("group %s has no PRIMARY, refusing to enable shard %d", shard.GroupID, id))
		}
	}
	shard.State = state
	if err := txn.UpdateShard(shard); err != nil {
		return err
	}
	return txn.Commit()
}

// RemoveShard deletes id, which must already be DISABLED.
func (c *Catalog) RemoveShard(id int64) error {
	txn, err := c.store.Begin()
	if err != nil {
		return err
	}
	defer txn.Rollback()

	shard, err := txn.GetShard(id)
	if err != nil {
		return err
	}
	if shard.State != types.ShardDisabled {
		return ferrors.New(ferrors.KindSharding, fmt.Sprintf("shard %d must be DISABLED before removal", id))
	}
	if err := txn.DeleteShardRange(id); err != nil {
		return err
	}
	if err := txn.DeleteShard(id); err != nil {
		return err
	}
	return txn.Commit()
}
