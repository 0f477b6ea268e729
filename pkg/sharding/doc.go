// Package sharding implements the ShardingCatalog of spec.md §4.4: mapping
// and table registration, shard creation from a RANGE/RANGE_STRING/HASH
// bound spec, and the key-routing operations (lookup_shard, lookup_servers)
// the dispatcher and a connecting client use to find the right group.
package sharding
