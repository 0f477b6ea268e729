package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lynfabric/fabric/pkg/events"
	"github.com/lynfabric/fabric/pkg/executor"
	"github.com/lynfabric/fabric/pkg/ferrors"
	"github.com/lynfabric/fabric/pkg/group"
	"github.com/lynfabric/fabric/pkg/lifecycle"
	"github.com/lynfabric/fabric/pkg/registry"
	"github.com/lynfabric/fabric/pkg/sharding"
	"github.com/lynfabric/fabric/pkg/storage"
	"github.com/lynfabric/fabric/pkg/types"
)

// Components bundles the process-wide singletons handlers close over. One
// Components value is built per cmd/fabric serve invocation and handed to
// RegisterAll; no handler reaches outside this set.
type Components struct {
	Store    storage.MetadataStore
	Registry *registry.Registry
	Groups   *group.Manager
	Catalog  *sharding.Catalog
	Lifecycle *lifecycle.Lifecycle
	Exec     *executor.Executor
	Bus      *events.Bus
}

// RegisterAll binds every built-in namespace.method of spec.md §6 to r,
// closing over c. Called exactly once, at startup.
func RegisterAll(r *Registry, c Components) {
	registerGroup(r, c)
	registerServer(r, c)
	registerSharding(r, c)
	registerEvent(r, c)
}

func registerGroup(r *Registry, c Components) {
	r.Register("group", "create", func(a Args) (*types.ProcedureRecord, error) {
		id, err := a.String("id")
		if err != nil {
			return nil, err
		}
		desc := a.StringOr("desc", "")
		if err := c.Groups.CreateGroup(id, desc); err != nil {
			return nil, err
		}
		return Immediate(fmt.Sprintf("group %s created", id), id)
	})

	r.Register("group", "add", func(a Args) (*types.ProcedureRecord, error) {
		groupID, err := a.String("id")
		if err != nil {
			return nil, err
		}
		address, err := a.String("address")
		if err != nil {
			return nil, err
		}
		creds := registry.Credentials{User: a.StringOr("user", ""), Passwd: a.StringOr("password", "")}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		id, err := c.Registry.DiscoverUUID(ctx, address, creds)
		if err != nil {
			return nil, err
		}

		server := &types.Server{UUID: id, Address: address, User: creds.User, Passwd: creds.Passwd, GroupID: groupID, Status: types.ServerSecondary}
		procID, err := c.Groups.AddServer(groupID, server)
		return FromProcedure(c.Exec, procID, err)
	})

	r.Register("group", "remove", func(a Args) (*types.ProcedureRecord, error) {
		groupID, err := a.String("id")
		if err != nil {
			return nil, err
		}
		id, err := a.UUID("uuid")
		if err != nil {
			return nil, err
		}
		server, err := c.Registry.Lookup(id)
		if err != nil {
			return nil, err
		}
		if server.GroupID != groupID {
			return nil, ferrors.New(ferrors.KindGroup, fmt.Sprintf("server %s is not a member of group %s", id, groupID))
		}
		if err := c.Groups.RemoveServer(groupID, id); err != nil {
			return nil, err
		}
		return Immediate(fmt.Sprintf("server %s removed from group %s", id, groupID), nil)
	})

	r.Register("group", "promote", func(a Args) (*types.ProcedureRecord, error) {
		groupID, err := a.String("id")
		if err != nil {
			return nil, err
		}
		candidate := uuid.Nil
		if _, ok := a["uuid"]; ok {
			candidate, err = a.UUID("uuid")
			if err != nil {
				return nil, err
			}
		}
		procID, err := c.Groups.Promote(groupID, candidate)
		return FromProcedure(c.Exec, procID, err)
	})

	r.Register("group", "demote", func(a Args) (*types.ProcedureRecord, error) {
		groupID, err := a.String("id")
		if err != nil {
			return nil, err
		}
		procID, err := c.Groups.Demote(groupID)
		return FromProcedure(c.Exec, procID, err)
	})

	r.Register("group", "destroy", func(a Args) (*types.ProcedureRecord, error) {
		groupID, err := a.String("id")
		if err != nil {
			return nil, err
		}
		txn, err := c.Store.Begin()
		if err != nil {
			return nil, err
		}
		defer txn.Rollback()
		g, err := txn.GetGroup(groupID)
		if err != nil {
			return nil, err
		}
		if len(g.Servers) > 0 {
			return nil, ferrors.New(ferrors.KindGroup, fmt.Sprintf("group %s still has %d member(s)", groupID, len(g.Servers)))
		}
		if err := txn.DeleteGroup(groupID); err != nil {
			return nil, err
		}
		if err := txn.Commit(); err != nil {
			return nil, err
		}
		return Immediate(fmt.Sprintf("group %s destroyed", groupID), nil)
	})

	r.Register("group", "lookup_servers", func(a Args) (*types.ProcedureRecord, error) {
		groupID, err := a.String("id")
		if err != nil {
			return nil, err
		}
		txn, err := c.Store.Begin()
		if err != nil {
			return nil, err
		}
		defer txn.Rollback()
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
		return Immediate(fmt.Sprintf("%d member(s) of group %s", len(servers), groupID), servers)
	})
}

func registerServer(r *Registry, c Components) {
	r.Register("server", "lookup", func(a Args) (*types.ProcedureRecord, error) {
		id, err := a.UUID("uuid")
		if err != nil {
			return nil, err
		}
		server, err := c.Registry.Lookup(id)
		if err != nil {
			return nil, err
		}
		return Immediate(fmt.Sprintf("server %s", id), server)
	})

	r.Register("server", "list", func(a Args) (*types.ProcedureRecord, error) {
		txn, err := c.Store.Begin()
		if err != nil {
			return nil, err
		}
		defer txn.Rollback()
		servers, err := txn.ListServers()
		if err != nil {
			return nil, err
		}
		return Immediate(fmt.Sprintf("%d server(s)", len(servers)), servers)
	})
}

func registerSharding(r *Registry, c Components) {
	r.Register("sharding", "create_definition", func(a Args) (*types.ProcedureRecord, error) {
		mappingType, err := a.String("type")
		if err != nil {
			return nil, err
		}
		globalGroup, err := a.String("global_group")
		if err != nil {
			return nil, err
		}
		id, err := c.Catalog.CreateDefinition(types.MappingType(mappingType), globalGroup)
		if err != nil {
			return nil, err
		}
		return Immediate(fmt.Sprintf("mapping %d created", id), id)
	})

	r.Register("sharding", "add_table", func(a Args) (*types.ProcedureRecord, error) {
		mappingID, err := a.Int64("mapping_id")
		if err != nil {
			return nil, err
		}
		qualified, err := a.String("table")
		if err != nil {
			return nil, err
		}
		keyColumn, err := a.String("key")
		if err != nil {
			return nil, err
		}
		schema, table, err := splitQualifiedName(qualified)
		if err != nil {
			return nil, err
		}
		if err := c.Catalog.AddTable(mappingID, schema, table, keyColumn); err != nil {
			return nil, err
		}
		return Immediate(fmt.Sprintf("table %s added to mapping %d", qualified, mappingID), nil)
	})

	r.Register("sharding", "add_shard", func(a Args) (*types.ProcedureRecord, error) {
		mappingID, err := a.Int64("mapping_id")
		if err != nil {
			return nil, err
		}
		spec, err := a.String("spec")
		if err != nil {
			return nil, err
		}
		state := types.ShardState(a.StringOr("state", string(types.ShardEnabled)))
		ids, err := c.Catalog.AddShard(mappingID, spec, state)
		if err != nil {
			return nil, err
		}
		return Immediate(fmt.Sprintf("%d shard(s) added to mapping %d", len(ids), mappingID), ids)
	})

	r.Register("sharding", "lookup_servers", func(a Args) (*types.ProcedureRecord, error) {
		key, err := a.String("key")
		if err != nil {
			return nil, err
		}
		hint := sharding.Hint(a.StringOr("hint", string(sharding.Local)))

		var tableOrShardID any
		if qualified, ok := a["table"]; ok {
			tableOrShardID = qualified
		} else {
			shardID, err := a.Int64("shard_id")
			if err != nil {
				return nil, err
			}
			tableOrShardID = shardID
		}

		servers, err := c.Catalog.LookupServers(tableOrShardID, key, hint)
		if err != nil {
			return nil, err
		}
		return Immediate(fmt.Sprintf("%d server(s) serve key %s", len(servers), key), servers)
	})

	r.Register("sharding", "move_shard", func(a Args) (*types.ProcedureRecord, error) {
		shardID, err := a.Int64("id")
		if err != nil {
			return nil, err
		}
		dest, err := a.String("dest")
		if err != nil {
			return nil, err
		}
		updateOnly := a.BoolOr("update_only", false)
		procID, err := c.Lifecycle.MoveShard(shardID, dest, updateOnly)
		return FromProcedure(c.Exec, procID, err)
	})

	r.Register("sharding", "split", func(a Args) (*types.ProcedureRecord, error) {
		shardID, err := a.Int64("id")
		if err != nil {
			return nil, err
		}
		dest, err := a.String("dest")
		if err != nil {
			return nil, err
		}
		pivot, err := a.String("pivot")
		if err != nil {
			return nil, err
		}
		procID, err := c.Lifecycle.SplitShard(shardID, dest, pivot)
		return FromProcedure(c.Exec, procID, err)
	})

	r.Register("sharding", "prune_shard", func(a Args) (*types.ProcedureRecord, error) {
		table, err := a.String("table")
		if err != nil {
			return nil, err
		}
		procID, err := c.Lifecycle.PruneShard(table)
		return FromProcedure(c.Exec, procID, err)
	})

	r.Register("sharding", "enable_shard", func(a Args) (*types.ProcedureRecord, error) {
		shardID, err := a.Int64("id")
		if err != nil {
			return nil, err
		}
		procID, err := c.Lifecycle.EnableShard(shardID)
		return FromProcedure(c.Exec, procID, err)
	})

	r.Register("sharding", "disable_shard", func(a Args) (*types.ProcedureRecord, error) {
		shardID, err := a.Int64("id")
		if err != nil {
			return nil, err
		}
		procID, err := c.Lifecycle.DisableShard(shardID)
		return FromProcedure(c.Exec, procID, err)
	})

	r.Register("sharding", "remove_shard", func(a Args) (*types.ProcedureRecord, error) {
		shardID, err := a.Int64("id")
		if err != nil {
			return nil, err
		}
		if err := c.Catalog.RemoveShard(shardID); err != nil {
			return nil, err
		}
		return Immediate(fmt.Sprintf("shard %d removed", shardID), nil)
	})
}

func registerEvent(r *Registry, c Components) {
	r.Register("event", "trigger", func(a Args) (*types.ProcedureRecord, error) {
		name, err := a.String("name")
		if err != nil {
			return nil, err
		}
		var triggerArgs []any
		if raw, ok := a["args"]; ok {
			if list, ok := raw.([]any); ok {
				triggerArgs = list
			} else {
				triggerArgs = []any{raw}
			}
		}
		ids, err := c.Bus.Trigger(name, triggerArgs...)
		if err != nil {
			return nil, err
		}
		return Immediate(fmt.Sprintf("%d subscriber job(s) scheduled for %s", len(ids), name), ids)
	})

	r.Register("event", "wait_for", func(a Args) (*types.ProcedureRecord, error) {
		ids, err := a.StringSlice("ids")
		if err != nil {
			return nil, err
		}
		if err := c.Exec.WaitFor(context.Background(), ids...); err != nil {
			return nil, err
		}
		records := make([]*types.ProcedureRecord, 0, len(ids))
		for _, id := range ids {
			rec, err := c.Exec.Status(id)
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
		}
		return Immediate(fmt.Sprintf("%d job(s) finished", len(records)), records)
	})
}

// splitQualifiedName splits "schema.table" into its two parts.
func splitQualifiedName(qualified string) (schema, table string, err error) {
	parts := strings.SplitN(qualified, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ferrors.New(ferrors.KindSharding, fmt.Sprintf("table %q must be schema.table", qualified))
	}
	return parts[0], parts[1], nil
}
