package main

import "github.com/spf13/cobra"

var shardingCmd = &cobra.Command{
	Use:   "sharding",
	Short: "Manage shard mappings, tables and shards",
}

var shardingCreateDefinitionCmd = &cobra.Command{
	Use:   "create-definition TYPE GLOBAL_GROUP",
	Short: "Define a new shard mapping (RANGE, RANGE_STRING or HASH)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callDispatch(cmd, "sharding", "create_definition", map[string]any{
			"type": args[0], "global_group": args[1],
		})
	},
}

var shardingAddTableCmd = &cobra.Command{
	Use:   "add-table MAPPING_ID SCHEMA.TABLE KEY_COLUMN",
	Short: "Register a sharded table under a mapping",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callDispatch(cmd, "sharding", "add_table", map[string]any{
			"mapping_id": args[0], "table": args[1], "key": args[2],
		})
	},
}

var shardingAddShardCmd = &cobra.Command{
	Use:   "add-shard MAPPING_ID SPEC",
	Short: "Add one or more shards to a mapping (SPEC is group/bound or group1/bound1,group2/bound2,...)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		state, _ := cmd.Flags().GetString("state")
		return callDispatch(cmd, "sharding", "add_shard", map[string]any{
			"mapping_id": args[0], "spec": args[1], "state": state,
		})
	},
}

var shardingLookupServersCmd = &cobra.Command{
	Use:   "lookup-servers KEY",
	Short: "Find the servers that own KEY, by table or by shard id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		table, _ := cmd.Flags().GetString("table")
		shardID, _ := cmd.Flags().GetInt64("shard-id")
		hint, _ := cmd.Flags().GetString("hint")

		payload := map[string]any{"key": args[0], "hint": hint}
		if table != "" {
			payload["table"] = table
		} else {
			payload["shard_id"] = shardID
		}
		return callDispatch(cmd, "sharding", "lookup_servers", payload)
	},
}

var shardingMoveShardCmd = &cobra.Command{
	Use:   "move-shard ID DEST_GROUP",
	Short: "Move a shard's data to another group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		updateOnly, _ := cmd.Flags().GetBool("update-only")
		return callDispatchWaiting(cmd, "sharding", "move_shard", map[string]any{
			"id": args[0], "dest": args[1], "update_only": updateOnly,
		})
	},
}

var shardingSplitCmd = &cobra.Command{
	Use:   "split ID DEST_GROUP PIVOT",
	Short: "Split a shard's key range at PIVOT, moving the upper half to DEST_GROUP",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callDispatchWaiting(cmd, "sharding", "split", map[string]any{
			"id": args[0], "dest": args[1], "pivot": args[2],
		})
	},
}

var shardingPruneShardCmd = &cobra.Command{
	Use:   "prune-shard SCHEMA.TABLE",
	Short: "Delete rows outside a table's shard's key range on its own group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callDispatchWaiting(cmd, "sharding", "prune_shard", map[string]any{"table": args[0]})
	},
}

var shardingEnableShardCmd = &cobra.Command{
	Use:   "enable-shard ID",
	Short: "Enable a shard for routing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callDispatchWaiting(cmd, "sharding", "enable_shard", map[string]any{"id": args[0]})
	},
}

var shardingDisableShardCmd = &cobra.Command{
	Use:   "disable-shard ID",
	Short: "Disable a shard for routing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callDispatchWaiting(cmd, "sharding", "disable_shard", map[string]any{"id": args[0]})
	},
}

var shardingRemoveShardCmd = &cobra.Command{
	Use:   "remove-shard ID",
	Short: "Remove a disabled, empty shard from its mapping",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callDispatch(cmd, "sharding", "remove_shard", map[string]any{"id": args[0]})
	},
}

func init() {
	shardingCmd.AddCommand(
		shardingCreateDefinitionCmd,
		shardingAddTableCmd,
		shardingAddShardCmd,
		shardingLookupServersCmd,
		shardingMoveShardCmd,
		shardingSplitCmd,
		shardingPruneShardCmd,
		shardingEnableShardCmd,
		shardingDisableShardCmd,
		shardingRemoveShardCmd,
	)

	shardingAddShardCmd.Flags().String("state", "ENABLED", "Initial shard state (ENABLED or DISABLED)")

	shardingLookupServersCmd.Flags().String("table", "", "schema.table to look up (mutually exclusive with --shard-id)")
	shardingLookupServersCmd.Flags().Int64("shard-id", 0, "shard id to look up (mutually exclusive with --table)")
	shardingLookupServersCmd.Flags().String("hint", "LOCAL", "LOCAL or GLOBAL")

	shardingMoveShardCmd.Flags().Bool("update-only", false, "Update metadata only, skip the data copy")
}
