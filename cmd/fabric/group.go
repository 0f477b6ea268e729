package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Manage HA groups",
}

var groupCreateCmd = &cobra.Command{
	Use:   "create ID",
	Short: "Create an empty group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		desc, _ := cmd.Flags().GetString("desc")
		return callDispatch(cmd, "group", "create", map[string]any{"id": args[0], "desc": desc})
	},
}

var groupAddCmd = &cobra.Command{
	Use:   "add ID ADDRESS",
	Short: "Discover a server and add it to a group as a secondary",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		password, _ := cmd.Flags().GetString("password")
		return callDispatch(cmd, "group", "add", map[string]any{
			"id": args[0], "address": args[1], "user": user, "password": password,
		})
	},
}

var groupRemoveCmd = &cobra.Command{
	Use:   "remove ID UUID",
	Short: "Remove a server from a group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callDispatch(cmd, "group", "remove", map[string]any{"id": args[0], "uuid": args[1]})
	},
}

var groupPromoteCmd = &cobra.Command{
	Use:   "promote ID [UUID]",
	Short: "Promote a secondary to master (best secondary if UUID omitted)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload := map[string]any{"id": args[0]}
		if len(args) == 2 {
			payload["uuid"] = args[1]
		}
		return callDispatchWaiting(cmd, "group", "promote", payload)
	},
}

var groupDemoteCmd = &cobra.Command{
	Use:   "demote ID",
	Short: "Demote a group's master, leaving it mastersless",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callDispatchWaiting(cmd, "group", "demote", map[string]any{"id": args[0]})
	},
}

var groupDestroyCmd = &cobra.Command{
	Use:   "destroy ID",
	Short: "Destroy an empty group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callDispatch(cmd, "group", "destroy", map[string]any{"id": args[0]})
	},
}

var groupLookupServersCmd = &cobra.Command{
	Use:   "lookup-servers ID",
	Short: "List the servers that are members of a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callDispatch(cmd, "group", "lookup_servers", map[string]any{"id": args[0]})
	},
}

func init() {
	groupCmd.AddCommand(groupCreateCmd, groupAddCmd, groupRemoveCmd, groupPromoteCmd, groupDemoteCmd, groupDestroyCmd, groupLookupServersCmd)

	groupCreateCmd.Flags().String("desc", "", "Group description")
	groupAddCmd.Flags().String("user", "", "Database user used to discover and manage the server")
	groupAddCmd.Flags().String("password", "", "Database password for user")
}

// callDispatch dials fabric serve, invokes namespace.method and prints the
// response. Used for calls that already complete synchronously or that
// hand back a procedure id the caller does not need to wait on itself.
func callDispatch(cmd *cobra.Command, namespace, method string, args map[string]any) error {
	client, err := dial(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := client.Invoke(ctx, namespace, method, args)
	if err != nil {
		return err
	}
	return printResponse(cmd, resp)
}

// callDispatchWaiting is callDispatch with a longer timeout, for calls that
// run a full Executor Procedure (changeovers, shard moves) server-side
// before the response comes back.
func callDispatchWaiting(cmd *cobra.Command, namespace, method string, args map[string]any) error {
	client, err := dial(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	resp, err := client.Invoke(ctx, namespace, method, args)
	if err != nil {
		return err
	}
	return printResponse(cmd, resp)
}
