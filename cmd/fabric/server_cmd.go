package main

import "github.com/spf13/cobra"

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Inspect registered servers",
}

var serverLookupCmd = &cobra.Command{
	Use:   "lookup UUID",
	Short: "Look up a server by UUID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callDispatch(cmd, "server", "lookup", map[string]any{"uuid": args[0]})
	},
}

var serverListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every registered server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return callDispatch(cmd, "server", "list", nil)
	},
}

func init() {
	serverCmd.AddCommand(serverLookupCmd, serverListCmd)
}
