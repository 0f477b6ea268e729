package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lynfabric/fabric/pkg/log"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fabric",
	Short: "Fabric - coordination core for a sharded, HA-grouped relational service",
	Long: `Fabric tracks the groups, servers and shards of a relational
database deployment, drives master changeovers and shard moves through a
transactional, undo-capable executor, and exposes both a gRPC transport and
this CLI over the same (namespace, method) call table.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("fabric version %s\ncommit: %s\nbuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("address", "127.0.0.1:32274", "fabric serve transport address")
	rootCmd.PersistentFlags().Bool("json", false, "Print raw JSON responses instead of a formatted summary")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(groupCmd)
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(shardingCmd)
	rootCmd.AddCommand(eventCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOutput})
}
