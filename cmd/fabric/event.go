package main

import "github.com/spf13/cobra"

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Trigger events and wait on the jobs they schedule",
}

var eventTriggerCmd = &cobra.Command{
	Use:   "trigger NAME [ARG...]",
	Short: "Fire an event, scheduling a job per subscriber",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload := map[string]any{"name": args[0]}
		if len(args) > 1 {
			triggerArgs := make([]any, len(args)-1)
			for i, a := range args[1:] {
				triggerArgs[i] = a
			}
			payload["args"] = triggerArgs
		}
		return callDispatch(cmd, "event", "trigger", payload)
	},
}

var eventWaitForCmd = &cobra.Command{
	Use:   "wait-for JOB_ID [JOB_ID...]",
	Short: "Block until the named jobs finish and print their procedure records",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := make([]any, len(args))
		for i, a := range args {
			ids[i] = a
		}
		return callDispatchWaiting(cmd, "event", "wait_for", map[string]any{"ids": ids})
	},
}

func init() {
	eventCmd.AddCommand(eventTriggerCmd, eventWaitForCmd)
}
