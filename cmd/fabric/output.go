package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lynfabric/fabric/pkg/transport"
)

// printResponse renders an InvokeResponse either as raw JSON (--json) or as
// a short human summary followed by its step diagnosis, mirroring the
// summary/steps/return_value shape every namespace.method call returns.
func printResponse(cmd *cobra.Command, resp *transport.InvokeResponse) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	if asJSON {
		data, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	if !resp.Success {
		fmt.Printf("✗ %s\n", resp.Error)
		return nil
	}

	fmt.Printf("✓ %s\n", resp.Summary)
	for _, step := range resp.Steps {
		mark := "✓"
		if !step.Success {
			mark = "✗"
		}
		fmt.Printf("  %s %s", mark, step.Description)
		if step.Diagnosis != "" {
			fmt.Printf(": %s", step.Diagnosis)
		}
		fmt.Println()
	}
	if resp.ReturnValue != nil {
		data, err := json.MarshalIndent(resp.ReturnValue, "", "  ")
		if err == nil {
			fmt.Println(string(data))
		}
	}
	return nil
}

// dial connects to the fabric serve process named by --address.
func dial(cmd *cobra.Command) (*transport.Client, error) {
	address, _ := cmd.Flags().GetString("address")
	return transport.Dial(address)
}
