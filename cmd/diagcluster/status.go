package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print worker/draining status from a running cluster's HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			var status map[string]interface{}
			if err := apiGet("/system/status", &status); err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(status)
		},
	}
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Put a running cluster into drain mode ahead of a shutdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]interface{}
			if err := apiPost("/system/drain", nil, &resp); err != nil {
				return err
			}
			fmt.Println("draining:", resp["draining"])
			return nil
		},
	}
}
