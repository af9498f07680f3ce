package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var scaleFlags struct {
	family   string
	newCount int
}

func newScaleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scale",
		Short: "Request a consumer-count change for one fault family",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]interface{}{
				"family":    scaleFlags.family,
				"new_count": scaleFlags.newCount,
			}
			var decision map[string]interface{}
			if err := apiPost("/system/scale", req, &decision); err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(decision)
		},
	}
	cmd.Flags().StringVar(&scaleFlags.family, "family", "", "fault family to scale (turn_fault|insulation|bearing|eccentricity|broken_bar)")
	cmd.Flags().IntVar(&scaleFlags.newCount, "count", 0, "requested consumer count")
	cmd.MarkFlagRequired("family")
	cmd.MarkFlagRequired("count")
	return cmd
}
