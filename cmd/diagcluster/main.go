// Command diagcluster is the operator CLI for the motor fault diagnosis
// cluster (spec.md §4.8): a cobra command tree with one root carrying
// shared broker/cluster-mode flags and one subcommand per verb, the same
// shape the reference engine's sibling CLI and the pack's DNS-tunnel
// controller CLI use for multi-subcommand operator tools.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/motorfleet/diagcluster/internal/config"
)

var rootFlags struct {
	brokerURL   string
	clusterMode string
	apiAddr     string
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "diagcluster",
		Short:         "Operate a motor fault diagnosis cluster",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&rootFlags.brokerURL, "broker-url", "", "override BROKER_URL")
	root.PersistentFlags().StringVar(&rootFlags.clusterMode, "cluster-mode", "", "override CLUSTER_MODE")
	root.PersistentFlags().StringVar(&rootFlags.apiAddr, "api-addr", "http://localhost:8080", "address of a running cluster's HTTP API, for stop/status/scale")

	root.AddCommand(newStartCmd())
	root.AddCommand(newStopCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newScaleCmd())
	return root
}

func loadProcessConfig() config.ProcessConfig {
	base := config.LoadProcessConfigFromEnv()
	return config.ApplyFlagOverrides(base, config.FlagOverrides{
		BrokerURL:   rootFlags.brokerURL,
		ClusterMode: rootFlags.clusterMode,
	})
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "diagcluster:", err)
		os.Exit(exitConfigError)
	}
}

// Exit codes from spec.md §6.
const (
	exitClean          = 0
	exitConfigError    = 1
	exitBrokerUnreach  = 2
	exitAbortedMidStop = 3
)
