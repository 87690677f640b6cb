package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/pkg/client"
	"github.com/droverhq/drover/pkg/errdefs"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var agentAddr string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps error kinds onto the CLI exit-code contract.
func exitCode(err error) int {
	switch errdefs.KindOf(err) {
	case errdefs.KindNotFound:
		return 2
	case errdefs.KindConfig:
		return 3
	default:
		return 1
	}
}

var rootCmd = &cobra.Command{
	Use:   "drover",
	Short: "Drover - prompt routing and process supervision for AI worker fleets",
	Long: `Drover routes prompts to terminal-attached AI worker sessions,
keeps declared services alive with backoff restarts and health checks,
and coordinates primary/failover/worker roles across nodes.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Drover version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&agentAddr, "addr", "http://127.0.0.1:7700", "agent API address")

	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(promptCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(clusterCmd)
}

func apiClient() *client.Client {
	return client.New(agentAddr)
}
