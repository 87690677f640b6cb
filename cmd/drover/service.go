package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Control supervised services",
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show supervisor status for every service",
	RunE: func(cmd *cobra.Command, args []string) error {
		statuses, err := apiClient().SupervisorStatus()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SERVICE\tSTATE\tPID\tRESTARTS\tCPU%\tMEM(MB)\tLAST ERROR")
		for _, st := range statuses {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%.1f\t%.1f\t%s\n",
				st.ID, st.State, st.PID, st.RestartAttempts,
				st.Metrics.CPUPercent, st.Metrics.MemoryMB, st.LastError)
		}
		return w.Flush()
	},
}

var serviceStartCmd = &cobra.Command{
	Use:   "start <id>",
	Short: "Start a service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient().StartService(args[0]); err != nil {
			return err
		}
		fmt.Printf("Service %s starting\n", args[0])
		return nil
	},
}

var serviceStopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "Stop a service gracefully",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient().StopService(args[0]); err != nil {
			return err
		}
		fmt.Printf("Service %s stopping\n", args[0])
		return nil
	},
}

var serviceRestartCmd = &cobra.Command{
	Use:   "restart <id>",
	Short: "Restart a service, resetting its retry budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient().RestartService(args[0]); err != nil {
			return err
		}
		fmt.Printf("Service %s restarting\n", args[0])
		return nil
	},
}

var serviceReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload the agent's configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient().ReloadConfig(); err != nil {
			return err
		}
		fmt.Println("Configuration reloaded")
		return nil
	},
}

func init() {
	serviceCmd.AddCommand(serviceStatusCmd)
	serviceCmd.AddCommand(serviceStartCmd)
	serviceCmd.AddCommand(serviceStopCmd)
	serviceCmd.AddCommand(serviceRestartCmd)
	serviceCmd.AddCommand(serviceReloadCmd)
}
