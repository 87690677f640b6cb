package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/pkg/client"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage worker sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessions, err := apiClient().ListSessions()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSTATUS\tPROVIDER\tTASK\tEXCLUDED\tLAST ACTIVITY")
		for _, s := range sessions {
			task := "-"
			if s.CurrentTaskID != 0 {
				task = fmt.Sprintf("%d", s.CurrentTaskID)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%s\n",
				s.Name, s.Status, s.Provider, task, s.Excluded,
				s.LastActivity.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

var sessionRegisterCmd = &cobra.Command{
	Use:   "register <name>",
	Short: "Register a worker session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		provider, _ := cmd.Flags().GetString("provider")
		workingDir, _ := cmd.Flags().GetString("working-dir")
		nodeID, _ := cmd.Flags().GetString("node")
		idle, _ := cmd.Flags().GetStringSlice("idle-markers")
		busy, _ := cmd.Flags().GetStringSlice("busy-markers")
		waiting, _ := cmd.Flags().GetStringSlice("waiting-markers")

		err := apiClient().RegisterSession(client.RegisterSessionRequest{
			Name:       args[0],
			Provider:   provider,
			WorkingDir: workingDir,
			NodeID:     nodeID,
			Idle:       idle,
			Busy:       busy,
			Waiting:    waiting,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Session %s registered\n", args[0])
		return nil
	},
}

var sessionRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient().RemoveSession(args[0]); err != nil {
			return err
		}
		fmt.Printf("Session %s removed\n", args[0])
		return nil
	},
}

var sessionExcludeCmd = &cobra.Command{
	Use:   "exclude <name>",
	Short: "Exclude or include a session for matching",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		include, _ := cmd.Flags().GetBool("undo")
		if err := apiClient().ExcludeSession(args[0], !include); err != nil {
			return err
		}
		if include {
			fmt.Printf("Session %s included\n", args[0])
		} else {
			fmt.Printf("Session %s excluded\n", args[0])
		}
		return nil
	},
}

func init() {
	sessionRegisterCmd.Flags().String("provider", "claude", "worker provider")
	sessionRegisterCmd.Flags().String("working-dir", "", "session working directory")
	sessionRegisterCmd.Flags().String("node", "", "node hosting the pane (empty = local)")
	sessionRegisterCmd.Flags().StringSlice("idle-markers", nil, "idle output markers")
	sessionRegisterCmd.Flags().StringSlice("busy-markers", nil, "busy output markers")
	sessionRegisterCmd.Flags().StringSlice("waiting-markers", nil, "waiting-for-input output markers")

	sessionExcludeCmd.Flags().Bool("undo", false, "re-include the session")

	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionRegisterCmd)
	sessionCmd.AddCommand(sessionRemoveCmd)
	sessionCmd.AddCommand(sessionExcludeCmd)
}
