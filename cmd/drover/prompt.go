package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/pkg/client"
	"github.com/droverhq/drover/pkg/errdefs"
)

var promptCmd = &cobra.Command{
	Use:   "prompt",
	Short: "Submit and manage prompts",
}

var promptSubmitCmd = &cobra.Command{
	Use:   "submit <content>",
	Short: "Submit a prompt to the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		priority, _ := cmd.Flags().GetInt("priority")
		target, _ := cmd.Flags().GetString("target-session")
		provider, _ := cmd.Flags().GetString("provider")
		fallbacks, _ := cmd.Flags().GetStringSlice("fallback-providers")
		maxRetries, _ := cmd.Flags().GetInt("max-retries")
		timeout, _ := cmd.Flags().GetInt("timeout")
		source, _ := cmd.Flags().GetString("source")

		p, err := apiClient().SubmitPrompt(client.SubmitPromptRequest{
			Content:           args[0],
			Source:            source,
			Priority:          priority,
			TargetSession:     target,
			TargetProvider:    provider,
			FallbackProviders: fallbacks,
			MaxRetries:        maxRetries,
			TimeoutSeconds:    timeout,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Prompt %d submitted (priority %d)\n", p.ID, p.Priority)
		return nil
	},
}

var promptListCmd = &cobra.Command{
	Use:   "list",
	Short: "List prompts",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		prompts, err := apiClient().ListPrompts(status)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tSESSION\tRETRIES\tCREATED")
		for _, p := range prompts {
			fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%d/%d\t%s\n",
				p.ID, p.Status, p.Priority, p.AssignedSession,
				p.RetryCount, p.MaxRetries, p.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

var promptShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one prompt with its response and history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parsePromptID(args[0])
		if err != nil {
			return err
		}
		c := apiClient()
		p, err := c.GetPrompt(id)
		if err != nil {
			return err
		}
		fmt.Printf("Prompt %d [%s] priority %d\n", p.ID, p.Status, p.Priority)
		fmt.Printf("  Session:  %s\n", p.AssignedSession)
		fmt.Printf("  Retries:  %d/%d\n", p.RetryCount, p.MaxRetries)
		if p.Error != "" {
			fmt.Printf("  Error:    %s\n", p.Error)
		}
		if p.Response != "" {
			fmt.Printf("  Response:\n%s\n", p.Response)
		}

		history, err := c.PromptHistory(id)
		if err != nil {
			return err
		}
		if len(history) > 0 {
			fmt.Println("  History:")
			for _, h := range history {
				fmt.Printf("    %s  %-10s %s %s\n",
					h.CreatedAt.Format("15:04:05"), h.Action, h.SessionName, h.Details)
			}
		}
		return nil
	},
}

var promptRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Retry a failed prompt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parsePromptID(args[0])
		if err != nil {
			return err
		}
		retried, err := apiClient().RetryPrompt(id)
		if err != nil {
			return err
		}
		if !retried {
			return errdefs.New(errdefs.KindInvalidState, "prompt %d is not retryable", id)
		}
		fmt.Printf("Prompt %d re-queued\n", id)
		return nil
	},
}

var promptRetryAllCmd = &cobra.Command{
	Use:   "retry-all",
	Short: "Retry every eligible failed prompt",
	RunE: func(cmd *cobra.Command, args []string) error {
		count, err := apiClient().RetryAllFailed()
		if err != nil {
			return err
		}
		fmt.Printf("%d prompts re-queued\n", count)
		return nil
	},
}

var promptReassignCmd = &cobra.Command{
	Use:   "reassign <id> <session>",
	Short: "Re-queue a prompt onto a specific session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parsePromptID(args[0])
		if err != nil {
			return err
		}
		if err := apiClient().ReassignPrompt(id, args[1]); err != nil {
			return err
		}
		fmt.Printf("Prompt %d reassigned to %s\n", id, args[1])
		return nil
	},
}

var promptCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a prompt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parsePromptID(args[0])
		if err != nil {
			return err
		}
		if err := apiClient().CancelPrompt(id); err != nil {
			return err
		}
		fmt.Printf("Prompt %d cancelled\n", id)
		return nil
	},
}

func parsePromptID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errdefs.New(errdefs.KindConfig, "invalid prompt id %q", s)
	}
	return id, nil
}

func init() {
	promptSubmitCmd.Flags().Int("priority", 0, "scheduling priority, higher first")
	promptSubmitCmd.Flags().String("target-session", "", "hard session target, never relaxed")
	promptSubmitCmd.Flags().String("provider", "", "preferred provider")
	promptSubmitCmd.Flags().StringSlice("fallback-providers", nil, "providers to fall back to, in order")
	promptSubmitCmd.Flags().Int("max-retries", 0, "retry budget (0 = default)")
	promptSubmitCmd.Flags().Int("timeout", 0, "completion timeout in seconds (0 = default)")
	promptSubmitCmd.Flags().String("source", "cli", "submission source label")

	promptListCmd.Flags().String("status", "", "filter by status")

	promptCmd.AddCommand(promptSubmitCmd)
	promptCmd.AddCommand(promptListCmd)
	promptCmd.AddCommand(promptShowCmd)
	promptCmd.AddCommand(promptRetryCmd)
	promptCmd.AddCommand(promptRetryAllCmd)
	promptCmd.AddCommand(promptReassignCmd)
	promptCmd.AddCommand(promptCancelCmd)
}
