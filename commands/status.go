package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loopworks/taskmesh/task"
)

// NewStatusCommand builds the status verb. It reads the task index and,
// when asked, the persisted step results.
func NewStatusCommand() *cobra.Command {
	var (
		natsURL   string
		userID    string
		showSteps bool
	)

	cmd := &cobra.Command{
		Use:   "status <task_id>",
		Short: "Show the status of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID := args[0]

			ctx := cmd.Context()
			client, err := connect(ctx, resolveNATSURL(natsURL))
			if err != nil {
				return err
			}
			defer client.Close(ctx)

			store, err := task.NewResultStore(client)
			if err != nil {
				return fmt.Errorf("open result store: %w", err)
			}

			state, err := store.State(ctx, userID, taskID)
			if err != nil {
				return fmt.Errorf("read task state: %w", err)
			}
			if state == nil {
				return fmt.Errorf("task %s not found for user %s", taskID, userID)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "task_id: %s\n", taskID)
			fmt.Fprintf(out, "status:  %s\n", state.Status)
			fmt.Fprintf(out, "created: %s\n", state.CreatedAt.Format("2006-01-02 15:04:05"))
			fmt.Fprintf(out, "updated: %s\n", state.UpdatedAt.Format("2006-01-02 15:04:05"))

			if !showSteps {
				return nil
			}

			results, err := store.List(ctx, userID, taskID)
			if err != nil {
				return fmt.Errorf("list step results: %w", err)
			}
			if len(results) == 0 {
				fmt.Fprintln(out, "\nNo step results persisted.")
				return nil
			}

			fmt.Fprintf(out, "\nsteps (%d):\n", len(results))
			for i, res := range results {
				line := fmt.Sprintf("  %d. %-12s %s", i, res.Status, res.Step)
				if res.ErrorMessage != "" {
					line += " error=" + res.ErrorMessage
				}
				fmt.Fprintln(out, line)
				if res.Result != nil {
					if data, err := json.Marshal(res.Result); err == nil {
						fmt.Fprintf(out, "     %s\n", strings.TrimSpace(string(data)))
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS server URL")
	cmd.Flags().StringVarP(&userID, "user", "u", "", "User id owning the task")
	cmd.Flags().BoolVar(&showSteps, "steps", false, "Include persisted step results")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}
