package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loopworks/taskmesh/task"
)

// NewCancelCommand builds the cancel verb. Cancellation is cooperative:
// the record asks running workers to stop, it does not kill them.
func NewCancelCommand() *cobra.Command {
	var (
		natsURL string
		userID  string
		reason  string
	)

	cmd := &cobra.Command{
		Use:   "cancel <task_id>",
		Short: "Request cancellation of a running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID := args[0]

			ctx := cmd.Context()
			client, err := connect(ctx, resolveNATSURL(natsURL))
			if err != nil {
				return err
			}
			defer client.Close(ctx)

			cancels, err := task.NewCancelStore(client)
			if err != nil {
				return fmt.Errorf("open cancel store: %w", err)
			}

			req := &task.CancelRequest{
				TaskID: taskID,
				UserID: userID,
				Reason: reason,
			}
			if err := cancels.RequestCancel(ctx, req); err != nil {
				return fmt.Errorf("request cancel: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for task %s\n", taskID)
			return nil
		},
	}

	cmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS server URL")
	cmd.Flags().StringVarP(&userID, "user", "u", "", "User id owning the task")
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded with the cancel request")

	return cmd
}
