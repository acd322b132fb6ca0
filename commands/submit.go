package commands

import (
	"encoding/json"
	"fmt"

	"github.com/c360studio/semstreams/message"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/loopworks/taskmesh/task"
)

// NewSubmitCommand builds the submit verb. It places one task request on
// a queue lane and prints the task id.
func NewSubmitCommand() *cobra.Command {
	var (
		natsURL string
		userID  string
		taskID  string
		mode    string
		service string
		input   string
		steps   string
		queue   string
	)

	cmd := &cobra.Command{
		Use:   "submit <task_name>",
		Short: "Submit a task to a queue lane",
		Long: `Submit places a task request on the fast or heavy lane.

A single service call names its mode and service:
  taskmesh submit analyze_text --user u1 --mode assistant --service textanalyzer --input '{"text":"hi"}'

A multi-step run reads a step tree from a file:
  taskmesh submit nightly-report --user u1 --steps @steps.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &task.Request{
				TaskName: args[0],
				UserID:   userID,
				TaskID:   taskID,
				Mode:     mode,
				Service:  service,
			}
			if req.TaskID == "" {
				req.TaskID = uuid.New().String()
			}

			inputData, err := readArgOrFile(input)
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			if len(inputData) > 0 {
				if !json.Valid(inputData) {
					return fmt.Errorf("input is not valid JSON")
				}
				req.InputData = inputData
			}

			stepsData, err := readArgOrFile(steps)
			if err != nil {
				return fmt.Errorf("read steps: %w", err)
			}
			if len(stepsData) > 0 {
				if err := json.Unmarshal(stepsData, &req.Steps); err != nil {
					return fmt.Errorf("parse steps: %w", err)
				}
			}

			if err := req.Validate(); err != nil {
				return fmt.Errorf("invalid request: %w", err)
			}

			subject, err := task.QueueSubject(queue)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			client, err := connect(ctx, resolveNATSURL(natsURL))
			if err != nil {
				return err
			}
			defer client.Close(ctx)

			baseMsg := message.NewBaseMessage(task.RequestType, req, "taskmesh-cli")
			data, err := json.Marshal(baseMsg)
			if err != nil {
				return fmt.Errorf("marshal request: %w", err)
			}
			if err := client.PublishToStream(ctx, subject, data); err != nil {
				return fmt.Errorf("publish to %s: %w", subject, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Submitted %s to %s\ntask_id: %s\n", req.TaskName, queue, req.TaskID)
			return nil
		},
	}

	cmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS server URL")
	cmd.Flags().StringVarP(&userID, "user", "u", "", "User id owning the task")
	cmd.Flags().StringVar(&taskID, "task-id", "", "Task id (generated when empty)")
	cmd.Flags().StringVarP(&mode, "mode", "m", "", "Service mode")
	cmd.Flags().StringVarP(&service, "service", "s", "", "Service name")
	cmd.Flags().StringVarP(&input, "input", "i", "", "Input JSON, or @file")
	cmd.Flags().StringVar(&steps, "steps", "", "Step tree JSON, or @file")
	cmd.Flags().StringVarP(&queue, "queue", "q", task.QueueFast, "Queue lane (fast_tasks or heavy_tasks)")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}
