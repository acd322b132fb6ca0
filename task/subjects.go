package task

import (
	"fmt"
	"strings"
)

// JetStream stream and subject layout. Submission subjects are the two
// queue lanes; progress and cancel subjects carry per-user and per-task
// tokens.
const (
	// StreamTasks holds queue submissions.
	StreamTasks = "TASKS"
	// StreamProgress holds lifecycle events consumed by the progress bus.
	StreamProgress = "PROGRESS"

	// QueueFast and QueueHeavy are the two logical lanes.
	QueueFast  = "fast_tasks"
	QueueHeavy = "heavy_tasks"

	// SubjectFastTasks and SubjectHeavyTasks are the lane submission subjects.
	SubjectFastTasks  = "task.submit.fast"
	SubjectHeavyTasks = "task.submit.heavy"

	// SubjectAllTasks and SubjectAllProgress are the stream subject
	// wildcards.
	SubjectAllTasks    = "task.submit.>"
	SubjectAllProgress = "task.progress.>"

	progressPrefix = "task.progress."
	cancelPrefix   = "task.cancel."
)

// KV bucket names.
const (
	// BucketResults persists step results keyed user.task.step.
	BucketResults = "TASK_RESULTS"
	// BucketIndex persists per-task status keyed user.task.
	BucketIndex = "TASK_INDEX"
	// BucketConfirmations carries user confirmations keyed by callback id.
	BucketConfirmations = "TASK_CONFIRMATIONS"
	// BucketCancels carries cancel requests keyed by task id.
	BucketCancels = "TASK_CANCELS"
)

// QueueSubject returns the submission subject for a queue name.
// execute_task routes to the fast lane, execute_heavy_task to the heavy lane.
func QueueSubject(queue string) (string, error) {
	switch queue {
	case QueueFast:
		return SubjectFastTasks, nil
	case QueueHeavy:
		return SubjectHeavyTasks, nil
	default:
		return "", fmt.Errorf("unknown queue: %s", queue)
	}
}

// QueueForKind maps a submission kind to its queue. Unknown kinds default
// to the fast lane.
func QueueForKind(kind string) string {
	if kind == "execute_heavy_task" {
		return QueueHeavy
	}
	return QueueFast
}

// ProgressSubject returns the progress subject for one user.
func ProgressSubject(userID string) string {
	return progressPrefix + Token(userID)
}

// CancelSubject returns the cancel notice subject for one task.
func CancelSubject(taskID string) string {
	return cancelPrefix + Token(taskID)
}

// Token sanitises an identifier for use as a NATS subject token or KV key
// segment. Dots, wildcards, spaces and path separators are replaced so
// user-supplied ids cannot change subject structure.
func Token(id string) string {
	if id == "" {
		return "_"
	}
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "/", "_", "\t", "_", "\n", "_")
	return r.Replace(id)
}

// ResultKey returns the KV key for one step result.
func ResultKey(userID, taskID string, stepIndex int) string {
	return fmt.Sprintf("%s.%s.%d", Token(userID), Token(taskID), stepIndex)
}

// IndexKey returns the KV key for a task's status index entry.
func IndexKey(userID, taskID string) string {
	return fmt.Sprintf("%s.%s", Token(userID), Token(taskID))
}
