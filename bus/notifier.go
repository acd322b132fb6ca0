package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/loopworks/taskmesh/task"
)

// DefaultConfirmationTimeout bounds how long a producer waits for the
// user before the timeout policy resolves the step.
const DefaultConfirmationTimeout = 300 * time.Second

// ConfirmationStore holds pending user confirmations keyed by callback
// id. The progress bus writes entries when clients confirm; notifiers
// await them.
type ConfirmationStore struct {
	bucket jetstream.KeyValue
}

// NewConfirmationStore creates the store, ensuring the bucket exists.
// Entries are short-lived; the TTL sweeps up abandoned callbacks.
func NewConfirmationStore(nc *natsclient.Client) (*ConfirmationStore, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("get jetstream: %w", err)
	}

	bucket, err := js.CreateOrUpdateKeyValue(context.Background(), jetstream.KeyValueConfig{
		Bucket:      task.BucketConfirmations,
		Description: "User confirmations keyed by callback id",
		TTL:         time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update %s bucket: %w", task.BucketConfirmations, err)
	}
	return &ConfirmationStore{bucket: bucket}, nil
}

// Put records a user's answer for a callback id.
func (s *ConfirmationStore) Put(ctx context.Context, callbackID string, conf *task.UserConfirmation) error {
	if callbackID == "" {
		return fmt.Errorf("callback_id is required")
	}
	data, err := json.Marshal(conf)
	if err != nil {
		return fmt.Errorf("marshal confirmation: %w", err)
	}
	if _, err := s.bucket.Put(ctx, task.Token(callbackID), data); err != nil {
		return fmt.Errorf("put confirmation: %w", err)
	}
	return nil
}

// Await blocks until an answer for the callback id arrives or ctx ends.
func (s *ConfirmationStore) Await(ctx context.Context, callbackID string) (*task.UserConfirmation, error) {
	key := task.Token(callbackID)

	if entry, err := s.bucket.Get(ctx, key); err == nil {
		return decodeConfirmation(entry.Value())
	} else if !errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, fmt.Errorf("get confirmation: %w", err)
	}

	watcher, err := s.bucket.Watch(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("create kv watcher: %w", err)
	}
	defer func() { _ = watcher.Stop() }()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case entry := <-watcher.Updates():
			if entry == nil {
				// Initial nil signals watcher is ready, continue waiting
				continue
			}
			if entry.Operation() == jetstream.KeyValueDelete {
				continue
			}
			return decodeConfirmation(entry.Value())
		}
	}
}

// Delete removes a resolved or abandoned callback entry.
func (s *ConfirmationStore) Delete(ctx context.Context, callbackID string) {
	_ = s.bucket.Delete(ctx, task.Token(callbackID))
}

func decodeConfirmation(data []byte) (*task.UserConfirmation, error) {
	var conf task.UserConfirmation
	if err := json.Unmarshal(data, &conf); err != nil {
		return nil, fmt.Errorf("unmarshal confirmation: %w", err)
	}
	return &conf, nil
}

// Notifier publishes progress events to the per-user stream subjects and
// drives the blocking confirmation protocol.
type Notifier struct {
	nc            *natsclient.Client
	confirmations *ConfirmationStore
	timeout       time.Duration
	source        string
	logger        *slog.Logger
}

// NewNotifier builds a notifier. A zero timeout uses the default.
func NewNotifier(nc *natsclient.Client, timeout time.Duration, source string, logger *slog.Logger) (*Notifier, error) {
	confirmations, err := NewConfirmationStore(nc)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultConfirmationTimeout
	}
	if source == "" {
		source = "task-worker"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		nc:            nc,
		confirmations: confirmations,
		timeout:       timeout,
		source:        source,
		logger:        logger,
	}, nil
}

// PublishProgress publishes one event on the user's progress subject.
func (n *Notifier) PublishProgress(ctx context.Context, ev *Event) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	baseMsg := message.NewBaseMessage(EventTypeSchema, ev, n.source)
	data, err := json.Marshal(baseMsg)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := task.ProgressSubject(ev.UserID)
	if err := n.nc.PublishToStream(ctx, subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// NotifyUser emits a step result that requires user confirmation and
// blocks until the answer arrives or the timeout policy resolves it.
// The timeout default is proceed; pass onTimeout "abort" for steps whose
// effects are not safe to continue unattended.
func (n *Notifier) NotifyUser(ctx context.Context, res *task.StepResult, userID, taskID string, stepIndex int) (*task.UserConfirmation, error) {
	return n.notify(ctx, res, userID, taskID, stepIndex, "proceed")
}

// Confirm adapts the notifier to the step executor's confirmation hook.
func (n *Notifier) Confirm(ctx context.Context, res *task.StepResult, tctx *task.TaskContext, stepIndex int, onTimeout string) (*task.UserConfirmation, error) {
	return n.notify(ctx, res, tctx.UserID, tctx.TaskID, stepIndex, onTimeout)
}

func (n *Notifier) notify(ctx context.Context, res *task.StepResult, userID, taskID string, stepIndex int, onTimeout string) (*task.UserConfirmation, error) {
	callbackID := uuid.New().String()

	ev := NewStepResultEvent(userID, taskID, stepIndex, res, callbackID)
	if err := n.PublishProgress(ctx, ev); err != nil {
		return nil, fmt.Errorf("publish confirmation request: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	conf, err := n.confirmations.Await(waitCtx, callbackID)
	if err == nil {
		n.confirmations.Delete(ctx, callbackID)
		return conf, nil
	}

	n.confirmations.Delete(ctx, callbackID)

	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		n.logger.Warn("confirmation timed out",
			"user_id", userID,
			"task_id", taskID,
			"step_index", stepIndex,
			"callback_id", callbackID,
			"on_timeout", onTimeout)
		if onTimeout == "abort" {
			return &task.UserConfirmation{Proceed: false}, nil
		}
		return &task.UserConfirmation{Proceed: true}, nil
	}
	return nil, fmt.Errorf("await confirmation: %w", err)
}

// Progress adapts the notifier to the step executor's progress hook.
// Publish failures are logged and dropped.
func (n *Notifier) Progress(ctx context.Context, tctx *task.TaskContext, stepIndex int, res *task.StepResult) {
	ev := NewProgressEvent(tctx.UserID, tctx.TaskID, stepIndex, res)
	if err := n.PublishProgress(ctx, ev); err != nil {
		n.logger.Warn("progress publish failed",
			"user_id", tctx.UserID,
			"task_id", tctx.TaskID,
			"step_index", stepIndex,
			"error", err)
	}
}
