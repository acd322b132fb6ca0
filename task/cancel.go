package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go/jetstream"
)

// CancelRequest is the record written when a task is asked to stop.
type CancelRequest struct {
	TaskID      string    `json:"task_id"`
	UserID      string    `json:"user_id,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// CancelStore coordinates cooperative cancellation through a KV bucket.
// The progress bus (or an admin surface) writes a cancel request; workers
// watch the task's key and cancel the running step when it appears.
type CancelStore struct {
	bucket jetstream.KeyValue
}

// NewCancelStore creates the store, ensuring the bucket exists. Entries
// expire on their own so stale cancels cannot poison re-submitted ids.
func NewCancelStore(nc *natsclient.Client) (*CancelStore, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("get jetstream: %w", err)
	}

	bucket, err := js.CreateOrUpdateKeyValue(context.Background(), jetstream.KeyValueConfig{
		Bucket:      BucketCancels,
		Description: "Cancel requests keyed by task id",
		TTL:         24 * time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update %s bucket: %w", BucketCancels, err)
	}
	return &CancelStore{bucket: bucket}, nil
}

// RequestCancel records a cancel request for the task.
func (s *CancelStore) RequestCancel(ctx context.Context, req *CancelRequest) error {
	if req.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now().UTC()
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal cancel request: %w", err)
	}
	if _, err := s.bucket.Put(ctx, Token(req.TaskID), data); err != nil {
		return fmt.Errorf("put cancel request: %w", err)
	}
	return nil
}

// IsCancelled reports whether a cancel request exists for the task.
func (s *CancelStore) IsCancelled(ctx context.Context, taskID string) (bool, error) {
	_, err := s.bucket.Get(ctx, Token(taskID))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("get cancel request: %w", err)
}

// Watch invokes onCancel once if a cancel request for the task exists or
// appears later. The watch stops when ctx is done.
func (s *CancelStore) Watch(ctx context.Context, taskID string, onCancel func()) error {
	key := Token(taskID)

	// First, check if a cancel is already recorded.
	if _, err := s.bucket.Get(ctx, key); err == nil {
		onCancel()
		return nil
	} else if !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("get cancel request: %w", err)
	}

	watcher, err := s.bucket.Watch(ctx, key)
	if err != nil {
		return fmt.Errorf("create kv watcher: %w", err)
	}

	go func() {
		defer func() { _ = watcher.Stop() }()
		for {
			select {
			case <-ctx.Done():
				return
			case entry := <-watcher.Updates():
				if entry == nil {
					// Initial nil signals watcher is ready, continue waiting
					continue
				}
				if entry.Operation() == jetstream.KeyValueDelete {
					continue
				}
				onCancel()
				return
			}
		}
	}()
	return nil
}
