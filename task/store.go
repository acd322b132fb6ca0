package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go/jetstream"
)

// Persister is the checkpointing contract the executor and worker depend
// on. Persist must be idempotent by (userID, taskID, stepIndex). Failures
// must not fail the task; callers log and mark the event degraded.
type Persister interface {
	Persist(ctx context.Context, userID, taskID string, stepIndex int, res *StepResult) error
}

// TaskState is the per-task index entry maintained alongside step results.
type TaskState struct {
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ResultStore persists step results and the per-task status index in
// NATS KV buckets.
type ResultStore struct {
	results jetstream.KeyValue
	index   jetstream.KeyValue
}

// NewResultStore creates the store, ensuring both buckets exist.
func NewResultStore(nc *natsclient.Client) (*ResultStore, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("get jetstream: %w", err)
	}

	ctx := context.Background()

	// CreateOrUpdateKeyValue is idempotent and handles race conditions
	results, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      BucketResults,
		Description: "Step results keyed user.task.step",
		TTL:         7 * 24 * time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update %s bucket: %w", BucketResults, err)
	}

	index, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      BucketIndex,
		Description: "Per-task status index keyed user.task",
		TTL:         7 * 24 * time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update %s bucket: %w", BucketIndex, err)
	}

	return &ResultStore{results: results, index: index}, nil
}

// Persist writes one step result and refreshes the task index. Writing
// the same key twice is a no-op overwrite, which keeps the operation
// idempotent under at-least-once delivery.
func (s *ResultStore) Persist(ctx context.Context, userID, taskID string, stepIndex int, res *StepResult) error {
	if err := res.Validate(); err != nil {
		return fmt.Errorf("invalid step result: %w", err)
	}

	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal step result: %w", err)
	}

	if _, err := s.results.Put(ctx, ResultKey(userID, taskID, stepIndex), data); err != nil {
		return fmt.Errorf("put step result: %w", err)
	}

	if err := s.updateIndex(ctx, userID, taskID, res.Status); err != nil {
		return fmt.Errorf("update task index: %w", err)
	}
	return nil
}

func (s *ResultStore) updateIndex(ctx context.Context, userID, taskID string, status Status) error {
	key := IndexKey(userID, taskID)
	now := time.Now().UTC()

	state := TaskState{Status: status, CreatedAt: now, UpdatedAt: now}
	if entry, err := s.index.Get(ctx, key); err == nil {
		var prev TaskState
		if err := json.Unmarshal(entry.Value(), &prev); err == nil && !prev.CreatedAt.IsZero() {
			state.CreatedAt = prev.CreatedAt
		}
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal task state: %w", err)
	}
	if _, err := s.index.Put(ctx, key, data); err != nil {
		return fmt.Errorf("put task state: %w", err)
	}
	return nil
}

// Get retrieves one step result.
func (s *ResultStore) Get(ctx context.Context, userID, taskID string, stepIndex int) (*StepResult, error) {
	entry, err := s.results.Get(ctx, ResultKey(userID, taskID, stepIndex))
	if err != nil {
		return nil, fmt.Errorf("get step result: %w", err)
	}
	var res StepResult
	if err := json.Unmarshal(entry.Value(), &res); err != nil {
		return nil, fmt.Errorf("unmarshal step result: %w", err)
	}
	return &res, nil
}

// List returns all step results for one task in step order.
func (s *ResultStore) List(ctx context.Context, userID, taskID string) ([]*StepResult, error) {
	keys, err := s.results.Keys(ctx)
	if err != nil {
		// Empty bucket returns ErrNoKeysFound - this is not an error
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []*StepResult{}, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	prefix := IndexKey(userID, taskID) + "."
	var matched []string
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			matched = append(matched, k)
		}
	}
	sortStepKeys(matched)

	results := make([]*StepResult, 0, len(matched))
	for _, k := range matched {
		entry, err := s.results.Get(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", k, err)
		}
		var res StepResult
		if err := json.Unmarshal(entry.Value(), &res); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", k, err)
		}
		results = append(results, &res)
	}
	return results, nil
}

// sortStepKeys orders result keys by their numeric step suffix. A
// lexicographic sort would put step 10 before step 2.
func sortStepKeys(keys []string) {
	sort.Slice(keys, func(i, j int) bool {
		return stepSuffix(keys[i]) < stepSuffix(keys[j])
	})
}

func stepSuffix(key string) int {
	n, err := strconv.Atoi(key[strings.LastIndex(key, ".")+1:])
	if err != nil {
		return -1
	}
	return n
}

// State returns the task index entry, or nil when the task is unknown.
func (s *ResultStore) State(ctx context.Context, userID, taskID string) (*TaskState, error) {
	entry, err := s.index.Get(ctx, IndexKey(userID, taskID))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get task state: %w", err)
	}
	var state TaskState
	if err := json.Unmarshal(entry.Value(), &state); err != nil {
		return nil, fmt.Errorf("unmarshal task state: %w", err)
	}
	return &state, nil
}

// NopPersister discards step results. Used when checkpointing is disabled
// and in tests.
type NopPersister struct{}

// Persist implements Persister.
func (NopPersister) Persist(context.Context, string, string, int, *StepResult) error {
	return nil
}
