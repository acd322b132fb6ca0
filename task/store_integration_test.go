//go:build integration

package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/semstreams/natsclient"
)

func TestResultStore_PersistAndGet(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx := context.Background()

	store, err := NewResultStore(tc.Client)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	res := NewCompletedResult("analyzer.analyze_text", map[string]any{"sentiment": "neutral"}, "done")
	if err := store.Persist(ctx, "u1", "t1", 0, res); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}

	got, err := store.Get(ctx, "u1", "t1", 0)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Step != "analyzer.analyze_text" {
		t.Errorf("Step = %q, want %q", got.Step, "analyzer.analyze_text")
	}
	if got.Status != StatusCompleted {
		t.Errorf("Status = %q, want %q", got.Status, StatusCompleted)
	}
}

func TestResultStore_PersistIsIdempotent(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx := context.Background()

	store, err := NewResultStore(tc.Client)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	res := NewCompletedResult("svc.m", 1, "ok")
	for i := 0; i < 3; i++ {
		if err := store.Persist(ctx, "u1", "t-dup", 0, res); err != nil {
			t.Fatalf("Persist() attempt %d error = %v", i, err)
		}
	}

	results, err := store.List(ctx, "u1", "t-dup")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(results) != 1 {
		t.Errorf("List() returned %d results, want 1", len(results))
	}
}

func TestResultStore_ListOrdersBySteps(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx := context.Background()

	store, err := NewResultStore(tc.Client)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	// Out of persist order, and past nine steps so lexicographic key order
	// would misplace them.
	for _, i := range []int{10, 2, 0, 11, 1, 3, 4, 5, 6, 7, 8, 9} {
		step := fmt.Sprintf("step-%d", i)
		if err := store.Persist(ctx, "u1", "t-list", i, NewCompletedResult(step, i, "ok")); err != nil {
			t.Fatalf("Persist() step %d error = %v", i, err)
		}
	}
	// Another task must not bleed into the listing.
	if err := store.Persist(ctx, "u1", "t-other", 0, NewCompletedResult("other", 0, "ok")); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}

	results, err := store.List(ctx, "u1", "t-list")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(results) != 12 {
		t.Fatalf("List() returned %d results, want 12", len(results))
	}
	for i, res := range results {
		if want := fmt.Sprintf("step-%d", i); res.Step != want {
			t.Errorf("List()[%d].Step = %q, want %q", i, res.Step, want)
		}
	}
}

func TestResultStore_StateTracksLatestStatus(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx := context.Background()

	store, err := NewResultStore(tc.Client)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	state, err := store.State(ctx, "u1", "t-unknown")
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if state != nil {
		t.Errorf("State() for unknown task = %+v, want nil", state)
	}

	if err := store.Persist(ctx, "u1", "t-state", 0, NewCompletedResult("s0", nil, "ok")); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	if err := store.Persist(ctx, "u1", "t-state", 1, NewFailedResult("s1", CodeInternal, errors.New("boom"))); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}

	state, err = store.State(ctx, "u1", "t-state")
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if state == nil {
		t.Fatal("State() = nil, want entry")
	}
	if state.Status != StatusFailed {
		t.Errorf("Status = %q, want %q", state.Status, StatusFailed)
	}
	if state.CreatedAt.After(state.UpdatedAt) {
		t.Errorf("CreatedAt %v after UpdatedAt %v", state.CreatedAt, state.UpdatedAt)
	}
}

func TestCancelStore_RequestAndCheck(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx := context.Background()

	store, err := NewCancelStore(tc.Client)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	cancelled, err := store.IsCancelled(ctx, "t1")
	if err != nil {
		t.Fatalf("IsCancelled() error = %v", err)
	}
	if cancelled {
		t.Error("IsCancelled() = true before any request")
	}

	if err := store.RequestCancel(ctx, &CancelRequest{TaskID: "t1", UserID: "u1", Reason: "user"}); err != nil {
		t.Fatalf("RequestCancel() error = %v", err)
	}

	cancelled, err = store.IsCancelled(ctx, "t1")
	if err != nil {
		t.Fatalf("IsCancelled() error = %v", err)
	}
	if !cancelled {
		t.Error("IsCancelled() = false after request")
	}
}

func TestCancelStore_WatchFiresOnLaterCancel(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := NewCancelStore(tc.Client)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	fired := make(chan struct{})
	var once sync.Once
	if err := store.Watch(ctx, "t-watch", func() {
		once.Do(func() { close(fired) })
	}); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	if err := store.RequestCancel(ctx, &CancelRequest{TaskID: "t-watch"}); err != nil {
		t.Fatalf("RequestCancel() error = %v", err)
	}

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("Watch() callback not invoked after cancel request")
	}
}
