package dsl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopworks/taskmesh/task"
)

// fakeDispatcher records invocations and answers from a table keyed by
// service.method.
type fakeDispatcher struct {
	mu       sync.Mutex
	calls    []string
	handlers map[string]func(input json.RawMessage) (any, error)
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{handlers: map[string]func(json.RawMessage) (any, error){}}
}

func (d *fakeDispatcher) on(name string, fn func(json.RawMessage) (any, error)) {
	d.handlers[name] = fn
}

func (d *fakeDispatcher) Dispatch(_ context.Context, _, service, method string, input json.RawMessage, _ *task.TaskContext) (any, error) {
	name := service + "." + method
	d.mu.Lock()
	d.calls = append(d.calls, name)
	d.mu.Unlock()

	if fn, ok := d.handlers[name]; ok {
		return fn(input)
	}
	return nil, task.Errorf(task.CodeNotFound, "%s: method not found", name)
}

func (d *fakeDispatcher) callCount(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c == name {
			n++
		}
	}
	return n
}

func newTestContext(t *testing.T) *task.TaskContext {
	t.Helper()
	tctx, err := task.NewTaskContext("u1", "t1", "", nil)
	require.NoError(t, err)
	return tctx
}

func taskStep(name string, params map[string]any) task.Step {
	p := map[string]any{"task": name}
	if params != nil {
		p["params"] = params
	}
	return task.Step{Type: task.StepTask, Params: p}
}

func TestRun_SingleTaskStep(t *testing.T) {
	d := newFakeDispatcher()
	d.on("analyzer.analyze_text", func(input json.RawMessage) (any, error) {
		var in struct {
			Text string `json:"text"`
		}
		require.NoError(t, json.Unmarshal(input, &in))
		assert.Equal(t, "hello", in.Text)
		return map[string]any{"sentiment": "neutral"}, nil
	})

	ex := NewExecutor(d)
	results, last, err := ex.Run(context.Background(), newTestContext(t),
		[]task.Step{taskStep("analyzer.analyze_text", map[string]any{"text": "hello"})})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, last.Completed)
	assert.Equal(t, task.StatusCompleted, last.Status)
	assert.Equal(t, map[string]any{"sentiment": "neutral"}, last.Result)
}

func TestRun_SequenceThreadsVariables(t *testing.T) {
	d := newFakeDispatcher()
	d.on("svc.first", func(json.RawMessage) (any, error) {
		return "alpha", nil
	})
	d.on("svc.second", func(input json.RawMessage) (any, error) {
		var in struct {
			Prev string `json:"prev"`
		}
		require.NoError(t, json.Unmarshal(input, &in))
		return "got " + in.Prev, nil
	})

	seq := task.Step{Type: task.StepSequence, Params: map[string]any{
		"steps": []any{
			map[string]any{"step_type": "task", "params": map[string]any{"task": "svc.first", "name": "first_out"}},
			map[string]any{"step_type": "task", "params": map[string]any{
				"task":   "svc.second",
				"params": map[string]any{"prev": "{{variables.first_out}}"},
			}},
		},
	}}

	tctx := newTestContext(t)
	ex := NewExecutor(d)
	_, last, err := ex.Run(context.Background(), tctx, []task.Step{seq})
	require.NoError(t, err)
	require.True(t, last.Completed)
	assert.Equal(t, "alpha", tctx.GetVariable("first_out", nil))

	children, ok := last.Result.([]any)
	require.True(t, ok)
	require.Len(t, children, 2)
	assert.Equal(t, "got alpha", children[1].(map[string]any)["result"])
}

func TestRun_SequenceStopsOnFailure(t *testing.T) {
	d := newFakeDispatcher()
	d.on("svc.ok", func(json.RawMessage) (any, error) { return "fine", nil })
	d.on("svc.bad", func(json.RawMessage) (any, error) {
		return nil, task.Errorf(task.CodeInvalidParams, "bad input")
	})

	seq := task.Step{Type: task.StepSequence, Params: map[string]any{
		"steps": []any{
			map[string]any{"step_type": "task", "params": map[string]any{"task": "svc.bad"}},
			map[string]any{"step_type": "task", "params": map[string]any{"task": "svc.ok"}},
		},
	}}

	ex := NewExecutor(d)
	_, last, err := ex.Run(context.Background(), newTestContext(t), []task.Step{seq})
	require.NoError(t, err)
	assert.False(t, last.Completed)
	assert.Equal(t, task.CodeInvalidParams, last.ErrorCode)
	assert.Equal(t, 0, d.callCount("svc.ok"), "later steps must not run")
}

func TestRun_SequenceContinuesWhenStopDisabled(t *testing.T) {
	d := newFakeDispatcher()
	d.on("svc.ok", func(json.RawMessage) (any, error) { return "fine", nil })
	d.on("svc.bad", func(json.RawMessage) (any, error) {
		return nil, task.Errorf(task.CodeInternal, "boom")
	})

	seq := task.Step{Type: task.StepSequence, Params: map[string]any{
		"stop_on_failure": false,
		"steps": []any{
			map[string]any{"step_type": "task", "params": map[string]any{"task": "svc.bad"}},
			map[string]any{"step_type": "task", "params": map[string]any{"task": "svc.ok"}},
		},
	}}

	ex := NewExecutor(d)
	_, last, err := ex.Run(context.Background(), newTestContext(t), []task.Step{seq})
	require.NoError(t, err)
	assert.False(t, last.Completed, "any child failure fails the sequence")
	assert.Equal(t, 1, d.callCount("svc.ok"), "remaining steps still run")
}

func TestRun_IfBranches(t *testing.T) {
	d := newFakeDispatcher()
	d.on("svc.then", func(json.RawMessage) (any, error) { return "then", nil })
	d.on("svc.else", func(json.RawMessage) (any, error) { return "else", nil })

	step := task.Step{
		Type:      task.StepIf,
		Condition: "variables.approved",
		Params: map[string]any{
			"then": map[string]any{"step_type": "task", "params": map[string]any{"task": "svc.then"}},
			"else": map[string]any{"step_type": "task", "params": map[string]any{"task": "svc.else"}},
		},
	}

	tctx := newTestContext(t)
	tctx.SetVariable("approved", true)
	ex := NewExecutor(d)
	_, last, err := ex.Run(context.Background(), tctx, []task.Step{step})
	require.NoError(t, err)
	assert.Equal(t, "then", last.Result)
	assert.Equal(t, 0, d.callCount("svc.else"))

	tctx = newTestContext(t)
	tctx.SetVariable("approved", false)
	_, last, err = ex.Run(context.Background(), tctx, []task.Step{step})
	require.NoError(t, err)
	assert.Equal(t, "else", last.Result)
}

func TestRun_IfWithoutBranchCompletes(t *testing.T) {
	step := task.Step{
		Type:      task.StepIf,
		Condition: "variables.approved",
		Params:    map[string]any{"then": map[string]any{"step_type": "task", "params": map[string]any{"task": "svc.x"}}},
	}

	tctx := newTestContext(t)
	tctx.SetVariable("approved", false)
	ex := NewExecutor(newFakeDispatcher())
	_, last, err := ex.Run(context.Background(), tctx, []task.Step{step})
	require.NoError(t, err)
	assert.True(t, last.Completed)
}

func TestRun_ParallelAggregatesInInputOrder(t *testing.T) {
	d := newFakeDispatcher()
	d.on("svc.a", func(json.RawMessage) (any, error) {
		time.Sleep(30 * time.Millisecond)
		return "A", nil
	})
	d.on("svc.b", func(json.RawMessage) (any, error) {
		return nil, task.Errorf(task.CodeInternal, "B exploded")
	})
	d.on("svc.c", func(json.RawMessage) (any, error) { return "C", nil })

	step := task.Step{Type: task.StepParallel, Params: map[string]any{
		"tasks": []any{
			map[string]any{"task": "svc.a"},
			map[string]any{"task": "svc.b"},
			map[string]any{"task": "svc.c"},
		},
	}}

	ex := NewExecutor(d)
	_, last, err := ex.Run(context.Background(), newTestContext(t), []task.Step{step})
	require.NoError(t, err)

	assert.False(t, last.Completed)
	assert.Equal(t, task.CodeInternal, last.ErrorCode)

	children, ok := last.Result.([]any)
	require.True(t, ok)
	require.Len(t, children, 3)
	assert.Equal(t, "svc.a", children[0].(map[string]any)["step"])
	assert.Equal(t, "svc.b", children[1].(map[string]any)["step"])
	assert.Equal(t, "svc.c", children[2].(map[string]any)["step"])

	// B's failure must not stop A or C.
	assert.Equal(t, "A", children[0].(map[string]any)["result"])
	assert.Equal(t, "C", children[2].(map[string]any)["result"])
	assert.Equal(t, 1, d.callCount("svc.a"))
	assert.Equal(t, 1, d.callCount("svc.c"))
}

func TestRun_UnknownStepType(t *testing.T) {
	// Step validation is bypassed on purpose to exercise the executor's
	// own guard.
	step := task.Step{Type: task.StepType("loop"), Params: map[string]any{}}

	ex := NewExecutor(newFakeDispatcher())
	_, last, err := ex.Run(context.Background(), newTestContext(t), []task.Step{step})
	require.NoError(t, err)
	assert.False(t, last.Completed)
	assert.Equal(t, task.CodeInvalidParams, last.ErrorCode)
	assert.Contains(t, last.ErrorMessage, "invalid step")
}

func TestRun_UnresolvedSubstitutionFails(t *testing.T) {
	d := newFakeDispatcher()
	d.on("svc.m", func(json.RawMessage) (any, error) { return "x", nil })

	step := taskStep("svc.m", map[string]any{"v": "{{variables.never_set}}"})
	ex := NewExecutor(d)
	_, last, err := ex.Run(context.Background(), newTestContext(t), []task.Step{step})
	require.NoError(t, err)
	assert.False(t, last.Completed)
	assert.Equal(t, task.CodeInvalidParams, last.ErrorCode)
	assert.Equal(t, 0, d.callCount("svc.m"), "dispatch must not happen")
}

func TestRun_PersistsEveryStep(t *testing.T) {
	d := newFakeDispatcher()
	d.on("svc.m", func(json.RawMessage) (any, error) { return "x", nil })

	type persisted struct {
		index int
		step  string
	}
	var mu sync.Mutex
	var saved []persisted

	ex := NewExecutor(d, func(ex *Executor) {
		ex.Save = func(_ context.Context, userID, taskID string, stepIndex int, res *task.StepResult) {
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, "u1", userID)
			assert.Equal(t, "t1", taskID)
			saved = append(saved, persisted{index: stepIndex, step: res.Step})
		}
	})

	steps := []task.Step{taskStep("svc.m", nil), taskStep("svc.m", nil)}
	_, _, err := ex.Run(context.Background(), newTestContext(t), steps)
	require.NoError(t, err)

	require.Len(t, saved, 2)
	assert.Equal(t, 0, saved[0].index)
	assert.Equal(t, 1, saved[1].index)
}

type failingPersister struct{ calls int }

func (p *failingPersister) Persist(context.Context, string, string, int, *task.StepResult) error {
	p.calls++
	return errors.New("kv unavailable")
}

func TestRun_PersistenceFailureDoesNotFailTask(t *testing.T) {
	d := newFakeDispatcher()
	d.on("svc.m", func(json.RawMessage) (any, error) { return "x", nil })

	p := &failingPersister{}
	ex := NewExecutor(d, func(ex *Executor) { ex.Persister = p })

	_, last, err := ex.Run(context.Background(), newTestContext(t), []task.Step{taskStep("svc.m", nil)})
	require.NoError(t, err)
	assert.True(t, last.Completed)
	assert.Equal(t, 1, p.calls)
}

type scriptedConfirmer struct {
	conf *task.UserConfirmation
	err  error
}

func (c *scriptedConfirmer) Confirm(context.Context, *task.StepResult, *task.TaskContext, int, string) (*task.UserConfirmation, error) {
	return c.conf, c.err
}

func TestRun_ConfirmationApproved(t *testing.T) {
	d := newFakeDispatcher()
	d.on("svc.draft", func(json.RawMessage) (any, error) { return "draft v1", nil })

	ex := NewExecutor(d, func(ex *Executor) {
		ex.Confirmer = &scriptedConfirmer{conf: &task.UserConfirmation{Proceed: true, Feedback: "ok"}}
	})

	tctx := newTestContext(t)
	step := task.Step{Type: task.StepTask, Params: map[string]any{"task": "svc.draft", "confirm": true}}
	_, last, err := ex.Run(context.Background(), tctx, []task.Step{step})
	require.NoError(t, err)
	assert.True(t, last.Completed)
	assert.Equal(t, "ok", tctx.GetVariable("feedback", nil))
}

func TestRun_ConfirmationDeclinedCancelsStep(t *testing.T) {
	d := newFakeDispatcher()
	d.on("svc.draft", func(json.RawMessage) (any, error) { return "draft v1", nil })

	ex := NewExecutor(d, func(ex *Executor) {
		ex.Confirmer = &scriptedConfirmer{conf: &task.UserConfirmation{Proceed: false, Feedback: "redo it"}}
	})

	step := task.Step{Type: task.StepTask, Params: map[string]any{"task": "svc.draft", "confirm": true}}
	_, last, err := ex.Run(context.Background(), newTestContext(t), []task.Step{step})
	require.NoError(t, err)
	assert.False(t, last.Completed)
	assert.Equal(t, task.StatusCancelled, last.Status)
	assert.Contains(t, last.ErrorMessage, "redo it")
}

func TestRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ex := NewExecutor(newFakeDispatcher())
	_, last, err := ex.Run(ctx, newTestContext(t), []task.Step{taskStep("svc.m", nil)})
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, last.Status)
	assert.Equal(t, task.CodeCancelled, last.ErrorCode)
}

func TestRun_DefaultServiceResolvesBareMethod(t *testing.T) {
	d := newFakeDispatcher()
	d.on("analyzer.summarize", func(json.RawMessage) (any, error) { return "short", nil })

	ex := NewExecutor(d, func(ex *Executor) { ex.DefaultService = "analyzer" })
	_, last, err := ex.Run(context.Background(), newTestContext(t), []task.Step{taskStep("summarize", nil)})
	require.NoError(t, err)
	assert.True(t, last.Completed)
	assert.Equal(t, "short", last.Result)
}

func TestRun_InputValidation(t *testing.T) {
	ex := NewExecutor(newFakeDispatcher())

	_, _, err := ex.Run(context.Background(), nil, []task.Step{taskStep("svc.m", nil)})
	assert.Error(t, err)

	_, _, err = ex.Run(context.Background(), newTestContext(t), nil)
	assert.Error(t, err)

	var missing task.Step
	missing.Type = task.StepTask
	missing.Params = map[string]any{}
	_, last, err := ex.Run(context.Background(), newTestContext(t), []task.Step{missing})
	require.NoError(t, err)
	assert.Equal(t, task.CodeInvalidParams, last.ErrorCode)
}

func TestAggregate_Message(t *testing.T) {
	ok := task.NewCompletedResult("a", 1, "done")
	bad := task.NewFailedResult("b", task.CodeTimeout, fmt.Errorf("too slow"))

	res := aggregate("parallel", []*task.StepResult{ok, bad}, bad)
	assert.False(t, res.Completed)
	assert.Equal(t, task.StatusTimedOut, res.Status)
	assert.Contains(t, res.ErrorMessage, "b:")
}
