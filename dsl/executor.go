// Package dsl drives declarative step trees against a task context:
// sequencing, parallel fan-out, conditionals, variable threading and
// per-step checkpointing.
package dsl

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/loopworks/taskmesh/task"
)

// Dispatcher invokes one service method. The dispatch package provides
// the production implementation.
type Dispatcher interface {
	Dispatch(ctx context.Context, mode, service, method string, input json.RawMessage, tctx *task.TaskContext) (any, error)
}

// Confirmer blocks until the user approves a completed step or a timeout
// policy resolves the wait. onTimeout is "proceed" or "abort".
type Confirmer interface {
	Confirm(ctx context.Context, res *task.StepResult, tctx *task.TaskContext, stepIndex int, onTimeout string) (*task.UserConfirmation, error)
}

// SaveCallback observes every finished step, success or failure.
type SaveCallback func(ctx context.Context, userID, taskID string, stepIndex int, res *task.StepResult)

// ProgressFunc publishes a step lifecycle event. Failures are the
// publisher's problem; the executor never fails a task over progress.
type ProgressFunc func(ctx context.Context, tctx *task.TaskContext, stepIndex int, res *task.StepResult)

// Executor runs step trees. Zero-value collaborators are replaced with
// safe defaults by NewExecutor.
type Executor struct {
	Dispatcher Dispatcher
	Evaluate   EvaluateFunc
	Substitute SubstituteFunc
	Persister  task.Persister
	Save       SaveCallback
	Confirmer  Confirmer
	Progress   ProgressFunc
	Logger     *slog.Logger

	// DefaultMode and DefaultService fill in task steps that name only a
	// method, and task steps whose service is resolved per request.
	DefaultMode    string
	DefaultService string

	// MaxParallel bounds concurrent children of a parallel step.
	MaxParallel int
}

// NewExecutor builds an executor around a dispatcher, with the default
// evaluator and substituter wired in.
func NewExecutor(d Dispatcher, opts ...func(*Executor)) *Executor {
	ex := &Executor{
		Dispatcher:  d,
		Evaluate:    DefaultEvaluate,
		Substitute:  DefaultSubstitute,
		Persister:   task.NopPersister{},
		Logger:      slog.Default(),
		MaxParallel: 8,
	}
	for _, opt := range opts {
		opt(ex)
	}
	if ex.Evaluate == nil {
		ex.Evaluate = DefaultEvaluate
	}
	if ex.Substitute == nil {
		ex.Substitute = DefaultSubstitute
	}
	if ex.Persister == nil {
		ex.Persister = task.NopPersister{}
	}
	if ex.Logger == nil {
		ex.Logger = slog.Default()
	}
	if ex.MaxParallel < 1 {
		ex.MaxParallel = 1
	}
	return ex
}

// Run executes steps in order as an implicit sequence, stopping at the
// first failure. It returns every step result produced, outermost steps
// first within their subtrees, plus the overall outcome.
func (ex *Executor) Run(ctx context.Context, tctx *task.TaskContext, steps []task.Step) ([]*task.StepResult, *task.StepResult, error) {
	if tctx == nil {
		return nil, nil, fmt.Errorf("task context is required")
	}
	if len(steps) == 0 {
		return nil, nil, fmt.Errorf("no steps to run")
	}

	r := &run{ex: ex, tctx: tctx, sem: make(chan struct{}, ex.MaxParallel)}

	var last *task.StepResult
	for i := range steps {
		last = r.exec(ctx, &steps[i])
		if !last.Completed {
			break
		}
	}
	return r.results, last, nil
}

type run struct {
	ex   *Executor
	tctx *task.TaskContext
	sem  chan struct{}

	mu      sync.Mutex
	results []*task.StepResult
	counter int
}

// env snapshots the substitution/evaluation environment.
func (r *run) env() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return map[string]any{
		"variables": r.tctx.Variables(),
		"result":    resultMaps(r.results),
	}
}

func (r *run) exec(ctx context.Context, step *task.Step) *task.StepResult {
	if err := ctx.Err(); err != nil {
		return r.finish(ctx, task.NewFailedResult(string(step.Type), task.Classify(err), err))
	}

	var res *task.StepResult
	switch step.Type {
	case task.StepTask:
		res = r.execTask(ctx, step)
	case task.StepIf:
		res = r.execIf(ctx, step)
	case task.StepSequence:
		res = r.execSequence(ctx, step)
	case task.StepParallel:
		res = r.execParallel(ctx, step)
	default:
		res = task.NewFailedResult(string(step.Type), task.CodeInvalidParams,
			fmt.Errorf("invalid step: unknown type %q", step.Type))
	}
	return r.finish(ctx, res)
}

// finish records, persists and announces a step result. Persistence
// failures degrade, never fail.
func (r *run) finish(ctx context.Context, res *task.StepResult) *task.StepResult {
	r.mu.Lock()
	index := r.counter
	r.counter++
	r.results = append(r.results, res)
	r.mu.Unlock()

	if err := r.ex.Persister.Persist(ctx, r.tctx.UserID, r.tctx.TaskID, index, res); err != nil {
		r.ex.Logger.Warn("step result persistence degraded",
			"user_id", r.tctx.UserID,
			"task_id", r.tctx.TaskID,
			"step_index", index,
			"error", err)
	}
	if r.ex.Save != nil {
		r.ex.Save(ctx, r.tctx.UserID, r.tctx.TaskID, index, res)
	}
	if r.ex.Progress != nil {
		r.ex.Progress(ctx, r.tctx, index, res)
	}
	return res
}

func (r *run) execTask(ctx context.Context, step *task.Step) *task.StepResult {
	name, _ := step.Params["task"].(string)
	if name == "" {
		return task.NewFailedResult("task", task.CodeInvalidParams, fmt.Errorf("task step missing params.task"))
	}

	mode := r.ex.DefaultMode
	if m, ok := step.Params["mode"].(string); ok && m != "" {
		mode = m
	}

	service, method, ok := strings.Cut(name, ".")
	if !ok {
		service, method = r.ex.DefaultService, name
	}
	if service == "" || method == "" {
		return task.NewFailedResult(name, task.CodeInvalidParams,
			fmt.Errorf("task %q does not resolve to service.method", name))
	}

	callParams, _ := step.Params["params"].(map[string]any)
	if callParams == nil {
		callParams = map[string]any{}
	}

	substituted, err := r.ex.Substitute(callParams, r.env())
	if err != nil {
		return task.NewFailedResult(name, task.Classify(err), err)
	}

	input, err := json.Marshal(substituted)
	if err != nil {
		return task.NewFailedResult(name, task.CodeInvalidParams, fmt.Errorf("encode params: %w", err))
	}

	out, err := r.ex.Dispatcher.Dispatch(ctx, mode, service, method, input, r.tctx)
	if err != nil {
		return task.NewFailedResult(name, task.Classify(err), err)
	}

	res := task.NewCompletedResult(name, out, doneMessage(step))
	if varName, ok := step.Params["name"].(string); ok && varName != "" {
		r.tctx.SetVariable(varName, out)
	}

	if confirm, _ := step.Params["confirm"].(bool); confirm && r.ex.Confirmer != nil {
		res = r.confirm(ctx, step, res)
	}
	return res
}

// confirm blocks the step on user approval. A declined confirmation turns
// the completed result into a cancelled one.
func (r *run) confirm(ctx context.Context, step *task.Step, res *task.StepResult) *task.StepResult {
	onTimeout, _ := step.Params["on_timeout"].(string)
	if onTimeout == "" {
		onTimeout = "proceed"
	}

	r.mu.Lock()
	index := r.counter
	r.mu.Unlock()

	conf, err := r.ex.Confirmer.Confirm(ctx, res, r.tctx, index, onTimeout)
	if err != nil {
		return task.NewFailedResult(res.Step, task.Classify(err), fmt.Errorf("confirmation: %w", err))
	}
	if !conf.Proceed {
		reason := "user declined"
		if conf.Feedback != "" {
			reason = "user declined: " + conf.Feedback
		}
		return task.NewFailedResult(res.Step, task.CodeCancelled, fmt.Errorf("%s", reason))
	}
	if conf.Feedback != "" {
		r.tctx.SetVariable("feedback", conf.Feedback)
	}
	return res
}

func (r *run) execIf(ctx context.Context, step *task.Step) *task.StepResult {
	if step.Condition == "" {
		return task.NewFailedResult("if", task.CodeInvalidParams, fmt.Errorf("if step missing condition"))
	}

	ok, err := r.ex.Evaluate(step.Condition, r.env())
	if err != nil {
		return task.NewFailedResult("if", task.CodeInvalidParams, fmt.Errorf("evaluate %q: %w", step.Condition, err))
	}

	branchKey := "then"
	if !ok {
		branchKey = "else"
	}
	raw, exists := step.Params[branchKey]
	if !exists || raw == nil {
		return task.NewCompletedResult("if", ok, fmt.Sprintf("condition %v, no %s branch", ok, branchKey))
	}

	branch, err := decodeStep(raw)
	if err != nil {
		return task.NewFailedResult("if", task.CodeInvalidParams, fmt.Errorf("decode %s branch: %w", branchKey, err))
	}
	return r.exec(ctx, branch)
}

func (r *run) execSequence(ctx context.Context, step *task.Step) *task.StepResult {
	rawSteps, ok := step.Params["steps"].([]any)
	if !ok || len(rawSteps) == 0 {
		return task.NewFailedResult("sequence", task.CodeInvalidParams, fmt.Errorf("sequence step missing params.steps"))
	}

	stopOnFailure := true
	if v, ok := step.Params["stop_on_failure"].(bool); ok {
		stopOnFailure = v
	}

	children := make([]*task.StepResult, 0, len(rawSteps))
	var firstFailure *task.StepResult
	for i, raw := range rawSteps {
		child, err := decodeStep(raw)
		if err != nil {
			return task.NewFailedResult("sequence", task.CodeInvalidParams, fmt.Errorf("decode steps[%d]: %w", i, err))
		}

		res := r.exec(ctx, child)
		children = append(children, res)

		if !res.Completed {
			if firstFailure == nil {
				firstFailure = res
			}
			if stopOnFailure {
				break
			}
		}
	}
	return aggregate("sequence", children, firstFailure)
}

func (r *run) execParallel(ctx context.Context, step *task.Step) *task.StepResult {
	rawTasks, ok := step.Params["tasks"].([]any)
	if !ok || len(rawTasks) == 0 {
		return task.NewFailedResult("parallel", task.CodeInvalidParams, fmt.Errorf("parallel step missing params.tasks"))
	}

	cancelSiblings, _ := step.Params["cancel_siblings_on_failure"].(bool)

	children := make([]*task.Step, len(rawTasks))
	for i, raw := range rawTasks {
		child, err := decodeCall(raw)
		if err != nil {
			return task.NewFailedResult("parallel", task.CodeInvalidParams, fmt.Errorf("decode tasks[%d]: %w", i, err))
		}
		children[i] = child
	}

	childCtx := ctx
	var cancel context.CancelFunc
	if cancelSiblings {
		childCtx, cancel = context.WithCancel(ctx)
		defer cancel()
	}

	results := make([]*task.StepResult, len(children))
	var wg sync.WaitGroup
	for i, child := range children {
		wg.Add(1)
		go func(i int, child *task.Step) {
			defer wg.Done()
			r.sem <- struct{}{}
			defer func() { <-r.sem }()

			res := r.exec(childCtx, child)
			results[i] = res
			if !res.Completed && cancel != nil {
				cancel()
			}
		}(i, child)
	}
	wg.Wait()

	var firstFailure *task.StepResult
	for _, res := range results {
		if !res.Completed {
			firstFailure = res
			break
		}
	}
	return aggregate("parallel", results, firstFailure)
}

// aggregate folds child outcomes into one composite result preserving
// input order.
func aggregate(step string, children []*task.StepResult, firstFailure *task.StepResult) *task.StepResult {
	payload := resultMaps(children)
	if firstFailure == nil {
		return task.NewCompletedResult(step, payload, fmt.Sprintf("%d steps completed", len(children)))
	}

	res := task.NewFailedResult(step, firstFailure.ErrorCode,
		fmt.Errorf("%s: %s", firstFailure.Step, firstFailure.ErrorMessage))
	res.Result = payload
	return res
}

// decodeStep converts a raw params value into a Step via its JSON form.
func decodeStep(raw any) (*task.Step, error) {
	if s, ok := raw.(*task.Step); ok {
		return s, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var step task.Step
	if err := json.Unmarshal(data, &step); err != nil {
		return nil, err
	}
	if err := step.Validate(); err != nil {
		return nil, err
	}
	return &step, nil
}

// decodeCall converts a parallel child {task, params, ...} into a task
// step. A fully-formed step with step_type is accepted as-is.
func decodeCall(raw any) (*task.Step, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return decodeStep(raw)
	}
	if _, hasType := m["step_type"]; hasType {
		return decodeStep(raw)
	}
	if _, hasTask := m["task"]; !hasTask {
		return nil, fmt.Errorf("call missing task")
	}
	params := make(map[string]any, len(m))
	for k, v := range m {
		params[k] = v
	}
	return &task.Step{Type: task.StepTask, Params: params}, nil
}

func doneMessage(step *task.Step) string {
	if step.Description != "" {
		return step.Description
	}
	return "completed"
}

// resultMaps converts step results into their JSON object form so they
// can sit in the substitution environment and in aggregate payloads.
func resultMaps(results []*task.StepResult) []any {
	out := make([]any, 0, len(results))
	for _, res := range results {
		if res == nil {
			out = append(out, nil)
			continue
		}
		data, err := json.Marshal(res)
		if err != nil {
			out = append(out, map[string]any{"step": res.Step})
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			out = append(out, map[string]any{"step": res.Step})
			continue
		}
		out = append(out, m)
	}
	return out
}
