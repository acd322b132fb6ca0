// Package taskworker consumes the fast and heavy task lanes, drives
// service dispatch and step execution, and emits lifecycle events on the
// progress stream.
package taskworker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/loopworks/taskmesh/bus"
	"github.com/loopworks/taskmesh/dispatch"
	"github.com/loopworks/taskmesh/dsl"
	"github.com/loopworks/taskmesh/registry"
	"github.com/loopworks/taskmesh/task"
)

// cancelSource is the cancel-signal contract the worker polls and
// watches. task.CancelStore is the production implementation.
type cancelSource interface {
	IsCancelled(ctx context.Context, taskID string) (bool, error)
	Watch(ctx context.Context, taskID string, onCancel func()) error
}

// lane is one queue's runtime state.
type lane struct {
	queue        string
	subject      string
	consumerName string
	concurrency  int
	soft         time.Duration
	hard         time.Duration

	sem      chan struct{}
	consumer jetstream.Consumer
}

// Component implements the task-worker processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger

	dispatcher dsl.Dispatcher
	persister  task.Persister
	confirmer  dsl.Confirmer
	cancels    cancelSource
	publish    func(ctx context.Context, ev *bus.Event) error
	retry      task.RetryConfig
	metrics    *workerMetrics

	lanes []*lane

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	// Metrics
	tasksProcessed atomic.Int64
	tasksFailed    atomic.Int64
	tasksCancelled atomic.Int64
	tasksTimedOut  atomic.Int64
	retriesTotal   atomic.Int64
	lastActivityMu sync.RWMutex
	lastActivity   time.Time
}

// NewComponent creates a new task-worker processor.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply defaults
	defaults := DefaultConfig()
	if config.StreamName == "" {
		config.StreamName = defaults.StreamName
	}
	if config.FastConsumerName == "" {
		config.FastConsumerName = defaults.FastConsumerName
	}
	if config.HeavyConsumerName == "" {
		config.HeavyConsumerName = defaults.HeavyConsumerName
	}
	if config.FastConcurrency == 0 {
		config.FastConcurrency = defaults.FastConcurrency
	}
	if config.HeavyConcurrency == 0 {
		config.HeavyConcurrency = defaults.HeavyConcurrency
	}
	if config.FastSoftTimeLimit == "" {
		config.FastSoftTimeLimit = defaults.FastSoftTimeLimit
	}
	if config.FastHardTimeLimit == "" {
		config.FastHardTimeLimit = defaults.FastHardTimeLimit
	}
	if config.HeavySoftTimeLimit == "" {
		config.HeavySoftTimeLimit = defaults.HeavySoftTimeLimit
	}
	if config.HeavyHardTimeLimit == "" {
		config.HeavyHardTimeLimit = defaults.HeavyHardTimeLimit
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.BackoffBase == "" {
		config.BackoffBase = defaults.BackoffBase
	}
	if config.BackoffFactor == 0 {
		config.BackoffFactor = defaults.BackoffFactor
	}
	if config.BackoffCap == "" {
		config.BackoffCap = defaults.BackoffCap
	}
	if config.ConfirmationTimeout == "" {
		config.ConfirmationTimeout = defaults.ConfirmationTimeout
	}
	if config.MaxParallelSteps == 0 {
		config.MaxParallelSteps = defaults.MaxParallelSteps
	}
	if config.Ports == nil {
		config.Ports = defaults.Ports
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := deps.GetLogger()

	return &Component{
		name:       "task-worker",
		config:     config,
		natsClient: deps.NATSClient,
		logger:     logger,
		dispatcher: dispatch.New(registry.Default, logger),
		retry:      config.RetryConfig(),
		metrics:    newWorkerMetrics(),
	}, nil
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized task-worker",
		"stream", c.config.StreamName,
		"fast_concurrency", c.config.FastConcurrency,
		"heavy_concurrency", c.config.HeavyConcurrency,
		"max_retries", c.config.MaxRetries)
	return nil
}

// Start begins consuming both lanes.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}
	if c.natsClient == nil {
		c.mu.Unlock()
		return fmt.Errorf("NATS client required")
	}

	c.running = true
	c.startTime = time.Now()

	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	if err := c.wireCollaborators(); err != nil {
		c.rollbackStart(cancel)
		return err
	}

	js, err := c.natsClient.JetStream()
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("get jetstream: %w", err)
	}

	stream, err := js.Stream(subCtx, c.config.StreamName)
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("get stream %s: %w", c.config.StreamName, err)
	}

	c.lanes = []*lane{
		{
			queue:        task.QueueFast,
			subject:      task.SubjectFastTasks,
			consumerName: c.config.FastConsumerName,
			concurrency:  c.config.FastConcurrency,
			soft:         c.config.GetFastSoftTimeLimit(),
			hard:         c.config.GetFastHardTimeLimit(),
		},
		{
			queue:        task.QueueHeavy,
			subject:      task.SubjectHeavyTasks,
			consumerName: c.config.HeavyConsumerName,
			concurrency:  c.config.HeavyConcurrency,
			soft:         c.config.GetHeavySoftTimeLimit(),
			hard:         c.config.GetHeavyHardTimeLimit(),
		},
	}

	for _, ln := range c.lanes {
		ln.sem = make(chan struct{}, ln.concurrency)

		consumer, err := stream.CreateOrUpdateConsumer(subCtx, jetstream.ConsumerConfig{
			Durable:       ln.consumerName,
			FilterSubject: ln.subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       ln.hard + time.Minute,
			MaxDeliver:    3,
		})
		if err != nil {
			c.rollbackStart(cancel)
			return fmt.Errorf("create consumer %s: %w", ln.consumerName, err)
		}
		ln.consumer = consumer

		c.wg.Add(1)
		go c.consumeLane(subCtx, ln)
	}

	c.metrics.register()

	c.logger.Info("task-worker started",
		"stream", c.config.StreamName,
		"fast_concurrency", c.config.FastConcurrency,
		"heavy_concurrency", c.config.HeavyConcurrency)

	return nil
}

// wireCollaborators builds the NATS-backed collaborators not injected by
// tests.
func (c *Component) wireCollaborators() error {
	if c.persister == nil {
		store, err := task.NewResultStore(c.natsClient)
		if err != nil {
			return fmt.Errorf("create result store: %w", err)
		}
		c.persister = store
	}
	if c.cancels == nil {
		cancels, err := task.NewCancelStore(c.natsClient)
		if err != nil {
			return fmt.Errorf("create cancel store: %w", err)
		}
		c.cancels = cancels
	}
	if c.publish == nil || c.confirmer == nil {
		notifier, err := bus.NewNotifier(c.natsClient, c.config.GetConfirmationTimeout(), c.name, c.logger)
		if err != nil {
			return fmt.Errorf("create notifier: %w", err)
		}
		if c.publish == nil {
			c.publish = notifier.PublishProgress
		}
		if c.confirmer == nil {
			c.confirmer = notifier
		}
	}
	return nil
}

func (c *Component) rollbackStart(cancel context.CancelFunc) {
	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
	cancel()
}

// consumeLane pulls one message at a time and hands it to a bounded
// worker goroutine.
func (c *Component) consumeLane(ctx context.Context, ln *lane) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := ln.consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("Fetch timeout or error", "queue", ln.queue, "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			select {
			case ln.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}

			c.wg.Add(1)
			go func(msg jetstream.Msg) {
				defer c.wg.Done()
				defer func() { <-ln.sem }()
				c.handleMessage(ctx, ln, msg)
			}(msg)
		}

		if msgs.Error() != nil && msgs.Error() != context.DeadlineExceeded {
			c.logger.Warn("Message fetch error", "queue", ln.queue, "error", msgs.Error())
		}
	}
}

// handleMessage runs one submission to a terminal outcome and acks.
// Malformed submissions are terminal too; redelivery cannot fix them.
func (c *Component) handleMessage(ctx context.Context, ln *lane, msg jetstream.Msg) {
	c.updateLastActivity()

	req, err := task.ParseRequest(msg.Data())
	if err != nil {
		c.logger.Error("Failed to parse task request", "queue", ln.queue, "error", err)
		c.tasksFailed.Add(1)
		c.metrics.observe(ln.queue, string(task.StatusFailed), 0)
		if err := msg.Ack(); err != nil {
			c.logger.Warn("Failed to ACK message", "error", err)
		}
		return
	}

	start := time.Now()
	res := c.process(ctx, ln, req)

	c.recordOutcome(ln, res, time.Since(start))

	if err := msg.Ack(); err != nil {
		c.logger.Warn("Failed to ACK message",
			"task_id", req.TaskID,
			"error", err)
	}
}

func (c *Component) recordOutcome(ln *lane, res *task.StepResult, dur time.Duration) {
	c.tasksProcessed.Add(1)
	switch res.Status {
	case task.StatusCancelled:
		c.tasksCancelled.Add(1)
	case task.StatusTimedOut:
		c.tasksTimedOut.Add(1)
	case task.StatusFailed:
		c.tasksFailed.Add(1)
	}
	c.metrics.observe(ln.queue, string(res.Status), dur.Seconds())
}

// process executes one request under the lane's deadlines and cancel
// watch, then persists and publishes the terminal outcome.
func (c *Component) process(ctx context.Context, ln *lane, req *task.Request) *task.StepResult {
	tctx, err := req.TaskContextOrNew()
	if err != nil {
		res := task.NewFailedResult(stepName(req), task.CodeInvalidParams, err)
		c.emitTerminal(ctx, req, req.Step, res, c.persistTerminal(ctx, req, req.Step, res))
		return res
	}

	if c.cancels != nil {
		if cancelled, err := c.cancels.IsCancelled(ctx, req.TaskID); err != nil {
			c.logger.Warn("Cancel check failed", "task_id", req.TaskID, "error", err)
		} else if cancelled {
			res := task.NewFailedResult(stepName(req), task.CodeCancelled,
				fmt.Errorf("cancel requested before execution"))
			c.emitTerminal(ctx, req, req.Step, res, c.persistTerminal(ctx, req, req.Step, res))
			return res
		}
	}

	execCtx, cancelExec := context.WithCancel(ctx)
	defer cancelExec()

	var cancelRequested, softExpired atomic.Bool
	if c.cancels != nil {
		if err := c.cancels.Watch(execCtx, req.TaskID, func() {
			cancelRequested.Store(true)
			cancelExec()
		}); err != nil {
			c.logger.Warn("Cancel watch failed", "task_id", req.TaskID, "error", err)
		}
	}

	softTimer := time.AfterFunc(ln.soft, func() {
		softExpired.Store(true)
		cancelExec()
	})
	defer softTimer.Stop()

	c.emitRunning(ctx, req)

	rep := &stepReporter{base: req.Step}
	resCh := make(chan execOutcome, 1)
	go func() {
		resCh <- c.execute(execCtx, req, tctx, rep)
	}()

	out := c.awaitOutcome(execCtx, ln, req, resCh, &cancelRequested, cancelExec)
	res := out.res

	// A soft-deadline cancellation surfaces as CANCELLED from the context;
	// report it as the timeout it is unless the user actually asked.
	if res.Status == task.StatusCancelled && softExpired.Load() && !cancelRequested.Load() {
		res = task.NewFailedResult(res.Step, task.CodeTimeout,
			fmt.Errorf("soft time limit %s exceeded", ln.soft))
		out.reported = false
	}

	if out.reported {
		// The executor checkpointed and announced every step, the terminal
		// one included; a second terminal for its index would be a duplicate.
		return res
	}

	step := rep.nextIndex()
	c.emitTerminal(ctx, req, step, res, c.persistTerminal(ctx, req, step, res))
	return res
}

// execOutcome pairs an execution result with whether the step executor
// already persisted and announced it as a per-step terminal.
type execOutcome struct {
	res      *task.StepResult
	reported bool
}

// stepReporter tracks per-step announcements for one run so a
// worker-produced terminal lands on an index no step has claimed.
type stepReporter struct {
	base     int
	emitted  atomic.Int32
	detached atomic.Bool
}

// nextIndex detaches the reporter and returns the first step index that
// has not received a terminal event.
func (r *stepReporter) nextIndex() int {
	r.detached.Store(true)
	return r.base + int(r.emitted.Load())
}

// cancelGrace is how long a cancelled task may keep running before the
// worker records CANCELLED without it.
const cancelGrace = 2 * time.Second

// awaitOutcome waits for the execution result under the lane deadlines.
// A soft-deadline cancellation keeps waiting for a cooperative exit
// until the hard deadline; a user cancel gets only a short grace.
func (c *Component) awaitOutcome(execCtx context.Context, ln *lane, req *task.Request, resCh <-chan execOutcome, cancelRequested *atomic.Bool, cancelExec context.CancelFunc) execOutcome {
	hardTimer := time.NewTimer(ln.hard)
	defer hardTimer.Stop()

	select {
	case out := <-resCh:
		return out
	case <-hardTimer.C:
		cancelExec()
		return execOutcome{res: task.NewFailedResult(stepName(req), task.CodeTimeout,
			fmt.Errorf("hard time limit %s exceeded", ln.hard))}
	case <-execCtx.Done():
	}

	if cancelRequested.Load() {
		graceTimer := time.NewTimer(cancelGrace)
		defer graceTimer.Stop()
		select {
		case out := <-resCh:
			return out
		case <-graceTimer.C:
			return execOutcome{res: task.NewFailedResult(stepName(req), task.CodeCancelled,
				fmt.Errorf("cancel requested"))}
		}
	}

	select {
	case out := <-resCh:
		return out
	case <-hardTimer.C:
		return execOutcome{res: task.NewFailedResult(stepName(req), task.CodeTimeout,
			fmt.Errorf("hard time limit %s exceeded", ln.hard))}
	}
}

// execute runs either the step tree or the single service call. Every
// dispatch, tree step or not, carries the worker's retry budget.
func (c *Component) execute(ctx context.Context, req *task.Request, tctx *task.TaskContext, rep *stepReporter) execOutcome {
	d := &retryDispatcher{c: c, taskID: req.TaskID}

	if len(req.Steps) > 0 {
		persister := c.persister
		if persister == nil {
			persister = task.NopPersister{}
		}
		ex := dsl.NewExecutor(d, func(ex *dsl.Executor) {
			ex.Persister = offsetPersister{base: persister, offset: req.Step}
			ex.Confirmer = c.confirmer
			ex.Logger = c.logger
			ex.DefaultMode = req.Mode
			ex.DefaultService = req.Service
			ex.MaxParallel = c.config.MaxParallelSteps
			ex.Progress = func(ctx context.Context, tctx *task.TaskContext, stepIndex int, res *task.StepResult) {
				if rep.detached.Load() {
					return
				}
				rep.emitted.Add(1)
				c.publishEvent(ctx, bus.NewProgressEvent(tctx.UserID, tctx.TaskID, rep.base+stepIndex, res))
			}
		})

		_, last, err := ex.Run(ctx, tctx, req.Steps)
		if err != nil {
			return execOutcome{res: task.NewFailedResult(req.TaskName, task.CodeInvalidParams, err)}
		}
		return execOutcome{res: last, reported: true}
	}

	step := stepName(req)
	out, err := d.Dispatch(ctx, req.Mode, req.Service, req.TaskName, req.InputData, tctx)
	if err != nil {
		return execOutcome{res: task.NewFailedResult(step, task.Classify(err), err)}
	}
	return execOutcome{res: task.NewCompletedResult(step, out, "completed")}
}

// retryDispatcher re-invokes retryable failures within the worker's
// attempt budget, backing off between attempts.
type retryDispatcher struct {
	c      *Component
	taskID string
}

// Dispatch implements dsl.Dispatcher.
func (d *retryDispatcher) Dispatch(ctx context.Context, mode, service, method string, input json.RawMessage, tctx *task.TaskContext) (any, error) {
	c := d.c
	for attempt := 1; ; attempt++ {
		out, err := c.dispatcher.Dispatch(ctx, mode, service, method, input, tctx)
		if err == nil {
			return out, nil
		}

		code := task.Classify(err)
		if !code.Retryable() || attempt >= c.retry.MaxAttempts || ctx.Err() != nil {
			return nil, err
		}

		c.retriesTotal.Add(1)
		c.metrics.retried(code)
		backoff := c.retry.Backoff(attempt)
		c.logger.Info("Retrying task",
			"task_id", d.taskID,
			"step", service+"."+method,
			"attempt", attempt,
			"error_code", code,
			"backoff", backoff)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// offsetPersister shifts executor step indices to the submission's base
// step so resumed trees do not overwrite earlier checkpoints.
type offsetPersister struct {
	base   task.Persister
	offset int
}

// Persist implements task.Persister.
func (p offsetPersister) Persist(ctx context.Context, userID, taskID string, stepIndex int, res *task.StepResult) error {
	return p.base.Persist(ctx, userID, taskID, p.offset+stepIndex, res)
}

// persistTerminal checkpoints the outcome. Returns true when persistence
// degraded.
func (c *Component) persistTerminal(ctx context.Context, req *task.Request, step int, res *task.StepResult) bool {
	if c.persister == nil {
		return false
	}
	if err := c.persister.Persist(ctx, req.UserID, req.TaskID, step, res); err != nil {
		c.logger.Warn("Result persistence degraded",
			"task_id", req.TaskID,
			"step", step,
			"error", err)
		return true
	}
	return false
}

func (c *Component) emitRunning(ctx context.Context, req *task.Request) {
	c.publishEvent(ctx, &bus.Event{
		Type:      bus.EventProgress,
		UserID:    req.UserID,
		TaskID:    req.TaskID,
		Step:      req.Step,
		Status:    task.StatusRunning,
		Task:      stepName(req),
		Message:   "task started",
		Timestamp: time.Now().UnixMilli(),
	})
}

func (c *Component) emitTerminal(ctx context.Context, req *task.Request, step int, res *task.StepResult, degraded bool) {
	ev := bus.NewProgressEvent(req.UserID, req.TaskID, step, res)
	ev.PersistenceDegraded = degraded
	c.publishEvent(ctx, ev)
}

// publishEvent pushes one event; send failures never fail the task.
func (c *Component) publishEvent(ctx context.Context, ev *bus.Event) {
	if c.publish == nil {
		return
	}
	if err := c.publish(ctx, ev); err != nil {
		c.logger.Warn("Progress publish failed",
			"user_id", ev.UserID,
			"task_id", ev.TaskID,
			"error", err)
	}
}

func stepName(req *task.Request) string {
	if len(req.Steps) > 0 || req.Service == "" {
		return req.TaskName
	}
	return req.Service + "." + req.TaskName
}

// Stop gracefully stops the component, letting in-flight tasks finish
// within the drain window.
func (c *Component) Stop(timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}

	if c.cancel != nil {
		c.cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		c.logger.Warn("Drain window expired with tasks in flight")
	}

	c.running = false
	c.logger.Info("task-worker stopped",
		"tasks_processed", c.tasksProcessed.Load(),
		"tasks_failed", c.tasksFailed.Load(),
		"tasks_cancelled", c.tasksCancelled.Load(),
		"tasks_timed_out", c.tasksTimedOut.Load(),
		"retries", c.retriesTotal.Load())

	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "task-worker",
		Type:        "processor",
		Description: "Consumes task lanes, dispatches services and emits lifecycle events",
		Version:     "0.1.0",
	}
}

// InputPorts returns configured input port definitions.
func (c *Component) InputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}

	ports := make([]component.Port, len(c.config.Ports.Inputs))
	for i, portDef := range c.config.Ports.Inputs {
		ports[i] = component.Port{
			Name:        portDef.Name,
			Direction:   component.DirectionInput,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config: component.NATSPort{
				Subject: portDef.Subject,
			},
		}
	}
	return ports
}

// OutputPorts returns configured output port definitions.
func (c *Component) OutputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}

	ports := make([]component.Port, len(c.config.Ports.Outputs))
	for i, portDef := range c.config.Ports.Outputs {
		ports[i] = component.Port{
			Name:        portDef.Name,
			Direction:   component.DirectionOutput,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config: component.NATSPort{
				Subject: portDef.Subject,
			},
		}
	}
	return ports
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return taskWorkerSchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	c.mu.RLock()
	running := c.running
	startTime := c.startTime
	c.mu.RUnlock()

	status := "stopped"
	if running {
		status = "running"
	}

	return component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(c.tasksFailed.Load()),
		Uptime:     time.Since(startTime),
		Status:     status,
	}
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{
		MessagesPerSecond: 0,
		BytesPerSecond:    0,
		ErrorRate:         0,
		LastActivity:      c.getLastActivity(),
	}
}

// IsRunning returns whether the component is running.
func (c *Component) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

func (c *Component) updateLastActivity() {
	c.lastActivityMu.Lock()
	c.lastActivity = time.Now()
	c.lastActivityMu.Unlock()
}

func (c *Component) getLastActivity() time.Time {
	c.lastActivityMu.RLock()
	defer c.lastActivityMu.RUnlock()
	return c.lastActivity
}
