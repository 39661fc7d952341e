// Package executor runs step-bounded autonomous goal loops. Each
// background task gets one runner; runners share a bounded pool and
// observe pause, cancel, and shutdown only at step boundaries. The store
// is the source of truth for task status — runners refresh durable state
// every iteration and honor whatever they find there.
package executor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/gatherops/gather/pkg/core"
	"github.com/gatherops/gather/pkg/events"
	"github.com/gatherops/gather/pkg/models"
	"github.com/gatherops/gather/pkg/store"
)

// Defaults for executor options.
const (
	DefaultPoolSize     = 8
	DefaultStepBackoff  = 100 * time.Millisecond
	DefaultRetryBackoff = 500 * time.Millisecond
)

// SkillDispatcher executes tool calls on behalf of runners. The registry
// behind it is external; the core invokes it only at tool-call boundaries
// and persists both input and output.
type SkillDispatcher interface {
	Dispatch(ctx context.Context, tool string, input map[string]any) (map[string]any, error)
}

// StepAction is what an agent's step function decides to do next.
type StepAction struct {
	Kind    models.StepActionKind
	Tool    string         // tool_call
	Input   map[string]any // tool_call
	Message string         // message
	Result  string         // result: terminal output, completes the task
}

// StepFunc produces the next action for a task given its prior steps.
type StepFunc func(ctx context.Context, task *models.BackgroundTask, priorSteps []models.TaskStep) (*StepAction, error)

// RunnerResolver maps an agent id to its step function. A nil return
// means the agent cannot execute background goals.
type RunnerResolver func(agentID int64) StepFunc

// Options configure an executor. Zero values select the defaults.
type Options struct {
	PoolSize     int
	StepBackoff  time.Duration
	RetryBackoff time.Duration
}

// Executor owns the live runners. All runner bookkeeping is single-writer
// through the executor's mutex; the pool semaphore bounds concurrency.
type Executor struct {
	store      store.Store
	bus        *events.Bus
	dispatcher SkillDispatcher
	resolve    RunnerResolver

	pool         *semaphore.Weighted
	stepBackoff  time.Duration
	retryBackoff time.Duration

	mu       sync.Mutex
	runners  map[string]context.CancelFunc
	draining bool
	wg       sync.WaitGroup

	logger *slog.Logger
}

// New creates an executor.
func New(st store.Store, bus *events.Bus, dispatcher SkillDispatcher, resolve RunnerResolver, opts Options) *Executor {
	if opts.PoolSize <= 0 {
		opts.PoolSize = DefaultPoolSize
	}
	if opts.StepBackoff <= 0 {
		opts.StepBackoff = DefaultStepBackoff
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	return &Executor{
		store:        st,
		bus:          bus,
		dispatcher:   dispatcher,
		resolve:      resolve,
		pool:         semaphore.NewWeighted(int64(opts.PoolSize)),
		stepBackoff:  opts.StepBackoff,
		retryBackoff: opts.RetryBackoff,
		runners:      make(map[string]context.CancelFunc),
		logger:       slog.Default().With("component", "executor"),
	}
}

// StartTask persists the task and spawns its runner. Defaults are applied
// to zero-valued limits. Returns the task id.
func (e *Executor) StartTask(ctx context.Context, task *models.BackgroundTask) (string, error) {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return "", core.Errorf(core.KindCapacity, "executor is draining, not accepting tasks")
	}
	e.mu.Unlock()

	if task.Goal == "" {
		return "", core.Errorf(core.KindBadInput, "background task goal is required")
	}
	if task.MaxSteps <= 0 {
		task.MaxSteps = models.DefaultMaxSteps
	}
	if task.CheckpointInterval <= 0 {
		task.CheckpointInterval = models.DefaultCheckpointInterval
	}
	if task.TimeoutSeconds <= 0 {
		task.TimeoutSeconds = models.DefaultTimeoutSeconds
	}
	task.Status = models.BackgroundPending

	if err := e.store.CreateBackgroundTask(ctx, task); err != nil {
		return "", err
	}
	if err := e.casWithRetry(ctx, task.ID, models.BackgroundPending, models.BackgroundRunning, ""); err != nil {
		return "", err
	}

	e.spawnRunner(task.ID, task.AgentID)
	e.publish(events.New(events.KindBackgroundStarted, map[string]any{
		"task_id":  task.ID,
		"agent_id": task.AgentID,
		"goal":     task.Goal,
	}, events.BackgroundTopic(task.ID)))
	return task.ID, nil
}

// spawnRunner registers a cancel handle and launches the loop. The pool
// slot is acquired inside the goroutine so StartTask never blocks.
func (e *Executor) spawnRunner(taskID string, agentID int64) {
	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.runners[taskID] = cancel
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.runners, taskID)
			e.mu.Unlock()
			cancel()
		}()

		if err := e.pool.Acquire(runCtx, 1); err != nil {
			// Force-cancelled while waiting for a slot.
			e.persistInterrupted(taskID, "cancelled while queued")
			return
		}
		defer e.pool.Release(1)

		r := &runner{exec: e, taskID: taskID, agentID: agentID,
			logger: e.logger.With("task_id", taskID)}
		r.loop(runCtx)
	}()
}

// Pause sets the durable status to paused; the runner observes it at the
// next boundary and yields. Pause of a non-running task is InvalidState.
func (e *Executor) Pause(ctx context.Context, taskID string) error {
	err := e.casWithRetry(ctx, taskID, models.BackgroundRunning, models.BackgroundPaused, "")
	if core.IsConflict(err) {
		task, getErr := e.store.GetBackgroundTask(ctx, taskID)
		if getErr == nil && task.Status == models.BackgroundPaused {
			return nil // pause is re-entrant safe
		}
		return core.Errorf(core.KindInvalidState, "task %s is not running", taskID)
	}
	if err != nil {
		return err
	}
	e.publish(events.New(events.KindBackgroundPaused, map[string]any{
		"task_id": taskID,
	}, events.BackgroundTopic(taskID)))
	return nil
}

// Resume restores the last checkpoint, sets the task running, and spawns
// a fresh runner if none is live.
func (e *Executor) Resume(ctx context.Context, taskID string) error {
	task, err := e.store.GetBackgroundTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != models.BackgroundPaused {
		return core.Errorf(core.KindInvalidState, "task %s is %s, cannot resume", taskID, task.Status)
	}

	if cp, err := e.store.GetCheckpoint(ctx, taskID); err == nil {
		task.GoalContext = cp.Context
		if err := e.store.UpdateTaskProgress(ctx, taskID, task.CurrentStep, cp.Context); err != nil {
			return err
		}
	} else if !core.IsNotFound(err) {
		return err
	}

	if err := e.casWithRetry(ctx, taskID, models.BackgroundPaused, models.BackgroundRunning, ""); err != nil {
		return err
	}

	e.mu.Lock()
	_, live := e.runners[taskID]
	e.mu.Unlock()
	if !live {
		e.spawnRunner(taskID, task.AgentID)
	}
	e.publish(events.New(events.KindBackgroundResumed, map[string]any{
		"task_id":      taskID,
		"current_step": task.CurrentStep,
	}, events.BackgroundTopic(taskID)))
	return nil
}

// Cancel sets the durable status to cancelled; a live runner terminates
// cleanly at the next boundary.
func (e *Executor) Cancel(ctx context.Context, taskID, reason string) error {
	task, err := e.store.GetBackgroundTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return core.Errorf(core.KindInvalidState, "task %s is already %s", taskID, task.Status)
	}
	if err := e.casWithRetry(ctx, taskID, task.Status, models.BackgroundCancelled, reason); err != nil {
		return err
	}
	e.publish(events.New(events.KindBackgroundCancelled, map[string]any{
		"task_id": taskID,
		"reason":  reason,
	}, events.BackgroundTopic(taskID)))
	return nil
}

// RecoverTasks marks running tasks with no live runner as paused with a
// recovery note and returns how many were recovered. Called on startup;
// recovered tasks are resumed explicitly by humans or the scheduler.
func (e *Executor) RecoverTasks(ctx context.Context) (int, error) {
	running, err := e.store.ListRunningTasks(ctx)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, task := range running {
		e.mu.Lock()
		_, live := e.runners[task.ID]
		e.mu.Unlock()
		if live {
			continue
		}
		if err := e.casWithRetry(ctx, task.ID, models.BackgroundRunning, models.BackgroundPaused,
			"recovered: runner lost, paused on startup"); err != nil {
			e.logger.Warn("Failed to recover task", "task_id", task.ID, "error", err)
			continue
		}
		recovered++
		e.logger.Info("Recovered orphaned task", "task_id", task.ID)
	}
	return recovered, nil
}

// Shutdown refuses new starts, signals runners to pause at their next
// boundary, waits up to timeout, and force-cancels stragglers. Their
// tasks are persisted as paused with a recovery note.
func (e *Executor) Shutdown(timeout time.Duration) {
	e.mu.Lock()
	e.draining = true
	taskIDs := make([]string, 0, len(e.runners))
	for id := range e.runners {
		taskIDs = append(taskIDs, id)
	}
	e.mu.Unlock()

	ctx := context.Background()
	for _, id := range taskIDs {
		if err := e.casWithRetry(ctx, id, models.BackgroundRunning, models.BackgroundPaused,
			"paused for shutdown"); err != nil && !core.IsConflict(err) && !core.IsNotFound(err) {
			e.logger.Warn("Failed to pause task for shutdown", "task_id", id, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info("Executor drained cleanly")
	case <-time.After(timeout):
		e.mu.Lock()
		for id, cancel := range e.runners {
			e.logger.Warn("Force-cancelling straggler runner", "task_id", id)
			cancel()
		}
		e.mu.Unlock()
		e.wg.Wait()
	}
}

// LiveRunners returns the number of live runners.
func (e *Executor) LiveRunners() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runners)
}

// casWithRetry performs a status CAS, retrying once on a Conflict that
// turns out to be stale-read noise (current status equals from on
// re-read).
func (e *Executor) casWithRetry(ctx context.Context, taskID string, from, to models.BackgroundStatus, note string) error {
	err := e.store.CompareAndSetTaskStatus(ctx, taskID, from, to, note)
	if !core.IsConflict(err) {
		return err
	}
	task, getErr := e.store.GetBackgroundTask(ctx, taskID)
	if getErr != nil || task.Status != from {
		return err
	}
	return e.store.CompareAndSetTaskStatus(ctx, taskID, from, to, note)
}

// persistInterrupted records a forced stop for a runner that never got to
// run its loop.
func (e *Executor) persistInterrupted(taskID, note string) {
	ctx := context.Background()
	if err := e.casWithRetry(ctx, taskID, models.BackgroundRunning, models.BackgroundPaused, note); err != nil &&
		!core.IsConflict(err) && !core.IsNotFound(err) {
		e.logger.Warn("Failed to persist interrupted task", "task_id", taskID, "error", err)
	}
}

func (e *Executor) publish(ev events.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}
