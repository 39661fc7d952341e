package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatherops/gather/pkg/core"
	"github.com/gatherops/gather/pkg/events"
	"github.com/gatherops/gather/pkg/models"
	"github.com/gatherops/gather/pkg/store"
)

type dispatcherFunc func(ctx context.Context, tool string, input map[string]any) (map[string]any, error)

func (f dispatcherFunc) Dispatch(ctx context.Context, tool string, input map[string]any) (map[string]any, error) {
	return f(ctx, tool, input)
}

var echoDispatcher = dispatcherFunc(func(ctx context.Context, tool string, input map[string]any) (map[string]any, error) {
	return map[string]any{"tool": tool}, nil
})

// scriptedSteps returns the given actions in order, then keeps returning
// the last one.
func scriptedSteps(actions ...*StepAction) StepFunc {
	var i int64
	return func(ctx context.Context, task *models.BackgroundTask, prior []models.TaskStep) (*StepAction, error) {
		n := atomic.AddInt64(&i, 1) - 1
		if int(n) >= len(actions) {
			n = int64(len(actions) - 1)
		}
		return actions[n], nil
	}
}

func resolveTo(fn StepFunc) RunnerResolver {
	return func(agentID int64) StepFunc { return fn }
}

func newTestExecutor(t *testing.T, fn StepFunc) (*Executor, *store.MemoryStore, *events.Bus) {
	t.Helper()
	st := store.NewMemoryStore()
	bus := events.NewBus()
	e := New(st, bus, echoDispatcher, resolveTo(fn), Options{
		StepBackoff:  time.Millisecond,
		RetryBackoff: time.Millisecond,
	})
	return e, st, bus
}

func waitForStatus(t *testing.T, st store.Store, taskID string, want models.BackgroundStatus) *models.BackgroundTask {
	t.Helper()
	var task *models.BackgroundTask
	require.Eventually(t, func() bool {
		var err error
		task, err = st.GetBackgroundTask(context.Background(), taskID)
		return err == nil && task.Status == want
	}, 5*time.Second, 5*time.Millisecond, "task never reached %s", want)
	return task
}

func TestTaskRunsToCompletion(t *testing.T) {
	e, st, bus := newTestExecutor(t, scriptedSteps(
		&StepAction{Kind: models.StepActionTool, Tool: "search", Input: map[string]any{"q": "go"}},
		&StepAction{Kind: models.StepActionMessage, Message: "found it"},
		&StepAction{Kind: models.StepActionTerminal, Result: "done"},
	))

	id, err := e.StartTask(context.Background(), &models.BackgroundTask{
		AgentID: 1, Goal: "research",
	})
	require.NoError(t, err)

	task := waitForStatus(t, st, id, models.BackgroundCompleted)
	assert.Equal(t, 3, task.CurrentStep)

	steps, err := st.ListTaskSteps(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, models.StepActionTool, steps[0].ActionKind)
	assert.Equal(t, "search", steps[0].Tool)
	assert.Contains(t, steps[0].Output, "search")
	assert.Equal(t, models.StepActionTerminal, steps[2].ActionKind)

	// Tool boundary forced a checkpoint.
	cp, err := st.GetCheckpoint(context.Background(), id)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, cp.Step, 1)

	assert.NotEmpty(t, bus.History(events.KindBackgroundStarted, 0))
	assert.NotEmpty(t, bus.History(events.KindBackgroundCompleted, 0))

	require.Eventually(t, func() bool { return e.LiveRunners() == 0 },
		time.Second, 5*time.Millisecond)
}

func TestMaxStepsFailsTask(t *testing.T) {
	e, st, bus := newTestExecutor(t, scriptedSteps(
		&StepAction{Kind: models.StepActionMessage, Message: "still going"},
	))

	id, err := e.StartTask(context.Background(), &models.BackgroundTask{
		AgentID: 1, Goal: "loop forever", MaxSteps: 3,
	})
	require.NoError(t, err)

	task := waitForStatus(t, st, id, models.BackgroundFailed)
	assert.Equal(t, 3, task.CurrentStep)
	assert.Contains(t, task.Error, "max steps")
	assert.NotEmpty(t, bus.History(events.KindEscalation, 0))
}

func TestWallClockTimeout(t *testing.T) {
	e, st, bus := newTestExecutor(t, scriptedSteps(
		&StepAction{Kind: models.StepActionMessage, Message: "tick"},
	))

	past := time.Now().Add(-time.Hour)
	id, err := e.StartTask(context.Background(), &models.BackgroundTask{
		AgentID: 1, Goal: "slow", TimeoutSeconds: 60, StartedAt: &past,
	})
	require.NoError(t, err)

	waitForStatus(t, st, id, models.BackgroundTimeout)
	assert.NotEmpty(t, bus.History(events.KindBackgroundTimeout, 0))
}

func TestStepRetriesOnceThenFails(t *testing.T) {
	var calls int64
	fn := func(ctx context.Context, task *models.BackgroundTask, prior []models.TaskStep) (*StepAction, error) {
		atomic.AddInt64(&calls, 1)
		return nil, errors.New("step exploded")
	}
	e, st, bus := newTestExecutor(t, fn)

	id, err := e.StartTask(context.Background(), &models.BackgroundTask{AgentID: 1, Goal: "fragile"})
	require.NoError(t, err)

	task := waitForStatus(t, st, id, models.BackgroundFailed)
	assert.Equal(t, int64(2), atomic.LoadInt64(&calls), "one in-place retry")
	assert.Contains(t, task.Error, "step exploded")
	assert.NotEmpty(t, bus.History(events.KindEscalation, 0))

	// The failure record takes the next step number, not a duplicate of
	// the last successful step.
	steps, err := st.ListTaskSteps(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, 1, steps[0].Number)
	assert.False(t, steps[0].Success)
}

func TestStepRetrySucceeds(t *testing.T) {
	var calls int64
	fn := func(ctx context.Context, task *models.BackgroundTask, prior []models.TaskStep) (*StepAction, error) {
		if atomic.AddInt64(&calls, 1) == 1 {
			return nil, errors.New("transient")
		}
		return &StepAction{Kind: models.StepActionTerminal, Result: "recovered"}, nil
	}
	e, st, _ := newTestExecutor(t, fn)

	id, err := e.StartTask(context.Background(), &models.BackgroundTask{AgentID: 1, Goal: "flaky"})
	require.NoError(t, err)
	waitForStatus(t, st, id, models.BackgroundCompleted)
}

func TestPauseAndResumePreserveProgress(t *testing.T) {
	release := make(chan struct{})
	var step int64
	fn := func(ctx context.Context, task *models.BackgroundTask, prior []models.TaskStep) (*StepAction, error) {
		if atomic.AddInt64(&step, 1) > 2 {
			<-release
		}
		return &StepAction{Kind: models.StepActionMessage, Message: "work"}, nil
	}
	e, st, bus := newTestExecutor(t, fn)

	id, err := e.StartTask(context.Background(), &models.BackgroundTask{
		AgentID: 1, Goal: "pausable", CheckpointInterval: 1, MaxSteps: 100000,
	})
	require.NoError(t, err)

	// Let a couple of steps land, then pause.
	require.Eventually(t, func() bool {
		task, err := st.GetBackgroundTask(context.Background(), id)
		return err == nil && task.CurrentStep >= 2
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, e.Pause(context.Background(), id))
	close(release)
	waitForStatus(t, st, id, models.BackgroundPaused)
	require.Eventually(t, func() bool { return e.LiveRunners() == 0 },
		time.Second, 5*time.Millisecond)

	paused, err := st.GetBackgroundTask(context.Background(), id)
	require.NoError(t, err)
	stepBefore := paused.CurrentStep

	// Pause is re-entrant safe.
	require.NoError(t, e.Pause(context.Background(), id))

	require.NoError(t, e.Resume(context.Background(), id))
	resumed, err := st.GetBackgroundTask(context.Background(), id)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, resumed.CurrentStep, stepBefore, "resume preserves progress")
	assert.NotEmpty(t, bus.History(events.KindBackgroundResumed, 0))

	require.NoError(t, e.Cancel(context.Background(), id, "test over"))
	waitForStatus(t, st, id, models.BackgroundCancelled)
}

func TestPauseSurvivesInFlightStep(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	fn := func(ctx context.Context, task *models.BackgroundTask, prior []models.TaskStep) (*StepAction, error) {
		once.Do(func() { close(entered) })
		<-release
		return &StepAction{Kind: models.StepActionMessage, Message: "work"}, nil
	}
	e, st, _ := newTestExecutor(t, fn)

	id, err := e.StartTask(context.Background(), &models.BackgroundTask{
		AgentID: 1, Goal: "suspendable", MaxSteps: 100000,
	})
	require.NoError(t, err)

	// Pause lands while the step callback is still in flight.
	<-entered
	require.NoError(t, e.Pause(context.Background(), id))
	close(release)

	require.Eventually(t, func() bool { return e.LiveRunners() == 0 },
		5*time.Second, 5*time.Millisecond)

	// The runner recorded the in-flight step's progress but yielded at
	// the boundary without writing status back to running.
	task, err := st.GetBackgroundTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.BackgroundPaused, task.Status)
	assert.Equal(t, 1, task.CurrentStep)
}

func TestPauseNonRunningIsInvalidState(t *testing.T) {
	e, st, _ := newTestExecutor(t, scriptedSteps(
		&StepAction{Kind: models.StepActionTerminal, Result: "done"},
	))
	id, err := e.StartTask(context.Background(), &models.BackgroundTask{AgentID: 1, Goal: "quick"})
	require.NoError(t, err)
	waitForStatus(t, st, id, models.BackgroundCompleted)

	err = e.Pause(context.Background(), id)
	assert.True(t, core.IsInvalidState(err))
}

func TestCancelObservedAtBoundary(t *testing.T) {
	e, st, bus := newTestExecutor(t, scriptedSteps(
		&StepAction{Kind: models.StepActionMessage, Message: "work"},
	))
	id, err := e.StartTask(context.Background(), &models.BackgroundTask{AgentID: 1, Goal: "cancellable"})
	require.NoError(t, err)

	require.NoError(t, e.Cancel(context.Background(), id, "operator request"))
	task := waitForStatus(t, st, id, models.BackgroundCancelled)
	assert.Equal(t, "operator request", task.Error)
	require.Eventually(t, func() bool { return e.LiveRunners() == 0 },
		time.Second, 5*time.Millisecond)
	assert.NotEmpty(t, bus.History(events.KindBackgroundCancelled, 0))
}

func TestRecoverTasksMarksOrphansPaused(t *testing.T) {
	e, st, _ := newTestExecutor(t, scriptedSteps(
		&StepAction{Kind: models.StepActionMessage, Message: "work"},
	))
	ctx := context.Background()

	// A task left running by a previous process, with no live runner.
	orphan := &models.BackgroundTask{
		ID: "42", AgentID: 1, Goal: "orphaned",
		Status: models.BackgroundRunning, CurrentStep: 7, MaxSteps: 25,
	}
	require.NoError(t, st.CreateBackgroundTask(ctx, orphan))
	require.NoError(t, st.SaveCheckpoint(ctx, &models.Checkpoint{
		TaskID: "42", Step: 7, Context: map[string]any{"notes": "so far"},
	}))

	count, err := e.RecoverTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	task, err := st.GetBackgroundTask(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, models.BackgroundPaused, task.Status)
	assert.Contains(t, task.Error, "recovered")
	assert.Equal(t, 7, task.CurrentStep)

	// Resume restores the checkpointed context and keeps the counter.
	require.NoError(t, e.Resume(ctx, "42"))
	resumed, err := st.GetBackgroundTask(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, 7, resumed.CurrentStep)

	require.NoError(t, e.Cancel(ctx, "42", "cleanup"))
	waitForStatus(t, st, "42", models.BackgroundCancelled)
}

func TestShutdownDrainsAndRefusesNewStarts(t *testing.T) {
	e, st, _ := newTestExecutor(t, scriptedSteps(
		&StepAction{Kind: models.StepActionMessage, Message: "work"},
	))
	ctx := context.Background()

	id, err := e.StartTask(ctx, &models.BackgroundTask{AgentID: 1, Goal: "long"})
	require.NoError(t, err)
	waitForStatus(t, st, id, models.BackgroundRunning)

	e.Shutdown(2 * time.Second)

	_, err = e.StartTask(ctx, &models.BackgroundTask{AgentID: 1, Goal: "late"})
	assert.True(t, core.IsKind(err, core.KindCapacity))

	task, err := st.GetBackgroundTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.BackgroundPaused, task.Status)
	assert.Equal(t, 0, e.LiveRunners())
}

func TestAgentWithoutStepHandlerFails(t *testing.T) {
	st := store.NewMemoryStore()
	e := New(st, events.NewBus(), echoDispatcher,
		func(agentID int64) StepFunc { return nil }, Options{})

	id, err := e.StartTask(context.Background(), &models.BackgroundTask{AgentID: 9, Goal: "doomed"})
	require.NoError(t, err)
	task := waitForStatus(t, st, id, models.BackgroundFailed)
	assert.Contains(t, task.Error, "no background step handler")
}
