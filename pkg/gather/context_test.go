package gather

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatherops/gather/pkg/circle"
	"github.com/gatherops/gather/pkg/config"
	"github.com/gatherops/gather/pkg/core"
	"github.com/gatherops/gather/pkg/events"
	"github.com/gatherops/gather/pkg/executor"
	"github.com/gatherops/gather/pkg/models"
)

func newTestContext(t *testing.T) *Context {
	t.Helper()
	resolver := func(int64) executor.StepFunc {
		return func(context.Context, *models.BackgroundTask, []models.TaskStep) (*executor.StepAction, error) {
			return &executor.StepAction{Kind: models.StepActionTerminal, Result: "done"}, nil
		}
	}
	c := New(config.Default(), Options{Resolver: resolver})
	t.Cleanup(func() { c.Shutdown(context.Background(), time.Second) })
	return c
}

func TestCircleRegistry(t *testing.T) {
	c := newTestContext(t)

	circ, err := c.CreateCircle("platform", circle.Options{})
	require.NoError(t, err)
	assert.Equal(t, circle.StatusRunning, circ.Status())

	_, err = c.CreateCircle("platform", circle.Options{})
	assert.True(t, core.IsConflict(err))

	got, err := c.Circle("platform")
	require.NoError(t, err)
	assert.Same(t, circ, got)

	_, err = c.Circle("nowhere")
	assert.True(t, core.IsNotFound(err))

	require.NoError(t, c.RemoveCircle(context.Background(), "platform"))
	_, err = c.Circle("platform")
	assert.True(t, core.IsNotFound(err))
}

func TestCreateCircleAppliesConfigDefaults(t *testing.T) {
	cfg := config.Default()
	noReview := false
	cfg.Circle.RequireReview = &noReview
	c := New(cfg, Options{})
	t.Cleanup(func() { c.Shutdown(context.Background(), time.Second) })

	circ, err := c.CreateCircle("review-free", circle.Options{})
	require.NoError(t, err)

	// With review disabled, a submitted task completes directly.
	worker, err := circ.AddAgent(&models.Agent{Name: "worker", Competencies: []string{"go"}})
	require.NoError(t, err)
	taskID, err := circ.CreateTask("t", "d", []string{"go"}, 3)
	require.NoError(t, err)
	claimed, err := circ.ClaimTask(taskID, worker)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, circ.SubmitTask(taskID, worker, "result", nil))

	task, err := circ.Task(taskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, task.Status)
}

func TestEventTriggeredActionFiresFromBus(t *testing.T) {
	c := newTestContext(t)
	ctx := context.Background()

	action := &models.ScheduledAction{
		AgentID:      1,
		Name:         "on-task-completed",
		Goal:         "follow up",
		ScheduleType: models.ScheduleEvent,
		EventTrigger: string(events.KindTaskCompleted),
		Status:       models.ActionActive,
	}
	require.NoError(t, c.Scheduler.UpsertAction(ctx, action))

	c.Bus.Publish(events.New(events.KindTaskCompleted, map[string]any{"task_id": int64(9)}))

	require.Eventually(t, func() bool {
		runs, err := c.Store.ListRunsForAction(ctx, action.ID, 10)
		return err == nil && len(runs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	runs, err := c.Store.ListRunsForAction(ctx, action.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, models.TriggerEvent, runs[0].TriggeredBy)

	// The bus payload rode along into the task's goal context.
	task, err := c.Store.GetBackgroundTask(ctx, runs[0].BackgroundTaskID)
	require.NoError(t, err)
	assert.Equal(t, int64(9), task.GoalContext["task_id"])
}

func TestStartRecoversOrphanedTasks(t *testing.T) {
	c := newTestContext(t)
	ctx := context.Background()

	require.NoError(t, c.Store.CreateBackgroundTask(ctx, &models.BackgroundTask{
		ID:          "orphan",
		AgentID:     1,
		Goal:        "left behind",
		MaxSteps:    10,
		Status:      models.BackgroundRunning,
		CurrentStep: 3,
	}))

	require.NoError(t, c.Start(ctx))

	task, err := c.Store.GetBackgroundTask(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, models.BackgroundPaused, task.Status)
	assert.Equal(t, 3, task.CurrentStep)
}
