package sched

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatherops/gather/pkg/core"
	"github.com/gatherops/gather/pkg/events"
	"github.com/gatherops/gather/pkg/models"
	"github.com/gatherops/gather/pkg/store"
)

// stubLauncher stands in for the executor: it persists launched tasks as
// running and lets tests drive them to a terminal state.
type stubLauncher struct {
	st store.Store

	mu      sync.Mutex
	started []*models.BackgroundTask
	failErr error
}

func (l *stubLauncher) StartTask(ctx context.Context, task *models.BackgroundTask) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failErr != nil {
		return "", l.failErr
	}
	task.Status = models.BackgroundRunning
	if err := l.st.CreateBackgroundTask(ctx, task); err != nil {
		return "", err
	}
	l.started = append(l.started, task)
	return task.ID, nil
}

func (l *stubLauncher) startedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.started)
}

func (l *stubLauncher) lastTask() *models.BackgroundTask {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.started) == 0 {
		return nil
	}
	return l.started[len(l.started)-1]
}

func newTestScheduler(t *testing.T) (*Scheduler, *stubLauncher, *store.MemoryStore, *events.Bus) {
	t.Helper()
	st := store.NewMemoryStore()
	bus := events.NewBus()
	launcher := &stubLauncher{st: st}
	s := New(st, bus, launcher, time.Hour) // ticks driven manually
	return s, launcher, st, bus
}

func pastTime() *time.Time {
	past := time.Now().Add(-time.Minute)
	return &past
}

func intervalAction(name string) *models.ScheduledAction {
	return &models.ScheduledAction{
		Name:            name,
		AgentID:         1,
		Goal:            "run " + name,
		ScheduleType:    models.ScheduleInterval,
		IntervalSeconds: 60,
		NextRunAt:       pastTime(),
	}
}

func finishTask(t *testing.T, st store.Store, taskID string, to models.BackgroundStatus, note string) {
	t.Helper()
	require.NoError(t, st.CompareAndSetTaskStatus(context.Background(),
		taskID, models.BackgroundRunning, to, note))
}

func TestUpsertActionValidation(t *testing.T) {
	s, _, _, _ := newTestScheduler(t)
	ctx := context.Background()

	cases := []*models.ScheduledAction{
		{Goal: "g", ScheduleType: models.ScheduleCron, CronExpression: "* * * * *"},          // no name
		{Name: "n", ScheduleType: models.ScheduleCron, CronExpression: "* * * * *"},          // no goal
		{Name: "n", Goal: "g", ScheduleType: models.ScheduleCron},                            // no expression
		{Name: "n", Goal: "g", ScheduleType: models.ScheduleCron, CronExpression: "bad"},     // malformed
		{Name: "n", Goal: "g", ScheduleType: models.ScheduleInterval},                        // no interval
		{Name: "n", Goal: "g", ScheduleType: models.ScheduleOnce},                            // no next_run_at
		{Name: "n", Goal: "g", ScheduleType: models.ScheduleEvent},                           // no trigger
		{Name: "n", Goal: "g", ScheduleType: models.ScheduleType("hourly")},                  // unknown type
		{Name: "n", Goal: "g", ScheduleType: models.ScheduleCron, CronExpression: "* * * * *", IntervalSeconds: 5}, // two descriptors
	}
	for i, action := range cases {
		err := s.UpsertAction(ctx, action)
		assert.True(t, core.IsKind(err, core.KindBadInput), "case %d", i)
	}

	require.NoError(t, s.UpsertAction(ctx, &models.ScheduledAction{
		Name: "ok", Goal: "g", ScheduleType: models.ScheduleCron, CronExpression: "0 9 * * MON-FRI",
	}))
}

func TestUpsertComputesInitialNextRun(t *testing.T) {
	s, _, st, _ := newTestScheduler(t)
	ctx := context.Background()

	action := &models.ScheduledAction{
		Name: "digest", Goal: "daily digest",
		ScheduleType: models.ScheduleInterval, IntervalSeconds: 60,
	}
	require.NoError(t, s.UpsertAction(ctx, action))
	require.NotNil(t, action.NextRunAt)
	assert.True(t, action.NextRunAt.After(time.Now()))

	stored, err := st.GetAction(ctx, action.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.NextRunAt)
}

func TestTickFiresDueAction(t *testing.T) {
	s, launcher, st, bus := newTestScheduler(t)
	ctx := context.Background()

	action := intervalAction("due")
	require.NoError(t, s.UpsertAction(ctx, action))

	s.Tick(ctx)

	require.Equal(t, 1, launcher.startedCount())
	task := launcher.lastTask()
	assert.Equal(t, "run due", task.Goal)
	assert.Equal(t, action.ID, task.GoalContext["action_id"])

	runs, err := st.ListRunsForAction(ctx, action.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.TriggerScheduler, runs[0].TriggeredBy)
	assert.Equal(t, models.RunRunning, runs[0].Status)

	// next_run_at advanced past now; execution_count waits for completion.
	stored, err := st.GetAction(ctx, action.ID)
	require.NoError(t, err)
	assert.True(t, stored.NextRunAt.After(time.Now()))
	assert.Equal(t, 0, stored.ExecutionCount)

	assert.Len(t, bus.History(events.KindScheduleFired, 0), 1)
}

func TestRunFinalizationUpdatesCounters(t *testing.T) {
	s, launcher, st, _ := newTestScheduler(t)
	ctx := context.Background()

	action := intervalAction("countme")
	require.NoError(t, s.UpsertAction(ctx, action))
	s.Tick(ctx)
	require.Equal(t, 1, launcher.startedCount())

	finishTask(t, st, launcher.lastTask().ID, models.BackgroundCompleted, "")
	s.Tick(ctx)

	stored, err := st.GetAction(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.ExecutionCount)
	assert.NotNil(t, stored.LastRunAt)
	assert.Equal(t, string(models.RunCompleted), stored.LastRunStatus)

	runs, _ := st.ListRunsForAction(ctx, action.ID, 10)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunCompleted, runs[0].Status)
	assert.NotNil(t, runs[0].CompletedAt)
}

func TestConcurrencyPolicySkipsWhileInFlight(t *testing.T) {
	s, launcher, st, bus := newTestScheduler(t)
	ctx := context.Background()

	action := intervalAction("serial")
	require.NoError(t, s.UpsertAction(ctx, action))
	s.Tick(ctx)
	require.Equal(t, 1, launcher.startedCount())

	// Make it due again while the first run is still in flight.
	stored, err := st.GetAction(ctx, action.ID)
	require.NoError(t, err)
	stored.NextRunAt = pastTime()
	require.NoError(t, st.UpsertAction(ctx, stored))

	s.Tick(ctx)

	assert.Equal(t, 1, launcher.startedCount(), "no new run while in flight")
	stored, _ = st.GetAction(ctx, action.ID)
	assert.Equal(t, 0, stored.ExecutionCount)
	assert.NotEmpty(t, bus.History(events.KindScheduleSkipped, 0))

	runs, _ := st.ListRunsForAction(ctx, action.ID, 10)
	assert.Len(t, runs, 1)
}

func TestAllowConcurrentFiresAnyway(t *testing.T) {
	s, launcher, st, _ := newTestScheduler(t)
	ctx := context.Background()

	action := intervalAction("parallel")
	action.AllowConcurrent = true
	require.NoError(t, s.UpsertAction(ctx, action))
	s.Tick(ctx)

	stored, err := st.GetAction(ctx, action.ID)
	require.NoError(t, err)
	stored.NextRunAt = pastTime()
	require.NoError(t, st.UpsertAction(ctx, stored))
	s.Tick(ctx)

	assert.Equal(t, 2, launcher.startedCount())
}

func TestOnceActionCompletesAfterSuccess(t *testing.T) {
	s, launcher, st, _ := newTestScheduler(t)
	ctx := context.Background()

	action := &models.ScheduledAction{
		Name: "one-shot", AgentID: 1, Goal: "single run",
		ScheduleType: models.ScheduleOnce, NextRunAt: pastTime(),
	}
	require.NoError(t, s.UpsertAction(ctx, action))
	s.Tick(ctx)
	require.Equal(t, 1, launcher.startedCount())

	finishTask(t, st, launcher.lastTask().ID, models.BackgroundCompleted, "")
	s.Tick(ctx)

	stored, err := st.GetAction(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionCompleted, stored.Status)
	assert.Nil(t, stored.NextRunAt)
}

func TestMaxExecutionsCompletesAction(t *testing.T) {
	s, launcher, st, _ := newTestScheduler(t)
	ctx := context.Background()

	one := 1
	action := intervalAction("bounded")
	action.MaxExecutions = &one
	require.NoError(t, s.UpsertAction(ctx, action))

	s.Tick(ctx)
	require.Equal(t, 1, launcher.startedCount())
	finishTask(t, st, launcher.lastTask().ID, models.BackgroundCompleted, "")
	s.Tick(ctx)

	stored, err := st.GetAction(ctx, action.ID)
	require.NoError(t, err)
	stored.NextRunAt = pastTime()
	require.NoError(t, st.UpsertAction(ctx, stored))
	s.Tick(ctx)

	assert.Equal(t, 1, launcher.startedCount(), "budget spent, no more runs")
	stored, _ = st.GetAction(ctx, action.ID)
	assert.Equal(t, models.ActionCompleted, stored.Status)
}

func TestEndDateExpiresAction(t *testing.T) {
	s, launcher, st, _ := newTestScheduler(t)
	ctx := context.Background()

	ended := time.Now().Add(-time.Hour)
	action := intervalAction("expired")
	action.EndDate = &ended
	require.NoError(t, s.UpsertAction(ctx, action))

	s.Tick(ctx)

	assert.Equal(t, 0, launcher.startedCount())
	stored, err := st.GetAction(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionCompleted, stored.Status)
}

func TestRetryOnFailure(t *testing.T) {
	s, launcher, st, _ := newTestScheduler(t)
	ctx := context.Background()

	action := intervalAction("flaky")
	action.RetryOnFailure = true
	action.MaxRetries = 2
	action.RetryDelaySeconds = 0
	require.NoError(t, s.UpsertAction(ctx, action))

	s.Tick(ctx)
	require.Equal(t, 1, launcher.startedCount())
	finishTask(t, st, launcher.lastTask().ID, models.BackgroundFailed, "boom")

	// Finalize arms the retry; the same tick's due pass would fire it next
	// time around.
	s.Tick(ctx)
	s.Tick(ctx)

	require.Equal(t, 2, launcher.startedCount())
	runs, err := st.ListRunsForAction(ctx, action.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, models.TriggerRetry, runs[0].TriggeredBy)
	assert.Equal(t, 1, runs[0].RetryCount)
}

func TestPausedActionIsNotRetried(t *testing.T) {
	s, launcher, st, _ := newTestScheduler(t)
	ctx := context.Background()

	action := intervalAction("paused-flaky")
	action.RetryOnFailure = true
	action.MaxRetries = 2
	require.NoError(t, s.UpsertAction(ctx, action))

	s.Tick(ctx)
	require.Equal(t, 1, launcher.startedCount())
	finishTask(t, st, launcher.lastTask().ID, models.BackgroundFailed, "boom")

	require.NoError(t, s.PauseAction(ctx, action.ID))
	s.Tick(ctx)
	s.Tick(ctx)

	assert.Equal(t, 1, launcher.startedCount(), "paused actions are not retried")
}

func TestFailedStartRecordsFailedRun(t *testing.T) {
	s, launcher, st, _ := newTestScheduler(t)
	ctx := context.Background()

	action := intervalAction("wontstart")
	require.NoError(t, s.UpsertAction(ctx, action))
	launcher.failErr = errors.New("pool full")

	s.Tick(ctx)

	runs, err := st.ListRunsForAction(ctx, action.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunFailed, runs[0].Status)
	assert.Contains(t, runs[0].Result, "pool full")

	stored, _ := st.GetAction(ctx, action.ID)
	assert.Equal(t, 0, stored.ExecutionCount, "failed start does not advance execution_count")
}

func TestTriggerNow(t *testing.T) {
	s, launcher, st, _ := newTestScheduler(t)
	ctx := context.Background()

	action := &models.ScheduledAction{
		Name: "manual", AgentID: 1, Goal: "on demand",
		ScheduleType: models.ScheduleCron, CronExpression: "0 0 1 1 *",
	}
	require.NoError(t, s.UpsertAction(ctx, action))

	require.NoError(t, s.TriggerNow(ctx, action.ID))
	require.Equal(t, 1, launcher.startedCount())

	runs, _ := st.ListRunsForAction(ctx, action.ID, 10)
	require.Len(t, runs, 1)
	assert.Equal(t, models.TriggerManual, runs[0].TriggeredBy)

	// Concurrency policy still applies to manual triggers.
	err := s.TriggerNow(ctx, action.ID)
	assert.True(t, core.IsConflict(err))

	assert.True(t, core.IsNotFound(s.TriggerNow(ctx, "missing")))
}

// gatedLauncher blocks inside StartTask until released, so tests can
// hold a launch in flight while racing a second trigger against it.
type gatedLauncher struct {
	*stubLauncher
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (l *gatedLauncher) StartTask(ctx context.Context, task *models.BackgroundTask) (string, error) {
	l.once.Do(func() { close(l.entered) })
	<-l.release
	return l.stubLauncher.StartTask(ctx, task)
}

func TestConcurrentTriggersOnlyOneWins(t *testing.T) {
	st := store.NewMemoryStore()
	bus := events.NewBus()
	launcher := &gatedLauncher{
		stubLauncher: &stubLauncher{st: st},
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	s := New(st, bus, launcher, time.Hour)
	ctx := context.Background()

	action := intervalAction("exclusive")
	require.NoError(t, s.UpsertAction(ctx, action))

	firstErr := make(chan error, 1)
	go func() { firstErr <- s.TriggerNow(ctx, action.ID) }()

	// The second trigger arrives while the first is still launching. The
	// slot is already reserved, so it must skip instead of double-firing.
	<-launcher.entered
	assert.True(t, core.IsConflict(s.TriggerNow(ctx, action.ID)))

	close(launcher.release)
	require.NoError(t, <-firstErr)

	assert.Equal(t, 1, launcher.startedCount())
	runs, err := st.ListRunsForAction(ctx, action.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunRunning, runs[0].Status)
	assert.NotEmpty(t, bus.History(events.KindScheduleSkipped, 0))
}

func TestOnEventFiresMatchingActions(t *testing.T) {
	s, launcher, st, _ := newTestScheduler(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertAction(ctx, &models.ScheduledAction{
		Name: "on-deploy", AgentID: 1, Goal: "smoke test",
		ScheduleType: models.ScheduleEvent, EventTrigger: "deploy.finished",
	}))
	require.NoError(t, s.UpsertAction(ctx, &models.ScheduledAction{
		Name: "on-alert", AgentID: 2, Goal: "triage",
		ScheduleType: models.ScheduleEvent, EventTrigger: "alert.raised",
	}))

	fired := s.OnEvent(ctx, "deploy.finished", map[string]any{"version": "v1.2"})
	assert.Equal(t, 1, fired)
	require.Equal(t, 1, launcher.startedCount())
	assert.Equal(t, "v1.2", launcher.lastTask().GoalContext["version"])
	assert.Equal(t, "smoke test", launcher.lastTask().Goal)
	_ = st
}

func TestPauseResumeDelete(t *testing.T) {
	s, launcher, st, _ := newTestScheduler(t)
	ctx := context.Background()

	action := intervalAction("managed")
	require.NoError(t, s.UpsertAction(ctx, action))

	require.NoError(t, s.PauseAction(ctx, action.ID))
	s.Tick(ctx)
	assert.Equal(t, 0, launcher.startedCount(), "paused actions never fire")

	require.NoError(t, s.ResumeAction(ctx, action.ID))
	stored, err := st.GetAction(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionActive, stored.Status)

	assert.True(t, core.IsInvalidState(s.ResumeAction(ctx, action.ID)))

	require.NoError(t, s.DeleteAction(ctx, action.ID))
	_, err = st.GetAction(ctx, action.ID)
	assert.True(t, core.IsNotFound(err))
}

func TestTickSurvivesStoreErrors(t *testing.T) {
	// A tick against an empty store does nothing and does not panic.
	s, _, _, _ := newTestScheduler(t)
	s.Tick(context.Background())
	s.Start()
	s.Stop(time.Second)
}
