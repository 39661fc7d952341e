package sched

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gatherops/gather/pkg/core"
	"github.com/gatherops/gather/pkg/events"
	"github.com/gatherops/gather/pkg/models"
	"github.com/gatherops/gather/pkg/store"
)

// DefaultTickInterval is the clock loop period.
const DefaultTickInterval = 5 * time.Second

// TaskLauncher starts background tasks on behalf of fired actions. The
// executor satisfies it.
type TaskLauncher interface {
	StartTask(ctx context.Context, task *models.BackgroundTask) (string, error)
}

// retryState is a pending retry for a failed run.
type retryState struct {
	at    time.Time
	count int
}

// Scheduler holds the in-memory cache of scheduled actions and fires
// them. The cache and the inflight map are single-writer from the tick
// loop plus the explicit mutation methods; the store stays the source of
// truth and is refreshed every tick.
type Scheduler struct {
	store    store.Store
	bus      *events.Bus
	launcher TaskLauncher
	tick     time.Duration

	mu       sync.Mutex
	actions  map[string]*models.ScheduledAction
	inflight map[string]*models.ScheduledActionRun // actionID -> running run
	retries  map[string]*retryState                // actionID -> pending retry

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	logger *slog.Logger
}

// New creates a scheduler. A tick of zero selects the default.
func New(st store.Store, bus *events.Bus, launcher TaskLauncher, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = DefaultTickInterval
	}
	return &Scheduler{
		store:    st,
		bus:      bus,
		launcher: launcher,
		tick:     tick,
		actions:  make(map[string]*models.ScheduledAction),
		inflight: make(map[string]*models.ScheduledActionRun),
		retries:  make(map[string]*retryState),
		stopCh:   make(chan struct{}),
		logger:   slog.Default().With("component", "scheduler"),
	}
}

// Start launches the clock loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.loop()
	s.logger.Info("Scheduler started", "tick", s.tick)
}

// Stop shuts the clock loop down, waiting up to timeout.
func (s *Scheduler) Stop(timeout time.Duration) {
	s.stopOnce.Do(func() { close(s.stopCh) })
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("Scheduler stopped")
	case <-time.After(timeout):
		s.logger.Warn("Scheduler stop timed out")
	}
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(context.Background())
		}
	}
}

// Tick runs one scheduler pass: refresh the action cache, finalize
// completed runs, and fire whatever is due. Errors are logged; the loop
// always survives a bad tick.
func (s *Scheduler) Tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Scheduler tick panicked", "panic", r)
		}
	}()

	if err := s.refresh(ctx); err != nil {
		s.logger.Error("Failed to refresh actions", "error", err)
		return
	}
	s.finalizeRuns(ctx)
	s.fireDue(ctx, time.Now())
}

// refresh reloads active actions from the store into the cache.
func (s *Scheduler) refresh(ctx context.Context) error {
	active, err := s.store.ListActiveActions(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = make(map[string]*models.ScheduledAction, len(active))
	for _, action := range active {
		s.actions[action.ID] = action
	}
	// Pending retries for actions paused or deleted in the meantime are
	// dropped rather than fired.
	for id := range s.retries {
		if _, ok := s.actions[id]; !ok {
			delete(s.retries, id)
		}
	}
	return nil
}

// finalizeRuns processes runs whose background task reached a terminal
// state since the last tick: execution counters, once-completion, and
// the retry policy.
func (s *Scheduler) finalizeRuns(ctx context.Context) {
	s.mu.Lock()
	pending := make(map[string]*models.ScheduledActionRun, len(s.inflight))
	for id, run := range s.inflight {
		pending[id] = run
	}
	s.mu.Unlock()

	for actionID, run := range pending {
		if run.BackgroundTaskID == "" {
			// Reserved slot, task still launching.
			continue
		}
		task, err := s.store.GetBackgroundTask(ctx, run.BackgroundTaskID)
		if err != nil {
			s.logger.Warn("Failed to check run", "run_id", run.ID, "error", err)
			continue
		}
		if !task.Status.Terminal() {
			continue
		}

		now := time.Now()
		succeeded := task.Status == models.BackgroundCompleted
		run.Status = models.RunCompleted
		if !succeeded {
			run.Status = models.RunFailed
		}
		run.Result = string(task.Status)
		if task.Error != "" {
			run.Result = task.Error
		}
		run.CompletedAt = &now
		if err := s.store.UpdateRun(ctx, run); err != nil {
			s.logger.Warn("Failed to finalize run", "run_id", run.ID, "error", err)
		}

		s.mu.Lock()
		delete(s.inflight, actionID)
		s.mu.Unlock()

		action, err := s.store.GetAction(ctx, actionID)
		if err != nil {
			s.logger.Warn("Run finished for missing action", "action_id", actionID)
			continue
		}
		action.ExecutionCount++
		action.LastRunAt = &now
		action.LastRunStatus = string(run.Status)
		if action.ScheduleType == models.ScheduleOnce && succeeded {
			action.Status = models.ActionCompleted
		}
		if err := s.store.UpsertAction(ctx, action); err != nil {
			s.logger.Warn("Failed to update action after run", "action_id", actionID, "error", err)
			continue
		}

		if !succeeded {
			s.scheduleRetry(action, run, now)
		}

		s.publish(events.New(events.KindScheduleCompleted, map[string]any{
			"action_id": actionID,
			"run_id":    run.ID,
			"status":    string(run.Status),
		}, events.SchedulerTopic(actionID)))
	}
}

// scheduleRetry arms a retry for a failed run when policy allows. Actions
// paused since the run fired are not retried.
func (s *Scheduler) scheduleRetry(action *models.ScheduledAction, run *models.ScheduledActionRun, now time.Time) {
	if !action.RetryOnFailure || action.Status != models.ActionActive {
		return
	}
	if run.RetryCount >= action.MaxRetries {
		s.logger.Warn("Retries exhausted", "action_id", action.ID, "retries", run.RetryCount)
		return
	}
	delay := time.Duration(action.RetryDelaySeconds) * time.Second
	s.mu.Lock()
	s.retries[action.ID] = &retryState{at: now.Add(delay), count: run.RetryCount + 1}
	s.mu.Unlock()
	s.logger.Info("Retry scheduled", "action_id", action.ID, "attempt", run.RetryCount+1, "delay", delay)
}

// fireDue fires every cached action whose next run is due, plus armed
// retries.
func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	actions := make([]*models.ScheduledAction, 0, len(s.actions))
	for _, a := range s.actions {
		actions = append(actions, a)
	}
	retries := make(map[string]*retryState, len(s.retries))
	for id, r := range s.retries {
		retries[id] = r
	}
	s.mu.Unlock()

	for _, action := range actions {
		if action.Status != models.ActionActive {
			continue
		}

		if retry, ok := retries[action.ID]; ok {
			if !retry.at.After(now) {
				s.mu.Lock()
				delete(s.retries, action.ID)
				s.mu.Unlock()
				s.fire(ctx, action, models.TriggerRetry, retry.count, nil)
			}
			continue
		}

		if action.ScheduleType == models.ScheduleEvent {
			continue // fires only via OnEvent
		}
		if action.NextRunAt == nil {
			s.initNextRun(ctx, action, now)
			continue
		}
		if action.NextRunAt.After(now) {
			continue
		}
		if action.StartDate != nil && now.Before(*action.StartDate) {
			continue
		}
		if s.expireIfOutOfBounds(ctx, action, now) {
			continue
		}

		if s.fire(ctx, action, models.TriggerScheduler, 0, nil) {
			s.advanceNextRun(ctx, action, now)
		}
	}
}

// expireIfOutOfBounds marks an action completed when its end date has
// passed or its execution budget is spent.
func (s *Scheduler) expireIfOutOfBounds(ctx context.Context, action *models.ScheduledAction, now time.Time) bool {
	expired := action.EndDate != nil && now.After(*action.EndDate)
	spent := action.MaxExecutions != nil && action.ExecutionCount >= *action.MaxExecutions
	if !expired && !spent {
		return false
	}
	action.Status = models.ActionCompleted
	if err := s.store.UpsertAction(ctx, action); err != nil {
		s.logger.Warn("Failed to expire action", "action_id", action.ID, "error", err)
	}
	s.logger.Info("Action completed", "action_id", action.ID, "expired", expired, "budget_spent", spent)
	return true
}

// fire creates a run and launches its background task. Concurrency policy
// is enforced here so manual and event triggers honor it too. Returns
// true when a run actually started.
func (s *Scheduler) fire(ctx context.Context, action *models.ScheduledAction, trigger models.TriggeredBy, retryCount int, extra map[string]any) bool {
	run := &models.ScheduledActionRun{
		ActionID:    action.ID,
		TriggeredBy: trigger,
		Status:      models.RunRunning,
		RetryCount:  retryCount,
	}

	// Reserve the inflight slot under the lock so racing triggers (tick
	// loop, TriggerNow, OnEvent) cannot both pass the busy check.
	s.mu.Lock()
	prev, busy := s.inflight[action.ID]
	if busy && !action.AllowConcurrent {
		s.mu.Unlock()
		s.logger.Info("Skipping action, previous run still in flight",
			"action_id", action.ID, "name", action.Name)
		s.publish(events.New(events.KindScheduleSkipped, map[string]any{
			"action_id": action.ID,
			"reason":    "previous run in flight",
		}, events.SchedulerTopic(action.ID)))
		return false
	}
	s.inflight[action.ID] = run
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		if s.inflight[action.ID] == run {
			if prev != nil {
				s.inflight[action.ID] = prev
			} else {
				delete(s.inflight, action.ID)
			}
		}
		s.mu.Unlock()
	}

	if err := s.store.CreateRun(ctx, run); err != nil {
		release()
		s.logger.Error("Failed to record run", "action_id", action.ID, "error", err)
		return false
	}

	goalCtx := map[string]any{"action_id": action.ID, "action_name": action.Name}
	for k, v := range extra {
		goalCtx[k] = v
	}
	task := &models.BackgroundTask{
		AgentID:        action.AgentID,
		Goal:           action.Goal,
		GoalContext:    goalCtx,
		MaxSteps:       action.MaxSteps,
		TimeoutSeconds: action.TimeoutSeconds,
	}
	taskID, err := s.launcher.StartTask(ctx, task)
	if err != nil {
		// Failed start: record it, do not advance execution_count.
		release()
		run.Status = models.RunFailed
		run.Result = err.Error()
		now := time.Now()
		run.CompletedAt = &now
		if upErr := s.store.UpdateRun(ctx, run); upErr != nil {
			s.logger.Error("Failed to record failed run", "run_id", run.ID, "error", upErr)
		}
		s.logger.Error("Failed to start scheduled task", "action_id", action.ID, "error", err)
		return false
	}

	run.BackgroundTaskID = taskID
	if err := s.store.UpdateRun(ctx, run); err != nil {
		s.logger.Warn("Failed to link run to task", "run_id", run.ID, "error", err)
	}

	s.publish(events.New(events.KindScheduleFired, map[string]any{
		"action_id":    action.ID,
		"name":         action.Name,
		"triggered_by": string(trigger),
		"task_id":      taskID,
	}, events.SchedulerTopic(action.ID)))
	s.logger.Info("Action fired", "action_id", action.ID, "name", action.Name, "triggered_by", trigger)
	return true
}

// initNextRun computes the first next_run_at for an action that has none.
func (s *Scheduler) initNextRun(ctx context.Context, action *models.ScheduledAction, now time.Time) {
	next, err := nextRun(action, now)
	if err != nil {
		s.logger.Error("Invalid schedule", "action_id", action.ID, "error", err)
		return
	}
	if next == nil {
		return
	}
	action.NextRunAt = next
	if err := s.store.UpsertAction(ctx, action); err != nil {
		s.logger.Warn("Failed to persist next run", "action_id", action.ID, "error", err)
	}
}

// advanceNextRun computes and persists the next firing after a launch.
func (s *Scheduler) advanceNextRun(ctx context.Context, action *models.ScheduledAction, now time.Time) {
	next, err := nextRun(action, now)
	if err != nil {
		s.logger.Error("Invalid schedule", "action_id", action.ID, "error", err)
		return
	}
	action.NextRunAt = next
	if err := s.store.UpsertAction(ctx, action); err != nil {
		s.logger.Warn("Failed to persist next run", "action_id", action.ID, "error", err)
	}
}

// nextRun computes the next firing strictly after now, or nil for
// schedules that do not recur.
func nextRun(action *models.ScheduledAction, now time.Time) (*time.Time, error) {
	switch action.ScheduleType {
	case models.ScheduleCron:
		sched, err := ParseCron(action.CronExpression)
		if err != nil {
			return nil, err
		}
		next := sched.Next(now)
		return &next, nil
	case models.ScheduleInterval:
		next := now.Add(time.Duration(action.IntervalSeconds) * time.Second)
		return &next, nil
	case models.ScheduleOnce, models.ScheduleEvent:
		return nil, nil
	default:
		return nil, core.Errorf(core.KindBadInput, "unknown schedule type %q", action.ScheduleType)
	}
}

// --- Mutation API ---

// UpsertAction validates and persists an action, computes its initial
// next_run_at, and updates the cache.
func (s *Scheduler) UpsertAction(ctx context.Context, action *models.ScheduledAction) error {
	if err := validateAction(action); err != nil {
		return err
	}
	if action.Status == "" {
		action.Status = models.ActionActive
	}
	if action.NextRunAt == nil {
		next, err := nextRun(action, time.Now())
		if err != nil {
			return err
		}
		action.NextRunAt = next
	}
	if err := s.store.UpsertAction(ctx, action); err != nil {
		return err
	}
	s.mu.Lock()
	if action.Status == models.ActionActive {
		s.actions[action.ID] = action
	} else {
		delete(s.actions, action.ID)
	}
	s.mu.Unlock()
	return nil
}

// validateAction checks that exactly one scheduling descriptor is set,
// consistent with the schedule type.
func validateAction(action *models.ScheduledAction) error {
	if action.Name == "" {
		return core.Errorf(core.KindBadInput, "action name is required")
	}
	if action.Goal == "" {
		return core.Errorf(core.KindBadInput, "action goal is required")
	}
	descriptors := 0
	if action.CronExpression != "" {
		descriptors++
	}
	if action.IntervalSeconds > 0 {
		descriptors++
	}
	if action.EventTrigger != "" {
		descriptors++
	}
	if action.ScheduleType == models.ScheduleOnce {
		if action.NextRunAt == nil {
			return core.Errorf(core.KindBadInput, "once action requires next_run_at")
		}
	}
	switch action.ScheduleType {
	case models.ScheduleCron:
		if action.CronExpression == "" || descriptors != 1 {
			return core.Errorf(core.KindBadInput, "cron action requires exactly a cron_expression")
		}
		if _, err := ParseCron(action.CronExpression); err != nil {
			return err
		}
	case models.ScheduleInterval:
		if action.IntervalSeconds <= 0 || descriptors != 1 {
			return core.Errorf(core.KindBadInput, "interval action requires exactly an interval_seconds")
		}
	case models.ScheduleOnce:
		if descriptors != 0 {
			return core.Errorf(core.KindBadInput, "once action takes only next_run_at")
		}
	case models.ScheduleEvent:
		if action.EventTrigger == "" || descriptors != 1 {
			return core.Errorf(core.KindBadInput, "event action requires exactly an event_trigger")
		}
	default:
		return core.Errorf(core.KindBadInput, "unknown schedule type %q", action.ScheduleType)
	}
	return nil
}

// TriggerNow fires an action immediately, regardless of schedule timing.
// Concurrency policy still applies.
func (s *Scheduler) TriggerNow(ctx context.Context, actionID string) error {
	action, err := s.store.GetAction(ctx, actionID)
	if err != nil {
		return err
	}
	if !s.fire(ctx, action, models.TriggerManual, 0, nil) {
		return core.Errorf(core.KindConflict, "action %s did not start", actionID)
	}
	return nil
}

// OnEvent fires every active event-triggered action matching the event
// name. The payload is merged into each task's goal context.
func (s *Scheduler) OnEvent(ctx context.Context, name string, payload map[string]any) int {
	s.mu.Lock()
	matched := make([]*models.ScheduledAction, 0)
	for _, action := range s.actions {
		if action.ScheduleType == models.ScheduleEvent && action.EventTrigger == name &&
			action.Status == models.ActionActive {
			matched = append(matched, action)
		}
	}
	s.mu.Unlock()

	fired := 0
	for _, action := range matched {
		if s.fire(ctx, action, models.TriggerEvent, 0, payload) {
			fired++
		}
	}
	return fired
}

// PauseAction marks an action paused in the store and cache.
func (s *Scheduler) PauseAction(ctx context.Context, actionID string) error {
	return s.setStatus(ctx, actionID, models.ActionPaused)
}

// ResumeAction re-activates a paused action and recomputes its next run.
func (s *Scheduler) ResumeAction(ctx context.Context, actionID string) error {
	action, err := s.store.GetAction(ctx, actionID)
	if err != nil {
		return err
	}
	if action.Status != models.ActionPaused {
		return core.Errorf(core.KindInvalidState, "action %s is %s, cannot resume", actionID, action.Status)
	}
	action.Status = models.ActionActive
	next, err := nextRun(action, time.Now())
	if err == nil {
		action.NextRunAt = next
	}
	if err := s.store.UpsertAction(ctx, action); err != nil {
		return err
	}
	s.mu.Lock()
	s.actions[actionID] = action
	s.mu.Unlock()
	return nil
}

// DeleteAction removes an action from the store and cache.
func (s *Scheduler) DeleteAction(ctx context.Context, actionID string) error {
	if err := s.store.DeleteAction(ctx, actionID); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.actions, actionID)
	delete(s.retries, actionID)
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) setStatus(ctx context.Context, actionID string, status models.ActionStatus) error {
	action, err := s.store.GetAction(ctx, actionID)
	if err != nil {
		return err
	}
	action.Status = status
	if err := s.store.UpsertAction(ctx, action); err != nil {
		return err
	}
	s.mu.Lock()
	if status == models.ActionActive {
		s.actions[actionID] = action
	} else {
		delete(s.actions, actionID)
	}
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) publish(e events.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}
