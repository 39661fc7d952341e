package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gatherops/gather/pkg/core"
	"github.com/gatherops/gather/pkg/models"
)

// MemoryStore is a mutex-guarded in-memory Store. It is the default for
// embedded use and the authoritative implementation for unit tests. All
// reads return copies so callers cannot mutate stored state in place.
type MemoryStore struct {
	mu sync.Mutex

	tasks       map[string]*models.BackgroundTask
	steps       map[string][]models.TaskStep
	checkpoints map[string]*models.Checkpoint
	actions     map[string]*models.ScheduledAction
	runs        map[string]*models.ScheduledActionRun
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:       make(map[string]*models.BackgroundTask),
		steps:       make(map[string][]models.TaskStep),
		checkpoints: make(map[string]*models.Checkpoint),
		actions:     make(map[string]*models.ScheduledAction),
		runs:        make(map[string]*models.ScheduledActionRun),
	}
}

var _ Store = (*MemoryStore)(nil)

// --- Background tasks ---

func (s *MemoryStore) CreateBackgroundTask(_ context.Context, task *models.BackgroundTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if _, exists := s.tasks[task.ID]; exists {
		return core.Errorf(core.KindConflict, "background task %s already exists", task.ID)
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	cp := copyTask(task)
	s.tasks[task.ID] = cp
	return nil
}

func (s *MemoryStore) GetBackgroundTask(_ context.Context, id string) (*models.BackgroundTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, core.Errorf(core.KindNotFound, "background task %s not found", id)
	}
	return copyTask(task), nil
}

func (s *MemoryStore) UpdateBackgroundTask(_ context.Context, task *models.BackgroundTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[task.ID]; !ok {
		return core.Errorf(core.KindNotFound, "background task %s not found", task.ID)
	}
	s.tasks[task.ID] = copyTask(task)
	return nil
}

func (s *MemoryStore) CompareAndSetTaskStatus(_ context.Context, id string, from, to models.BackgroundStatus, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return core.Errorf(core.KindNotFound, "background task %s not found", id)
	}
	if task.Status != from {
		return core.Errorf(core.KindConflict,
			"background task %s is %s, expected %s", id, task.Status, from)
	}
	task.Status = to
	if note != "" {
		task.Error = note
	}
	now := time.Now()
	if to.Terminal() && task.CompletedAt == nil {
		task.CompletedAt = &now
	}
	if to == models.BackgroundRunning && task.StartedAt == nil {
		task.StartedAt = &now
	}
	return nil
}

func (s *MemoryStore) UpdateTaskProgress(_ context.Context, id string, currentStep int, goalContext map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return core.Errorf(core.KindNotFound, "background task %s not found", id)
	}
	task.CurrentStep = currentStep
	task.GoalContext = copyMap(goalContext)
	return nil
}

func (s *MemoryStore) ListRunningTasks(_ context.Context) ([]*models.BackgroundTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var running []*models.BackgroundTask
	for _, task := range s.tasks {
		if task.Status == models.BackgroundRunning {
			running = append(running, copyTask(task))
		}
	}
	sort.Slice(running, func(i, j int) bool { return running[i].ID < running[j].ID })
	return running, nil
}

// --- Task steps ---

func (s *MemoryStore) AppendTaskStep(_ context.Context, step *models.TaskStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now()
	}
	s.steps[step.TaskID] = append(s.steps[step.TaskID], *step)
	return nil
}

func (s *MemoryStore) ListTaskSteps(_ context.Context, taskID string) ([]models.TaskStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	steps := s.steps[taskID]
	out := make([]models.TaskStep, len(steps))
	copy(out, steps)
	return out, nil
}

// --- Checkpoints ---

func (s *MemoryStore) SaveCheckpoint(_ context.Context, cp *models.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := *cp
	if saved.SavedAt.IsZero() {
		saved.SavedAt = time.Now()
	}
	saved.Context = copyMap(cp.Context)
	s.checkpoints[cp.TaskID] = &saved

	if task, ok := s.tasks[cp.TaskID]; ok {
		at := saved.SavedAt
		task.LastCheckpointAt = &at
	}
	return nil
}

func (s *MemoryStore) GetCheckpoint(_ context.Context, taskID string) (*models.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.checkpoints[taskID]
	if !ok {
		return nil, core.Errorf(core.KindNotFound, "no checkpoint for task %s", taskID)
	}
	out := *cp
	out.Context = copyMap(cp.Context)
	return &out, nil
}

// --- Scheduled actions ---

func (s *MemoryStore) UpsertAction(_ context.Context, action *models.ScheduledAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if action.ID == "" {
		action.ID = uuid.New().String()
	}
	now := time.Now()
	if action.CreatedAt.IsZero() {
		action.CreatedAt = now
	}
	action.UpdatedAt = now
	cp := *action
	s.actions[action.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAction(_ context.Context, id string) (*models.ScheduledAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	action, ok := s.actions[id]
	if !ok {
		return nil, core.Errorf(core.KindNotFound, "scheduled action %s not found", id)
	}
	cp := *action
	return &cp, nil
}

func (s *MemoryStore) DeleteAction(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.actions[id]; !ok {
		return core.Errorf(core.KindNotFound, "scheduled action %s not found", id)
	}
	delete(s.actions, id)
	return nil
}

func (s *MemoryStore) ListActiveActions(_ context.Context) ([]*models.ScheduledAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var active []*models.ScheduledAction
	for _, action := range s.actions {
		if action.Status == models.ActionActive {
			cp := *action
			active = append(active, &cp)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })
	return active, nil
}

// --- Action runs ---

func (s *MemoryStore) CreateRun(_ context.Context, run *models.ScheduledActionRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.TriggeredAt.IsZero() {
		run.TriggeredAt = time.Now()
	}
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateRun(_ context.Context, run *models.ScheduledActionRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; !ok {
		return core.Errorf(core.KindNotFound, "action run %s not found", run.ID)
	}
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *MemoryStore) ListRunsForAction(_ context.Context, actionID string, limit int) ([]*models.ScheduledActionRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var runs []*models.ScheduledActionRun
	for _, run := range s.runs {
		if run.ActionID == actionID {
			cp := *run
			runs = append(runs, &cp)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].TriggeredAt.After(runs[j].TriggeredAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// --- copy helpers ---

func copyTask(t *models.BackgroundTask) *models.BackgroundTask {
	cp := *t
	cp.GoalContext = copyMap(t.GoalContext)
	return &cp
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
