// Package store defines the persistence boundary for background tasks,
// task steps, scheduled actions, and action runs.
//
// The store is the source of truth. In-memory caches held by the executor
// and scheduler must never diverge silently: any runner observing a durable
// state change at a step boundary honors it. Status transitions are atomic
// compare-and-set operations so pause/cancel races resolve deterministically
// — a stale transition attempt fails with a Conflict error instead of
// clobbering newer state.
package store

import (
	"context"

	"github.com/gatherops/gather/pkg/models"
)

// Store is the persistence boundary the core requires. Two implementations
// ship with the module: the mutex-guarded in-memory store (embedded use and
// tests) and the PostgreSQL store.
type Store interface {
	// Background tasks.
	CreateBackgroundTask(ctx context.Context, task *models.BackgroundTask) error
	GetBackgroundTask(ctx context.Context, id string) (*models.BackgroundTask, error)
	UpdateBackgroundTask(ctx context.Context, task *models.BackgroundTask) error

	// CompareAndSetTaskStatus atomically transitions a task's status.
	// Returns a Conflict error if the current status is not from, and a
	// NotFound error if the task does not exist. A non-empty note is
	// recorded on the task (failure reasons, recovery notes).
	CompareAndSetTaskStatus(ctx context.Context, id string, from, to models.BackgroundStatus, note string) error

	// UpdateTaskProgress persists a runner's step counter and accumulated
	// context without touching status, so a pause or cancel landed while
	// the step was in flight is never overwritten.
	UpdateTaskProgress(ctx context.Context, id string, currentStep int, goalContext map[string]any) error

	// ListRunningTasks returns all tasks in running status.
	ListRunningTasks(ctx context.Context) ([]*models.BackgroundTask, error)

	// Task steps (append-only log per task).
	AppendTaskStep(ctx context.Context, step *models.TaskStep) error
	ListTaskSteps(ctx context.Context, taskID string) ([]models.TaskStep, error)

	// Checkpoints (latest wins).
	SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error
	GetCheckpoint(ctx context.Context, taskID string) (*models.Checkpoint, error)

	// Scheduled actions.
	UpsertAction(ctx context.Context, action *models.ScheduledAction) error
	GetAction(ctx context.Context, id string) (*models.ScheduledAction, error)
	DeleteAction(ctx context.Context, id string) error
	ListActiveActions(ctx context.Context) ([]*models.ScheduledAction, error)

	// Action runs.
	CreateRun(ctx context.Context, run *models.ScheduledActionRun) error
	UpdateRun(ctx context.Context, run *models.ScheduledActionRun) error
	ListRunsForAction(ctx context.Context, actionID string, limit int) ([]*models.ScheduledActionRun, error)
}
