package models

import "time"

// BackgroundStatus is the background task lifecycle state.
type BackgroundStatus string

// Background task statuses.
const (
	BackgroundPending   BackgroundStatus = "pending"
	BackgroundRunning   BackgroundStatus = "running"
	BackgroundPaused    BackgroundStatus = "paused"
	BackgroundCompleted BackgroundStatus = "completed"
	BackgroundFailed    BackgroundStatus = "failed"
	BackgroundTimeout   BackgroundStatus = "timeout"
	BackgroundCancelled BackgroundStatus = "cancelled"
)

// Terminal reports whether the status is absorbing.
func (s BackgroundStatus) Terminal() bool {
	switch s {
	case BackgroundCompleted, BackgroundFailed, BackgroundTimeout, BackgroundCancelled:
		return true
	}
	return false
}

// Default background task policy values.
const (
	DefaultMaxSteps           = 25
	DefaultCheckpointInterval = 5
	DefaultTimeoutSeconds     = 1800
)

// BackgroundTask is a step-bounded autonomous goal loop executed by the
// background executor. The store owns the durable copy; the in-memory
// runner treats it as a cache that must honor durable state changes
// observed at step boundaries.
type BackgroundTask struct {
	ID          string
	AgentID     int64
	Goal        string
	GoalContext map[string]any

	CurrentStep        int
	MaxSteps           int
	CheckpointInterval int
	TimeoutSeconds     int

	Status BackgroundStatus

	CreatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	LastCheckpointAt *time.Time

	// Error holds the failure or recovery note, when any.
	Error string
}

// Deadline returns the wall-clock deadline, or zero if not started or
// unbounded.
func (t *BackgroundTask) Deadline() time.Time {
	if t.StartedAt == nil || t.TimeoutSeconds <= 0 {
		return time.Time{}
	}
	return t.StartedAt.Add(time.Duration(t.TimeoutSeconds) * time.Second)
}

// StepActionKind classifies what a step did.
type StepActionKind string

// Step action kinds.
const (
	StepActionTool     StepActionKind = "tool_call"
	StepActionMessage  StepActionKind = "message"
	StepActionTerminal StepActionKind = "result"
)

// TaskStep records one iteration of a background task's goal loop.
type TaskStep struct {
	TaskID     string
	Number     int
	ActionKind StepActionKind
	Tool       string
	Input      map[string]any
	Output     string
	Success    bool
	TokensIn   int
	TokensOut  int
	DurationMS int64

	// PriorSteps points at the step numbers whose outputs fed this one.
	PriorSteps []int

	CreatedAt time.Time
}

// Checkpoint is a durable snapshot sufficient to resume a background task:
// the step counter, the last output, and the accumulated context.
type Checkpoint struct {
	TaskID     string
	Step       int
	LastOutput string
	Context    map[string]any
	SavedAt    time.Time
}
