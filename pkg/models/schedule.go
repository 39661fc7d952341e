package models

import "time"

// ScheduleType selects how a scheduled action fires.
type ScheduleType string

// Schedule types.
const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
	ScheduleOnce     ScheduleType = "once"
	ScheduleEvent    ScheduleType = "event"
)

// ActionStatus is the scheduled action lifecycle state.
type ActionStatus string

// Action statuses.
const (
	ActionActive    ActionStatus = "active"
	ActionPaused    ActionStatus = "paused"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
)

// ScheduledAction is a cron/interval/once/event trigger that launches a
// background task. Exactly one scheduling descriptor is set, consistent
// with ScheduleType: CronExpression, IntervalSeconds, NextRunAt (once),
// or EventTrigger.
type ScheduledAction struct {
	ID       string
	AgentID  int64
	CircleID string
	Name     string
	Goal     string

	ScheduleType    ScheduleType
	CronExpression  string
	IntervalSeconds int
	NextRunAt       *time.Time
	EventTrigger    string

	// Execution policy applied to the background tasks this action spawns.
	MaxSteps          int
	TimeoutSeconds    int
	RetryOnFailure    bool
	MaxRetries        int
	RetryDelaySeconds int
	AllowConcurrent   bool

	StartDate     *time.Time
	EndDate       *time.Time
	MaxExecutions *int

	ExecutionCount int
	LastRunAt      *time.Time
	LastRunStatus  string
	Status         ActionStatus

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TriggeredBy identifies what caused a run.
type TriggeredBy string

// Run triggers.
const (
	TriggerScheduler TriggeredBy = "scheduler"
	TriggerManual    TriggeredBy = "manual"
	TriggerEvent     TriggeredBy = "event"
	TriggerRetry     TriggeredBy = "retry"
)

// RunStatus is the outcome of one firing.
type RunStatus string

// Run statuses.
const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// ScheduledActionRun logs one firing of a scheduled action.
type ScheduledActionRun struct {
	ID               string
	ActionID         string
	TriggeredAt      time.Time
	TriggeredBy      TriggeredBy
	BackgroundTaskID string
	Status           RunStatus
	Result           string
	RetryCount       int
	CompletedAt      *time.Time
}
