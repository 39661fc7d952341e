// Package models defines the domain types shared by the circle, executor,
// scheduler, and store packages. Cyclic relationships (agent ↔ task ↔
// conversation) are expressed through ids, never back-references.
package models

import (
	"context"
	"time"
)

// DefaultMaxWorkload is the workload at which an agent's availability
// score reaches zero.
const DefaultMaxWorkload = 5

// AcceptTaskFunc decides whether the agent takes a claimed task.
type AcceptTaskFunc func(task *CircleTask) bool

// ExecuteTaskFunc produces a result for a circle task.
type ExecuteTaskFunc func(ctx context.Context, task *CircleTask) (string, error)

// ProcessMessageFunc produces the agent's reply to a conversation prompt.
type ProcessMessageFunc func(ctx context.Context, prompt string) (string, error)

// ReviewWorkFunc reviews a submitted artifact.
type ReviewWorkFunc func(ctx context.Context, task *CircleTask) (*Review, error)

// AgentCallbacks are the optional behavioral hooks an agent may provide.
// A nil callback falls back to the documented default (accept: true;
// execute/process/review: unavailable).
type AgentCallbacks struct {
	AcceptTask     AcceptTaskFunc
	ExecuteTask    ExecuteTaskFunc
	ProcessMessage ProcessMessageFunc
	ReviewWork     ReviewWorkFunc
}

// Agent is an autonomous actor registered with a circle. An Agent is
// owned exclusively by the circle it belongs to; outside callers refer to
// it by id only.
type Agent struct {
	ID       int64
	Name     string
	Provider string
	Model    string

	// Competencies is the ordered set of free-form capability tags used
	// for routing. CanReview lists the artifact kinds this agent may
	// review.
	Competencies []string
	CanReview    []string

	Active        bool
	CurrentTaskID *int64

	Callbacks AgentCallbacks
}

// HasCompetencies reports whether the agent possesses every required tag.
func (a *Agent) HasCompetencies(required []string) bool {
	for _, r := range required {
		found := false
		for _, c := range a.Competencies {
			if c == r {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// CanReviewAny reports whether the agent may review at least one of the
// given artifact kinds.
func (a *Agent) CanReviewAny(kinds []string) bool {
	for _, k := range kinds {
		for _, c := range a.CanReview {
			if c == k {
				return true
			}
		}
	}
	return false
}

// AgentMetrics are the per-agent counters the facilitator scores with.
type AgentMetrics struct {
	AgentID             int64
	TasksCompleted      int
	TasksFailed         int
	ReviewsDone         int
	CurrentWorkload     int
	AverageCompletionMS float64

	// MaxWorkload defaults to DefaultMaxWorkload when zero.
	MaxWorkload int

	LastActiveAt time.Time
}

// AvailabilityScore is 1 − min(1, workload/max), in [0,1].
func (m *AgentMetrics) AvailabilityScore() float64 {
	max := m.MaxWorkload
	if max <= 0 {
		max = DefaultMaxWorkload
	}
	load := float64(m.CurrentWorkload) / float64(max)
	if load > 1 {
		load = 1
	}
	return 1 - load
}

// SuccessRate is completed / max(1, completed+failed).
func (m *AgentMetrics) SuccessRate() float64 {
	total := m.TasksCompleted + m.TasksFailed
	if total < 1 {
		total = 1
	}
	return float64(m.TasksCompleted) / float64(total)
}
