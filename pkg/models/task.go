package models

import "time"

// TaskStatus is the circle task lifecycle state.
type TaskStatus string

// Circle task statuses.
const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusInReview   TaskStatus = "in_review"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Terminal reports whether the status is absorbing.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// taskTransitions is the legal forward edge set. The only backward edge is
// in_review → in_progress on a changes_requested review.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:    {TaskStatusAssigned, TaskStatusInProgress, TaskStatusFailed},
	TaskStatusAssigned:   {TaskStatusInProgress, TaskStatusFailed},
	TaskStatusInProgress: {TaskStatusInReview, TaskStatusCompleted, TaskStatusFailed},
	TaskStatusInReview:   {TaskStatusCompleted, TaskStatusInProgress, TaskStatusFailed},
}

// CanTransition reports whether from → to is a legal task transition.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ReviewDecision is the outcome of a review.
type ReviewDecision string

// Review decisions.
const (
	ReviewApproved         ReviewDecision = "approved"
	ReviewChangesRequested ReviewDecision = "changes_requested"
	ReviewRejected         ReviewDecision = "rejected"
)

// Review records one review of a submission.
type Review struct {
	ReviewerID int64
	Decision   ReviewDecision
	Score      *float64
	Feedback   string
	Changes    []string
	Iteration  int
	ReviewedAt time.Time
}

// Artifact is a produced work item attached to a task submission.
type Artifact struct {
	Kind    string
	Name    string
	Content string
}

// CircleTask is a unit of work moving through claim → execute → review.
type CircleTask struct {
	ID                   int64
	Title                string
	Description          string
	RequiredCompetencies []string
	Priority             int // 1..5

	AssignedAgentID *int64
	ReviewerID      *int64
	Status          TaskStatus

	// Iteration starts at 1 and increments on each changes_requested
	// review; it never decreases.
	Iteration int

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	Artifacts     []Artifact
	Result        string
	ReviewHistory []Review
}

// ArtifactKinds returns the distinct kinds of the task's artifacts.
func (t *CircleTask) ArtifactKinds() []string {
	seen := make(map[string]bool, len(t.Artifacts))
	kinds := make([]string, 0, len(t.Artifacts))
	for _, a := range t.Artifacts {
		if !seen[a.Kind] {
			seen[a.Kind] = true
			kinds = append(kinds, a.Kind)
		}
	}
	return kinds
}

// CountsTowardWorkload reports whether a task in this status contributes
// to its assignee's current_workload.
func (s TaskStatus) CountsTowardWorkload() bool {
	return s == TaskStatusAssigned || s == TaskStatusInProgress || s == TaskStatusInReview
}
