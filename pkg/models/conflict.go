package models

import "time"

// ConflictKind classifies a detected coordination conflict.
type ConflictKind string

// Conflict kinds.
const (
	ConflictFileCollision      ConflictKind = "FILE_COLLISION"
	ConflictTaskOverlap        ConflictKind = "TASK_OVERLAP"
	ConflictConflictingReviews ConflictKind = "CONFLICTING_REVIEWS"
	ConflictDeadlock           ConflictKind = "DEADLOCK"
)

// Conflict records a detected collision between agents. Conflicts are
// advisory: the facilitator raises them, it does not block on them.
type Conflict struct {
	Kind       ConflictKind
	AgentIDs   []int64
	Resource   string
	DetectedAt time.Time
	Resolved   bool
}
