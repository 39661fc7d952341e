// Package events provides the in-process event bus that connects the
// orchestration subsystems: typed immutable events, kind and topic filtered
// subscriptions, and a bounded advisory history ring.
//
// Delivery model: handlers run in-line on the publishing goroutine, in
// registration order. A handler panic is recovered and logged; it never
// aborts publication or the remaining handlers. There is no cross-process
// delivery — distribution is out of scope for the core.
package events

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the type of an event.
type Kind string

// Task lifecycle events.
const (
	KindTaskCreated        Kind = "task.created"
	KindTaskAssigned       Kind = "task.assigned"
	KindTaskClaimed        Kind = "task.claimed"
	KindTaskSubmitted      Kind = "task.submitted"
	KindTaskCompleted      Kind = "task.completed"
	KindTaskFailed         Kind = "task.failed"
	KindTaskPendingNoAgent Kind = "task.pending_no_agent"
)

// Review events.
const (
	KindReviewRequested Kind = "review.requested"
	KindReviewCompleted Kind = "review.completed"
)

// Circle and agent membership events.
const (
	KindAgentJoined   Kind = "agent.joined"
	KindAgentLeft     Kind = "agent.left"
	KindCircleStarted Kind = "circle.started"
	KindCircleStopped Kind = "circle.stopped"
	KindCirclePaused  Kind = "circle.paused"
)

// Messaging and conversation events.
const (
	KindMessage               Kind = "message"
	KindMention               Kind = "mention"
	KindConversationStarted   Kind = "conversation.started"
	KindConversationMessage   Kind = "conversation.message"
	KindConversationCompleted Kind = "conversation.completed"
)

// Coordination events.
const (
	KindConflict   Kind = "conflict"
	KindEscalation Kind = "escalation"
)

// Background task events.
const (
	KindTaskStep            Kind = "background.step"
	KindTaskCheckpoint      Kind = "background.checkpoint"
	KindBackgroundStarted   Kind = "background.started"
	KindBackgroundPaused    Kind = "background.paused"
	KindBackgroundResumed   Kind = "background.resumed"
	KindBackgroundCompleted Kind = "background.completed"
	KindBackgroundFailed    Kind = "background.failed"
	KindBackgroundTimeout   Kind = "background.timeout"
	KindBackgroundCancelled Kind = "background.cancelled"
)

// Scheduler events.
const (
	KindScheduleFired     Kind = "schedule.fired"
	KindScheduleSkipped   Kind = "schedule.skipped"
	KindScheduleCompleted Kind = "schedule.completed"
)

// Event is an immutable record on the bus. Payload is an opaque structured
// map owned by the publisher; subscribers must not mutate it.
type Event struct {
	ID            string
	Kind          Kind
	Payload       map[string]any
	SourceAgentID *int64
	Timestamp     time.Time
	Topics        []string
}

// New builds an event with the given kind, payload, and derived topics.
func New(kind Kind, payload map[string]any, topics ...string) Event {
	return Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now(),
		Topics:    topics,
	}
}

// NewFromAgent builds an event attributed to a source agent.
func NewFromAgent(kind Kind, agentID int64, payload map[string]any, topics ...string) Event {
	e := New(kind, payload, topics...)
	e.SourceAgentID = &agentID
	return e
}

// Topic families. Topics are lowercase and hierarchical via ':'.
const (
	TopicAgents        = "agents"
	TopicCircles       = "circles"
	TopicTasks         = "tasks"
	TopicConversations = "conversations"
	TopicScheduler     = "scheduler"
	TopicBackground    = "background"
)

// AgentTopic returns the per-agent topic, e.g. "agents:7".
func AgentTopic(id int64) string { return TopicAgents + ":" + strconv.FormatInt(id, 10) }

// CircleTopic returns the per-circle topic, e.g. "circles:research".
func CircleTopic(name string) string { return TopicCircles + ":" + strings.ToLower(name) }

// TaskTopic returns the per-task topic, e.g. "tasks:12".
func TaskTopic(id int64) string { return TopicTasks + ":" + strconv.FormatInt(id, 10) }

// ConversationTopic returns the per-conversation topic.
func ConversationTopic(id string) string { return TopicConversations + ":" + id }

// BackgroundTopic returns the per-background-task topic.
func BackgroundTopic(id string) string { return TopicBackground + ":" + id }

// SchedulerTopic returns the per-action topic.
func SchedulerTopic(actionID string) string { return TopicScheduler + ":" + actionID }

// TopicMatches reports whether a subscriber topic matches an event topic.
// A subscriber topic T matches the event topic T exactly and any event
// topic of the form "T:x" (prefix match up to ':'). The explicit wildcard
// form "T:*" behaves the same as the bare prefix.
func TopicMatches(subscriber, event string) bool {
	if subscriber == event {
		return true
	}
	prefix := strings.TrimSuffix(subscriber, ":*")
	return strings.HasPrefix(event, prefix+":")
}
