package models

import "time"

// TurnStrategy selects the next speaker in a conversation.
type TurnStrategy string

// Turn strategies.
const (
	StrategyRoundRobin     TurnStrategy = "round_robin"
	StrategyMentionBased   TurnStrategy = "mention_based"
	StrategyFreeForm       TurnStrategy = "free_form"
	StrategyFacilitatorLed TurnStrategy = "facilitator_led"
)

// ConversationStatus is the conversation lifecycle state.
type ConversationStatus string

// Conversation statuses.
const (
	ConversationPending   ConversationStatus = "pending"
	ConversationActive    ConversationStatus = "active"
	ConversationCompleted ConversationStatus = "completed"
	ConversationCancelled ConversationStatus = "cancelled"
)

// CompletionMarker ends a conversation when it appears in any message
// content (case-sensitive, checked after trimming).
const CompletionMarker = "[TERMINÉ]"

// Message is one turn's utterance. Mentions are agent ids extracted from
// @Name references and resolved against participant names.
type Message struct {
	Index     int
	AgentID   int64
	Content   string
	Mentions  []int64
	Timestamp time.Time
}

// Conversation is an ordered, turn-structured dialogue among two or more
// agents on a topic. Messages are append-only; every message's author is
// a current participant.
type Conversation struct {
	ID            string
	Topic         string
	Participants  []int64 // ordered
	MaxTurns      int
	Messages      []Message
	Status        ConversationStatus
	Strategy      TurnStrategy
	FacilitatorID *int64

	CreatedAt   time.Time
	CompletedAt *time.Time

	// Error annotates a conversation that ended due to an agent failure.
	// The status is still completed — conversation errors end cleanly.
	Error string
}

// IsParticipant reports whether the agent takes part in the conversation.
func (c *Conversation) IsParticipant(agentID int64) bool {
	for _, p := range c.Participants {
		if p == agentID {
			return true
		}
	}
	return false
}

// LastMessage returns the most recent message, or nil if none.
func (c *Conversation) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return &c.Messages[len(c.Messages)-1]
}

// ConversationResult is the transcript returned to collaborate() callers.
type ConversationResult struct {
	ConversationID string
	Topic          string
	Status         ConversationStatus
	TurnsTaken     int
	Messages       []Message
	Error          string
}
