package circle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gatherops/gather/pkg/core"
	"github.com/gatherops/gather/pkg/events"
	"github.com/gatherops/gather/pkg/models"
)

// NoResponseMarker is the synthesized content recorded when a speaker
// misses the per-turn deadline. The conversation moves on.
const NoResponseMarker = "[no response]"

// transcriptTail bounds how many recent messages each turn's prompt carries.
const transcriptTail = 10

// CollaborateParams configure one conversation run.
type CollaborateParams struct {
	Topic         string
	AgentIDs      []int64
	MaxTurns      int                 // default DefaultMaxTurns
	Strategy      models.TurnStrategy // default round_robin
	FacilitatorID *int64              // required for facilitator_led
	InitialPrompt string

	// OnMessage and OnComplete fire synchronously during the loop.
	// Panics in them are logged and do not abort the conversation.
	OnMessage  func(models.Message)
	OnComplete func(*models.ConversationResult)
}

// Collaborate runs a conversation among the given agents to completion
// and returns the transcript. Termination, first to fire: max_turns
// reached, a message containing the completion marker, or the selected
// speaker declining (no callback, or a callback error).
func (c *Circle) Collaborate(ctx context.Context, params CollaborateParams) (*models.ConversationResult, error) {
	if params.Topic == "" {
		return nil, core.Errorf(core.KindBadInput, "conversation topic is required")
	}
	if len(params.AgentIDs) < 2 {
		return nil, core.Errorf(core.KindBadInput, "conversation requires at least 2 participants, got %d", len(params.AgentIDs))
	}
	if params.MaxTurns <= 0 {
		params.MaxTurns = DefaultMaxTurns
	}
	if params.Strategy == "" {
		params.Strategy = models.StrategyRoundRobin
	}
	switch params.Strategy {
	case models.StrategyRoundRobin, models.StrategyMentionBased, models.StrategyFreeForm:
	case models.StrategyFacilitatorLed:
		if params.FacilitatorID == nil {
			return nil, core.Errorf(core.KindBadInput, "facilitator_led conversation requires a facilitator_id")
		}
		isParticipant := false
		for _, id := range params.AgentIDs {
			if id == *params.FacilitatorID {
				isParticipant = true
				break
			}
		}
		if !isParticipant {
			return nil, core.Errorf(core.KindBadInput, "facilitator %d is not a participant", *params.FacilitatorID)
		}
	default:
		return nil, core.Errorf(core.KindBadInput, "unknown turn strategy %q", params.Strategy)
	}

	c.mu.Lock()
	participants := make(map[int64]*models.Agent, len(params.AgentIDs))
	for _, id := range params.AgentIDs {
		agent, ok := c.agents[id]
		if !ok {
			c.mu.Unlock()
			return nil, core.Errorf(core.KindNotFound, "agent %d not found", id)
		}
		participants[id] = agent
	}
	seed := c.seed
	c.mu.Unlock()
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	conv := &models.Conversation{
		ID:            uuid.New().String(),
		Topic:         params.Topic,
		Participants:  append([]int64(nil), params.AgentIDs...),
		MaxTurns:      params.MaxTurns,
		Status:        models.ConversationActive,
		Strategy:      params.Strategy,
		FacilitatorID: params.FacilitatorID,
		CreatedAt:     time.Now(),
	}
	c.mu.Lock()
	c.conversations[conv.ID] = conv
	c.mu.Unlock()

	c.publish(events.New(events.KindConversationStarted, map[string]any{
		"conversation_id": conv.ID,
		"topic":           conv.Topic,
		"participants":    conv.Participants,
	}, events.ConversationTopic(conv.ID)))

	run := &conversationRun{
		circle:       c,
		conv:         conv,
		participants: participants,
		params:       params,
		rng:          rand.New(rand.NewSource(seed)),
		logger:       c.logger.With("conversation_id", conv.ID),
	}
	result := run.loop(ctx)

	if params.OnComplete != nil {
		invokeGuarded(run.logger, "on_complete", func() { params.OnComplete(result) })
	}
	c.publish(events.New(events.KindConversationCompleted, map[string]any{
		"conversation_id": conv.ID,
		"turns_taken":     result.TurnsTaken,
		"status":          string(result.Status),
	}, events.ConversationTopic(conv.ID)))
	return result, nil
}

type conversationRun struct {
	circle       *Circle
	conv         *models.Conversation
	participants map[int64]*models.Agent
	params       CollaborateParams
	rng          *rand.Rand
	rrCursor     int // next non-facilitator index for facilitator_led
	logger       *slog.Logger
}

func (r *conversationRun) loop(ctx context.Context) *models.ConversationResult {
	conv := r.conv
	for turn := 0; turn < conv.MaxTurns; turn++ {
		speakerID := r.nextSpeaker(turn)
		agent := r.participants[speakerID]

		if agent.Callbacks.ProcessMessage == nil {
			r.logger.Info("Speaker has no message callback, ending conversation",
				"agent_id", speakerID)
			break
		}

		prompt := r.buildPrompt(agent, turn)
		content, err := r.callWithDeadline(ctx, agent, prompt)
		if err != nil {
			if core.IsKind(err, core.KindTimeout) {
				content = NoResponseMarker
			} else {
				// Speaker declined: end cleanly with an annotation.
				conv.Error = fmt.Sprintf("agent %d: %v", speakerID, err)
				r.logger.Warn("Speaker declined, ending conversation",
					"agent_id", speakerID, "error", err)
				break
			}
		}
		content = strings.TrimSpace(content)

		msg := models.Message{
			Index:     len(conv.Messages),
			AgentID:   speakerID,
			Content:   content,
			Mentions:  r.extractMentions(content),
			Timestamp: time.Now(),
		}
		conv.Messages = append(conv.Messages, msg)

		r.circle.publish(events.NewFromAgent(events.KindConversationMessage, speakerID, map[string]any{
			"conversation_id": conv.ID,
			"index":           msg.Index,
			"content":         content,
			"mentions":        msg.Mentions,
		}, events.ConversationTopic(conv.ID)))
		if r.params.OnMessage != nil {
			invokeGuarded(r.logger, "on_message", func() { r.params.OnMessage(msg) })
		}

		if strings.Contains(content, models.CompletionMarker) {
			break
		}
	}

	now := time.Now()
	conv.Status = models.ConversationCompleted
	conv.CompletedAt = &now
	return &models.ConversationResult{
		ConversationID: conv.ID,
		Topic:          conv.Topic,
		Status:         conv.Status,
		TurnsTaken:     len(conv.Messages),
		Messages:       conv.Messages,
		Error:          conv.Error,
	}
}

// nextSpeaker selects the speaker for a 0-based turn index.
func (r *conversationRun) nextSpeaker(turn int) int64 {
	conv := r.conv
	n := len(conv.Participants)

	switch conv.Strategy {
	case models.StrategyMentionBased:
		if last := conv.LastMessage(); last != nil {
			for _, id := range last.Mentions {
				if conv.IsParticipant(id) {
					return id
				}
			}
		}
		return conv.Participants[turn%n]

	case models.StrategyFreeForm:
		var lastSpeaker int64 = -1
		if last := conv.LastMessage(); last != nil {
			lastSpeaker = last.AgentID
			for _, id := range last.Mentions {
				if conv.IsParticipant(id) && id != lastSpeaker {
					return id
				}
			}
		}
		candidates := make([]int64, 0, n)
		for _, id := range conv.Participants {
			if id != lastSpeaker {
				candidates = append(candidates, id)
			}
		}
		return candidates[r.rng.Intn(len(candidates))]

	case models.StrategyFacilitatorLed:
		facilitator := *conv.FacilitatorID
		// The facilitator opens and speaks after every other turn.
		if turn%2 == 0 {
			return facilitator
		}
		others := make([]int64, 0, n-1)
		for _, id := range conv.Participants {
			if id != facilitator {
				others = append(others, id)
			}
		}
		if last := conv.LastMessage(); last != nil && last.AgentID == facilitator {
			for _, id := range last.Mentions {
				if id != facilitator && conv.IsParticipant(id) {
					return id
				}
			}
		}
		speaker := others[r.rrCursor%len(others)]
		r.rrCursor++
		return speaker

	default: // round_robin
		return conv.Participants[turn%n]
	}
}

// buildPrompt assembles the turn prompt: topic, recent transcript, the
// speaker's identity, and the initial prompt on the opening turn.
func (r *conversationRun) buildPrompt(speaker *models.Agent, turn int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n", r.conv.Topic)
	if turn == 0 && r.params.InitialPrompt != "" {
		fmt.Fprintf(&b, "%s\n", r.params.InitialPrompt)
	}
	msgs := r.conv.Messages
	if len(msgs) > transcriptTail {
		msgs = msgs[len(msgs)-transcriptTail:]
	}
	for _, m := range msgs {
		name := "?"
		if a, ok := r.participants[m.AgentID]; ok {
			name = a.Name
		}
		fmt.Fprintf(&b, "%s: %s\n", name, m.Content)
	}
	fmt.Fprintf(&b, "You are %s. Reply with your next message.", speaker.Name)
	return b.String()
}

// callWithDeadline invokes the agent's message callback under the per-turn
// deadline. A missed deadline surfaces as a Timeout error; the callback's
// goroutine is left to finish on its own.
func (r *conversationRun) callWithDeadline(ctx context.Context, agent *models.Agent, prompt string) (string, error) {
	turnCtx, cancel := context.WithTimeout(ctx, r.circle.turnTimeout)
	defer cancel()

	type reply struct {
		content string
		err     error
	}
	done := make(chan reply, 1)
	go func() {
		content, err := agent.Callbacks.ProcessMessage(turnCtx, prompt)
		done <- reply{content, err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) {
			return "", core.Errorf(core.KindTimeout, "agent %d missed the turn deadline", agent.ID)
		}
		return res.content, res.err
	case <-turnCtx.Done():
		return "", core.Errorf(core.KindTimeout, "agent %d missed the turn deadline", agent.ID)
	}
}

// extractMentions resolves @Name references against participant names,
// case-insensitive, first participant-order match wins.
func (r *conversationRun) extractMentions(content string) []int64 {
	var ids []int64
	seen := make(map[int64]bool)
	for _, match := range mentionPattern.FindAllStringSubmatch(content, -1) {
		name := strings.ToLower(match[1])
		for _, id := range r.conv.Participants {
			if strings.ToLower(r.participants[id].Name) == name {
				if !seen[id] {
					seen[id] = true
					ids = append(ids, id)
				}
				break
			}
		}
	}
	return ids
}

func invokeGuarded(logger *slog.Logger, name string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Conversation callback panicked", "callback", name, "panic", rec)
		}
	}()
	fn()
}
