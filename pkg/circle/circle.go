package circle

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gatherops/gather/pkg/core"
	"github.com/gatherops/gather/pkg/events"
	"github.com/gatherops/gather/pkg/models"
)

// Status is the circle lifecycle state.
type Status string

// Circle statuses.
const (
	StatusInitializing Status = "initializing"
	StatusStarting     Status = "starting"
	StatusRunning      Status = "running"
	StatusPaused       Status = "paused"
	StatusStopping     Status = "stopping"
	StatusStopped      Status = "stopped"
)

// Defaults for circle options.
const (
	DefaultMaxIterations   = 3
	DefaultStopGracePeriod = 10 * time.Second
	DefaultTurnTimeout     = 60 * time.Second
	DefaultMaxTurns        = 10
)

// Options configure a circle. Zero values select the documented defaults;
// RequireReview and AutoRoute default to true and are disabled through the
// explicit Disable fields so the zero Options value is useful.
type Options struct {
	DisableReview    bool
	DisableAutoRoute bool
	MaxIterations    int
	StopGracePeriod  time.Duration
	TurnTimeout      time.Duration

	// Seed drives the free-form strategy RNG. Zero means seed from the
	// clock; tests pass a fixed seed for reproducible speaker order.
	Seed int64
}

// mentionPattern extracts @Name references from message content.
var mentionPattern = regexp.MustCompile(`@([A-Za-z][A-Za-z0-9_]*)`)

// Circle is a bounded group of agents sharing tasks, conversations, and a
// facilitator. It owns its agents and tasks exclusively; outside callers
// refer to them by id.
type Circle struct {
	mu sync.Mutex

	name          string
	status        Status
	requireReview bool
	autoRoute     bool
	maxIterations int
	stopGrace     time.Duration
	turnTimeout   time.Duration
	seed          int64

	agents      map[int64]*models.Agent
	nextAgentID int64

	tasks      map[int64]*models.CircleTask
	nextTaskID int64

	conversations map[string]*models.Conversation

	facilitator *Facilitator
	bus         *events.Bus
	logger      *slog.Logger
}

// New creates a circle in initializing status.
func New(name string, bus *events.Bus, opts Options) *Circle {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.StopGracePeriod <= 0 {
		opts.StopGracePeriod = DefaultStopGracePeriod
	}
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = DefaultTurnTimeout
	}
	return &Circle{
		name:          name,
		status:        StatusInitializing,
		requireReview: !opts.DisableReview,
		autoRoute:     !opts.DisableAutoRoute,
		maxIterations: opts.MaxIterations,
		stopGrace:     opts.StopGracePeriod,
		turnTimeout:   opts.TurnTimeout,
		seed:          opts.Seed,
		agents:        make(map[int64]*models.Agent),
		tasks:         make(map[int64]*models.CircleTask),
		conversations: make(map[string]*models.Conversation),
		facilitator:   NewFacilitator(bus),
		bus:           bus,
		logger:        slog.Default().With("circle", name),
	}
}

// Name returns the circle name.
func (c *Circle) Name() string { return c.name }

// Facilitator returns the circle's facilitator.
func (c *Circle) Facilitator() *Facilitator { return c.facilitator }

// Status returns the current lifecycle status.
func (c *Circle) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Start transitions the circle to running and announces it on the bus.
func (c *Circle) Start() error {
	c.mu.Lock()
	if c.status != StatusInitializing && c.status != StatusStopped {
		c.mu.Unlock()
		return core.Errorf(core.KindInvalidState, "circle %s cannot start from %s", c.name, c.status)
	}
	c.status = StatusStarting
	c.status = StatusRunning
	c.mu.Unlock()

	c.logger.Info("Circle started")
	c.publish(events.New(events.KindCircleStarted, map[string]any{
		"circle": c.name,
	}))
	return nil
}

// Pause suspends new claims; in-flight tasks continue.
func (c *Circle) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusRunning {
		return core.Errorf(core.KindInvalidState, "circle %s cannot pause from %s", c.name, c.status)
	}
	c.status = StatusPaused
	c.publish(events.New(events.KindCirclePaused, map[string]any{"circle": c.name}))
	return nil
}

// Resume re-enables a paused circle.
func (c *Circle) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusPaused {
		return core.Errorf(core.KindInvalidState, "circle %s cannot resume from %s", c.name, c.status)
	}
	c.status = StatusRunning
	return nil
}

// Stop refuses new claims and drains in-flight tasks for the grace period,
// then force-cancels whatever remains. Safe to call once; subsequent calls
// return InvalidState.
func (c *Circle) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.status == StatusStopped || c.status == StatusStopping {
		c.mu.Unlock()
		return core.Errorf(core.KindInvalidState, "circle %s already %s", c.name, c.status)
	}
	c.status = StatusStopping
	c.mu.Unlock()

	c.logger.Info("Circle stopping", "grace_period", c.stopGrace)

	deadline := time.Now().Add(c.stopGrace)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) && c.activeTaskCount() > 0 {
		select {
		case <-ctx.Done():
			break
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			break
		}
	}

	// Grace expired: force-cancel survivors.
	c.mu.Lock()
	for _, task := range c.tasks {
		if !task.Status.Terminal() {
			c.failTaskLocked(task, "cancelled on circle stop")
		}
	}
	c.status = StatusStopped
	c.mu.Unlock()

	c.publish(events.New(events.KindCircleStopped, map[string]any{"circle": c.name}))
	c.logger.Info("Circle stopped")
	return nil
}

func (c *Circle) activeTaskCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, task := range c.tasks {
		if task.Status == models.TaskStatusInProgress || task.Status == models.TaskStatusInReview {
			n++
		}
	}
	return n
}

// --- Agents ---

// AddAgent registers an agent with the circle and its facilitator. A zero
// id is assigned automatically.
func (c *Circle) AddAgent(agent *models.Agent) (int64, error) {
	if agent.Name == "" {
		return 0, core.Errorf(core.KindBadInput, "agent name is required")
	}
	c.mu.Lock()
	if agent.ID == 0 {
		c.nextAgentID++
		agent.ID = c.nextAgentID
	} else if agent.ID > c.nextAgentID {
		c.nextAgentID = agent.ID
	}
	if _, exists := c.agents[agent.ID]; exists {
		c.mu.Unlock()
		return 0, core.Errorf(core.KindConflict, "agent %d already registered", agent.ID)
	}
	agent.Active = true
	c.agents[agent.ID] = agent
	c.mu.Unlock()

	c.facilitator.RegisterAgent(agent.ID)
	c.publish(events.NewFromAgent(events.KindAgentJoined, agent.ID, map[string]any{
		"agent_id": agent.ID,
		"name":     agent.Name,
	}, events.AgentTopic(agent.ID)))
	c.logger.Info("Agent joined", "agent_id", agent.ID, "name", agent.Name)
	return agent.ID, nil
}

// RemoveAgent drops an agent from the circle.
func (c *Circle) RemoveAgent(agentID int64) error {
	c.mu.Lock()
	agent, ok := c.agents[agentID]
	if !ok {
		c.mu.Unlock()
		return core.Errorf(core.KindNotFound, "agent %d not found", agentID)
	}
	agent.Active = false
	delete(c.agents, agentID)
	c.mu.Unlock()

	c.facilitator.UnregisterAgent(agentID)
	c.publish(events.NewFromAgent(events.KindAgentLeft, agentID, map[string]any{
		"agent_id": agentID,
		"name":     agent.Name,
	}, events.AgentTopic(agentID)))
	return nil
}

// Agent returns the registered agent, or a NotFound error.
func (c *Circle) Agent(agentID int64) (*models.Agent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	agent, ok := c.agents[agentID]
	if !ok {
		return nil, core.Errorf(core.KindNotFound, "agent %d not found", agentID)
	}
	return agent, nil
}

func (c *Circle) agentSnapshot() []*models.Agent {
	agents := make([]*models.Agent, 0, len(c.agents))
	for _, a := range c.agents {
		agents = append(agents, a)
	}
	return agents
}

// --- Tasks ---

// CreateTask registers a new task and, when auto-routing is enabled, asks
// the facilitator for an assignee immediately. Returns the task id.
func (c *Circle) CreateTask(title, description string, requiredCompetencies []string, priority int) (int64, error) {
	if title == "" {
		return 0, core.Errorf(core.KindBadInput, "task title is required")
	}
	if priority < 1 || priority > 5 {
		return 0, core.Errorf(core.KindBadInput, "priority %d out of range 1..5", priority)
	}

	c.mu.Lock()
	c.nextTaskID++
	task := &models.CircleTask{
		ID:                   c.nextTaskID,
		Title:                title,
		Description:          description,
		RequiredCompetencies: requiredCompetencies,
		Priority:             priority,
		Status:               models.TaskStatusPending,
		Iteration:            1,
		CreatedAt:            time.Now(),
	}
	c.tasks[task.ID] = task
	agents := c.agentSnapshot()
	autoRoute := c.autoRoute
	c.mu.Unlock()

	c.publish(events.New(events.KindTaskCreated, map[string]any{
		"task_id": task.ID,
		"title":   title,
	}, events.TaskTopic(task.ID)))

	if autoRoute {
		if agentID, ok := c.facilitator.RouteTask(task, agents, nil); ok {
			c.mu.Lock()
			task.AssignedAgentID = &agentID
			task.Status = models.TaskStatusAssigned
			c.mu.Unlock()
			c.facilitator.TaskTaken(agentID)
			c.publish(events.NewFromAgent(events.KindTaskAssigned, agentID, map[string]any{
				"task_id":  task.ID,
				"agent_id": agentID,
			}, events.TaskTopic(task.ID), events.AgentTopic(agentID)))
		} else {
			c.publish(events.New(events.KindTaskPendingNoAgent, map[string]any{
				"task_id": task.ID,
			}, events.TaskTopic(task.ID)))
			c.logger.Warn("No agent available for task", "task_id", task.ID)
		}
	}
	return task.ID, nil
}

// ClaimTask moves a task to in_progress for the claiming agent. The task
// must be pending, or assigned to this agent; the agent's accept callback
// (default accept) gets the final word. Returns false without error when
// the agent declines.
func (c *Circle) ClaimTask(taskID, agentID int64) (bool, error) {
	c.mu.Lock()
	if c.status != StatusRunning {
		c.mu.Unlock()
		return false, core.Errorf(core.KindCapacity, "circle %s is %s, not accepting claims", c.name, c.status)
	}
	task, ok := c.tasks[taskID]
	if !ok {
		c.mu.Unlock()
		return false, core.Errorf(core.KindNotFound, "task %d not found", taskID)
	}
	agent, ok := c.agents[agentID]
	if !ok {
		c.mu.Unlock()
		return false, core.Errorf(core.KindNotFound, "agent %d not found", agentID)
	}
	switch task.Status {
	case models.TaskStatusPending:
	case models.TaskStatusAssigned:
		if task.AssignedAgentID == nil || *task.AssignedAgentID != agentID {
			c.mu.Unlock()
			return false, core.Errorf(core.KindNotAuthorized, "task %d is assigned to another agent", taskID)
		}
	default:
		c.mu.Unlock()
		return false, core.Errorf(core.KindInvalidState, "task %d is %s, cannot claim", taskID, task.Status)
	}
	c.mu.Unlock()

	if accept := agent.Callbacks.AcceptTask; accept != nil && !accept(task) {
		c.logger.Info("Agent declined task", "task_id", taskID, "agent_id", agentID)
		return false, nil
	}

	// The callback ran unlocked; anything may have moved. Re-validate
	// before writing so a cancel or a racing claim is never clobbered.
	c.mu.Lock()
	if c.status != StatusRunning {
		c.mu.Unlock()
		return false, core.Errorf(core.KindCapacity, "circle %s is %s, not accepting claims", c.name, c.status)
	}
	if _, ok := c.agents[agentID]; !ok {
		c.mu.Unlock()
		return false, core.Errorf(core.KindNotFound, "agent %d left during claim", agentID)
	}
	switch task.Status {
	case models.TaskStatusPending:
	case models.TaskStatusAssigned:
		if task.AssignedAgentID == nil || *task.AssignedAgentID != agentID {
			c.mu.Unlock()
			return false, core.Errorf(core.KindConflict, "task %d was reassigned during claim", taskID)
		}
	default:
		c.mu.Unlock()
		return false, core.Errorf(core.KindConflict, "task %d became %s during claim", taskID, task.Status)
	}
	wasPending := task.Status == models.TaskStatusPending
	now := time.Now()
	task.AssignedAgentID = &agentID
	task.Status = models.TaskStatusInProgress
	task.StartedAt = &now
	agent.CurrentTaskID = &taskID
	c.mu.Unlock()

	// An assigned task already counts toward workload.
	if wasPending {
		c.facilitator.TaskTaken(agentID)
	}
	c.publish(events.NewFromAgent(events.KindTaskClaimed, agentID, map[string]any{
		"task_id":  taskID,
		"agent_id": agentID,
	}, events.TaskTopic(taskID), events.AgentTopic(agentID)))
	return true, nil
}

// SubmitTask records the holder's result. With review enabled a reviewer
// is selected and the task moves to in_review; otherwise it completes.
func (c *Circle) SubmitTask(taskID, agentID int64, result string, artifacts []models.Artifact) error {
	c.mu.Lock()
	task, ok := c.tasks[taskID]
	if !ok {
		c.mu.Unlock()
		return core.Errorf(core.KindNotFound, "task %d not found", taskID)
	}
	if task.Status != models.TaskStatusInProgress {
		c.mu.Unlock()
		return core.Errorf(core.KindInvalidState, "task %d is %s, cannot submit", taskID, task.Status)
	}
	if task.AssignedAgentID == nil || *task.AssignedAgentID != agentID {
		c.mu.Unlock()
		return core.Errorf(core.KindNotAuthorized, "agent %d does not hold task %d", agentID, taskID)
	}
	task.Result = result
	task.Artifacts = append(task.Artifacts, artifacts...)

	if !c.requireReview {
		c.completeTaskLocked(task)
		c.mu.Unlock()
		return nil
	}

	reviewerID, found := c.selectReviewerLocked(task, agentID)
	if !found {
		// Nobody else can review; complete directly rather than strand
		// the task in review forever.
		c.logger.Warn("No reviewer available, completing without review", "task_id", taskID)
		c.completeTaskLocked(task)
		c.mu.Unlock()
		return nil
	}
	task.ReviewerID = &reviewerID
	task.Status = models.TaskStatusInReview
	c.mu.Unlock()

	c.publish(events.NewFromAgent(events.KindTaskSubmitted, agentID, map[string]any{
		"task_id": taskID,
	}, events.TaskTopic(taskID)))
	c.publish(events.New(events.KindReviewRequested, map[string]any{
		"task_id":     taskID,
		"reviewer_id": reviewerID,
		"iteration":   task.Iteration,
	}, events.TaskTopic(taskID), events.AgentTopic(reviewerID)))
	return nil
}

// selectReviewerLocked picks a reviewer: a different active agent whose
// can_review intersects the task's artifact kinds, falling back to any
// other active agent.
func (c *Circle) selectReviewerLocked(task *models.CircleTask, authorID int64) (int64, bool) {
	kinds := task.ArtifactKinds()
	var fallback *int64
	var best *int64
	for _, agent := range c.agents {
		if agent.ID == authorID || !agent.Active {
			continue
		}
		if agent.CanReviewAny(kinds) {
			if best == nil || agent.ID < *best {
				id := agent.ID
				best = &id
			}
			continue
		}
		if fallback == nil || agent.ID < *fallback {
			id := agent.ID
			fallback = &id
		}
	}
	if best != nil {
		return *best, true
	}
	if fallback != nil {
		return *fallback, true
	}
	return 0, false
}

// SubmitReview records the reviewer's decision. approved completes the
// task; changes_requested sends it back to in_progress with an
// incremented iteration, escalating past the iteration cap; rejected
// fails the task and emits an escalation.
func (c *Circle) SubmitReview(taskID, reviewerID int64, decision models.ReviewDecision, score *float64, feedback string, changes []string) error {
	switch decision {
	case models.ReviewApproved, models.ReviewChangesRequested, models.ReviewRejected:
	default:
		return core.Errorf(core.KindBadInput, "unknown review decision %q", decision)
	}

	c.mu.Lock()
	task, ok := c.tasks[taskID]
	if !ok {
		c.mu.Unlock()
		return core.Errorf(core.KindNotFound, "task %d not found", taskID)
	}
	if task.Status != models.TaskStatusInReview {
		c.mu.Unlock()
		return core.Errorf(core.KindInvalidState, "task %d is %s, cannot review", taskID, task.Status)
	}
	if task.ReviewerID == nil || *task.ReviewerID != reviewerID {
		c.mu.Unlock()
		return core.Errorf(core.KindNotAuthorized, "agent %d is not the reviewer of task %d", reviewerID, taskID)
	}

	review := models.Review{
		ReviewerID: reviewerID,
		Decision:   decision,
		Score:      score,
		Feedback:   feedback,
		Changes:    changes,
		Iteration:  task.Iteration,
		ReviewedAt: time.Now(),
	}
	c.mu.Unlock()
	c.facilitator.CheckReviews(task, &review)
	c.facilitator.ReviewDone(reviewerID)

	// The facilitator calls ran unlocked; the task may have been
	// cancelled or reassigned in the meantime.
	c.mu.Lock()
	if task.Status != models.TaskStatusInReview || task.ReviewerID == nil || *task.ReviewerID != reviewerID {
		c.mu.Unlock()
		return core.Errorf(core.KindConflict, "task %d changed during review, review not applied", taskID)
	}
	task.ReviewHistory = append(task.ReviewHistory, review)

	switch decision {
	case models.ReviewApproved:
		c.completeTaskLocked(task)
	case models.ReviewChangesRequested:
		if task.Iteration >= c.maxIterations {
			c.mu.Unlock()
			c.escalate(task, "iteration cap reached after changes_requested")
			c.mu.Lock()
		} else {
			task.Iteration++
			task.Status = models.TaskStatusInProgress
			task.ReviewerID = nil
		}
	case models.ReviewRejected:
		c.mu.Unlock()
		c.escalate(task, "review rejected: "+feedback)
		c.mu.Lock()
	}
	c.mu.Unlock()

	c.publish(events.NewFromAgent(events.KindReviewCompleted, reviewerID, map[string]any{
		"task_id":  taskID,
		"decision": string(decision),
	}, events.TaskTopic(taskID)))
	return nil
}

// CancelTask fails any non-terminal task. Reserved for privileged
// callers; the circle does not check agent identity here.
func (c *Circle) CancelTask(taskID int64, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	task, ok := c.tasks[taskID]
	if !ok {
		return core.Errorf(core.KindNotFound, "task %d not found", taskID)
	}
	if task.Status.Terminal() {
		return core.Errorf(core.KindInvalidState, "task %d is already %s", taskID, task.Status)
	}
	c.failTaskLocked(task, reason)
	return nil
}

// Task returns the task by id, or a NotFound error.
func (c *Circle) Task(taskID int64) (*models.CircleTask, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	task, ok := c.tasks[taskID]
	if !ok {
		return nil, core.Errorf(core.KindNotFound, "task %d not found", taskID)
	}
	return task, nil
}

// completeTaskLocked finalizes a successful task. Caller holds c.mu.
func (c *Circle) completeTaskLocked(task *models.CircleTask) {
	now := time.Now()
	task.Status = models.TaskStatusCompleted
	task.CompletedAt = &now
	var agentID int64
	if task.AssignedAgentID != nil {
		agentID = *task.AssignedAgentID
		if agent, ok := c.agents[agentID]; ok {
			agent.CurrentTaskID = nil
		}
		duration := time.Duration(0)
		if task.StartedAt != nil {
			duration = now.Sub(*task.StartedAt)
		}
		c.facilitator.TaskCompleted(agentID, duration)
	}
	c.publish(events.New(events.KindTaskCompleted, map[string]any{
		"task_id":  task.ID,
		"agent_id": agentID,
	}, events.TaskTopic(task.ID)))
	c.logger.Info("Task completed", "task_id", task.ID, "agent_id", agentID)
}

// failTaskLocked finalizes a failed task. Caller holds c.mu.
func (c *Circle) failTaskLocked(task *models.CircleTask, reason string) {
	now := time.Now()
	countedWorkload := task.Status.CountsTowardWorkload()
	task.Status = models.TaskStatusFailed
	task.CompletedAt = &now
	task.Result = reason
	if task.AssignedAgentID != nil {
		if agent, ok := c.agents[*task.AssignedAgentID]; ok {
			agent.CurrentTaskID = nil
		}
		if countedWorkload {
			c.facilitator.TaskFailed(*task.AssignedAgentID)
		}
	}
	c.publish(events.New(events.KindTaskFailed, map[string]any{
		"task_id": task.ID,
		"reason":  reason,
	}, events.TaskTopic(task.ID)))
	c.logger.Warn("Task failed", "task_id", task.ID, "reason", reason)
}

// escalate fails the task and raises an escalation event.
func (c *Circle) escalate(task *models.CircleTask, reason string) {
	c.mu.Lock()
	c.failTaskLocked(task, reason)
	c.mu.Unlock()
	c.publish(events.New(events.KindEscalation, map[string]any{
		"task_id": task.ID,
		"reason":  reason,
	}, events.TaskTopic(task.ID)))
}

// --- Messaging ---

// SendMessage posts a broadcast message from an agent and emits a MENTION
// event for every @Name reference that resolves to a registered agent.
// Explicit mention ids are merged with extracted ones.
func (c *Circle) SendMessage(fromAgentID int64, content string, mentions []int64) error {
	c.mu.Lock()
	if _, ok := c.agents[fromAgentID]; !ok {
		c.mu.Unlock()
		return core.Errorf(core.KindNotFound, "agent %d not found", fromAgentID)
	}
	resolved := c.resolveMentionsLocked(content)
	c.mu.Unlock()

	seen := make(map[int64]bool)
	all := make([]int64, 0, len(mentions)+len(resolved))
	for _, id := range append(mentions, resolved...) {
		if !seen[id] {
			seen[id] = true
			all = append(all, id)
		}
	}

	c.publish(events.NewFromAgent(events.KindMessage, fromAgentID, map[string]any{
		"content":  content,
		"mentions": all,
	}, events.AgentTopic(fromAgentID)))
	for _, id := range all {
		c.publish(events.NewFromAgent(events.KindMention, fromAgentID, map[string]any{
			"mentioned_id": id,
			"content":      content,
		}, events.AgentTopic(id)))
	}
	return nil
}

// resolveMentionsLocked maps @Name references to agent ids. Resolution is
// case-insensitive; the first registered agent with a matching name wins.
func (c *Circle) resolveMentionsLocked(content string) []int64 {
	var ids []int64
	for _, match := range mentionPattern.FindAllStringSubmatch(content, -1) {
		name := strings.ToLower(match[1])
		var found *int64
		for _, agent := range c.agents {
			if strings.ToLower(agent.Name) == name {
				if found == nil || agent.ID < *found {
					id := agent.ID
					found = &id
				}
			}
		}
		if found != nil {
			ids = append(ids, *found)
		}
	}
	return ids
}

func (c *Circle) publish(e events.Event) {
	if c.bus == nil {
		return
	}
	e.Topics = append(e.Topics, events.TopicCircles, events.CircleTopic(c.name))
	c.bus.Publish(e)
}
