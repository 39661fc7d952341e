// Package circle implements the gathering circle: a bounded group of
// agents sharing tasks, conversations, and a facilitator. The facilitator
// routes tasks and arbitrates shared resources; the circle runs the task
// and review state machine and the conversation engine.
package circle

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gatherops/gather/pkg/events"
	"github.com/gatherops/gather/pkg/models"
)

// Scoring weights for task routing.
const (
	weightAvailability = 0.6
	weightSuccessRate  = 0.3
	weightReverseLoad  = 0.1
)

// Facilitator tracks per-agent metrics and file locks for one circle and
// picks the best-available agent for each task. It never raises: routing
// returns (0, false) when no agent qualifies, and conflicts are reported
// through the bus rather than by blocking the caller.
type Facilitator struct {
	mu        sync.Mutex
	metrics   map[int64]*models.AgentMetrics
	fileLocks map[string]int64
	conflicts []models.Conflict
	bus       *events.Bus
	logger    *slog.Logger
}

// NewFacilitator creates a facilitator publishing conflicts on the given bus.
func NewFacilitator(bus *events.Bus) *Facilitator {
	return &Facilitator{
		metrics:   make(map[int64]*models.AgentMetrics),
		fileLocks: make(map[string]int64),
		bus:       bus,
		logger:    slog.Default().With("component", "facilitator"),
	}
}

// RegisterAgent initializes metrics for a newly joined agent.
func (f *Facilitator) RegisterAgent(agentID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.metrics[agentID]; !ok {
		f.metrics[agentID] = &models.AgentMetrics{AgentID: agentID}
	}
}

// UnregisterAgent drops metrics and releases any file locks the agent holds.
func (f *Facilitator) UnregisterAgent(agentID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.metrics, agentID)
	for resource, holder := range f.fileLocks {
		if holder == agentID {
			delete(f.fileLocks, resource)
		}
	}
}

// Metrics returns a copy of the agent's metrics, or false if unknown.
func (f *Facilitator) Metrics(agentID int64) (models.AgentMetrics, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.metrics[agentID]
	if !ok {
		return models.AgentMetrics{}, false
	}
	return *m, true
}

// candidate pairs an agent with its routing inputs. Agents passed to
// RouteTask are snapshots owned by the circle; the facilitator reads only
// id, activity, and competencies.
type candidate struct {
	agent        *models.Agent
	score        float64
	availability float64
	workload     int
}

// RouteTask picks the best-available agent for the task. Candidates must
// be active, possess all required competencies, and not appear in
// excluded. Score is a weighted blend of availability, success rate, and
// inverse workload; ties break on higher availability, then lower
// workload, then lower id. Returns (0, false) when no agent qualifies —
// routing never errors.
func (f *Facilitator) RouteTask(task *models.CircleTask, agents []*models.Agent, excluded map[int64]bool) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if task.AssignedAgentID != nil && task.Status == models.TaskStatusInProgress {
		f.recordConflictLocked(models.Conflict{
			Kind:       models.ConflictTaskOverlap,
			AgentIDs:   []int64{*task.AssignedAgentID},
			Resource:   task.Title,
			DetectedAt: time.Now(),
		})
	}

	var best *candidate
	for _, agent := range agents {
		if !agent.Active || excluded[agent.ID] {
			continue
		}
		if !agent.HasCompetencies(task.RequiredCompetencies) {
			continue
		}
		m, ok := f.metrics[agent.ID]
		if !ok {
			m = &models.AgentMetrics{AgentID: agent.ID}
		}
		avail := m.AvailabilityScore()
		maxLoad := m.MaxWorkload
		if maxLoad <= 0 {
			maxLoad = models.DefaultMaxWorkload
		}
		reverse := 1.0 - float64(m.CurrentWorkload)/float64(maxLoad)
		if reverse < 0 {
			reverse = 0
		}
		c := &candidate{
			agent:        agent,
			score:        avail*weightAvailability + m.SuccessRate()*weightSuccessRate + reverse*weightReverseLoad,
			availability: avail,
			workload:     m.CurrentWorkload,
		}
		if best == nil || c.beats(best) {
			best = c
		}
	}
	if best == nil {
		return 0, false
	}
	f.logger.Debug("Routed task",
		"task_id", task.ID,
		"agent_id", best.agent.ID,
		"score", best.score)
	return best.agent.ID, true
}

func (c *candidate) beats(other *candidate) bool {
	if c.score != other.score {
		return c.score > other.score
	}
	if c.availability != other.availability {
		return c.availability > other.availability
	}
	if c.workload != other.workload {
		return c.workload < other.workload
	}
	return c.agent.ID < other.agent.ID
}

// AcquireFile takes an advisory lock on a resource. If a different agent
// already holds it, a FILE_COLLISION conflict is recorded and returned;
// the lock is not transferred. Locks exist to raise conflicts, not to
// block.
func (f *Facilitator) AcquireFile(resource string, agentID int64) *models.Conflict {
	f.mu.Lock()
	defer f.mu.Unlock()

	holder, held := f.fileLocks[resource]
	if held && holder != agentID {
		conflict := models.Conflict{
			Kind:       models.ConflictFileCollision,
			AgentIDs:   []int64{holder, agentID},
			Resource:   resource,
			DetectedAt: time.Now(),
		}
		f.recordConflictLocked(conflict)
		return &conflict
	}
	f.fileLocks[resource] = agentID
	return nil
}

// ReleaseFile drops the lock if the agent holds it.
func (f *Facilitator) ReleaseFile(resource string, agentID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if holder, held := f.fileLocks[resource]; held && holder == agentID {
		delete(f.fileLocks, resource)
	}
}

// CheckReviews records a CONFLICTING_REVIEWS conflict when two reviews of
// the same submission disagree on the decision.
func (f *Facilitator) CheckReviews(task *models.CircleTask, incoming *models.Review) *models.Conflict {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range task.ReviewHistory {
		prior := &task.ReviewHistory[i]
		if prior.Iteration == incoming.Iteration && prior.Decision != incoming.Decision {
			conflict := models.Conflict{
				Kind:       models.ConflictConflictingReviews,
				AgentIDs:   []int64{prior.ReviewerID, incoming.ReviewerID},
				Resource:   task.Title,
				DetectedAt: time.Now(),
			}
			f.recordConflictLocked(conflict)
			return &conflict
		}
	}
	return nil
}

// ReportDeadlock records an externally detected deadlock among agents.
func (f *Facilitator) ReportDeadlock(agentIDs []int64, resource string) models.Conflict {
	f.mu.Lock()
	defer f.mu.Unlock()
	conflict := models.Conflict{
		Kind:       models.ConflictDeadlock,
		AgentIDs:   agentIDs,
		Resource:   resource,
		DetectedAt: time.Now(),
	}
	f.recordConflictLocked(conflict)
	return conflict
}

// Conflicts returns a copy of all recorded conflicts.
func (f *Facilitator) Conflicts() []models.Conflict {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Conflict, len(f.conflicts))
	copy(out, f.conflicts)
	return out
}

func (f *Facilitator) recordConflictLocked(conflict models.Conflict) {
	f.conflicts = append(f.conflicts, conflict)
	f.logger.Warn("Conflict detected",
		"kind", string(conflict.Kind),
		"resource", conflict.Resource,
		"agent_ids", conflict.AgentIDs)
	if f.bus != nil {
		f.bus.Publish(events.New(events.KindConflict, map[string]any{
			"kind":      string(conflict.Kind),
			"agent_ids": conflict.AgentIDs,
			"resource":  conflict.Resource,
		}, events.TopicAgents))
	}
}

// Workload bookkeeping. The circle calls these on task transitions so the
// invariant holds: current_workload equals the count of the agent's tasks
// in assigned, in_progress, or in_review.

// TaskTaken increments the agent's workload.
func (f *Facilitator) TaskTaken(agentID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.metricsLocked(agentID)
	m.CurrentWorkload++
	m.LastActiveAt = time.Now()
}

// TaskCompleted decrements workload and records the completion.
func (f *Facilitator) TaskCompleted(agentID int64, duration time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.metricsLocked(agentID)
	if m.CurrentWorkload > 0 {
		m.CurrentWorkload--
	}
	ms := float64(duration.Milliseconds())
	m.AverageCompletionMS = (m.AverageCompletionMS*float64(m.TasksCompleted) + ms) / float64(m.TasksCompleted+1)
	m.TasksCompleted++
	m.LastActiveAt = time.Now()
}

// TaskFailed decrements workload and records the failure.
func (f *Facilitator) TaskFailed(agentID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.metricsLocked(agentID)
	if m.CurrentWorkload > 0 {
		m.CurrentWorkload--
	}
	m.TasksFailed++
	m.LastActiveAt = time.Now()
}

// ReviewDone records a completed review.
func (f *Facilitator) ReviewDone(agentID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.metricsLocked(agentID)
	m.ReviewsDone++
	m.LastActiveAt = time.Now()
}

func (f *Facilitator) metricsLocked(agentID int64) *models.AgentMetrics {
	m, ok := f.metrics[agentID]
	if !ok {
		m = &models.AgentMetrics{AgentID: agentID}
		f.metrics[agentID] = m
	}
	return m
}
