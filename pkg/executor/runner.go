package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gatherops/gather/pkg/events"
	"github.com/gatherops/gather/pkg/models"
)

// runner drives one background task's goal loop. It owns nothing durable:
// every iteration starts by refreshing the task from the store and honors
// whatever status it finds there.
type runner struct {
	exec    *Executor
	taskID  string
	agentID int64
	logger  *slog.Logger
}

func (r *runner) loop(ctx context.Context) {
	e := r.exec
	stepFn := e.resolve(r.agentID)
	if stepFn == nil {
		r.fail(ctx, "agent has no background step handler")
		return
	}

	retried := false
	for {
		if ctx.Err() != nil {
			e.persistInterrupted(r.taskID, "force-cancelled")
			return
		}

		// Boundary: durable state wins.
		task, err := e.store.GetBackgroundTask(ctx, r.taskID)
		if err != nil {
			r.logger.Error("Failed to refresh task", "error", err)
			return
		}
		switch task.Status {
		case models.BackgroundRunning:
		case models.BackgroundPaused:
			r.logger.Info("Runner yielding, task paused", "current_step", task.CurrentStep)
			return
		default:
			r.logger.Info("Runner exiting", "status", task.Status)
			return
		}

		if task.CurrentStep >= task.MaxSteps {
			r.terminate(ctx, models.BackgroundFailed, "max steps reached",
				events.KindBackgroundFailed, true)
			return
		}
		if deadline := task.Deadline(); !deadline.IsZero() && time.Now().After(deadline) {
			r.terminate(ctx, models.BackgroundTimeout, "wall-clock timeout exceeded",
				events.KindBackgroundTimeout, false)
			return
		}

		prior, err := e.store.ListTaskSteps(ctx, r.taskID)
		if err != nil {
			r.logger.Error("Failed to load prior steps", "error", err)
			return
		}

		stepStart := time.Now()
		action, err := stepFn(ctx, task, prior)
		if err != nil {
			if !retried {
				// One in-place retry with backoff.
				retried = true
				r.logger.Warn("Step failed, retrying", "step", task.CurrentStep+1, "error", err)
				sleepCtx(ctx, e.retryBackoff)
				continue
			}
			// The failed attempt occupies the next step number.
			task.CurrentStep++
			r.recordStep(ctx, task, &models.TaskStep{
				ActionKind: models.StepActionMessage,
				Output:     err.Error(),
				Success:    false,
			}, stepStart)
			r.terminate(ctx, models.BackgroundFailed, "step failed twice: "+err.Error(),
				events.KindBackgroundFailed, true)
			return
		}
		retried = false

		step := &models.TaskStep{
			ActionKind: action.Kind,
			Success:    true,
		}
		switch action.Kind {
		case models.StepActionTool:
			step.Tool = action.Tool
			step.Input = action.Input
			output, dispatchErr := e.dispatcher.Dispatch(ctx, action.Tool, action.Input)
			if dispatchErr != nil {
				step.Success = false
				step.Output = dispatchErr.Error()
			} else {
				step.Output = stringifyOutput(output)
			}
		case models.StepActionMessage:
			step.Output = action.Message
			e.publish(events.NewFromAgent(events.KindTaskStep, r.agentID, map[string]any{
				"task_id": r.taskID,
				"message": action.Message,
			}, events.BackgroundTopic(r.taskID)))
		case models.StepActionTerminal:
			step.Output = action.Result
		default:
			r.terminate(ctx, models.BackgroundFailed, "unknown step action kind",
				events.KindBackgroundFailed, true)
			return
		}

		task.CurrentStep++
		r.recordStep(ctx, task, step, stepStart)
		// Progress only: a pause or cancel that landed while the step was
		// in flight must survive to the next boundary check.
		if err := e.store.UpdateTaskProgress(ctx, r.taskID, task.CurrentStep, task.GoalContext); err != nil {
			r.logger.Error("Failed to persist step counter", "error", err)
		}

		// Checkpoint on the interval and at every tool boundary.
		if task.CurrentStep%task.CheckpointInterval == 0 || action.Kind == models.StepActionTool {
			r.checkpoint(ctx, task, step.Output)
		}

		if action.Kind == models.StepActionTerminal {
			r.terminate(ctx, models.BackgroundCompleted, "",
				events.KindBackgroundCompleted, false)
			return
		}

		if !sleepCtx(ctx, e.stepBackoff) {
			e.persistInterrupted(r.taskID, "force-cancelled")
			return
		}
	}
}

func (r *runner) recordStep(ctx context.Context, task *models.BackgroundTask, step *models.TaskStep, started time.Time) {
	step.TaskID = r.taskID
	step.Number = task.CurrentStep
	step.DurationMS = time.Since(started).Milliseconds()
	if err := r.exec.store.AppendTaskStep(ctx, step); err != nil {
		r.logger.Error("Failed to record step", "step", step.Number, "error", err)
	}
}

func (r *runner) checkpoint(ctx context.Context, task *models.BackgroundTask, lastOutput string) {
	cp := &models.Checkpoint{
		TaskID:     r.taskID,
		Step:       task.CurrentStep,
		LastOutput: lastOutput,
		Context:    task.GoalContext,
	}
	if err := r.exec.store.SaveCheckpoint(ctx, cp); err != nil {
		r.logger.Error("Failed to save checkpoint", "step", task.CurrentStep, "error", err)
		return
	}
	r.exec.publish(events.New(events.KindTaskCheckpoint, map[string]any{
		"task_id": r.taskID,
		"step":    task.CurrentStep,
	}, events.BackgroundTopic(r.taskID)))
}

// terminate moves the task to a terminal status and emits the matching
// event, plus an escalation when requested. Runner errors never propagate
// out of the executor.
func (r *runner) terminate(ctx context.Context, status models.BackgroundStatus, note string, kind events.Kind, escalate bool) {
	if err := r.exec.casWithRetry(ctx, r.taskID, models.BackgroundRunning, status, note); err != nil {
		r.logger.Warn("Terminal transition lost", "to", status, "error", err)
		return
	}
	r.exec.publish(events.New(kind, map[string]any{
		"task_id": r.taskID,
		"note":    note,
	}, events.BackgroundTopic(r.taskID)))
	if escalate {
		r.exec.publish(events.New(events.KindEscalation, map[string]any{
			"task_id": r.taskID,
			"reason":  note,
		}, events.BackgroundTopic(r.taskID)))
	}
	r.logger.Info("Runner finished", "status", status, "note", note)
}

func (r *runner) fail(ctx context.Context, note string) {
	r.terminate(ctx, models.BackgroundFailed, note, events.KindBackgroundFailed, true)
}

// sleepCtx sleeps for d unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// stringifyOutput flattens a tool result for the step log.
func stringifyOutput(output map[string]any) string {
	if len(output) == 0 {
		return ""
	}
	raw, err := json.Marshal(output)
	if err != nil {
		return fmt.Sprintf("%v", output)
	}
	return string(raw)
}
