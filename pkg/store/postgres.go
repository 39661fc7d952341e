package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gatherops/gather/pkg/core"
	"github.com/gatherops/gather/pkg/models"
)

// PostgresStore implements Store on a PostgreSQL database. Status
// transitions use conditional UPDATEs so the compare-and-set semantics
// hold across processes, not just within one.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection pool. The schema is managed
// by the database package's embedded migrations.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// --- Background tasks ---

func (s *PostgresStore) CreateBackgroundTask(ctx context.Context, task *models.BackgroundTask) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	goalCtx, err := marshalJSON(task.GoalContext)
	if err != nil {
		return core.WrapExternal("encoding goal context", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO background_tasks (
			id, agent_id, goal, goal_context,
			current_step, max_steps, checkpoint_interval, timeout_seconds,
			status, created_at, started_at, completed_at, last_checkpoint_at, error
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO NOTHING`,
		task.ID, task.AgentID, task.Goal, goalCtx,
		task.CurrentStep, task.MaxSteps, task.CheckpointInterval, task.TimeoutSeconds,
		task.Status, task.CreatedAt, task.StartedAt, task.CompletedAt, task.LastCheckpointAt, task.Error,
	)
	if err != nil {
		return core.WrapExternal("inserting background task", err)
	}
	return nil
}

func (s *PostgresStore) GetBackgroundTask(ctx context.Context, id string) (*models.BackgroundTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, goal, goal_context,
		       current_step, max_steps, checkpoint_interval, timeout_seconds,
		       status, created_at, started_at, completed_at, last_checkpoint_at, error
		FROM background_tasks WHERE id = $1`, id)
	return scanTask(row, id)
}

func (s *PostgresStore) UpdateBackgroundTask(ctx context.Context, task *models.BackgroundTask) error {
	goalCtx, err := marshalJSON(task.GoalContext)
	if err != nil {
		return core.WrapExternal("encoding goal context", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE background_tasks SET
			agent_id = $2, goal = $3, goal_context = $4,
			current_step = $5, max_steps = $6, checkpoint_interval = $7, timeout_seconds = $8,
			status = $9, started_at = $10, completed_at = $11, last_checkpoint_at = $12, error = $13
		WHERE id = $1`,
		task.ID, task.AgentID, task.Goal, goalCtx,
		task.CurrentStep, task.MaxSteps, task.CheckpointInterval, task.TimeoutSeconds,
		task.Status, task.StartedAt, task.CompletedAt, task.LastCheckpointAt, task.Error,
	)
	if err != nil {
		return core.WrapExternal("updating background task", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return core.Errorf(core.KindNotFound, "background task %s not found", task.ID)
	}
	return nil
}

func (s *PostgresStore) CompareAndSetTaskStatus(ctx context.Context, id string, from, to models.BackgroundStatus, note string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE background_tasks SET
			status = $3,
			error = CASE WHEN $4 <> '' THEN $4 ELSE error END,
			started_at = CASE WHEN $5 AND started_at IS NULL THEN now() ELSE started_at END,
			completed_at = CASE WHEN $6 AND completed_at IS NULL THEN now() ELSE completed_at END
		WHERE id = $1 AND status = $2`,
		id, from, to, note, to == models.BackgroundRunning, to.Terminal(),
	)
	if err != nil {
		return core.WrapExternal("transitioning background task", err)
	}
	affected, _ := res.RowsAffected()
	if affected > 0 {
		return nil
	}

	// The conditional update matched nothing: distinguish a missing task
	// from a stale expected status.
	var current models.BackgroundStatus
	err = s.db.QueryRowContext(ctx,
		`SELECT status FROM background_tasks WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Errorf(core.KindNotFound, "background task %s not found", id)
	}
	if err != nil {
		return core.WrapExternal("reading background task status", err)
	}
	return core.Errorf(core.KindConflict,
		"background task %s is %s, expected %s", id, current, from)
}

func (s *PostgresStore) UpdateTaskProgress(ctx context.Context, id string, currentStep int, goalContext map[string]any) error {
	goalCtx, err := marshalJSON(goalContext)
	if err != nil {
		return core.WrapExternal("encoding goal context", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE background_tasks SET current_step = $2, goal_context = $3
		WHERE id = $1`,
		id, currentStep, goalCtx,
	)
	if err != nil {
		return core.WrapExternal("updating task progress", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return core.Errorf(core.KindNotFound, "background task %s not found", id)
	}
	return nil
}

func (s *PostgresStore) ListRunningTasks(ctx context.Context) ([]*models.BackgroundTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, goal, goal_context,
		       current_step, max_steps, checkpoint_interval, timeout_seconds,
		       status, created_at, started_at, completed_at, last_checkpoint_at, error
		FROM background_tasks WHERE status = $1 ORDER BY id`,
		models.BackgroundRunning)
	if err != nil {
		return nil, core.WrapExternal("listing running tasks", err)
	}
	defer rows.Close()

	var running []*models.BackgroundTask
	for rows.Next() {
		task, err := scanTask(rows, "")
		if err != nil {
			return nil, err
		}
		running = append(running, task)
	}
	if err := rows.Err(); err != nil {
		return nil, core.WrapExternal("listing running tasks", err)
	}
	return running, nil
}

// --- Task steps ---

func (s *PostgresStore) AppendTaskStep(ctx context.Context, step *models.TaskStep) error {
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now()
	}
	input, err := marshalJSON(step.Input)
	if err != nil {
		return core.WrapExternal("encoding step input", err)
	}
	prior, err := json.Marshal(step.PriorSteps)
	if err != nil {
		return core.WrapExternal("encoding prior steps", err)
	}
	if step.PriorSteps == nil {
		prior = []byte("[]")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_steps (
			task_id, number, action_kind, tool, input, output, success,
			tokens_in, tokens_out, duration_ms, prior_steps, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		step.TaskID, step.Number, step.ActionKind, step.Tool, input, step.Output, step.Success,
		step.TokensIn, step.TokensOut, step.DurationMS, prior, step.CreatedAt,
	)
	if err != nil {
		return core.WrapExternal("appending task step", err)
	}
	return nil
}

func (s *PostgresStore) ListTaskSteps(ctx context.Context, taskID string) ([]models.TaskStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, number, action_kind, tool, input, output, success,
		       tokens_in, tokens_out, duration_ms, prior_steps, created_at
		FROM task_steps WHERE task_id = $1 ORDER BY number`, taskID)
	if err != nil {
		return nil, core.WrapExternal("listing task steps", err)
	}
	defer rows.Close()

	steps := []models.TaskStep{}
	for rows.Next() {
		var (
			step  models.TaskStep
			input []byte
			prior []byte
		)
		if err := rows.Scan(
			&step.TaskID, &step.Number, &step.ActionKind, &step.Tool, &input, &step.Output, &step.Success,
			&step.TokensIn, &step.TokensOut, &step.DurationMS, &prior, &step.CreatedAt,
		); err != nil {
			return nil, core.WrapExternal("scanning task step", err)
		}
		if err := unmarshalJSON(input, &step.Input); err != nil {
			return nil, core.WrapExternal("decoding step input", err)
		}
		if err := json.Unmarshal(prior, &step.PriorSteps); err != nil {
			return nil, core.WrapExternal("decoding prior steps", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, core.WrapExternal("listing task steps", err)
	}
	return steps, nil
}

// --- Checkpoints ---

func (s *PostgresStore) SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	if cp.SavedAt.IsZero() {
		cp.SavedAt = time.Now()
	}
	cpCtx, err := marshalJSON(cp.Context)
	if err != nil {
		return core.WrapExternal("encoding checkpoint context", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (task_id, step, last_output, context, saved_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (task_id) DO UPDATE SET
			step = EXCLUDED.step,
			last_output = EXCLUDED.last_output,
			context = EXCLUDED.context,
			saved_at = EXCLUDED.saved_at`,
		cp.TaskID, cp.Step, cp.LastOutput, cpCtx, cp.SavedAt,
	)
	if err != nil {
		return core.WrapExternal("saving checkpoint", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE background_tasks SET last_checkpoint_at = $2 WHERE id = $1`,
		cp.TaskID, cp.SavedAt)
	if err != nil {
		return core.WrapExternal("stamping checkpoint time", err)
	}
	return nil
}

func (s *PostgresStore) GetCheckpoint(ctx context.Context, taskID string) (*models.Checkpoint, error) {
	var (
		cp    models.Checkpoint
		cpCtx []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id, step, last_output, context, saved_at
		FROM checkpoints WHERE task_id = $1`, taskID).
		Scan(&cp.TaskID, &cp.Step, &cp.LastOutput, &cpCtx, &cp.SavedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.Errorf(core.KindNotFound, "no checkpoint for task %s", taskID)
	}
	if err != nil {
		return nil, core.WrapExternal("reading checkpoint", err)
	}
	if err := unmarshalJSON(cpCtx, &cp.Context); err != nil {
		return nil, core.WrapExternal("decoding checkpoint context", err)
	}
	return &cp, nil
}

// --- Scheduled actions ---

func (s *PostgresStore) UpsertAction(ctx context.Context, action *models.ScheduledAction) error {
	if action.ID == "" {
		action.ID = uuid.New().String()
	}
	now := time.Now()
	if action.CreatedAt.IsZero() {
		action.CreatedAt = now
	}
	action.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_actions (
			id, agent_id, circle_id, name, goal,
			schedule_type, cron_expression, interval_seconds, next_run_at, event_trigger,
			max_steps, timeout_seconds, retry_on_failure, max_retries, retry_delay_seconds, allow_concurrent,
			start_date, end_date, max_executions,
			execution_count, last_run_at, last_run_status, status, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)
		ON CONFLICT (id) DO UPDATE SET
			agent_id = EXCLUDED.agent_id,
			circle_id = EXCLUDED.circle_id,
			name = EXCLUDED.name,
			goal = EXCLUDED.goal,
			schedule_type = EXCLUDED.schedule_type,
			cron_expression = EXCLUDED.cron_expression,
			interval_seconds = EXCLUDED.interval_seconds,
			next_run_at = EXCLUDED.next_run_at,
			event_trigger = EXCLUDED.event_trigger,
			max_steps = EXCLUDED.max_steps,
			timeout_seconds = EXCLUDED.timeout_seconds,
			retry_on_failure = EXCLUDED.retry_on_failure,
			max_retries = EXCLUDED.max_retries,
			retry_delay_seconds = EXCLUDED.retry_delay_seconds,
			allow_concurrent = EXCLUDED.allow_concurrent,
			start_date = EXCLUDED.start_date,
			end_date = EXCLUDED.end_date,
			max_executions = EXCLUDED.max_executions,
			execution_count = EXCLUDED.execution_count,
			last_run_at = EXCLUDED.last_run_at,
			last_run_status = EXCLUDED.last_run_status,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		action.ID, action.AgentID, action.CircleID, action.Name, action.Goal,
		action.ScheduleType, action.CronExpression, action.IntervalSeconds, action.NextRunAt, action.EventTrigger,
		action.MaxSteps, action.TimeoutSeconds, action.RetryOnFailure, action.MaxRetries, action.RetryDelaySeconds, action.AllowConcurrent,
		action.StartDate, action.EndDate, action.MaxExecutions,
		action.ExecutionCount, action.LastRunAt, action.LastRunStatus, action.Status, action.CreatedAt, action.UpdatedAt,
	)
	if err != nil {
		return core.WrapExternal("upserting scheduled action", err)
	}
	return nil
}

func (s *PostgresStore) GetAction(ctx context.Context, id string) (*models.ScheduledAction, error) {
	row := s.db.QueryRowContext(ctx, actionSelect+` WHERE id = $1`, id)
	action, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.Errorf(core.KindNotFound, "scheduled action %s not found", id)
	}
	return action, err
}

func (s *PostgresStore) DeleteAction(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_actions WHERE id = $1`, id)
	if err != nil {
		return core.WrapExternal("deleting scheduled action", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return core.Errorf(core.KindNotFound, "scheduled action %s not found", id)
	}
	return nil
}

func (s *PostgresStore) ListActiveActions(ctx context.Context) ([]*models.ScheduledAction, error) {
	rows, err := s.db.QueryContext(ctx, actionSelect+` WHERE status = $1 ORDER BY id`,
		models.ActionActive)
	if err != nil {
		return nil, core.WrapExternal("listing active actions", err)
	}
	defer rows.Close()

	var active []*models.ScheduledAction
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		active = append(active, action)
	}
	if err := rows.Err(); err != nil {
		return nil, core.WrapExternal("listing active actions", err)
	}
	return active, nil
}

// --- Action runs ---

func (s *PostgresStore) CreateRun(ctx context.Context, run *models.ScheduledActionRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.TriggeredAt.IsZero() {
		run.TriggeredAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_action_runs (
			id, action_id, triggered_at, triggered_by, background_task_id,
			status, result, retry_count, completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		run.ID, run.ActionID, run.TriggeredAt, run.TriggeredBy, run.BackgroundTaskID,
		run.Status, run.Result, run.RetryCount, run.CompletedAt,
	)
	if err != nil {
		return core.WrapExternal("inserting action run", err)
	}
	return nil
}

func (s *PostgresStore) UpdateRun(ctx context.Context, run *models.ScheduledActionRun) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_action_runs SET
			background_task_id = $2, status = $3, result = $4,
			retry_count = $5, completed_at = $6
		WHERE id = $1`,
		run.ID, run.BackgroundTaskID, run.Status, run.Result, run.RetryCount, run.CompletedAt,
	)
	if err != nil {
		return core.WrapExternal("updating action run", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return core.Errorf(core.KindNotFound, "action run %s not found", run.ID)
	}
	return nil
}

func (s *PostgresStore) ListRunsForAction(ctx context.Context, actionID string, limit int) ([]*models.ScheduledActionRun, error) {
	query := `
		SELECT id, action_id, triggered_at, triggered_by, background_task_id,
		       status, result, retry_count, completed_at
		FROM scheduled_action_runs WHERE action_id = $1 ORDER BY triggered_at DESC`
	args := []any{actionID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.WrapExternal("listing action runs", err)
	}
	defer rows.Close()

	var runs []*models.ScheduledActionRun
	for rows.Next() {
		var run models.ScheduledActionRun
		if err := rows.Scan(
			&run.ID, &run.ActionID, &run.TriggeredAt, &run.TriggeredBy, &run.BackgroundTaskID,
			&run.Status, &run.Result, &run.RetryCount, &run.CompletedAt,
		); err != nil {
			return nil, core.WrapExternal("scanning action run", err)
		}
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, core.WrapExternal("listing action runs", err)
	}
	return runs, nil
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner, id string) (*models.BackgroundTask, error) {
	var (
		task    models.BackgroundTask
		goalCtx []byte
	)
	err := row.Scan(
		&task.ID, &task.AgentID, &task.Goal, &goalCtx,
		&task.CurrentStep, &task.MaxSteps, &task.CheckpointInterval, &task.TimeoutSeconds,
		&task.Status, &task.CreatedAt, &task.StartedAt, &task.CompletedAt, &task.LastCheckpointAt, &task.Error,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.Errorf(core.KindNotFound, "background task %s not found", id)
	}
	if err != nil {
		return nil, core.WrapExternal("scanning background task", err)
	}
	if err := unmarshalJSON(goalCtx, &task.GoalContext); err != nil {
		return nil, core.WrapExternal("decoding goal context", err)
	}
	return &task, nil
}

const actionSelect = `
	SELECT id, agent_id, circle_id, name, goal,
	       schedule_type, cron_expression, interval_seconds, next_run_at, event_trigger,
	       max_steps, timeout_seconds, retry_on_failure, max_retries, retry_delay_seconds, allow_concurrent,
	       start_date, end_date, max_executions,
	       execution_count, last_run_at, last_run_status, status, created_at, updated_at
	FROM scheduled_actions`

func scanAction(row rowScanner) (*models.ScheduledAction, error) {
	var action models.ScheduledAction
	err := row.Scan(
		&action.ID, &action.AgentID, &action.CircleID, &action.Name, &action.Goal,
		&action.ScheduleType, &action.CronExpression, &action.IntervalSeconds, &action.NextRunAt, &action.EventTrigger,
		&action.MaxSteps, &action.TimeoutSeconds, &action.RetryOnFailure, &action.MaxRetries, &action.RetryDelaySeconds, &action.AllowConcurrent,
		&action.StartDate, &action.EndDate, &action.MaxExecutions,
		&action.ExecutionCount, &action.LastRunAt, &action.LastRunStatus, &action.Status, &action.CreatedAt, &action.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, core.WrapExternal("scanning scheduled action", err)
	}
	return &action, nil
}

func marshalJSON(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling map: %w", err)
	}
	return data, nil
}

func unmarshalJSON(data []byte, dst *map[string]any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}
