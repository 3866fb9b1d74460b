package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/forgeworks/pipekernel/internal/bus"
)

type TaskState string

const (
	TaskStatePending   TaskState = "pending"
	TaskStateQueued    TaskState = "queued"
	TaskStateRunning   TaskState = "running"
	TaskStateSucceeded TaskState = "succeeded"
	TaskStateFailed    TaskState = "failed"
	TaskStateSkipped   TaskState = "skipped"
	TaskStateCancelled TaskState = "cancelled"
)

var taskAllowedTransitions = map[TaskState]map[TaskState]struct{}{
	TaskStatePending: {TaskStateQueued: {}, TaskStateRunning: {}, TaskStateSkipped: {}, TaskStateCancelled: {}},
	TaskStateQueued:  {TaskStateRunning: {}, TaskStateCancelled: {}},
	TaskStateRunning: {TaskStateSucceeded: {}, TaskStateFailed: {}, TaskStateCancelled: {}},
	TaskStateFailed:  {TaskStateRunning: {}}, // self-healer re-dispatch
}

// Task is one parallel_execution sub-task: a unit of work assigned to an
// agent role, constrained by its dependency set, and isolated in its own
// workspace.
type Task struct {
	ID             string
	PipelineID     string
	StageID        string
	Title          string
	AgentRole      string
	Domain         string
	Prompt         string
	Complexity     string
	CanParallelize bool
	State          TaskState
	AssignedSkills []string
	DependsOn      []string
	WorktreePath   string
	ResultSummary  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (s *Store) CreateTask(ctx context.Context, t Task) error {
	if t.State == "" {
		t.State = TaskStatePending
	}
	if t.Complexity == "" {
		t.Complexity = "medium"
	}
	skills, err := json.Marshal(t.AssignedSkills)
	if err != nil {
		return err
	}
	deps, err := json.Marshal(t.DependsOn)
	if err != nil {
		return err
	}
	err = retryOnBusy(ctx, defaultMaxAttempts, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, pipeline_id, stage_id, title, agent_role, domain, prompt, complexity, can_parallelize, state, assigned_skills, depends_on, worktree_path)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, t.ID, t.PipelineID, t.StageID, t.Title, t.AgentRole, t.Domain, t.Prompt, t.Complexity, boolToInt(t.CanParallelize), string(t.State), string(skills), string(deps), t.WorktreePath)
		return err
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicTaskUpdated, bus.TaskUpdatedEvent{PipelineID: t.PipelineID, TaskID: t.ID, StageID: t.StageID, State: string(t.State)})
	return nil
}

// SetTaskState enforces the task state-transition table and republishes
// task.updated. A dispatcher retry (failed -> running) is the one exception
// to forward-only transitions.
func (s *Store) SetTaskState(ctx context.Context, id string, to TaskState, resultSummary string) error {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if _, ok := taskAllowedTransitions[t.State][to]; !ok && t.State != to {
		return fmt.Errorf("task %s: %s -> %s: %w", id, t.State, to, ErrInvalidTransition)
	}
	err = retryOnBusy(ctx, defaultMaxAttempts, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET state = ?, result_summary = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, string(to), resultSummary, id)
		return err
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicTaskUpdated, bus.TaskUpdatedEvent{PipelineID: t.PipelineID, TaskID: id, StageID: t.StageID, State: string(to)})
	return nil
}

// SetTaskSkills persists the skill pack context_prep resolved for a task,
// so the dispatcher's task invoker doesn't need to re-resolve it.
func (s *Store) SetTaskSkills(ctx context.Context, id string, skills []string) error {
	encoded, err := json.Marshal(skills)
	if err != nil {
		return err
	}
	return retryOnBusy(ctx, defaultMaxAttempts, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE tasks SET assigned_skills = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`, string(encoded), id)
		return err
	})
}

func (s *Store) SetTaskWorktree(ctx context.Context, id, path string) error {
	return retryOnBusy(ctx, defaultMaxAttempts, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE tasks SET worktree_path = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`, path, id)
		return err
	})
}

func (s *Store) GetTask(ctx context.Context, id string) (Task, error) {
	return s.scanTask(s.db.QueryRowContext(ctx, `
		SELECT id, pipeline_id, stage_id, title, agent_role, domain, prompt, complexity, can_parallelize, state, assigned_skills, depends_on, worktree_path, result_summary, created_at, updated_at
		FROM tasks WHERE id = ?;
	`, id))
}

func (s *Store) scanTask(row *sql.Row) (Task, error) {
	var t Task
	var state, skills, deps string
	var canParallelize int
	err := row.Scan(&t.ID, &t.PipelineID, &t.StageID, &t.Title, &t.AgentRole, &t.Domain, &t.Prompt, &t.Complexity,
		&canParallelize, &state, &skills, &deps, &t.WorktreePath, &t.ResultSummary, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	if err != nil {
		return Task{}, err
	}
	t.State = TaskState(state)
	t.CanParallelize = canParallelize != 0
	_ = json.Unmarshal([]byte(skills), &t.AssignedSkills)
	_ = json.Unmarshal([]byte(deps), &t.DependsOn)
	return t, nil
}

func (s *Store) ListTasksByStage(ctx context.Context, stageID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pipeline_id, stage_id, title, agent_role, domain, prompt, complexity, can_parallelize, state, assigned_skills, depends_on, worktree_path, result_summary, created_at, updated_at
		FROM tasks WHERE stage_id = ? ORDER BY created_at ASC;
	`, stageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanTasks(rows)
}

func (s *Store) ListTasksByPipeline(ctx context.Context, pipelineID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pipeline_id, stage_id, title, agent_role, domain, prompt, complexity, can_parallelize, state, assigned_skills, depends_on, worktree_path, result_summary, created_at, updated_at
		FROM tasks WHERE pipeline_id = ? ORDER BY created_at ASC;
	`, pipelineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanTasks(rows)
}

// ListRunningTasks returns every task still in the running state, for the
// crash reconciler to decide whether to requeue or fail it.
func (s *Store) ListRunningTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pipeline_id, stage_id, title, agent_role, domain, prompt, complexity, can_parallelize, state, assigned_skills, depends_on, worktree_path, result_summary, created_at, updated_at
		FROM tasks WHERE state = ?;
	`, string(TaskStateRunning))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanTasks(rows)
}

// CancelPipelineTasks moves every pending/queued/running task of pipelineID
// to cancelled, for the FSM's cancel operation.
func (s *Store) CancelPipelineTasks(ctx context.Context, pipelineID string) error {
	tasks, err := s.ListTasksByPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		switch t.State {
		case TaskStatePending, TaskStateQueued, TaskStateRunning:
			if err := s.SetTaskState(ctx, t.ID, TaskStateCancelled, ""); err != nil {
				return fmt.Errorf("cancel task %s: %w", t.ID, err)
			}
		}
	}
	return nil
}

// ResetRunningTasksToPending is used by the crash reconciler at startup: a
// task caught mid-flight when the process died has no agent session left to
// finish it, so it is reset to pending for the next resume to re-dispatch.
// Bypasses the normal transition table (running -> pending is not a
// forward-only transition a live dispatcher would ever request).
func (s *Store) ResetRunningTasksToPending(ctx context.Context) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, defaultMaxAttempts, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET state = ?, updated_at = CURRENT_TIMESTAMP WHERE state = ?;
		`, string(TaskStatePending), string(TaskStateRunning))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// ResetPipelineRunningTasksToPending resets one pipeline's running tasks
// back to pending, for the FSM's pause operation (§4.9): resume re-dispatches
// them from scratch.
func (s *Store) ResetPipelineRunningTasksToPending(ctx context.Context, pipelineID string) error {
	return retryOnBusy(ctx, defaultMaxAttempts, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET state = ?, updated_at = CURRENT_TIMESTAMP WHERE pipeline_id = ? AND state = ?;
		`, string(TaskStatePending), pipelineID, string(TaskStateRunning))
		return err
	})
}

func (s *Store) scanTasks(rows *sql.Rows) ([]Task, error) {
	var out []Task
	for rows.Next() {
		var t Task
		var state, skills, deps string
		var canParallelize int
		if err := rows.Scan(&t.ID, &t.PipelineID, &t.StageID, &t.Title, &t.AgentRole, &t.Domain, &t.Prompt, &t.Complexity,
			&canParallelize, &state, &skills, &deps, &t.WorktreePath, &t.ResultSummary, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.State = TaskState(state)
		t.CanParallelize = canParallelize != 0
		_ = json.Unmarshal([]byte(skills), &t.AssignedSkills)
		_ = json.Unmarshal([]byte(deps), &t.DependsOn)
		out = append(out, t)
	}
	return out, rows.Err()
}
