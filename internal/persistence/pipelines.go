package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/forgeworks/pipekernel/internal/bus"
)

// PipelineState is one of the closed set of FSM states a pipeline can be in.
type PipelineState string

const (
	StateRequirementsInput  PipelineState = "requirements_input"
	StatePlanGeneration     PipelineState = "plan_generation"
	StateHumanReview        PipelineState = "human_review"
	StateAdversarialReview  PipelineState = "adversarial_review"
	StateContextPrep        PipelineState = "context_prep"
	StateParallelExecution  PipelineState = "parallel_execution"
	StateTesting            PipelineState = "testing"
	StateCodeReview         PipelineState = "code_review"
	StateGitIntegration     PipelineState = "git_integration"
	StateEvolutionCapture   PipelineState = "evolution_capture"
	StateClaudeMdEvolution  PipelineState = "claude_md_evolution"
	StateCompleted          PipelineState = "completed"
	StatePaused             PipelineState = "paused"
	StateFailed             PipelineState = "failed"
	StateCancelled          PipelineState = "cancelled"
)

// Pipeline is one run of the requirements-to-merged-change pipeline against
// a project. State transitions are driven exclusively by the fsm package;
// this package only persists the result and republishes it on the bus.
type Pipeline struct {
	ID               string
	ProjectID        string
	Requirements     string
	State            PipelineState
	TotalInputTokens int64
	TotalOutputTokens int64
	TotalCostUSD     float64
	CurrentModel     string
	ReentryCount     int
	PausedFromState  PipelineState
	SelfWorktreePath string
	SelfMerged       bool
	ErrorMessage     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (s *Store) CreatePipeline(ctx context.Context, p Pipeline) error {
	if p.State == "" {
		p.State = StateRequirementsInput
	}
	err := retryOnBusy(ctx, defaultMaxAttempts, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO pipelines (id, project_id, requirements, state, current_model)
			VALUES (?, ?, ?, ?, ?);
		`, p.ID, p.ProjectID, p.Requirements, string(p.State), p.CurrentModel)
		return err
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicPipelineCreated, bus.PipelineUpdatedEvent{PipelineID: p.ID, State: string(p.State)})
	return nil
}

func (s *Store) GetPipeline(ctx context.Context, id string) (Pipeline, error) {
	return s.scanPipeline(s.db.QueryRowContext(ctx, `
		SELECT id, project_id, requirements, state, total_input_tokens, total_output_tokens,
		       total_cost_usd, current_model, reentry_count, paused_from_state,
		       self_worktree_path, self_merged, error_message, created_at, updated_at
		FROM pipelines WHERE id = ?;
	`, id))
}

func (s *Store) scanPipeline(row *sql.Row) (Pipeline, error) {
	var p Pipeline
	var state, pausedFrom string
	var selfMerged int
	err := row.Scan(&p.ID, &p.ProjectID, &p.Requirements, &state, &p.TotalInputTokens, &p.TotalOutputTokens,
		&p.TotalCostUSD, &p.CurrentModel, &p.ReentryCount, &pausedFrom,
		&p.SelfWorktreePath, &selfMerged, &p.ErrorMessage, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Pipeline{}, fmt.Errorf("pipeline %s: %w", p.ID, ErrNotFound)
	}
	if err != nil {
		return Pipeline{}, err
	}
	p.State = PipelineState(state)
	p.PausedFromState = PipelineState(pausedFrom)
	p.SelfMerged = selfMerged != 0
	return p, nil
}

// SetPipelineState persists a new FSM state. The fsm package owns the
// transition legality check; this is a plain write plus a pipeline.updated
// broadcast.
func (s *Store) SetPipelineState(ctx context.Context, id string, state PipelineState) error {
	err := retryOnBusy(ctx, defaultMaxAttempts, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE pipelines SET state = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, string(state), id)
		return err
	})
	if err != nil {
		return err
	}
	p, err := s.GetPipeline(ctx, id)
	if err == nil {
		s.publish(bus.TopicPipelineUpdated, bus.PipelineUpdatedEvent{PipelineID: id, State: string(state), TotalCost: p.TotalCostUSD})
	}
	return nil
}

// SetPipelinePaused records the state the pipeline was in when it was
// parked, so ResumePaused can restore it.
func (s *Store) SetPipelinePaused(ctx context.Context, id string, fromState PipelineState) error {
	return retryOnBusy(ctx, defaultMaxAttempts, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE pipelines SET state = ?, paused_from_state = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, string(StatePaused), string(fromState), id)
		return err
	})
}

func (s *Store) IncrementReentry(ctx context.Context, id string) error {
	return retryOnBusy(ctx, defaultMaxAttempts, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE pipelines SET reentry_count = reentry_count + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, id)
		return err
	})
}

func (s *Store) SetPipelineError(ctx context.Context, id, message string) error {
	return retryOnBusy(ctx, defaultMaxAttempts, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE pipelines SET error_message = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, message, id)
		return err
	})
}

func (s *Store) SetSelfWorktree(ctx context.Context, id, path string, merged bool) error {
	return retryOnBusy(ctx, defaultMaxAttempts, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE pipelines SET self_worktree_path = ?, self_merged = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, path, boolToInt(merged), id)
		return err
	})
}

// AggregateCost adds the given token/cost deltas to the pipeline total and
// returns the new totals, so the cost package can compare against budget
// without a second round trip.
func (s *Store) AggregateCost(ctx context.Context, id string, inputTokens, outputTokens int64, costUSD float64) (totalCostUSD float64, err error) {
	err = retryOnBusy(ctx, defaultMaxAttempts, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return txErr
		}
		defer func() { _ = tx.Rollback() }()

		if _, txErr = tx.ExecContext(ctx, `
			UPDATE pipelines
			SET total_input_tokens = total_input_tokens + ?,
			    total_output_tokens = total_output_tokens + ?,
			    total_cost_usd = total_cost_usd + ?,
			    updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, inputTokens, outputTokens, costUSD, id); txErr != nil {
			return txErr
		}
		if txErr = tx.QueryRowContext(ctx, `SELECT total_cost_usd FROM pipelines WHERE id = ?;`, id).Scan(&totalCostUSD); txErr != nil {
			return txErr
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	p, getErr := s.GetPipeline(ctx, id)
	if getErr == nil {
		s.publish(bus.TopicPipelineUpdated, bus.PipelineUpdatedEvent{PipelineID: id, State: string(p.State), TotalCost: totalCostUSD})
	}
	return totalCostUSD, nil
}

func (s *Store) ListPipelinesByProject(ctx context.Context, projectID string) ([]Pipeline, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, requirements, state, total_input_tokens, total_output_tokens,
		       total_cost_usd, current_model, reentry_count, paused_from_state,
		       self_worktree_path, self_merged, error_message, created_at, updated_at
		FROM pipelines WHERE project_id = ? ORDER BY created_at DESC;
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanPipelines(rows)
}

// ListResumable returns every pipeline not in a terminal state, for the
// crash reconciler to re-enter on startup.
func (s *Store) ListResumable(ctx context.Context) ([]Pipeline, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, requirements, state, total_input_tokens, total_output_tokens,
		       total_cost_usd, current_model, reentry_count, paused_from_state,
		       self_worktree_path, self_merged, error_message, created_at, updated_at
		FROM pipelines WHERE state NOT IN (?, ?, ?) ORDER BY created_at ASC;
	`, string(StateCompleted), string(StateFailed), string(StateCancelled))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanPipelines(rows)
}

func (s *Store) scanPipelines(rows *sql.Rows) ([]Pipeline, error) {
	var out []Pipeline
	for rows.Next() {
		var p Pipeline
		var state, pausedFrom string
		var selfMerged int
		if err := rows.Scan(&p.ID, &p.ProjectID, &p.Requirements, &state, &p.TotalInputTokens, &p.TotalOutputTokens,
			&p.TotalCostUSD, &p.CurrentModel, &p.ReentryCount, &pausedFrom,
			&p.SelfWorktreePath, &selfMerged, &p.ErrorMessage, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.State = PipelineState(state)
		p.PausedFromState = PipelineState(pausedFrom)
		p.SelfMerged = selfMerged != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePipeline cascades through sessions, generated tools, interventions,
// consultations, tasks, stages, plans and evolution logs before removing the
// pipeline row itself, in the fixed order the ownership model requires.
func (s *Store) DeletePipeline(ctx context.Context, id string) error {
	return retryOnBusy(ctx, defaultMaxAttempts, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		stmts := []string{
			`DELETE FROM agent_sessions WHERE task_id IN (SELECT id FROM tasks WHERE pipeline_id = ?);`,
			`DELETE FROM generated_tools WHERE pipeline_id = ?;`,
			`DELETE FROM interventions WHERE pipeline_id = ?;`,
			`DELETE FROM tasks WHERE pipeline_id = ?;`,
			`DELETE FROM stages WHERE pipeline_id = ?;`,
			`DELETE FROM plans WHERE pipeline_id = ?;`,
			`DELETE FROM memory_records WHERE pipeline_id = ?;`,
			`DELETE FROM evolution_logs WHERE pipeline_id = ?;`,
			`DELETE FROM pipelines WHERE id = ?;`,
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}
