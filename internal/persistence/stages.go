package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/forgeworks/pipekernel/internal/bus"
)

type StageState string

const (
	StageStatePending StageState = "pending"
	StageStateRunning StageState = "running"
	StageStatePassed  StageState = "passed"
	StageStateFailed  StageState = "failed"
	StageStateSkipped StageState = "skipped"
)

// Stage is one FSM state re-entry recorded for audit/resume purposes: a
// pipeline accumulates one Stage row per stage_type it has entered.
type Stage struct {
	ID                string
	PipelineID        string
	StageType         string
	State             StageState
	QualityGateResult string
	ErrorMessage      string
	StartedAt         sql.NullTime
	CompletedAt       sql.NullTime
	CreatedAt         time.Time
}

func (s *Store) CreateStage(ctx context.Context, st Stage) error {
	if st.State == "" {
		st.State = StageStateRunning
	}
	err := retryOnBusy(ctx, defaultMaxAttempts, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO stages (id, pipeline_id, stage_type, state, started_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, st.ID, st.PipelineID, st.StageType, string(st.State))
		return err
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicStageUpdated, bus.StageUpdatedEvent{PipelineID: st.PipelineID, StageID: st.ID, StageType: st.StageType, State: string(st.State)})
	return nil
}

func (s *Store) SetStageResult(ctx context.Context, id string, state StageState, qualityGateResult, errMsg string) error {
	var pipelineID, stageType string
	if err := s.db.QueryRowContext(ctx, `SELECT pipeline_id, stage_type FROM stages WHERE id = ?;`, id).Scan(&pipelineID, &stageType); err != nil {
		return err
	}
	err := retryOnBusy(ctx, defaultMaxAttempts, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE stages SET state = ?, quality_gate_result = ?, error_message = ?, completed_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, string(state), qualityGateResult, errMsg, id)
		return err
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicStageUpdated, bus.StageUpdatedEvent{PipelineID: pipelineID, StageID: id, StageType: stageType, State: string(state)})
	return nil
}

func (s *Store) GetStage(ctx context.Context, id string) (Stage, error) {
	var st Stage
	var state string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, pipeline_id, stage_type, state, quality_gate_result, error_message, started_at, completed_at, created_at
		FROM stages WHERE id = ?;
	`, id).Scan(&st.ID, &st.PipelineID, &st.StageType, &state, &st.QualityGateResult, &st.ErrorMessage, &st.StartedAt, &st.CompletedAt, &st.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Stage{}, fmt.Errorf("stage %s: %w", id, ErrNotFound)
	}
	st.State = StageState(state)
	return st, err
}

func (s *Store) ListStagesByPipeline(ctx context.Context, pipelineID string) ([]Stage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pipeline_id, stage_type, state, quality_gate_result, error_message, started_at, completed_at, created_at
		FROM stages WHERE pipeline_id = ? ORDER BY created_at ASC;
	`, pipelineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Stage
	for rows.Next() {
		var st Stage
		var state string
		if err := rows.Scan(&st.ID, &st.PipelineID, &st.StageType, &state, &st.QualityGateResult, &st.ErrorMessage, &st.StartedAt, &st.CompletedAt, &st.CreatedAt); err != nil {
			return nil, err
		}
		st.State = StageState(state)
		out = append(out, st)
	}
	return out, rows.Err()
}

// PendingStageOfType returns a stage of stageType still in state pending, if
// one exists, so the stage runner can reuse it (pre-created by a plan split,
// e.g. parallel_execution) instead of inserting a duplicate row.
func (s *Store) PendingStageOfType(ctx context.Context, pipelineID, stageType string) (Stage, error) {
	var st Stage
	var state string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, pipeline_id, stage_type, state, quality_gate_result, error_message, started_at, completed_at, created_at
		FROM stages WHERE pipeline_id = ? AND stage_type = ? AND state = ? ORDER BY created_at DESC LIMIT 1;
	`, pipelineID, stageType, string(StageStatePending)).Scan(&st.ID, &st.PipelineID, &st.StageType, &state, &st.QualityGateResult, &st.ErrorMessage, &st.StartedAt, &st.CompletedAt, &st.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Stage{}, fmt.Errorf("stage %s/%s: %w", pipelineID, stageType, ErrNotFound)
	}
	st.State = StageState(state)
	return st, err
}

// StartPendingStage flips a pre-created pending stage to running.
func (s *Store) StartPendingStage(ctx context.Context, id string) error {
	return retryOnBusy(ctx, defaultMaxAttempts, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE stages SET state = ?, started_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, string(StageStateRunning), id)
		return err
	})
}

// ListNonTerminalStages returns every stage of a pipeline still in state
// pending or running, for cancel/pause to fail or skip in bulk.
func (s *Store) ListNonTerminalStages(ctx context.Context, pipelineID string) ([]Stage, error) {
	all, err := s.ListStagesByPipeline(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	var out []Stage
	for _, st := range all {
		if st.State == StageStatePending || st.State == StageStateRunning {
			out = append(out, st)
		}
	}
	return out, nil
}

// ListRunningStagesGlobal returns every stage across every pipeline still in
// state running, for the crash reconciler's startup sweep.
func (s *Store) ListRunningStagesGlobal(ctx context.Context) ([]Stage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pipeline_id, stage_type, state, quality_gate_result, error_message, started_at, completed_at, created_at
		FROM stages WHERE state = ?;
	`, string(StageStateRunning))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Stage
	for rows.Next() {
		var st Stage
		var state string
		if err := rows.Scan(&st.ID, &st.PipelineID, &st.StageType, &state, &st.QualityGateResult, &st.ErrorMessage, &st.StartedAt, &st.CompletedAt, &st.CreatedAt); err != nil {
			return nil, err
		}
		st.State = StageState(state)
		out = append(out, st)
	}
	return out, rows.Err()
}

// FailOrSkipNonTerminalStages marks every pending/running stage of a
// pipeline terminal: the running one (if any) failed with errMsg, every
// pending one skipped. Used by cancel and replan (§4.9) to close out a
// pipeline's in-flight stage bookkeeping before moving it elsewhere.
func (s *Store) FailOrSkipNonTerminalStages(ctx context.Context, pipelineID, errMsg string) error {
	stages, err := s.ListNonTerminalStages(ctx, pipelineID)
	if err != nil {
		return err
	}
	for _, st := range stages {
		to := StageStateSkipped
		msg := ""
		if st.State == StageStateRunning {
			to = StageStateFailed
			msg = errMsg
		}
		if err := s.SetStageResult(ctx, st.ID, to, "", msg); err != nil {
			return fmt.Errorf("close out stage %s: %w", st.ID, err)
		}
	}
	return nil
}

// SetStageQualityGate updates a still-running stage's quality_gate_result
// without closing it out, for a handler that returns the waiting outcome
// (§4.7 stage lifecycle: "waiting -> running with qualityGateResult=waiting").
func (s *Store) SetStageQualityGate(ctx context.Context, id, qualityGateResult string) error {
	var pipelineID, stageType string
	if err := s.db.QueryRowContext(ctx, `SELECT pipeline_id, stage_type FROM stages WHERE id = ?;`, id).Scan(&pipelineID, &stageType); err != nil {
		return err
	}
	err := retryOnBusy(ctx, defaultMaxAttempts, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE stages SET quality_gate_result = ? WHERE id = ?;`, qualityGateResult, id)
		return err
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicStageUpdated, bus.StageUpdatedEvent{PipelineID: pipelineID, StageID: id, StageType: stageType, State: string(StageStateRunning)})
	return nil
}

// LatestStageOfType returns the most recent stage row of the given type for
// a pipeline, used by the stage runner to reopen a crash-orphaned
// parallel_execution stage on resume instead of minting a fresh one with no
// tasks attached (§4.10 step 4, S5).
func (s *Store) LatestStageOfType(ctx context.Context, pipelineID, stageType string) (Stage, error) {
	var st Stage
	var state string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, pipeline_id, stage_type, state, quality_gate_result, error_message, started_at, completed_at, created_at
		FROM stages WHERE pipeline_id = ? AND stage_type = ? ORDER BY created_at DESC LIMIT 1;
	`, pipelineID, stageType).Scan(&st.ID, &st.PipelineID, &st.StageType, &state, &st.QualityGateResult, &st.ErrorMessage, &st.StartedAt, &st.CompletedAt, &st.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Stage{}, fmt.Errorf("stage %s/%s: %w", pipelineID, stageType, ErrNotFound)
	}
	st.State = StageState(state)
	return st, err
}
