package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/forgeworks/pipekernel/internal/bus"
)

type InterventionKind string

const (
	KindIntervention InterventionKind = "intervention" // stage-level park (proceed/replan/abort, reject, etc)
	KindConsultation InterventionKind = "consultation" // task-level [CONSULT]/[BLOCK] marker
)

type InterventionStatus string

const (
	InterventionPending  InterventionStatus = "pending"
	InterventionResolved InterventionStatus = "resolved"
	InterventionExpired  InterventionStatus = "expired"
)

// Intervention is a park-on-question gate: the FSM or a task's agent output
// parser stops forward progress until a human (or, across a crash, the
// reconciler replaying a prior response) resolves it.
type Intervention struct {
	ID          string
	PipelineID  string
	TaskID      string
	StageType   string
	Kind        InterventionKind
	Blocking    bool
	Question    string
	Context     string // JSON
	Status      InterventionStatus
	Response    string
	PostRestart bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (s *Store) CreateIntervention(ctx context.Context, iv Intervention) error {
	if iv.Status == "" {
		iv.Status = InterventionPending
	}
	if iv.Kind == "" {
		iv.Kind = KindIntervention
	}
	err := retryOnBusy(ctx, defaultMaxAttempts, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO interventions (id, pipeline_id, task_id, stage_type, kind, blocking, question, context, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, iv.ID, iv.PipelineID, iv.TaskID, iv.StageType, string(iv.Kind), boolToInt(iv.Blocking), iv.Question, iv.Context, string(iv.Status))
		return err
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicInterventionRequested, bus.InterventionEvent{
		InterventionID: iv.ID, PipelineID: iv.PipelineID, TaskID: iv.TaskID, StageType: iv.StageType, Status: string(iv.Status),
	})
	return nil
}

// ResolveIntervention records the human response and marks it resolved.
// postRestart marks a response captured after a process restart, so the
// gate can replay it into the FSM-advance callback instead of waiting on a
// live in-memory future.
func (s *Store) ResolveIntervention(ctx context.Context, id, response string, postRestart bool) error {
	err := retryOnBusy(ctx, defaultMaxAttempts, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE interventions
			SET status = ?, response = ?, post_restart = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, string(InterventionResolved), response, boolToInt(postRestart), id, string(InterventionPending))
		return err
	})
	if err != nil {
		return err
	}
	iv, getErr := s.GetIntervention(ctx, id)
	if getErr == nil {
		s.publish(bus.TopicInterventionResolved, bus.InterventionEvent{
			InterventionID: id, PipelineID: iv.PipelineID, TaskID: iv.TaskID, StageType: iv.StageType, Status: string(iv.Status),
		})
	}
	return nil
}

func (s *Store) ExpireIntervention(ctx context.Context, id string) error {
	return retryOnBusy(ctx, defaultMaxAttempts, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE interventions SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?;
		`, string(InterventionExpired), id, string(InterventionPending))
		return err
	})
}

func (s *Store) GetIntervention(ctx context.Context, id string) (Intervention, error) {
	return s.scanIntervention(s.db.QueryRowContext(ctx, `
		SELECT id, pipeline_id, task_id, stage_type, kind, blocking, question, context, status, response, post_restart, created_at, updated_at
		FROM interventions WHERE id = ?;
	`, id))
}

func (s *Store) scanIntervention(row *sql.Row) (Intervention, error) {
	var iv Intervention
	var kind, status string
	var blocking, postRestart int
	err := row.Scan(&iv.ID, &iv.PipelineID, &iv.TaskID, &iv.StageType, &kind, &blocking, &iv.Question, &iv.Context,
		&status, &iv.Response, &postRestart, &iv.CreatedAt, &iv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Intervention{}, fmt.Errorf("intervention %s: %w", iv.ID, ErrNotFound)
	}
	if err != nil {
		return Intervention{}, err
	}
	iv.Kind = InterventionKind(kind)
	iv.Status = InterventionStatus(status)
	iv.Blocking = blocking != 0
	iv.PostRestart = postRestart != 0
	return iv, nil
}

// ListPendingForPipeline returns every unresolved intervention/consultation
// for a pipeline, used by the crash reconciler to re-park the FSM on
// startup instead of silently advancing past an unanswered question.
func (s *Store) ListPendingForPipeline(ctx context.Context, pipelineID string) ([]Intervention, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pipeline_id, task_id, stage_type, kind, blocking, question, context, status, response, post_restart, created_at, updated_at
		FROM interventions WHERE pipeline_id = ? AND status = ? ORDER BY created_at ASC;
	`, pipelineID, string(InterventionPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanInterventions(rows)
}

// ListPendingExpirable returns every pending intervention for the given
// pipeline+stage/task, used by the self-healer when it needs to force an
// expiry (e.g. pipeline cancelled while parked).
func (s *Store) ListAllPending(ctx context.Context) ([]Intervention, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pipeline_id, task_id, stage_type, kind, blocking, question, context, status, response, post_restart, created_at, updated_at
		FROM interventions WHERE status = ? ORDER BY created_at ASC;
	`, string(InterventionPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanInterventions(rows)
}

func (s *Store) scanInterventions(rows *sql.Rows) ([]Intervention, error) {
	var out []Intervention
	for rows.Next() {
		var iv Intervention
		var kind, status string
		var blocking, postRestart int
		if err := rows.Scan(&iv.ID, &iv.PipelineID, &iv.TaskID, &iv.StageType, &kind, &blocking, &iv.Question, &iv.Context,
			&status, &iv.Response, &postRestart, &iv.CreatedAt, &iv.UpdatedAt); err != nil {
			return nil, err
		}
		iv.Kind = InterventionKind(kind)
		iv.Status = InterventionStatus(status)
		iv.Blocking = blocking != 0
		iv.PostRestart = postRestart != 0
		out = append(out, iv)
	}
	return out, rows.Err()
}
