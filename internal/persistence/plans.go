package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/forgeworks/pipekernel/internal/bus"
)

// Plan is one planner-agent output for a pipeline: the natural-language
// plan content plus its machine-readable task breakdown. A pipeline
// accumulates a new Plan row (version N+1) each time plan_generation is
// re-entered after a replan.
type Plan struct {
	ID                  string
	PipelineID          string
	Version             int
	Content             string
	TaskBreakdown       string // JSON array, validated upstream against the planner schema
	HumanFeedback       string
	AdversarialFeedback string
	CreatedAt           time.Time
}

func (s *Store) CreatePlan(ctx context.Context, p Plan) error {
	if p.Version == 0 {
		p.Version = 1
	}
	err := retryOnBusy(ctx, defaultMaxAttempts, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO plans (id, pipeline_id, version, content, task_breakdown)
			VALUES (?, ?, ?, ?, ?);
		`, p.ID, p.PipelineID, p.Version, p.Content, p.TaskBreakdown)
		return err
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicPlanCreated, bus.PipelineUpdatedEvent{PipelineID: p.PipelineID})
	return nil
}

func (s *Store) SetPlanFeedback(ctx context.Context, id, humanFeedback, adversarialFeedback string) error {
	err := retryOnBusy(ctx, defaultMaxAttempts, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE plans SET human_feedback = ?, adversarial_feedback = ? WHERE id = ?;
		`, humanFeedback, adversarialFeedback, id)
		return err
	})
	if err != nil {
		return err
	}
	p, getErr := s.GetPlan(ctx, id)
	if getErr == nil {
		s.publish(bus.TopicPlanUpdated, bus.PipelineUpdatedEvent{PipelineID: p.PipelineID})
	}
	return nil
}

func (s *Store) GetPlan(ctx context.Context, id string) (Plan, error) {
	var p Plan
	err := s.db.QueryRowContext(ctx, `
		SELECT id, pipeline_id, version, content, task_breakdown, human_feedback, adversarial_feedback, created_at
		FROM plans WHERE id = ?;
	`, id).Scan(&p.ID, &p.PipelineID, &p.Version, &p.Content, &p.TaskBreakdown, &p.HumanFeedback, &p.AdversarialFeedback, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Plan{}, fmt.Errorf("plan %s: %w", id, ErrNotFound)
	}
	return p, err
}

// LatestPlan returns the highest-versioned plan for a pipeline, i.e. the
// one currently governing task dispatch.
func (s *Store) LatestPlan(ctx context.Context, pipelineID string) (Plan, error) {
	var p Plan
	err := s.db.QueryRowContext(ctx, `
		SELECT id, pipeline_id, version, content, task_breakdown, human_feedback, adversarial_feedback, created_at
		FROM plans WHERE pipeline_id = ? ORDER BY version DESC LIMIT 1;
	`, pipelineID).Scan(&p.ID, &p.PipelineID, &p.Version, &p.Content, &p.TaskBreakdown, &p.HumanFeedback, &p.AdversarialFeedback, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Plan{}, fmt.Errorf("pipeline %s has no plan: %w", pipelineID, ErrNotFound)
	}
	return p, err
}

func (s *Store) ListPlansByPipeline(ctx context.Context, pipelineID string) ([]Plan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pipeline_id, version, content, task_breakdown, human_feedback, adversarial_feedback, created_at
		FROM plans WHERE pipeline_id = ? ORDER BY version ASC;
	`, pipelineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Plan
	for rows.Next() {
		var p Plan
		if err := rows.Scan(&p.ID, &p.PipelineID, &p.Version, &p.Content, &p.TaskBreakdown, &p.HumanFeedback, &p.AdversarialFeedback, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
