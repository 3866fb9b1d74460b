package persistence

import (
	"context"
	"time"
)

// GeneratedTool is a record of a tool the tool-forge collaborator produced
// mid-pipeline (e.g. during context_prep or parallel_execution) so it can be
// audited and reused by later tasks in the same pipeline.
type GeneratedTool struct {
	ID         string
	PipelineID string
	TaskID     string
	Name       string
	Spec       string // JSON tool definition
	CreatedAt  time.Time
}

func (s *Store) CreateGeneratedTool(ctx context.Context, t GeneratedTool) error {
	return retryOnBusy(ctx, defaultMaxAttempts, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO generated_tools (id, pipeline_id, task_id, name, spec)
			VALUES (?, ?, ?, ?, ?);
		`, t.ID, t.PipelineID, t.TaskID, t.Name, t.Spec)
		return err
	})
}

// DeleteGeneratedToolsByPipeline removes every tool the tool-forge
// synthesized for a pipeline, used by the FSM's cancel operation so a
// cancelled run leaves nothing behind for later pipelines to trip over.
func (s *Store) DeleteGeneratedToolsByPipeline(ctx context.Context, pipelineID string) error {
	return retryOnBusy(ctx, defaultMaxAttempts, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM generated_tools WHERE pipeline_id = ?;`, pipelineID)
		return err
	})
}

func (s *Store) ListGeneratedToolsByPipeline(ctx context.Context, pipelineID string) ([]GeneratedTool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pipeline_id, task_id, name, spec, created_at
		FROM generated_tools WHERE pipeline_id = ? ORDER BY created_at ASC;
	`, pipelineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GeneratedTool
	for rows.Next() {
		var t GeneratedTool
		if err := rows.Scan(&t.ID, &t.PipelineID, &t.TaskID, &t.Name, &t.Spec, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MemoryLevel distinguishes project-scoped knowledge (L1, survives every
// pipeline against that project) from pipeline-scoped scratch notes (L2,
// relevant only while the run is live).
type MemoryLevel string

const (
	MemoryLevelProject  MemoryLevel = "L1"
	MemoryLevelPipeline MemoryLevel = "L2"
)

// MemoryRecord is one fact captured by claude_md_evolution or by a stage
// that wants to leave a note for a later re-entry.
type MemoryRecord struct {
	ID         string
	ProjectID  string
	PipelineID string
	Level      MemoryLevel
	Content    string
	CreatedAt  time.Time
}

func (s *Store) CreateMemoryRecord(ctx context.Context, m MemoryRecord) error {
	return retryOnBusy(ctx, defaultMaxAttempts, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO memory_records (id, project_id, pipeline_id, level, content)
			VALUES (?, ?, ?, ?, ?);
		`, m.ID, m.ProjectID, m.PipelineID, string(m.Level), m.Content)
		return err
	})
}

func (s *Store) ListMemoryByProject(ctx context.Context, projectID string, level MemoryLevel) ([]MemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, pipeline_id, level, content, created_at
		FROM memory_records WHERE project_id = ? AND level = ? ORDER BY created_at DESC;
	`, projectID, string(level))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MemoryRecord
	for rows.Next() {
		var m MemoryRecord
		var lvl string
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.PipelineID, &lvl, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Level = MemoryLevel(lvl)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) ListMemoryByPipeline(ctx context.Context, pipelineID string) ([]MemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, pipeline_id, level, content, created_at
		FROM memory_records WHERE pipeline_id = ? ORDER BY created_at ASC;
	`, pipelineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MemoryRecord
	for rows.Next() {
		var m MemoryRecord
		var lvl string
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.PipelineID, &lvl, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Level = MemoryLevel(lvl)
		out = append(out, m)
	}
	return out, rows.Err()
}

// EvolutionLog records one claude_md_evolution pass: what the pipeline
// proposed changing about the project's own guidance document, whether it
// was applied, and why.
type EvolutionLog struct {
	ID         string
	PipelineID string
	Content    string // JSON: {proposed_diff, applied, rationale}
	CreatedAt  time.Time
}

func (s *Store) CreateEvolutionLog(ctx context.Context, e EvolutionLog) error {
	return retryOnBusy(ctx, defaultMaxAttempts, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO evolution_logs (id, pipeline_id, content)
			VALUES (?, ?, ?);
		`, e.ID, e.PipelineID, e.Content)
		return err
	})
}

func (s *Store) ListEvolutionLogsByPipeline(ctx context.Context, pipelineID string) ([]EvolutionLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pipeline_id, content, created_at
		FROM evolution_logs WHERE pipeline_id = ? ORDER BY created_at ASC;
	`, pipelineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EvolutionLog
	for rows.Next() {
		var e EvolutionLog
		if err := rows.Scan(&e.ID, &e.PipelineID, &e.Content, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
