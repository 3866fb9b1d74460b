// Package evolution implements the pipeline kernel's two memory/learning
// stages: evolution_capture, which writes a metric row summarizing one run,
// and claude_md_evolution, which promotes a pipeline's L2 scratch notes into
// durable L1 project knowledge and records whatever the evolution analyzer
// recommended.
package evolution

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/forgeworks/pipekernel/internal/persistence"
)

// extractJSON strips a ```json fenced block if present, otherwise returns
// text unchanged. The analyzer's output is far smaller and simpler than a
// planner/reviewer payload, so the full balanced-brace scan stagerunner uses
// isn't warranted here.
func extractJSON(text string) string {
	const fence = "```json"
	idx := strings.Index(text, fence)
	if idx < 0 {
		return strings.TrimSpace(text)
	}
	start := idx + len(fence)
	if start < len(text) && text[start] == '\n' {
		start++
	}
	end := strings.Index(text[start:], "```")
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(text[start : start+end])
}

// Collaborator persists evolution_logs and promotes memory_records between
// the L2 (pipeline) and L1 (project) levels. It holds no state of its own.
type Collaborator struct {
	store *persistence.Store
}

func New(store *persistence.Store) *Collaborator {
	return &Collaborator{store: store}
}

// runMetrics is the evolution_capture payload (§4.7 step 10): reentryCount,
// costs, and per-task success counts for this pipeline.
type runMetrics struct {
	ReentryCount   int     `json:"reentryCount"`
	TotalCostUSD   float64 `json:"totalCostUsd"`
	InputTokens    int64   `json:"inputTokens"`
	OutputTokens   int64   `json:"outputTokens"`
	TasksSucceeded int     `json:"tasksSucceeded"`
	TasksFailed    int     `json:"tasksFailed"`
}

// CaptureMetrics writes one evolution_logs row summarizing the pipeline's
// run so far: reentry count, accumulated cost, and task outcome counts.
// Always succeeds short of a persistence error (§4.7 step 10 always passes).
func (c *Collaborator) CaptureMetrics(ctx context.Context, pipelineID string) error {
	p, err := c.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return fmt.Errorf("load pipeline %s: %w", pipelineID, err)
	}
	tasks, err := c.store.ListTasksByPipeline(ctx, pipelineID)
	if err != nil {
		return fmt.Errorf("list tasks for pipeline %s: %w", pipelineID, err)
	}

	metrics := runMetrics{
		ReentryCount: p.ReentryCount,
		TotalCostUSD: p.TotalCostUSD,
		InputTokens:  p.TotalInputTokens,
		OutputTokens: p.TotalOutputTokens,
	}
	for _, t := range tasks {
		switch t.State {
		case persistence.TaskStateSucceeded:
			metrics.TasksSucceeded++
		case persistence.TaskStateFailed:
			metrics.TasksFailed++
		}
	}

	content, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("marshal run metrics: %w", err)
	}
	return c.store.CreateEvolutionLog(ctx, persistence.EvolutionLog{
		ID: uuid.NewString(), PipelineID: pipelineID, Content: string(content),
	})
}

// PromoteMemories copies every L2 (pipeline-scoped) memory record onto the
// owning project as an L1 record, so future pipelines against the same
// project inherit what this one learned. The L2 rows are left in place for
// audit; promotion is additive, never destructive.
func (c *Collaborator) PromoteMemories(ctx context.Context, projectID, pipelineID string) (int, error) {
	l2, err := c.store.ListMemoryByPipeline(ctx, pipelineID)
	if err != nil {
		return 0, fmt.Errorf("list L2 memory for pipeline %s: %w", pipelineID, err)
	}
	promoted := 0
	for _, m := range l2 {
		if m.Level != persistence.MemoryLevelPipeline {
			continue
		}
		rec := persistence.MemoryRecord{
			ID: uuid.NewString(), ProjectID: projectID, PipelineID: pipelineID,
			Level: persistence.MemoryLevelProject, Content: m.Content,
		}
		if err := c.store.CreateMemoryRecord(ctx, rec); err != nil {
			return promoted, fmt.Errorf("promote memory record %s: %w", m.ID, err)
		}
		promoted++
	}
	return promoted, nil
}

// recommendation is the evolution analyzer's output shape, applied verbatim
// as a new L1 memory entry plus an evolution_logs audit row.
type recommendation struct {
	Summary   string `json:"summary"`
	Rationale string `json:"rationale,omitempty"`
}

// ApplyRecommendation parses the analyzer agent's response and, if it
// contains a usable summary, both records it as an evolution_logs entry and
// writes it forward as a new L1 memory record for the project. A response
// that doesn't parse is recorded as a raw-text recommendation rather than
// treated as a failure: claude_md_evolution always passes (§4.7 step 11).
func (c *Collaborator) ApplyRecommendation(ctx context.Context, projectID, pipelineID, analyzerOutput string) error {
	var rec recommendation
	summary := analyzerOutput
	if jsonStr := extractJSON(analyzerOutput); jsonStr != "" {
		if err := json.Unmarshal([]byte(jsonStr), &rec); err == nil && rec.Summary != "" {
			summary = rec.Summary
		}
	}

	logContent, err := json.Marshal(map[string]string{"appliedSummary": summary, "rawOutput": analyzerOutput})
	if err != nil {
		return fmt.Errorf("marshal recommendation log: %w", err)
	}
	if err := c.store.CreateEvolutionLog(ctx, persistence.EvolutionLog{
		ID: uuid.NewString(), PipelineID: pipelineID, Content: string(logContent),
	}); err != nil {
		return fmt.Errorf("record recommendation: %w", err)
	}

	if summary == "" {
		return nil
	}
	return c.store.CreateMemoryRecord(ctx, persistence.MemoryRecord{
		ID: uuid.NewString(), ProjectID: projectID, PipelineID: pipelineID,
		Level: persistence.MemoryLevelProject, Content: summary,
	})
}
