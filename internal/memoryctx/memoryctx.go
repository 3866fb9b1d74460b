// Package memoryctx assembles the memory-context block threaded into an
// agent prompt: a project's accumulated L1 facts plus the running
// pipeline's L2 scratch notes, rendered the same tagged-block way the
// teacher's core-memory formatter does for system-prompt injection.
package memoryctx

import (
	"context"
	"fmt"
	"strings"

	"github.com/forgeworks/pipekernel/internal/persistence"
)

const maxRecordsPerLevel = 20

// Provider implements dispatcher.MemoryProvider and the stage runner's
// context_prep availability check over the persisted memory_records table.
type Provider struct {
	store *persistence.Store
}

func New(store *persistence.Store) *Provider {
	return &Provider{store: store}
}

// ContextFor renders up to maxRecordsPerLevel of each memory level into a
// single <pipeline_memory> block, most recent first for L1 (project
// knowledge accrues over many pipelines) and oldest first for L2 (a
// pipeline's own notes read in the order they were captured).
func (p *Provider) ContextFor(ctx context.Context, projectID, pipelineID string) (string, error) {
	l1, err := p.store.ListMemoryByProject(ctx, projectID, persistence.MemoryLevelProject)
	if err != nil {
		return "", fmt.Errorf("list L1 memory for project %s: %w", projectID, err)
	}
	l2, err := p.store.ListMemoryByPipeline(ctx, pipelineID)
	if err != nil {
		return "", fmt.Errorf("list L2 memory for pipeline %s: %w", pipelineID, err)
	}

	if len(l1) == 0 && len(l2) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("<pipeline_memory>\n")
	for i, m := range l1 {
		if i >= maxRecordsPerLevel {
			break
		}
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	for _, m := range l2 {
		if m.Level != persistence.MemoryLevelPipeline {
			continue
		}
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString("</pipeline_memory>")
	return b.String(), nil
}

// Available reports whether any memory context exists for a project or
// pipeline, the boolean the context_prep stage needs without paying for the
// full render.
func (p *Provider) Available(ctx context.Context, projectID, pipelineID string) (bool, error) {
	l1, err := p.store.ListMemoryByProject(ctx, projectID, persistence.MemoryLevelProject)
	if err != nil {
		return false, err
	}
	if len(l1) > 0 {
		return true, nil
	}
	l2, err := p.store.ListMemoryByPipeline(ctx, pipelineID)
	if err != nil {
		return false, err
	}
	return len(l2) > 0, nil
}
