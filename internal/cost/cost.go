// Package cost implements the pipeline kernel's C4 Cost Tracker: it
// aggregates per-session token/cost counters onto the owning pipeline and
// enforces the project's budget ceiling.
package cost

import (
	"context"
	"fmt"

	"github.com/forgeworks/pipekernel/internal/persistence"
)

// Tracker aggregates agent session counters onto pipelines and checks them
// against project budgets. It holds no state of its own; every number lives
// in the store.
type Tracker struct {
	store *persistence.Store
}

func New(store *persistence.Store) *Tracker {
	return &Tracker{store: store}
}

// Summary is the result of a budget check for one pipeline.
type Summary struct {
	TotalCostUSD float64
	WithinBudget bool
}

// AggregateAndUpdate adds a session's token/cost delta onto its owning
// pipeline's running totals. Callers invoke this on every cost:update chunk
// and once more on session completion so the pipeline total never lags the
// session's own counters by more than one chunk.
func (t *Tracker) AggregateAndUpdate(ctx context.Context, pipelineID string, inputTokensDelta, outputTokensDelta int64, costUSDDelta float64) (float64, error) {
	total, err := t.store.AggregateCost(ctx, pipelineID, inputTokensDelta, outputTokensDelta, costUSDDelta)
	if err != nil {
		return 0, fmt.Errorf("aggregate cost for pipeline %s: %w", pipelineID, err)
	}
	return total, nil
}

// GetSummary reports whether the pipeline's total cost still fits inside its
// project's budget. A zero or negative maxBudget is treated as unbounded,
// matching a project that has not opted into budget enforcement.
func (t *Tracker) GetSummary(ctx context.Context, pipelineID string) (Summary, error) {
	p, err := t.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return Summary{}, fmt.Errorf("load pipeline %s: %w", pipelineID, err)
	}
	proj, err := t.store.GetProject(ctx, p.ProjectID)
	if err != nil {
		return Summary{}, fmt.Errorf("load project %s: %w", p.ProjectID, err)
	}
	within := proj.MaxBudgetUSD <= 0 || p.TotalCostUSD <= proj.MaxBudgetUSD
	return Summary{TotalCostUSD: p.TotalCostUSD, WithinBudget: within}, nil
}
