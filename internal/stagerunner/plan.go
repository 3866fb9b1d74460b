package stagerunner

import (
	"github.com/google/uuid"

	"github.com/forgeworks/pipekernel/internal/persistence"
)

// splitPlan turns a validated planner output into the Task rows for a
// pipeline's parallel_execution stage, resolving each item's dependsOn title
// references onto the generated task ids. A dependsOn entry naming a title
// absent from this same taskBreakdown is silently dropped rather than
// failing the plan (§8 boundary behaviors).
func splitPlan(pipelineID, stageID string, items []planTaskItem) []persistence.Task {
	ids := make([]string, len(items))
	titleToID := make(map[string]string, len(items))
	for i, item := range items {
		ids[i] = uuid.NewString()
		if _, exists := titleToID[item.Title]; !exists {
			titleToID[item.Title] = ids[i]
		}
	}

	tasks := make([]persistence.Task, len(items))
	for i, item := range items {
		var deps []string
		for _, depTitle := range item.DependsOn {
			if depID, ok := titleToID[depTitle]; ok && depID != ids[i] {
				deps = append(deps, depID)
			}
		}
		tasks[i] = persistence.Task{
			ID:             ids[i],
			PipelineID:     pipelineID,
			StageID:        stageID,
			Title:          item.Title,
			AgentRole:      item.AgentRole,
			Domain:         item.Domain,
			Prompt:         item.Description,
			Complexity:     item.Complexity,
			CanParallelize: item.CanParallelize,
			DependsOn:      deps,
		}
	}
	return tasks
}
