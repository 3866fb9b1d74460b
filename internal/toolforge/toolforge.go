// Package toolforge synthesizes a minimal, single-purpose tool definition
// for a task whose skill pack came back empty (§4.8 step 3), so the agent
// has at least one concrete capability beyond free-form prompting. The
// synthesized spec is persisted as a GeneratedTool row for later audit and
// reuse by other tasks in the same pipeline.
package toolforge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/forgeworks/pipekernel/internal/persistence"
)

// Forge synthesizes a tool spec from a task's role and prompt and records
// it against the owning pipeline.
type Forge struct {
	store *persistence.Store
}

func New(store *persistence.Store) *Forge {
	return &Forge{store: store}
}

// toolSpec is the minimal shape handed to the agent runner's skill-pack
// plugin-dir list: a name and a one-line description derived from the
// task's own prompt, since there is no richer tool-authoring input here.
type toolSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	AgentRole   string `json:"agentRole"`
}

// Synthesize builds and persists a GeneratedTool for taskID, named after
// its role so repeated synthesis for the same role in one pipeline is easy
// to spot in the ledger.
func (f *Forge) Synthesize(ctx context.Context, pipelineID, taskID, agentRole, prompt string) (persistence.GeneratedTool, error) {
	name := fmt.Sprintf("%s-helper", agentRole)
	desc := prompt
	if len(desc) > 200 {
		desc = desc[:200]
	}
	spec, err := json.Marshal(toolSpec{Name: name, Description: desc, AgentRole: agentRole})
	if err != nil {
		return persistence.GeneratedTool{}, fmt.Errorf("marshal tool spec: %w", err)
	}

	tool := persistence.GeneratedTool{
		ID:         uuid.NewString(),
		PipelineID: pipelineID,
		TaskID:     taskID,
		Name:       name,
		Spec:       string(spec),
	}
	if err := f.store.CreateGeneratedTool(ctx, tool); err != nil {
		return persistence.GeneratedTool{}, fmt.Errorf("persist generated tool: %w", err)
	}
	return tool, nil
}

// Cleanup removes every tool synthesized for pipelineID. Called by the FSM's
// cancel operation (§4.9): a cancelled pipeline leaves no generated tools
// behind for a later run against the same project to stumble on.
func (f *Forge) Cleanup(ctx context.Context, pipelineID string) error {
	if err := f.store.DeleteGeneratedToolsByPipeline(ctx, pipelineID); err != nil {
		return fmt.Errorf("cleanup generated tools for pipeline %s: %w", pipelineID, err)
	}
	return nil
}
