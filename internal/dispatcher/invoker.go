package dispatcher

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/forgeworks/pipekernel/internal/agentrunner"
	"github.com/forgeworks/pipekernel/internal/bus"
	"github.com/forgeworks/pipekernel/internal/config"
	"github.com/forgeworks/pipekernel/internal/cost"
	"github.com/forgeworks/pipekernel/internal/intervention"
	"github.com/forgeworks/pipekernel/internal/persistence"
	"github.com/forgeworks/pipekernel/internal/pricing"
)

// SkillDistributor fetches the named skill files a task-type should load
// into its agent prompt. context_prep (§4.7 step 5) already resolves and
// persists one skill pack per task; TaskInvoker only re-synthesizes one when
// that pack came back empty.
type SkillDistributor interface {
	FetchSkillPack(ctx context.Context, agentRole string) ([]string, error)
}

// ToolForge synthesizes a throwaway tool for a task whose skill pack is
// empty, so the agent has at least one capability beyond raw prompting.
type ToolForge interface {
	Synthesize(ctx context.Context, pipelineID, taskID, agentRole, prompt string) (persistence.GeneratedTool, error)
}

// MemoryProvider assembles the L1 (project) + L2 (pipeline) memory context
// string threaded into a task's prompt.
type MemoryProvider interface {
	ContextFor(ctx context.Context, projectID, pipelineID string) (string, error)
}

// TaskInvoker is the concrete dispatcher.AgentInvoker: it resolves a model
// tier, assembles a prompt from plan + memory + skill context, spawns one
// agent session via the agent runner, and streams its chunks into the
// store exactly like the stage runner's shared spawnAgentAndWait pattern
// (§4.7), since a dispatcher task IS one more agent invocation.
type TaskInvoker struct {
	store  *persistence.Store
	bcast  *bus.Broadcaster
	runner *agentrunner.Runner
	cost   *cost.Tracker
	gate   *intervention.Gate
	cfg    config.Defaults

	skills SkillDistributor
	memory MemoryProvider
	forge  ToolForge
}

// NewTaskInvoker wires the dispatcher's AgentInvoker collaborator.
func NewTaskInvoker(store *persistence.Store, bcast *bus.Broadcaster, runner *agentrunner.Runner, tracker *cost.Tracker,
	gate *intervention.Gate, cfg config.Defaults, skills SkillDistributor, memory MemoryProvider, forge ToolForge) *TaskInvoker {
	return &TaskInvoker{store: store, bcast: bcast, runner: runner, cost: tracker, gate: gate, cfg: cfg,
		skills: skills, memory: memory, forge: forge}
}

// agentRoleTaskType is the fixed agentRole -> skill-distributor task-type
// mapping context_prep (§4.7 step 5) resolves skill packs with.
var agentRoleTaskType = map[string]string{
	"executor":             "implement",
	"implementer":          "implement",
	"tester":               "test",
	"code-reviewer":        "review",
	"planner":              "plan",
	"adversarial-reviewer": "review",
}

// RunTask executes one parallel_execution task's agent session to
// completion: resolve model -> fetch memory/skills -> build prompt -> spawn
// -> ingest stream -> persist outcome. Implements dispatcher.AgentInvoker.
func (ti *TaskInvoker) RunTask(ctx context.Context, task persistence.Task, workspacePath string) (string, bool, error) {
	pipeline, err := ti.store.GetPipeline(ctx, task.PipelineID)
	if err != nil {
		return "", false, fmt.Errorf("load pipeline %s: %w", task.PipelineID, err)
	}
	project, err := ti.store.GetProject(ctx, pipeline.ProjectID)
	if err != nil {
		return "", false, fmt.Errorf("load project %s: %w", pipeline.ProjectID, err)
	}

	model := ti.resolveModel(task, pipeline, project)

	memCtx, err := ti.memory.ContextFor(ctx, project.ID, pipeline.ID)
	if err != nil {
		memCtx = ""
	}

	skillPack := task.AssignedSkills
	if len(skillPack) == 0 {
		taskType := agentRoleTaskType[task.AgentRole]
		if taskType == "" {
			taskType = "implement"
		}
		fetched, err := ti.skills.FetchSkillPack(ctx, taskType)
		if err == nil && len(fetched) > 0 {
			skillPack = fetched
		} else {
			tool, err := ti.forge.Synthesize(ctx, task.PipelineID, task.ID, task.AgentRole, task.Prompt)
			if err == nil {
				skillPack = append(skillPack, tool.Name)
			}
		}
	}

	plan, planErr := ti.store.LatestPlan(ctx, task.PipelineID)
	planContent := ""
	if planErr == nil {
		planContent = plan.Content
	}

	prompt := buildTaskPrompt(task, pipeline, planContent, memCtx, skillPack, workspacePath)

	sessionID := uuid.NewString()
	if err := ti.store.CreateAgentSession(ctx, persistence.AgentSession{
		ID: sessionID, TaskID: task.ID, Model: model,
	}); err != nil {
		return "", false, fmt.Errorf("create agent session: %w", err)
	}

	sess, err := ti.runner.Spawn(ctx, sessionID, agentrunner.SpawnOptions{
		Prompt:           prompt,
		WorkingDirectory: workspacePath,
		PipelineID:       task.PipelineID,
		Model:            model,
		PermissionMode:   project.PermissionMode,
		SkillPack:        strings.Join(skillPack, ","),
		IsSelfRepo:       project.IsSelfRepo,
	})
	if err != nil {
		return "", false, fmt.Errorf("spawn agent for task %s: %w", task.ID, err)
	}
	if sess.PID != 0 {
		// pid is only known after spawn; record it for killByPipeline/doctor
		// tooling that inspects agent_sessions directly.
	}

	var out strings.Builder
	var lastInputTokens, lastOutputTokens int64
	var lastCostUSD float64
	exitCode := 0

	for chunk := range sess.Events {
		switch chunk.Type {
		case agentrunner.ChunkAssistantText:
			out.WriteString(chunk.Text)
		case agentrunner.ChunkCostUpdate:
			deltaIn := chunk.InputTokens - lastInputTokens
			deltaOut := chunk.OutputTokens - lastOutputTokens
			deltaCost := chunk.CostUSD - lastCostUSD
			if deltaCost == 0 && chunk.CostUSD == 0 && (deltaIn > 0 || deltaOut > 0) {
				deltaCost = pricing.EstimateCost(model, int(deltaIn), int(deltaOut))
			}
			lastInputTokens, lastOutputTokens, lastCostUSD = chunk.InputTokens, chunk.OutputTokens, chunk.CostUSD
			_ = ti.store.UpdateAgentSessionCounters(ctx, sessionID, deltaIn, deltaOut, deltaCost)
			if _, err := ti.cost.AggregateAndUpdate(ctx, task.PipelineID, deltaIn, deltaOut, deltaCost); err != nil {
				return "", false, fmt.Errorf("aggregate cost: %w", err)
			}
		case agentrunner.ChunkError:
			out.WriteString("\n[error] " + chunk.Message)
		case agentrunner.ChunkDone:
			exitCode = chunk.ExitCode
		}
		if ti.bcast != nil {
			ti.bcast.BroadcastToPipeline(task.PipelineID, bus.TopicStreamChunk, bus.StreamChunkEvent{TaskID: task.ID, Chunk: chunk})
		}
	}

	summary := truncateSummary(out.String())
	if err := ti.store.CompleteAgentSession(ctx, sessionID, exitCode); err != nil {
		return summary, false, fmt.Errorf("complete agent session: %w", err)
	}

	if err := ti.awaitConsultations(ctx, task, out.String()); err != nil {
		return summary, false, err
	}

	if exitCode != 0 {
		return summary, false, nil
	}
	return summary, true, nil
}

// resolveModel implements §4.8 step 2's fallback chain, minus the
// per-project evolution-history branch: this kernel doesn't yet persist a
// per-project model-routing ledger (see DESIGN.md), so complexity->tier is
// the first real resolution step.
func (ti *TaskInvoker) resolveModel(task persistence.Task, pipeline persistence.Pipeline, project persistence.Project) string {
	provider := providerOf(pipeline.CurrentModel)
	if provider == "" {
		provider = providerOf(project.DefaultModel)
	}
	if provider == "" {
		provider = providerOf(ti.cfg.DefaultModel)
	}
	if tier, ok := ti.cfg.ModelTiers[provider]; ok {
		if resolved := tier.Resolve(task.Complexity); resolved != "" {
			return resolved
		}
	}
	if project.DefaultModel != "" {
		return project.DefaultModel
	}
	return ti.cfg.DefaultModel
}

func providerOf(model string) string {
	switch {
	case strings.Contains(model, "gemini"):
		return "google"
	case strings.Contains(model, "claude"):
		return "anthropic"
	default:
		return ""
	}
}

func buildTaskPrompt(task persistence.Task, pipeline persistence.Pipeline, planContent, memCtx string, skillPack []string, workspacePath string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Role: %s\n", task.AgentRole)
	fmt.Fprintf(&b, "Requirements: %s\n\n", pipeline.Requirements)
	if planContent != "" {
		fmt.Fprintf(&b, "Plan:\n%s\n\n", planContent)
	}
	fmt.Fprintf(&b, "Task: %s\n%s\n\n", task.Title, task.Prompt)
	if memCtx != "" {
		fmt.Fprintf(&b, "Memory context:\n%s\n\n", memCtx)
	}
	if len(skillPack) > 0 {
		fmt.Fprintf(&b, "Skills: %s\n\n", strings.Join(skillPack, ", "))
	}
	fmt.Fprintf(&b, "Workspace: %s\n", workspacePath)
	return b.String()
}

// awaitConsultations scans a completed task's output for the [CONSULT]/
// [BLOCK] textual markers (§6) and registers them through the intervention
// gate, blocking on any [BLOCK] responses before the task is scored.
func (ti *TaskInvoker) awaitConsultations(ctx context.Context, task persistence.Task, text string) error {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "[CONSULT]"):
			q := strings.TrimSpace(strings.TrimPrefix(line, "[CONSULT]"))
			_ = ti.gate.RequestConsultation(ctx, intervention.Request{
				PipelineID: task.PipelineID, TaskID: task.ID, StageType: "parallel_execution", Question: q,
			})
		case strings.HasPrefix(line, "[BLOCK]"):
			q := strings.TrimSpace(strings.TrimPrefix(line, "[BLOCK]"))
			if _, err := ti.gate.RequestBlock(ctx, intervention.Request{
				PipelineID: task.PipelineID, TaskID: task.ID, StageType: "parallel_execution", Question: q,
			}); err != nil {
				return fmt.Errorf("await blocking consultation for task %s: %w", task.ID, err)
			}
		}
	}
	return nil
}

const maxResultSummary = 2000

func truncateSummary(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxResultSummary {
		return s
	}
	return s[:maxResultSummary]
}
