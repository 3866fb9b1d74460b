// Package stagerunner implements the kernel's C7 Stage Runner: the eleven
// per-stage handlers an FSM re-entry invokes, each ending in a pass, fail,
// waiting, replan or cancel outcome. It owns the shared spawn-an-agent-and-
// wait pattern every stage built on an agent invocation reuses, and
// delegates the parallel_execution stage to the task dispatcher.
package stagerunner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/forgeworks/pipekernel/internal/agentrunner"
	"github.com/forgeworks/pipekernel/internal/bus"
	"github.com/forgeworks/pipekernel/internal/config"
	"github.com/forgeworks/pipekernel/internal/cost"
	"github.com/forgeworks/pipekernel/internal/dispatcher"
	"github.com/forgeworks/pipekernel/internal/evolution"
	"github.com/forgeworks/pipekernel/internal/intervention"
	"github.com/forgeworks/pipekernel/internal/persistence"
	"github.com/forgeworks/pipekernel/internal/pricing"
	"github.com/forgeworks/pipekernel/internal/workspace"
)

// Outcome is the small closed set of results a stage handler can produce;
// the FSM's inner run loop (§4.9) dispatches on this value.
type Outcome string

const (
	OutcomePass    Outcome = "pass"
	OutcomeFail    Outcome = "fail"
	OutcomeWaiting Outcome = "waiting"
	OutcomeReplan  Outcome = "replan"
	OutcomeCancel  Outcome = "cancel"
)

// Result is what RunStage returns to the FSM.
type Result struct {
	Outcome Outcome
	Error   string
}

// PlanParseErrorPrefix tags a plan_generation failure as a deterministic
// parse error rather than a transient agent failure (§7.2): the FSM's
// failure handler checks this prefix to skip the self-healer's retry path.
const PlanParseErrorPrefix = "PLAN_PARSE_ERROR: "

// SkillDistributor fetches the skill directory names tagged for a task
// type, consulted by context_prep (§4.7 step 5).
type SkillDistributor interface {
	FetchSkillPack(ctx context.Context, taskType string) ([]string, error)
}

// MemoryProvider assembles prompt-ready memory context and reports whether
// any memory exists at all, for context_prep's availability check.
type MemoryProvider interface {
	ContextFor(ctx context.Context, projectID, pipelineID string) (string, error)
	Available(ctx context.Context, projectID, pipelineID string) (bool, error)
}

// Runner holds every collaborator the eleven stage handlers need. One
// Runner serves every pipeline in the process.
type Runner struct {
	store  *persistence.Store
	bcast  *bus.Broadcaster
	agents *agentrunner.Runner
	ws     *workspace.Manager
	gate   *intervention.Gate
	cost   *cost.Tracker
	dispatch *dispatcher.Dispatcher
	skills SkillDistributor
	memory MemoryProvider
	evo    *evolution.Collaborator
	cfg    config.Defaults

	schemas schemas
}

// New wires a Runner. dispatch is the already-constructed parallel_execution
// scheduler (built against the raw *bus.Bus, per its own contract); every
// other collaborator here takes the project-/pipeline-scoped *bus.Broadcaster.
func New(store *persistence.Store, bcast *bus.Broadcaster, agents *agentrunner.Runner, ws *workspace.Manager,
	gate *intervention.Gate, tracker *cost.Tracker, dispatch *dispatcher.Dispatcher,
	skills SkillDistributor, memory MemoryProvider, evo *evolution.Collaborator, cfg config.Defaults) *Runner {
	return &Runner{
		store: store, bcast: bcast, agents: agents, ws: ws, gate: gate, cost: tracker,
		dispatch: dispatch, skills: skills, memory: memory, evo: evo, cfg: cfg,
		schemas: mustCompileSchemas(),
	}
}

// agentRoleTaskType mirrors the dispatcher's fixed agentRole -> skill-pack
// task-type mapping (§4.7 step 5); context_prep resolves skill packs with
// this table before any task is dispatched.
var agentRoleTaskType = map[string]string{
	"executor":             "implement",
	"implementer":          "implement",
	"tester":               "test",
	"code-reviewer":        "review",
	"planner":              "plan",
	"adversarial-reviewer": "review",
}

// RunStage reuses stageType's pre-created pending stage (if context_prep or
// plan_generation already created one) or opens a fresh one, runs the
// matching handler, and persists the final stage record.
func (r *Runner) RunStage(ctx context.Context, pipelineID, stageType string) (Result, error) {
	stage, err := r.resolveStage(ctx, pipelineID, stageType)
	if err != nil {
		return Result{}, fmt.Errorf("resolve stage %s/%s: %w", pipelineID, stageType, err)
	}

	var result Result
	switch stageType {
	case "requirements_input":
		result, err = r.runRequirementsInput(ctx, pipelineID)
	case "plan_generation":
		result, err = r.runPlanGeneration(ctx, pipelineID, stage)
	case "human_review":
		result, err = r.runHumanReview(ctx, pipelineID, stage)
	case "adversarial_review":
		result, err = r.runAdversarialReview(ctx, pipelineID, stage)
	case "context_prep":
		result, err = r.runContextPrep(ctx, pipelineID)
	case "parallel_execution":
		result, err = r.runParallelExecution(ctx, pipelineID, stage)
	case "testing":
		result, err = r.runTesting(ctx, pipelineID, stage)
	case "code_review":
		result, err = r.runCodeReview(ctx, pipelineID, stage)
	case "git_integration":
		result, err = r.runGitIntegration(ctx, pipelineID, stage)
	case "evolution_capture":
		result, err = r.runEvolutionCapture(ctx, pipelineID)
	case "claude_md_evolution":
		result, err = r.runClaudeMdEvolution(ctx, pipelineID, stage)
	default:
		return Result{}, fmt.Errorf("stagerunner: unknown stage type %q", stageType)
	}
	if err != nil {
		_ = r.store.SetStageResult(ctx, stage.ID, persistence.StageStateFailed, "", err.Error())
		return Result{}, err
	}

	switch result.Outcome {
	case OutcomeWaiting:
		// Stage stays running; the gate or a human answer re-enters it
		// later. Record the waiting marker on the quality gate without
		// closing the stage out (§4.7: "waiting -> running with
		// qualityGateResult=waiting").
		_ = r.store.SetStageQualityGate(ctx, stage.ID, string(OutcomeWaiting))
	case OutcomePass:
		_ = r.store.SetStageResult(ctx, stage.ID, persistence.StageStatePassed, string(result.Outcome), "")
	default:
		_ = r.store.SetStageResult(ctx, stage.ID, persistence.StageStateFailed, string(result.Outcome), result.Error)
	}
	return result, nil
}

func (r *Runner) resolveStage(ctx context.Context, pipelineID, stageType string) (persistence.Stage, error) {
	if st, err := r.store.PendingStageOfType(ctx, pipelineID, stageType); err == nil {
		if err := r.store.StartPendingStage(ctx, st.ID); err != nil {
			return persistence.Stage{}, err
		}
		st.State = persistence.StageStateRunning
		return st, nil
	}

	if stageType == string(persistence.StateParallelExecution) {
		if st, found, err := r.reopenOrphanedParallelStage(ctx, pipelineID); err != nil {
			return persistence.Stage{}, err
		} else if found {
			return st, nil
		}
	}

	st := persistence.Stage{ID: uuid.NewString(), PipelineID: pipelineID, StageType: stageType}
	if err := r.store.CreateStage(ctx, st); err != nil {
		return persistence.Stage{}, err
	}
	st.State = persistence.StageStateRunning
	return st, nil
}

// reopenOrphanedParallelStage handles crash-resume into parallel_execution
// (S5): the reconciler force-failed the stage that was still running at
// crash time (§4.10 step 3), but its tasks — reset to pending by step 2 —
// still reference that stage's id. Minting a fresh stage here would orphan
// them: the dispatcher looks tasks up by stage id, so a brand new stage
// would see zero tasks and pass with nothing done. Reuse the failed stage
// instead whenever it still has a task that hasn't reached a verdict.
func (r *Runner) reopenOrphanedParallelStage(ctx context.Context, pipelineID string) (persistence.Stage, bool, error) {
	st, err := r.store.LatestStageOfType(ctx, pipelineID, string(persistence.StateParallelExecution))
	if err != nil || st.State != persistence.StageStateFailed {
		return persistence.Stage{}, false, nil
	}
	tasks, err := r.store.ListTasksByStage(ctx, st.ID)
	if err != nil {
		return persistence.Stage{}, false, err
	}
	outstanding := false
	for _, t := range tasks {
		if t.State == persistence.TaskStatePending || t.State == persistence.TaskStateQueued {
			outstanding = true
			break
		}
	}
	if !outstanding {
		return persistence.Stage{}, false, nil
	}
	if err := r.store.StartPendingStage(ctx, st.ID); err != nil {
		return persistence.Stage{}, false, err
	}
	st.State = persistence.StageStateRunning
	return st, true, nil
}

func (r *Runner) loadPipelineProject(ctx context.Context, pipelineID string) (persistence.Pipeline, persistence.Project, error) {
	pipeline, err := r.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return persistence.Pipeline{}, persistence.Project{}, fmt.Errorf("load pipeline %s: %w", pipelineID, err)
	}
	project, err := r.store.GetProject(ctx, pipeline.ProjectID)
	if err != nil {
		return persistence.Pipeline{}, persistence.Project{}, fmt.Errorf("load project %s: %w", pipeline.ProjectID, err)
	}
	return pipeline, project, nil
}

func (r *Runner) resolveWorkspace(pipeline persistence.Pipeline, project persistence.Project) (string, error) {
	if project.IsSelfRepo {
		if pipeline.SelfWorktreePath == "" {
			return "", fmt.Errorf("self-repo pipeline %s has no staged worktree", pipeline.ID)
		}
		return pipeline.SelfWorktreePath, nil
	}
	return project.RepoPath, nil
}

func modelFor(pipeline persistence.Pipeline, project persistence.Project, cfg config.Defaults) string {
	if pipeline.CurrentModel != "" {
		return pipeline.CurrentModel
	}
	if project.DefaultModel != "" {
		return project.DefaultModel
	}
	return cfg.DefaultModel
}

// handleGateResponse maps a resolved proceed/replan/abort intervention
// answer onto an Outcome, treating anything but an explicit "proceed" or
// "replan" as an abort. Used by every preflight/smoke-check intervention.
func handleGateResponse(response string) Outcome {
	switch strings.ToLower(strings.TrimSpace(response)) {
	case "proceed":
		return OutcomePass
	case "replan":
		return OutcomeReplan
	default:
		return OutcomeCancel
	}
}

// --- stage handlers -------------------------------------------------------

func (r *Runner) runRequirementsInput(ctx context.Context, pipelineID string) (Result, error) {
	pipeline, err := r.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return Result{}, fmt.Errorf("load pipeline %s: %w", pipelineID, err)
	}
	if strings.TrimSpace(pipeline.Requirements) == "" {
		return Result{Outcome: OutcomeFail, Error: "pipeline has no requirements text"}, nil
	}
	return Result{Outcome: OutcomePass}, nil
}

func (r *Runner) runPlanGeneration(ctx context.Context, pipelineID string, stage persistence.Stage) (Result, error) {
	pipeline, project, err := r.loadPipelineProject(ctx, pipelineID)
	if err != nil {
		return Result{}, err
	}

	wsPath, err := r.resolveWorkspace(pipeline, project)
	if err != nil {
		resp, ivErr := r.gate.RequestIntervention(ctx, intervention.Request{
			PipelineID: pipelineID, StageType: "plan_generation",
			Question: fmt.Sprintf("workspace unavailable (%v). proceed/replan/abort?", err),
		})
		if ivErr != nil {
			return Result{}, ivErr
		}
		if handleGateResponse(resp) != OutcomePass {
			return Result{Outcome: handleGateResponse(resp)}, nil
		}
		return Result{Outcome: OutcomeFail, Error: "workspace unavailable: " + err.Error()}, nil
	}

	if _, statusErr := r.ws.GetStatus(wsPath); statusErr != nil {
		resp, ivErr := r.gate.RequestIntervention(ctx, intervention.Request{
			PipelineID: pipelineID, StageType: "plan_generation",
			Question: fmt.Sprintf("preflight workspace check failed (%v). proceed/replan/abort?", statusErr),
		})
		if ivErr != nil {
			return Result{}, ivErr
		}
		if outcome := handleGateResponse(resp); outcome != OutcomePass {
			return Result{Outcome: outcome}, nil
		}
	}

	prior, priorErr := r.store.LatestPlan(ctx, pipelineID)
	var feedback strings.Builder
	if priorErr == nil {
		if prior.AdversarialFeedback != "" {
			fmt.Fprintf(&feedback, "Adversarial review feedback from the previous plan:\n%s\n\n", prior.AdversarialFeedback)
		}
		if prior.HumanFeedback != "" {
			fmt.Fprintf(&feedback, "Human review feedback from the previous plan:\n%s\n\n", prior.HumanFeedback)
		}
	}

	memCtx, _ := r.memory.ContextFor(ctx, project.ID, pipeline.ID)
	prompt := buildPlannerPrompt(pipeline.Requirements, feedback.String(), memCtx)
	model := modelFor(pipeline, project, r.cfg)

	output, exitCode, _, err := r.spawnAgentAndWait(ctx, pipelineID, stage.ID, "plan_generation", "planner", prompt, wsPath, model, project.PermissionMode, project.IsSelfRepo)
	if err != nil {
		return Result{}, err
	}
	if exitCode != 0 {
		return Result{Outcome: OutcomeFail, Error: "planner agent exited with a non-zero status"}, nil
	}

	parsed, parseErr := r.schemas.parsePlannerOutput(output)
	if parseErr != nil {
		return Result{Outcome: OutcomeFail, Error: PlanParseErrorPrefix + parseErr.Error()}, nil
	}

	version := 1
	if priorErr == nil {
		version = prior.Version + 1
	}
	breakdownJSON, _ := json.Marshal(parsed.TaskBreakdown)
	planID := uuid.NewString()
	if err := r.store.CreatePlan(ctx, persistence.Plan{
		ID: planID, PipelineID: pipelineID, Version: version,
		Content: parsed.Content, TaskBreakdown: string(breakdownJSON),
	}); err != nil {
		return Result{}, fmt.Errorf("persist plan: %w", err)
	}

	parallelStageID := uuid.NewString()
	if err := r.store.CreateStage(ctx, persistence.Stage{
		ID: parallelStageID, PipelineID: pipelineID, StageType: "parallel_execution", State: persistence.StageStatePending,
	}); err != nil {
		return Result{}, fmt.Errorf("pre-create parallel_execution stage: %w", err)
	}
	for _, t := range splitPlan(pipelineID, parallelStageID, parsed.TaskBreakdown) {
		if err := r.store.CreateTask(ctx, t); err != nil {
			return Result{}, fmt.Errorf("persist task %q: %w", t.Title, err)
		}
	}
	return Result{Outcome: OutcomePass}, nil
}

// runHumanReview is the legacy manual-approval path, superseded by
// adversarial_review but still reachable by a pipeline that was paused
// there before the automated reviewer existed (§4.9 resume migration).
func (r *Runner) runHumanReview(ctx context.Context, pipelineID string, stage persistence.Stage) (Result, error) {
	r.bcast.BroadcastToPipeline(pipelineID, bus.TopicNotification, bus.NotificationEvent{
		Level: "info", Title: "Plan awaiting human review", PipelineID: pipelineID,
	})
	return Result{Outcome: OutcomeWaiting}, nil
}

func (r *Runner) runAdversarialReview(ctx context.Context, pipelineID string, stage persistence.Stage) (Result, error) {
	pipeline, project, err := r.loadPipelineProject(ctx, pipelineID)
	if err != nil {
		return Result{}, err
	}
	plan, err := r.store.LatestPlan(ctx, pipelineID)
	if err != nil {
		return Result{}, fmt.Errorf("load latest plan: %w", err)
	}
	wsPath, err := r.resolveWorkspace(pipeline, project)
	if err != nil {
		return Result{}, err
	}

	prompt := buildReviewerPrompt("adversarial plan review", plan.Content, "")
	model := modelFor(pipeline, project, r.cfg)
	output, _, _, err := r.spawnAgentAndWait(ctx, pipelineID, stage.ID, "adversarial_review", "adversarial-reviewer", prompt, wsPath, model, project.PermissionMode, project.IsSelfRepo)
	if err != nil {
		return Result{}, err
	}

	verdict, ok := r.schemas.parseReviewerOutput(output)
	if !ok {
		// A parse failure here is not fatal: the raw feedback is stored and
		// the plan proceeds (§4.7 step 4).
		_ = r.store.SetPlanFeedback(ctx, plan.ID, plan.HumanFeedback, output)
		return Result{Outcome: OutcomePass}, nil
	}
	if verdict.Verdict != "reject" {
		return Result{Outcome: OutcomePass}, nil
	}

	_ = r.store.SetPlanFeedback(ctx, plan.ID, plan.HumanFeedback, verdict.Summary)
	resp, err := r.gate.RequestIntervention(ctx, intervention.Request{
		PipelineID: pipelineID, StageType: "adversarial_review",
		Question: "adversarial reviewer rejected the plan: " + verdict.Summary + ". proceed anyway or replan?",
	})
	if err != nil {
		return Result{}, err
	}
	if strings.EqualFold(strings.TrimSpace(resp), "proceed") {
		return Result{Outcome: OutcomePass}, nil
	}
	return Result{Outcome: OutcomeFail, Error: verdict.Summary}, nil
}

func (r *Runner) runContextPrep(ctx context.Context, pipelineID string) (Result, error) {
	pipeline, project, err := r.loadPipelineProject(ctx, pipelineID)
	if err != nil {
		return Result{}, err
	}

	parallelStage, err := r.store.PendingStageOfType(ctx, pipelineID, "parallel_execution")
	if err != nil {
		// An empty plan never pre-created a parallel_execution stage; there
		// is nothing to resolve skill packs for.
		return Result{Outcome: OutcomePass}, nil
	}
	tasks, err := r.store.ListTasksByStage(ctx, parallelStage.ID)
	if err != nil {
		return Result{}, fmt.Errorf("list tasks for parallel_execution stage: %w", err)
	}

	for _, t := range tasks {
		taskType := agentRoleTaskType[t.AgentRole]
		if taskType == "" {
			taskType = "implement"
		}
		pack, err := r.skills.FetchSkillPack(ctx, taskType)
		if err != nil || len(pack) == 0 {
			continue
		}
		if err := r.store.SetTaskSkills(ctx, t.ID, pack); err != nil {
			return Result{}, fmt.Errorf("persist skill pack for task %s: %w", t.ID, err)
		}
	}

	// Memory availability is only consulted, never a gate (§4.7 step 5).
	_, _ = r.memory.Available(ctx, project.ID, pipeline.ID)
	return Result{Outcome: OutcomePass}, nil
}

func (r *Runner) runParallelExecution(ctx context.Context, pipelineID string, stage persistence.Stage) (Result, error) {
	pipeline, project, err := r.loadPipelineProject(ctx, pipelineID)
	if err != nil {
		return Result{}, err
	}
	wsPath, err := r.resolveWorkspace(pipeline, project)
	if err != nil {
		return Result{}, err
	}

	if _, err := r.dispatch.RunStage(ctx, pipelineID, stage.ID, wsPath); err != nil {
		return Result{Outcome: OutcomeFail, Error: err.Error()}, nil
	}
	return Result{Outcome: OutcomePass}, nil
}

func (r *Runner) runTesting(ctx context.Context, pipelineID string, stage persistence.Stage) (Result, error) {
	pipeline, project, err := r.loadPipelineProject(ctx, pipelineID)
	if err != nil {
		return Result{}, err
	}
	wsPath, err := r.resolveWorkspace(pipeline, project)
	if err != nil {
		return Result{}, err
	}

	if gateErr := runSmokeCheck(ctx, wsPath, r.cfg); gateErr != nil {
		resp, ivErr := r.gate.RequestIntervention(ctx, intervention.Request{
			PipelineID: pipelineID, StageType: "testing",
			Question: "fast gate failed: " + gateErr.Error() + ". proceed/replan/abort?",
		})
		if ivErr != nil {
			return Result{}, ivErr
		}
		if outcome := handleGateResponse(resp); outcome != OutcomePass {
			return Result{Outcome: outcome}, nil
		}
	}

	memCtx, _ := r.memory.ContextFor(ctx, project.ID, pipeline.ID)
	prompt := buildTesterPrompt(pipeline.Requirements, memCtx)
	model := modelFor(pipeline, project, r.cfg)
	output, exitCode, _, err := r.spawnAgentAndWait(ctx, pipelineID, stage.ID, "testing", "tester", prompt, wsPath, model, project.PermissionMode, project.IsSelfRepo)
	if err != nil {
		return Result{}, err
	}
	if exitCode == 0 {
		return Result{Outcome: OutcomePass}, nil
	}

	resp, ivErr := r.gate.RequestIntervention(ctx, intervention.Request{
		PipelineID: pipelineID, StageType: "testing",
		Question: "test run failed:\n" + truncateSummary(output) + "\nproceed/replan/abort?",
	})
	if ivErr != nil {
		return Result{}, ivErr
	}
	return Result{Outcome: handleGateResponse(resp)}, nil
}

func (r *Runner) runCodeReview(ctx context.Context, pipelineID string, stage persistence.Stage) (Result, error) {
	pipeline, project, err := r.loadPipelineProject(ctx, pipelineID)
	if err != nil {
		return Result{}, err
	}
	wsPath, err := r.resolveWorkspace(pipeline, project)
	if err != nil {
		return Result{}, err
	}

	diff, _ := r.ws.GetDiff(wsPath, "")
	prompt := buildReviewerPrompt("code review", diff, "")
	model := modelFor(pipeline, project, r.cfg)
	output, _, _, err := r.spawnAgentAndWait(ctx, pipelineID, stage.ID, "code_review", "code-reviewer", prompt, wsPath, model, project.PermissionMode, project.IsSelfRepo)
	if err != nil {
		return Result{}, err
	}

	verdict, ok := r.schemas.parseReviewerOutput(output)
	if !ok {
		return Result{Outcome: OutcomePass}, nil
	}

	if verdict.ChurnMetrics != nil && verdict.ChurnMetrics.Verdict == "critical" {
		_ = r.gate.RequestConsultation(ctx, intervention.Request{
			PipelineID: pipelineID, StageType: "code_review",
			Question: "churn score is critical: " + verdict.Summary,
		})
		resp, ivErr := r.gate.RequestIntervention(ctx, intervention.Request{
			PipelineID: pipelineID, StageType: "code_review",
			Question: "churn verdict is critical. force proceed, or replan?",
		})
		if ivErr != nil {
			return Result{}, ivErr
		}
		if !strings.EqualFold(strings.TrimSpace(resp), "proceed") {
			return Result{Outcome: OutcomeReplan}, nil
		}
	}

	if verdict.Verdict == "reject" {
		resp, ivErr := r.gate.RequestIntervention(ctx, intervention.Request{
			PipelineID: pipelineID, StageType: "code_review",
			Question: "reviewer rejected the change: " + verdict.Summary + ". proceed anyway or replan?",
		})
		if ivErr != nil {
			return Result{}, ivErr
		}
		if strings.EqualFold(strings.TrimSpace(resp), "proceed") {
			return Result{Outcome: OutcomePass}, nil
		}
		return Result{Outcome: OutcomeFail, Error: verdict.Summary}, nil
	}
	return Result{Outcome: OutcomePass}, nil
}

func (r *Runner) runGitIntegration(ctx context.Context, pipelineID string, stage persistence.Stage) (Result, error) {
	pipeline, project, err := r.loadPipelineProject(ctx, pipelineID)
	if err != nil {
		return Result{}, err
	}
	wsPath, err := r.resolveWorkspace(pipeline, project)
	if err != nil {
		return Result{}, err
	}

	if !project.IsSelfRepo {
		branch := r.ws.PipelineBranch(pipelineID)
		if err := r.ws.CheckoutBranch(wsPath, branch); err != nil {
			return Result{}, fmt.Errorf("checkout pipeline branch: %w", err)
		}
	}

	message := fmt.Sprintf("pipeline %s: %s", shortID(pipelineID), truncateSummary(pipeline.Requirements))
	committed, err := r.ws.CommitAll(wsPath, message)
	if err != nil {
		return Result{}, fmt.Errorf("commit changes: %w", err)
	}
	if !committed {
		// A pipeline with zero changes at git_integration passes immediately
		// (§8 boundary behaviors).
		return Result{Outcome: OutcomePass}, nil
	}
	if project.IsSelfRepo {
		_ = r.store.SetSelfWorktree(ctx, pipelineID, wsPath, true)
	}

	if gateErr := runSmokeCheck(ctx, wsPath, r.cfg); gateErr != nil {
		resp, ivErr := r.gate.RequestIntervention(ctx, intervention.Request{
			PipelineID: pipelineID, StageType: "git_integration",
			Question: "post-merge smoke check failed: " + gateErr.Error() + ". proceed/replan/abort?",
		})
		if ivErr != nil {
			return Result{}, ivErr
		}
		return Result{Outcome: handleGateResponse(resp)}, nil
	}
	return Result{Outcome: OutcomePass}, nil
}

func (r *Runner) runEvolutionCapture(ctx context.Context, pipelineID string) (Result, error) {
	if err := r.evo.CaptureMetrics(ctx, pipelineID); err != nil {
		return Result{}, fmt.Errorf("capture evolution metrics: %w", err)
	}
	return Result{Outcome: OutcomePass}, nil
}

func (r *Runner) runClaudeMdEvolution(ctx context.Context, pipelineID string, stage persistence.Stage) (Result, error) {
	pipeline, project, err := r.loadPipelineProject(ctx, pipelineID)
	if err != nil {
		return Result{}, err
	}
	if _, err := r.evo.PromoteMemories(ctx, project.ID, pipelineID); err != nil {
		return Result{}, fmt.Errorf("promote memories: %w", err)
	}

	wsPath, wsErr := r.resolveWorkspace(pipeline, project)
	if wsErr == nil {
		memCtx, _ := r.memory.ContextFor(ctx, project.ID, pipeline.ID)
		prompt := buildAnalyzerPrompt(pipeline.Requirements, memCtx)
		model := modelFor(pipeline, project, r.cfg)
		output, _, _, spawnErr := r.spawnAgentAndWait(ctx, pipelineID, stage.ID, "claude_md_evolution", "evolution-analyzer", prompt, wsPath, model, project.PermissionMode, project.IsSelfRepo)
		if spawnErr == nil && strings.TrimSpace(output) != "" {
			if applyErr := r.evo.ApplyRecommendation(ctx, project.ID, pipelineID, output); applyErr != nil {
				return Result{}, fmt.Errorf("apply evolution recommendation: %w", applyErr)
			}
		}
	}
	// claude_md_evolution always passes (§4.7 step 11): a missing workspace
	// or a failed analyzer call only means no recommendation was recorded.
	return Result{Outcome: OutcomePass}, nil
}

// --- shared agent-invocation plumbing -------------------------------------

const maxResultSummary = 2000

func truncateSummary(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxResultSummary {
		return s
	}
	return s[:maxResultSummary]
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// spawnAgentAndWait is the shared pattern every stage handler built on an
// agent call uses (§4.7): create a task row standing for the invocation,
// create its session, spawn, stream chunks into the bus and cost tracker,
// persist the outcome, then extract any [CONSULT]/[BLOCK] markers from the
// full (untruncated) output text.
func (r *Runner) spawnAgentAndWait(ctx context.Context, pipelineID, stageID, stageType, agentRole, prompt, workspacePath, model, permissionMode string, isSelfRepo bool) (output string, exitCode int, taskID string, err error) {
	taskID = uuid.NewString()
	if err = r.store.CreateTask(ctx, persistence.Task{
		ID: taskID, PipelineID: pipelineID, StageID: stageID, Title: agentRole,
		AgentRole: agentRole, Prompt: prompt, State: persistence.TaskStateRunning,
	}); err != nil {
		return "", 0, "", fmt.Errorf("create task for %s: %w", agentRole, err)
	}

	sessionID := uuid.NewString()
	if err = r.store.CreateAgentSession(ctx, persistence.AgentSession{ID: sessionID, TaskID: taskID, Model: model}); err != nil {
		return "", 0, taskID, fmt.Errorf("create agent session: %w", err)
	}

	sess, spawnErr := r.agents.Spawn(ctx, sessionID, agentrunner.SpawnOptions{
		Prompt: prompt, WorkingDirectory: workspacePath, PipelineID: pipelineID,
		Model: model, PermissionMode: permissionMode, IsSelfRepo: isSelfRepo,
	})
	if spawnErr != nil {
		return "", 0, taskID, fmt.Errorf("spawn %s agent: %w", agentRole, spawnErr)
	}

	var out strings.Builder
	var lastIn, lastOut int64
	var lastCost float64

	for chunk := range sess.Events {
		switch chunk.Type {
		case agentrunner.ChunkAssistantText:
			out.WriteString(chunk.Text)
		case agentrunner.ChunkCostUpdate:
			deltaIn := chunk.InputTokens - lastIn
			deltaOut := chunk.OutputTokens - lastOut
			deltaCost := chunk.CostUSD - lastCost
			if deltaCost == 0 && chunk.CostUSD == 0 && (deltaIn > 0 || deltaOut > 0) {
				deltaCost = pricing.EstimateCost(model, int(deltaIn), int(deltaOut))
			}
			lastIn, lastOut, lastCost = chunk.InputTokens, chunk.OutputTokens, chunk.CostUSD
			_ = r.store.UpdateAgentSessionCounters(ctx, sessionID, deltaIn, deltaOut, deltaCost)
			if _, costErr := r.cost.AggregateAndUpdate(ctx, pipelineID, deltaIn, deltaOut, deltaCost); costErr != nil {
				err = fmt.Errorf("aggregate cost: %w", costErr)
			}
		case agentrunner.ChunkError:
			out.WriteString("\n[error] " + chunk.Message)
		case agentrunner.ChunkDone:
			exitCode = chunk.ExitCode
		}
		if r.bcast != nil {
			r.bcast.BroadcastToPipeline(pipelineID, bus.TopicStreamChunk, bus.StreamChunkEvent{TaskID: taskID, Chunk: chunk})
		}
	}
	if err != nil {
		return out.String(), exitCode, taskID, err
	}

	full := out.String()
	summary := truncateSummary(full)
	if compErr := r.store.CompleteAgentSession(ctx, sessionID, exitCode); compErr != nil {
		return full, exitCode, taskID, fmt.Errorf("complete agent session: %w", compErr)
	}

	finalState := persistence.TaskStateSucceeded
	if exitCode != 0 {
		finalState = persistence.TaskStateFailed
	}
	if setErr := r.store.SetTaskState(ctx, taskID, finalState, summary); setErr != nil {
		return full, exitCode, taskID, fmt.Errorf("set task state: %w", setErr)
	}

	if markerErr := r.awaitMarkers(ctx, pipelineID, taskID, stageType, full); markerErr != nil {
		return full, exitCode, taskID, markerErr
	}
	return full, exitCode, taskID, nil
}

// awaitMarkers scans a completed invocation's output for the [CONSULT]/
// [BLOCK] textual markers (§6), registering a fire-and-forget consultation
// for the former and blocking on the gate's response for the latter.
func (r *Runner) awaitMarkers(ctx context.Context, pipelineID, taskID, stageType, text string) error {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "[CONSULT]"):
			q := strings.TrimSpace(strings.TrimPrefix(line, "[CONSULT]"))
			_ = r.gate.RequestConsultation(ctx, intervention.Request{
				PipelineID: pipelineID, TaskID: taskID, StageType: stageType, Question: q,
			})
		case strings.HasPrefix(line, "[BLOCK]"):
			q := strings.TrimSpace(strings.TrimPrefix(line, "[BLOCK]"))
			if _, err := r.gate.RequestBlock(ctx, intervention.Request{
				PipelineID: pipelineID, TaskID: taskID, StageType: stageType, Question: q,
			}); err != nil {
				return fmt.Errorf("await blocking consultation for task %s: %w", taskID, err)
			}
		}
	}
	return nil
}

// --- prompt assembly -------------------------------------------------------

func buildPlannerPrompt(requirements, feedback, memCtx string) string {
	var b strings.Builder
	b.WriteString("Role: planner\n")
	fmt.Fprintf(&b, "Requirements:\n%s\n\n", requirements)
	if feedback != "" {
		b.WriteString(feedback)
	}
	if memCtx != "" {
		fmt.Fprintf(&b, "%s\n\n", memCtx)
	}
	b.WriteString(`Respond with JSON matching {"content": "...", "taskBreakdown": [{"title": "...", "description": "...", "agentRole": "...", "domain": "...", "dependsOn": [], "canParallelize": true, "complexity": "low|medium|high"}]}.`)
	return b.String()
}

func buildReviewerPrompt(kind, content, extra string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Role: %s\n\n%s\n\n", kind, content)
	if extra != "" {
		fmt.Fprintf(&b, "%s\n\n", extra)
	}
	b.WriteString(`Respond with JSON: {"verdict": "pass"|"reject", "summary": "...", "churnMetrics": {"verdict": "clean|warning|critical", "churnScore": 0, "patchStyleFixes": 0, "duplicatedCode": false}}.`)
	return b.String()
}

func buildTesterPrompt(requirements, memCtx string) string {
	var b strings.Builder
	b.WriteString("Role: tester\n")
	fmt.Fprintf(&b, "Requirements:\n%s\n\n", requirements)
	if memCtx != "" {
		fmt.Fprintf(&b, "%s\n\n", memCtx)
	}
	b.WriteString("Run the project's test suite in this workspace and report pass/fail with a short summary.")
	return b.String()
}

func buildAnalyzerPrompt(requirements, memCtx string) string {
	var b strings.Builder
	b.WriteString("Role: evolution-analyzer\n")
	fmt.Fprintf(&b, "Requirements:\n%s\n\n", requirements)
	if memCtx != "" {
		fmt.Fprintf(&b, "%s\n\n", memCtx)
	}
	b.WriteString(`Summarize one durable lesson from this pipeline run as JSON {"summary": "..."}.`)
	return b.String()
}
