// Package fsm implements the pipeline kernel's C9 FSM Engine: it drives a
// pipeline through its eleven ordered stages plus the paused/failed/
// cancelled side states, interpreting each stage verdict and routing it
// through the self-healer's retry/replan/fatal ladder or a direct control
// operation. It is the only component permitted to mutate Pipeline.State.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/forgeworks/pipekernel/internal/agentrunner"
	"github.com/forgeworks/pipekernel/internal/bus"
	"github.com/forgeworks/pipekernel/internal/config"
	"github.com/forgeworks/pipekernel/internal/cost"
	"github.com/forgeworks/pipekernel/internal/healer"
	"github.com/forgeworks/pipekernel/internal/intervention"
	"github.com/forgeworks/pipekernel/internal/persistence"
	"github.com/forgeworks/pipekernel/internal/shared"
	"github.com/forgeworks/pipekernel/internal/stagerunner"
	"github.com/forgeworks/pipekernel/internal/toolforge"
	"github.com/forgeworks/pipekernel/internal/workspace"
)

// ErrAlreadyTerminal is returned by control operations that refuse to act
// on a pipeline already in completed, failed or cancelled.
var ErrAlreadyTerminal = errors.New("fsm: pipeline already terminal")

// ErrNotPaused is returned by resumePaused when the pipeline isn't parked.
var ErrNotPaused = errors.New("fsm: pipeline is not paused")

// ErrAlreadyPaused is returned by pause when the pipeline is already parked.
var ErrAlreadyPaused = errors.New("fsm: pipeline already paused")

// interventionEligible stages are ones resume() re-parks rather than
// re-running, since no in-memory parked future can possibly survive a
// process restart for them (§4.9 resume).
var interventionEligibleStates = map[persistence.PipelineState]bool{
	persistence.StatePlanGeneration:    true,
	persistence.StateAdversarialReview: true,
	persistence.StateHumanReview:       true,
}

// replanOnFailStates are the stages whose table row maps a bare "fail"
// outcome to plan_generation directly, the same destination as an explicit
// replan outcome (§4.9 transition table): the stage's own verdict is
// negative feedback on the plan, not a transient infrastructure hiccup, so
// it skips the self-healer's retry ladder entirely.
var replanOnFailStates = map[string]bool{
	string(persistence.StateAdversarialReview): true,
	string(persistence.StateParallelExecution): true,
	string(persistence.StateTesting):           true,
	string(persistence.StateCodeReview):        true,
}

// defaultOutcome names which table column advance() consults for a state's
// "no verdict supplied" transition (§4.9 advance).
var defaultOutcome = map[persistence.PipelineState]string{
	persistence.StateRequirementsInput:  "next",
	persistence.StatePlanGeneration:     "next",
	persistence.StateAdversarialReview:  "pass",
	persistence.StateContextPrep:        "next",
	persistence.StateParallelExecution:  "all_done",
	persistence.StateTesting:            "pass",
	persistence.StateCodeReview:         "pass",
	persistence.StateGitIntegration:     "next",
	persistence.StateEvolutionCapture:   "next",
	persistence.StateClaudeMdEvolution:  "next",
}

// nextStates is the transition table of §4.9: from -> outcome -> to.
var nextStates = map[persistence.PipelineState]map[string]persistence.PipelineState{
	persistence.StateRequirementsInput: {"next": persistence.StatePlanGeneration},
	persistence.StatePlanGeneration:    {"next": persistence.StateAdversarialReview},
	persistence.StateAdversarialReview: {
		"pass":   persistence.StateContextPrep,
		"fail":   persistence.StatePlanGeneration,
		"replan": persistence.StatePlanGeneration,
	},
	persistence.StateContextPrep: {"next": persistence.StateParallelExecution},
	persistence.StateParallelExecution: {
		"all_done": persistence.StateTesting,
		"fail":     persistence.StatePlanGeneration,
		"replan":   persistence.StatePlanGeneration,
	},
	persistence.StateTesting: {
		"pass":   persistence.StateCodeReview,
		"fail":   persistence.StatePlanGeneration,
		"replan": persistence.StatePlanGeneration,
	},
	persistence.StateCodeReview: {
		"pass":   persistence.StateGitIntegration,
		"fail":   persistence.StatePlanGeneration,
		"replan": persistence.StatePlanGeneration,
	},
	persistence.StateGitIntegration:    {"next": persistence.StateEvolutionCapture},
	persistence.StateEvolutionCapture:  {"next": persistence.StateClaudeMdEvolution},
	persistence.StateClaudeMdEvolution: {"next": persistence.StateCompleted},
}

func isTerminal(s persistence.PipelineState) bool {
	return s == persistence.StateCompleted || s == persistence.StateFailed || s == persistence.StateCancelled
}

// defaultRetryBackoff is the self-healer retry delay (§4.9 failure handler:
// "sleep a short backoff (≈3 s)").
const defaultRetryBackoff = 3 * time.Second

// Engine is the FSM: one instance serves every pipeline in the process,
// serializing control operations per pipeline via a lock map.
type Engine struct {
	store  *persistence.Store
	bcast  *bus.Broadcaster
	healer *healer.Healer
	gate   *intervention.Gate
	stages *stagerunner.Runner
	agents *agentrunner.Runner
	cost   *cost.Tracker
	ws     *workspace.Manager
	forge  *toolforge.Forge
	cfg    config.Defaults
	logger *slog.Logger

	retryBackoff time.Duration

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	errMu   sync.Mutex
	lastErr map[string]string
}

// New wires an Engine. logger defaults to slog.Default() if nil.
func New(store *persistence.Store, bcast *bus.Broadcaster, h *healer.Healer, gate *intervention.Gate,
	stages *stagerunner.Runner, agents *agentrunner.Runner, tracker *cost.Tracker, ws *workspace.Manager,
	forge *toolforge.Forge, cfg config.Defaults, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store: store, bcast: bcast, healer: h, gate: gate, stages: stages, agents: agents,
		cost: tracker, ws: ws, forge: forge, cfg: cfg, logger: logger,
		retryBackoff: defaultRetryBackoff,
		locks:        make(map[string]*sync.Mutex),
		lastErr:      make(map[string]string),
	}
}

func (e *Engine) lockFor(pipelineID string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	l, ok := e.locks[pipelineID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[pipelineID] = l
	}
	return l
}

func (e *Engine) limits() healer.Limits {
	return healer.Limits{
		RetryLimit:  e.cfg.RetryLimit,
		ReplanLimit: e.cfg.ReplanLimit,
		TaskTimeout: e.cfg.TaskTimeout(),
	}
}

func (e *Engine) recordError(pipelineID, msg string) {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	e.lastErr[pipelineID] = msg
}

func (e *Engine) lastError(pipelineID string) string {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.lastErr[pipelineID]
}

func (e *Engine) clearLastError(pipelineID string) {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	delete(e.lastErr, pipelineID)
}

// Start requires state=requirements_input (§4.9 start). If the owning
// project is the kernel's own repository, it stages a self-repo worktree
// before entering the run loop.
func (e *Engine) Start(ctx context.Context, pipelineID string) error {
	lock := e.lockFor(pipelineID)
	lock.Lock()
	defer lock.Unlock()

	ctx = shared.WithTraceID(ctx, pipelineID)

	p, err := e.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}
	if p.State != persistence.StateRequirementsInput {
		return fmt.Errorf("fsm: pipeline %s not startable from state %s", pipelineID, p.State)
	}

	project, err := e.store.GetProject(ctx, p.ProjectID)
	if err != nil {
		return fmt.Errorf("load project %s: %w", p.ProjectID, err)
	}
	if project.IsSelfRepo {
		branch := e.ws.SelfBranch(pipelineID)
		wsPath, err := e.ws.CreateWorkspace(project.RepoPath, branch)
		if err != nil {
			return fmt.Errorf("stage self-repo worktree: %w", err)
		}
		if err := e.store.SetSelfWorktree(ctx, pipelineID, wsPath, false); err != nil {
			return fmt.Errorf("persist self worktree: %w", err)
		}
	}

	e.logger.Info("fsm: pipeline started", "pipeline_id", pipelineID, "trace_id", shared.TraceID(ctx))
	return e.runCurrentStageAndAdvance(ctx, pipelineID)
}

// Advance computes the default forward outcome for the current state and
// transitions (§4.9 advance). It is the callback wired into the
// intervention gate's post-restart resolution path.
func (e *Engine) Advance(ctx context.Context, pipelineID string) error {
	lock := e.lockFor(pipelineID)
	lock.Lock()
	defer lock.Unlock()
	return e.advance(shared.WithTraceID(ctx, pipelineID), pipelineID)
}

func (e *Engine) advance(ctx context.Context, pipelineID string) error {
	p, err := e.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}
	if isTerminal(p.State) || p.State == persistence.StatePaused {
		return fmt.Errorf("fsm: pipeline %s cannot advance from state %s", pipelineID, p.State)
	}

	outcome, ok := defaultOutcome[p.State]
	if !ok {
		return fmt.Errorf("fsm: pipeline %s state %s has no default forward transition", pipelineID, p.State)
	}
	next, ok := nextStates[p.State][outcome]
	if !ok {
		return fmt.Errorf("fsm: pipeline %s no transition for %s/%s", pipelineID, p.State, outcome)
	}

	if next == persistence.StateCompleted {
		return e.completePipeline(ctx, pipelineID)
	}

	if err := e.store.SetPipelineState(ctx, pipelineID, next); err != nil {
		return fmt.Errorf("transition pipeline %s to %s: %w", pipelineID, next, err)
	}
	return e.runCurrentStageAndAdvance(ctx, pipelineID)
}

func (e *Engine) completePipeline(ctx context.Context, pipelineID string) error {
	if err := e.store.SetPipelineState(ctx, pipelineID, persistence.StateCompleted); err != nil {
		return err
	}
	e.healer.ClearFailures(pipelineID)
	e.clearLastError(pipelineID)
	e.bcast.BroadcastToPipeline(pipelineID, bus.TopicNotification, bus.NotificationEvent{
		Level: "info", Title: "Pipeline completed", PipelineID: pipelineID,
	})
	e.logger.Info("fsm: pipeline completed", "pipeline_id", pipelineID, "trace_id", shared.TraceID(ctx))
	return nil
}

// runCurrentStageAndAdvance is the inner run loop (§4.9): arm the per-stage
// timeout, invoke runStage, cost-aggregate and budget-check, then dispatch
// on the stage's verdict.
func (e *Engine) runCurrentStageAndAdvance(ctx context.Context, pipelineID string) error {
	p, err := e.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}
	if isTerminal(p.State) || p.State == persistence.StatePaused {
		return nil
	}
	stageType := string(p.State)
	ctx = shared.WithRunID(ctx, shared.NewRunID())

	stageCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.healer.StartTimeout(pipelineID, e.limits(), func() {
		e.logger.Warn("fsm: stage timed out, cancelling in-flight work", "pipeline_id", pipelineID, "stage_type", stageType, "trace_id", shared.TraceID(ctx))
		e.agents.KillByPipeline(pipelineID)
		cancel()
	})

	result, runErr := e.stages.RunStage(stageCtx, pipelineID, stageType)
	e.healer.ClearTimeout(pipelineID)

	if runErr != nil {
		e.logger.Warn("fsm: stage returned error", "pipeline_id", pipelineID, "stage_type", stageType, "error", runErr, "trace_id", shared.TraceID(ctx))
		return e.failureHandler(ctx, pipelineID, stageType, runErr)
	}

	if summary, cerr := e.cost.GetSummary(ctx, pipelineID); cerr == nil {
		if !summary.WithinBudget {
			return e.failPipeline(ctx, pipelineID, "Budget limit exceeded")
		}
	}

	switch result.Outcome {
	case stagerunner.OutcomePass:
		return e.advance(ctx, pipelineID)
	case stagerunner.OutcomeWaiting:
		return nil
	case stagerunner.OutcomeCancel:
		return e.doCancel(ctx, pipelineID)
	case stagerunner.OutcomeReplan:
		return e.doReplan(ctx, pipelineID)
	case stagerunner.OutcomeFail:
		if replanOnFailStates[stageType] {
			e.recordError(pipelineID, result.Error)
			return e.doReplan(ctx, pipelineID)
		}
		return e.failureHandler(ctx, pipelineID, stageType, errors.New(result.Error))
	default:
		return e.failureHandler(ctx, pipelineID, stageType, fmt.Errorf("unknown stage outcome %q", result.Outcome))
	}
}

// failureHandler implements §4.9's two deterministic shortcuts, the
// plan-parse fast-fail, and otherwise consults the self-healer.
func (e *Engine) failureHandler(ctx context.Context, pipelineID, stageType string, failErr error) error {
	msg := failErr.Error()
	e.recordError(pipelineID, msg)

	switch {
	case strings.HasPrefix(msg, "REPLAN_REQUESTED:"):
		return e.doReplan(ctx, pipelineID)
	case strings.HasPrefix(msg, "CANCEL_REQUESTED:"):
		return e.doCancel(ctx, pipelineID)
	}

	if stageType == string(persistence.StatePlanGeneration) && strings.HasPrefix(msg, stagerunner.PlanParseErrorPrefix) {
		return e.failPipeline(ctx, pipelineID, msg)
	}

	action := e.healer.HandleFailure(pipelineID, stageType, e.limits())
	switch action {
	case healer.ActionRetry:
		e.logger.Info("fsm: retrying stage after backoff", "pipeline_id", pipelineID, "stage_type", stageType, "backoff", e.retryBackoff)
		time.Sleep(e.retryBackoff)
		return e.runCurrentStageAndAdvance(ctx, pipelineID)
	case healer.ActionReplan:
		return e.doReplan(ctx, pipelineID)
	default:
		return e.failPipeline(ctx, pipelineID, msg)
	}
}

// Replan is the public replan control operation (§4.9 replan).
func (e *Engine) Replan(ctx context.Context, pipelineID string) error {
	lock := e.lockFor(pipelineID)
	lock.Lock()
	defer lock.Unlock()
	return e.doReplan(shared.WithTraceID(ctx, pipelineID), pipelineID)
}

func (e *Engine) doReplan(ctx context.Context, pipelineID string) error {
	p, err := e.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}
	if isTerminal(p.State) {
		return nil
	}

	if err := e.store.IncrementReentry(ctx, pipelineID); err != nil {
		return fmt.Errorf("increment reentry for %s: %w", pipelineID, err)
	}
	p, err = e.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}
	if p.ReentryCount > e.cfg.ReplanLimit {
		reason := fmt.Sprintf("Replan limit exceeded: %s", e.lastError(pipelineID))
		return e.failPipeline(ctx, pipelineID, reason)
	}

	e.agents.KillByPipeline(pipelineID)
	if err := e.store.CancelPipelineTasks(ctx, pipelineID); err != nil {
		return fmt.Errorf("cancel tasks for replan of %s: %w", pipelineID, err)
	}
	if err := e.store.FailOrSkipNonTerminalStages(ctx, pipelineID, "replanned"); err != nil {
		return fmt.Errorf("close out stages for replan of %s: %w", pipelineID, err)
	}
	if err := e.store.SetPipelineState(ctx, pipelineID, persistence.StatePlanGeneration); err != nil {
		return fmt.Errorf("transition pipeline %s to plan_generation: %w", pipelineID, err)
	}

	e.logger.Info("fsm: pipeline replanned", "pipeline_id", pipelineID, "reentry_count", p.ReentryCount, "trace_id", shared.TraceID(ctx))
	return e.runCurrentStageAndAdvance(ctx, pipelineID)
}

// Cancel is the public cancel control operation (§4.9 cancel). Rejects if
// the pipeline is already terminal; otherwise idempotent in its effect.
func (e *Engine) Cancel(ctx context.Context, pipelineID string) error {
	lock := e.lockFor(pipelineID)
	lock.Lock()
	defer lock.Unlock()

	ctx = shared.WithTraceID(ctx, pipelineID)
	p, err := e.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}
	if isTerminal(p.State) {
		return ErrAlreadyTerminal
	}
	return e.doCancel(ctx, pipelineID)
}

func (e *Engine) doCancel(ctx context.Context, pipelineID string) error {
	p, err := e.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}
	if isTerminal(p.State) {
		return nil
	}

	e.agents.KillByPipeline(pipelineID)
	if err := e.store.FailOrSkipNonTerminalStages(ctx, pipelineID, "cancelled"); err != nil {
		return fmt.Errorf("close out stages for cancel of %s: %w", pipelineID, err)
	}
	if err := e.store.CancelPipelineTasks(ctx, pipelineID); err != nil {
		return fmt.Errorf("cancel tasks for %s: %w", pipelineID, err)
	}

	tasks, err := e.store.ListTasksByPipeline(ctx, pipelineID)
	if err != nil {
		return fmt.Errorf("list tasks for cancel of %s: %w", pipelineID, err)
	}
	for _, t := range tasks {
		if t.WorktreePath == "" {
			continue
		}
		if err := e.ws.RemoveWorkspace(t.WorktreePath); err != nil {
			e.logger.Error("fsm: remove task workspace failed", "pipeline_id", pipelineID, "task_id", t.ID, "error", err)
		}
	}
	if p.SelfWorktreePath != "" {
		if err := e.ws.RemoveWorkspace(p.SelfWorktreePath); err != nil {
			e.logger.Error("fsm: remove self worktree failed", "pipeline_id", pipelineID, "error", err)
		}
	}

	if err := e.gate.ExpireForPipeline(ctx, pipelineID); err != nil {
		e.logger.Error("fsm: expire interventions failed", "pipeline_id", pipelineID, "error", err)
	}
	if err := e.forge.Cleanup(ctx, pipelineID); err != nil {
		e.logger.Error("fsm: tool-forge cleanup failed", "pipeline_id", pipelineID, "error", err)
	}
	e.healer.ClearFailures(pipelineID)

	if _, err := e.cost.AggregateAndUpdate(ctx, pipelineID, 0, 0, 0); err != nil {
		e.logger.Error("fsm: final cost aggregation failed", "pipeline_id", pipelineID, "error", err)
	}

	if err := e.store.SetPipelineState(ctx, pipelineID, persistence.StateCancelled); err != nil {
		return fmt.Errorf("transition pipeline %s to cancelled: %w", pipelineID, err)
	}
	e.clearLastError(pipelineID)

	e.bcast.BroadcastToPipeline(pipelineID, bus.TopicNotification, bus.NotificationEvent{
		Level: "warning", Title: "Pipeline cancelled", PipelineID: pipelineID,
	})
	e.logger.Info("fsm: pipeline cancelled", "pipeline_id", pipelineID, "trace_id", shared.TraceID(ctx))
	return nil
}

// FailBudgetExceeded is the callback wired into the cron scheduler's
// maintenance sweep (§4.10): re-checking an in-flight pipeline's budget and
// failing it if it has gone over. Matches the no-error-return signature the
// scheduler's BudgetExceededFunc expects.
func (e *Engine) FailBudgetExceeded(ctx context.Context, pipelineID string) {
	lock := e.lockFor(pipelineID)
	lock.Lock()
	defer lock.Unlock()

	p, err := e.store.GetPipeline(ctx, pipelineID)
	if err != nil || isTerminal(p.State) {
		return
	}
	if err := e.failPipeline(shared.WithTraceID(ctx, pipelineID), pipelineID, "Budget limit exceeded"); err != nil {
		e.logger.Error("fsm: fail pipeline on budget overage failed", "pipeline_id", pipelineID, "error", err)
	}
}

func (e *Engine) failPipeline(ctx context.Context, pipelineID, reason string) error {
	e.agents.KillByPipeline(pipelineID)
	if err := e.store.FailOrSkipNonTerminalStages(ctx, pipelineID, reason); err != nil {
		e.logger.Error("fsm: close out stages for failure failed", "pipeline_id", pipelineID, "error", err)
	}
	e.healer.ClearFailures(pipelineID)
	if err := e.store.SetPipelineError(ctx, pipelineID, reason); err != nil {
		return fmt.Errorf("persist failure reason for %s: %w", pipelineID, err)
	}
	if err := e.store.SetPipelineState(ctx, pipelineID, persistence.StateFailed); err != nil {
		return fmt.Errorf("transition pipeline %s to failed: %w", pipelineID, err)
	}
	e.clearLastError(pipelineID)

	e.bcast.BroadcastToPipeline(pipelineID, bus.TopicNotification, bus.NotificationEvent{
		Level: "error", Title: "Pipeline failed", Message: reason, PipelineID: pipelineID,
	})
	e.logger.Warn("fsm: pipeline failed", "pipeline_id", pipelineID, "reason", reason, "trace_id", shared.TraceID(ctx))
	return nil
}

// Pause is the public pause control operation (§4.9 pause).
func (e *Engine) Pause(ctx context.Context, pipelineID string) error {
	lock := e.lockFor(pipelineID)
	lock.Lock()
	defer lock.Unlock()

	ctx = shared.WithTraceID(ctx, pipelineID)
	p, err := e.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}
	if isTerminal(p.State) {
		return ErrAlreadyTerminal
	}
	if p.State == persistence.StatePaused {
		return ErrAlreadyPaused
	}

	e.agents.KillByPipeline(pipelineID)
	if err := e.store.ResetPipelineRunningTasksToPending(ctx, pipelineID); err != nil {
		return fmt.Errorf("reset running tasks for pause of %s: %w", pipelineID, err)
	}
	e.healer.ClearTimeout(pipelineID)

	if err := e.store.SetPipelinePaused(ctx, pipelineID, p.State); err != nil {
		return fmt.Errorf("persist paused state for %s: %w", pipelineID, err)
	}

	e.bcast.BroadcastToPipeline(pipelineID, bus.TopicNotification, bus.NotificationEvent{
		Level: "warning", Title: "Pipeline paused", PipelineID: pipelineID,
	})
	e.logger.Info("fsm: pipeline paused", "pipeline_id", pipelineID, "from_state", p.State, "trace_id", shared.TraceID(ctx))
	return nil
}

// ResumePaused is the public resumePaused control operation (§4.9).
func (e *Engine) ResumePaused(ctx context.Context, pipelineID string) error {
	lock := e.lockFor(pipelineID)
	lock.Lock()
	defer lock.Unlock()
	return e.resumePaused(shared.WithTraceID(ctx, pipelineID), pipelineID)
}

func (e *Engine) resumePaused(ctx context.Context, pipelineID string) error {
	p, err := e.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}
	if p.State != persistence.StatePaused {
		return ErrNotPaused
	}
	from := p.PausedFromState
	if from == "" {
		from = persistence.StateRequirementsInput
	}
	if err := e.store.SetPipelineState(ctx, pipelineID, from); err != nil {
		return fmt.Errorf("restore paused-from state for %s: %w", pipelineID, err)
	}
	e.logger.Info("fsm: pipeline resumed from pause", "pipeline_id", pipelineID, "state", from, "trace_id", shared.TraceID(ctx))
	return e.runCurrentStageAndAdvance(ctx, pipelineID)
}

// Resume is the crash-recovery control operation (§4.9 resume, §4.10 step
// 5): invoked by the startup driver for every pipeline the crash reconciler
// flagged as resumable.
func (e *Engine) Resume(ctx context.Context, pipelineID string) error {
	lock := e.lockFor(pipelineID)
	lock.Lock()
	defer lock.Unlock()

	ctx = shared.WithTraceID(ctx, pipelineID)
	p, err := e.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}

	state := p.State
	switch state {
	case "skill_distribution", "memory_injection":
		state = persistence.StateContextPrep
		if err := e.store.SetPipelineState(ctx, pipelineID, state); err != nil {
			return fmt.Errorf("migrate deprecated state for %s: %w", pipelineID, err)
		}
	}

	if isTerminal(state) {
		return ErrAlreadyTerminal
	}
	if state == persistence.StatePaused {
		return e.resumePaused(ctx, pipelineID)
	}

	if interventionEligibleStates[state] {
		question := fmt.Sprintf("pipeline %s was re-parked after a server restart while in %s", pipelineID, state)
		if _, err := e.gate.ReParkIntervention(ctx, pipelineID, string(state), question); err != nil {
			return fmt.Errorf("re-park intervention for %s: %w", pipelineID, err)
		}
		e.logger.Info("fsm: pipeline re-parked after restart", "pipeline_id", pipelineID, "state", state, "trace_id", shared.TraceID(ctx))
		return nil
	}

	project, err := e.store.GetProject(ctx, p.ProjectID)
	if err != nil {
		return fmt.Errorf("load project %s: %w", p.ProjectID, err)
	}
	if project.IsSelfRepo && p.SelfWorktreePath == "" {
		branch := e.ws.SelfBranch(pipelineID)
		wsPath, err := e.ws.CreateWorkspace(project.RepoPath, branch)
		if err != nil {
			return fmt.Errorf("recreate self-repo worktree for %s: %w", pipelineID, err)
		}
		if err := e.store.SetSelfWorktree(ctx, pipelineID, wsPath, p.SelfMerged); err != nil {
			return fmt.Errorf("persist recreated self worktree for %s: %w", pipelineID, err)
		}
	}

	e.logger.Info("fsm: pipeline resumed after restart", "pipeline_id", pipelineID, "state", state, "trace_id", shared.TraceID(ctx))
	return e.runCurrentStageAndAdvance(ctx, pipelineID)
}

// HandlePlanReview is the legacy human_review control operation (§4.9
// handlePlanReview). approve transitions to adversarial_review; edit
// increments reentryCount and, absent overflow, returns to plan_generation
// with the feedback attached to the latest plan; reject cancels.
func (e *Engine) HandlePlanReview(ctx context.Context, pipelineID, decision, feedback string) error {
	lock := e.lockFor(pipelineID)
	lock.Lock()
	defer lock.Unlock()

	ctx = shared.WithTraceID(ctx, pipelineID)
	p, err := e.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}
	if p.State != persistence.StateHumanReview {
		return fmt.Errorf("fsm: pipeline %s not in human_review (state=%s)", pipelineID, p.State)
	}

	switch decision {
	case "approve":
		if err := e.store.SetPipelineState(ctx, pipelineID, persistence.StateAdversarialReview); err != nil {
			return fmt.Errorf("approve plan for %s: %w", pipelineID, err)
		}
		return e.runCurrentStageAndAdvance(ctx, pipelineID)

	case "edit":
		if err := e.store.IncrementReentry(ctx, pipelineID); err != nil {
			return fmt.Errorf("increment reentry for %s: %w", pipelineID, err)
		}
		p, err = e.store.GetPipeline(ctx, pipelineID)
		if err != nil {
			return err
		}
		if p.ReentryCount > e.cfg.ReplanLimit {
			return e.failPipeline(ctx, pipelineID, "Replan limit exceeded (human review edit)")
		}
		if feedback != "" {
			if plan, perr := e.store.LatestPlan(ctx, pipelineID); perr == nil {
				if err := e.store.SetPlanFeedback(ctx, plan.ID, feedback, plan.AdversarialFeedback); err != nil {
					e.logger.Error("fsm: persist human review feedback failed", "pipeline_id", pipelineID, "error", err)
				}
			}
		}
		if err := e.store.SetPipelineState(ctx, pipelineID, persistence.StatePlanGeneration); err != nil {
			return fmt.Errorf("return %s to plan_generation: %w", pipelineID, err)
		}
		return e.runCurrentStageAndAdvance(ctx, pipelineID)

	case "reject":
		return e.doCancel(ctx, pipelineID)

	default:
		return fmt.Errorf("fsm: unknown human_review decision %q", decision)
	}
}
