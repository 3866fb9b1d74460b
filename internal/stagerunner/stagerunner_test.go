package stagerunner_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/forgeworks/pipekernel/internal/agentrunner"
	"github.com/forgeworks/pipekernel/internal/bus"
	"github.com/forgeworks/pipekernel/internal/config"
	"github.com/forgeworks/pipekernel/internal/cost"
	"github.com/forgeworks/pipekernel/internal/dispatcher"
	"github.com/forgeworks/pipekernel/internal/evolution"
	"github.com/forgeworks/pipekernel/internal/healer"
	"github.com/forgeworks/pipekernel/internal/intervention"
	"github.com/forgeworks/pipekernel/internal/persistence"
	"github.com/forgeworks/pipekernel/internal/stagerunner"
	"github.com/forgeworks/pipekernel/internal/workspace"
)

func requireGitAndSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

// fakeSkills and fakeMemory satisfy stagerunner's small collaborator
// interfaces without pulling in the real skills/memoryctx packages.
type fakeSkills struct{ pack []string }

func (f fakeSkills) FetchSkillPack(ctx context.Context, taskType string) ([]string, error) {
	return f.pack, nil
}

type fakeMemory struct {
	ctx       string
	available bool
}

func (f fakeMemory) ContextFor(ctx context.Context, projectID, pipelineID string) (string, error) {
	return f.ctx, nil
}

func (f fakeMemory) Available(ctx context.Context, projectID, pipelineID string) (bool, error) {
	return f.available, nil
}

// harness bundles every real collaborator a Runner needs, wired against a
// throwaway sqlite store and a throwaway git repo, mirroring the
// dispatcher/workspace test style (shell out to git and sh rather than
// faking process-boundary concerns).
type harness struct {
	runner     *stagerunner.Runner
	store      *persistence.Store
	repo       string
	pipelineID string
	projectID  string
}

func newHarness(t *testing.T, agentScript string, cfg config.Defaults) *harness {
	t.Helper()
	requireGitAndSh(t)

	repo := filepath.Join(t.TempDir(), "repo")
	if err := os.MkdirAll(repo, 0o755); err != nil {
		t.Fatalf("mkdir repo: %v", err)
	}
	runGit(t, repo, "init", "-q", "-b", "main")
	runGit(t, repo, "config", "user.email", "test@example.com")
	runGit(t, repo, "config", "user.name", "Test")
	if err := os.WriteFile(filepath.Join(repo, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	runGit(t, repo, "add", "-A")
	runGit(t, repo, "commit", "-q", "-m", "initial")

	store, err := persistence.Open(filepath.Join(t.TempDir(), "pk.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	projectID := "proj-1"
	if err := store.CreateProject(ctx, persistence.Project{ID: projectID, RepoPath: repo}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	pipelineID := "pipe-1"
	if err := store.CreatePipeline(ctx, persistence.Pipeline{ID: pipelineID, ProjectID: projectID, Requirements: "add a widget"}); err != nil {
		t.Fatalf("create pipeline: %v", err)
	}

	b := bus.NewBroadcaster(bus.New())
	h := healer.New(nil)
	gate := intervention.New(store, b, h, nil, nil)

	var agents *agentrunner.Runner
	if agentScript != "" {
		agents = agentrunner.New("sh", "-c", agentScript)
	} else {
		agents = agentrunner.New("sh", "-c", "cat >/dev/null; echo '{\"type\":\"done\",\"exitCode\":0}'")
	}
	ws := workspace.New("pk")
	dispatch := dispatcher.New(store, bus.New(), ws, fakeInvoker{}, dispatcher.Config{MaxConcurrent: 2, Namespace: "pk"})
	tracker := cost.New(store)
	evo := evolution.New(store)

	runner := stagerunner.New(store, b, agents, ws, gate, tracker, dispatch, fakeSkills{}, fakeMemory{}, evo, cfg)

	return &harness{runner: runner, store: store, repo: repo, pipelineID: pipelineID, projectID: projectID}
}

type fakeInvoker struct{}

func (fakeInvoker) RunTask(ctx context.Context, task persistence.Task, wsPath string) (string, bool, error) {
	return "ok", true, nil
}

func TestRunStage_RequirementsInput_PassesWhenRequirementsPresent(t *testing.T) {
	h := newHarness(t, "", config.Defaults{})
	result, err := h.runner.RunStage(context.Background(), h.pipelineID, "requirements_input")
	if err != nil {
		t.Fatalf("run stage: %v", err)
	}
	if result.Outcome != stagerunner.OutcomePass {
		t.Fatalf("expected pass, got %+v", result)
	}
}

func TestRunStage_RequirementsInput_FailsWhenBlank(t *testing.T) {
	h := newHarness(t, "", config.Defaults{})
	ctx := context.Background()
	if err := h.store.CreatePipeline(ctx, persistence.Pipeline{ID: "pipe-blank", ProjectID: h.projectID, Requirements: "   "}); err != nil {
		t.Fatalf("create blank pipeline: %v", err)
	}
	result, err := h.runner.RunStage(ctx, "pipe-blank", "requirements_input")
	if err != nil {
		t.Fatalf("run stage: %v", err)
	}
	if result.Outcome != stagerunner.OutcomeFail {
		t.Fatalf("expected fail for blank requirements, got %+v", result)
	}
}

func TestRunStage_PlanGeneration_PersistsPlanAndParallelTasks(t *testing.T) {
	script := `cat >/dev/null
echo '{"type":"assistant:text","text":"` + `{\"content\":\"do it\",\"taskBreakdown\":[{\"title\":\"write code\",\"description\":\"implement the widget\",\"agentRole\":\"executor\"},{\"title\":\"write tests\",\"description\":\"cover the widget\",\"agentRole\":\"tester\",\"dependsOn\":[\"write code\"]}]}` + `"}'
echo '{"type":"done","exitCode":0}'
`
	h := newHarness(t, script, config.Defaults{DefaultModel: "test-model"})
	result, err := h.runner.RunStage(context.Background(), h.pipelineID, "plan_generation")
	if err != nil {
		t.Fatalf("run stage: %v", err)
	}
	if result.Outcome != stagerunner.OutcomePass {
		t.Fatalf("expected pass, got %+v", result)
	}

	plan, err := h.store.LatestPlan(context.Background(), h.pipelineID)
	if err != nil {
		t.Fatalf("latest plan: %v", err)
	}
	if plan.Version != 1 || plan.Content != "do it" {
		t.Fatalf("unexpected plan: %+v", plan)
	}

	parallelStage, err := h.store.PendingStageOfType(context.Background(), h.pipelineID, "parallel_execution")
	if err != nil {
		t.Fatalf("expected a pre-created parallel_execution stage: %v", err)
	}
	tasks, err := h.store.ListTasksByStage(context.Background(), parallelStage.ID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 generated tasks, got %d", len(tasks))
	}
}

func TestRunStage_PlanGeneration_MalformedOutputFailsWithParsePrefix(t *testing.T) {
	script := `cat >/dev/null
echo '{"type":"assistant:text","text":"not any json at all"}'
echo '{"type":"done","exitCode":0}'
`
	h := newHarness(t, script, config.Defaults{})
	result, err := h.runner.RunStage(context.Background(), h.pipelineID, "plan_generation")
	if err != nil {
		t.Fatalf("run stage: %v", err)
	}
	if result.Outcome != stagerunner.OutcomeFail {
		t.Fatalf("expected fail, got %+v", result)
	}
	if !strings.HasPrefix(result.Error, stagerunner.PlanParseErrorPrefix) {
		t.Fatalf("expected parse error prefix, got %q", result.Error)
	}

	stage, err := h.store.GetStage(context.Background(), mustOnlyStageID(t, h.store, h.pipelineID, "plan_generation"))
	if err != nil {
		t.Fatalf("get stage: %v", err)
	}
	if stage.State != persistence.StageStateFailed {
		t.Fatalf("expected stage persisted as failed, got %s", stage.State)
	}
}

// TestRunStage_ParallelExecution_ResumesOrphanedStageAfterCrash covers S5:
// the reconciler force-fails a parallel_execution stage still running at
// crash time and resets its in-flight task to pending, leaving a succeeded
// sibling task untouched. Resuming into parallel_execution must reopen that
// same stage rather than mint a fresh, task-less one, and must not
// re-dispatch the already-succeeded task.
func TestRunStage_ParallelExecution_ResumesOrphanedStageAfterCrash(t *testing.T) {
	h := newHarness(t, "", config.Defaults{})
	ctx := context.Background()

	stage := persistence.Stage{ID: "stage-crash", PipelineID: h.pipelineID, StageType: "parallel_execution", State: persistence.StageStateRunning}
	if err := h.store.CreateStage(ctx, stage); err != nil {
		t.Fatalf("create stage: %v", err)
	}

	done := persistence.Task{ID: "task-done", PipelineID: h.pipelineID, StageID: stage.ID, Title: "write code", AgentRole: "executor"}
	if err := h.store.CreateTask(ctx, done); err != nil {
		t.Fatalf("create done task: %v", err)
	}
	if err := h.store.SetTaskState(ctx, done.ID, persistence.TaskStateRunning, ""); err != nil {
		t.Fatalf("start done task: %v", err)
	}
	if err := h.store.SetTaskState(ctx, done.ID, persistence.TaskStateSucceeded, "ok"); err != nil {
		t.Fatalf("succeed done task: %v", err)
	}

	orphan := persistence.Task{ID: "task-orphan", PipelineID: h.pipelineID, StageID: stage.ID, Title: "write tests", AgentRole: "tester"}
	if err := h.store.CreateTask(ctx, orphan); err != nil {
		t.Fatalf("create orphan task: %v", err)
	}
	if err := h.store.SetTaskState(ctx, orphan.ID, persistence.TaskStateRunning, ""); err != nil {
		t.Fatalf("start orphan task: %v", err)
	}

	// Mirrors the reconciler's crash sweep (§4.10 steps 2-3): reset the
	// in-flight task to pending, then force the still-running stage failed.
	if _, err := h.store.ResetRunningTasksToPending(ctx); err != nil {
		t.Fatalf("reset running tasks: %v", err)
	}
	if err := h.store.FailOrSkipNonTerminalStages(ctx, h.pipelineID, "crash"); err != nil {
		t.Fatalf("fail non-terminal stages: %v", err)
	}

	result, err := h.runner.RunStage(ctx, h.pipelineID, "parallel_execution")
	if err != nil {
		t.Fatalf("run stage: %v", err)
	}
	if result.Outcome != stagerunner.OutcomePass {
		t.Fatalf("expected pass once the orphaned task is re-dispatched, got %+v", result)
	}

	reused, err := h.store.GetStage(ctx, stage.ID)
	if err != nil {
		t.Fatalf("get stage: %v", err)
	}
	if reused.State != persistence.StageStatePassed {
		t.Fatalf("expected the reopened stage to be reused and pass, got %s", reused.State)
	}

	stages, err := h.store.ListStagesByPipeline(ctx, h.pipelineID)
	if err != nil {
		t.Fatalf("list stages: %v", err)
	}
	count := 0
	for _, s := range stages {
		if s.StageType == "parallel_execution" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one parallel_execution stage row, got %d", count)
	}

	resumed, err := h.store.GetTask(ctx, orphan.ID)
	if err != nil {
		t.Fatalf("get orphan task: %v", err)
	}
	if resumed.State != persistence.TaskStateSucceeded {
		t.Fatalf("expected the orphaned task to be re-dispatched to success, got %s", resumed.State)
	}
}

func TestRunStage_Testing_PassesOnCleanAgentRun(t *testing.T) {
	script := `cat >/dev/null
echo '{"type":"done","exitCode":0}'
`
	h := newHarness(t, script, config.Defaults{})
	result, err := h.runner.RunStage(context.Background(), h.pipelineID, "testing")
	if err != nil {
		t.Fatalf("run stage: %v", err)
	}
	if result.Outcome != stagerunner.OutcomePass {
		t.Fatalf("expected pass, got %+v", result)
	}
}

func TestRunStage_Testing_RequestsInterventionOnFailingAgentRun(t *testing.T) {
	script := `cat >/dev/null
echo '{"type":"assistant:text","text":"2 tests failed"}'
echo '{"type":"done","exitCode":1}'
`
	h := newHarness(t, script, config.Defaults{})

	done := make(chan struct{})
	var result stagerunner.Result
	var runErr error
	go func() {
		result, runErr = h.runner.RunStage(context.Background(), h.pipelineID, "testing")
		close(done)
	}()

	var ivID string
	for i := 0; i < 100; i++ {
		pending, err := h.store.ListPendingForPipeline(context.Background(), h.pipelineID)
		if err == nil && len(pending) > 0 {
			ivID = pending[0].ID
			break
		}
		select {
		case <-done:
			t.Fatalf("stage finished before an intervention was requested: %+v err=%v", result, runErr)
		default:
		}
	}
	if ivID == "" {
		t.Fatal("expected a pending intervention for the failing test run")
	}

	gate := intervention.New(h.store, bus.NewBroadcaster(bus.New()), healer.New(nil), nil, nil)
	if err := gate.ResolveIntervention(context.Background(), ivID, "abort"); err != nil {
		t.Fatalf("resolve intervention: %v", err)
	}

	<-done
	if runErr != nil {
		t.Fatalf("run stage: %v", runErr)
	}
	if result.Outcome != stagerunner.OutcomeCancel {
		t.Fatalf("expected cancel outcome for an aborted test failure, got %+v", result)
	}
}

func TestRunStage_GitIntegration_PassesImmediatelyWithNoChanges(t *testing.T) {
	h := newHarness(t, "", config.Defaults{})
	result, err := h.runner.RunStage(context.Background(), h.pipelineID, "git_integration")
	if err != nil {
		t.Fatalf("run stage: %v", err)
	}
	if result.Outcome != stagerunner.OutcomePass {
		t.Fatalf("expected pass for a no-op git_integration, got %+v", result)
	}
}

func TestRunStage_GitIntegration_CommitsStagedChanges(t *testing.T) {
	h := newHarness(t, "", config.Defaults{})
	if err := os.WriteFile(filepath.Join(h.repo, "widget.txt"), []byte("new feature"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	runGit(t, h.repo, "add", "-A")

	result, err := h.runner.RunStage(context.Background(), h.pipelineID, "git_integration")
	if err != nil {
		t.Fatalf("run stage: %v", err)
	}
	if result.Outcome != stagerunner.OutcomePass {
		t.Fatalf("expected pass, got %+v", result)
	}

	out, err := exec.Command("git", "-C", h.repo, "log", "--oneline").CombinedOutput()
	if err != nil {
		t.Fatalf("git log: %v", err)
	}
	if !strings.Contains(string(out), "pipe-1") {
		t.Fatalf("expected a commit referencing the pipeline id, got %s", out)
	}
}

func TestRunStage_EvolutionCapture_RecordsMetricsAndAlwaysPasses(t *testing.T) {
	h := newHarness(t, "", config.Defaults{})
	result, err := h.runner.RunStage(context.Background(), h.pipelineID, "evolution_capture")
	if err != nil {
		t.Fatalf("run stage: %v", err)
	}
	if result.Outcome != stagerunner.OutcomePass {
		t.Fatalf("expected pass, got %+v", result)
	}
}

func TestRunStage_UnknownStageTypeReturnsError(t *testing.T) {
	h := newHarness(t, "", config.Defaults{})
	if _, err := h.runner.RunStage(context.Background(), h.pipelineID, "not_a_real_stage"); err == nil {
		t.Fatal("expected an error for an unknown stage type")
	}
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

func mustOnlyStageID(t *testing.T, store *persistence.Store, pipelineID, stageType string) string {
	t.Helper()
	stages, err := store.ListStagesByPipeline(context.Background(), pipelineID)
	if err != nil {
		t.Fatalf("list stages: %v", err)
	}
	for _, s := range stages {
		if s.StageType == stageType {
			return s.ID
		}
	}
	t.Fatalf("no stage of type %s found", stageType)
	return ""
}
