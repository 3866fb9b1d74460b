package reconciler_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/forgeworks/pipekernel/internal/persistence"
	"github.com/forgeworks/pipekernel/internal/reconciler"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "pipekernel.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestReconcile_MarksCrashedSessionsAndResetsTasks(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.CreateProject(ctx, persistence.Project{ID: "proj-1", RepoPath: "/tmp/p"}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	if err := store.CreatePipeline(ctx, persistence.Pipeline{ID: "pipe-1", ProjectID: "proj-1"}); err != nil {
		t.Fatalf("create pipeline: %v", err)
	}
	if err := store.CreateStage(ctx, persistence.Stage{ID: "stage-1", PipelineID: "pipe-1", StageType: "parallel_execution"}); err != nil {
		t.Fatalf("create stage: %v", err)
	}
	if err := store.CreateTask(ctx, persistence.Task{ID: "task-1", PipelineID: "pipe-1", StageID: "stage-1", State: persistence.TaskStateRunning}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := store.CreateAgentSession(ctx, persistence.AgentSession{ID: "sess-1", TaskID: "task-1"}); err != nil {
		t.Fatalf("create session: %v", err)
	}

	rec := reconciler.New(store, nil)
	rep, err := rec.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if rep.CrashedSessions != 1 {
		t.Fatalf("expected 1 crashed session, got %d", rep.CrashedSessions)
	}
	if rep.ResetTasks != 1 {
		t.Fatalf("expected 1 reset task, got %d", rep.ResetTasks)
	}
	if rep.FailedStages != 1 {
		t.Fatalf("expected 1 pipeline with a failed running stage, got %d", rep.FailedStages)
	}

	stage, err := store.GetStage(ctx, "stage-1")
	if err != nil {
		t.Fatalf("get stage: %v", err)
	}
	if stage.State != persistence.StageStateFailed {
		t.Fatalf("expected stage left running at crash to be failed, got %s", stage.State)
	}
}

func TestReconcile_ResumableExcludesPausedPipelines(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.CreateProject(ctx, persistence.Project{ID: "proj-1", RepoPath: "/tmp/p"}); err != nil {
		t.Fatalf("create project: %v", err)
	}

	// pipe-a is mid-flight (not paused): should come back as resumable.
	if err := store.CreatePipeline(ctx, persistence.Pipeline{ID: "pipe-a", ProjectID: "proj-1", State: persistence.StateContextPrep}); err != nil {
		t.Fatalf("create pipeline a: %v", err)
	}
	// pipe-b was deliberately paused before the crash: must NOT auto-resume.
	if err := store.CreatePipeline(ctx, persistence.Pipeline{ID: "pipe-b", ProjectID: "proj-1", State: persistence.StateTesting}); err != nil {
		t.Fatalf("create pipeline b: %v", err)
	}
	if err := store.SetPipelinePaused(ctx, "pipe-b", persistence.StateTesting); err != nil {
		t.Fatalf("pause pipeline b: %v", err)
	}
	// pipe-c already finished: excluded by ListResumable itself.
	if err := store.CreatePipeline(ctx, persistence.Pipeline{ID: "pipe-c", ProjectID: "proj-1", State: persistence.StateCompleted}); err != nil {
		t.Fatalf("create pipeline c: %v", err)
	}

	rec := reconciler.New(store, nil)
	rep, err := rec.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if len(rep.Resumable) != 1 {
		t.Fatalf("expected exactly 1 resumable pipeline, got %d: %+v", len(rep.Resumable), rep.Resumable)
	}
	if rep.Resumable[0].ID != "pipe-a" {
		t.Fatalf("expected pipe-a to be the resumable pipeline, got %s", rep.Resumable[0].ID)
	}
}

func TestReconcile_NoCrashedStateIsANoop(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.CreateProject(ctx, persistence.Project{ID: "proj-1", RepoPath: "/tmp/p"}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	if err := store.CreatePipeline(ctx, persistence.Pipeline{ID: "pipe-1", ProjectID: "proj-1", State: persistence.StateCompleted}); err != nil {
		t.Fatalf("create pipeline: %v", err)
	}

	rec := reconciler.New(store, nil)
	rep, err := rec.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if rep.CrashedSessions != 0 || rep.ResetTasks != 0 || rep.FailedStages != 0 || len(rep.Resumable) != 0 {
		t.Fatalf("expected a clean sweep to find nothing, got %+v", rep)
	}
}
