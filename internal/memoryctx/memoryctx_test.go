package memoryctx_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/forgeworks/pipekernel/internal/memoryctx"
	"github.com/forgeworks/pipekernel/internal/persistence"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "pk.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAvailable_FalseWhenNoMemoryExists(t *testing.T) {
	store := openTestStore(t)
	p := memoryctx.New(store)
	ok, err := p.Available(context.Background(), "proj-1", "pipe-1")
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if ok {
		t.Fatal("expected no memory available")
	}
}

func TestContextFor_EmptyWhenNoMemoryExists(t *testing.T) {
	store := openTestStore(t)
	p := memoryctx.New(store)
	ctx, err := p.ContextFor(context.Background(), "proj-1", "pipe-1")
	if err != nil {
		t.Fatalf("context for: %v", err)
	}
	if ctx != "" {
		t.Fatalf("expected empty context, got %q", ctx)
	}
}

func TestContextFor_RendersBothLevelsInsideTaggedBlock(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if err := store.CreateMemoryRecord(ctx, persistence.MemoryRecord{
		ID: "m1", ProjectID: "proj-1", Level: persistence.MemoryLevelProject, Content: "project-wide lesson",
	}); err != nil {
		t.Fatalf("create L1 record: %v", err)
	}
	if err := store.CreateMemoryRecord(ctx, persistence.MemoryRecord{
		ID: "m2", ProjectID: "proj-1", PipelineID: "pipe-1", Level: persistence.MemoryLevelPipeline, Content: "pipeline scratch note",
	}); err != nil {
		t.Fatalf("create L2 record: %v", err)
	}

	p := memoryctx.New(store)
	rendered, err := p.ContextFor(ctx, "proj-1", "pipe-1")
	if err != nil {
		t.Fatalf("context for: %v", err)
	}
	if !strings.HasPrefix(rendered, "<pipeline_memory>") || !strings.HasSuffix(rendered, "</pipeline_memory>") {
		t.Fatalf("expected content wrapped in <pipeline_memory> tags, got %q", rendered)
	}
	if !strings.Contains(rendered, "project-wide lesson") || !strings.Contains(rendered, "pipeline scratch note") {
		t.Fatalf("expected both memory levels rendered, got %q", rendered)
	}

	available, err := p.Available(ctx, "proj-1", "pipe-1")
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if !available {
		t.Fatal("expected memory to be available once records exist")
	}
}

func TestAvailable_TrueWithOnlyPipelineScopedMemory(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if err := store.CreateMemoryRecord(ctx, persistence.MemoryRecord{
		ID: "m1", ProjectID: "proj-1", PipelineID: "pipe-1", Level: persistence.MemoryLevelPipeline, Content: "note",
	}); err != nil {
		t.Fatalf("create record: %v", err)
	}
	p := memoryctx.New(store)
	ok, err := p.Available(ctx, "proj-1", "pipe-1")
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if !ok {
		t.Fatal("expected pipeline-scoped memory alone to count as available")
	}
}

func TestContextFor_IgnoresOtherProjectsAndPipelines(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if err := store.CreateMemoryRecord(ctx, persistence.MemoryRecord{
		ID: "m1", ProjectID: "other-project", Level: persistence.MemoryLevelProject, Content: "unrelated lesson",
	}); err != nil {
		t.Fatalf("create record: %v", err)
	}
	if err := store.CreateMemoryRecord(ctx, persistence.MemoryRecord{
		ID: "m2", ProjectID: "proj-1", PipelineID: "other-pipeline", Level: persistence.MemoryLevelPipeline, Content: "unrelated note",
	}); err != nil {
		t.Fatalf("create record: %v", err)
	}

	p := memoryctx.New(store)
	rendered, err := p.ContextFor(ctx, "proj-1", "pipe-1")
	if err != nil {
		t.Fatalf("context for: %v", err)
	}
	if rendered != "" {
		t.Fatalf("expected no memory scoped to proj-1/pipe-1, got %q", rendered)
	}
}
