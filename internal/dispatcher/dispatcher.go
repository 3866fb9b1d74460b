// Package dispatcher implements the parallel_execution stage's task
// scheduler: topological-order tasks into dependency waves, run each wave
// with bounded concurrency and a per-task workspace, and rejoin into the
// host repo once every task has a verdict.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/forgeworks/pipekernel/internal/bus"
	"github.com/forgeworks/pipekernel/internal/persistence"
	"github.com/forgeworks/pipekernel/internal/workspace"
)

// AgentInvoker runs one task's agent session to completion inside the given
// workspace and reports the outcome. Implemented by internal/agentrunner;
// kept as an interface here so the dispatcher never imports process-spawn
// concerns directly.
type AgentInvoker interface {
	RunTask(ctx context.Context, task persistence.Task, workspacePath string) (resultSummary string, success bool, err error)
}

// Config bounds how many tasks a single wave runs concurrently.
type Config struct {
	MaxConcurrent int
	Namespace     string // branch namespace, e.g. project slug
}

// Dispatcher drives one pipeline's parallel_execution stage.
type Dispatcher struct {
	store   *persistence.Store
	bus     *bus.Bus
	ws      *workspace.Manager
	invoker AgentInvoker
	cfg     Config
}

func New(store *persistence.Store, eventBus *bus.Bus, ws *workspace.Manager, invoker AgentInvoker, cfg Config) *Dispatcher {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	return &Dispatcher{store: store, bus: eventBus, ws: ws, invoker: invoker, cfg: cfg}
}

// StageResult summarizes a parallel_execution run for the calling stage
// runner to translate into a quality-gate verdict.
type StageResult struct {
	Total     int
	Failed    int
	Merged    bool
	Conflicts []string
}

// RunStage loads every task belonging to stageID, executes them in
// dependency waves, and on full success merges every task workspace back
// into hostRepoPath.
func (d *Dispatcher) RunStage(ctx context.Context, pipelineID, stageID, hostRepoPath string) (StageResult, error) {
	tasks, err := d.store.ListTasksByStage(ctx, stageID)
	if err != nil {
		return StageResult{}, fmt.Errorf("list tasks for stage %s: %w", stageID, err)
	}
	waves, err := waves(tasks)
	if err != nil {
		return StageResult{}, fmt.Errorf("plan dependency graph: %w", err)
	}

	result := StageResult{Total: len(tasks), Merged: true}
	var completed []workspace.TaskMerge

	for _, wave := range waves {
		sem := make(chan struct{}, d.cfg.MaxConcurrent)
		var wg sync.WaitGroup
		var mu sync.Mutex

		for _, t := range wave {
			t := t

			// A reopened crash-resumed stage (S5) mixes tasks already
			// settled by a prior attempt with freshly pending ones; only
			// the latter need a fresh session.
			switch t.State {
			case persistence.TaskStateSucceeded:
				if t.WorktreePath != "" {
					completed = append(completed, workspace.TaskMerge{TaskID: t.ID, Path: t.WorktreePath})
				}
				continue
			case persistence.TaskStateFailed, persistence.TaskStateCancelled:
				result.Failed++
				continue
			}

			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()

				ok, wsPath := d.runTask(ctx, t, hostRepoPath)
				mu.Lock()
				defer mu.Unlock()
				if !ok {
					result.Failed++
					return
				}
				if wsPath != "" {
					completed = append(completed, workspace.TaskMerge{TaskID: t.ID, Path: wsPath})
				}
			}()
		}
		wg.Wait()
	}

	if result.Failed > 0 {
		return result, fmt.Errorf("%d/%d tasks failed", result.Failed, result.Total)
	}

	merge, err := d.ws.MergeAll(hostRepoPath, completed)
	if err != nil {
		return result, fmt.Errorf("merge task workspaces: %w", err)
	}
	result.Merged = merge.AllMerged
	result.Conflicts = merge.Conflicts
	if !merge.AllMerged {
		return result, fmt.Errorf("merge conflicts in tasks %v", merge.Conflicts)
	}
	return result, nil
}

// runTask creates the task's isolated workspace, runs its agent session and
// records the outcome. It never returns an error directly: task failure is
// reported through the task's persisted state, matching the stage's
// k-of-n failure accounting.
func (d *Dispatcher) runTask(ctx context.Context, t persistence.Task, hostRepoPath string) (ok bool, workspacePath string) {
	wsPath := t.WorktreePath
	if wsPath == "" {
		// Crash-resumed tasks may already carry a worktree path (S5); only
		// create a fresh one on first dispatch.
		branch := d.ws.TaskBranch(t.ID)
		created, err := d.ws.CreateWorkspace(hostRepoPath, branch)
		if err != nil {
			_ = d.store.SetTaskState(ctx, t.ID, persistence.TaskStateFailed, err.Error())
			return false, ""
		}
		wsPath = created
		if err := d.store.SetTaskWorktree(ctx, t.ID, wsPath); err != nil {
			return false, ""
		}
	}
	if err := d.store.SetTaskState(ctx, t.ID, persistence.TaskStateRunning, ""); err != nil {
		return false, ""
	}

	summary, success, err := d.invoker.RunTask(ctx, t, wsPath)
	if err != nil || !success {
		msg := summary
		if err != nil {
			msg = err.Error()
		}
		_ = d.store.SetTaskState(ctx, t.ID, persistence.TaskStateFailed, msg)
		return false, ""
	}
	if err := d.store.SetTaskState(ctx, t.ID, persistence.TaskStateSucceeded, summary); err != nil {
		return false, ""
	}
	return true, wsPath
}

// waves performs a Kahn's-algorithm topological sort on a pipeline's task
// DAG, grouping tasks with no unprocessed dependency into the same wave so
// the dispatcher can run them concurrently.
func waves(tasks []persistence.Task) ([][]persistence.Task, error) {
	byID := make(map[string]persistence.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("task %s depends on unknown task %s", t.ID, dep)
			}
		}
	}

	var out [][]persistence.Task
	processed := make(map[string]bool, len(tasks))

	for len(processed) < len(tasks) {
		var wave []persistence.Task
		for _, t := range tasks {
			if processed[t.ID] {
				continue
			}
			ready := true
			for _, dep := range t.DependsOn {
				if !processed[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, t)
			}
		}
		if len(wave) == 0 {
			return nil, fmt.Errorf("cycle detected in task dependency graph")
		}
		for _, t := range wave {
			processed[t.ID] = true
		}
		out = append(out, wave)
	}
	return out, nil
}
