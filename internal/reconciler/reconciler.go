// Package reconciler implements C10: the startup sweep that brings
// persisted state back to a consistent quiescent point after a crash or
// unclean shutdown, and produces the list of pipelines the FSM should
// resume (§4.10).
package reconciler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/forgeworks/pipekernel/internal/persistence"
)

// Reconciler runs the startup sweep against a store.
type Reconciler struct {
	store  *persistence.Store
	logger *slog.Logger
}

func New(store *persistence.Store, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, logger: logger}
}

// Report summarizes what the sweep found and fixed, for startup logging.
type Report struct {
	CrashedSessions int64
	ResetTasks      int64
	FailedStages    int
	Resumable       []persistence.Pipeline
}

// Reconcile runs the five-step sweep of §4.10, in order:
//  1. mark every agent session still open at process death as crashed
//  2. reset every task left "running" back to pending, so the dispatcher
//     picks it up again on resume
//  3. fail every stage left "running" globally, since no in-memory
//     stage-runner goroutine survived the crash to finish it
//  4. enumerate every non-terminal, non-paused pipeline as resumable
//  5. return the resume list; the caller (cmd/pipekerneld) drives each
//     pipeline through FSM.Resume
//
// A pipeline left in "paused" by a deliberate, pre-crash pause is excluded:
// it is still intentionally parked and must wait for an explicit
// resumePaused, not an automatic crash-resume.
func (r *Reconciler) Reconcile(ctx context.Context) (Report, error) {
	var rep Report

	crashed, err := r.store.MarkCrashedSessions(ctx)
	if err != nil {
		return rep, fmt.Errorf("mark crashed sessions: %w", err)
	}
	rep.CrashedSessions = crashed
	if crashed > 0 {
		r.logger.Warn("reconciler: marked crashed agent sessions", "count", crashed)
	}

	resetTasks, err := r.store.ResetRunningTasksToPending(ctx)
	if err != nil {
		return rep, fmt.Errorf("reset running tasks: %w", err)
	}
	rep.ResetTasks = resetTasks
	if resetTasks > 0 {
		r.logger.Warn("reconciler: reset running tasks to pending", "count", resetTasks)
	}

	runningStages, err := r.store.ListRunningStagesGlobal(ctx)
	if err != nil {
		return rep, fmt.Errorf("list running stages: %w", err)
	}
	failedByPipeline := make(map[string]bool)
	for _, st := range runningStages {
		if failedByPipeline[st.PipelineID] {
			continue
		}
		if err := r.store.FailOrSkipNonTerminalStages(ctx, st.PipelineID, "Server crashed during execution"); err != nil {
			return rep, fmt.Errorf("fail running stage for pipeline %s: %w", st.PipelineID, err)
		}
		failedByPipeline[st.PipelineID] = true
		rep.FailedStages++
	}
	if rep.FailedStages > 0 {
		r.logger.Warn("reconciler: failed stages left running at crash", "pipelines", rep.FailedStages)
	}

	resumable, err := r.store.ListResumable(ctx)
	if err != nil {
		return rep, fmt.Errorf("list resumable pipelines: %w", err)
	}
	for _, p := range resumable {
		if p.State == persistence.StatePaused {
			continue
		}
		rep.Resumable = append(rep.Resumable, p)
	}

	r.logger.Info("reconciler: startup sweep complete",
		"crashed_sessions", rep.CrashedSessions,
		"reset_tasks", rep.ResetTasks,
		"failed_stage_pipelines", rep.FailedStages,
		"resumable_pipelines", len(rep.Resumable),
	)
	return rep, nil
}
