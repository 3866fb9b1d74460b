// Command pipekerneld is the pipeline execution kernel's composition root:
// it wires persistence, the broadcast bus, the workspace/agent/cost/healer
// collaborators, the stage runner and task dispatcher, the FSM engine, the
// crash reconciler, and the maintenance cron scheduler, then runs until a
// shutdown signal arrives. It exposes no HTTP surface (spec.md §1 places
// the request layer out of scope) — pipelines are created and driven by an
// external caller operating directly on the persisted store and, from
// there, the FSM's control API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/forgeworks/pipekernel/internal/agentrunner"
	"github.com/forgeworks/pipekernel/internal/audit"
	"github.com/forgeworks/pipekernel/internal/bus"
	"github.com/forgeworks/pipekernel/internal/config"
	"github.com/forgeworks/pipekernel/internal/cost"
	"github.com/forgeworks/pipekernel/internal/cron"
	"github.com/forgeworks/pipekernel/internal/dispatcher"
	"github.com/forgeworks/pipekernel/internal/evolution"
	"github.com/forgeworks/pipekernel/internal/fsm"
	"github.com/forgeworks/pipekernel/internal/healer"
	"github.com/forgeworks/pipekernel/internal/intervention"
	"github.com/forgeworks/pipekernel/internal/memoryctx"
	"github.com/forgeworks/pipekernel/internal/persistence"
	"github.com/forgeworks/pipekernel/internal/reconciler"
	"github.com/forgeworks/pipekernel/internal/skills"
	"github.com/forgeworks/pipekernel/internal/stagerunner"
	"github.com/forgeworks/pipekernel/internal/toolforge"
	"github.com/forgeworks/pipekernel/internal/workspace"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "config_fingerprint", cfg.Fingerprint())

	eventBus := bus.New()
	bcast := bus.NewBroadcaster(eventBus)

	dbPath := filepath.Join(cfg.HomeDir, "pipekernel.db")
	store, err := persistence.Open(dbPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	agents := agentrunner.New(cfg.AgentBinary, cfg.AgentArgs...)
	ws := workspace.New(cfg.Namespace)
	tracker := cost.New(store)
	h := healer.New(logger)
	forge := toolforge.New(store)
	skillDist := skills.New(logger, filepath.Join(cfg.HomeDir, "skills"))
	memProvider := memoryctx.New(store)
	evo := evolution.New(store)

	// The intervention gate's resolution path needs to call back into the
	// FSM (Advance), and the FSM needs the gate (Resume re-parks via it).
	// Break the cycle with a forward-declared closure the FSM wires into
	// itself below.
	var eng *fsm.Engine
	advanceFn := func(advCtx context.Context, pipelineID string) {
		if eng == nil {
			return
		}
		if err := eng.Advance(advCtx, pipelineID); err != nil {
			logger.Error("post-restart intervention advance failed", "pipeline_id", pipelineID, "error", err)
		}
	}
	gate := intervention.New(store, bcast, h, logger, advanceFn)

	taskInvoker := dispatcher.NewTaskInvoker(store, bcast, agents, tracker, gate, cfg, skillDist, memProvider, forge)
	dispatch := dispatcher.New(store, eventBus, ws, taskInvoker, dispatcher.Config{
		MaxConcurrent: cfg.MaxConcurrentTasks,
		Namespace:     cfg.Namespace,
	})

	stages := stagerunner.New(store, bcast, agents, ws, gate, tracker, dispatch, skillDist, memProvider, evo, cfg)

	eng = fsm.New(store, bcast, h, gate, stages, agents, tracker, ws, forge, cfg, logger)
	logger.Info("startup phase", "phase", "collaborators_wired")

	rec := reconciler.New(store, logger)
	report, err := rec.Reconcile(ctx)
	if err != nil {
		fatalStartup(logger, "E_RECONCILE", err)
	}
	logger.Info("startup phase", "phase", "crash_reconciliation_complete",
		"crashed_sessions", report.CrashedSessions,
		"reset_tasks", report.ResetTasks,
		"failed_stage_pipelines", report.FailedStages,
		"resumable_pipelines", len(report.Resumable))

	for _, p := range report.Resumable {
		if err := eng.Resume(ctx, p.ID); err != nil {
			logger.Error("failed to resume pipeline after crash", "pipeline_id", p.ID, "error", err)
		}
	}

	cronSched := cron.NewScheduler(cron.Config{
		Store:            store,
		Cost:             tracker,
		Logger:           logger,
		OnBudgetExceeded: eng.FailBudgetExceeded,
		Interval:         cfg.MaintenanceIntervalDuration(),
		InterventionTTL:  cfg.InterventionTTLDuration(),
	})
	cronSched.Start(ctx)
	defer cronSched.Stop()
	logger.Info("startup phase", "phase", "maintenance_scheduler_started")

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			if filepath.Base(ev.Path) != "config.yaml" {
				continue
			}
			newCfg, err := config.Load()
			if err != nil {
				logger.Error("config.yaml reload failed", "error", err)
				continue
			}
			cfg = newCfg
			logger.Info("config.yaml hot-reloaded", "config_fingerprint", cfg.Fingerprint())
		}
	}()

	logger.Info("pipekerneld running", "home_dir", cfg.HomeDir)
	<-ctx.Done()
	logger.Info("shutdown signal received")
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, "", message)
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure: %s: %s\n", reasonCode, message)
	}
	os.Exit(1)
}
