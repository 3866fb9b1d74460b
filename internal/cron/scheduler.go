// Package cron runs the crash reconciler's periodic maintenance sweep:
// expiring stale pending interventions and re-checking in-flight pipeline
// budgets, on either a fixed interval or a standard cron expression.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/forgeworks/pipekernel/internal/cost"
	"github.com/forgeworks/pipekernel/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// BudgetExceededFunc is invoked when a non-terminal pipeline's aggregated
// cost has crossed its project's budget ceiling since the last sweep. The
// FSM wiring supplies a callback that fails the pipeline with "Budget limit
// exceeded" (§4.4).
type BudgetExceededFunc func(ctx context.Context, pipelineID string)

// Config holds the dependencies for the maintenance scheduler.
type Config struct {
	Store   *persistence.Store
	Cost    *cost.Tracker
	Logger  *slog.Logger
	OnBudgetExceeded BudgetExceededFunc

	// Interval paces the sweep when CronExpr is empty; defaults to 5 minutes.
	Interval time.Duration
	// CronExpr, if set, overrides Interval: the sweep runs at each of its
	// standard 5-field cron occurrences instead of a fixed tick.
	CronExpr string

	// InterventionTTL is how long a pending intervention may sit unanswered
	// before the sweep expires it.
	InterventionTTL time.Duration
}

// Scheduler periodically expires stale interventions and re-checks pipeline
// budgets so violations that occur between stage re-entries aren't missed.
type Scheduler struct {
	store            *persistence.Store
	cost             *cost.Tracker
	logger           *slog.Logger
	onBudgetExceeded BudgetExceededFunc
	interval         time.Duration
	cronExpr         string
	interventionTTL  time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ttl := cfg.InterventionTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:            cfg.Store,
		cost:             cfg.Cost,
		logger:           logger,
		onBudgetExceeded: cfg.OnBudgetExceeded,
		interval:         interval,
		cronExpr:         cfg.CronExpr,
		interventionTTL:  ttl,
	}
}

// Start begins the scheduler loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("maintenance scheduler started", "interval", s.interval, "cron_expr", s.cronExpr)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("maintenance scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	s.tick(ctx)

	for {
		wait := s.interval
		if s.cronExpr != "" {
			next, err := NextRunTime(s.cronExpr, time.Now())
			if err != nil {
				s.logger.Error("maintenance: invalid cron expression, falling back to interval", "error", err)
			} else {
				wait = time.Until(next)
			}
		}
		if wait <= 0 {
			wait = s.interval
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.tick(ctx)
		}
	}
}

// tick expires stale pending interventions and re-checks every resumable
// pipeline's budget.
func (s *Scheduler) tick(ctx context.Context) {
	s.expireStaleInterventions(ctx)
	s.recheckBudgets(ctx)
}

func (s *Scheduler) expireStaleInterventions(ctx context.Context) {
	pending, err := s.store.ListAllPending(ctx)
	if err != nil {
		s.logger.Error("maintenance: list pending interventions failed", "error", err)
		return
	}
	cutoff := time.Now().Add(-s.interventionTTL)
	for _, iv := range pending {
		if iv.CreatedAt.After(cutoff) {
			continue
		}
		if err := s.store.ExpireIntervention(ctx, iv.ID); err != nil {
			s.logger.Error("maintenance: expire intervention failed", "intervention_id", iv.ID, "error", err)
			continue
		}
		s.logger.Info("maintenance: expired stale intervention", "intervention_id", iv.ID, "pipeline_id", iv.PipelineID)
	}
}

func (s *Scheduler) recheckBudgets(ctx context.Context) {
	if s.cost == nil || s.onBudgetExceeded == nil {
		return
	}
	pipelines, err := s.store.ListResumable(ctx)
	if err != nil {
		s.logger.Error("maintenance: list resumable pipelines failed", "error", err)
		return
	}
	for _, p := range pipelines {
		summary, err := s.cost.GetSummary(ctx, p.ID)
		if err != nil {
			s.logger.Error("maintenance: budget recheck failed", "pipeline_id", p.ID, "error", err)
			continue
		}
		if !summary.WithinBudget {
			s.logger.Warn("maintenance: pipeline over budget", "pipeline_id", p.ID, "total_cost_usd", summary.TotalCostUSD)
			s.onBudgetExceeded(ctx, p.ID)
		}
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
