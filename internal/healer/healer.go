// Package healer implements the pipeline kernel's C5 Self-Healer: an
// in-memory per-pipeline failure ledger that decides whether a stage
// failure should be retried, trigger a replan, or fail the pipeline, and
// that arms the per-stage timeout which forces the decision when an agent
// process hangs.
package healer

import (
	"log/slog"
	"sync"
	"time"
)

// Action is the self-healer's verdict on a stage failure.
type Action string

const (
	ActionRetry  Action = "retry"
	ActionReplan Action = "replan"
	ActionFatal  Action = "fatal"
)

// Limits carries the tunables handleFailure and the timeout consult; the
// caller resolves them from config.Defaults once per pipeline run so a
// hot-reloaded config change doesn't shift the ledger mid-decision.
type Limits struct {
	RetryLimit  int
	ReplanLimit int
	TaskTimeout time.Duration
}

type pipelineLedger struct {
	retries map[string]int // stageType -> consecutive failure count
	replans int            // count of stages that exhausted RetryLimit
	timer   *time.Timer
}

// Healer tracks failure counts and armed timeouts per pipeline.
type Healer struct {
	logger *slog.Logger

	mu      sync.Mutex
	ledgers map[string]*pipelineLedger
}

// New creates an empty Healer.
func New(logger *slog.Logger) *Healer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Healer{
		logger:  logger,
		ledgers: make(map[string]*pipelineLedger),
	}
}

func (h *Healer) ledgerFor(pipelineID string) *pipelineLedger {
	l, ok := h.ledgers[pipelineID]
	if !ok {
		l = &pipelineLedger{retries: make(map[string]int)}
		h.ledgers[pipelineID] = l
	}
	return l
}

// HandleFailure records a stage failure and returns the action the caller
// (the FSM's failure handler) should take. It compares the count of prior
// failures of this stage type against limits.RetryLimit before recording
// this one; once that count is no longer below limits.RetryLimit it counts
// this as one replan event and resets the stage's retry count, then
// compares the cumulative replan event count against limits.ReplanLimit.
func (h *Healer) HandleFailure(pipelineID, stageType string, limits Limits) Action {
	h.mu.Lock()
	defer h.mu.Unlock()

	retryLimit := limits.RetryLimit
	if retryLimit <= 0 {
		retryLimit = 2
	}
	replanLimit := limits.ReplanLimit
	if replanLimit <= 0 {
		replanLimit = 3
	}

	l := h.ledgerFor(pipelineID)
	count := l.retries[stageType]

	if count < retryLimit {
		l.retries[stageType] = count + 1
		h.logger.Info("healer: retrying stage", "pipeline_id", pipelineID, "stage_type", stageType, "attempt", count+1, "retry_limit", retryLimit)
		return ActionRetry
	}

	l.retries[stageType] = 0
	l.replans++
	h.logger.Warn("healer: retry limit exhausted, consulting replan budget", "pipeline_id", pipelineID, "stage_type", stageType, "replan_events", l.replans, "replan_limit", replanLimit)

	if l.replans < replanLimit {
		return ActionReplan
	}
	return ActionFatal
}

// StartTimeout arms a single timer for pipelineID at limits.TaskTimeout,
// invoking callback if it fires. Arming again replaces any previous timer.
func (h *Healer) StartTimeout(pipelineID string, limits Limits, callback func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	timeout := limits.TaskTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	l := h.ledgerFor(pipelineID)
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = time.AfterFunc(timeout, func() {
		h.logger.Warn("healer: stage timed out", "pipeline_id", pipelineID, "timeout", timeout)
		callback()
	})
}

// ClearTimeout disarms pipelineID's active timer, if any. Interventions
// MUST call this: a human decision is unbounded and shouldn't race a
// timeout firing underneath it.
func (h *Healer) ClearTimeout(pipelineID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	l, ok := h.ledgers[pipelineID]
	if !ok || l.timer == nil {
		return
	}
	l.timer.Stop()
	l.timer = nil
}

// ClearFailures wipes the failure ledger and any armed timer for
// pipelineID. Called on every terminal transition (completed, failed,
// cancelled) so a stale ledger never leaks across pipeline runs.
func (h *Healer) ClearFailures(pipelineID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	l, ok := h.ledgers[pipelineID]
	if !ok {
		return
	}
	if l.timer != nil {
		l.timer.Stop()
	}
	delete(h.ledgers, pipelineID)
}

// ReplanCount returns the number of replan events recorded for pipelineID,
// for callers (the FSM's replan operation) that need to compare it against
// reentryCount separately from HandleFailure's own bookkeeping.
func (h *Healer) ReplanCount(pipelineID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.ledgers[pipelineID]
	if !ok {
		return 0
	}
	return l.replans
}
