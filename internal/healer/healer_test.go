package healer_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/forgeworks/pipekernel/internal/healer"
)

func TestHandleFailure_RetriesThenReplanThenFatal(t *testing.T) {
	h := healer.New(nil)
	limits := healer.Limits{RetryLimit: 2, ReplanLimit: 2}

	// Stage "testing" fails three times: the first two failures have a
	// prior count (0, then 1) below RetryLimit=2 and retry; the third
	// failure's prior count (2) is no longer below the limit, so it
	// exhausts the retry ladder and counts as one replan event (1 <
	// ReplanLimit=2), still a replan rather than fatal.
	if got := h.HandleFailure("pipe-1", "testing", limits); got != healer.ActionRetry {
		t.Fatalf("attempt 1: expected retry, got %s", got)
	}
	if got := h.HandleFailure("pipe-1", "testing", limits); got != healer.ActionRetry {
		t.Fatalf("attempt 2: expected retry, got %s", got)
	}
	if got := h.HandleFailure("pipe-1", "testing", limits); got != healer.ActionReplan {
		t.Fatalf("attempt 3: expected replan, got %s", got)
	}

	// A second stage exhausting its own retry limit is a second replan
	// event for the same pipeline, which now reaches ReplanLimit=2: fatal.
	if got := h.HandleFailure("pipe-1", "code_review", limits); got != healer.ActionRetry {
		t.Fatalf("code_review attempt 1: expected retry, got %s", got)
	}
	if got := h.HandleFailure("pipe-1", "code_review", limits); got != healer.ActionRetry {
		t.Fatalf("code_review attempt 2: expected retry, got %s", got)
	}
	if got := h.HandleFailure("pipe-1", "code_review", limits); got != healer.ActionFatal {
		t.Fatalf("code_review attempt 3: expected fatal, got %s", got)
	}

	if got := h.ReplanCount("pipe-1"); got != 2 {
		t.Fatalf("expected 2 replan events recorded, got %d", got)
	}
}

func TestHandleFailure_LedgersAreIsolatedPerPipeline(t *testing.T) {
	h := healer.New(nil)
	limits := healer.Limits{RetryLimit: 1, ReplanLimit: 1}

	// RetryLimit=1 still retries once (prior count 0 < 1) before the
	// second failure exhausts it.
	if got := h.HandleFailure("pipe-a", "testing", limits); got != healer.ActionRetry {
		t.Fatalf("pipe-a attempt 1: expected retry, got %s", got)
	}
	if got := h.HandleFailure("pipe-a", "testing", limits); got != healer.ActionReplan {
		t.Fatalf("pipe-a attempt 2: expected replan on exhausted attempt, got %s", got)
	}
	if got := h.HandleFailure("pipe-b", "testing", limits); got != healer.ActionRetry {
		t.Fatalf("pipe-b should have an independent ledger, got %s", got)
	}
}

func TestClearFailures_ResetsLedger(t *testing.T) {
	h := healer.New(nil)
	limits := healer.Limits{RetryLimit: 1, ReplanLimit: 5}

	h.HandleFailure("pipe-1", "testing", limits)
	h.HandleFailure("pipe-1", "testing", limits)
	if got := h.ReplanCount("pipe-1"); got != 1 {
		t.Fatalf("expected 1 replan event before clear, got %d", got)
	}

	h.ClearFailures("pipe-1")
	if got := h.ReplanCount("pipe-1"); got != 0 {
		t.Fatalf("expected ledger reset after ClearFailures, got %d", got)
	}

	// Ledger restarts cleanly: the first failure after a reset retries
	// again rather than continuing the old count toward a replan.
	if got := h.HandleFailure("pipe-1", "testing", limits); got != healer.ActionRetry {
		t.Fatalf("expected retry after reset, got %s", got)
	}
	if got := h.HandleFailure("pipe-1", "testing", limits); got != healer.ActionReplan {
		t.Fatalf("expected replan on second failure after reset, got %s", got)
	}
}

func TestStartTimeout_FiresCallback(t *testing.T) {
	h := healer.New(nil)
	var fired atomic.Bool

	h.StartTimeout("pipe-1", healer.Limits{TaskTimeout: 10 * time.Millisecond}, func() {
		fired.Store(true)
	})

	time.Sleep(100 * time.Millisecond)
	if !fired.Load() {
		t.Fatal("expected timeout callback to fire")
	}
}

func TestClearTimeout_PreventsCallback(t *testing.T) {
	h := healer.New(nil)
	var fired atomic.Bool

	h.StartTimeout("pipe-1", healer.Limits{TaskTimeout: 20 * time.Millisecond}, func() {
		fired.Store(true)
	})
	h.ClearTimeout("pipe-1")

	time.Sleep(100 * time.Millisecond)
	if fired.Load() {
		t.Fatal("expected cleared timeout not to fire")
	}
}

func TestStartTimeout_RearmingReplacesPrevious(t *testing.T) {
	h := healer.New(nil)
	var count atomic.Int32

	h.StartTimeout("pipe-1", healer.Limits{TaskTimeout: 15 * time.Millisecond}, func() {
		count.Add(1)
	})
	h.StartTimeout("pipe-1", healer.Limits{TaskTimeout: 15 * time.Millisecond}, func() {
		count.Add(1)
	})

	time.Sleep(100 * time.Millisecond)
	if got := count.Load(); got != 1 {
		t.Fatalf("expected exactly one callback fire after rearm, got %d", got)
	}
}
