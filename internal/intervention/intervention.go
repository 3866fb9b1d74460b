// Package intervention implements the pipeline kernel's C6 Intervention
// Gate: it parks a stage runner on a pending human answer, keyed by
// intervention id, and unparks it either from an in-memory future or, when
// the process restarted between request and response, by invoking the FSM's
// advance callback directly.
package intervention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/forgeworks/pipekernel/internal/bus"
	"github.com/forgeworks/pipekernel/internal/healer"
	"github.com/forgeworks/pipekernel/internal/persistence"
)

// ErrAlreadyResolved is returned by Resolve when the intervention has
// already been resolved or expired; callers should treat this as success,
// never as an error to surface (resolving MUST be idempotent).
var ErrAlreadyResolved = errors.New("intervention: already resolved")

// AdvanceFunc re-enters the FSM for a pipeline whose intervention was
// resolved after the process restarted and no in-memory parking survived.
// The application wiring supplies FSM.Advance as this callback, breaking
// the FSM <-> Intervention Gate cycle with a one-way abstraction.
type AdvanceFunc func(ctx context.Context, pipelineID string)

// Request describes a gate call.
type Request struct {
	PipelineID string
	TaskID     string
	StageType  string
	Question   string
	Context    string // opaque JSON blob, stored verbatim
}

type parked struct {
	resultCh chan string
}

// Gate owns the in-memory parked-future cache over the persisted
// intervention table.
type Gate struct {
	store   *persistence.Store
	bcast   *bus.Broadcaster
	healer  *healer.Healer
	logger  *slog.Logger
	advance AdvanceFunc

	mu      sync.Mutex
	parkedM map[string]*parked // intervention id -> parked future
}

// New creates a Gate. advance may be nil in tests that never exercise the
// post-restart resolution path.
func New(store *persistence.Store, bcast *bus.Broadcaster, h *healer.Healer, logger *slog.Logger, advance AdvanceFunc) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		store:   store,
		bcast:   bcast,
		healer:  h,
		logger:  logger,
		advance: advance,
		parkedM: make(map[string]*parked),
	}
}

// RequestIntervention clears the pipeline's stage timeout, persists or
// reuses a pending intervention for (pipelineId, taskId), broadcasts
// intervention.requested, and blocks on ctx or the response arriving.
func (g *Gate) RequestIntervention(ctx context.Context, req Request) (string, error) {
	g.healer.ClearTimeout(req.PipelineID)

	iv, created, err := g.findOrCreate(ctx, req, persistence.KindIntervention, true)
	if err != nil {
		return "", err
	}

	g.broadcastRequested(iv)
	if !created {
		g.logger.Info("intervention: reusing pending record", "intervention_id", iv.ID, "pipeline_id", req.PipelineID)
	}

	return g.awaitResolution(ctx, iv.ID)
}

// RequestBlock registers a blocking consultation and awaits its response,
// the same park/unpark mechanism as RequestIntervention but recorded under
// the consultation kind so it's distinguishable in history.
func (g *Gate) RequestBlock(ctx context.Context, req Request) (string, error) {
	iv, _, err := g.findOrCreate(ctx, req, persistence.KindConsultation, true)
	if err != nil {
		return "", err
	}
	g.broadcastRequested(iv)
	return g.awaitResolution(ctx, iv.ID)
}

// RequestConsultation is the fire-and-forget variant (blocking=0): it
// writes a consultation row and broadcasts, but never parks a future.
func (g *Gate) RequestConsultation(ctx context.Context, req Request) error {
	iv, _, err := g.findOrCreate(ctx, req, persistence.KindConsultation, false)
	if err != nil {
		return err
	}
	g.broadcastRequested(iv)
	return nil
}

func (g *Gate) findOrCreate(ctx context.Context, req Request, kind persistence.InterventionKind, blocking bool) (persistence.Intervention, bool, error) {
	existing, err := g.store.ListPendingForPipeline(ctx, req.PipelineID)
	if err != nil {
		return persistence.Intervention{}, false, fmt.Errorf("list pending interventions for %s: %w", req.PipelineID, err)
	}
	for _, iv := range existing {
		if iv.TaskID == req.TaskID && iv.StageType == req.StageType {
			return iv, false, nil
		}
	}

	iv := persistence.Intervention{
		ID:         uuid.NewString(),
		PipelineID: req.PipelineID,
		TaskID:     req.TaskID,
		StageType:  req.StageType,
		Kind:       kind,
		Blocking:   blocking,
		Question:   req.Question,
		Context:    req.Context,
		Status:     persistence.InterventionPending,
	}
	if err := g.store.CreateIntervention(ctx, iv); err != nil {
		return persistence.Intervention{}, false, fmt.Errorf("create intervention: %w", err)
	}
	return iv, true, nil
}

func (g *Gate) awaitResolution(ctx context.Context, interventionID string) (string, error) {
	p := &parked{resultCh: make(chan string, 1)}

	g.mu.Lock()
	g.parkedM[interventionID] = p
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.parkedM, interventionID)
		g.mu.Unlock()
	}()

	select {
	case resp := <-p.resultCh:
		return resp, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ResolveIntervention flips the persisted row to resolved, broadcasts
// intervention.resolved, and completes the parked future if one survives
// in this process. If the process restarted between request and response,
// the record's PostRestart flag is checked: if set, advance is invoked
// instead of resolving a future that no longer exists.
//
// Repeated calls for an already-resolved or expired id are a no-op and
// return ErrAlreadyResolved, never a hard error: resolving MUST be
// idempotent.
func (g *Gate) ResolveIntervention(ctx context.Context, id, response string) error {
	iv, err := g.store.GetIntervention(ctx, id)
	if err != nil {
		return fmt.Errorf("get intervention %s: %w", id, err)
	}
	if iv.Status != persistence.InterventionPending {
		return ErrAlreadyResolved
	}

	if err := g.store.ResolveIntervention(ctx, id, response, iv.PostRestart); err != nil {
		return fmt.Errorf("resolve intervention %s: %w", id, err)
	}

	g.bcast.BroadcastToPipeline(iv.PipelineID, bus.TopicInterventionResolved, bus.InterventionEvent{
		InterventionID: id,
		PipelineID:     iv.PipelineID,
		TaskID:         iv.TaskID,
		StageType:      iv.StageType,
		Status:         string(persistence.InterventionResolved),
	})

	g.mu.Lock()
	p, ok := g.parkedM[id]
	g.mu.Unlock()

	if ok {
		p.resultCh <- response
		return nil
	}

	if iv.PostRestart && g.advance != nil {
		g.logger.Info("intervention: resolved post-restart, re-entering FSM", "intervention_id", id, "pipeline_id", iv.PipelineID)
		g.advance(ctx, iv.PipelineID)
	}
	return nil
}

// ReParkIntervention is called on resume when the FSM re-enters a stage
// type that's an intervention point: it reuses an existing pending record
// for (pipelineId, stageType) or creates a new one flagged PostRestart,
// since no in-memory future can possibly still exist for it.
func (g *Gate) ReParkIntervention(ctx context.Context, pipelineID, stageType, question string) (persistence.Intervention, error) {
	existing, err := g.store.ListPendingForPipeline(ctx, pipelineID)
	if err != nil {
		return persistence.Intervention{}, fmt.Errorf("list pending interventions for %s: %w", pipelineID, err)
	}
	for _, iv := range existing {
		if iv.StageType == stageType {
			g.broadcastRequested(iv)
			return iv, nil
		}
	}

	iv := persistence.Intervention{
		ID:          uuid.NewString(),
		PipelineID:  pipelineID,
		StageType:   stageType,
		Kind:        persistence.KindIntervention,
		Blocking:    true,
		Question:    question,
		Status:      persistence.InterventionPending,
		PostRestart: true,
	}
	if err := g.store.CreateIntervention(ctx, iv); err != nil {
		return persistence.Intervention{}, fmt.Errorf("re-park intervention: %w", err)
	}
	g.broadcastRequested(iv)
	return iv, nil
}

// ExpireForPipeline marks every pending intervention of pipelineID expired,
// for cancel and other terminal transitions. Any parked future is left to
// resolve on ctx cancellation rather than forced, since the caller (stage
// runner) owns that context's lifetime.
func (g *Gate) ExpireForPipeline(ctx context.Context, pipelineID string) error {
	pending, err := g.store.ListPendingForPipeline(ctx, pipelineID)
	if err != nil {
		return fmt.Errorf("list pending interventions for %s: %w", pipelineID, err)
	}
	for _, iv := range pending {
		if err := g.store.ExpireIntervention(ctx, iv.ID); err != nil {
			g.logger.Error("intervention: expire failed", "intervention_id", iv.ID, "error", err)
			continue
		}
		g.bcast.BroadcastToPipeline(pipelineID, bus.TopicInterventionResolved, bus.InterventionEvent{
			InterventionID: iv.ID,
			PipelineID:     pipelineID,
			TaskID:         iv.TaskID,
			StageType:      iv.StageType,
			Status:         string(persistence.InterventionExpired),
		})
	}
	return nil
}

func (g *Gate) broadcastRequested(iv persistence.Intervention) {
	g.bcast.BroadcastToPipeline(iv.PipelineID, bus.TopicInterventionRequested, bus.InterventionEvent{
		InterventionID: iv.ID,
		PipelineID:     iv.PipelineID,
		TaskID:         iv.TaskID,
		StageType:      iv.StageType,
		Status:         string(iv.Status),
	})
}
