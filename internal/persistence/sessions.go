package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/forgeworks/pipekernel/internal/bus"
)

// AgentSession records one external agent process invocation for a task:
// its pid, model, token/cost counters and how many stream chunks it
// produced. A task may accumulate more than one session across retries.
type AgentSession struct {
	ID               string
	TaskID           string
	PID              int
	Model            string
	InputTokens      int64
	OutputTokens     int64
	CostUSD          float64
	StreamEventCount int64
	ExitCode         sql.NullInt64
	StartedAt        time.Time
	CompletedAt      sql.NullTime
}

func (s *Store) CreateAgentSession(ctx context.Context, sess AgentSession) error {
	return retryOnBusy(ctx, defaultMaxAttempts, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agent_sessions (id, task_id, pid, model)
			VALUES (?, ?, ?, ?);
		`, sess.ID, sess.TaskID, sess.PID, sess.Model)
		return err
	})
}

// UpdateAgentSessionCounters adds to a session's running token/cost/chunk
// counters (agent processes stream incrementally) and republishes
// session.updated so subscribers (e.g. the cost tracker) can aggregate.
func (s *Store) UpdateAgentSessionCounters(ctx context.Context, id string, inputTokensDelta, outputTokensDelta int64, costUSDDelta float64) error {
	err := retryOnBusy(ctx, defaultMaxAttempts, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE agent_sessions
			SET input_tokens = input_tokens + ?,
			    output_tokens = output_tokens + ?,
			    cost_usd = cost_usd + ?,
			    stream_event_count = stream_event_count + 1
			WHERE id = ?;
		`, inputTokensDelta, outputTokensDelta, costUSDDelta, id)
		return err
	})
	if err != nil {
		return err
	}
	sess, getErr := s.GetAgentSession(ctx, id)
	if getErr == nil {
		s.publish(bus.TopicSessionUpdated, bus.SessionUpdatedEvent{
			TaskID: sess.TaskID, SessionID: id, InputTokens: int(sess.InputTokens),
			OutputTokens: int(sess.OutputTokens), CostUSD: sess.CostUSD,
		})
	}
	return nil
}

func (s *Store) CompleteAgentSession(ctx context.Context, id string, exitCode int) error {
	return retryOnBusy(ctx, defaultMaxAttempts, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE agent_sessions SET exit_code = ?, completed_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, exitCode, id)
		return err
	})
}

func (s *Store) GetAgentSession(ctx context.Context, id string) (AgentSession, error) {
	var sess AgentSession
	err := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, pid, model, input_tokens, output_tokens, cost_usd, stream_event_count, exit_code, started_at, completed_at
		FROM agent_sessions WHERE id = ?;
	`, id).Scan(&sess.ID, &sess.TaskID, &sess.PID, &sess.Model, &sess.InputTokens, &sess.OutputTokens,
		&sess.CostUSD, &sess.StreamEventCount, &sess.ExitCode, &sess.StartedAt, &sess.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return AgentSession{}, fmt.Errorf("agent session %s: %w", id, ErrNotFound)
	}
	return sess, err
}

func (s *Store) ListSessionsByTask(ctx context.Context, taskID string) ([]AgentSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, pid, model, input_tokens, output_tokens, cost_usd, stream_event_count, exit_code, started_at, completed_at
		FROM agent_sessions WHERE task_id = ? ORDER BY started_at ASC;
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AgentSession
	for rows.Next() {
		var sess AgentSession
		if err := rows.Scan(&sess.ID, &sess.TaskID, &sess.PID, &sess.Model, &sess.InputTokens, &sess.OutputTokens,
			&sess.CostUSD, &sess.StreamEventCount, &sess.ExitCode, &sess.StartedAt, &sess.CompletedAt); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// MarkCrashedSessions completes every session without a completed_at as
// exitCode=-1, for the crash reconciler's startup sweep (§4.10 step 1). A
// session in this state was mid-stream when the process died; there is no
// further output to ingest.
func (s *Store) MarkCrashedSessions(ctx context.Context) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, defaultMaxAttempts, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE agent_sessions SET exit_code = -1, completed_at = CURRENT_TIMESTAMP WHERE completed_at IS NULL;
		`)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// ListActiveSessions returns every session without a completed_at, so the
// agent runner can reconcile its in-memory pid map against the store on
// startup.
func (s *Store) ListActiveSessions(ctx context.Context) ([]AgentSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, pid, model, input_tokens, output_tokens, cost_usd, stream_event_count, exit_code, started_at, completed_at
		FROM agent_sessions WHERE completed_at IS NULL;
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AgentSession
	for rows.Next() {
		var sess AgentSession
		if err := rows.Scan(&sess.ID, &sess.TaskID, &sess.PID, &sess.Model, &sess.InputTokens, &sess.OutputTokens,
			&sess.CostUSD, &sess.StreamEventCount, &sess.ExitCode, &sess.StartedAt, &sess.CompletedAt); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}
