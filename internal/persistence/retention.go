package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedEvolutionLogs   int64
	PurgedResolvedIntents int64
	PurgedPipelineMemory  int64
}

// RunRetention deletes terminal, aged rows that only exist for audit
// purposes: evolution logs, resolved interventions/consultations, and
// pipeline-scoped (L2) memory belonging to a completed pipeline. Project
// (L1) memory is never purged by age. Each category is a separate DELETE
// with its own cutoff so a failure in one does not block the others.
func (s *Store) RunRetention(ctx context.Context, evolutionLogDays, interventionDays, pipelineMemoryDays int) (RetentionResult, error) {
	var result RetentionResult

	if evolutionLogDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -evolutionLogDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM evolution_logs WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge evolution_logs: %w", err)
		}
		result.PurgedEvolutionLogs, _ = res.RowsAffected()
	}

	if interventionDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -interventionDays)
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM interventions WHERE status IN (?, ?) AND updated_at < ?;
		`, string(InterventionResolved), string(InterventionExpired), cutoff)
		if err != nil {
			return result, fmt.Errorf("purge interventions: %w", err)
		}
		result.PurgedResolvedIntents, _ = res.RowsAffected()
	}

	if pipelineMemoryDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -pipelineMemoryDays)
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM memory_records
			WHERE level = ? AND pipeline_id IN (
				SELECT id FROM pipelines WHERE state IN (?, ?, ?) AND updated_at < ?
			);
		`, string(MemoryLevelPipeline), string(StateCompleted), string(StateFailed), string(StateCancelled), cutoff)
		if err != nil {
			return result, fmt.Errorf("purge pipeline memory: %w", err)
		}
		result.PurgedPipelineMemory, _ = res.RowsAffected()
	}

	return result, nil
}
