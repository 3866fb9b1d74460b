package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/forgeworks/pipekernel/internal/audit"
	"github.com/forgeworks/pipekernel/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "pk-v1-2026-03-01-pipeline-kernel-schema"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// Store is the persisted state layout backing the pipeline kernel: projects,
// pipelines, stages, tasks, agent sessions, plans, interventions,
// consultations, generated tools, memory records and evolution logs.
type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".pipekernel", "pipekernel.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// publish forwards a domain event onto the event bus, no-op when the Store
// was opened without one (tests, offline migrations).
func (s *Store) publish(topic string, payload interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(topic, payload)
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter. maxRetries=5 gives ~3s total wait on top of
// the driver's busy_timeout (5s).
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			repo_path TEXT NOT NULL,
			default_model TEXT NOT NULL DEFAULT '',
			max_budget_usd REAL NOT NULL DEFAULT 0,
			permission_mode TEXT NOT NULL DEFAULT 'default',
			is_self_repo INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS pipelines (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			requirements TEXT NOT NULL,
			state TEXT NOT NULL,
			total_input_tokens INTEGER NOT NULL DEFAULT 0,
			total_output_tokens INTEGER NOT NULL DEFAULT 0,
			total_cost_usd REAL NOT NULL DEFAULT 0,
			current_model TEXT NOT NULL DEFAULT '',
			reentry_count INTEGER NOT NULL DEFAULT 0,
			paused_from_state TEXT NOT NULL DEFAULT '',
			self_worktree_path TEXT NOT NULL DEFAULT '',
			self_merged INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS stages (
			id TEXT PRIMARY KEY,
			pipeline_id TEXT NOT NULL REFERENCES pipelines(id) ON DELETE CASCADE,
			stage_type TEXT NOT NULL,
			state TEXT NOT NULL,
			quality_gate_result TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			started_at DATETIME,
			completed_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS plans (
			id TEXT PRIMARY KEY,
			pipeline_id TEXT NOT NULL REFERENCES pipelines(id) ON DELETE CASCADE,
			version INTEGER NOT NULL DEFAULT 1,
			content TEXT NOT NULL,
			task_breakdown TEXT NOT NULL DEFAULT '[]',
			human_feedback TEXT NOT NULL DEFAULT '',
			adversarial_feedback TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			pipeline_id TEXT NOT NULL REFERENCES pipelines(id) ON DELETE CASCADE,
			stage_id TEXT NOT NULL REFERENCES stages(id) ON DELETE CASCADE,
			title TEXT NOT NULL DEFAULT '',
			agent_role TEXT NOT NULL,
			domain TEXT NOT NULL DEFAULT '',
			prompt TEXT NOT NULL,
			complexity TEXT NOT NULL DEFAULT 'medium',
			can_parallelize INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL,
			assigned_skills TEXT NOT NULL DEFAULT '[]',
			depends_on TEXT NOT NULL DEFAULT '[]',
			worktree_path TEXT NOT NULL DEFAULT '',
			result_summary TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS agent_sessions (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			pid INTEGER NOT NULL DEFAULT 0,
			model TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			stream_event_count INTEGER NOT NULL DEFAULT 0,
			exit_code INTEGER,
			started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS interventions (
			id TEXT PRIMARY KEY,
			pipeline_id TEXT NOT NULL REFERENCES pipelines(id) ON DELETE CASCADE,
			task_id TEXT NOT NULL DEFAULT '',
			stage_type TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL DEFAULT 'intervention' CHECK(kind IN ('intervention', 'consultation')),
			blocking INTEGER NOT NULL DEFAULT 1,
			question TEXT NOT NULL,
			context TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'pending',
			response TEXT NOT NULL DEFAULT '',
			post_restart INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS generated_tools (
			id TEXT PRIMARY KEY,
			pipeline_id TEXT NOT NULL REFERENCES pipelines(id) ON DELETE CASCADE,
			task_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			spec TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS memory_records (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL DEFAULT '',
			pipeline_id TEXT NOT NULL DEFAULT '',
			level TEXT NOT NULL CHECK(level IN ('L1', 'L2')),
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS evolution_logs (
			id TEXT PRIMARY KEY,
			pipeline_id TEXT NOT NULL REFERENCES pipelines(id) ON DELETE CASCADE,
			content TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT,
			subject TEXT,
			action TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT,
			policy_version TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}

	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_pipelines_project ON pipelines(project_id);`,
		`CREATE INDEX IF NOT EXISTS idx_pipelines_state ON pipelines(state);`,
		`CREATE INDEX IF NOT EXISTS idx_stages_pipeline ON stages(pipeline_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_plans_pipeline ON plans(pipeline_id, version);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_pipeline ON tasks(pipeline_id);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_stage ON tasks(stage_id);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_task ON agent_sessions(task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_interventions_pipeline ON interventions(pipeline_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_interventions_task ON interventions(task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_generated_tools_pipeline ON generated_tools(pipeline_id);`,
		`CREATE INDEX IF NOT EXISTS idx_memory_project ON memory_records(project_id, level);`,
		`CREATE INDEX IF NOT EXISTS idx_memory_pipeline ON memory_records(pipeline_id);`,
		`CREATE INDEX IF NOT EXISTS idx_evolution_pipeline ON evolution_logs(pipeline_id);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}

	audit.Record("allow", "data.migration", "migration_applied", "",
		fmt.Sprintf("schema migrated to v%d (checksum %s)", schemaVersionLatest, schemaChecksumLatest))
	return nil
}
