package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Project is a registered repository the kernel is allowed to operate
// against: its filesystem path, default model tier, budget ceiling and
// permission mode. One project may be the kernel's own repository
// (IsSelfRepo), which routes pipelines through the self-worktree path
// instead of a plain task worktree.
type Project struct {
	ID             string
	RepoPath       string
	DefaultModel   string
	MaxBudgetUSD   float64
	PermissionMode string
	IsSelfRepo     bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (s *Store) CreateProject(ctx context.Context, p Project) error {
	return retryOnBusy(ctx, defaultMaxAttempts, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO projects (id, repo_path, default_model, max_budget_usd, permission_mode, is_self_repo)
			VALUES (?, ?, ?, ?, ?, ?);
		`, p.ID, p.RepoPath, p.DefaultModel, p.MaxBudgetUSD, p.PermissionMode, boolToInt(p.IsSelfRepo))
		return err
	})
}

func (s *Store) GetProject(ctx context.Context, id string) (Project, error) {
	var p Project
	var selfRepo int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, repo_path, default_model, max_budget_usd, permission_mode, is_self_repo, created_at, updated_at
		FROM projects WHERE id = ?;
	`, id).Scan(&p.ID, &p.RepoPath, &p.DefaultModel, &p.MaxBudgetUSD, &p.PermissionMode, &selfRepo, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	p.IsSelfRepo = selfRepo != 0
	return p, err
}

func (s *Store) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, repo_path, default_model, max_budget_usd, permission_mode, is_self_repo, created_at, updated_at
		FROM projects ORDER BY created_at ASC;
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var p Project
		var selfRepo int
		if err := rows.Scan(&p.ID, &p.RepoPath, &p.DefaultModel, &p.MaxBudgetUSD, &p.PermissionMode, &selfRepo, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.IsSelfRepo = selfRepo != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
