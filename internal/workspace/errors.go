package workspace

import "errors"

var (
	// ErrNotGitRepo is returned when the project root is not a git repository.
	ErrNotGitRepo = errors.New("not a git repository")

	// ErrWorktreeCollision is returned after repeated failures to create a
	// unique worktree path for a task.
	ErrWorktreeCollision = errors.New("failed to create unique worktree path after 3 attempts")

	// ErrRepoUnclean is returned when the project root still has uncommitted
	// changes after waiting for a concurrent merge to finish.
	ErrRepoUnclean = errors.New("project repo has uncommitted changes after 5 retries: commit or stash before merge")

	// ErrEmptyMergeSource is returned when a worktree's HEAD commit cannot be
	// resolved for merge.
	ErrEmptyMergeSource = errors.New("worktree merge source commit is empty")
)
