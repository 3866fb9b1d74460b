package stagerunner

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/forgeworks/pipekernel/internal/config"
)

const smokeCheckTimeout = 5 * time.Minute

// runSmokeCheck executes the configured build/test command in workspacePath.
// It backs both testing's fast gate and git_integration's post-merge smoke
// check (§4.7 steps 6 and 9): the same "does this still build" question
// asked at two different points in the pipeline. An unconfigured command is
// not a failure — the kernel targets arbitrary projects and has no business
// assuming a build toolchain it was never told about.
func runSmokeCheck(ctx context.Context, workspacePath string, cfg config.Defaults) error {
	if len(cfg.SmokeCheckCommand) == 0 {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, smokeCheckTimeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, cfg.SmokeCheckCommand[0], cfg.SmokeCheckCommand[1:]...)
	cmd.Dir = workspacePath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("smoke check failed: %w\n%s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
