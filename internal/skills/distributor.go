// Package skills resolves a task-type (implement/test/review/plan) onto the
// set of skill file names the stage runner's context_prep stage (§4.7 step
// 5) and the dispatcher's task invoker (§4.8 step 3) load into an agent's
// prompt. Skill packs live as directories of SKILL.md files under a project
// or user skills root, the same layout convention the skill installer uses.
package skills

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Distributor scans one or more skill roots and groups skill directory
// names by the task-type tag encoded in their directory name prefix
// (e.g. "implement-http-handlers/" tags task-type "implement").
type Distributor struct {
	roots  []string
	logger *slog.Logger
}

// New creates a Distributor over the given skill-root directories, scanned
// in priority order (earlier roots win on name collision).
func New(logger *slog.Logger, roots ...string) *Distributor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Distributor{roots: roots, logger: logger}
}

// FetchSkillPack returns every skill directory name tagged for taskType,
// sorted for determinism. A missing or unreadable root is skipped silently
// since not every project carries a skills directory.
func (d *Distributor) FetchSkillPack(ctx context.Context, taskType string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string

	for _, root := range d.roots {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, ent := range entries {
			if !ent.IsDir() {
				continue
			}
			name := ent.Name()
			if !strings.HasPrefix(name, taskType+"-") && name != taskType {
				continue
			}
			if _, ok := seen[name]; ok {
				continue
			}
			if _, err := os.Stat(filepath.Join(root, name, "SKILL.md")); err != nil {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}
