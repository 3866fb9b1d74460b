package skills_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/forgeworks/pipekernel/internal/skills"
)

func makeSkillDir(t *testing.T, root, name string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte("# "+name), 0o644); err != nil {
		t.Fatalf("write SKILL.md: %v", err)
	}
}

func TestFetchSkillPack_MatchesPrefixedAndExactNames(t *testing.T) {
	root := t.TempDir()
	makeSkillDir(t, root, "implement-http-handlers")
	makeSkillDir(t, root, "implement")
	makeSkillDir(t, root, "test-table-driven")
	makeSkillDir(t, root, "review-go-style")

	d := skills.New(nil, root)
	pack, err := d.FetchSkillPack(context.Background(), "implement")
	if err != nil {
		t.Fatalf("fetch skill pack: %v", err)
	}
	if len(pack) != 2 {
		t.Fatalf("expected 2 matching skill dirs, got %v", pack)
	}
	if pack[0] != "implement" || pack[1] != "implement-http-handlers" {
		t.Fatalf("expected sorted [implement, implement-http-handlers], got %v", pack)
	}
}

func TestFetchSkillPack_SkipsDirectoryWithoutSkillMd(t *testing.T) {
	root := t.TempDir()
	makeSkillDir(t, root, "implement-good")
	if err := os.MkdirAll(filepath.Join(root, "implement-incomplete"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	d := skills.New(nil, root)
	pack, err := d.FetchSkillPack(context.Background(), "implement")
	if err != nil {
		t.Fatalf("fetch skill pack: %v", err)
	}
	if len(pack) != 1 || pack[0] != "implement-good" {
		t.Fatalf("expected only the directory carrying SKILL.md, got %v", pack)
	}
}

func TestFetchSkillPack_MissingRootIsSkippedSilently(t *testing.T) {
	d := skills.New(nil, filepath.Join(t.TempDir(), "does-not-exist"))
	pack, err := d.FetchSkillPack(context.Background(), "implement")
	if err != nil {
		t.Fatalf("expected no error for a missing root, got %v", err)
	}
	if len(pack) != 0 {
		t.Fatalf("expected empty pack, got %v", pack)
	}
}

func TestFetchSkillPack_EarlierRootWinsOnNameCollision(t *testing.T) {
	rootA := t.TempDir()
	rootB := t.TempDir()
	makeSkillDir(t, rootA, "implement-shared")
	makeSkillDir(t, rootB, "implement-shared")
	makeSkillDir(t, rootB, "implement-only-in-b")

	d := skills.New(nil, rootA, rootB)
	pack, err := d.FetchSkillPack(context.Background(), "implement")
	if err != nil {
		t.Fatalf("fetch skill pack: %v", err)
	}
	if len(pack) != 2 {
		t.Fatalf("expected the collision deduplicated, got %v", pack)
	}
}

func TestFetchSkillPack_NoMatchesReturnsEmptyNotNilError(t *testing.T) {
	root := t.TempDir()
	makeSkillDir(t, root, "test-unrelated")

	d := skills.New(nil, root)
	pack, err := d.FetchSkillPack(context.Background(), "implement")
	if err != nil {
		t.Fatalf("fetch skill pack: %v", err)
	}
	if len(pack) != 0 {
		t.Fatalf("expected no matches, got %v", pack)
	}
}
