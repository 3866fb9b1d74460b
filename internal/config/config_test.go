package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/forgeworks/pipekernel/internal/config"
)

func TestLoad_FromPipekernelHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	ic := filepath.Join(home, ".pipekernel")
	if err := os.MkdirAll(ic, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(ic, "config.yaml"), []byte("max_concurrent_tasks: 8\nretry_limit: 5\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("HOME", home)
	t.Setenv("PIPEKERNEL_HOME", "")

	d, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if d.MaxConcurrentTasks != 8 {
		t.Fatalf("expected max_concurrent_tasks=8 got %d", d.MaxConcurrentTasks)
	}
	if d.RetryLimit != 5 {
		t.Fatalf("expected retry_limit=5 got %d", d.RetryLimit)
	}
}

func TestLoad_MissingFileUsesDefaultsAndMarksGenesis(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("PIPEKERNEL_HOME", home)

	d, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !d.NeedsGenesis {
		t.Fatalf("expected NeedsGenesis=true when config.yaml is absent")
	}
	if d.MaxConcurrentTasks != 4 {
		t.Fatalf("expected default max_concurrent_tasks=4 got %d", d.MaxConcurrentTasks)
	}
	if d.RetryLimit != 2 {
		t.Fatalf("expected default retry_limit=2 got %d", d.RetryLimit)
	}
	if d.ReplanLimit != 3 {
		t.Fatalf("expected default replan_limit=3 got %d", d.ReplanLimit)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("PIPEKERNEL_HOME", home)
	t.Setenv("PIPEKERNEL_MAX_CONCURRENT_TASKS", "9")
	t.Setenv("PIPEKERNEL_RETRY_LIMIT", "4")
	t.Setenv("PIPEKERNEL_REPLAN_LIMIT", "7")
	t.Setenv("PIPEKERNEL_DEFAULT_MODEL", "claude-opus-4-6")

	d, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if d.MaxConcurrentTasks != 9 {
		t.Fatalf("expected env override max_concurrent_tasks=9 got %d", d.MaxConcurrentTasks)
	}
	if d.RetryLimit != 4 {
		t.Fatalf("expected env override retry_limit=4 got %d", d.RetryLimit)
	}
	if d.ReplanLimit != 7 {
		t.Fatalf("expected env override replan_limit=7 got %d", d.ReplanLimit)
	}
	if d.DefaultModel != "claude-opus-4-6" {
		t.Fatalf("expected env override default_model got %q", d.DefaultModel)
	}
}

func TestModelTier_Resolve(t *testing.T) {
	tier := config.ModelTier{Low: "lo", Medium: "mid", High: "hi"}
	cases := map[string]string{
		"low":     "lo",
		"medium":  "mid",
		"high":    "hi",
		"unknown": "mid",
		"":        "mid",
	}
	for complexity, want := range cases {
		if got := tier.Resolve(complexity); got != want {
			t.Fatalf("Resolve(%q) = %q, want %q", complexity, got, want)
		}
	}
}

func TestFingerprint_ChangesWithTunables(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("PIPEKERNEL_HOME", home)

	d, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	before := d.Fingerprint()
	d.RetryLimit = d.RetryLimit + 1
	after := d.Fingerprint()
	if before == after {
		t.Fatalf("expected fingerprint to change after tunable edit")
	}
}
