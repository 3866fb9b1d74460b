package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ModelTier names a complexity bucket a plan task item can be routed
// through; the Task Dispatcher resolves a PlanTaskItem.complexity into one
// of these before spawning a session.
type ModelTier struct {
	Low    string `yaml:"low"`
	Medium string `yaml:"medium"`
	High   string `yaml:"high"`
}

// Resolve maps a plan task's complexity string onto a concrete model id,
// defaulting to Medium for anything unrecognized.
func (t ModelTier) Resolve(complexity string) string {
	switch complexity {
	case "low":
		if t.Low != "" {
			return t.Low
		}
	case "high":
		if t.High != "" {
			return t.High
		}
	}
	if t.Medium != "" {
		return t.Medium
	}
	return t.Low
}

// Defaults is the pipeline kernel's shared-configuration object: the
// adjustable constants §5 requires be sourced "from a shared defaults
// object" rather than hardcoded into the FSM/healer/dispatcher.
type Defaults struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	// MaxConcurrentTasks bounds parallel_execution's per-pipeline concurrency.
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks"`

	// RetryLimit is the self-healer's per-(pipeline,stageType) retry count
	// before it consults shouldReplan.
	RetryLimit int `yaml:"retry_limit"`

	// ReplanLimit bounds reentryCount; exceeding it fails the pipeline.
	ReplanLimit int `yaml:"replan_limit"`

	// TaskTimeoutMs arms the self-healer's per-stage timeout.
	TaskTimeoutMs int `yaml:"task_timeout_ms"`

	// DefaultMaxBudgetUSD seeds Project.MaxBudgetUSD for projects created
	// without an explicit ceiling. 0 disables enforcement.
	DefaultMaxBudgetUSD float64 `yaml:"default_max_budget_usd"`

	// DefaultModel is used when a project, stage and plan task all leave
	// model selection unset.
	DefaultModel string `yaml:"default_model"`

	// ModelTiers maps a provider name to its low/medium/high model ids,
	// consulted by the dispatcher's model-resolution step (§4.8.2).
	ModelTiers map[string]ModelTier `yaml:"model_tiers"`

	// Namespace prefixes every workspace branch name C2 derives.
	Namespace string `yaml:"namespace"`

	// AgentBinary is the external stream-producing process C3 spawns.
	AgentBinary string `yaml:"agent_binary"`
	AgentArgs   []string `yaml:"agent_args"`

	// MaintenanceIntervalSeconds paces the crash reconciler's periodic
	// maintenance sweep (stale-intervention expiry, budget re-checks).
	MaintenanceIntervalSeconds int `yaml:"maintenance_interval_seconds"`

	// InterventionTTLMinutes is how long a pending intervention may sit
	// unanswered before the maintenance sweep expires it.
	InterventionTTLMinutes int `yaml:"intervention_ttl_minutes"`

	// SmokeCheckCommand, if set, is run in the workspace by testing's fast
	// gate and git_integration's post-merge smoke check. Unset means the
	// kernel has no build/test command to assume for an arbitrary target
	// project, so both checks pass trivially.
	SmokeCheckCommand []string `yaml:"smoke_check_command"`

	NeedsGenesis bool `yaml:"-"`
}

func defaultDefaults() Defaults {
	return Defaults{
		LogLevel:                   "info",
		MaxConcurrentTasks:         4,
		RetryLimit:                 2,
		ReplanLimit:                3,
		TaskTimeoutMs:              int((10 * time.Minute).Milliseconds()),
		DefaultMaxBudgetUSD:        0,
		DefaultModel:               "claude-sonnet-4-5-20250929",
		Namespace:                  "pipekernel",
		AgentBinary:                "claude",
		MaintenanceIntervalSeconds: 300,
		InterventionTTLMinutes:     24 * 60,
		ModelTiers: map[string]ModelTier{
			"anthropic": {
				Low:    "claude-haiku-4-5-20251001",
				Medium: "claude-sonnet-4-5-20250929",
				High:   "claude-opus-4-6",
			},
			"google": {
				Low:    "gemini-2.5-flash-lite",
				Medium: "gemini-2.5-flash",
				High:   "gemini-2.5-pro",
			},
		},
	}
}

// TaskTimeout returns TaskTimeoutMs as a time.Duration.
func (d Defaults) TaskTimeout() time.Duration {
	return time.Duration(d.TaskTimeoutMs) * time.Millisecond
}

// MaintenanceIntervalDuration returns MaintenanceIntervalSeconds as a
// time.Duration, for the cron scheduler's fixed-tick mode.
func (d Defaults) MaintenanceIntervalDuration() time.Duration {
	return time.Duration(d.MaintenanceIntervalSeconds) * time.Second
}

// InterventionTTLDuration returns InterventionTTLMinutes as a
// time.Duration, for the cron scheduler's stale-intervention expiry.
func (d Defaults) InterventionTTLDuration() time.Duration {
	return time.Duration(d.InterventionTTLMinutes) * time.Minute
}

// Fingerprint is a short, stable hash of the tunable fields, logged on
// reload so operators can see that a change actually took effect.
func (d Defaults) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "concurrent=%d|retry=%d|replan=%d|timeout=%d|budget=%.2f|model=%s",
		d.MaxConcurrentTasks, d.RetryLimit, d.ReplanLimit, d.TaskTimeoutMs, d.DefaultMaxBudgetUSD, d.DefaultModel)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// HomeDir returns the kernel's config/state directory, honoring the
// PIPEKERNEL_HOME override for tests and containerized deployments.
func HomeDir() string {
	if override := os.Getenv("PIPEKERNEL_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".pipekernel")
}

// ConfigPath returns the config.yaml path under homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from HomeDir, applies environment overrides, and
// normalizes anything left at a zero value to its compiled-in default.
func Load() (Defaults, error) {
	d := defaultDefaults()
	d.HomeDir = HomeDir()

	if err := os.MkdirAll(d.HomeDir, 0o755); err != nil {
		return d, fmt.Errorf("create pipekernel home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(d.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			d.NeedsGenesis = true
		} else {
			return d, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &d); err != nil {
			return d, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&d)
	normalize(&d)
	return d, nil
}

func normalize(d *Defaults) {
	if d.MaxConcurrentTasks <= 0 {
		d.MaxConcurrentTasks = 4
	}
	if d.RetryLimit <= 0 {
		d.RetryLimit = 2
	}
	if d.ReplanLimit <= 0 {
		d.ReplanLimit = 3
	}
	if d.TaskTimeoutMs <= 0 {
		d.TaskTimeoutMs = int((10 * time.Minute).Milliseconds())
	}
	if d.LogLevel == "" {
		d.LogLevel = "info"
	}
	if d.Namespace == "" {
		d.Namespace = "pipekernel"
	}
	if d.AgentBinary == "" {
		d.AgentBinary = "claude"
	}
	if d.MaintenanceIntervalSeconds <= 0 {
		d.MaintenanceIntervalSeconds = 300
	}
	if d.InterventionTTLMinutes <= 0 {
		d.InterventionTTLMinutes = 24 * 60
	}
}

func applyEnvOverrides(d *Defaults) {
	if raw := os.Getenv("PIPEKERNEL_MAX_CONCURRENT_TASKS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			d.MaxConcurrentTasks = v
		}
	}
	if raw := os.Getenv("PIPEKERNEL_RETRY_LIMIT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			d.RetryLimit = v
		}
	}
	if raw := os.Getenv("PIPEKERNEL_REPLAN_LIMIT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			d.ReplanLimit = v
		}
	}
	if raw := os.Getenv("PIPEKERNEL_TASK_TIMEOUT_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			d.TaskTimeoutMs = v
		}
	}
	if raw := os.Getenv("PIPEKERNEL_LOG_LEVEL"); raw != "" {
		d.LogLevel = raw
	}
	if raw := os.Getenv("PIPEKERNEL_DEFAULT_MODEL"); raw != "" {
		d.DefaultModel = raw
	}
	if raw := os.Getenv("PIPEKERNEL_AGENT_BINARY"); raw != "" {
		d.AgentBinary = raw
	}
	if raw := os.Getenv("PIPEKERNEL_DEFAULT_MAX_BUDGET_USD"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			d.DefaultMaxBudgetUSD = v
		}
	}
}
