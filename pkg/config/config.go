// Package config loads the per-workspace config.yml (RepoConfig) and the
// hub-level config (HubConfig) described in spec.md §6.3/§6.6, plus the
// encrypted-secrets-at-rest helpers in secrets.go. Schema validation beyond
// shape/defaults is out of scope — spec.md's Non-goals exclude a full
// config-handling surface, so this package keeps only the mechanical
// load/merge path the rest of the module needs.
//
// Adapted from the teacher's pkg/config/config.go (1463 lines of
// project/agent/container config for the PM/architect/coder product
// surface, entirely out of scope here) down to the two dataclasses
// original_source/core/config.py actually defines for repo/hub mode.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ConfigFilename       = "config.yml"
	OverrideFilename     = "config.local.yml"
	CurrentSchemaVersion = 1
)

// AppServerConfig configures how the JSON-RPC app-server agent is started
// and supervised, per spec.md §4.E.
type AppServerConfig struct {
	Command            []string      `yaml:"command"`
	MaxHandles         int           `yaml:"max_handles"`
	IdleTTLSeconds      int          `yaml:"idle_ttl_seconds"`
	TurnTimeoutSeconds  float64      `yaml:"turn_timeout_seconds"`
	RequestTimeoutSeconds float64    `yaml:"request_timeout_seconds"`
}

func (a AppServerConfig) IdleTTL() time.Duration {
	return time.Duration(a.IdleTTLSeconds) * time.Second
}

// OpenCodeConfig configures the HTTP+SSE opencode agent variant, per
// spec.md §6.2/§6.6.
type OpenCodeConfig struct {
	Command       []string `yaml:"command"`
	BaseURL       string   `yaml:"base_url"`
	UsernameEnv   string   `yaml:"username_env"`
	PasswordEnv   string   `yaml:"password_env"`
}

// LogConfig bounds the rotating shared log (spec.md §4.J: "size-bounded, N
// backups").
type LogConfig struct {
	MaxBytes    int64 `yaml:"max_bytes"`
	BackupCount int   `yaml:"backup_count"`
}

// RepoConfig is the per-workspace config.yml shape (spec.md §6.3).
type RepoConfig struct {
	Root    string `yaml:"-"`
	Version int    `yaml:"version"`
	Mode    string `yaml:"mode"`

	AgentKind string `yaml:"agent_kind"` // "codex_app_server" | "opencode"

	Docs map[string]string `yaml:"docs"`

	CodexModel     string `yaml:"codex_model"`
	CodexReasoning string `yaml:"codex_reasoning"`

	RunnerSleepSeconds          int  `yaml:"runner_sleep_seconds"`
	RunnerStopAfterRuns         int  `yaml:"runner_stop_after_runs"`
	RunnerMaxWallclockSeconds   int  `yaml:"runner_max_wallclock_seconds"`

	PromptPrevRunMaxChars int `yaml:"prompt_prev_run_max_chars"`

	GitAutoCommit             bool   `yaml:"git_auto_commit"`
	GitCommitMessageTemplate  string `yaml:"git_commit_message_template"`

	Log LogConfig `yaml:"log"`

	AppServer AppServerConfig `yaml:"app_server"`
	OpenCode  OpenCodeConfig  `yaml:"opencode"`

	TicketFlow TicketFlowConfig `yaml:"ticket_flow"`
}

// TicketFlowConfig configures the ticket-flow engine (component L,
// spec.md §4.L).
type TicketFlowConfig struct {
	TicketDir      string `yaml:"ticket_dir"`
	MaxLintRetries int    `yaml:"max_lint_retries"`
}

// DocPath resolves a doc kind (one of threadreg.DocChatKinds) to an
// absolute path under Root.
func (c *RepoConfig) DocPath(kind string) (string, error) {
	rel, ok := c.Docs[kind]
	if !ok {
		return "", fmt.Errorf("no doc path configured for kind %q", kind)
	}
	return filepath.Join(c.Root, rel), nil
}

func repoDefaults() RepoConfig {
	return RepoConfig{
		Version:   CurrentSchemaVersion,
		Mode:      "repo",
		AgentKind: "codex_app_server",
		Docs: map[string]string{
			"todo":     "TODO.md",
			"progress": "PROGRESS.md",
			"opinions": "OPINIONS.md",
			"spec":     "SPEC.md",
			"summary":  "SUMMARY.md",
		},
		RunnerSleepSeconds:       5,
		PromptPrevRunMaxChars:    6000,
		GitCommitMessageTemplate: "autorunner: run {run_id}",
		Log: LogConfig{
			MaxBytes:    10_000_000,
			BackupCount: 3,
		},
		AppServer: AppServerConfig{
			Command:               []string{"codex", "app-server"},
			MaxHandles:            8,
			IdleTTLSeconds:        600,
			TurnTimeoutSeconds:    1800,
			RequestTimeoutSeconds: 60,
		},
		OpenCode: OpenCodeConfig{
			Command:     []string{"opencode", "serve"},
			UsernameEnv: "OPENCODE_SERVER_USERNAME",
			PasswordEnv: "OPENCODE_SERVER_PASSWORD",
		},
		TicketFlow: TicketFlowConfig{
			TicketDir:      "tickets",
			MaxLintRetries: 3,
		},
	}
}

// LoadRepoConfig reads config.yml (and an optional config.local.yml
// override) from root, merging onto the built-in defaults.
func LoadRepoConfig(root string) (*RepoConfig, error) {
	cfg := repoDefaults()
	if err := loadYAMLMerged(root, &cfg); err != nil {
		return nil, err
	}
	cfg.Root = root
	if cfg.AgentKind != "codex_app_server" && cfg.AgentKind != "opencode" {
		return nil, fmt.Errorf("config.yml: unknown agent_kind %q", cfg.AgentKind)
	}
	return &cfg, nil
}

// HubConfig is the hub-level config.yml shape for multi-repo deployments
// (spec.md's hub-mode references in §6.3's on-disk layout).
type HubConfig struct {
	Root    string `yaml:"-"`
	Version int    `yaml:"version"`
	Mode    string `yaml:"mode"`

	ReposRoot        string `yaml:"repos_root"`
	WorktreesRoot    string `yaml:"worktrees_root"`
	ManifestPath     string `yaml:"manifest_path"`
	DiscoverDepth    int    `yaml:"discover_depth"`
	AutoInitMissing  bool   `yaml:"auto_init_missing"`

	AppServer AppServerConfig `yaml:"app_server"`
}

func hubDefaults() HubConfig {
	return HubConfig{
		Version:       CurrentSchemaVersion,
		Mode:          "hub",
		ReposRoot:     "repos",
		WorktreesRoot: "worktrees",
		ManifestPath:  "manifest.yml",
		DiscoverDepth: 2,
		AppServer: AppServerConfig{
			Command:               []string{"codex", "app-server"},
			MaxHandles:            8,
			IdleTTLSeconds:        600,
			TurnTimeoutSeconds:    1800,
			RequestTimeoutSeconds: 60,
		},
	}
}

// LoadHubConfig reads the hub-level config.yml from root.
func LoadHubConfig(root string) (*HubConfig, error) {
	cfg := hubDefaults()
	if err := loadYAMLMerged(root, &cfg); err != nil {
		return nil, err
	}
	cfg.Root = root
	return &cfg, nil
}

func loadYAMLMerged(root string, out any) error {
	base := filepath.Join(root, ConfigFilename)
	if err := loadYAMLInto(base, out); err != nil {
		return err
	}
	override := filepath.Join(root, OverrideFilename)
	if err := loadYAMLInto(override, out); err != nil {
		return fmt.Errorf("invalid override config %s: %w", override, err)
	}
	return nil
}

func loadYAMLInto(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}
