// Package sandbox resolves the per-stage filesystem/network/linux
// sandbox settings an agent process runs under, merging plan-level
// defaults with stage overrides and detecting worktree-escape attempts
// in configured paths.
package sandbox

import (
	"encoding/json"
	"os"
	"regexp"
	"strings"
)

// FilesystemConfig lists path globs controlling read/write access.
type FilesystemConfig struct {
	DenyRead   []string `json:"deny_read" toml:"deny_read"`
	DenyWrite  []string `json:"deny_write" toml:"deny_write"`
	AllowWrite []string `json:"allow_write" toml:"allow_write"`
}

// DefaultFilesystemConfig returns the hardened defaults: worktree-escape
// and parent-directory patterns denied, orchestration state protected
// from agent writes, common credential directories denied for reads.
func DefaultFilesystemConfig() FilesystemConfig {
	return FilesystemConfig{
		DenyRead: []string{
			"../../**",
			"../.worktrees/**",
			"~/.ssh/**",
			"~/.aws/**",
		},
		DenyWrite: []string{
			"../../**",
			".work/stages/**",
			".work/sessions/**",
		},
		AllowWrite: nil,
	}
}

// NetworkConfig controls outbound network access.
type NetworkConfig struct {
	AllowDomains []string `json:"allow_domains" toml:"allow_domains"`
}

// LinuxConfig carries Linux-sandbox-specific settings (seccomp profile,
// namespace flags); opaque beyond the key itself since enforcement lives
// in the agent harness, not in loom.
type LinuxConfig struct {
	Profile string `json:"profile,omitempty" toml:"profile,omitempty"`
}

// PlanConfig is the plan-level sandbox block (config.toml [sandbox]).
type PlanConfig struct {
	Enabled                bool             `toml:"enabled"`
	AutoAllow              bool             `toml:"auto_allow"`
	AllowUnsandboxedEscape bool             `toml:"allow_unsandboxed_escape"`
	ExcludedCommands       []string         `toml:"excluded_commands"`
	Filesystem             FilesystemConfig `toml:"filesystem"`
	Network                NetworkConfig    `toml:"network"`
	Linux                  LinuxConfig      `toml:"linux"`
}

// DefaultPlanConfig returns the sandbox-enabled-by-default plan config.
func DefaultPlanConfig() PlanConfig {
	return PlanConfig{
		Enabled:    true,
		AutoAllow:  true,
		Filesystem: DefaultFilesystemConfig(),
	}
}

// StageConfig is a stage's sandbox overrides; nil pointer fields mean
// "inherit from the plan".
type StageConfig struct {
	Enabled                *bool             `yaml:"enabled,omitempty"`
	AutoAllow              *bool             `yaml:"auto_allow,omitempty"`
	AllowUnsandboxedEscape *bool             `yaml:"allow_unsandboxed_escape,omitempty"`
	ExcludedCommands       []string          `yaml:"excluded_commands,omitempty"`
	Filesystem             *FilesystemConfig `yaml:"filesystem,omitempty"`
	Network                *NetworkConfig    `yaml:"network,omitempty"`
	Linux                  *LinuxConfig      `yaml:"linux,omitempty"`
}

// MergedConfig is the final resolved sandbox configuration for one stage.
type MergedConfig struct {
	Enabled                bool             `json:"enabled"`
	AutoAllow              bool             `json:"auto_allow"`
	AllowUnsandboxedEscape bool             `json:"allow_unsandboxed_escape"`
	ExcludedCommands       []string         `json:"excluded_commands"`
	Filesystem             FilesystemConfig `json:"filesystem"`
	Network                NetworkConfig    `json:"network"`
	Linux                  LinuxConfig      `json:"linux"`
}

const knowledgeWritePath = "doc/loom/knowledge/**"

// Merge combines plan with stage's overrides for a stage of the given
// type. Knowledge and IntegrationVerify stages additionally get
// doc/loom/knowledge/** appended to allow_write, since those stage types
// are the ones expected to update the knowledge base.
func Merge(plan PlanConfig, stage StageConfig, stageType string) MergedConfig {
	merged := MergedConfig{
		Enabled:                orBool(stage.Enabled, plan.Enabled),
		AutoAllow:              orBool(stage.AutoAllow, plan.AutoAllow),
		AllowUnsandboxedEscape: orBool(stage.AllowUnsandboxedEscape, plan.AllowUnsandboxedEscape),
		ExcludedCommands:       append(append([]string{}, plan.ExcludedCommands...), stage.ExcludedCommands...),
		Filesystem:             orFilesystem(stage.Filesystem, plan.Filesystem),
		Network:                orNetwork(stage.Network, plan.Network),
		Linux:                  orLinux(stage.Linux, plan.Linux),
	}

	if stageType == "knowledge" || stageType == "integration_verify" {
		if !contains(merged.Filesystem.AllowWrite, knowledgeWritePath) {
			merged.Filesystem.AllowWrite = append(merged.Filesystem.AllowWrite, knowledgeWritePath)
		}
	}

	return merged
}

func orBool(override *bool, fallback bool) bool {
	if override != nil {
		return *override
	}
	return fallback
}

func orFilesystem(override *FilesystemConfig, fallback FilesystemConfig) FilesystemConfig {
	if override != nil {
		return *override
	}
	return fallback
}

func orNetwork(override *NetworkConfig, fallback NetworkConfig) NetworkConfig {
	if override != nil {
		return *override
	}
	return fallback
}

func orLinux(override *LinuxConfig, fallback LinuxConfig) LinuxConfig {
	if override != nil {
		return *override
	}
	return fallback
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// MarshalSettings renders the merged config as the JSON settings file
// materialized into a stage's worktree.
func (c MergedConfig) MarshalSettings() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// ExpandPath expands a leading ~/ to $HOME and any ${VAR}/$VAR references,
// leaving undefined variables verbatim.
func ExpandPath(path string) string {
	return expandEnvVars(expandTilde(path))
}

func expandTilde(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return home + path[1:]
		}
	}
	return path
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		name := sub[1]
		if name == "" {
			name = sub[2]
		}
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// ExpandConfigPaths rewrites every deny/allow path in cfg's filesystem
// block through ExpandPath.
func ExpandConfigPaths(cfg *MergedConfig) {
	for i, p := range cfg.Filesystem.DenyRead {
		cfg.Filesystem.DenyRead[i] = ExpandPath(p)
	}
	for i, p := range cfg.Filesystem.DenyWrite {
		cfg.Filesystem.DenyWrite[i] = ExpandPath(p)
	}
	for i, p := range cfg.Filesystem.AllowWrite {
		cfg.Filesystem.AllowWrite[i] = ExpandPath(p)
	}
}

// EscapeKind classifies a path traversal/escape attempt found by DetectEscape.
type EscapeKind int

const (
	// EscapeSafe means the path does not attempt to leave the worktree.
	EscapeSafe EscapeKind = iota
	// EscapeParent means the path climbs out via ../ sequences.
	EscapeParent
	// EscapeWorktree means the path specifically targets another
	// stage's worktree via .worktrees.
	EscapeWorktree
	// EscapeAbsolute means an absolute path reaches outside the
	// worktree and outside the allowed system scratch directories.
	EscapeAbsolute
)

var parentEscapePatterns = []string{"../..", "../", "/..", "..\\", "\\.."}

func containsParentEscape(path string) bool {
	if strings.HasPrefix(path, "..") {
		return true
	}
	for _, pat := range parentEscapePatterns {
		if strings.Contains(path, pat) {
			return true
		}
	}
	return false
}

var allowedAbsolutePrefixes = []string{"/tmp", "/dev", "/proc", "/sys"}

// DetectEscape classifies path as a worktree-boundary violation or safe.
// This is a static pattern check; actual enforcement happens in the agent
// sandbox harness using the deny/allow rules this package generates.
func DetectEscape(path string) EscapeKind {
	trimmed := strings.TrimSpace(path)

	if containsParentEscape(trimmed) {
		if strings.Contains(trimmed, ".worktrees") {
			return EscapeWorktree
		}
		return EscapeParent
	}

	if strings.HasPrefix(trimmed, "/") {
		for _, prefix := range allowedAbsolutePrefixes {
			if strings.HasPrefix(trimmed, prefix) {
				return EscapeSafe
			}
		}
		if strings.HasPrefix(trimmed, "/home/") || strings.HasPrefix(trimmed, "/Users/") {
			return EscapeSafe
		}
		if cwd, err := os.Getwd(); err == nil {
			parent := parentDir(cwd)
			if parent != "" && strings.HasPrefix(trimmed, parent) && !strings.HasPrefix(trimmed, cwd) {
				return EscapeAbsolute
			}
		}
	}

	return EscapeSafe
}

func parentDir(path string) string {
	idx := strings.LastIndex(strings.TrimRight(path, "/"), "/")
	if idx <= 0 {
		return ""
	}
	return path[:idx]
}

// IsLegitimateWorkAccess reports whether path is a direct (non-escaping)
// reference to the shared .work directory symlinked into every worktree.
func IsLegitimateWorkAccess(path string) bool {
	trimmed := strings.TrimSpace(path)
	if trimmed != ".work" && !strings.HasPrefix(trimmed, ".work/") {
		return false
	}
	return !strings.Contains(trimmed, "../")
}

// ValidatePaths scans a merged config's allow_write entries (the most
// sensitive, since they grant write access) and returns the escape kind
// for each offending path, keyed by path.
func ValidatePaths(cfg MergedConfig) map[string]EscapeKind {
	escapes := make(map[string]EscapeKind)
	for _, p := range cfg.Filesystem.AllowWrite {
		if kind := DetectEscape(p); kind != EscapeSafe {
			escapes[p] = kind
		}
	}
	return escapes
}
