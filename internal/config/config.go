// Package config loads .work/config.toml: the plan binding, scheduling
// limits, monitor thresholds, and sandbox defaults, layered over
// compiled-in defaults with ${VAR} expansion on path-like strings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/loomstage/loom/internal/errs"
	"github.com/loomstage/loom/internal/monitor"
	"github.com/loomstage/loom/internal/sandbox"
)

// PlanBinding identifies the plan a .work directory is executing.
type PlanBinding struct {
	SourcePath string `mapstructure:"source_path" toml:"source_path"`
	PlanID     string `mapstructure:"plan_id" toml:"plan_id"`
	PlanName   string `mapstructure:"plan_name" toml:"plan_name"`
	BaseBranch string `mapstructure:"base_branch" toml:"base_branch,omitempty"`
}

// SandboxSection mirrors sandbox.PlanConfig with mapstructure tags for
// viper decoding; ToPlanConfig converts to the sandbox package's type.
type SandboxSection struct {
	Enabled                bool     `mapstructure:"enabled" toml:"enabled"`
	AutoAllow              bool     `mapstructure:"auto_allow" toml:"auto_allow"`
	AllowUnsandboxedEscape bool     `mapstructure:"allow_unsandboxed_escape" toml:"allow_unsandboxed_escape"`
	ExcludedCommands       []string `mapstructure:"excluded_commands" toml:"excluded_commands,omitempty"`

	Filesystem struct {
		DenyRead   []string `mapstructure:"deny_read" toml:"deny_read,omitempty"`
		DenyWrite  []string `mapstructure:"deny_write" toml:"deny_write,omitempty"`
		AllowWrite []string `mapstructure:"allow_write" toml:"allow_write,omitempty"`
	} `mapstructure:"filesystem" toml:"filesystem"`

	Network struct {
		AllowDomains []string `mapstructure:"allow_domains" toml:"allow_domains,omitempty"`
	} `mapstructure:"network" toml:"network"`

	Linux struct {
		Profile string `mapstructure:"profile" toml:"profile,omitempty"`
	} `mapstructure:"linux" toml:"linux"`
}

// ToPlanConfig converts the decoded section into the sandbox package's
// plan-level config, expanding ~ and ${VAR} in every path.
func (s SandboxSection) ToPlanConfig() sandbox.PlanConfig {
	cfg := sandbox.PlanConfig{
		Enabled:                s.Enabled,
		AutoAllow:              s.AutoAllow,
		AllowUnsandboxedEscape: s.AllowUnsandboxedEscape,
		ExcludedCommands:       s.ExcludedCommands,
		Filesystem: sandbox.FilesystemConfig{
			DenyRead:   expandAll(s.Filesystem.DenyRead),
			DenyWrite:  expandAll(s.Filesystem.DenyWrite),
			AllowWrite: expandAll(s.Filesystem.AllowWrite),
		},
		Network: sandbox.NetworkConfig{AllowDomains: s.Network.AllowDomains},
		Linux:   sandbox.LinuxConfig{Profile: s.Linux.Profile},
	}
	return cfg
}

func expandAll(paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = sandbox.ExpandPath(p)
	}
	return out
}

// Config is the full decoded configuration.
type Config struct {
	Plan    PlanBinding    `mapstructure:"plan" toml:"plan"`
	Sandbox SandboxSection `mapstructure:"sandbox" toml:"sandbox"`

	MaxParallelSessions int  `mapstructure:"max_parallel_sessions" toml:"max_parallel_sessions"`
	ManualMode          bool `mapstructure:"manual_mode" toml:"manual_mode"`

	PollIntervalSecs       int     `mapstructure:"poll_interval" toml:"poll_interval"`
	ContextWarningPercent  float64 `mapstructure:"context_warning_percent" toml:"context_warning_percent"`
	ContextCriticalPercent float64 `mapstructure:"context_critical_percent" toml:"context_critical_percent"`
	MergeLockTimeoutSecs   int     `mapstructure:"merge_lock_timeout" toml:"merge_lock_timeout"`
	CommandTimeoutSecs     int     `mapstructure:"command_timeout" toml:"command_timeout"`

	AgentCommand   string `mapstructure:"agent_command" toml:"agent_command"`
	SessionBackend string `mapstructure:"session_backend" toml:"session_backend"`
}

// PollInterval returns the monitor tick interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSecs) * time.Second
}

// MergeLockTimeout returns the merge lock acquire bound.
func (c *Config) MergeLockTimeout() time.Duration {
	return time.Duration(c.MergeLockTimeoutSecs) * time.Second
}

// CommandTimeout returns the per-acceptance-command bound.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutSecs) * time.Second
}

// Path returns the canonical config file location for a project root.
func Path(projectRoot string) string {
	return filepath.Join(projectRoot, ".work", "config.toml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("max_parallel_sessions", 3)
	v.SetDefault("manual_mode", false)
	v.SetDefault("poll_interval", 5)
	v.SetDefault("context_warning_percent", monitor.DefaultWarningPercent)
	v.SetDefault("context_critical_percent", monitor.DefaultCriticalPercent)
	v.SetDefault("merge_lock_timeout", 30)
	v.SetDefault("command_timeout", 300)
	v.SetDefault("agent_command", "claude")
	v.SetDefault("session_backend", "multiplexer")
	v.SetDefault("sandbox.enabled", true)
	v.SetDefault("sandbox.auto_allow", true)
}

// Load reads projectRoot's config.toml over the compiled-in defaults. A
// missing file yields the defaults; a malformed file is an error (global
// state corruption, fatal at startup).
func Load(projectRoot string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetConfigFile(Path(projectRoot))
	setDefaults(v)

	if _, err := os.Stat(Path(projectRoot)); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", errs.ErrMalformed, Path(projectRoot), err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", errs.ErrMalformed, Path(projectRoot), err)
	}

	cfg.Plan.SourcePath = os.ExpandEnv(cfg.Plan.SourcePath)
	cfg.AgentCommand = os.ExpandEnv(cfg.AgentCommand)
	return cfg, nil
}

// Save writes cfg back to projectRoot's config.toml. Used by init and by
// the plan lifecycle renames, which must keep the binding's source_path
// pointing at the renamed file.
func Save(projectRoot string, cfg *Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("%w: encode config: %v", errs.ErrMalformed, err)
	}
	path := Path(projectRoot)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: create .work: %v", errs.ErrInfrastructure, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: write config: %v", errs.ErrInfrastructure, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: rename config into place: %v", errs.ErrInfrastructure, err)
	}
	return nil
}
