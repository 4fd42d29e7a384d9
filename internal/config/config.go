// Package config holds SafeShell's on-disk configuration and the layout
// of the per-user state directory where the daemon keeps its sockets,
// pid file, rules, and log.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Unreachable-daemon policies for the wrapper.
const (
	FailClosed = "fail_closed"
	FailOpen   = "fail_open"
)

// Defaults applied when config.yaml is absent or leaves a key unset.
const (
	DefaultApprovalTimeoutSeconds   = 300
	DefaultApprovalMemoryTTLSeconds = 900
	DefaultConditionTimeoutMs       = 500
	DefaultLogLevel                 = "INFO"
)

// Config is the parsed contents of config.yaml. All fields are optional
// in the file; Load fills in defaults.
type Config struct {
	UnreachableBehavior      string `yaml:"unreachable_behavior"`
	DelegateShell            string `yaml:"delegate_shell"`
	LogLevel                 string `yaml:"log_level"`
	LogFile                  string `yaml:"log_file"`
	ConditionTimeoutMs       int    `yaml:"condition_timeout_ms"`
	ApprovalTimeoutSeconds   int    `yaml:"approval_timeout_seconds"`
	ApprovalMemoryTTLSeconds int    `yaml:"approval_memory_ttl_seconds"`
	AutoStartDaemon          bool   `yaml:"auto_start_daemon"`
}

// stateDirFunc is overridden in tests to point at a temp directory.
var stateDirFunc = defaultStateDir

// defaultStateDir returns the per-user state directory, honoring
// XDG_STATE_HOME when set.
func defaultStateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "safeshell")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".local", "state", "safeshell")
}

// StateDir returns the directory holding all SafeShell runtime files.
func StateDir() string {
	return stateDirFunc()
}

// Well-known file locations inside the state directory.

func ConfigPath() string        { return filepath.Join(StateDir(), "config.yaml") }
func RulesPath() string         { return filepath.Join(StateDir(), "rules.yaml") }
func SocketPath() string        { return filepath.Join(StateDir(), "daemon.sock") }
func MonitorSocketPath() string { return filepath.Join(StateDir(), "monitor.sock") }
func PIDPath() string           { return filepath.Join(StateDir(), "daemon.pid") }
func LockPath() string          { return filepath.Join(StateDir(), "daemon.lock") }
func LogPath() string           { return filepath.Join(StateDir(), "daemon.log") }

// RepoRulesRelPath is the path of a repo-local rule file, relative to the
// repository root. Rules found here are treated as untrusted input.
const RepoRulesRelPath = ".safeshell/rules.yaml"

// Default returns a Config with every field at its default value.
func Default() *Config {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	return &Config{
		UnreachableBehavior:      FailClosed,
		DelegateShell:            shell,
		LogLevel:                 DefaultLogLevel,
		LogFile:                  LogPath(),
		ConditionTimeoutMs:       DefaultConditionTimeoutMs,
		ApprovalTimeoutSeconds:   DefaultApprovalTimeoutSeconds,
		ApprovalMemoryTTLSeconds: DefaultApprovalMemoryTTLSeconds,
	}
}

// Load reads config.yaml from the state directory. A missing file is not
// an error; it loads as all defaults. A malformed file is an error naming
// the file so the user knows what to fix.
func Load() (*Config, error) {
	return LoadFile(ConfigPath())
}

// LoadFile reads a config file from an explicit path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.validate(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate(path string) error {
	switch c.UnreachableBehavior {
	case FailClosed, FailOpen:
	default:
		return fmt.Errorf("config %s: unreachable_behavior must be %q or %q, got %q",
			path, FailClosed, FailOpen, c.UnreachableBehavior)
	}
	// Zero is rejected too: every approval must eventually time out
	// rather than block a wrapper forever.
	if c.ApprovalTimeoutSeconds <= 0 {
		return fmt.Errorf("config %s: approval_timeout_seconds must be positive", path)
	}
	if c.ApprovalMemoryTTLSeconds < 0 {
		return fmt.Errorf("config %s: approval_memory_ttl_seconds must be >= 0", path)
	}
	return nil
}

// EnsureStateDir creates the state directory if it does not exist.
func EnsureStateDir() error {
	if err := os.MkdirAll(StateDir(), 0700); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	return nil
}
