// Package config provides YAML configuration loading, kernel-command-line
// overrides, and validation for the udevd broker.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the udevd broker.
type Config struct {
	// ChildrenMax caps the size of the worker pool. Zero means "compute the
	// default of 8 + 2*NumCPU at startup".
	ChildrenMax int `yaml:"children_max"`

	// ExecDelaySeconds is a pause, in seconds, taken before each dispatch
	// pass; used to slow down a storm of events during testing. Zero
	// disables the delay.
	ExecDelaySeconds int `yaml:"exec_delay_seconds"`

	// EventTimeoutSeconds is the fatal per-event worker timeout. Defaults to
	// 180 when zero.
	EventTimeoutSeconds int `yaml:"event_timeout_seconds"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// RuleDirectory is the directory the RuleExecutor loads compiled rules
	// from. Required.
	RuleDirectory string `yaml:"rule_directory"`

	// ControlSocketPath is the path of the administrative seqpacket control
	// socket. Defaults to "/run/udevd/control.sock".
	ControlSocketPath string `yaml:"control_socket_path"`

	// RunDir is the directory used for the busy/idle queue marker file and
	// the default file-backed device database. Defaults to "/run/udev".
	RunDir string `yaml:"run_dir"`

	// DBBackend selects the DevicePersistence implementation: "file" (the
	// literal /run/udev/data/* contract) or "sqlite" (indexed, WAL-mode).
	// Defaults to "file".
	DBBackend string `yaml:"db_backend"`

	// DebugAddr is the loopback-only listen address for the /healthz and
	// /metrics HTTP introspection surface. Defaults to "127.0.0.1:9100".
	DebugAddr string `yaml:"debug_addr"`

	// ResolveNames controls when device-owner names are resolved to
	// uid/gid: "early", "late", or "never". Defaults to "late".
	ResolveNames string `yaml:"resolve_names"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validDBBackends is the set of accepted db_backend strings.
var validDBBackends = map[string]bool{
	"file":   true,
	"sqlite": true,
}

// validResolveNames is the set of accepted resolve_names strings.
var validResolveNames = map[string]bool{
	"early": true,
	"late":  true,
	"never": true,
}

// Load reads the YAML file at path, unmarshals it into Config, applies
// defaults, layers kernel-command-line overrides read from cmdlinePath (pass
// "" to skip), and validates all required fields. A validation error joins
// every failure found (errors.Join), wrapped as "config: validation failed".
func Load(path, cmdlinePath string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
		}
	}

	if cmdlinePath != "" {
		data, err := os.ReadFile(cmdlinePath)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: cannot read kernel cmdline %q: %w", cmdlinePath, err)
		}
		if err == nil {
			applyCmdline(&cfg, string(data))
		}
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return &cfg, nil
}

// applyCmdline parses the space-separated kernel command line for the
// udev.* knobs documented in spec.md §6, stripping an optional "rd." prefix
// used by early-boot ("real device") initramfs invocations.
func applyCmdline(cfg *Config, cmdline string) {
	for _, tok := range strings.Fields(cmdline) {
		tok = strings.TrimPrefix(tok, "rd.")
		key, val, ok := strings.Cut(tok, "=")
		if !ok {
			continue
		}
		switch key {
		case "udev.log-priority":
			cfg.LogLevel = priorityToLevel(val)
		case "udev.children-max":
			if n, err := strconv.Atoi(val); err == nil {
				cfg.ChildrenMax = n
			}
		case "udev.exec-delay":
			if n, err := strconv.Atoi(val); err == nil {
				cfg.ExecDelaySeconds = n
			}
		case "udev.event-timeout":
			if n, err := strconv.Atoi(val); err == nil {
				cfg.EventTimeoutSeconds = n
			}
		}
	}
}

// priorityToLevel maps a syslog-style numeric or named priority to a slog
// level string. Unrecognized values fall back to "info".
func priorityToLevel(val string) string {
	switch strings.ToLower(val) {
	case "debug", "7":
		return "debug"
	case "warning", "warn", "4":
		return "warn"
	case "err", "error", "3", "2", "1", "0":
		return "error"
	default:
		return "info"
	}
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ChildrenMax == 0 {
		cfg.ChildrenMax = 8 + 2*runtime.NumCPU()
	}
	if cfg.EventTimeoutSeconds == 0 {
		cfg.EventTimeoutSeconds = 180
	}
	if cfg.ControlSocketPath == "" {
		cfg.ControlSocketPath = "/run/udevd/control.sock"
	}
	if cfg.RunDir == "" {
		cfg.RunDir = "/run/udev"
	}
	if cfg.DBBackend == "" {
		cfg.DBBackend = "file"
	}
	if cfg.DebugAddr == "" {
		cfg.DebugAddr = "127.0.0.1:9100"
	}
	if cfg.ResolveNames == "" {
		cfg.ResolveNames = "late"
	}
}

// validate checks that all required fields are populated and that enumerated
// fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.RuleDirectory == "" {
		errs = append(errs, errors.New("rule_directory is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if !validDBBackends[cfg.DBBackend] {
		errs = append(errs, fmt.Errorf("db_backend %q must be one of: file, sqlite", cfg.DBBackend))
	}
	if !validResolveNames[cfg.ResolveNames] {
		errs = append(errs, fmt.Errorf("resolve_names %q must be one of: early, late, never", cfg.ResolveNames))
	}
	if cfg.ChildrenMax < 1 {
		errs = append(errs, fmt.Errorf("children_max must be >= 1, got %d", cfg.ChildrenMax))
	}
	if cfg.EventTimeoutSeconds < 1 {
		errs = append(errs, fmt.Errorf("event_timeout_seconds must be >= 1, got %d", cfg.EventTimeoutSeconds))
	}

	return errors.Join(errs...)
}

// WarnTimeoutSeconds is one-third of the fatal timeout, per spec.md §5.
func (c *Config) WarnTimeoutSeconds() int {
	return c.EventTimeoutSeconds / 3
}
