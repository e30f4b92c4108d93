// Package ruleexec is the default, concrete RuleExecutor a worker
// subprocess calls (spec.md §1 treats the rule engine itself as an
// external collaborator; this package is the "something runnable end to
// end" realization SPEC_FULL.md §1 calls for). It implements the two
// operations the worker's main loop invokes per spec.md §4.3 step c:
// Apply, which matches a device against rule programs found in a rule
// directory and collects the KEY=VALUE lines they print to stdout as new
// properties (the real udev IMPORT{program} contract), and RunPrograms,
// which runs the RUN+= program list a rule assigned, discarding output.
//
// Both are built on the same exec.CommandContext + timeout + captured-
// output pattern as the pack's cuemby-warren/pkg/health/exec.go
// ExecChecker, generalized from a boolean health result to arbitrary
// stdout property lines.
package ruleexec

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tripwire/udevd/internal/broker"
)

// Executor runs external rule programs found under a rule directory on
// behalf of a worker subprocess.
type Executor struct {
	ruleDir string
	logger  *slog.Logger
}

// New constructs an Executor rooted at ruleDir (spec.md §6 RuleDirectory).
func New(ruleDir string, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{ruleDir: ruleDir, logger: logger}
}

// Result is what rule matching produced for one device.
type Result struct {
	// Properties are KEY=VALUE pairs the matched rule program(s) printed
	// to stdout; the worker records them via internal/devicedb and does
	// not add them to its inherited properties.
	Properties map[string]string

	// RunPrograms lists RUN+= style program paths to invoke after Apply,
	// in the order they should run.
	RunPrograms []string

	// Watch reports whether the matched rule requested a node watch
	// (spec.md §4.3 step d); the worker enables inotify on the devnode
	// when true.
	Watch bool
}

// Apply matches d against every executable rule program in ruleDir whose
// name is "<subsystem>.rule" or the catch-all "common.rule", running each
// with the device's attributes in its environment and parsing its stdout
// as "KEY=VALUE" lines (blank lines and lines starting with '#' are
// ignored). A special "WATCH=1" line sets Result.Watch; a
// "RUN+=<path>" line appends to Result.RunPrograms. Programs that do not
// exist are skipped without error — not every subsystem needs a rule.
func (e *Executor) Apply(ctx context.Context, d broker.Device, properties map[string]string, timeout time.Duration) (Result, error) {
	result := Result{Properties: make(map[string]string)}

	candidates := []string{
		filepath.Join(e.ruleDir, d.Subsystem+".rule"),
		filepath.Join(e.ruleDir, "common.rule"),
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		out, err := e.run(ctx, path, d, properties, timeout)
		if err != nil {
			e.logger.Warn("ruleexec: rule program failed",
				slog.String("path", path), slog.String("devpath", d.Devpath), slog.Any("error", err))
			continue
		}
		e.parseOutput(out, &result)
	}

	return result, nil
}

// RunPrograms executes every program in programs with the device's
// attributes in its environment, in order, logging (but not failing on)
// any non-zero exit — spec.md §7 kind 1 treats a rule program's non-zero
// exit as a transient per-event error: logged, event still considered
// processed.
func (e *Executor) RunPrograms(ctx context.Context, d broker.Device, programs []string, timeout time.Duration) error {
	for _, path := range programs {
		if _, err := e.run(ctx, path, d, nil, timeout); err != nil {
			e.logger.Warn("ruleexec: RUN+= program failed",
				slog.String("path", path), slog.String("devpath", d.Devpath), slog.Any("error", err))
		}
	}
	return nil
}

func (e *Executor) run(ctx context.Context, path string, d broker.Device, properties map[string]string, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, path)
	cmd.Env = append(os.Environ(), deviceEnv(d, properties)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return stdout.Bytes(), fmt.Errorf("ruleexec: %s: %w (stderr: %s)", path, err, strings.TrimSpace(stderr.String()))
		}
		return stdout.Bytes(), fmt.Errorf("ruleexec: %s: %w", path, err)
	}
	return stdout.Bytes(), nil
}

func (e *Executor) parseOutput(out []byte, result *Result) {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "RUN+="); ok {
			result.RunPrograms = append(result.RunPrograms, rest)
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if key == "WATCH" && value == "1" {
			result.Watch = true
			continue
		}
		result.Properties[key] = value
	}
}

// deviceEnv renders d and the current properties snapshot as "KEY=VALUE"
// environment entries a rule program can read, matching the real udev
// rule-program contract of passing device attributes through the
// environment rather than arguments.
func deviceEnv(d broker.Device, properties map[string]string) []string {
	env := []string{
		"DEVPATH=" + d.Devpath,
		"ACTION=" + string(d.Action),
		"SUBSYSTEM=" + d.Subsystem,
		"SYSNAME=" + d.Sysname,
		"DEVTYPE=" + d.Devtype,
	}
	if !d.Devnum.IsZero() {
		env = append(env, fmt.Sprintf("MAJOR=%d", d.Devnum.Major), fmt.Sprintf("MINOR=%d", d.Devnum.Minor))
	}
	if d.Ifindex != 0 {
		env = append(env, fmt.Sprintf("IFINDEX=%d", d.Ifindex))
	}

	keys := make([]string, 0, len(properties))
	for k := range properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+properties[k])
	}
	return env
}
