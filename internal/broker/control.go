package broker

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/tripwire/udevd/internal/auditlog"
	"github.com/tripwire/udevd/internal/metrics"
)

// Command is one parsed administrative message received on the seqpacket
// control socket (spec.md §4.5). Name is always upper-cased; Argument
// carries the single fixed payload some commands take ("n" for
// SET_LOG_LEVEL/SET_MAX_CHILDREN, "k=v"/"k=" for SET_ENV).
type Command struct {
	Name     string
	Argument string
}

// ParseCommand decodes one control-socket datagram. Malformed or unknown
// messages return an error; the caller (Reactor.handleControlMessage) logs and
// discards them per spec.md §4.5 ("Malformed or truncated messages are
// ignored with a warning").
func ParseCommand(raw []byte) (Command, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return Command{}, fmt.Errorf("control: empty message")
	}
	name, arg, _ := strings.Cut(s, " ")
	name = strings.ToUpper(strings.TrimSpace(name))
	arg = strings.TrimSpace(arg)

	switch name {
	case "SET_LOG_LEVEL", "STOP_EXEC_QUEUE", "START_EXEC_QUEUE", "RELOAD",
		"SET_ENV", "SET_MAX_CHILDREN", "PING", "EXIT":
		return Command{Name: name, Argument: arg}, nil
	default:
		return Command{}, fmt.Errorf("control: unrecognized command %q", name)
	}
}

// LogLevelSetter is implemented by whatever owns the process-wide slog
// level (a *slog.LevelVar in cmd/udevd), so ControlPlane can update it
// without depending on the CLI package.
type LogLevelSetter interface {
	Set(level slog.Level)
}

// ControlPlane applies administrative commands to the Broker's shared
// state (spec.md §4.5, §9's "every handler takes the Broker" design note)
// and records a hash-chained audit entry for every one it accepts.
type ControlPlane struct {
	queue      *EventQueue
	pool       *WorkerPool
	properties *PropertiesSet
	logLevel   LogLevelSetter
	audit      *auditlog.Logger
	metrics    *metrics.Set
	logger     *slog.Logger

	StopExecQueue bool
	Reload        bool
	Exit          bool
}

// NewControlPlane constructs a ControlPlane. audit may be nil, in which
// case commands are still applied but nothing is recorded (used by tests
// that don't care about the audit trail).
func NewControlPlane(queue *EventQueue, pool *WorkerPool, properties *PropertiesSet, logLevel LogLevelSetter, audit *auditlog.Logger, m *metrics.Set, logger *slog.Logger) *ControlPlane {
	return &ControlPlane{
		queue:      queue,
		pool:       pool,
		properties: properties,
		logLevel:   logLevel,
		audit:      audit,
		metrics:    m,
		logger:     logger,
	}
}

// Handle applies one already-decoded Command. It is the single entry point
// the reactor calls for every datagram it reads off the control socket.
func (cp *ControlPlane) Handle(cmd Command) {
	correlationID := uuid.NewString()
	logger := cp.logger.With(slog.String("command", cmd.Name), slog.String("correlation_id", correlationID))

	switch cmd.Name {
	case "SET_LOG_LEVEL":
		level, err := parseLogLevel(cmd.Argument)
		if err != nil {
			logger.Warn("rejecting SET_LOG_LEVEL", slog.Any("error", err))
			return
		}
		cp.logLevel.Set(level)
		cp.pool.KillAll("set-log-level")
		logger.Info("log level updated", slog.String("level", level.String()))

	case "STOP_EXEC_QUEUE":
		cp.StopExecQueue = true
		logger.Info("dispatch paused")

	case "START_EXEC_QUEUE":
		cp.StopExecQueue = false
		logger.Info("dispatch resumed")

	case "RELOAD":
		cp.Reload = true
		logger.Info("reload requested")

	case "SET_ENV":
		key, value, unset := parseSetEnv(cmd.Argument)
		if key == "" {
			logger.Warn("rejecting SET_ENV with empty key")
			return
		}
		cp.properties.Set(key, value, unset)
		cp.pool.KillAll("set-env")
		logger.Info("property updated", slog.String("key", key), slog.Bool("unset", unset))

	case "SET_MAX_CHILDREN":
		n, err := strconv.Atoi(cmd.Argument)
		if err != nil || n < 1 {
			logger.Warn("rejecting SET_MAX_CHILDREN with invalid argument", slog.String("argument", cmd.Argument))
			return
		}
		cp.pool.SetChildrenMax(n)
		logger.Info("children_max updated", slog.Int("value", n))

	case "PING":
		// Observability only: spec.md §4.5 says the reply is implicit via
		// socket liveness, once prior uevents/inotify work has drained. The
		// reactor is responsible for ordering this call after that drain;
		// ControlPlane itself has nothing further to do.
		logger.Debug("ping received")

	case "EXIT":
		cp.Exit = true
		logger.Info("shutdown requested")

	default:
		logger.Warn("unrecognized command reached ControlPlane.Handle")
		return
	}

	cp.metrics.RecordControlCommand(cmd.Name)
	if cp.audit != nil {
		if _, err := cp.audit.AppendCommand(auditlog.ControlCommand{
			CorrelationID: correlationID,
			Command:       cmd.Name,
			Argument:      cmd.Argument,
		}); err != nil {
			logger.Error("failed to append audit entry", slog.Any("error", err))
		}
	}
}

// parseSetEnv splits a SET_ENV argument of the form "k=v" (upsert) or "k="
// (explicit unset, spec.md §4.5).
func parseSetEnv(arg string) (key, value string, unset bool) {
	k, v, found := strings.Cut(arg, "=")
	if !found {
		return "", "", false
	}
	return k, v, v == ""
}

// parseLogLevel maps a control-socket SET_LOG_LEVEL argument to a
// slog.Level. Accepts either slog's own names or syslog-style numeric
// priorities, matching the kernel-cmdline convention used by
// internal/config for udev.log-priority.
func parseLogLevel(arg string) (slog.Level, error) {
	switch strings.ToLower(arg) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "notice":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "err", "error", "crit", "alert", "emerg":
		return slog.LevelError, nil
	}
	if n, err := strconv.Atoi(arg); err == nil {
		switch {
		case n <= 3:
			return slog.LevelError, nil
		case n == 4:
			return slog.LevelWarn, nil
		case n <= 6:
			return slog.LevelInfo, nil
		default:
			return slog.LevelDebug, nil
		}
	}
	return 0, fmt.Errorf("control: invalid log level %q", arg)
}
