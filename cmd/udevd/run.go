//go:build linux

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tripwire/udevd/internal/auditlog"
	"github.com/tripwire/udevd/internal/broker"
	"github.com/tripwire/udevd/internal/config"
	"github.com/tripwire/udevd/internal/debugapi"
	"github.com/tripwire/udevd/internal/devicedb"
	"github.com/tripwire/udevd/internal/inotifybridge"
	"github.com/tripwire/udevd/internal/metrics"
	"github.com/tripwire/udevd/internal/sink"
	"github.com/tripwire/udevd/internal/ueventsrc"
)

// runDaemon wires every component spec.md describes into one running
// reactor and blocks until a full drain completes, in this startup
// order: load config, open persistence and the
// audit log, bind the control/completion/watch sockets, start the netlink
// and inotify sources, then hand everything to the reactor's single
// goroutine.
func runDaemon(configPath, cmdlinePath string, overrides cliOverrides) error {
	cfg, err := config.Load(configPath, cmdlinePath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyCLIOverrides(cfg, overrides)

	levelVar := &slog.LevelVar{}
	levelVar.Set(parseLevel(cfg.LogLevel))
	if overrides.debug {
		levelVar.Set(slog.LevelDebug)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.RunDir, 0o755); err != nil {
		return fmt.Errorf("create run dir %q: %w", cfg.RunDir, err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.ControlSocketPath), 0o755); err != nil {
		return fmt.Errorf("create control socket dir: %w", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.NewSet(reg)

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open device store: %w", err)
	}

	audit, err := auditlog.Open(filepath.Join(cfg.RunDir, "audit.log"))
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer audit.Close()

	var netSink broker.ProcessedEventSink = sink.NewLoopbackSink(logger)
	if nl, err := sink.Open(logger); err != nil {
		logger.Warn("netlink sink unavailable, falling back to loopback", slog.Any("error", err))
	} else {
		defer nl.Close()
		netSink = nl
	}

	completionAddr := filepath.Join(cfg.RunDir, "worker-completion.sock")
	watchAddr := filepath.Join(cfg.RunDir, "worker-watch.sock")

	completionReader, err := broker.NewCompletionReader(completionAddr)
	if err != nil {
		return fmt.Errorf("open completion socket: %w", err)
	}
	defer completionReader.Close()

	bridge, err := inotifybridge.Open(logger)
	if err != nil {
		return fmt.Errorf("open inotify bridge: %w", err)
	}
	if err := bridge.ListenWatchRequests(watchAddr); err != nil {
		return fmt.Errorf("listen watch-request socket: %w", err)
	}

	spawner := broker.NewExecSpawner(os.Args[0], completionAddr, watchAddr, cfg.RuleDirectory, cfg.DBBackend, cfg.RunDir, cfg.LogLevel)

	childrenMax := cfg.ChildrenMax
	if overrides.childrenMax > 0 {
		childrenMax = overrides.childrenMax
	}
	if childrenMax <= 0 {
		childrenMax = 8 + 2*runtime.NumCPU()
	}

	props := broker.NewPropertiesSet()
	evQueue := broker.NewEventQueue(logger)
	pool := broker.NewWorkerPool(spawner, evQueue, store, netSink, props, m, logger, childrenMax)
	control := broker.NewControlPlane(evQueue, pool, props, levelVar, audit, m, logger)
	b := broker.New(evQueue, pool, props, control, m, logger)

	sup := broker.NewSupervisor(b, filepath.Join(cfg.RunDir, "queue"), logger)

	ctlListener, err := newControlListener(cfg.ControlSocketPath, logger)
	if err != nil {
		return fmt.Errorf("open control socket: %w", err)
	}
	defer ctlListener.Close()

	uevents, err := ueventsrc.Open(context.Background(), logger)
	var uSrc broker.UeventSource
	if err != nil {
		logger.Warn("netlink uevent source unavailable, falling back to loopback", slog.Any("error", err))
		uSrc = ueventsrc.NewLoopbackSource(256)
	} else {
		defer uevents.Close()
		uSrc = uevents
	}

	completions := newCompletionPump(completionReader)
	childExits := newChildReaper()

	r := broker.NewReactor(b, sup, uSrc, bridge, completions, childExits, ctlListener,
		cfg.WarnTimeoutSeconds(), cfg.EventTimeoutSeconds, logger)
	if cfg.ExecDelaySeconds > 0 {
		r.SetExecDelay(time.Duration(cfg.ExecDelaySeconds) * time.Second)
	}

	snapshotReqs := make(chan broker.SnapshotRequest)
	r.SetSnapshotRequests(snapshotReqs)

	debugSrv := &http.Server{
		Addr:    cfg.DebugAddr,
		Handler: debugapi.NewRouter(sup, debugapi.ReactorSnapshotter{Requests: snapshotReqs}, reg),
	}
	go func() {
		if err := debugSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("debug server error", slog.Any("error", err))
		}
	}()
	defer debugSrv.Shutdown(context.Background())

	bridgeCtx, cancelBridge := context.WithCancel(context.Background())
	defer cancelBridge()
	go bridge.Run(bridgeCtx)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("udevd starting",
		slog.Int("children_max", childrenMax),
		slog.String("rule_directory", cfg.RuleDirectory),
		slog.String("db_backend", cfg.DBBackend),
		slog.String("control_socket", cfg.ControlSocketPath),
	)

	r.Run(ctx)

	logger.Info("udevd exited cleanly")
	return nil
}

func applyCLIOverrides(cfg *config.Config, o cliOverrides) {
	if o.childrenMax > 0 {
		cfg.ChildrenMax = o.childrenMax
	}
	if o.execDelay >= 0 {
		cfg.ExecDelaySeconds = o.execDelay
	}
	if o.eventTimeout > 0 {
		cfg.EventTimeoutSeconds = o.eventTimeout
	}
	if o.resolveNames != "" {
		cfg.ResolveNames = o.resolveNames
	}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openStore builds the devicedb.Store config.yaml's db_backend selects:
// the literal file-tree contract, or the sqlite-indexed variant built on
// the same modernc.org/sqlite driver the teacher's internal/queue used for
// its local alert queue.
func openStore(cfg *config.Config) (devicedb.Store, error) {
	switch cfg.DBBackend {
	case "sqlite":
		return devicedb.NewSQLiteStore(filepath.Join(cfg.RunDir, "devices.db"))
	default:
		return devicedb.NewFileStore(cfg.RunDir, slog.Default())
	}
}
