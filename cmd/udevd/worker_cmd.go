//go:build linux

package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tripwire/udevd/internal/broker"
	"github.com/tripwire/udevd/internal/devicedb"
	"github.com/tripwire/udevd/internal/ruleexec"
	"github.com/tripwire/udevd/internal/sink"
	"github.com/tripwire/udevd/internal/workerproc"
)

// workerCmd is the hidden "__worker" re-exec target spawned by
// broker.ExecSpawner.Spawn (spec.md §4.3): one subprocess handles one
// device at a time read as JSON off stdin, reporting completion on
// completionAddr after every device whether or not rule execution ran.
func workerCmd() *cobra.Command {
	var rulesDir, completionAddr, watchAddr, dbBackend, runDir, logLevel string

	cmd := &cobra.Command{
		Use:    "__worker",
		Short:  "Internal rule-execution subprocess (do not run directly)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(logLevel)}))

			store, err := openWorkerStore(dbBackend, runDir, logger)
			if err != nil {
				return err
			}

			var eventSink broker.ProcessedEventSink = sink.NewLoopbackSink(logger)
			if nl, err := sink.Open(logger); err == nil {
				eventSink = nl
			}

			opts := workerproc.Options{
				Properties: environToProperties(os.Environ()),
			}

			return workerproc.Run(
				context.Background(),
				logger,
				os.Stdin,
				opts,
				store,
				eventSink,
				ruleexec.New(rulesDir, logger),
				workerproc.NewFlockLocker(),
				workerproc.WatchClient{Addr: watchAddr},
				completionAddr,
			)
		},
	}

	cmd.Flags().StringVar(&rulesDir, "rules", "", "rule directory to match against")
	cmd.Flags().StringVar(&completionAddr, "completion-socket", "", "unix datagram socket to report completion on")
	cmd.Flags().StringVar(&watchAddr, "watch-socket", "", "unix datagram socket the inotify bridge listens for watch requests on")
	cmd.Flags().StringVar(&dbBackend, "db-backend", "file", "device persistence backend: file or sqlite")
	cmd.Flags().StringVar(&runDir, "run-dir", "/run/udev", "run directory holding device persistence state")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "minimum log level")

	return cmd
}

func openWorkerStore(backend, runDir string, logger *slog.Logger) (devicedb.Store, error) {
	if backend == "sqlite" {
		return devicedb.NewSQLiteStore(filepath.Join(runDir, "devices.db"))
	}
	return devicedb.NewFileStore(runDir, logger)
}

// environToProperties converts the inherited "KEY=VALUE" environment
// (PropertiesSet.Env, appended onto the process environment at spawn time
// per spec.md §3.3) back into a map the worker's rule programs see merged
// with their own match results.
func environToProperties(environ []string) map[string]string {
	props := make(map[string]string, len(environ))
	for _, kv := range environ {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		props[key] = val
	}
	return props
}

var _ workerproc.Watcher = workerproc.WatchClient{}
