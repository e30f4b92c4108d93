// Command udevd is the device-event broker daemon. It loads YAML
// configuration layered with kernel-command-line overrides, wires the
// reactor and its five event sources, and blocks until a clean drain
// completes. A hidden "__worker" subcommand re-execs the same binary as
// the per-event rule-execution subprocess (spec.md §4.3).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is overridden at build time via -ldflags, matching the
// pack's convention for embedding a build-time version string.
var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "udevd: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath, cmdlinePath string
	var daemonize, debug bool
	var childrenMax, execDelay, eventTimeout int
	var resolveNames string

	root := &cobra.Command{
		Use:     "udevd",
		Short:   "Device-event broker daemon",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides := cliOverrides{
				daemonize:    daemonize,
				debug:        debug,
				childrenMax:  childrenMax,
				execDelay:    execDelay,
				eventTimeout: eventTimeout,
				resolveNames: resolveNames,
			}
			return runDaemon(configPath, cmdlinePath, overrides)
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "/etc/udevd/config.yaml", "path to the YAML configuration file")
	root.PersistentFlags().StringVar(&cmdlinePath, "cmdline", "/proc/cmdline", "path to the kernel command line (pass empty string to skip)")
	root.Flags().BoolVar(&daemonize, "daemon", false, "run in the background (no-op here; process supervision is external)")
	root.Flags().BoolVar(&debug, "debug", false, "force debug-level logging regardless of config/cmdline")
	root.Flags().IntVar(&childrenMax, "children-max", 0, "override children_max (0 = use config/default)")
	root.Flags().IntVar(&execDelay, "exec-delay", -1, "override exec_delay_seconds (-1 = use config/default)")
	root.Flags().IntVar(&eventTimeout, "event-timeout", 0, "override event_timeout_seconds (0 = use config/default)")
	root.Flags().StringVar(&resolveNames, "resolve-names", "", "override resolve_names: early, late, or never")

	root.AddCommand(workerCmd())

	return root
}

// cliOverrides carries spec.md §6's "--flag" layer, which takes precedence
// over both the kernel command line and the YAML file.
type cliOverrides struct {
	daemonize    bool
	debug        bool
	childrenMax  int
	execDelay    int
	eventTimeout int
	resolveNames string
}
