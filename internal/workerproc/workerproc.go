//go:build linux

// Package workerproc is the main loop run inside the "udevd __worker"
// re-exec subprocess (spec.md §4.3). It reads one Device at a time off
// its stdin, runs rule execution against it, persists and publishes the
// result, and reports completion back to the parent over a credentialed
// datagram socket, exactly mirroring the steps spec.md §4.3.4 lists for a
// forked child — except "fork" is a fresh process image started by
// internal/broker.ExecSpawner, and every parent/child handoff after that
// is an explicit message over a channel or socket rather than shared
// memory.
package workerproc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/tripwire/udevd/internal/broker"
	"github.com/tripwire/udevd/internal/devicedb"
	"github.com/tripwire/udevd/internal/inotifybridge"
	"github.com/tripwire/udevd/internal/ruleexec"
)

// DevRoot is the directory device nodes live under. Overridable in tests.
var DevRoot = "/dev"

// SysfsRoot is the sysfs mount point used to tell a partition from a
// whole-disk device and device-mapper/md devices from ordinary ones.
// Overridable in tests.
var SysfsRoot = "/sys"

// RuleExecutor is the subset of *ruleexec.Executor the worker loop calls,
// narrowed to an interface so tests can substitute a fake.
type RuleExecutor interface {
	Apply(ctx context.Context, d broker.Device, properties map[string]string, timeout time.Duration) (ruleexec.Result, error)
	RunPrograms(ctx context.Context, d broker.Device, programs []string, timeout time.Duration) error
}

// Watcher lets the worker ask the parent's inotify bridge to start
// watching a devnode (spec.md §4.3 step d), without the worker holding an
// inotify fd itself.
type Watcher interface {
	RequestWatch(d broker.Device, devNodePath string) error
}

// Options configures one worker subprocess run.
type Options struct {
	RuleTimeout time.Duration // per rule-program/RUN+= timeout; defaults to 10s when zero

	// Properties is the PropertiesSet snapshot inherited from the parent at
	// spawn time (spec.md §3.3), read once and never mutated for the life
	// of this process — a reload or SET_ENV kills the worker rather than
	// updating it in place.
	Properties map[string]string
}

// Locker abstracts the advisory flock(2) taken around rule execution for
// non-removal block-device events (spec.md §4.3 step b), so tests don't
// need a real block device node to exercise the loop.
type Locker interface {
	// TryLock attempts a non-blocking shared lock on path. ok is false if
	// the lock is already held exclusively elsewhere.
	TryLock(path string) (unlock func(), ok bool, err error)
}

// Run reads Device messages from in until EOF or ctx is cancelled,
// processing each one per spec.md §4.3.4 and reporting completion for
// every message read, whether or not rule execution actually ran. It
// returns nil on clean EOF (the parent closed the worker's stdin, step h
// turning into "no more devices" rather than "signal").
func Run(ctx context.Context, logger *slog.Logger, in io.Reader, opts Options, store devicedb.Store, sink broker.ProcessedEventSink, rules RuleExecutor, locker Locker, watcher Watcher, completionAddr string) error {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RuleTimeout <= 0 {
		opts.RuleTimeout = 10 * time.Second
	}

	completion, err := dialCompletion(completionAddr)
	if err != nil {
		return fmt.Errorf("workerproc: dial completion socket: %w", err)
	}
	defer completion.Close()

	dec := json.NewDecoder(bufio.NewReader(in))
	for {
		var d broker.Device
		if err := dec.Decode(&d); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("workerproc: decode device: %w", err)
		}

		processOne(ctx, logger, d, opts, store, sink, rules, locker, watcher)

		if err := sendCompletion(completion); err != nil {
			logger.Warn("workerproc: send completion datagram failed", slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

// processOne runs steps a-f of spec.md §4.3.4 for a single device. Errors
// from rule execution or persistence are logged, never fatal to the
// worker: a broken rule program is a per-event error (spec.md §7 kind 1),
// not a reason to stop processing the rest of this worker's lifetime.
func processOne(ctx context.Context, logger *slog.Logger, d broker.Device, opts Options, store devicedb.Store, sink broker.ProcessedEventSink, rules RuleExecutor, locker Locker, watcher Watcher) {
	var unlock func()
	if needsLock(d) {
		path := lockTarget(d)
		u, ok, err := locker.TryLock(path)
		switch {
		case err != nil:
			logger.Warn("workerproc: advisory lock error", slog.String("devpath", d.Devpath), slog.Any("error", err))
		case !ok:
			logger.Warn("workerproc: advisory lock contended, skipping rule execution",
				slog.String("devpath", d.Devpath), slog.Int64("seqnum", d.Seqnum))
			return
		default:
			unlock = u
		}
	}
	if unlock != nil {
		defer unlock()
	}

	result, err := rules.Apply(ctx, d, opts.Properties, opts.RuleTimeout)
	if err != nil {
		logger.Warn("workerproc: rule apply failed", slog.String("devpath", d.Devpath), slog.Any("error", err))
		return
	}
	if err := rules.RunPrograms(ctx, d, result.RunPrograms, opts.RuleTimeout); err != nil {
		logger.Warn("workerproc: RUN+= programs failed", slog.String("devpath", d.Devpath), slog.Any("error", err))
	}

	if d.Action == broker.ActionRemove {
		if err := store.Delete(d); err != nil {
			logger.Warn("workerproc: delete record failed", slog.String("devpath", d.Devpath), slog.Any("error", err))
		}
		if err := store.UntagIndex(d); err != nil {
			logger.Warn("workerproc: untag index failed", slog.String("devpath", d.Devpath), slog.Any("error", err))
		}
	} else {
		if err := store.Record(d, result.Properties); err != nil {
			logger.Warn("workerproc: record failed", slog.String("devpath", d.Devpath), slog.Any("error", err))
		}
		if tags := tagList(result.Properties); len(tags) > 0 {
			if err := store.TagIndex(d, tags); err != nil {
				logger.Warn("workerproc: tag index failed", slog.String("devpath", d.Devpath), slog.Any("error", err))
			}
		}

		if result.Watch && watcher != nil {
			if err := watcher.RequestWatch(d, devNodePath(d)); err != nil {
				logger.Warn("workerproc: watch request failed", slog.String("devpath", d.Devpath), slog.Any("error", err))
			}
		}
	}

	if err := sink.Publish(d); err != nil {
		logger.Warn("workerproc: publish failed", slog.String("devpath", d.Devpath), slog.Any("error", err))
	}
}

// tagList extracts a "TAGS=a:b:c" property, the real udev convention for
// rule-assigned tags, into a slice. Absent or empty means no tags.
func tagList(properties map[string]string) []string {
	raw, ok := properties["TAGS"]
	if !ok || raw == "" {
		return nil
	}
	var tags []string
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ':' {
			if i > start {
				tags = append(tags, raw[start:i])
			}
			start = i + 1
		}
	}
	return tags
}

// needsLock reports whether d is a block-device event requiring the
// shared advisory lock of spec.md §4.3 step b: a non-removal on a block
// device that is not device-mapper or md.
func needsLock(d broker.Device) bool {
	if !d.IsBlock || d.Action == broker.ActionRemove {
		return false
	}
	return !isDeviceMapperOrMD(d.Sysname)
}

var dmMdPrefix = regexp.MustCompile(`^(dm-|md)\d*$`)

func isDeviceMapperOrMD(sysname string) bool {
	return dmMdPrefix.MatchString(sysname)
}

var trailingPartitionNumber = regexp.MustCompile(`^(.*?)(p?\d+)$`)

// lockTarget returns the devnode path to lock: the device's own node, or
// its parent whole-disk node when d is a partition (spec.md §4.3 step b).
func lockTarget(d broker.Device) string {
	if parent, ok := parentWholeDisk(d.Sysname); ok {
		return filepath.Join(DevRoot, parent)
	}
	return devNodePath(d)
}

// parentWholeDisk reports the whole-disk sysname for sysname when sysfs
// confirms it is a partition (a "partition" sysfs attribute file exists),
// using the kernel's own p<n>/<n> partition-suffix convention (e.g.
// "sda1" -> "sda", "nvme0n1p1" -> "nvme0n1").
func parentWholeDisk(sysname string) (string, bool) {
	if _, err := os.Stat(filepath.Join(SysfsRoot, "class", "block", sysname, "partition")); err != nil {
		return "", false
	}
	m := trailingPartitionNumber.FindStringSubmatch(sysname)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// devNodePath is the conventional /dev/<sysname> path for a device node.
func devNodePath(d broker.Device) string {
	return filepath.Join(DevRoot, d.Sysname)
}

// flockLocker is the production Locker, taking a non-blocking shared
// flock(2) on the target path's file descriptor.
type flockLocker struct{}

// NewFlockLocker returns the real Locker used outside of tests.
func NewFlockLocker() Locker { return flockLocker{} }

func (flockLocker) TryLock(path string) (func(), bool, error) {
	fd, err := syscall.Open(path, syscall.O_RDONLY, 0)
	if err != nil {
		return nil, false, fmt.Errorf("workerproc: open %s for lock: %w", path, err)
	}
	if err := syscall.Flock(fd, syscall.LOCK_SH|syscall.LOCK_NB); err != nil {
		syscall.Close(fd)
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("workerproc: flock %s: %w", path, err)
	}
	var once sync.Once
	unlock := func() {
		once.Do(func() {
			syscall.Flock(fd, syscall.LOCK_UN) //nolint:errcheck
			syscall.Close(fd)
		})
	}
	return unlock, true, nil
}

func dialCompletion(addr string) (io.WriteCloser, error) {
	fd, err := syscall.Socket(syscall.AF_UNIX, syscall.SOCK_DGRAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	sa := &syscall.SockaddrUnix{Name: addr}
	if err := syscall.Connect(fd, sa); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	return &fdWriteCloser{fd: fd}, nil
}

type fdWriteCloser struct{ fd int }

func (w *fdWriteCloser) Write(p []byte) (int, error) { return syscall.Write(w.fd, p) }
func (w *fdWriteCloser) Close() error                 { return syscall.Close(w.fd) }

// sendCompletion writes the fixed-size (one zero byte) completion
// datagram spec.md §4.3 step g describes; the parent identifies the
// sender by SCM_CREDENTIALS ancillary data, not by payload, so the
// payload itself carries no information.
func sendCompletion(w io.Writer) error {
	_, err := w.Write([]byte{0})
	return err
}

// WatchClient is the production Watcher, dialing the parent's
// watch-request socket for every request (spec.md §4.3 step d).
type WatchClient struct{ Addr string }

func (c WatchClient) RequestWatch(d broker.Device, devNode string) error {
	return inotifybridge.RequestWatch(c.Addr, d, devNode)
}
