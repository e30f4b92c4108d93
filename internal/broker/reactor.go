package broker

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// idlePollInterval is the cadence of Run's periodic tick (worker timeout
// sweep and idle-worker recycling); it doubles as the step-1 timeout while
// events or workers exist.
const idlePollInterval = 3 * time.Second

// idleDrainTimeout is the step-1 timeout while the supervisor is draining
// on shutdown.
const idleDrainTimeout = 30 * time.Second

// idleMaxWait bounds the step-1 "-1" (block forever) case so a dropped
// wakeup signal can never wedge the reactor indefinitely.
const idleMaxWait = 30 * time.Second

// UeventSource delivers decoded kernel device-change events (or, from the
// inotify bridge, synthesized ones) to the reactor. Implemented by
// internal/ueventsrc's netlink reader and by internal/inotifybridge.
type UeventSource interface {
	// Events returns a channel the reactor drains every pass. The
	// implementation owns its own blocking-I/O pump goroutine.
	Events() <-chan Device
}

// CompletionSource delivers (pid, hasCreds) pairs decoded from worker
// completion datagrams (spec.md §4.3 step 4.g, §4.4 on_completion).
type CompletionSource interface {
	Completions() <-chan CompletionMsg
}

// CompletionMsg is one decoded completion datagram.
type CompletionMsg struct {
	PID      int
	HasCreds bool
}

// ControlSource delivers already-framed raw control-socket messages for
// ParseCommand to decode (spec.md §4.5).
type ControlSource interface {
	Messages() <-chan []byte
}

// ChildExitSource delivers reaped worker exit notifications. In production
// this is fed by a SIGCHLD handler that calls wait4/syscall.Wait4 in a loop;
// it is its own source (rather than folded into the signal channel) so the
// reactor can distinguish "a worker died" from "please shut down."
type ChildExitSource interface {
	Exits() <-chan ChildExit
}

// ChildExit is one reaped worker process.
type ChildExit struct {
	PID int
	Err error
}

// Reactor is the single goroutine that owns all of the Broker's mutable
// state and drains its five input sources in the fixed priority order
// spec.md §4.1 step 3 requires: worker-results, netlink uevents, signals,
// then (if not exiting) inotify, then control. Go's select over multiple
// ready channels chooses uniformly at random, which would violate that
// ordering, so each pass below is an explicit, non-random priority drain
// instead of a single select.
type Reactor struct {
	broker     *Broker
	supervisor *Supervisor

	uevents     UeventSource
	inotify     UeventSource
	completions CompletionSource
	childExits  ChildExitSource
	control     ControlSource
	snapshots   <-chan SnapshotRequest

	warnSeconds  int
	fatalSeconds int
	execDelay    time.Duration

	logger *slog.Logger

	// pending* hold a single item pulled out early by waitForReadiness's
	// select (the only way to block on several typed channels at once is
	// to actually receive from whichever is ready first). The matching
	// drain* method consumes it before going back to its own channel, so
	// the fixed priority order and exactly-once delivery are preserved.
	pendingUevent     *Device
	pendingInotify    *Device
	pendingCompletion *CompletionMsg
	pendingChildExit  *ChildExit
	pendingControl    []byte
}

// NewReactor wires a Reactor to its Broker, Supervisor, and input sources.
func NewReactor(b *Broker, sup *Supervisor, uevents, inotify UeventSource, completions CompletionSource, childExits ChildExitSource, control ControlSource, warnSeconds, fatalSeconds int, logger *slog.Logger) *Reactor {
	return &Reactor{
		broker:       b,
		supervisor:   sup,
		uevents:      uevents,
		inotify:      inotify,
		completions:  completions,
		childExits:   childExits,
		control:      control,
		warnSeconds:  warnSeconds,
		fatalSeconds: fatalSeconds,
		logger:       logger,
	}
}

// SetSnapshotRequests wires an optional diagnostic channel the reactor
// drains at the lowest priority, after every spec-mandated source and
// after dispatch, so answering a /debug/queue request can never reorder
// or delay real event handling (SPEC_FULL.md §4.7).
func (r *Reactor) SetSnapshotRequests(ch <-chan SnapshotRequest) {
	r.snapshots = ch
}

// SetExecDelay wires config.yaml's exec_delay_seconds: every dispatch pass
// sleeps this long first, slowing event throughput down deliberately for
// reproducing storms under test. Zero (the default) disables the delay.
func (r *Reactor) SetExecDelay(d time.Duration) {
	r.execDelay = d
}

// Run blocks, executing the reactor loop until the supervisor reaches
// Stopped. Canceling ctx, like EXIT or SIGTERM/SIGINT, starts that shutdown
// sequence (Draining) rather than returning at once. It is meant to be
// the single call cmd/udevd makes on its main goroutine after wiring
// everything else up.
func (r *Reactor) Run(ctx context.Context) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	r.supervisor.MarkRunning()

	ticker := time.NewTicker(idlePollInterval)
	defer ticker.Stop()

	for {
		if r.supervisor.Stopped() {
			return
		}

		exiting := r.broker.Control.Exit || r.supervisor.State() == StateDraining

		// spec.md §4.1 steps 1-2: compute a timeout and wait for
		// readiness before touching any source, so an idle daemon parks
		// instead of busy-spinning. A plain Go select can't honor the
		// five-source priority order directly (it picks uniformly among
		// ready cases), so it is used here only to block until *something*
		// is ready or the timeout elapses; the actual handling below still
		// runs as a fixed-order, non-blocking drain.
		wakeSignal := r.waitForReadiness(ctx, sigCh, exiting)

		// 1. worker-results: drain every ready completion first so newly
		// idle workers are visible to the dispatch pass below.
		r.drainCompletions()

		// drain reaped child exits alongside completions; both represent
		// "a worker process changed state" and must be visible before the
		// uevent/dispatch step that follows.
		r.drainChildExits()

		// 2. netlink uevents (or their test/loopback equivalent).
		r.drainUevents(r.uevents, true)

		// 3. signals, before rule reload and control handling. A signal
		// that woke waitForReadiness is handled here rather than re-read,
		// since it has already been consumed from sigCh.
		if wakeSignal != nil {
			r.handleSignal(wakeSignal)
		} else {
			select {
			case sig := <-sigCh:
				r.handleSignal(sig)
			default:
			}
		}

		// 4. inotify, unless exiting.
		if !exiting {
			r.drainUevents(r.inotify, false)
		}

		// 5. control socket.
		r.drainControl()

		// A SIGHUP-triggered reload (handled above, outside ControlPlane)
		// still needs the same kill-all-and-clear treatment spec.md §4.1
		// step 5 gives a RELOAD command.
		if r.broker.Control.Reload {
			r.broker.Pool.KillAll("reload")
			r.broker.Control.Reload = false
		}

		// Every 3s: run the worker timeout sweep and, when the queue is
		// empty, recycle idle workers. This tick does not poll the rule set
		// or any timestamps and never sets Reload; Reload is set only by a
		// RELOAD command or SIGHUP.
		select {
		case <-ticker.C:
			r.broker.Pool.TimeoutSweep(r.warnSeconds, r.fatalSeconds)
			if r.broker.Queue.IsEmpty() {
				r.broker.KillIdle()
			}
		default:
		}

		// Step 6: after reading results and uevents, attempt dispatch
		// unless paused or exiting.
		if !exiting {
			if r.execDelay > 0 {
				time.Sleep(r.execDelay)
			}
			r.broker.Dispatch()
		}

		// Lowest priority of all: answer any pending diagnostic snapshot
		// request. This never influences queue/pool state and so can never
		// violate the fixed processing order above.
		r.drainSnapshotRequests()

		r.supervisor.Tick()

		if r.broker.Control.Exit && r.supervisor.State() == StateRunning {
			r.supervisor.BeginDraining()
		}

		select {
		case <-ctx.Done():
			if r.supervisor.State() == StateRunning {
				r.supervisor.BeginDraining()
			}
		default:
		}
	}
}

// waitForReadiness blocks until some source has work, the computed timeout
// elapses, or ctx is canceled. It implements spec.md §4.1 steps 1-2 (-1 when
// fully idle, 3s when events or workers exist, 30s during shutdown drain).
// A Go select can't honor the five-source priority order by itself (it
// picks uniformly among ready cases) and receiving is the only way to test
// readiness on a typed channel, so whichever source wins the race has its
// item stashed in the matching pending* field instead of being handled
// here; the fixed-priority drain* methods below check that field before
// going back to the channel, so ordering and exactly-once delivery both
// hold.
func (r *Reactor) waitForReadiness(ctx context.Context, sigCh <-chan os.Signal, exiting bool) os.Signal {
	if r.hasPending() {
		return nil
	}

	var timeout <-chan time.Time
	switch {
	case exiting:
		timeout = time.After(idleDrainTimeout)
	case !r.broker.Queue.IsEmpty() || r.broker.Pool.Size() > 0:
		timeout = time.After(idlePollInterval)
	default:
		// Fully idle: no computed timeout (spec.md's "-1"). Still bounded
		// by a long ceiling so a missed wakeup can't wedge the daemon
		// forever; ctx.Done() remains the real way to unblock on shutdown.
		timeout = time.After(idleMaxWait)
	}

	var inotifyEvents <-chan Device
	if !exiting && r.inotify != nil {
		inotifyEvents = r.inotify.Events()
	}
	var uevents <-chan Device
	if r.uevents != nil {
		uevents = r.uevents.Events()
	}
	var completions <-chan CompletionMsg
	if r.completions != nil {
		completions = r.completions.Completions()
	}
	var childExits <-chan ChildExit
	if r.childExits != nil {
		childExits = r.childExits.Exits()
	}
	var control <-chan []byte
	if r.control != nil {
		control = r.control.Messages()
	}

	select {
	case d, ok := <-uevents:
		if ok {
			r.pendingUevent = &d
		}
	case d, ok := <-inotifyEvents:
		if ok {
			r.pendingInotify = &d
		}
	case msg, ok := <-completions:
		if ok {
			r.pendingCompletion = &msg
		}
	case exit, ok := <-childExits:
		if ok {
			r.pendingChildExit = &exit
		}
	case raw, ok := <-control:
		if ok {
			r.pendingControl = raw
		}
	case sig := <-sigCh:
		return sig
	case <-timeout:
	case <-ctx.Done():
	}
	return nil
}

// hasPending reports whether a prior waitForReadiness call already pulled
// an item out of some channel that the fixed-order drains haven't consumed
// yet. When true, the next loop pass must skip blocking again so that item
// gets handled instead of the reactor waiting on an already-drained source.
func (r *Reactor) hasPending() bool {
	return r.pendingUevent != nil || r.pendingInotify != nil || r.pendingCompletion != nil ||
		r.pendingChildExit != nil || r.pendingControl != nil
}

func (r *Reactor) drainCompletions() {
	if msg := r.pendingCompletion; msg != nil {
		r.pendingCompletion = nil
		r.broker.HandleCompletion(msg.PID, msg.HasCreds)
	}
	if r.completions == nil {
		return
	}
	for {
		select {
		case msg := <-r.completions.Completions():
			r.broker.HandleCompletion(msg.PID, msg.HasCreds)
		default:
			return
		}
	}
}

func (r *Reactor) drainChildExits() {
	if exit := r.pendingChildExit; exit != nil {
		r.pendingChildExit = nil
		r.broker.HandleChildExit(exit.PID, exit.Err)
	}
	if r.childExits == nil {
		return
	}
	for {
		select {
		case exit := <-r.childExits.Exits():
			r.broker.HandleChildExit(exit.PID, exit.Err)
		default:
			return
		}
	}
}

// drainUevents drains src, a raw kernel-uevent or inotify-bridge source.
// isPrimary selects which pending slot (uevent vs. inotify) waitForReadiness
// may have already filled for this source.
func (r *Reactor) drainUevents(src UeventSource, isPrimary bool) {
	var pending **Device
	if isPrimary {
		pending = &r.pendingUevent
	} else {
		pending = &r.pendingInotify
	}
	if d := *pending; d != nil {
		*pending = nil
		r.broker.Insert(*d)
	}
	if src == nil {
		return
	}
	for {
		select {
		case d := <-src.Events():
			r.broker.Insert(d)
		default:
			return
		}
	}
}

func (r *Reactor) drainControl() {
	if raw := r.pendingControl; raw != nil {
		r.pendingControl = nil
		r.handleControlMessage(raw)
	}
	if r.control == nil {
		return
	}
	for {
		select {
		case raw := <-r.control.Messages():
			r.handleControlMessage(raw)
		default:
			return
		}
	}
}

func (r *Reactor) handleControlMessage(raw []byte) {
	cmd, err := ParseCommand(raw)
	if err != nil {
		r.logger.Warn("discarding malformed control message", slog.Any("error", err))
		return
	}
	r.broker.HandleControl(cmd)
}

func (r *Reactor) drainSnapshotRequests() {
	if r.snapshots == nil {
		return
	}
	for {
		select {
		case req := <-r.snapshots:
			req.Reply <- r.broker.Snapshot()
		default:
			return
		}
	}
}

func (r *Reactor) handleSignal(sig os.Signal) {
	switch sig {
	case syscall.SIGHUP:
		r.broker.Control.Reload = true
		r.logger.Info("reload requested via SIGHUP")
	case syscall.SIGTERM, syscall.SIGINT:
		r.broker.Control.Exit = true
		r.logger.Info("shutdown requested via signal", slog.String("signal", sig.String()))
	}
}
