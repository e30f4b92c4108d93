package broker

import (
	"log/slog"
	"time"

	"github.com/tripwire/udevd/internal/metrics"
)

// WorkerPool spawns, recycles, times out, and reaps the worker subprocesses
// that execute rules on the broker's behalf (spec.md §4.4). It is owned
// exclusively by the reactor goroutine.
type WorkerPool struct {
	workers     map[int]*Worker // pid -> worker
	childrenMax int

	spawner     Spawner
	queue       *EventQueue
	persistence DevicePersistence
	sink        ProcessedEventSink
	properties  *PropertiesSet
	metrics     *metrics.Set
	logger      *slog.Logger

	now func() time.Time // overridable for tests
}

// NewWorkerPool constructs a WorkerPool. childrenMax must be >= 1.
func NewWorkerPool(spawner Spawner, queue *EventQueue, persistence DevicePersistence, sink ProcessedEventSink, properties *PropertiesSet, m *metrics.Set, logger *slog.Logger, childrenMax int) *WorkerPool {
	return &WorkerPool{
		workers:     make(map[int]*Worker),
		childrenMax: childrenMax,
		spawner:     spawner,
		queue:       queue,
		persistence: persistence,
		sink:        sink,
		properties:  properties,
		metrics:     m,
		logger:      logger,
		now:         time.Now,
	}
}

// SetChildrenMax updates the cap. Pre-existing workers beyond the new cap
// are not culled (spec.md §4.5 SET_MAX_CHILDREN).
func (p *WorkerPool) SetChildrenMax(n int) { p.childrenMax = n }

// Size returns the current worker-population count.
func (p *WorkerPool) Size() int { return len(p.workers) }

// Counts returns (running, idle) worker counts, used for metrics and the
// debug snapshot.
func (p *WorkerPool) Counts() (running, idle int) {
	for _, w := range p.workers {
		switch w.State {
		case WorkerRunning:
			running++
		case WorkerIdle:
			idle++
		}
	}
	return running, idle
}

// Dispatch implements spec.md §4.4 dispatch: reuse an idle worker if one
// exists, else spawn a new one if under cap, else leave the event Queued.
// It satisfies the EventQueue.Dispatcher interface.
func (p *WorkerPool) Dispatch(e *Event) bool {
	env := p.properties.Env()

	for pid, w := range p.workers {
		if w.State != WorkerIdle {
			continue
		}
		if err := w.Send(e.Device); err != nil {
			// Unicast send failure: the worker is broken. Kill it and fall
			// through to try another idle worker or spawn fresh.
			p.logger.Warn("worker send failed, killing", slog.Int("pid", pid), slog.Any("error", err))
			w.Kill()
			w.State = WorkerKilled
			p.metrics.RecordKill("send-failure")
			continue
		}
		w.State = WorkerRunning
		p.queue.Attach(e, pid, p.now().UnixNano())
		p.metrics.RecordDispatch()
		return true
	}

	if len(p.workers) >= p.childrenMax {
		return false
	}

	w, err := p.spawner.Spawn(e.Device, env)
	if err != nil {
		p.logger.Error("failed to spawn worker", slog.Any("error", err), slog.Int64("seqnum", e.Seqnum))
		return false
	}
	w.State = WorkerRunning
	p.workers[w.PID] = w
	p.queue.Attach(e, w.PID, p.now().UnixNano())
	p.metrics.RecordSpawn()
	p.metrics.RecordDispatch()
	return true
}

// OnCompletion handles a worker's zero-length completion datagram (spec.md
// §4.4 on_completion). pid is derived from the datagram's ancillary
// credentials by the caller (internal/ueventsrc-style SCM_CREDENTIALS
// decode) and hasCreds reports whether those credentials were present and
// trustworthy; per spec.md §4.4, a message with missing or unknown
// credentials is dropped.
func (p *WorkerPool) OnCompletion(pid int, hasCreds bool) {
	if !hasCreds {
		p.logger.Warn("completion datagram missing credentials, dropped")
		return
	}
	w, ok := p.workers[pid]
	if !ok {
		p.logger.Warn("completion datagram from unknown worker, dropped", slog.Int("pid", pid))
		return
	}
	if w.State == WorkerRunning {
		w.State = WorkerIdle
	}
	// P7: a repeated completion for an already-idle worker is a no-op.
	if e := p.queue.Detach(pid); e == nil {
		p.logger.Debug("completion for worker with no attached event (idempotent)", slog.Int("pid", pid))
	}
}

// OnChildExit handles SIGCHLD reaping of a worker's OS process (spec.md
// §4.4 on_child_exit). If the worker died while holding an event, its
// device-database record is deleted, its indices are untagged, and the
// original kernel event is re-published unprocessed so downstream
// subscribers still observe it — with no retry (spec.md §9 open question,
// resolved: matches upstream behavior).
func (p *WorkerPool) OnChildExit(pid int, exitErr error) {
	w, ok := p.workers[pid]
	if !ok {
		return
	}
	delete(p.workers, pid)

	e := p.queue.Detach(pid)
	if e == nil {
		return
	}

	logger := p.logger.With(slog.Int("pid", pid), slog.Int64("seqnum", e.Seqnum), slog.String("devpath", e.Devpath))
	logger.Warn("worker died while holding an event", slog.Any("exit_error", exitErr))

	if p.persistence != nil {
		if err := p.persistence.Delete(e.Device); err != nil {
			logger.Warn("failed to delete device persistence record", slog.Any("error", err))
		}
		if err := p.persistence.UntagIndex(e.Device); err != nil {
			logger.Warn("failed to untag device index", slog.Any("error", err))
		}
	}
	if p.sink != nil {
		if err := p.sink.Publish(e.Device); err != nil {
			logger.Warn("failed to re-publish unprocessed device", slog.Any("error", err))
		}
	}
	p.metrics.RecordDrop("worker-fatal")
	_ = w
}

// KillAll sends a termination signal to every non-Killed worker and marks
// them Killed (spec.md §4.4 kill_all; used by RELOAD, SET_LOG_LEVEL,
// SET_ENV, and shutdown). Events owned by killed workers are dropped
// outright per the spec.md §9 open-question resolution: downstream
// subscribers see neither the processed nor the original event for that
// seqnum, matching upstream udevd. Every dropped seqnum is logged so the
// behavior is at least observable.
func (p *WorkerPool) KillAll(reason string) {
	for pid, w := range p.workers {
		if w.State == WorkerKilled {
			continue
		}
		if e := p.queue.Detach(pid); e != nil {
			p.logger.Warn("dropping in-flight event on kill_all", slog.String("reason", reason), slog.Int64("seqnum", e.Seqnum))
			p.metrics.RecordDrop(reason)
		}
		if err := w.Kill(); err != nil {
			p.logger.Warn("failed to kill worker", slog.Int("pid", pid), slog.Any("error", err))
		}
		w.State = WorkerKilled
		p.metrics.RecordKill(reason)
	}
}

// TimeoutSweep implements spec.md §4.4 timeout_sweep: workers running past
// warnSeconds get one warning; workers running past fatalSeconds are
// SIGKILLed and marked Killed. The actual event/database cleanup happens
// later, in OnChildExit, once the kernel reaps the killed process.
func (p *WorkerPool) TimeoutSweep(warnSeconds, fatalSeconds int) {
	now := p.now()
	for pid, w := range p.workers {
		if w.State != WorkerRunning {
			continue
		}
		e := p.queue.EventForPID(pid)
		if e == nil {
			continue
		}
		elapsed := now.Sub(time.Unix(0, e.StartTime))

		if elapsed > time.Duration(fatalSeconds)*time.Second {
			p.logger.Error("worker exceeded fatal event timeout, killing",
				slog.Int("pid", pid), slog.Int64("seqnum", e.Seqnum), slog.Duration("elapsed", elapsed))
			if err := w.Kill(); err != nil {
				p.logger.Warn("failed to kill timed-out worker", slog.Int("pid", pid), slog.Any("error", err))
			}
			w.State = WorkerKilled
			p.metrics.RecordKill("timeout")
			continue
		}

		if !e.Warned && elapsed > time.Duration(warnSeconds)*time.Second {
			e.Warned = true
			p.logger.Warn("worker taking a long time",
				slog.Int("pid", pid), slog.Int64("seqnum", e.Seqnum), slog.Duration("elapsed", elapsed))
		}
	}
}

// KillIdle recycles idle workers when the queue is empty, to bound the
// long-run process count (spec.md §4.4 kill_idle). Closing a worker's
// stdin channel is a clean shutdown request, not a kill: the child exits
// once it observes EOF, and its exit is reaped normally through
// OnChildExit (which finds no attached event and does nothing further).
func (p *WorkerPool) KillIdle() {
	for pid, w := range p.workers {
		if w.State != WorkerIdle {
			continue
		}
		if err := w.Close(); err != nil {
			p.logger.Debug("failed to close idle worker channel", slog.Int("pid", pid), slog.Any("error", err))
		}
	}
}
