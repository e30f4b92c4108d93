package broker

import (
	"log/slog"

	"github.com/tripwire/udevd/internal/metrics"
)

// Broker aggregates the pieces of mutable state every handler operates on:
// the event queue, the worker pool, the property set workers inherit, and
// the control-plane flags that gate dispatch and shutdown (spec.md §9's
// design note that every handler takes the Broker, rather than each
// operating on its own private slice of state). It is owned exclusively by
// the single reactor goroutine (spec.md §5).
type Broker struct {
	Queue      *EventQueue
	Pool       *WorkerPool
	Properties *PropertiesSet
	Control    *ControlPlane

	metrics *metrics.Set
	logger  *slog.Logger
}

// New wires together a Broker from its already-constructed parts. Callers
// (cmd/udevd) are responsible for constructing the EventQueue, WorkerPool,
// PropertiesSet, and ControlPlane with their own collaborators first.
func New(queue *EventQueue, pool *WorkerPool, properties *PropertiesSet, control *ControlPlane, m *metrics.Set, logger *slog.Logger) *Broker {
	return &Broker{
		Queue:      queue,
		Pool:       pool,
		Properties: properties,
		Control:    control,
		metrics:    m,
		logger:     logger,
	}
}

// Insert adds a newly observed device to the queue (spec.md §4.2 insert).
// It does not attempt dispatch; the reactor calls Start explicitly after
// draining all ready sources for this pass.
func (b *Broker) Insert(d Device) *Event {
	return b.Queue.Insert(d)
}

// Dispatch attempts to dispatch every eligible Queued event, unless
// dispatch has been paused via STOP_EXEC_QUEUE.
func (b *Broker) Dispatch() {
	if b.Control.StopExecQueue {
		return
	}
	b.Queue.Start(b.Pool)
	b.reportGauges()
}

// HandleCompletion processes one worker completion datagram.
func (b *Broker) HandleCompletion(pid int, hasCreds bool) {
	b.Pool.OnCompletion(pid, hasCreds)
	b.reportGauges()
}

// HandleChildExit processes one reaped worker process.
func (b *Broker) HandleChildExit(pid int, exitErr error) {
	b.Pool.OnChildExit(pid, exitErr)
	b.reportGauges()
}

// HandleControl applies one decoded control-socket command and reports
// whether the broker should now begin shutting down.
func (b *Broker) HandleControl(cmd Command) (shouldExit bool) {
	b.Control.Handle(cmd)
	if b.Control.Reload {
		b.Pool.KillAll("reload")
		b.Control.Reload = false
	}
	b.reportGauges()
	return b.Control.Exit
}

// TimeoutSweep and KillIdle are exposed directly for the reactor's
// periodic tick; they need no broker-level wrapping beyond the gauge
// refresh every mutation already triggers elsewhere.
func (b *Broker) TimeoutSweep(warnSeconds, fatalSeconds int) {
	b.Pool.TimeoutSweep(warnSeconds, fatalSeconds)
	b.reportGauges()
}

func (b *Broker) KillIdle() {
	b.Pool.KillIdle()
}

// Idle reports whether the broker has no queued/running events and no
// tracked workers — the condition that drives the /run/udev/queue marker
// file (spec.md §4.7).
func (b *Broker) Idle() bool {
	return b.Queue.IsEmpty() && b.Pool.Size() == 0
}

func (b *Broker) reportGauges() {
	running, idle := b.Pool.Counts()
	b.metrics.SetGauges(running, idle, b.Queue.Len())
}
