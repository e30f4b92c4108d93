package broker

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// chanUeventSource adapts a plain channel to the UeventSource interface.
type chanUeventSource struct{ ch chan Device }

func (s *chanUeventSource) Events() <-chan Device { return s.ch }

type chanControlSource struct{ ch chan []byte }

func (s *chanControlSource) Messages() <-chan []byte { return s.ch }

// noopLevelSetter discards SET_LOG_LEVEL updates; the reactor tests only
// care that the command is parsed and dispatched to ControlPlane, not that
// a real slog.LevelVar gets updated.
type noopLevelSetter struct{}

func (noopLevelSetter) Set(slog.Level) {}

func newTestBrokerForReactor(t *testing.T) *Broker {
	t.Helper()
	logger := newTestLogger()
	queue := NewEventQueue(logger)
	pool := NewWorkerPool(&fakeSpawner{}, queue, &fakePersistence{}, &fakeSink{}, NewPropertiesSet(), nil, logger, 2)
	control := NewControlPlane(queue, pool, NewPropertiesSet(), noopLevelSetter{}, nil, nil, logger)
	return New(queue, pool, NewPropertiesSet(), control, nil, logger)
}

func newTestReactor(t *testing.T, uevents UeventSource, control ControlSource) *Reactor {
	t.Helper()
	b := newTestBrokerForReactor(t)
	sup := NewSupervisor(b, filepath.Join(t.TempDir(), "queue"), newTestLogger())
	return NewReactor(b, sup, uevents, nil, nil, nil, control, 180, 540, newTestLogger())
}

// TestReactorWaitDoesNotDropEvent verifies that an event delivered to the
// uevent channel while the reactor is blocked in waitForReadiness is still
// inserted into the queue exactly once: waitForReadiness's select must
// consume from the channel to detect readiness, and that consumed value
// has to survive into drainUevents via the pending* replay mechanism
// rather than being silently discarded.
func TestReactorWaitDoesNotDropEvent(t *testing.T) {
	uevents := &chanUeventSource{ch: make(chan Device, 1)}
	r := newTestReactor(t, uevents, nil)

	uevents.ch <- Device{Seqnum: 1, Devpath: "/devices/pci/a"}

	ctx := context.Background()
	if sig := r.waitForReadiness(ctx, make(chan os.Signal), false); sig != nil {
		t.Fatalf("expected no signal, got %v", sig)
	}
	if r.pendingUevent == nil {
		t.Fatal("expected waitForReadiness to have stashed the pending uevent")
	}

	r.drainUevents(r.uevents, true)

	if got := r.broker.Queue.Len(); got != 1 {
		t.Fatalf("expected exactly one queued event to survive the readiness wait, got %d", got)
	}
	if r.pendingUevent != nil {
		t.Fatal("expected drainUevents to clear the pending slot after replaying it")
	}
}

// TestReactorWaitDoesNotBlockWhenPending verifies that a second call to
// waitForReadiness returns immediately (without waiting out the idle
// timeout) when a prior call already buffered an item nothing has drained
// yet — otherwise a buffered-but-undrained item would sit unprocessed
// until the next timeout elapses.
func TestReactorWaitDoesNotBlockWhenPending(t *testing.T) {
	uevents := &chanUeventSource{ch: make(chan Device, 1)}
	r := newTestReactor(t, uevents, nil)

	uevents.ch <- Device{Seqnum: 1, Devpath: "/devices/pci/a"}

	ctx := context.Background()
	r.waitForReadiness(ctx, make(chan os.Signal), false)
	if !r.hasPending() {
		t.Fatal("expected a pending item after the first wait")
	}

	done := make(chan struct{})
	go func() {
		r.waitForReadiness(ctx, make(chan os.Signal), false)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("second waitForReadiness call blocked instead of returning immediately for a pending item")
	}
}

// TestReactorPriorityOrderPreservedAfterWait exercises the scenario where
// waitForReadiness wakes on a control-socket message while a uevent is
// already pending: both the uevent (priority 2) and the control command
// (priority 5) must still be fully applied once the fixed-order drains run,
// i.e. neither is lost to the buffered replay.
func TestReactorPriorityOrderPreservedAfterWait(t *testing.T) {
	uevents := &chanUeventSource{ch: make(chan Device, 1)}
	control := &chanControlSource{ch: make(chan []byte, 1)}
	r := newTestReactor(t, uevents, control)

	uevents.ch <- Device{Seqnum: 1, Devpath: "/devices/pci/a"}
	control.ch <- []byte("STOP_EXEC_QUEUE")

	// Both channels are already buffered and ready; waitForReadiness's
	// select consumes exactly one of them into a pending* slot (the other
	// is left untouched, same as it would be mid-Run), and the subsequent
	// fixed-order drains pick up the winner from its pending slot and the
	// loser straight off its still-full channel.
	r.waitForReadiness(context.Background(), make(chan os.Signal), false)
	r.drainUevents(r.uevents, true)
	r.drainControl()

	if got := r.broker.Queue.Len(); got != 1 {
		t.Fatalf("expected the uevent to be tracked, got queue len %d", got)
	}
	if !r.broker.Control.StopExecQueue {
		t.Fatal("expected STOP_EXEC_QUEUE to have been applied")
	}
}

// TestReactorExitsPromptlyOnCancel verifies waitForReadiness does not sit
// out the full idle ceiling when the context is already canceled.
func TestReactorExitsPromptlyOnCancel(t *testing.T) {
	r := newTestReactor(t, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		r.waitForReadiness(ctx, make(chan os.Signal), false)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waitForReadiness did not return promptly after ctx cancellation")
	}
}
