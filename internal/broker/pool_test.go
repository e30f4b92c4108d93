package broker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// fakeSpawner hands out Workers backed by in-memory pipes instead of real
// subprocesses, so Dispatch/Send/Close/Kill can be exercised without
// forking anything.
type fakeSpawner struct {
	mu      sync.Mutex
	nextPID int
	fail    bool
}

func (s *fakeSpawner) Spawn(seed Device, env []string) (*Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, fmt.Errorf("fake spawn failure")
	}
	s.nextPID++
	r, w := io.Pipe()
	go io.Copy(io.Discard, r) // drain so Send never blocks

	return &Worker{
		PID:   s.nextPID,
		State: WorkerRunning,
		stdin: w,
		enc:   json.NewEncoder(w),
	}, nil
}

type fakePersistence struct {
	mu      sync.Mutex
	deleted []Device
	untaged []Device
}

func (p *fakePersistence) Delete(d Device) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, d)
	return nil
}

func (p *fakePersistence) UntagIndex(d Device) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.untaged = append(p.untaged, d)
	return nil
}

type fakeSink struct {
	mu        sync.Mutex
	published []Device
}

func (s *fakeSink) Publish(d Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, d)
	return nil
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func TestPool_DispatchSpawnsUpToCap(t *testing.T) {
	logger := newTestLogger()
	queue := NewEventQueue(logger)
	spawner := &fakeSpawner{}
	pool := NewWorkerPool(spawner, queue, nil, nil, NewPropertiesSet(), nil, logger, 2)

	e1 := queue.Insert(Device{Seqnum: 1, Devpath: "/devices/a"})
	e2 := queue.Insert(Device{Seqnum: 2, Devpath: "/devices/b"})
	e3 := queue.Insert(Device{Seqnum: 3, Devpath: "/devices/c"})

	if !pool.Dispatch(e1) {
		t.Fatal("expected first dispatch to succeed")
	}
	if !pool.Dispatch(e2) {
		t.Fatal("expected second dispatch to succeed")
	}
	if pool.Dispatch(e3) {
		t.Fatal("expected third dispatch to fail: pool saturated at cap 2")
	}
	if pool.Size() != 2 {
		t.Errorf("pool size = %d, want 2", pool.Size())
	}
}

func TestPool_OnCompletionFreesEventAndIdlesWorker(t *testing.T) {
	logger := newTestLogger()
	queue := NewEventQueue(logger)
	pool := NewWorkerPool(&fakeSpawner{}, queue, nil, nil, NewPropertiesSet(), nil, logger, 4)

	e := queue.Insert(Device{Seqnum: 1, Devpath: "/devices/a"})
	pool.Dispatch(e)

	running, idle := pool.Counts()
	if running != 1 || idle != 0 {
		t.Fatalf("counts = (%d, %d), want (1, 0)", running, idle)
	}

	pool.OnCompletion(e.WorkerPID, true)

	running, idle = pool.Counts()
	if running != 0 || idle != 1 {
		t.Fatalf("counts after completion = (%d, %d), want (0, 1)", running, idle)
	}
	if queue.EventForPID(e.WorkerPID) != nil {
		t.Fatal("expected event to be detached after completion")
	}
}

func TestPool_OnCompletionIgnoresMissingCredentials(t *testing.T) {
	logger := newTestLogger()
	queue := NewEventQueue(logger)
	pool := NewWorkerPool(&fakeSpawner{}, queue, nil, nil, NewPropertiesSet(), nil, logger, 4)

	e := queue.Insert(Device{Seqnum: 1, Devpath: "/devices/a"})
	pool.Dispatch(e)

	pool.OnCompletion(e.WorkerPID, false)

	if queue.EventForPID(e.WorkerPID) == nil {
		t.Fatal("completion without credentials must not free the event")
	}
}

func TestPool_OnChildExitRepublishesAndCleansPersistence(t *testing.T) {
	logger := newTestLogger()
	queue := NewEventQueue(logger)
	persistence := &fakePersistence{}
	sink := &fakeSink{}
	pool := NewWorkerPool(&fakeSpawner{}, queue, persistence, sink, NewPropertiesSet(), nil, logger, 4)

	e := queue.Insert(Device{Seqnum: 1, Devpath: "/devices/a"})
	pool.Dispatch(e)
	pid := e.WorkerPID

	pool.OnChildExit(pid, fmt.Errorf("boom"))

	if len(persistence.deleted) != 1 || persistence.deleted[0].Devpath != "/devices/a" {
		t.Errorf("expected Delete called with the original device, got %+v", persistence.deleted)
	}
	if len(persistence.untaged) != 1 {
		t.Errorf("expected UntagIndex called once, got %d", len(persistence.untaged))
	}
	if len(sink.published) != 1 || sink.published[0].Devpath != "/devices/a" {
		t.Errorf("expected the unprocessed device republished, got %+v", sink.published)
	}
	if pool.Size() != 0 {
		t.Errorf("expected worker removed from pool, size = %d", pool.Size())
	}
	if queue.Len() != 0 {
		t.Errorf("expected event removed from queue, len = %d", queue.Len())
	}
}

func TestPool_OnChildExitUnknownPIDIsNoop(t *testing.T) {
	logger := newTestLogger()
	queue := NewEventQueue(logger)
	pool := NewWorkerPool(&fakeSpawner{}, queue, nil, nil, NewPropertiesSet(), nil, logger, 4)
	pool.OnChildExit(99999, nil) // must not panic
}

func TestPool_KillAllDropsInFlightEvents(t *testing.T) {
	logger := newTestLogger()
	queue := NewEventQueue(logger)
	pool := NewWorkerPool(&fakeSpawner{}, queue, nil, nil, NewPropertiesSet(), nil, logger, 4)

	e1 := queue.Insert(Device{Seqnum: 1, Devpath: "/devices/a"})
	e2 := queue.Insert(Device{Seqnum: 2, Devpath: "/devices/b"})
	pool.Dispatch(e1)
	pool.Dispatch(e2)

	pool.KillAll("reload")

	if queue.EventForPID(e1.WorkerPID) != nil || queue.EventForPID(e2.WorkerPID) != nil {
		t.Fatal("expected both in-flight events detached (dropped) on kill_all")
	}
}

func TestPool_TimeoutSweepWarnsThenKills(t *testing.T) {
	// Scenario 5: a worker that never completes is killed past the fatal
	// threshold, having been warned first.
	logger := newTestLogger()
	queue := NewEventQueue(logger)
	pool := NewWorkerPool(&fakeSpawner{}, queue, nil, nil, NewPropertiesSet(), nil, logger, 4)

	start := int64(1_000_000_000) // 1s in unix nanoseconds
	pool.now = func() time.Time { return time.Unix(0, start) }

	e := queue.Insert(Device{Seqnum: 1, Devpath: "/devices/a"})
	pool.Dispatch(e)

	// Advance past the warn threshold (2s) but before fatal (5s).
	pool.now = func() time.Time { return time.Unix(0, start+int64(3*time.Second)) }
	pool.TimeoutSweep(2, 5)
	if !e.Warned {
		t.Fatal("expected event warned after exceeding warn threshold")
	}
	if pool.Size() != 1 {
		t.Fatal("expected worker still present before the fatal threshold")
	}

	// Advance past the fatal threshold (5s).
	pool.now = func() time.Time { return time.Unix(0, start+int64(6*time.Second)) }
	pool.TimeoutSweep(2, 5)

	w := pool.workers[e.WorkerPID]
	if w == nil || w.State != WorkerKilled {
		t.Fatal("expected worker marked Killed after exceeding fatal threshold")
	}
}

func TestPool_KillIdleLeavesWorkerInPool(t *testing.T) {
	logger := newTestLogger()
	queue := NewEventQueue(logger)
	pool := NewWorkerPool(&fakeSpawner{}, queue, nil, nil, NewPropertiesSet(), nil, logger, 4)

	e := queue.Insert(Device{Seqnum: 1, Devpath: "/devices/a"})
	pool.Dispatch(e)
	pid := e.WorkerPID
	pool.OnCompletion(pid, true) // now idle

	pool.KillIdle() // should close, not kill, the idle worker

	if pool.Size() != 1 {
		t.Fatalf("KillIdle must not remove the worker from the pool map; removal happens on reaped exit, size = %d", pool.Size())
	}
}
