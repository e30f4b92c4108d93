package broker

import (
	"bytes"
	"log/slog"
	"testing"
)

func newTestQueue() *EventQueue {
	return NewEventQueue(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
}

// recordingDispatcher tracks which events Start attempted to dispatch, and
// optionally rejects dispatch for specific seqnums to simulate a saturated
// pool.
type recordingDispatcher struct {
	dispatched []int64
	reject     map[int64]bool
}

func (d *recordingDispatcher) Dispatch(e *Event) bool {
	if d.reject[e.Seqnum] {
		return false
	}
	d.dispatched = append(d.dispatched, e.Seqnum)
	e.State = StateRunning
	return true
}

func TestQueue_SameDevpathBlocks(t *testing.T) {
	// Scenario 1: two events on the same devpath must serialize.
	q := newTestQueue()
	e10 := q.Insert(Device{Seqnum: 10, Devpath: "/devices/pci/a"})
	e11 := q.Insert(Device{Seqnum: 11, Devpath: "/devices/pci/a"})

	d := &recordingDispatcher{}
	q.Start(d)

	if len(d.dispatched) != 1 || d.dispatched[0] != 10 {
		t.Fatalf("expected only seqnum 10 dispatched first, got %v", d.dispatched)
	}
	if e11.State != StateQueued {
		t.Fatal("expected event 11 to remain Queued while 10 is in flight")
	}

	// Complete 10: detach it, then 11 should become dispatchable.
	q.Attach(e10, 100, 0)
	q.Detach(100)

	q.Start(d)
	if len(d.dispatched) != 2 || d.dispatched[1] != 11 {
		t.Fatalf("expected seqnum 11 dispatched after 10 completed, got %v", d.dispatched)
	}
}

func TestQueue_AncestorDescendantBlocks(t *testing.T) {
	// Scenario 2: ancestor/descendant devpaths block even with differing devnums.
	q := newTestQueue()
	q.Insert(Device{Seqnum: 10, Devpath: "/devices/pci", Devnum: Devnum{Major: 8, Minor: 0}, IsBlock: true})
	e11 := q.Insert(Device{Seqnum: 11, Devpath: "/devices/pci/a", Devnum: Devnum{Major: 8, Minor: 1}, IsBlock: true})

	d := &recordingDispatcher{}
	q.Start(d)

	if len(d.dispatched) != 1 || d.dispatched[0] != 10 {
		t.Fatalf("expected only seqnum 10 dispatched, got %v", d.dispatched)
	}
	if e11.State != StateQueued {
		t.Fatal("expected descendant event 11 to remain Queued until ancestor completes")
	}
}

func TestQueue_RenameBlocks(t *testing.T) {
	// Scenario 3: a rename is blocked by an event on its old devpath.
	q := newTestQueue()
	q.Insert(Device{Seqnum: 10, Devpath: "/devices/x"})
	e11 := q.Insert(Device{Seqnum: 11, Devpath: "/devices/y", DevpathOld: "/devices/x", Action: ActionMove})

	d := &recordingDispatcher{}
	q.Start(d)

	if len(d.dispatched) != 1 || d.dispatched[0] != 10 {
		t.Fatalf("expected only seqnum 10 dispatched, got %v", d.dispatched)
	}
	if e11.State != StateQueued {
		t.Fatal("expected rename event to remain blocked on its old devpath")
	}
}

func TestQueue_IndependentEventsDispatchConcurrently(t *testing.T) {
	// Scenario 4: disjoint devpaths dispatch together.
	q := newTestQueue()
	q.Insert(Device{Seqnum: 10, Devpath: "/devices/a"})
	q.Insert(Device{Seqnum: 11, Devpath: "/devices/b"})

	d := &recordingDispatcher{}
	q.Start(d)

	if len(d.dispatched) != 2 {
		t.Fatalf("expected both independent events dispatched, got %v", d.dispatched)
	}
}

func TestQueue_StartDoesNotStopAtFirstUndispatchable(t *testing.T) {
	q := newTestQueue()
	q.Insert(Device{Seqnum: 10, Devpath: "/devices/a"})
	q.Insert(Device{Seqnum: 11, Devpath: "/devices/b"})

	// Reject the first event (simulating a saturated pool on that attempt)
	// but allow the second: Start must still try the second.
	d := &recordingDispatcher{reject: map[int64]bool{10: true}}
	q.Start(d)

	if len(d.dispatched) != 1 || d.dispatched[0] != 11 {
		t.Fatalf("expected seqnum 11 still dispatched despite 10 being rejected, got %v", d.dispatched)
	}
}

func TestQueue_SameDevnumBlocksAcrossDifferentDevpaths(t *testing.T) {
	q := newTestQueue()
	q.Insert(Device{Seqnum: 1, Devpath: "/devices/old-name", Devnum: Devnum{Major: 8, Minor: 0}, IsBlock: true})
	e2 := q.Insert(Device{Seqnum: 2, Devpath: "/devices/new-name", Devnum: Devnum{Major: 8, Minor: 0}, IsBlock: true})

	d := &recordingDispatcher{}
	q.Start(d)

	if len(d.dispatched) != 1 {
		t.Fatalf("expected only the first same-devnum event dispatched, got %v", d.dispatched)
	}
	if e2.State != StateQueued {
		t.Fatal("expected same-devnum event to be blocked")
	}
}

func TestQueue_BlockDeviceDoesNotBlockCharacterDeviceWithSameDevnum(t *testing.T) {
	// is_block disambiguates devnum collisions between block and char devices.
	q := newTestQueue()
	q.Insert(Device{Seqnum: 1, Devpath: "/devices/block-x", Devnum: Devnum{Major: 8, Minor: 0}, IsBlock: true})
	e2 := q.Insert(Device{Seqnum: 2, Devpath: "/devices/char-x", Devnum: Devnum{Major: 8, Minor: 0}, IsBlock: false})

	d := &recordingDispatcher{}
	q.Start(d)

	if len(d.dispatched) != 2 {
		t.Fatalf("expected both events dispatched (block vs char disambiguates devnum), got %v", d.dispatched)
	}
	if e2.State != StateRunning {
		t.Fatal("expected char device event to dispatch independently of the block device")
	}
}

func TestQueue_SameIfindexBlocks(t *testing.T) {
	q := newTestQueue()
	q.Insert(Device{Seqnum: 1, Devpath: "/devices/eth0", Ifindex: 3})
	e2 := q.Insert(Device{Seqnum: 2, Devpath: "/devices/eth0-renamed", Ifindex: 3})

	d := &recordingDispatcher{}
	q.Start(d)

	if len(d.dispatched) != 1 {
		t.Fatalf("expected only first same-ifindex event dispatched, got %v", d.dispatched)
	}
	if e2.State != StateQueued {
		t.Fatal("expected same-ifindex event to be blocked")
	}
}

// TestQueue_P5_MemoizationClearsWhenBlockerGone verifies invariant P5: once
// the memoized blocker is detached, a subsequent isBlocked scan must clear
// delaying_seqnum rather than report stale blocking forever.
func TestQueue_P5_MemoizationClearsWhenBlockerGone(t *testing.T) {
	q := newTestQueue()
	e1 := q.Insert(Device{Seqnum: 1, Devpath: "/devices/a"})
	e2 := q.Insert(Device{Seqnum: 2, Devpath: "/devices/a"})

	if !q.isBlocked(e2) {
		t.Fatal("expected e2 blocked by e1")
	}
	if e2.DelayingSeqnum != 1 {
		t.Fatalf("expected delaying_seqnum memoized to 1, got %d", e2.DelayingSeqnum)
	}

	q.Attach(e1, 1, 0)
	q.Detach(1)

	if q.isBlocked(e2) {
		t.Fatal("expected e2 no longer blocked once e1 is detached")
	}
	if e2.DelayingSeqnum != 0 {
		t.Fatalf("expected delaying_seqnum cleared to 0, got %d", e2.DelayingSeqnum)
	}
}

// TestQueue_P7_RepeatedDetachIsNoop verifies invariant P7 at the queue
// level: detaching an already-unknown pid returns nil rather than
// corrupting state.
func TestQueue_P7_RepeatedDetachIsNoop(t *testing.T) {
	q := newTestQueue()
	e := q.Insert(Device{Seqnum: 1, Devpath: "/devices/a"})
	q.Attach(e, 42, 0)

	first := q.Detach(42)
	if first == nil {
		t.Fatal("expected first Detach to return the event")
	}
	second := q.Detach(42)
	if second != nil {
		t.Fatal("expected repeated Detach for the same pid to be a no-op")
	}
}

func TestQueue_CleanupQueuedOnly(t *testing.T) {
	q := newTestQueue()
	e1 := q.Insert(Device{Seqnum: 1, Devpath: "/devices/a"})
	q.Insert(Device{Seqnum: 2, Devpath: "/devices/b"})
	q.Attach(e1, 7, 0)

	removed := q.Cleanup(CleanupQueued)
	if len(removed) != 1 || removed[0].Seqnum != 2 {
		t.Fatalf("expected only the queued event (seqnum 2) removed, got %v", removed)
	}
	if q.Len() != 1 {
		t.Fatalf("expected running event to remain, len = %d", q.Len())
	}
}

func TestQueue_CleanupAll(t *testing.T) {
	q := newTestQueue()
	e1 := q.Insert(Device{Seqnum: 1, Devpath: "/devices/a"})
	q.Insert(Device{Seqnum: 2, Devpath: "/devices/b"})
	q.Attach(e1, 7, 0)

	removed := q.Cleanup(CleanupAll)
	if len(removed) != 2 {
		t.Fatalf("expected both events removed, got %d", len(removed))
	}
	if !q.IsEmpty() {
		t.Fatal("expected queue empty after CleanupAll")
	}
	if q.EventForPID(7) != nil {
		t.Fatal("expected byPID entry cleared for the running event too")
	}
}

func TestQueue_InsertNoDuplicateFiltering(t *testing.T) {
	// spec.md §4.2: duplicate seqnums are a kernel bug and are not filtered.
	q := newTestQueue()
	q.Insert(Device{Seqnum: 5, Devpath: "/devices/a"})
	q.Insert(Device{Seqnum: 5, Devpath: "/devices/b"})

	if q.Len() != 2 {
		t.Fatalf("expected both duplicate-seqnum events retained, len = %d", q.Len())
	}
}
