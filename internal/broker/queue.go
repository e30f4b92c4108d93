package broker

import (
	"log/slog"
	"sort"
)

// EventQueue is the ordered list of pending and in-flight events and the
// scheduling logic that decides which of them may be dispatched to a
// worker. It implements spec.md §4.2: insertion order equals seqnum order
// (no duplicate filtering), the memoized blocking-relation scan of §4.2.2,
// and the "don't stop at the first blocked event" dispatch policy of
// §4.2.3.
//
// EventQueue is not safe for concurrent use; it is owned exclusively by the
// broker's single reactor goroutine (spec.md §5, §9).
type EventQueue struct {
	// events is kept in seqnum (insertion) order. A slice rather than a
	// map-plus-index is used deliberately: the scheduling algorithm scans
	// head-to-tail on every dispatch pass, and seqnum order is exactly
	// slice order, so no secondary sort is ever needed.
	events []*Event
	byPID  map[int]*Event // worker PID -> the event it owns, while Running

	logger *slog.Logger
}

// NewEventQueue creates an empty EventQueue.
func NewEventQueue(logger *slog.Logger) *EventQueue {
	return &EventQueue{
		byPID:  make(map[int]*Event),
		logger: logger,
	}
}

// Insert builds an Event from d and appends it to the tail. There is no
// duplicate-seqnum filtering: a repeated seqnum is a kernel bug spec.md
// explicitly says need not be handled. Insert never fails in this
// implementation (Go slices grow without an explicit allocation-failure
// path); the "oom" outcome from spec.md §4.2 is reserved for future bounded-
// queue configurations and is not reachable today.
func (q *EventQueue) Insert(d Device) *Event {
	e := NewEvent(d)
	q.events = append(q.events, e)
	return e
}

// Len returns the number of events currently tracked (queued + running).
func (q *EventQueue) Len() int { return len(q.events) }

// IsEmpty reports whether the queue holds no events at all (spec.md §4.2,
// used by supervisor idle detection and the /run/udev/queue marker).
func (q *EventQueue) IsEmpty() bool { return len(q.events) == 0 }

// Events returns a snapshot slice of all tracked events, in seqnum order.
// The slice is a copy of the header only; callers must not mutate the
// pointed-to Events outside the reactor goroutine.
func (q *EventQueue) Events() []*Event {
	out := make([]*Event, len(q.events))
	copy(out, q.events)
	return out
}

// isBlocked implements spec.md §4.2.1–§4.2.2: the memoized scan for whether
// event e is blocked by any earlier, still-present event.
func (q *EventQueue) isBlocked(e *Event) bool {
	// Short-circuit: if the memoized blocker is still present, e is still
	// blocked without a full rescan.
	if e.DelayingSeqnum > 0 {
		if l := q.find(e.DelayingSeqnum); l != nil {
			return true
		}
	}

	for _, l := range q.events {
		if l.Seqnum >= e.Seqnum {
			// Reached e itself (or beyond): no earlier event can be found
			// after this point since the slice is in seqnum order.
			break
		}
		if l.Seqnum < e.DelayingSeqnum {
			// Cannot be a first blocker: a lower-seqnum entry cannot
			// replace the previously memoized (and now absent) blocker,
			// because the queue drains strictly in order.
			continue
		}
		if blocks(l, e) {
			e.DelayingSeqnum = l.Seqnum
			return true
		}
	}

	// No blocker found (the memoized one, if any, is gone and nothing else
	// qualifies): per P5, the memoization is cleared.
	e.DelayingSeqnum = 0
	return false
}

// find returns the tracked event with the given seqnum, or nil.
func (q *EventQueue) find(seqnum int64) *Event {
	// events is seqnum-sorted; binary search keeps this cheap even though
	// callers (isBlocked) run it on every scan step.
	i := sort.Search(len(q.events), func(i int) bool { return q.events[i].Seqnum >= seqnum })
	if i < len(q.events) && q.events[i].Seqnum == seqnum {
		return q.events[i]
	}
	return nil
}

// Dispatcher is the subset of WorkerPool that EventQueue.Start needs. It is
// a narrow interface (rather than a direct *WorkerPool field) so queue.go
// can be tested without constructing a full pool.
type Dispatcher interface {
	Dispatch(e *Event) bool
}

// Start scans events head-to-tail and attempts to dispatch every Queued,
// non-blocked event via d.Dispatch. It does not stop at the first event
// that cannot be dispatched (either because it is blocked or because the
// pool is saturated) — later, independent events still get a chance, per
// spec.md §4.2.3's "maximum parallelism" policy.
func (q *EventQueue) Start(d Dispatcher) {
	for _, e := range q.events {
		if e.State != StateQueued {
			continue
		}
		if q.isBlocked(e) {
			continue
		}
		if !d.Dispatch(e) {
			// Pool saturated or unicast send failed; leave Queued and try
			// again on the next Start pass.
			continue
		}
	}
}

// Attach marks e Running and owned by the given worker pid. Called by
// WorkerPool.Dispatch once the device has actually been handed to a
// worker.
func (q *EventQueue) Attach(e *Event, pid int, startTimeNanos int64) {
	e.State = StateRunning
	e.WorkerPID = pid
	e.StartTime = startTimeNanos
	q.byPID[pid] = e
}

// Detach frees the event owned by pid (if any) and removes it from the
// queue entirely, returning it. Called on worker completion.
func (q *EventQueue) Detach(pid int) *Event {
	e, ok := q.byPID[pid]
	if !ok {
		return nil
	}
	delete(q.byPID, pid)
	q.remove(e)
	return e
}

// EventForPID returns the event currently owned by pid without detaching
// it, or nil.
func (q *EventQueue) EventForPID(pid int) *Event {
	return q.byPID[pid]
}

// remove deletes e from the events slice. O(n), acceptable: cleanup and
// detach are not hot paths relative to the scan in Start/isBlocked.
func (q *EventQueue) remove(e *Event) {
	for i, cur := range q.events {
		if cur == e {
			q.events = append(q.events[:i], q.events[i+1:]...)
			return
		}
	}
}

// CleanupFilter selects which events Cleanup removes.
type CleanupFilter int

const (
	// CleanupQueued removes only Queued events, leaving Running ones.
	CleanupQueued CleanupFilter = iota
	// CleanupAll removes every tracked event regardless of state (used on
	// shutdown, after all workers have been killed).
	CleanupAll
)

// Cleanup removes events matching filter (spec.md §4.2 cleanup operation).
// It returns the removed events so callers can log or account for them.
func (q *EventQueue) Cleanup(filter CleanupFilter) []*Event {
	var removed []*Event
	kept := q.events[:0]
	for _, e := range q.events {
		match := filter == CleanupAll || (filter == CleanupQueued && e.State == StateQueued)
		if match {
			removed = append(removed, e)
			if e.State == StateRunning {
				delete(q.byPID, e.WorkerPID)
			}
			continue
		}
		kept = append(kept, e)
	}
	q.events = kept
	if q.logger != nil && len(removed) > 0 {
		q.logger.Debug("event queue cleanup", slog.Int("removed", len(removed)), slog.Int("filter", int(filter)))
	}
	return removed
}
