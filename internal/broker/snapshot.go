package broker

// QueueEntry is a read-only diagnostic rendering of one tracked Event,
// used only by internal/debugapi's GET /debug/queue (SPEC_FULL.md §4.7).
// It is never consulted by the reactor itself.
type QueueEntry struct {
	Seqnum    int64
	Devpath   string
	State     string
	WorkerPID int
}

// SnapshotRequest asks the reactor for a point-in-time queue dump,
// answered exactly once on Reply. Reply must be buffered (capacity >= 1)
// so the reactor goroutine never blocks handing back diagnostic data.
type SnapshotRequest struct {
	Reply chan []QueueEntry
}

// Snapshot renders the current queue as QueueEntry values. Safe to call
// only from the reactor goroutine, since EventQueue is not itself
// concurrency-safe (spec.md §5/§9's single-writer invariant).
func (b *Broker) Snapshot() []QueueEntry {
	events := b.Queue.Events()
	out := make([]QueueEntry, len(events))
	for i, e := range events {
		out[i] = QueueEntry{
			Seqnum:    e.Seqnum,
			Devpath:   e.Devpath,
			State:     e.State.String(),
			WorkerPID: e.WorkerPID,
		}
	}
	return out
}
