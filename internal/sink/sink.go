// Package sink implements broker.ProcessedEventSink: publishing a
// processed (or, on worker failure, re-forwarded unprocessed) device to
// whatever downstream tooling subscribes to the real kernel's own
// NETLINK_KOBJECT_UEVENT multicast group, the same way a real udevd
// re-broadcasts events to libudev monitor clients.
package sink

import (
	"log/slog"
	"sync"

	"github.com/tripwire/udevd/internal/broker"
)

// LoopbackSink is an in-memory broker.ProcessedEventSink, used by tests and
// by the daemon and its workers when the netlink sink cannot be opened.
type LoopbackSink struct {
	mu        sync.Mutex
	published []broker.Device
	logger    *slog.Logger
}

// NewLoopbackSink creates an empty LoopbackSink.
func NewLoopbackSink(logger *slog.Logger) *LoopbackSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoopbackSink{logger: logger}
}

// Publish records d and implements broker.ProcessedEventSink.
func (s *LoopbackSink) Publish(d broker.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, d)
	s.logger.Debug("sink: published (loopback)", slog.Int64("seqnum", d.Seqnum), slog.String("devpath", d.Devpath))
	return nil
}

// Published returns a snapshot of every device recorded so far, in
// publish order.
func (s *LoopbackSink) Published() []broker.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]broker.Device, len(s.published))
	copy(out, s.published)
	return out
}
