package ueventsrc

import "github.com/tripwire/udevd/internal/broker"

// LoopbackSource is an in-memory broker.UeventSource that runDaemon falls
// back to when the netlink socket cannot be opened; events reach it only
// through Inject.
type LoopbackSource struct {
	ch chan broker.Device
}

// NewLoopbackSource creates a LoopbackSource with the given channel buffer
// depth.
func NewLoopbackSource(buffer int) *LoopbackSource {
	return &LoopbackSource{ch: make(chan broker.Device, buffer)}
}

// Events implements broker.UeventSource.
func (l *LoopbackSource) Events() <-chan broker.Device { return l.ch }

// Inject delivers d to any reactor draining this source. It blocks if the
// buffer is full, exactly like a real socket backpressuring its reader.
func (l *LoopbackSource) Inject(d broker.Device) {
	l.ch <- d
}
