// Linux implementation of a netlink multicast ProcessedEventSink.
//
//go:build linux

package sink

import (
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tripwire/udevd/internal/broker"
	"github.com/tripwire/udevd/internal/ueventsrc"
)

// netlinkKobjectUevent mirrors internal/ueventsrc's protocol constant. The
// sink publishes to group 2, the udev group monitor clients subscribe to,
// not to group 1, where internal/ueventsrc reads kernel-originated events.
const netlinkKobjectUevent = 15
const ueventMonitorGroup = 2

// NetlinkSink publishes processed devices by sending them, encoded exactly
// as a kernel uevent would be, to the NETLINK_KOBJECT_UEVENT multicast
// group. Unlike the teacher's gRPC transport, there is no persistent
// connection to lose: each Publish call is a single sendto on a
// long-lived socket. What the teacher's grpctransport.go calls
// "reconnection," here becomes "re-create and re-bind the socket after a
// send error," retried with the same exponential-backoff shape
// (cenkalti/backoff/v4) bounded to a handful of attempts so a single
// worker-fatal re-publish can never stall the reactor goroutine for long.
type NetlinkSink struct {
	logger *slog.Logger

	mu   sync.Mutex
	sock int
}

// Open binds a fresh NETLINK_KOBJECT_UEVENT socket for sending.
func Open(logger *slog.Logger) (*NetlinkSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sock, err := bindSendSocket()
	if err != nil {
		return nil, err
	}
	return &NetlinkSink{logger: logger, sock: sock}, nil
}

func bindSendSocket() (int, error) {
	sock, err := syscall.Socket(syscall.AF_NETLINK, syscall.SOCK_DGRAM, netlinkKobjectUevent)
	if err != nil {
		return -1, fmt.Errorf("sink: open NETLINK_KOBJECT_UEVENT socket: %w", err)
	}
	sa := &syscall.SockaddrNetlink{Family: syscall.AF_NETLINK, Groups: ueventMonitorGroup}
	if err := syscall.Bind(sock, sa); err != nil {
		syscall.Close(sock)
		return -1, fmt.Errorf("sink: bind kobject-uevent group: %w", err)
	}
	return sock, nil
}

// Publish implements broker.ProcessedEventSink. It retries transient send
// failures (ENOBUFS under a uevent storm, or a socket that needs
// recreating) a bounded number of times with exponential backoff before
// giving up and returning an error, which the caller (WorkerPool, on
// worker failure) logs and moves on from — there is no queue to hold a
// publish for retry later, matching spec.md §7 kind 2's "no retry."
func (s *NetlinkSink) Publish(d broker.Device) error {
	payload := ueventsrc.EncodeUevent(d)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = time.Second

	return backoff.Retry(func() error {
		return s.sendOnce(payload)
	}, b)
}

func (s *NetlinkSink) sendOnce(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sa := &syscall.SockaddrNetlink{Family: syscall.AF_NETLINK, Groups: ueventMonitorGroup}
	if err := syscall.Sendto(s.sock, payload, 0, sa); err != nil {
		s.logger.Warn("sink: sendto failed, recreating socket", slog.Any("error", err))
		syscall.Close(s.sock)
		sock, reopenErr := bindSendSocket()
		if reopenErr != nil {
			return fmt.Errorf("sink: recreate socket: %w", reopenErr)
		}
		s.sock = sock
		return fmt.Errorf("sink: sendto: %w", err)
	}
	return nil
}

// Close releases the underlying socket.
func (s *NetlinkSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return syscall.Close(s.sock)
}
