// Linux implementation of Source using a raw NETLINK_KOBJECT_UEVENT socket,
// the kernel's native device-event broadcast channel. This is the same
// AF_NETLINK/Recvfrom/SO_RCVTIMEO shape the teacher uses for its
// NETLINK_CONNECTOR process connector in process_watcher_linux.go, pointed
// at a different protocol family and multicast group.
//
// Privilege requirement: binding the kobject-uevent multicast group
// requires CAP_NET_ADMIN (or uid 0).
//
//go:build linux

package ueventsrc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"syscall"

	"github.com/tripwire/udevd/internal/broker"
)

// netlinkKobjectUevent is the NETLINK_KOBJECT_UEVENT protocol family.
const netlinkKobjectUevent = 15

// ueventMonitorGroup is group 1, the multicast group the kernel itself
// broadcasts uevents on. Group 2 carries events re-broadcast by udevd,
// which is where internal/sink publishes.
const ueventMonitorGroup = 1

// NetlinkSource reads device-change events directly off the kernel's
// NETLINK_KOBJECT_UEVENT multicast socket and decodes them into
// broker.Device values.
type NetlinkSource struct {
	logger *slog.Logger

	mu     sync.Mutex
	sock   int
	cancel func()
	wg     sync.WaitGroup

	events chan broker.Device
}

// Open binds a NETLINK_KOBJECT_UEVENT socket to the udev multicast group and
// starts the background read loop. Call Close to stop it.
func Open(ctx context.Context, logger *slog.Logger) (*NetlinkSource, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sock, err := syscall.Socket(syscall.AF_NETLINK, syscall.SOCK_DGRAM, netlinkKobjectUevent)
	if err != nil {
		return nil, fmt.Errorf("ueventsrc: open NETLINK_KOBJECT_UEVENT socket: %w (requires CAP_NET_ADMIN)", err)
	}

	sa := &syscall.SockaddrNetlink{
		Family: syscall.AF_NETLINK,
		Groups: ueventMonitorGroup,
	}
	if err := syscall.Bind(sock, sa); err != nil {
		_ = syscall.Close(sock)
		return nil, fmt.Errorf("ueventsrc: bind kobject-uevent group: %w", err)
	}
	// Raise the receive buffer: uevent storms (e.g. a USB hub with many
	// downstream devices) can otherwise overrun the socket's default size.
	_ = syscall.SetsockoptInt(sock, syscall.SOL_SOCKET, syscall.SO_RCVBUFFORCE, 1<<20)

	tv := syscall.Timeval{Sec: 1, Usec: 0}
	_ = syscall.SetsockoptTimeval(sock, syscall.SOL_SOCKET, syscall.SO_RCVTIMEO, &tv)

	ctx, cancel := context.WithCancel(ctx)
	s := &NetlinkSource{
		logger: logger,
		sock:   sock,
		cancel: cancel,
		events: make(chan broker.Device, 64),
	}

	s.wg.Add(1)
	go s.readLoop(ctx)

	logger.Info("uevent netlink source started", slog.Int("multicast_group", ueventMonitorGroup))
	return s, nil
}

// Events returns the channel the reactor drains (implements
// broker.UeventSource).
func (s *NetlinkSource) Events() <-chan broker.Device { return s.events }

// Close stops the read loop and releases the socket.
func (s *NetlinkSource) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	return syscall.Close(s.sock)
}

func (s *NetlinkSource) readLoop(ctx context.Context) {
	defer s.wg.Done()

	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, _, err := syscall.Recvfrom(s.sock, buf, 0)
		if err != nil {
			if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK || err == syscall.EINTR {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.logger.Warn("ueventsrc: recvfrom error", slog.Any("error", err))
			return
		}

		d, ok := ParseUevent(buf[:n])
		if !ok {
			continue
		}

		select {
		case s.events <- d:
		case <-ctx.Done():
			return
		}
	}
}
