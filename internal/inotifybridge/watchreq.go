//go:build linux

package inotifybridge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/tripwire/udevd/internal/broker"
)

// watchRequest is the wire payload a worker subprocess sends to ask the
// parent's Bridge to start watching a devnode (spec.md §4.3 step d). The
// worker never holds an inotify fd itself — only the reactor process does
// — so "enable inotify on the devnode" has to cross a process boundary the
// same way a completion report does: a small unix datagram socket, read by
// a pump goroutine that never touches Bridge state outside of Watch.
type watchRequest struct {
	Device      broker.Device
	DevNodePath string
}

// ListenWatchRequests binds addr as a unix datagram socket and, until ctx on
// the returned Bridge's Run is cancelled, decodes watchRequest messages and
// applies them via Watch. It is started alongside Run in the parent
// process; workers only ever dial addr, never listen on it.
func (b *Bridge) ListenWatchRequests(addr string) error {
	os.Remove(addr)
	laddr := &net.UnixAddr{Name: addr, Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", laddr)
	if err != nil {
		return fmt.Errorf("inotifybridge: listen watch-request socket: %w", err)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer conn.Close()
		buf := make([]byte, 8192)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return // socket closed on bridge shutdown
			}
			var req watchRequest
			if err := json.Unmarshal(buf[:n], &req); err != nil {
				b.logger.Warn("inotifybridge: malformed watch request", slog.Any("error", err))
				continue
			}
			if err := b.Watch(req.Device, req.DevNodePath); err != nil {
				b.logger.Warn("inotifybridge: watch request failed",
					slog.String("devnode", req.DevNodePath), slog.Any("error", err))
			}
		}
	}()

	go func() {
		<-b.closed
		conn.Close()
	}()

	return nil
}

// RequestWatch is the worker-side client: it dials the parent's watch-
// request socket and sends a single best-effort datagram. Failure is logged
// by the caller and never blocks rule execution — a missed watch request
// just means the device won't get synthesized "change" events until the
// next real uevent touches it, not a correctness issue for the current one.
func RequestWatch(addr string, d broker.Device, devNodePath string) error {
	payload, err := json.Marshal(watchRequest{Device: d, DevNodePath: devNodePath})
	if err != nil {
		return fmt.Errorf("inotifybridge: encode watch request: %w", err)
	}
	raddr := &net.UnixAddr{Name: addr, Net: "unixgram"}
	conn, err := net.DialUnix("unixgram", nil, raddr)
	if err != nil {
		return fmt.Errorf("inotifybridge: dial watch-request socket: %w", err)
	}
	defer conn.Close()
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("inotifybridge: send watch request: %w", err)
	}
	return nil
}
