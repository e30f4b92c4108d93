//go:build linux

package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/tripwire/udevd/internal/broker"
)

// controlListener implements broker.ControlSource over the administrative
// seqpacket control socket. It is a plain unixpacket listener: credential
// passing is not enabled on it and no peer credentials are checked, so any
// process that can connect to the socket path is accepted. Each accepted
// connection is read in its
// own goroutine; every datagram read is forwarded, unparsed, to the
// reactor for ParseCommand to decode.
type controlListener struct {
	logger *slog.Logger
	ln     *net.UnixListener
	msgs   chan []byte
}

func newControlListener(addr string, logger *slog.Logger) (*controlListener, error) {
	os.Remove(addr)
	laddr := &net.UnixAddr{Name: addr, Net: "unixpacket"}
	ln, err := net.ListenUnix("unixpacket", laddr)
	if err != nil {
		return nil, fmt.Errorf("control socket listen %q: %w", addr, err)
	}
	c := &controlListener{logger: logger, ln: ln, msgs: make(chan []byte, 32)}
	go c.acceptLoop()
	return c, nil
}

func (c *controlListener) Messages() <-chan []byte { return c.msgs }

func (c *controlListener) acceptLoop() {
	for {
		conn, err := c.ln.AcceptUnix()
		if err != nil {
			return
		}
		go c.readConn(conn)
	}
}

// readConn reads datagrams off one accepted connection until it closes.
// spec.md §4.5's EXIT "retain the control connection so the caller blocks
// until shutdown actually completes" is honored naturally here: nothing
// closes conn on our side until the peer does or the listener itself is
// closed at shutdown.
func (c *controlListener) readConn(conn *net.UnixConn) {
	defer conn.Close()
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		msg := make([]byte, n)
		copy(msg, buf[:n])
		select {
		case c.msgs <- msg:
		default:
			c.logger.Warn("control message dropped, reactor backlog full")
		}
	}
}

func (c *controlListener) Close() error { return c.ln.Close() }

// completionPump adapts broker.CompletionReader's blocking ReadCompletion
// into the channel shape broker.CompletionSource expects, pumped by its
// own goroutine exactly like every other I/O source (SPEC_FULL.md §4.1).
type completionPump struct {
	reader *broker.CompletionReader
	ch     chan broker.CompletionMsg
}

func newCompletionPump(reader *broker.CompletionReader) *completionPump {
	p := &completionPump{reader: reader, ch: make(chan broker.CompletionMsg, 64)}
	go p.run()
	return p
}

func (p *completionPump) Completions() <-chan broker.CompletionMsg { return p.ch }

func (p *completionPump) run() {
	for {
		pid, hasCreds, err := p.reader.ReadCompletion()
		if err != nil {
			return // socket closed at shutdown
		}
		p.ch <- broker.CompletionMsg{PID: pid, HasCreds: hasCreds}
	}
}

// childReaper implements broker.ChildExitSource by reaping every zombie
// worker process on SIGCHLD (spec.md §6 "SIGCHLD -> reap"), translating
// each wait4 result into a broker.ChildExit.
type childReaper struct {
	ch chan broker.ChildExit
}

func newChildReaper() *childReaper {
	r := &childReaper{ch: make(chan broker.ChildExit, 64)}
	go r.run()
	return r
}

func (r *childReaper) Exits() <-chan broker.ChildExit { return r.ch }

func (r *childReaper) run() {
	sigCh := make(chan os.Signal, 16)
	signal.Notify(sigCh, syscall.SIGCHLD)
	for range sigCh {
		for {
			var status syscall.WaitStatus
			pid, err := syscall.Wait4(-1, &status, syscall.WNOHANG, nil)
			if pid <= 0 || err != nil {
				break
			}
			r.ch <- broker.ChildExit{PID: pid, Err: exitError(status)}
		}
	}
}

func exitError(status syscall.WaitStatus) error {
	switch {
	case status.Exited() && status.ExitStatus() == 0:
		return nil
	case status.Exited():
		return fmt.Errorf("exit status %d", status.ExitStatus())
	case status.Signaled():
		return fmt.Errorf("killed by signal %s", status.Signal())
	default:
		return nil
	}
}
