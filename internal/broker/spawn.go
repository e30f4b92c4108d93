package broker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"syscall"
)

// ExecSpawner implements Spawner by re-executing the daemon's own binary as
// a hidden "__worker" subcommand (spec.md §4.3). There is no cgo fork here:
// the child is a fresh process image that inherits nothing but its
// arguments, environment, the stdin/stdout pipes wired up below, and the
// daemon's stderr,
// which is the spec's "share no mutable state with the parent" requirement
// rendered the idiomatic-Go way.
type ExecSpawner struct {
	binaryPath     string
	completionAddr string // unix SOCK_DGRAM path the worker reports completion to
	watchAddr      string // unix SOCK_DGRAM path the worker asks for inotify watches on
	ruleDirectory  string
	dbBackend      string
	runDir         string
	logLevel       string
}

// NewExecSpawner builds an ExecSpawner. binaryPath is normally os.Args[0];
// completionAddr is the broker's credentialed unix datagram completion
// socket, read by CompletionReader (spec.md §4.3 step 4); watchAddr is internal/inotifybridge's watch-
// request socket. dbBackend, runDir, and logLevel are forwarded as flags so
// the worker's devicedb.Store and logger match the parent's configuration
// without re-reading the YAML file itself.
func NewExecSpawner(binaryPath, completionAddr, watchAddr, ruleDirectory, dbBackend, runDir, logLevel string) *ExecSpawner {
	return &ExecSpawner{
		binaryPath:     binaryPath,
		completionAddr: completionAddr,
		watchAddr:      watchAddr,
		ruleDirectory:  ruleDirectory,
		dbBackend:      dbBackend,
		runDir:         runDir,
		logLevel:       logLevel,
	}
}

// Spawn starts a new worker subprocess seeded with the first device it
// should process. env carries the broker's current PropertiesSet snapshot
// (spec.md §3.3), appended on top of the process's own environment so a
// worker-side rule program can still see PATH, HOME, etc.
func (s *ExecSpawner) Spawn(seed Device, env []string) (*Worker, error) {
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("spawn worker: stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, fmt.Errorf("spawn worker: stdout pipe: %w", err)
	}

	cmd := exec.Command(s.binaryPath, "__worker",
		"--rules", s.ruleDirectory,
		"--completion-socket", s.completionAddr,
		"--watch-socket", s.watchAddr,
		"--db-backend", s.dbBackend,
		"--run-dir", s.runDir,
		"--log-level", s.logLevel,
	)
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), env...)
	// Pdeathsig ensures an orphaned worker (daemon crashed before reaping
	// it) is killed by the kernel rather than running forever detached,
	// matching spec.md §4.3 step 2's "receive a termination signal if the
	// parent dies unexpectedly" requirement.
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("spawn worker: start: %w", err)
	}
	// The parent's copies of the child-owned ends are no longer needed.
	stdinR.Close()
	stdoutW.Close()

	w := &Worker{
		PID:    cmd.Process.Pid,
		State:  WorkerRunning,
		cmd:    cmd,
		stdin:  stdinW,
		enc:    json.NewEncoder(stdinW),
		Reader: bufio.NewReader(stdoutR),
	}

	if err := w.Send(seed); err != nil {
		w.Kill()
		return nil, fmt.Errorf("spawn worker: seed device: %w", err)
	}
	return w, nil
}

// CompletionReader decodes the credentialed unix datagram completion
// channel workers report to (spec.md §4.3 step 4, §4.4 on_completion). It
// wraps a SOCK_DGRAM listener bound with SO_PASSCRED so every read carries
// SCM_CREDENTIALS ancillary data the kernel itself stamped with the
// sender's real pid, making the pid unspoofable by the worker.
type CompletionReader struct {
	conn *net.UnixConn
	raw  syscall.RawConn
}

// NewCompletionReader binds addr as a SOCK_DGRAM unix socket with
// credential passing enabled.
func NewCompletionReader(addr string) (*CompletionReader, error) {
	os.Remove(addr)
	laddr := &net.UnixAddr{Name: addr, Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", laddr)
	if err != nil {
		return nil, fmt.Errorf("completion socket listen: %w", err)
	}
	raw, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("completion socket rawconn: %w", err)
	}
	var sockErr error
	if ctrlErr := raw.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_PASSCRED, 1)
	}); ctrlErr != nil {
		conn.Close()
		return nil, fmt.Errorf("completion socket control: %w", ctrlErr)
	}
	if sockErr != nil {
		conn.Close()
		return nil, fmt.Errorf("completion socket SO_PASSCRED: %w", sockErr)
	}
	return &CompletionReader{conn: conn, raw: raw}, nil
}

// Close releases the listening socket.
func (c *CompletionReader) Close() error { return c.conn.Close() }

// ReadCompletion blocks for one completion datagram and returns the
// sender's pid, derived from SCM_CREDENTIALS rather than any payload
// field, and whether trustworthy credentials were actually present.
func (c *CompletionReader) ReadCompletion() (pid int, hasCreds bool, err error) {
	buf := make([]byte, 1)
	oob := make([]byte, syscall.CmsgSpace(syscall.SizeofUcred))

	_, oobn, _, _, rerr := c.conn.ReadMsgUnix(buf, oob)
	if rerr != nil {
		return 0, false, fmt.Errorf("read completion datagram: %w", rerr)
	}

	cmsgs, err := syscall.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return 0, false, fmt.Errorf("parse ancillary data: %w", err)
	}
	for _, cmsg := range cmsgs {
		if cmsg.Header.Level != syscall.SOL_SOCKET || cmsg.Header.Type != syscall.SCM_CREDENTIALS {
			continue
		}
		ucred, err := syscall.ParseUnixCredentials(&cmsg)
		if err != nil {
			continue
		}
		return int(ucred.Pid), true, nil
	}
	return 0, false, nil
}

