package broker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
)

// WorkerState is the lifecycle state of a Worker record (spec.md §3.2).
type WorkerState int

const (
	// WorkerIdle holds no event and is available for immediate dispatch.
	WorkerIdle WorkerState = iota
	// WorkerRunning owns exactly one event.
	WorkerRunning
	// WorkerKilled has been sent a termination signal and is never
	// reassigned; it is waiting to be reaped.
	WorkerKilled
)

func (s WorkerState) String() string {
	switch s {
	case WorkerIdle:
		return "idle"
	case WorkerRunning:
		return "running"
	case WorkerKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// Worker is the broker's record of one subordinate rule-execution process
// (spec.md §3.2, §4.3). The broker never shares mutable memory with a
// worker after spawn; the child's stdin is the sole path for handing it a
// new Device, framed as newline-delimited JSON.
type Worker struct {
	PID   int
	State WorkerState

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	enc    *json.Encoder
	Reader *bufio.Reader // child's stdout, for diagnostic passthrough only
}

// Send delivers a Device to the worker over its unicast stdin channel. It
// returns an error if the worker did not accept the message (broken pipe,
// exited process) — the caller (WorkerPool.Dispatch) treats that as "the
// worker is broken" per spec.md §4.4.
func (w *Worker) Send(d Device) error {
	if w.stdin == nil {
		return fmt.Errorf("worker %d: no stdin channel", w.PID)
	}
	if err := w.enc.Encode(&d); err != nil {
		return fmt.Errorf("worker %d: send device: %w", w.PID, err)
	}
	return nil
}

// Close releases the worker's stdin channel, signalling it to exit after
// finishing any in-flight device (used for idle recycling, never for
// in-flight kills — those go through Kill).
func (w *Worker) Close() error {
	if w.stdin == nil {
		return nil
	}
	return w.stdin.Close()
}

// Kill sends SIGKILL to the worker process itself (no process group is
// set up, so its own children are not signalled). Used by timeout_sweep
// and kill_all (spec.md §4.4).
func (w *Worker) Kill() error {
	if w.cmd == nil || w.cmd.Process == nil {
		return nil
	}
	return w.cmd.Process.Kill()
}
