package broker

import (
	"log/slog"
	"os"
	"time"
)

// SupervisorState is one state of the lifecycle state machine described in
// spec.md §4.7.
type SupervisorState int

const (
	StateStarting SupervisorState = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s SupervisorState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// drainTimeout is the ceiling spec.md §4.7/§5 places on waiting for workers
// to reap during shutdown.
const drainTimeout = 30 * time.Second

// Supervisor tracks the broker's Starting/Running/Draining/Stopped
// lifecycle and maintains the /run/udev/queue marker file external
// "settle" tooling polls for (spec.md §4.7).
type Supervisor struct {
	state      SupervisorState
	broker     *Broker
	markerPath string
	markerBusy bool
	drainStart time.Time
	logger     *slog.Logger
}

// NewSupervisor constructs a Supervisor in the Starting state.
func NewSupervisor(b *Broker, markerPath string, logger *slog.Logger) *Supervisor {
	return &Supervisor{state: StateStarting, broker: b, markerPath: markerPath, logger: logger}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() SupervisorState { return s.state }

// MarkRunning transitions Starting -> Running once initialization (socket
// binds, rule load, multiplexer setup) has completed.
func (s *Supervisor) MarkRunning() {
	if s.state == StateStarting {
		s.state = StateRunning
		s.logger.Info("supervisor running")
	}
}

// BeginDraining transitions Running -> Draining: all current workers are
// killed, queued events are purged, and the drain deadline starts.
// Unregistering the control/netlink/inotify sources themselves is the
// reactor's responsibility, since only it owns those channels.
func (s *Supervisor) BeginDraining() {
	if s.state != StateRunning {
		return
	}
	s.state = StateDraining
	s.drainStart = time.Now()
	s.broker.Pool.KillAll("shutdown")
	s.broker.Queue.Cleanup(CleanupAll)
	s.logger.Info("supervisor draining")
}

// Tick re-evaluates Draining -> Stopped and refreshes the queue marker
// file. Callers invoke it once per reactor pass while in Draining, and
// periodically while Running to keep the marker file accurate.
func (s *Supervisor) Tick() {
	s.refreshMarker()

	if s.state != StateDraining {
		return
	}
	if s.broker.Idle() {
		s.state = StateStopped
		s.logger.Info("supervisor stopped: drain complete")
		return
	}
	if time.Since(s.drainStart) > drainTimeout {
		s.state = StateStopped
		s.logger.Warn("supervisor stopped: drain deadline exceeded, forcing")
	}
}

// Stopped reports whether the state machine has reached Stopped.
func (s *Supervisor) Stopped() bool { return s.state == StateStopped }

// refreshMarker creates or removes the /run/udev/queue marker file to
// reflect whether the broker is currently busy, for external "settle"
// tooling (spec.md §4.7).
func (s *Supervisor) refreshMarker() {
	busy := !s.broker.Idle()
	if busy == s.markerBusy {
		return
	}
	s.markerBusy = busy

	if busy {
		if f, err := os.Create(s.markerPath); err != nil {
			s.logger.Warn("failed to create queue marker", slog.Any("error", err))
		} else {
			f.Close()
		}
		return
	}
	if err := os.Remove(s.markerPath); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove queue marker", slog.Any("error", err))
	}
}
