// Package metrics exposes the udevd broker's operational counters and
// gauges as a Prometheus registry, grounded on the same library
// (github.com/prometheus/client_golang) used by cuemby-warren's
// pkg/metrics and smazurov-videonode for their own operational metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Set holds every metric the broker updates. Create one with NewSet and
// pass it (or nil, which every method tolerates) to the components that
// report through it.
type Set struct {
	WorkersSpawned     prometheus.Counter
	WorkersKilled      *prometheus.CounterVec // labels: reason
	EventsDispatched   prometheus.Counter
	EventsDropped      *prometheus.CounterVec // labels: reason
	WorkersRunning     prometheus.Gauge
	WorkersIdle        prometheus.Gauge
	QueueDepth         prometheus.Gauge
	ControlCommandsIn  *prometheus.CounterVec // labels: command
}

// NewSet creates and registers every metric against reg.
func NewSet(reg *prometheus.Registry) *Set {
	s := &Set{
		WorkersSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "udevd_workers_spawned_total",
			Help: "Total number of rule-execution worker subprocesses spawned.",
		}),
		WorkersKilled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "udevd_workers_killed_total",
			Help: "Total number of workers killed, by reason.",
		}, []string{"reason"}),
		EventsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "udevd_events_dispatched_total",
			Help: "Total number of events successfully handed to a worker.",
		}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "udevd_events_dropped_total",
			Help: "Total number of events dropped without completing rule execution, by reason.",
		}, []string{"reason"}),
		WorkersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "udevd_workers_running",
			Help: "Current number of workers with an attached event.",
		}),
		WorkersIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "udevd_workers_idle",
			Help: "Current number of idle (recyclable) workers.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "udevd_queue_depth",
			Help: "Current number of events tracked by the event queue.",
		}),
		ControlCommandsIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "udevd_control_commands_total",
			Help: "Total number of administrative control commands accepted, by command name.",
		}, []string{"command"}),
	}

	reg.MustRegister(
		s.WorkersSpawned, s.WorkersKilled, s.EventsDispatched, s.EventsDropped,
		s.WorkersRunning, s.WorkersIdle, s.QueueDepth, s.ControlCommandsIn,
	)
	return s
}

// killed is a nil-safe helper so callers don't need a nil check before
// every single metric update (the broker may run with metrics disabled in
// tests).
func (s *Set) killed(reason string) {
	if s == nil {
		return
	}
	s.WorkersKilled.WithLabelValues(reason).Inc()
}

// RecordKill increments the workers-killed counter for reason ("timeout",
// "reload", "shutdown", "send-failure", "set-env", "set-log-level").
func (s *Set) RecordKill(reason string) { s.killed(reason) }

// RecordDispatch increments the dispatched-events counter.
func (s *Set) RecordDispatch() {
	if s == nil {
		return
	}
	s.EventsDispatched.Inc()
}

// RecordDrop increments the dropped-events counter for reason
// ("worker-fatal", or the kill_all reason: "reload", "shutdown",
// "set-env", "set-log-level").
func (s *Set) RecordDrop(reason string) {
	if s == nil {
		return
	}
	s.EventsDropped.WithLabelValues(reason).Inc()
}

// RecordSpawn increments the workers-spawned counter.
func (s *Set) RecordSpawn() {
	if s == nil {
		return
	}
	s.WorkersSpawned.Inc()
}

// RecordControlCommand increments the control-commands counter for the
// given command name.
func (s *Set) RecordControlCommand(name string) {
	if s == nil {
		return
	}
	s.ControlCommandsIn.WithLabelValues(name).Inc()
}

// SetGauges updates the point-in-time gauges from current pool/queue
// state.
func (s *Set) SetGauges(running, idle, queueDepth int) {
	if s == nil {
		return
	}
	s.WorkersRunning.Set(float64(running))
	s.WorkersIdle.Set(float64(idle))
	s.QueueDepth.Set(float64(queueDepth))
}
