// Package debugapi is the loopback-only HTTP introspection surface
// SPEC_FULL.md §4.7 adds alongside the /run/udev/queue marker file:
// healthz, Prometheus metrics, and a read-only queue snapshot. Its router
// construction follows the teacher's internal/server/rest/router.go
// (chi.NewRouter, middleware.RequestID/Recoverer) line for line, adapted
// from the dashboard's JWT-gated alert API to udevd's unauthenticated
// (loopback-bound) diagnostic routes.
package debugapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tripwire/udevd/internal/broker"
)

// HealthSource reports the supervisor's current lifecycle state.
type HealthSource interface {
	State() broker.SupervisorState
}

// SnapshotSource answers a diagnostic queue dump, implemented by sending a
// broker.SnapshotRequest and waiting on its reply channel (the only way to
// read reactor-owned state without violating the single-writer
// invariant).
type SnapshotSource interface {
	Snapshot(timeout time.Duration) ([]broker.QueueEntry, error)
}

// NewRouter returns the configured chi.Router for the debug surface.
//
// Route layout:
//
//	GET /healthz       - supervisor state, no authentication (loopback-only)
//	GET /metrics       - Prometheus text exposition
//	GET /debug/queue   - JSON dump of queued/running event seqnums
func NewRouter(health HealthSource, snapshots SnapshotSource, reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handleHealthz(health))
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/debug/queue", handleDebugQueue(snapshots))

	return r
}

// ReactorSnapshotter implements SnapshotSource by sending a
// broker.SnapshotRequest to the reactor's snapshot channel and waiting for
// its reply, bounded by timeout on both the send and the reply so a
// misbehaving or stopped reactor turns into an HTTP 503 rather than a
// hung request.
type ReactorSnapshotter struct {
	Requests chan<- broker.SnapshotRequest
}

func (s ReactorSnapshotter) Snapshot(timeout time.Duration) ([]broker.QueueEntry, error) {
	reply := make(chan []broker.QueueEntry, 1)
	select {
	case s.Requests <- broker.SnapshotRequest{Reply: reply}:
	case <-time.After(timeout):
		return nil, fmt.Errorf("debugapi: reactor did not accept snapshot request within %s", timeout)
	}
	select {
	case entries := <-reply:
		return entries, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("debugapi: reactor did not answer snapshot request within %s", timeout)
	}
}

func handleHealthz(health HealthSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"state": health.State().String()})
	}
}

func handleDebugQueue(snapshots SnapshotSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := snapshots.Snapshot(2 * time.Second)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(entries)
	}
}
