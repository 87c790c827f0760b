// Package metrics provides Prometheus metrics for vibes: datagram traffic
// per port, reliable-send retries, election matches, clock offset and
// session stage timings.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Datagrams ──────────────────────────────────────────────────────────────

// DatagramsSent counts transmitted datagrams by port role and message kind.
var DatagramsSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "vibes",
	Name:      "datagrams_sent_total",
	Help:      "Datagrams transmitted, by port role and message kind.",
}, []string{"role", "kind"})

// DatagramsReceived counts received datagrams by port role and message kind.
var DatagramsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "vibes",
	Name:      "datagrams_received_total",
	Help:      "Datagrams received, by port role and message kind.",
}, []string{"role", "kind"})

// SendErrors counts failed socket writes.
var SendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "vibes",
	Name:      "send_errors_total",
	Help:      "Socket write failures by port role.",
}, []string{"role"})

// ReceiveErrors counts socket read failures other than timeouts.
var ReceiveErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "vibes",
	Name:      "receive_errors_total",
	Help:      "Socket read failures (excluding timeouts) by port role.",
}, []string{"role"})

// ─── Reliable Send ──────────────────────────────────────────────────────────

// ReliableAttempts counts transmissions made by reliable sends.
var ReliableAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "vibes",
	Name:      "reliable_attempts_total",
	Help:      "Transmissions made by reliable sends, including retries.",
}, []string{"role"})

// ReliableFailures counts reliable sends that exhausted their retries.
var ReliableFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "vibes",
	Name:      "reliable_failures_total",
	Help:      "Reliable sends that were never acknowledged.",
}, []string{"role"})

// ─── Discovery & Election ───────────────────────────────────────────────────

// RosterSize tracks the number of discovered peers.
var RosterSize = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "vibes",
	Name:      "roster_size",
	Help:      "Number of peers in the roster (excluding self).",
})

// ElectionMatches counts finished elimination matches by local result.
var ElectionMatches = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "vibes",
	Name:      "election_matches_total",
	Help:      "Elimination matches played, by local result (win, lose, draw).",
}, []string{"result"})

// ElectionDeclines counts DEC answers received to our own challenges.
var ElectionDeclines = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "vibes",
	Name:      "election_declines_total",
	Help:      "Challenges declined by peers.",
})

// ─── Clock ──────────────────────────────────────────────────────────────────

// ClockOffset tracks the averaged offset against the coordinator.
var ClockOffset = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "vibes",
	Name:      "clock_offset_seconds",
	Help:      "Averaged clock offset estimate against the coordinator.",
})

// TimeRequests counts packets served by the coordinator's time server.
var TimeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "vibes",
	Name:      "time_requests_total",
	Help:      "Time server requests by type (probe, start).",
}, []string{"type"})

// ─── Session ────────────────────────────────────────────────────────────────

// StageDuration tracks how long each session stage took.
var StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "vibes",
	Name:      "stage_duration_seconds",
	Help:      "Session stage duration in seconds.",
	Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
}, []string{"stage"})

// SessionsTotal counts finished sessions by outcome.
var SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "vibes",
	Name:      "sessions_total",
	Help:      "Finished sessions by outcome (ok, failed).",
}, []string{"outcome"})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthCheckStatus tracks health check results (1=healthy, 0=unhealthy).
var HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "vibes",
	Name:      "health_check_status",
	Help:      "Health check result per component (1=healthy, 0=unhealthy).",
}, []string{"check"})
