// Package metrics defines the Prometheus instrumentation surface named in
// SPEC_FULL.md's DOMAIN STACK table: backend pool acquire/create/discard
// counters, the connCounter admission gauge, watchdog state-transition
// counters, failover consensus outcome counters, and backend up/down
// transition counters.
//
// Grounded on the teacher's internal/escrow/metrics.go: a struct of
// promauto-registered CounterVec/GaugeVec/HistogramVec fields plus small
// Record*/Set* methods, rather than scattering prometheus calls at every
// call site — registered here against a per-Recorder registry instead of
// the package-global one the teacher uses, since pgproxy's registry is
// constructed once in cmd/pgproxy/main.go rather than at package init.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds every Prometheus metric pgproxy exposes. A nil *Recorder
// is valid everywhere it's consumed: every Record*/Set* method is a no-op
// on a nil receiver, so wiring metrics in is optional at every call site.
type Recorder struct {
	Registry *prometheus.Registry

	PoolAcquireTotal *prometheus.CounterVec
	PoolCreateTotal  *prometheus.CounterVec
	PoolDiscardTotal *prometheus.CounterVec
	PoolSize         prometheus.Gauge
	PoolEvictionTotal prometheus.Counter

	ConnCounter prometheus.Gauge

	WatchdogTransitionTotal *prometheus.CounterVec
	WatchdogState           *prometheus.GaugeVec

	FailoverConsensusTotal *prometheus.CounterVec
	FailoverPending        prometheus.Gauge

	BackendStatus *prometheus.GaugeVec
	BackendTransitionTotal *prometheus.CounterVec
}

// New creates every pgproxy metric and registers it against a fresh
// *prometheus.Registry (not the global DefaultRegisterer, so that every
// pgproxy process — and every test in this package — gets its own
// collector set rather than panicking on duplicate registration). The
// admin HTTP server exposes Recorder.Registry at /metrics.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Recorder{
		Registry: reg,
		PoolAcquireTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgproxy_pool_acquire_total",
				Help: "Backend pool Acquire attempts by result",
			},
			[]string{"result"}, // hit, miss
		),
		PoolCreateTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgproxy_pool_create_total",
				Help: "Backend pool Create attempts by result",
			},
			[]string{"result"}, // ok, error
		),
		PoolDiscardTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgproxy_pool_discard_total",
				Help: "Backend pool entries discarded by reason",
			},
			[]string{"reason"}, // dead_socket, explicit, idle_timeout, evicted, close_idle
		),
		PoolSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pgproxy_pool_size",
				Help: "Current number of live entries in the backend pool",
			},
		),
		PoolEvictionTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pgproxy_pool_eviction_total",
				Help: "Total number of LRU evictions performed when the pool was full",
			},
		),

		ConnCounter: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pgproxy_conn_counter",
				Help: "Current number of accepted frontend connections (connCounter, invariant 3)",
			},
		),

		WatchdogTransitionTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgproxy_watchdog_transition_total",
				Help: "Watchdog state machine transitions",
			},
			[]string{"from", "to"},
		),
		WatchdogState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgproxy_watchdog_state",
				Help: "1 if the watchdog is currently in the named state, else 0",
			},
			[]string{"state"},
		),

		FailoverConsensusTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgproxy_failover_consensus_total",
				Help: "Failover consensus decisions by outcome",
			},
			[]string{"outcome"}, // proceed, no_quorum, building_consensus, consensus_may_fail
		),
		FailoverPending: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pgproxy_failover_pending",
				Help: "Current number of in-flight FailoverObjects awaiting quorum",
			},
		),

		BackendStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgproxy_backend_status",
				Help: "1 if the backend node is currently in the named status, else 0",
			},
			[]string{"node_id", "status"},
		),
		BackendTransitionTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgproxy_backend_transition_total",
				Help: "Backend node status transitions",
			},
			[]string{"node_id", "from", "to"},
		),
	}
}

// RecordPoolAcquire records a pool Acquire outcome.
func (r *Recorder) RecordPoolAcquire(hit bool) {
	if r == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.PoolAcquireTotal.WithLabelValues(result).Inc()
}

// RecordPoolCreate records a pool Create outcome.
func (r *Recorder) RecordPoolCreate(err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.PoolCreateTotal.WithLabelValues(result).Inc()
}

// RecordPoolDiscard records a pool entry discard, with the reason it
// happened.
func (r *Recorder) RecordPoolDiscard(reason string) {
	if r == nil {
		return
	}
	r.PoolDiscardTotal.WithLabelValues(reason).Inc()
}

// RecordPoolEviction records one LRU eviction.
func (r *Recorder) RecordPoolEviction() {
	if r == nil {
		return
	}
	r.PoolEvictionTotal.Inc()
}

// SetPoolSize updates the pool size gauge.
func (r *Recorder) SetPoolSize(n int) {
	if r == nil {
		return
	}
	r.PoolSize.Set(float64(n))
}

// SetConnCounter updates the connCounter gauge.
func (r *Recorder) SetConnCounter(n int) {
	if r == nil {
		return
	}
	r.ConnCounter.Set(float64(n))
}

// RecordWatchdogTransition records a state machine transition and updates
// the current-state gauge vector (the prior state's gauge drops to 0, the
// new state's rises to 1).
func (r *Recorder) RecordWatchdogTransition(from, to string) {
	if r == nil {
		return
	}
	r.WatchdogTransitionTotal.WithLabelValues(from, to).Inc()
	r.WatchdogState.WithLabelValues(from).Set(0)
	r.WatchdogState.WithLabelValues(to).Set(1)
}

// RecordFailoverDecision records one Consensus.Decide outcome.
func (r *Recorder) RecordFailoverDecision(outcome string) {
	if r == nil {
		return
	}
	r.FailoverConsensusTotal.WithLabelValues(outcome).Inc()
}

// SetFailoverPending updates the in-flight FailoverObject gauge.
func (r *Recorder) SetFailoverPending(n int) {
	if r == nil {
		return
	}
	r.FailoverPending.Set(float64(n))
}

// RecordBackendTransition records a backend node's status change and
// updates the per-node status gauge vector.
func (r *Recorder) RecordBackendTransition(nodeID int, from, to string) {
	if r == nil {
		return
	}
	nodeLabel := strconv.Itoa(nodeID)
	r.BackendTransitionTotal.WithLabelValues(nodeLabel, from, to).Inc()
	r.BackendStatus.WithLabelValues(nodeLabel, from).Set(0)
	r.BackendStatus.WithLabelValues(nodeLabel, to).Set(1)
}
