package vmcore

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus collectors for the collection driver and incinerator,
// named and registered the way internal/metrics/prometheus.go does for
// the rest of Nova, but kept as package-level collectors registered
// once at import time: vmcore is a library, not a daemon, and has no
// single InitPrometheus call site of its own.
var (
	metricCollectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vmcore",
			Name:      "collections_total",
			Help:      "Total collection cycles driven to completion, by outcome",
		},
		[]string{"outcome"},
	)

	metricRendezvousPauseSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vmcore",
			Name:      "rendezvous_pause_seconds",
			Help:      "Wall-clock time from the start of a collection until every running mutator had joined the rendezvous",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 16),
		},
		[]string{"rendezvous_kind"},
	)

	metricStaleRefsEliminated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vmcore",
			Name:      "stale_refs_eliminated_total",
			Help:      "Stale references nulled out by the incinerator, by VM",
		},
		[]string{"vm"},
	)

	metricStaleRefsSkippedDisabled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vmcore",
			Name:      "stale_refs_skipped_disabled_total",
			Help:      "Stale references left in place because the owning loader had correction disabled",
		},
		[]string{"vm"},
	)

	metricVMsLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vmcore",
			Name:      "vms_live",
			Help:      "Number of VM slots currently live or draining",
		},
	)

	metricMutatorsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vmcore",
			Name:      "mutators_running",
			Help:      "Number of mutators currently in the running list",
		},
	)
)

func init() {
	prometheus.MustRegister(
		metricCollectionsTotal,
		metricRendezvousPauseSeconds,
		metricStaleRefsEliminated,
		metricStaleRefsSkippedDisabled,
		metricVMsLive,
		metricMutatorsRunning,
	)
}

func vmLabel(id VMID) string {
	return strconv.Itoa(int(id))
}
