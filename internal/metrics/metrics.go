package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spamguard_decisions_total",
		Help: "Visitor decisions by outcome (allowed, blocked, whitelisted)",
	}, []string{"outcome"})
	verdictsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spamguard_detector_verdicts_total",
		Help: "Detector verdicts by detector and outcome (allow, block, no_opinion)",
	}, []string{"detector", "outcome"})
	detectorDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spamguard_detector_duration_seconds",
		Help:    "Time spent evaluating a detector",
		Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"detector"})
	lookupCacheTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spamguard_lookup_cache_total",
		Help: "Remote lookup cache results (hit, miss, fetch_error)",
	}, []string{"result"})
	eventLogFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spamguard_event_log_write_failures_total",
		Help: "Event log rows that could not be persisted or were dropped",
	})
	blockStoreFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spamguard_block_store_write_failures_total",
		Help: "Block store writes that failed",
	})
	autoBlocksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spamguard_auto_blocks_total",
		Help: "Temporary block entries created automatically",
	})
	ingestDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spamguard_ingest_dropped_total",
		Help: "Visitor events dropped before evaluation",
	}, []string{"source"})
)

// Register registers Prometheus collectors. Call once per registry.
func Register(registry prometheus.Registerer) {
	registry.MustRegister(
		decisionsTotal,
		verdictsTotal,
		detectorDuration,
		lookupCacheTotal,
		eventLogFailures,
		blockStoreFailures,
		autoBlocksTotal,
		ingestDropped,
	)
}

func IncDecision(outcome string) { decisionsTotal.WithLabelValues(outcome).Inc() }

func IncVerdict(detector, outcome string) { verdictsTotal.WithLabelValues(detector, outcome).Inc() }

func ObserveDetector(detector string, seconds float64) {
	detectorDuration.WithLabelValues(detector).Observe(seconds)
}

func IncLookupCache(result string) { lookupCacheTotal.WithLabelValues(result).Inc() }

func IncEventLogFailure() { eventLogFailures.Inc() }

func IncBlockStoreFailure() { blockStoreFailures.Inc() }

func IncAutoBlock() { autoBlocksTotal.Inc() }

func IncIngestDropped(source string) { ingestDropped.WithLabelValues(source).Inc() }
