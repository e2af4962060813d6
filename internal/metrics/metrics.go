// Package metrics holds the archiver's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "archiver"

var (
	// PushesTotal counts DATA pushes by outcome.
	PushesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pushes_total",
		Help:      "DATA pushes received from data senders by result",
	}, []string{"result"})

	// SenderFailovers counts data senders replaced after going silent.
	SenderFailovers = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sender_failovers_total",
		Help:      "Data senders replaced after a contact timeout",
	})

	// SenderRemovals counts data senders dropped for protocol violations.
	SenderRemovals = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sender_removals_total",
		Help:      "Data senders removed for sending undeclared data",
	})

	// ChainHeight is the counter of the newest cycle in the local chain.
	ChainHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "chain_height",
		Help:      "Counter of the newest known cycle",
	})

	// CyclesIngested counts cycle records appended from pushes.
	CyclesIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cycles_ingested_total",
		Help:      "Cycle records appended to the chain from pushes",
	})

	// VerifiedBodies counts corroborated bodies by kind and result.
	VerifiedBodies = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "verified_bodies_total",
		Help:      "Receipt maps and summary blobs checked against committed hashes",
	}, []string{"kind", "result"})

	// SyncDuration observes bootstrap chain sync attempts.
	SyncDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sync_duration_seconds",
		Help:      "Duration of cycle chain sync attempts",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	})
)

// NewRegistry creates a registry holding the archiver collectors and the
// default process and Go collectors.
func NewRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()

	registry.MustRegister(prometheus.NewProcessCollector(
		prometheus.ProcessCollectorOpts{Namespace: namespace},
	))
	registry.MustRegister(prometheus.NewGoCollector())

	registry.MustRegister(PushesTotal)
	registry.MustRegister(SenderFailovers)
	registry.MustRegister(SenderRemovals)
	registry.MustRegister(ChainHeight)
	registry.MustRegister(CyclesIngested)
	registry.MustRegister(VerifiedBodies)
	registry.MustRegister(SyncDuration)

	return registry
}
