package ttl

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	sweeps   *prometheus.CounterVec
	expired  prometheus.Counter
	stale    prometheus.Counter
	skipped  prometheus.Counter
	errors   prometheus.Counter
	duration prometheus.Histogram
	indexOps *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		sweeps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "zephyrttl",
				Name:      "sweeps_total",
				Help:      "Sweep cycles run, by result.",
			},
			[]string{"result"},
		),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zephyrttl",
			Name:      "expired_keys_total",
			Help:      "Data entries deleted by the sweeper.",
		}),
		stale: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zephyrttl",
			Name:      "stale_index_entries_total",
			Help:      "Temporal entries removed without deleting data because the key's expiry had changed.",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zephyrttl",
			Name:      "sweep_skipped_total",
			Help:      "Sweeps not started because another sweep was in progress.",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zephyrttl",
			Name:      "sweep_errors_total",
			Help:      "Sweep cycles that failed to read or commit.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "zephyrttl",
			Name:      "sweep_duration_seconds",
			Help:      "Latency of sweep cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		indexOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "zephyrttl",
				Name:      "index_ops_total",
				Help:      "Expiry index updates, by op (set|clear).",
			},
			[]string{"op"},
		),
	}
	if reg != nil {
		m.sweeps = register(reg, m.sweeps)
		m.expired = register(reg, m.expired)
		m.stale = register(reg, m.stale)
		m.skipped = register(reg, m.skipped)
		m.errors = register(reg, m.errors)
		m.duration = register(reg, m.duration)
		m.indexOps = register(reg, m.indexOps)
	}
	return m
}

// register registers c, or returns the collector already registered under
// the same name so several DBs can share one registry.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}
