package commit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	commits  *prometheus.CounterVec
	duration prometheus.Histogram
	queued   prometheus.Gauge
}

func newMetrics(r prometheus.Registerer) *metrics {
	return &metrics{
		commits: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Name: "kafkaconsumer_commits_total",
			Help: "Offset commits by mode (sync, async) and outcome (success, noop, retriable, fatal, discarded).",
		}, []string{"mode", "outcome"}),
		duration: promauto.With(r).NewHistogram(prometheus.HistogramOpts{
			Name:    "kafkaconsumer_commit_duration_seconds",
			Help:    "Time spent waiting for the broker to respond to a commit.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		queued: promauto.With(r).NewGauge(prometheus.GaugeOpts{
			Name: "kafkaconsumer_commits_queued",
			Help: "Commits waiting for the completion goroutine.",
		}),
	}
}
