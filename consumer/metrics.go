package consumer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	records  prometheus.Counter
	polls    *prometheus.CounterVec
	duration prometheus.Histogram
}

func newMetrics(r prometheus.Registerer) *metrics {
	return &metrics{
		records: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "kafkaconsumer_records_polled_total",
			Help: "Records returned by Poll.",
		}),
		polls: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Name: "kafkaconsumer_polls_total",
			Help: "Poll calls by outcome (records, timeout, cancelled, error).",
		}, []string{"outcome"}),
		duration: promauto.With(r).NewHistogram(prometheus.HistogramOpts{
			Name:    "kafkaconsumer_poll_duration_seconds",
			Help:    "Time Poll spent waiting for records.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
	}
}
