package reconciler

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Entries       *prometheus.CounterVec
	BatchDuration prometheus.Histogram
	ReadErrors    prometheus.Counter
	Pending       prometheus.Gauge
	StreamLength  prometheus.Gauge
	GroupPending  prometheus.Gauge
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Entries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wallet",
				Name:      "reconciler_entries_total",
				Help:      "Ledger entries handled by the reconciler by result.",
			},
			[]string{"result"},
		),
		BatchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "wallet",
				Name:      "reconciler_batch_duration_seconds",
				Help:      "Time spent applying one batch of ledger entries.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		ReadErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "wallet",
				Name:      "reconciler_read_errors_total",
				Help:      "Failed reads from the ledger stream.",
			},
		),
		Pending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "wallet",
				Name:      "reconciler_pending_entries",
				Help:      "Entries delivered but not yet acknowledged at the last retry pass.",
			},
		),
		StreamLength: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "wallet",
				Name:      "ledger_stream_length",
				Help:      "Ledger entries not yet acknowledged into the wallet store.",
			},
		),
		GroupPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "wallet",
				Name:      "ledger_group_pending",
				Help:      "Ledger entries delivered to the reconciler group and awaiting ack.",
			},
		),
	}

	if registry != nil {
		registry.MustRegister(m.Entries, m.BatchDuration, m.ReadErrors, m.Pending, m.StreamLength, m.GroupPending)
	}
	return m
}
