package deposit

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Events  *prometheus.CounterVec
	Credits *prometheus.CounterVec
	Purged  prometheus.Counter
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wallet",
				Name:      "deposit_events_total",
				Help:      "Deposit events by outcome.",
			},
			[]string{"outcome"},
		),
		Credits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wallet",
				Name:      "deposit_credits_total",
				Help:      "Consolidated deposit credits issued per currency.",
			},
			[]string{"currency"},
		),
		Purged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "wallet",
				Name:      "deposit_hashes_purged_total",
				Help:      "Confirmed deposit hashes removed by the retention sweep.",
			},
		),
	}
	if registry != nil {
		registry.MustRegister(m.Events, m.Credits, m.Purged)
	}
	return m
}
