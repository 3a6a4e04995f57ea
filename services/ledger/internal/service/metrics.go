package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Mutations        *prometheus.CounterVec
	MutationDuration *prometheus.HistogramVec
	Withdrawals      *prometheus.CounterVec
	Transfers        *prometheus.CounterVec
	Compensations    *prometheus.CounterVec
	EventPublishes   *prometheus.CounterVec
	CurrencyRefresh  *prometheus.HistogramVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Mutations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wallet",
				Name:      "mutations_total",
				Help:      "Total balance mutations by action and outcome.",
			},
			[]string{"action", "status"},
		),
		MutationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "wallet",
				Name:      "mutation_duration_seconds",
				Help:      "Balance mutation duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		Withdrawals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wallet",
				Name:      "withdrawals_total",
				Help:      "Total withdrawal requests and reviews by status.",
			},
			[]string{"status"},
		),
		Transfers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wallet",
				Name:      "transfers_total",
				Help:      "Total internal transfers by status.",
			},
			[]string{"status"},
		),
		Compensations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wallet",
				Name:      "compensations_total",
				Help:      "Total compensating credits by kind and result.",
			},
			[]string{"kind", "result"},
		),
		EventPublishes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wallet",
				Name:      "event_publishes_total",
				Help:      "Total withdrawal events published by topic and status.",
			},
			[]string{"topic", "status"},
		),
		CurrencyRefresh: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "wallet",
				Name:      "currency_refresh_duration_seconds",
				Help:      "Currency registry refresh duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.Mutations,
			m.MutationDuration,
			m.Withdrawals,
			m.Transfers,
			m.Compensations,
			m.EventPublishes,
			m.CurrencyRefresh,
		)
	}

	return m
}

func (m *Metrics) observeMutation(action, status string) {
	if m == nil {
		return
	}
	m.Mutations.WithLabelValues(action, status).Inc()
}

func (m *Metrics) observeDuration(method string, start time.Time) {
	if m == nil {
		return
	}
	m.MutationDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

func (m *Metrics) observeWithdrawal(status string) {
	if m == nil {
		return
	}
	m.Withdrawals.WithLabelValues(status).Inc()
}

func (m *Metrics) observeTransfer(status string) {
	if m == nil {
		return
	}
	m.Transfers.WithLabelValues(status).Inc()
}

func (m *Metrics) observeCompensation(kind, result string) {
	if m == nil {
		return
	}
	m.Compensations.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) observePublish(topic, status string) {
	if m == nil {
		return
	}
	m.EventPublishes.WithLabelValues(topic, status).Inc()
}

// ObserveCurrencyRefresh records one registry refresh.
func (m *Metrics) ObserveCurrencyRefresh(d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.CurrencyRefresh.WithLabelValues(status).Observe(d.Seconds())
}
