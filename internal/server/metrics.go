package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	askRequests   *prometheus.CounterVec
	askDuration   prometheus.Histogram
	firstToken    prometheus.Histogram
	crisisFlagged prometheus.Counter
	tokens        prometheus.Histogram
	activeStreams prometheus.Gauge
	eventClients  prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		askRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "planchette_ask_requests_total",
				Help: "Questions received, by outcome",
			},
			[]string{"outcome"},
		),
		askDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "planchette_ask_duration_seconds",
				Help:    "Time from request to the end of the answer stream",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
			},
		),
		firstToken: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "planchette_ask_first_token_seconds",
				Help:    "Time from request to the first streamed token",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			},
		),
		crisisFlagged: f.NewCounter(
			prometheus.CounterOpts{
				Name: "planchette_crisis_flagged_total",
				Help: "Questions flagged by the crisis classifier",
			},
		),
		tokens: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "planchette_answer_tokens",
				Help:    "Chunks streamed per answer",
				Buckets: prometheus.LinearBuckets(0, 8, 17),
			},
		),
		activeStreams: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "planchette_active_streams",
				Help: "Answer streams currently open",
			},
		),
		eventClients: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "planchette_model_event_clients",
				Help: "Clients subscribed to model status events",
			},
		),
	}
}
