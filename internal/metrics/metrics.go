package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "docengine"

var (
	// UpsertsTotal counts upserts by outcome: created, updated, identical, invalid, error.
	UpsertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "docs",
		Name:      "upserts_total",
		Help:      "Document upserts by outcome",
	}, []string{"outcome"})

	UpsertRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "docs",
		Name:      "upsert_retries_total",
		Help:      "Read-diff-write cycles retried after a revision conflict",
	})

	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "docs",
		Name:      "query_duration_seconds",
		Help:      "Document read latency by operation",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"operation"})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "events_total",
		Help:      "Change notifications published by kind",
	}, []string{"kind"})

	ConsumerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "consumer",
		Name:      "errors_total",
		Help:      "Downstream consumer failures",
	}, []string{"consumer"})

	LiveFeedConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "change_feed_connections",
		Help:      "Open change feed websocket connections",
	})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route and status",
	}, []string{"route", "status"})
)
