package httputil

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fetchCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "msvcore",
		Subsystem: "httputil",
		Name:      "requests_total",
		Help:      "Total outbound HTTP responses, by host and status code.",
	}, []string{"host", "code"})

	cacheCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "msvcore",
		Subsystem: "httputil",
		Name:      "cache_lookups_total",
		Help:      "Response cache lookups, by outcome.",
	}, []string{"outcome"})

	retryCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "msvcore",
		Subsystem: "httputil",
		Name:      "retries_total",
		Help:      "Total fetch retries after a retryable failure.",
	})
)
