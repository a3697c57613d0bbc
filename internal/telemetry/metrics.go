package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestsTotal counts HTTP requests by route pattern, method, and status.
var HTTPRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total HTTP requests.",
	},
	[]string{"route", "method", "status"},
)

// HTTPRequestDuration tracks HTTP request latency by route pattern and method.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"route", "method"},
)

// AuthLoginsTotal counts login attempts by result (success | fail).
var AuthLoginsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "auth_logins_total",
		Help: "Total authentication attempts.",
	},
	[]string{"result"},
)

// BudgetRequestsTotal counts budget requests by decision status.
var BudgetRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "budget_requests_total",
		Help: "Total budget reservation requests.",
	},
	[]string{"status"},
)

// BudgetCommitsTotal counts committed reservations.
var BudgetCommitsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "budget_commits_total",
		Help: "Total budget commits.",
	},
)

// BudgetReleasesTotal counts released reservations.
var BudgetReleasesTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "budget_releases_total",
		Help: "Total budget releases.",
	},
)

// DLQResolvedTotal counts resolved dead-letter messages.
var DLQResolvedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "dlq_resolved_total",
		Help: "Total DLQ messages resolved.",
	},
)

// BreakerResetsTotal counts admin-initiated circuit breaker resets.
var BreakerResetsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "breaker_resets_total",
		Help: "Total circuit breaker resets.",
	},
)

// All returns all taskowl-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AuthLoginsTotal,
		BudgetRequestsTotal,
		BudgetCommitsTotal,
		BudgetReleasesTotal,
		DLQResolvedTotal,
		BreakerResetsTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors
// and any additional service-specific collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
