// Package metrics provides Prometheus metrics for the broker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Latency buckets in seconds; the top bucket sits at the default upstream timeout.
var latencyBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Metrics is the broker's private registry and its collectors.
type Metrics struct {
	Registry *prometheus.Registry

	// Inbound traffic, labelled by method, status_code and matched route.
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Outbound calls, labelled by API profile.
	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	Rejections    *prometheus.CounterVec
	ConfigReloads *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	inbound := []string{"method", "status_code", "route"}
	return &Metrics{
		Registry: reg,

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "api_broker",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Inbound HTTP requests.",
		}, inbound),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "api_broker",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Inbound HTTP request latency in seconds.",
			Buckets:   latencyBuckets,
		}, inbound),
		RequestsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "api_broker",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Inbound HTTP requests being served.",
		}),

		UpstreamDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "api_broker",
			Subsystem: "upstream",
			Name:      "request_duration_seconds",
			Help:      "Upstream call latency in seconds, including body receipt.",
			Buckets:   latencyBuckets,
		}, []string{"api", "method"}),
		UpstreamResponses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "api_broker",
			Subsystem: "upstream",
			Name:      "responses_total",
			Help:      "Upstream responses by API profile, method and status code; transport failures count as status_code=\"error\".",
		}, []string{"api", "method", "status_code"}),

		Rejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "api_broker",
			Name:      "rejections_total",
			Help:      "Requests answered with an error envelope, by error type.",
		}, []string{"type"}),
		ConfigReloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "api_broker",
			Name:      "config_reloads_total",
			Help:      "Config reload attempts by result.",
		}, []string{"result"}),
	}
}

// NormalizeMethod maps anything outside the standard method set to "other".
func NormalizeMethod(method string) string {
	switch method {
	case "GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS":
		return method
	}
	return "other"
}
