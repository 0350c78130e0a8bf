// Package metrics exports Prometheus metrics for submission, retrieval, and
// the broker/backend calls they make.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var latencyBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// Exporter holds every counter and histogram the gateway records.
type Exporter struct {
	registry *prometheus.Registry

	submissions     *prometheus.CounterVec
	submitLatency   *prometheus.HistogramVec
	retrievals      *prometheus.CounterVec
	retrieveLatency *prometheus.HistogramVec

	brokerCalls    *prometheus.CounterVec
	brokerLatency  *prometheus.HistogramVec
	backendCalls   *prometheus.CounterVec
	backendLatency *prometheus.HistogramVec
}

// NewExporter builds and registers every metric against a fresh registry.
func NewExporter() *Exporter {
	registry := prometheus.NewRegistry()

	e := &Exporter{
		registry: registry,
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qcgateway",
			Subsystem: "compute",
			Name:      "submissions_total",
			Help:      "Total number of compute submissions by program and outcome.",
		}, []string{"program", "status"}),
		submitLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "qcgateway",
			Subsystem: "compute",
			Name:      "submit_latency_seconds",
			Help:      "Submission handler latency in seconds.",
			Buckets:   latencyBuckets,
		}, []string{"program"}),
		retrievals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qcgateway",
			Subsystem: "compute",
			Name:      "retrievals_total",
			Help:      "Total number of output retrievals by outcome.",
		}, []string{"status"}),
		retrieveLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "qcgateway",
			Subsystem: "compute",
			Name:      "retrieve_latency_seconds",
			Help:      "Retrieval handler latency in seconds.",
			Buckets:   latencyBuckets,
		}, []string{}),
		brokerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qcgateway",
			Subsystem: "broker",
			Name:      "calls_total",
			Help:      "Total broker client calls by method and outcome.",
		}, []string{"method", "status"}),
		brokerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "qcgateway",
			Subsystem: "broker",
			Name:      "call_latency_seconds",
			Help:      "Broker client call latency in seconds.",
			Buckets:   latencyBuckets,
		}, []string{"method"}),
		backendCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qcgateway",
			Subsystem: "backend",
			Name:      "calls_total",
			Help:      "Total result backend client calls by method and outcome.",
		}, []string{"method", "status"}),
		backendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "qcgateway",
			Subsystem: "backend",
			Name:      "call_latency_seconds",
			Help:      "Result backend client call latency in seconds.",
			Buckets:   latencyBuckets,
		}, []string{"method"}),
	}

	registry.MustRegister(
		e.submissions,
		e.submitLatency,
		e.retrievals,
		e.retrieveLatency,
		e.brokerCalls,
		e.brokerLatency,
		e.backendCalls,
		e.backendLatency,
	)
	return e
}

// RecordSubmission records the outcome and latency of a submit handler call.
func (e *Exporter) RecordSubmission(program string, latency time.Duration, success bool) {
	status := statusLabel(success)
	e.submissions.WithLabelValues(program, status).Inc()
	e.submitLatency.WithLabelValues(program).Observe(latency.Seconds())
}

// RecordRetrieval records the outcome and latency of a retrieve handler call.
func (e *Exporter) RecordRetrieval(latency time.Duration, success bool) {
	e.retrievals.WithLabelValues(statusLabel(success)).Inc()
	e.retrieveLatency.WithLabelValues().Observe(latency.Seconds())
}

// RecordBrokerCall records one broker client method invocation.
func (e *Exporter) RecordBrokerCall(method string, latency time.Duration, success bool) {
	e.brokerCalls.WithLabelValues(method, statusLabel(success)).Inc()
	e.brokerLatency.WithLabelValues(method).Observe(latency.Seconds())
}

// RecordBackendCall records one result backend client method invocation.
func (e *Exporter) RecordBackendCall(method string, latency time.Duration, success bool) {
	e.backendCalls.WithLabelValues(method, statusLabel(success)).Inc()
	e.backendLatency.WithLabelValues(method).Observe(latency.Seconds())
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// Handler serves the registry in the Prometheus text exposition format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}
