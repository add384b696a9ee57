// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package metrics exposes Prometheus collectors for backend probes and
// proxied traffic.
//
// All recording methods are safe to call on a nil *Collector, which lets
// components run without metrics wiring in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "federated_router"

// Probe outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeBadStatus   = "bad_status"
	OutcomeUnreachable = "unreachable"
	OutcomeTimeout     = "timeout"
	OutcomeMalformed   = "malformed"
	OutcomeOversized   = "oversized"
)

// Proxy error kinds.
const (
	ErrorKindBadRequest = "bad_request"
	ErrorKindUpstream   = "upstream"
	ErrorKindStream     = "stream"
)

// Collector groups the router's metrics on a private registry.
type Collector struct {
	registry *prometheus.Registry

	probesTotal   *prometheus.CounterVec
	probeDuration *prometheus.HistogramVec

	proxyRequests *prometheus.CounterVec
	proxyDuration *prometheus.HistogramVec
	proxyErrors   *prometheus.CounterVec
}

// NewCollector creates and registers every metric.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		probesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probes_total",
				Help:      "Backend model-list probes by outcome",
			},
			[]string{"backend", "outcome"},
		),
		probeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "probe_duration_seconds",
				Help:      "Duration of backend model-list probes",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"backend"},
		),
		proxyRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proxy_requests_total",
				Help:      "Requests forwarded to the downstream router by response code",
			},
			[]string{"method", "code"},
		),
		proxyDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "proxy_duration_seconds",
				Help:      "Time to relay a proxied request including the streamed body",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
			},
			[]string{"method"},
		),
		proxyErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proxy_errors_total",
				Help:      "Proxied requests that failed before or during streaming",
			},
			[]string{"kind"},
		),
	}

	c.registry.MustRegister(
		c.probesTotal,
		c.probeDuration,
		c.proxyRequests,
		c.proxyDuration,
		c.proxyErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// RecordProbe records the outcome and latency of a single backend probe.
func (c *Collector) RecordProbe(backend, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.probesTotal.WithLabelValues(backend, outcome).Inc()
	c.probeDuration.WithLabelValues(backend).Observe(d.Seconds())
}

// RecordProxy records a relayed request.
func (c *Collector) RecordProxy(method string, code int, d time.Duration) {
	if c == nil {
		return
	}
	c.proxyRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	c.proxyDuration.WithLabelValues(method).Observe(d.Seconds())
}

// RecordProxyError counts a failed proxied request.
func (c *Collector) RecordProxyError(kind string) {
	if c == nil {
		return
	}
	c.proxyErrors.WithLabelValues(kind).Inc()
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collected metrics in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
