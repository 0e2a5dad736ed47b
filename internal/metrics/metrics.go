// Package metrics exposes transfer and mirror statistics to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BadgerOps/mirrorfed/internal/mirror"
	"github.com/BadgerOps/mirrorfed/internal/transfer"
)

// Namespace prefixes every metric name.
const Namespace = "mirrorfed"

// Collector owns a private Prometheus registry and the metric vectors
// recorded by transfers, mirror selectors and the HTTP server.
type Collector struct {
	registry *prometheus.Registry

	TransferAttempts    *prometheus.CounterVec
	TransferRate        *prometheus.HistogramVec
	MirrorFailures      *prometheus.GaugeVec
	MirrorRate          *prometheus.GaugeVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

var _ transfer.EventSink = (*Collector)(nil)

// New creates a Collector with its own registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		TransferAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "transfer_attempts_total",
			Help:      "Total number of artifact transfer attempts by outcome",
		}, []string{"source", "outcome"}),
		TransferRate: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "transfer_bytes_per_second",
			Help:      "Observed transfer rate of successful attempts",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
		}, []string{"source"}),
		MirrorFailures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "mirror_failures",
			Help:      "Current decaying failure count per mirror",
		}, []string{"repository", "mirror"}),
		MirrorRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "mirror_bytes_per_second",
			Help:      "Smoothed transfer rate per mirror, -1 when unmeasured",
		}, []string{"repository", "mirror"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status_code"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
	reg.MustRegister(
		c.TransferAttempts,
		c.TransferRate,
		c.MirrorFailures,
		c.MirrorRate,
		c.HTTPRequestsTotal,
		c.HTTPRequestDuration,
	)
	return c
}

// Handler returns an HTTP handler that serves the collected metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Publish implements transfer.EventSink.
func (c *Collector) Publish(_ context.Context, ev transfer.MirrorEvent) {
	c.TransferAttempts.WithLabelValues(ev.Source, ev.Status.Outcome().String()).Inc()
	if ev.Status.IsOK() && ev.Status.BytesPerSecond > 0 {
		c.TransferRate.WithLabelValues(ev.Source).Observe(float64(ev.Status.BytesPerSecond))
	}
}

// ObserveMirrors records a snapshot of the mirrors of one repository.
func (c *Collector) ObserveMirrors(repository string, stats []mirror.Stat) {
	for _, st := range stats {
		c.MirrorFailures.WithLabelValues(repository, st.Location).Set(float64(st.FailureCount))
		c.MirrorRate.WithLabelValues(repository, st.Location).Set(float64(st.BytesPerSecond))
	}
}

// RecordHTTPRequest records an HTTP request metric.
func (c *Collector) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	c.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	c.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
