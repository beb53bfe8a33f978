package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Resolve outcomes, used as the "outcome" label.
const (
	OutcomeHit         = "hit"
	OutcomeCreated     = "created"
	OutcomeMirrored    = "mirrored"
	OutcomeFailed      = "failed"
	OutcomeFailCached  = "fail_cached"
	OutcomeUnreadable  = "unreadable"
	OutcomeError       = "error"
	OutcomePassthrough = "passthrough"
)

// Collector wraps the prometheus collectors for the thumbnail cache. All
// methods are safe on a nil Collector, which records nothing.
type Collector struct {
	registry *prometheus.Registry

	resolveTotal   *prometheus.CounterVec
	deliveries     *prometheus.CounterVec
	panics         prometheus.Counter
	queueDepth     prometheus.Gauge
	decodeDuration prometheus.Histogram
}

var decodeBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5}

// NewCollector creates a Collector registered on its own registry.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,

		resolveTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolve_total",
				Help:      "Thumbnail lookups by outcome",
			},
			[]string{"outcome"},
		),

		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_total",
				Help:      "Results handed to dispatcher sinks",
			},
			[]string{"fallback"},
		),

		panics: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_panics_total",
				Help:      "Panics recovered at the worker boundary",
			},
		),

		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "dispatch_queue_depth",
				Help:      "Work items waiting for a worker",
			},
		),

		decodeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "decode_duration_seconds",
				Help:      "Time spent decoding and downscaling source images",
				Buckets:   decodeBuckets,
			},
		),
	}

	registry.MustRegister(c.resolveTotal, c.deliveries, c.panics, c.queueDepth, c.decodeDuration)
	return c
}

// Registry returns the registry the collectors are registered on.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) Resolved(outcome string) {
	if c == nil {
		return
	}
	c.resolveTotal.WithLabelValues(outcome).Inc()
}

func (c *Collector) Delivered(fallback bool) {
	if c == nil {
		return
	}
	label := "false"
	if fallback {
		label = "true"
	}
	c.deliveries.WithLabelValues(label).Inc()
}

func (c *Collector) Panicked() {
	if c == nil {
		return
	}
	c.panics.Inc()
}

func (c *Collector) SetQueueDepth(n int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}

func (c *Collector) ObserveDecode(d time.Duration) {
	if c == nil {
		return
	}
	c.decodeDuration.Observe(d.Seconds())
}
