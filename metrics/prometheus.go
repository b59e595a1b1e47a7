// Package metrics provides Prometheus instrumentation for the admission
// control and caching layers.
//
// Wrap any ratecache.Limiter to automatically record decision counts,
// latency, and backend errors:
//
//	collector := metrics.NewCollector()
//	limiter, _ := ratecache.NewTokenBucket(policy)
//	limiter = metrics.Wrap(limiter, metrics.TokenBucket, collector)
//
// Cache instances publish events through a CacheCollector:
//
//	cc := metrics.NewCacheCollector()
//	c, _ := cache.NewStampedeCache(s, time.Minute, cache.WithMetrics(cc))
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	ratecache "github.com/nebutra/ratecache"
)

// TokenBucket is the algorithm label for the token bucket limiter.
const TokenBucket = "token_bucket"

// Collector holds Prometheus metric vectors for limiter instrumentation.
type Collector struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	errors   *prometheus.CounterVec
}

type collectorConfig struct {
	namespace string
	subsystem string
	registry  prometheus.Registerer
	buckets   []float64
}

// CollectorOption configures a Collector or CacheCollector.
type CollectorOption func(*collectorConfig)

// WithNamespace sets the Prometheus metric namespace (prefix).
func WithNamespace(ns string) CollectorOption {
	return func(c *collectorConfig) { c.namespace = ns }
}

// WithSubsystem sets the Prometheus metric subsystem.
func WithSubsystem(sub string) CollectorOption {
	return func(c *collectorConfig) { c.subsystem = sub }
}

// WithRegistry registers metrics with the given Registerer instead of
// prometheus.DefaultRegisterer.
func WithRegistry(r prometheus.Registerer) CollectorOption {
	return func(c *collectorConfig) { c.registry = r }
}

// WithBuckets sets custom histogram buckets for request duration.
func WithBuckets(b []float64) CollectorOption {
	return func(c *collectorConfig) { c.buckets = b }
}

var defaultBuckets = []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1}

func applyCollectorOptions(opts []CollectorOption) *collectorConfig {
	cfg := &collectorConfig{
		namespace: "ratecache",
		registry:  prometheus.DefaultRegisterer,
		buckets:   defaultBuckets,
	}
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// NewCollector creates a Collector and registers its metrics.
//
// Metrics registered:
//   - {namespace}_requests_total            counter   (algorithm, decision)
//   - {namespace}_request_duration_seconds  histogram (algorithm)
//   - {namespace}_errors_total              counter   (algorithm)
//
// Default namespace is "ratecache".
func NewCollector(opts ...CollectorOption) *Collector {
	cfg := applyCollectorOptions(opts)

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Subsystem: cfg.subsystem,
		Name:      "requests_total",
		Help:      "Total admission checks partitioned by algorithm and decision.",
	}, []string{"algorithm", "decision"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.namespace,
		Subsystem: cfg.subsystem,
		Name:      "request_duration_seconds",
		Help:      "Latency of admission Allow calls in seconds.",
		Buckets:   cfg.buckets,
	}, []string{"algorithm"})

	errors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Subsystem: cfg.subsystem,
		Name:      "errors_total",
		Help:      "Total limiter backend errors.",
	}, []string{"algorithm"})

	cfg.registry.MustRegister(requests, duration, errors)

	return &Collector{
		requests: requests,
		duration: duration,
		errors:   errors,
	}
}

// Wrap returns a Limiter that transparently records Prometheus metrics
// for every Allow and AllowN call delegated to inner.
func Wrap(inner ratecache.Limiter, algorithm string, c *Collector) ratecache.Limiter {
	return &instrumentedLimiter{
		inner:     inner,
		algorithm: algorithm,
		collector: c,
	}
}

type instrumentedLimiter struct {
	inner     ratecache.Limiter
	algorithm string
	collector *Collector
}

func (l *instrumentedLimiter) Allow(ctx context.Context, key string) (*ratecache.Result, error) {
	return l.AllowN(ctx, key, 1)
}

func (l *instrumentedLimiter) AllowN(ctx context.Context, key string, n int) (*ratecache.Result, error) {
	start := time.Now()
	result, err := l.inner.AllowN(ctx, key, n)
	l.collector.duration.WithLabelValues(l.algorithm).Observe(time.Since(start).Seconds())

	if err != nil {
		l.collector.errors.WithLabelValues(l.algorithm).Inc()
		if result != nil {
			l.recordDecision(result)
		}
		return result, err
	}

	l.recordDecision(result)
	return result, nil
}

func (l *instrumentedLimiter) Reset(ctx context.Context, key string) error {
	return l.inner.Reset(ctx, key)
}

func (l *instrumentedLimiter) recordDecision(result *ratecache.Result) {
	decision := "denied"
	if result.Allowed {
		decision = "allowed"
	}
	l.collector.requests.WithLabelValues(l.algorithm, decision).Inc()
}

// ─── Cache events ────────────────────────────────────────────────────────────

// NewCacheCollector creates a CacheCollector and registers its metric.
// It implements cache.MetricsRecorder, exposing cache events as a single
// counter partitioned by event name and strategy:
//
//	{namespace}_cache_events_total{event, strategy}
func NewCacheCollector(opts ...CollectorOption) *CacheCollector {
	cfg := applyCollectorOptions(opts)

	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Subsystem: cfg.subsystem,
		Name:      "cache_events_total",
		Help:      "Total cache events partitioned by event name and strategy.",
	}, []string{"event", "strategy"})

	cfg.registry.MustRegister(events)

	return &CacheCollector{events: events}
}

// CacheCollector records cache events as Prometheus counters.
type CacheCollector struct {
	events *prometheus.CounterVec
}

// Add records a cache event. The "strategy" tag becomes a label; the event
// name is the metric's event label.
func (c *CacheCollector) Add(name string, value float64, tags map[string]string) {
	c.events.WithLabelValues(name, tags["strategy"]).Add(value)
}
