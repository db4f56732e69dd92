// Package metrics exposes Prometheus instrumentation for bytecode caches.
package metrics

import (
	"context"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/deicod/asyncjinja/runtime"
)

// Collectors holds the metric vectors shared by every instrumented cache.
type Collectors struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. A nil reg uses
// the default registerer.
func New(reg prometheus.Registerer) (*Collectors, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collectors{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "asyncjinja_bytecode_cache_operations_total",
				Help: "Bytecode cache operations by backend, operation and result.",
			},
			[]string{"backend", "op", "result"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "asyncjinja_bytecode_cache_duration_seconds",
				Help:    "Latency of bytecode cache loads and stores.",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
			},
			[]string{"backend", "op"},
		),
	}
	for _, collector := range []prometheus.Collector{c.operations, c.duration} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Wrap instruments cache under the given backend label.
func (c *Collectors) Wrap(backend string, cache runtime.BytecodeCache) *InstrumentedCache {
	return &InstrumentedCache{inner: cache, backend: backend, collectors: c}
}

// InstrumentedCache counts hits, misses, stores and errors of the wrapped
// cache and times every load and store.
type InstrumentedCache struct {
	inner      runtime.BytecodeCache
	backend    string
	collectors *Collectors
}

// Unwrap returns the wrapped cache.
func (c *InstrumentedCache) Unwrap() runtime.BytecodeCache {
	return c.inner
}

func (c *InstrumentedCache) observe(op string, start time.Time) {
	c.collectors.duration.WithLabelValues(c.backend, op).Observe(time.Since(start).Seconds())
}

func (c *InstrumentedCache) count(op, result string) {
	c.collectors.operations.WithLabelValues(c.backend, op, result).Inc()
}

func (c *InstrumentedCache) Load(ctx context.Context, bucket *runtime.Bucket) error {
	start := time.Now()
	err := c.inner.Load(ctx, bucket)
	c.observe("load", start)
	switch {
	case err != nil:
		c.count("load", "error")
	case bucket.Artifact != nil:
		c.count("load", "hit")
	default:
		c.count("load", "miss")
	}
	return err
}

func (c *InstrumentedCache) Store(ctx context.Context, bucket *runtime.Bucket) error {
	start := time.Now()
	err := c.inner.Store(ctx, bucket)
	c.observe("store", start)
	if err != nil {
		c.count("store", "error")
	} else {
		c.count("store", "ok")
	}
	return err
}

// Clear forwards to the wrapped cache when it supports clearing.
func (c *InstrumentedCache) Clear(ctx context.Context) error {
	clearer, ok := c.inner.(runtime.Clearer)
	if !ok {
		return &runtime.ConfigurationError{Option: "bytecode_cache", Message: "backend " + c.backend + " cannot be cleared"}
	}
	err := clearer.Clear(ctx)
	if err != nil {
		c.count("clear", "error")
	} else {
		c.count("clear", "ok")
	}
	return err
}

// Close closes the wrapped cache when it is an io.Closer.
func (c *InstrumentedCache) Close() error {
	if closer, ok := c.inner.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
