// Package prometheus exports shmheap metrics to Prometheus.
package prometheus

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	shmheap "github.com/RedhawkSDR/core-framework-sub010"
)

// Collector implements shmheap.MetricsCollector on Prometheus metrics.
// Register it with a registry before use.
type Collector struct {
	opLatency  *prom.HistogramVec
	ops        *prom.CounterVec
	allocBytes prom.Counter
	freed      prom.Counter
	arenas     prom.Counter
	arenaBytes prom.Counter
	attaches   prom.Counter
}

var _ shmheap.MetricsCollector = (*Collector)(nil)

// NewCollector creates a collector whose metric names start with namespace.
func NewCollector(namespace string) *Collector {
	return &Collector{
		opLatency: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "allocate_latency_seconds",
			Help:      "Latency of shared-memory allocations",
			Buckets:   prom.ExponentialBuckets(1e-7, 4, 12),
		}, []string{"status"}),
		ops: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Heap operations by kind and outcome",
		}, []string{"op", "status"}),
		allocBytes: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "allocated_bytes_total",
			Help:      "Bytes handed out by successful allocations",
		}),
		freed: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_freed_total",
			Help:      "Blocks returned to a free list",
		}),
		arenas: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "arenas_created_total",
			Help:      "Arenas created",
		}),
		arenaBytes: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "arena_bytes_total",
			Help:      "Capacity of all arenas created",
		}),
		attaches: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "attaches_total",
			Help:      "Arenas attached by clients",
		}),
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prom.Desc) {
	c.opLatency.Describe(ch)
	c.ops.Describe(ch)
	c.allocBytes.Describe(ch)
	c.freed.Describe(ch)
	c.arenas.Describe(ch)
	c.arenaBytes.Describe(ch)
	c.attaches.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prom.Metric) {
	c.opLatency.Collect(ch)
	c.ops.Collect(ch)
	c.allocBytes.Collect(ch)
	c.freed.Collect(ch)
	c.arenas.Collect(ch)
	c.arenaBytes.Collect(ch)
	c.attaches.Collect(ch)
}

// RecordAllocate implements shmheap.MetricsCollector.
func (c *Collector) RecordAllocate(size int, d time.Duration, err error) {
	s := status(err)
	c.opLatency.WithLabelValues(s).Observe(d.Seconds())
	c.ops.WithLabelValues("allocate", s).Inc()
	if err == nil {
		c.allocBytes.Add(float64(size))
	}
}

// RecordDeallocate implements shmheap.MetricsCollector.
func (c *Collector) RecordDeallocate(freed bool, err error) {
	c.ops.WithLabelValues("deallocate", status(err)).Inc()
	if freed {
		c.freed.Inc()
	}
}

// RecordArenaCreated implements shmheap.MetricsCollector.
func (c *Collector) RecordArenaCreated(_ uint32, capacity uint64) {
	c.arenas.Inc()
	c.arenaBytes.Add(float64(capacity))
}

// RecordFetch implements shmheap.MetricsCollector.
func (c *Collector) RecordFetch(attached bool, err error) {
	c.ops.WithLabelValues("fetch", status(err)).Inc()
	if attached && err == nil {
		c.attaches.Inc()
	}
}
