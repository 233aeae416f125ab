package prometheus

import (
	"strconv"

	prom "github.com/prometheus/client_golang/prometheus"

	shmheap "github.com/RedhawkSDR/core-framework-sub010"
)

// HeapCollector exports the accounting of a heap as gauges, read from
// the arena headers at scrape time.
type HeapCollector struct {
	heap *shmheap.Heap

	capacity *prom.Desc
	used     *prom.Desc
	free     *prom.Desc
	live     *prom.Desc
	frag     *prom.Desc
	shmFree  *prom.Desc
}

// NewHeapCollector creates a collector for h.
func NewHeapCollector(namespace string, h *shmheap.Heap) *HeapCollector {
	labels := []string{"heap", "arena"}
	return &HeapCollector{
		heap:     h,
		capacity: prom.NewDesc(prom.BuildFQName(namespace, "arena", "capacity_bytes"), "Arena capacity", labels, nil),
		used:     prom.NewDesc(prom.BuildFQName(namespace, "arena", "used_bytes"), "Bytes held by live blocks", labels, nil),
		free:     prom.NewDesc(prom.BuildFQName(namespace, "arena", "free_bytes"), "Bytes held by free blocks", labels, nil),
		live:     prom.NewDesc(prom.BuildFQName(namespace, "arena", "live_blocks"), "Live blocks", labels, nil),
		frag:     prom.NewDesc(prom.BuildFQName(namespace, "arena", "fragmentation_ratio"), "Share of free bytes outside the largest free block", labels, nil),
		shmFree:  prom.NewDesc(prom.BuildFQName(namespace, "shm", "free_bytes"), "Free bytes in the shared-memory filesystem", []string{"heap"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *HeapCollector) Describe(ch chan<- *prom.Desc) {
	ch <- c.capacity
	ch <- c.used
	ch <- c.free
	ch <- c.live
	ch <- c.frag
	ch <- c.shmFree
}

// Collect implements prometheus.Collector.
func (c *HeapCollector) Collect(ch chan<- prom.Metric) {
	s := c.heap.Stats()
	for _, a := range s.Arenas {
		index := strconv.FormatUint(uint64(a.Index), 10)
		ch <- prom.MustNewConstMetric(c.capacity, prom.GaugeValue, float64(a.Capacity), s.Name, index)
		ch <- prom.MustNewConstMetric(c.used, prom.GaugeValue, float64(a.BytesUsed), s.Name, index)
		ch <- prom.MustNewConstMetric(c.free, prom.GaugeValue, float64(a.BytesFree), s.Name, index)
		ch <- prom.MustNewConstMetric(c.live, prom.GaugeValue, float64(a.LiveBlocks), s.Name, index)
		ch <- prom.MustNewConstMetric(c.frag, prom.GaugeValue, a.Fragmentation, s.Name, index)
	}
	if s.ShmTotal > 0 {
		ch <- prom.MustNewConstMetric(c.shmFree, prom.GaugeValue, float64(s.ShmFree), s.Name)
	}
}
