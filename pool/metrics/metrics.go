// Package metrics exports pool statistics to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/joshuapare/handlepool/pool"
)

// Source is anything that can report pool statistics, usually a *pool.Pool.
type Source interface {
	Stats() (pool.Stats, error)
}

// Collector is a prometheus.Collector reading a fresh Stats on every scrape.
type Collector struct {
	src Source

	capacity      *prometheus.Desc
	blocks        *prometheus.Desc
	bytes         *prometheus.Desc
	largest       *prometheus.Desc
	fragmentation *prometheus.Desc
	dirtyPages    *prometheus.Desc
	ops           *prometheus.Desc
	compaction    *prometheus.Desc
	grows         *prometheus.Desc
	remaps        *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector for src. constLabels distinguish pools
// registered in the same registry.
func NewCollector(src Source, namespace string, constLabels prometheus.Labels) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "pool", name), help, labels, constLabels)
	}
	return &Collector{
		src:           src,
		capacity:      desc("capacity_bytes", "Arena size in bytes."),
		blocks:        desc("blocks", "Blocks by state.", "state"),
		bytes:         desc("payload_bytes", "Payload bytes by state.", "state"),
		largest:       desc("largest_block_bytes", "Largest payload by state.", "state"),
		fragmentation: desc("fragmentation_ratio", "1 - largest free block / free bytes."),
		dirtyPages:    desc("dirty_pages", "Pages of a file arena not yet flushed."),
		ops:           desc("operations_total", "Completed operations by kind.", "op"),
		compaction:    desc("compaction_total", "Compaction work by kind.", "kind"),
		grows:         desc("grows_total", "Arena growth steps."),
		remaps:        desc("remaps_total", "Arena growths that moved the base address."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.capacity, c.blocks, c.bytes, c.largest, c.fragmentation,
		c.dirtyPages, c.ops, c.compaction, c.grows, c.remaps,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st, err := c.src.Stats()
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.capacity, err)
		return
	}

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	gauge(c.capacity, float64(st.Capacity))
	gauge(c.blocks, float64(st.FreeBlocks), "free")
	gauge(c.blocks, float64(st.AllocatedBlocks-st.AcquiredBlocks), "allocated")
	gauge(c.blocks, float64(st.AcquiredBlocks), "acquired")
	gauge(c.bytes, float64(st.AvailableTotal), "free")
	gauge(c.bytes, float64(st.UsedTotal), "used")
	gauge(c.largest, float64(st.AvailableLargest), "free")
	gauge(c.largest, float64(st.UsedLargest), "used")
	gauge(c.fragmentation, st.Fragmentation)
	gauge(c.dirtyPages, float64(st.DirtyPages))

	counter(c.ops, st.Allocs, "allocate")
	counter(c.ops, st.Frees, "free")
	counter(c.ops, st.Resizes, "resize")
	counter(c.ops, st.Acquires, "acquire")
	counter(c.ops, st.Releases, "release")
	counter(c.compaction, st.Passes, "pass")
	counter(c.compaction, st.Moves, "move")
	counter(c.compaction, st.Shifts, "shift")
	counter(c.compaction, st.ThrottledPasses, "throttled")
	counter(c.grows, st.Grows)
	counter(c.remaps, st.Remaps)
}
