// Package metrics exports Manager statistics to Prometheus.
//
// The collector reads the snapshot published by gpures.Manager.Stats, so a
// scrape never touches allocator state owned by the render goroutine.
//
//	reg := prometheus.NewRegistry()
//	reg.MustRegister(metrics.NewCollector(manager))
//	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gogpu/gpures"
	"github.com/gogpu/gpures/pool"
)

const namespace = "gpures"

// Source provides manager statistics. *gpures.Manager implements it.
type Source interface {
	Stats() gpures.Stats
}

type metric struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(s *gpures.Stats) float64
}

// Collector is a prometheus.Collector over a Source.
type Collector struct {
	src     Source
	metrics []metric
	pools   *prometheus.Desc
}

// NewCollector creates a collector. constLabels are added to every series.
func NewCollector(src Source, constLabels ...prometheus.Labels) *Collector {
	var labels prometheus.Labels
	if len(constLabels) > 0 {
		labels = constLabels[0]
	}
	desc := func(subsystem, name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, nil, labels)
	}
	counter := func(subsystem, name, help string, v func(*gpures.Stats) float64) metric {
		return metric{desc(subsystem, name, help), prometheus.CounterValue, v}
	}
	gauge := func(subsystem, name, help string, v func(*gpures.Stats) float64) metric {
		return metric{desc(subsystem, name, help), prometheus.GaugeValue, v}
	}

	return &Collector{
		src: src,
		pools: prometheus.NewDesc(prometheus.BuildFQName(namespace, "pool", "slots"),
			"Resource pool slots by pool and state.", []string{"pool", "state"}, labels),
		metrics: []metric{
			counter("frames", "begun_total", "Frames begun.",
				func(s *gpures.Stats) float64 { return float64(s.Frames) }),
			counter("frames", "submitted_total", "Frame batches submitted.",
				func(s *gpures.Stats) float64 { return float64(s.Queue.Submissions) }),
			counter("frames", "stalls_total", "BeginFrame calls that waited for the GPU.",
				func(s *gpures.Stats) float64 { return float64(s.Queue.Stalls) }),
			gauge("frames", "in_flight", "Frame batches not yet reclaimed.",
				func(s *gpures.Stats) float64 { return float64(s.Queue.InFlight) }),
			gauge("fence", "submitted", "Last submitted fence value.",
				func(s *gpures.Stats) float64 { return float64(s.Queue.LastSubmitted) }),
			gauge("fence", "completed", "Last completed fence value.",
				func(s *gpures.Stats) float64 { return float64(s.Queue.LastCompleted) }),
			gauge("bindings", "capacity", "Binding table size.",
				func(s *gpures.Stats) float64 { return float64(s.BindingCapacity) }),
			gauge("bindings", "used", "Allocated binding table slots.",
				func(s *gpures.Stats) float64 { return float64(s.BindingsUsed) }),
			gauge("bindings", "largest_free", "Longest free run in the binding table.",
				func(s *gpures.Stats) float64 { return float64(s.BindingsLargestFree) }),
			gauge("ring", "pages", "Upload pages across frame contexts.",
				func(s *gpures.Stats) float64 { return float64(s.RingPages) }),
			gauge("ring", "used_bytes", "Upload bytes handed out in the current frame cycle.",
				func(s *gpures.Stats) float64 { return float64(s.RingBytesUsed) }),
			gauge("packed", "capacity_bytes", "Capacity of the packed per-frame buffers.",
				func(s *gpures.Stats) float64 { return float64(s.PackedBytes) }),
			counter("packed", "resizes_total", "Packed buffer migrations.",
				func(s *gpures.Stats) float64 { return float64(s.PackedResizes) }),
			counter("packed", "migrated_bytes_total", "Bytes copied by packed buffer migrations.",
				func(s *gpures.Stats) float64 { return float64(s.BytesMigrated) }),
			gauge("release", "pending", "Destructions waiting for a fence.",
				func(s *gpures.Stats) float64 { return float64(s.PendingReleases) }),
			counter("draws", "skipped_total", "Drawables dropped for stale handles.",
				func(s *gpures.Stats) float64 { return float64(s.SkippedDraws) }),
		},
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
	ch <- c.pools
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()
	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.kind, m.value(&s))
	}
	for name, ps := range map[string]pool.Stats{
		"buffers":   s.Buffers,
		"materials": s.Materials,
		"meshes":    s.Meshes,
	} {
		ch <- prometheus.MustNewConstMetric(c.pools, prometheus.GaugeValue, float64(ps.Live), name, "live")
		ch <- prometheus.MustNewConstMetric(c.pools, prometheus.GaugeValue, float64(ps.Free), name, "free")
		ch <- prometheus.MustNewConstMetric(c.pools, prometheus.GaugeValue, float64(ps.Retired), name, "retired")
	}
}
