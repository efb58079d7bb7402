// Package metrics wires a Store's activity into Prometheus counters/gauges,
// the role the teacher's stats.Tracker plays for proxy/target nodes — this
// module drops the teacher's StatsD wire format and registers plain
// prometheus collectors instead, since a single embedded archive has no
// cluster-wide stats aggregator to feed.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the counters/gauges one Store registers on construction.
// A nil *Metrics (via NoOp) is safe to call methods on; they become no-ops.
type Metrics struct {
	reg *prometheus.Registry

	FilesAdded     prometheus.Counter
	FilesRemoved   prometheus.Counter
	BytesWritten   prometheus.Counter
	BytesRead      prometheus.Counter
	DefragRuns     prometheus.Counter
	GapBytesFreed  prometheus.Counter
	ReshardRuns    prometheus.Counter
	MergeRuns      prometheus.Counter
	IntegrityFails prometheus.Counter

	NumFiles  prometheus.Gauge
	NumShards prometheus.Gauge
	GapBytes  prometheus.Gauge
}

// New registers a fresh set of collectors on reg under the "barecat_"
// namespace, labeled with archive so multiple Stores in one process don't
// collide.
func New(reg *prometheus.Registry, archive string) *Metrics {
	labels := prometheus.Labels{"archive": archive}
	newCounter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "barecat",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
		reg.MustRegister(c)
		return c
	}
	newGauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "barecat",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
		reg.MustRegister(g)
		return g
	}
	return &Metrics{
		reg:            reg,
		FilesAdded:     newCounter("files_added_total", "files inserted via add/addtree/merge"),
		FilesRemoved:   newCounter("files_removed_total", "files deleted via remove/rmtree"),
		BytesWritten:   newCounter("bytes_written_total", "payload bytes appended or overwritten into shards"),
		BytesRead:      newCounter("bytes_read_total", "payload bytes read back out of shards"),
		DefragRuns:     newCounter("defrag_runs_total", "defrag invocations, any mode"),
		GapBytesFreed:  newCounter("gap_bytes_freed_total", "bytes reclaimed by defrag/reshard truncation"),
		ReshardRuns:    newCounter("reshard_runs_total", "reshard invocations"),
		MergeRuns:      newCounter("merge_runs_total", "merge invocations, any mode"),
		IntegrityFails: newCounter("integrity_failures_total", "verify_integrity calls that found any mismatch"),
		NumFiles:       newGauge("num_files", "current file count (root num_files_tree)"),
		NumShards:      newGauge("num_shards", "current number of shard blob files"),
		GapBytes:       newGauge("gap_bytes", "current total unreferenced bytes across all shards"),
	}
}

// NoOp returns a Metrics whose collectors are unregistered and safe to call
// but never scraped — used by Stores opened without an explicit registry.
func NoOp() *Metrics {
	return New(prometheus.NewRegistry(), "unregistered")
}

// Registry returns the registry collectors were registered on, for an
// embedding process to expose via promhttp.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}
