package pebblekv

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports the pebble metrics that matter for index builds:
// compaction debt piles up during large rebuilds, memtables and WAL grow
// with batch sizes.
type Collector struct {
	db *pebble.DB

	compactionCount         *prometheus.Desc
	compactionEstimatedDebt *prometheus.Desc
	compactionInProgress    *prometheus.Desc
	memtableSize            *prometheus.Desc
	memtableCount           *prometheus.Desc
	walSize                 *prometheus.Desc
	walBytesWritten         *prometheus.Desc
	diskUsage               *prometheus.Desc
}

func NewCollector(e *Engine) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("viewdb_pebble_"+name, help, nil, nil)
	}
	return &Collector{
		db:                      e.db,
		compactionCount:         desc("compaction_count_total", "Total number of compactions performed"),
		compactionEstimatedDebt: desc("compaction_estimated_debt_bytes", "Estimated number of bytes that need to be compacted to reach a stable state"),
		compactionInProgress:    desc("compaction_in_progress_bytes", "Number of bytes being compacted currently"),
		memtableSize:            desc("memtable_size_bytes", "Current size of the memtable in bytes"),
		memtableCount:           desc("memtable_count", "Current count of memtables"),
		walSize:                 desc("wal_size_bytes", "Size of live WAL data in bytes"),
		walBytesWritten:         desc("wal_bytes_written_total", "Total physical bytes written to the WAL"),
		diskUsage:               desc("disk_usage_bytes", "Total disk space used by the store"),
	}
}

func (pc *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- pc.compactionCount
	ch <- pc.compactionEstimatedDebt
	ch <- pc.compactionInProgress
	ch <- pc.memtableSize
	ch <- pc.memtableCount
	ch <- pc.walSize
	ch <- pc.walBytesWritten
	ch <- pc.diskUsage
}

func (pc *Collector) Collect(ch chan<- prometheus.Metric) {
	metrics := pc.db.Metrics()

	ch <- prometheus.MustNewConstMetric(pc.compactionCount, prometheus.CounterValue, float64(metrics.Compact.Count))
	ch <- prometheus.MustNewConstMetric(pc.compactionEstimatedDebt, prometheus.GaugeValue, float64(metrics.Compact.EstimatedDebt))
	ch <- prometheus.MustNewConstMetric(pc.compactionInProgress, prometheus.GaugeValue, float64(metrics.Compact.InProgressBytes))
	ch <- prometheus.MustNewConstMetric(pc.memtableSize, prometheus.GaugeValue, float64(metrics.MemTable.Size))
	ch <- prometheus.MustNewConstMetric(pc.memtableCount, prometheus.GaugeValue, float64(metrics.MemTable.Count))
	ch <- prometheus.MustNewConstMetric(pc.walSize, prometheus.GaugeValue, float64(metrics.WAL.Size))
	ch <- prometheus.MustNewConstMetric(pc.walBytesWritten, prometheus.CounterValue, float64(metrics.WAL.BytesWritten))
	ch <- prometheus.MustNewConstMetric(pc.diskUsage, prometheus.GaugeValue, float64(metrics.DiskSpaceUsage()))
}
