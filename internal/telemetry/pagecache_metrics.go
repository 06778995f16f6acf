package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// PageCacheMetrics holds all the metric instruments for the page cache.
type PageCacheMetrics struct {
	AllocationsCounter       metric.Int64Counter
	FreesCounter             metric.Int64Counter
	CasFailuresCounter       metric.Int64Counter
	ConsolidationsCounter    metric.Int64Counter
	SegmentsReclaimedCounter metric.Int64Counter
	BytesRelocatedCounter    metric.Int64Counter
	SnapshotsCounter         metric.Int64Counter
	PageInsCounter           metric.Int64Counter
	PageOutsCounter          metric.Int64Counter
	FlushLatencyHistogram    metric.Int64Histogram
}

// NewPageCacheMetrics creates and registers all the metrics for the page
// cache.
func NewPageCacheMetrics(meter metric.Meter) (*PageCacheMetrics, error) {
	allocations, err := meter.Int64Counter(
		"sled.pagecache.allocations_total",
		metric.WithDescription("Total number of pages allocated."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	frees, err := meter.Int64Counter(
		"sled.pagecache.frees_total",
		metric.WithDescription("Total number of pages freed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	casFailures, err := meter.Int64Counter(
		"sled.pagecache.cas_failures_total",
		metric.WithDescription("Total number of page table CAS attempts that lost a race."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	consolidations, err := meter.Int64Counter(
		"sled.pagecache.consolidations_total",
		metric.WithDescription("Total number of fragment chains folded into a new base."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	reclaimed, err := meter.Int64Counter(
		"sled.pagecache.segments_reclaimed_total",
		metric.WithDescription("Total number of log segments returned to the free list."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	relocated, err := meter.Int64Counter(
		"sled.pagecache.bytes_relocated_total",
		metric.WithDescription("Total bytes rewritten by segment compaction."),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	snapshots, err := meter.Int64Counter(
		"sled.pagecache.snapshots_total",
		metric.WithDescription("Total number of page table snapshots written."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pageIns, err := meter.Int64Counter(
		"sled.pagecache.page_ins_total",
		metric.WithDescription("Total number of fragment chains read back from the log."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pageOuts, err := meter.Int64Counter(
		"sled.pagecache.page_outs_total",
		metric.WithDescription("Total number of fragment chains dropped from memory."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	flushLatency, err := meter.Int64Histogram(
		"sled.pagecache.flush.duration",
		metric.WithDescription("The latency of log flushes."),
		metric.WithUnit("us"),
	)
	if err != nil {
		return nil, err
	}

	return &PageCacheMetrics{
		AllocationsCounter:       allocations,
		FreesCounter:             frees,
		CasFailuresCounter:       casFailures,
		ConsolidationsCounter:    consolidations,
		SegmentsReclaimedCounter: reclaimed,
		BytesRelocatedCounter:    relocated,
		SnapshotsCounter:         snapshots,
		PageInsCounter:           pageIns,
		PageOutsCounter:          pageOuts,
		FlushLatencyHistogram:    flushLatency,
	}, nil
}

// NoopPageCacheMetrics returns instruments that record nothing.
func NoopPageCacheMetrics() *PageCacheMetrics {
	m, _ := NewPageCacheMetrics(noop.NewMeterProvider().Meter(""))
	return m
}
