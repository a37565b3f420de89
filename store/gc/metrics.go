package gc

import (
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds GC-related OpenTelemetry metric instruments.
type Metrics struct {
	runsTotal        metric.Int64Counter
	runDuration      metric.Float64Histogram
	entriesDeleted   metric.Int64Counter
	chunksDeleted    metric.Int64Counter
	chunkClaimsLost  metric.Int64Counter
	inconsistencies  metric.Int64Counter
	bytesReclaimed   metric.Int64Counter
	errorsTotal      metric.Int64Counter
	lastRunTimestamp metric.Float64Gauge
	lastRunSuccess   metric.Float64Gauge
}

// NewMetrics creates a new Metrics instance with the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	runsTotal, err := meter.Int64Counter(
		"binary_cache_gc_runs_total",
		metric.WithDescription("Total number of GC runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram(
		"binary_cache_gc_run_duration_seconds",
		metric.WithDescription("GC run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 900),
	)
	if err != nil {
		return nil, err
	}

	entriesDeleted, err := meter.Int64Counter(
		"binary_cache_gc_entries_deleted_total",
		metric.WithDescription("Total number of archive entries removed by retention"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	chunksDeleted, err := meter.Int64Counter(
		"binary_cache_gc_chunks_deleted_total",
		metric.WithDescription("Total number of unreferenced chunks deleted after the grace period"),
		metric.WithUnit("{chunk}"),
	)
	if err != nil {
		return nil, err
	}

	chunkClaimsLost, err := meter.Int64Counter(
		"binary_cache_gc_chunk_claims_lost_total",
		metric.WithDescription("Total chunks skipped because they were referenced again before the claim"),
		metric.WithUnit("{chunk}"),
	)
	if err != nil {
		return nil, err
	}

	inconsistencies, err := meter.Int64Counter(
		"binary_cache_gc_inconsistencies_total",
		metric.WithDescription("Total chunk rows whose blob was already missing from storage"),
		metric.WithUnit("{chunk}"),
	)
	if err != nil {
		return nil, err
	}

	bytesReclaimed, err := meter.Int64Counter(
		"binary_cache_gc_bytes_reclaimed_total",
		metric.WithDescription("Total stored bytes reclaimed by GC"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	errorsTotal, err := meter.Int64Counter(
		"binary_cache_gc_errors_total",
		metric.WithDescription("Total number of GC errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	lastRunTimestamp, err := meter.Float64Gauge(
		"binary_cache_gc_last_run_timestamp_seconds",
		metric.WithDescription("Unix timestamp of last GC run"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	lastRunSuccess, err := meter.Float64Gauge(
		"binary_cache_gc_last_run_success",
		metric.WithDescription("Whether last GC run was successful (1=success, 0=failure)"),
		metric.WithUnit("{status}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		runsTotal:        runsTotal,
		runDuration:      runDuration,
		entriesDeleted:   entriesDeleted,
		chunksDeleted:    chunksDeleted,
		chunkClaimsLost:  chunkClaimsLost,
		inconsistencies:  inconsistencies,
		bytesReclaimed:   bytesReclaimed,
		errorsTotal:      errorsTotal,
		lastRunTimestamp: lastRunTimestamp,
		lastRunSuccess:   lastRunSuccess,
	}, nil
}
