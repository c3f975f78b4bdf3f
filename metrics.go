package bitharbor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hupe1980/bitharbor/index"
	"github.com/hupe1980/bitharbor/ingest"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
//
// Example Prometheus integration:
//
//	type PrometheusCollector struct {
//	    ingestCounter   *prometheus.CounterVec
//	    searchHistogram prometheus.Histogram
//	}
//
//	func (p *PrometheusCollector) RecordIngest(status ingest.Status, d time.Duration, err error) {
//	    p.ingestCounter.WithLabelValues(status.String()).Inc()
//	}
type MetricsCollector interface {
	// RecordIngest is called after each ingest, successful or not.
	RecordIngest(status ingest.Status, duration time.Duration, err error)

	// RecordBatchIngest is called after each batch ingest.
	RecordBatchIngest(count, failed int, duration time.Duration)

	// RecordRollback is called after an ingest rolled back its partial effects.
	// err is non-nil when the rollback itself failed.
	RecordRollback(stage ingest.Stage, err error)

	// RecordSearch is called after each search.
	RecordSearch(k, results int, duration time.Duration, err error)

	// RecordRebuild is called after each index rebuild attempt.
	RecordRebuild(info index.RebuildInfo)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordIngest(ingest.Status, time.Duration, error) {}
func (NoopMetricsCollector) RecordBatchIngest(int, int, time.Duration)        {}
func (NoopMetricsCollector) RecordRollback(ingest.Stage, error)               {}
func (NoopMetricsCollector) RecordSearch(int, int, time.Duration, error)      {}
func (NoopMetricsCollector) RecordRebuild(index.RebuildInfo)                  {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	IngestCount       atomic.Int64
	IngestErrors      atomic.Int64
	IngestTotalNanos  atomic.Int64
	DedupCount        atomic.Int64
	ReplaceCount      atomic.Int64
	BatchIngestCount  atomic.Int64
	BatchIngestItems  atomic.Int64
	BatchIngestFailed atomic.Int64
	RollbackCount     atomic.Int64
	RollbackErrors    atomic.Int64
	SearchCount       atomic.Int64
	SearchErrors      atomic.Int64
	SearchTotalNanos  atomic.Int64
	RebuildCount      atomic.Int64
	RebuildErrors     atomic.Int64
	RebuildLastNanos  atomic.Int64
}

// RecordIngest implements MetricsCollector.
func (b *BasicMetricsCollector) RecordIngest(status ingest.Status, duration time.Duration, err error) {
	b.IngestCount.Add(1)
	b.IngestTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.IngestErrors.Add(1)
		return
	}
	switch status {
	case ingest.StatusDeduplicated:
		b.DedupCount.Add(1)
	case ingest.StatusReplaced:
		b.ReplaceCount.Add(1)
	}
}

// RecordBatchIngest implements MetricsCollector.
func (b *BasicMetricsCollector) RecordBatchIngest(count, failed int, duration time.Duration) {
	b.BatchIngestCount.Add(1)
	b.BatchIngestItems.Add(int64(count))
	b.BatchIngestFailed.Add(int64(failed))
}

// RecordRollback implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRollback(stage ingest.Stage, err error) {
	b.RollbackCount.Add(1)
	if err != nil {
		b.RollbackErrors.Add(1)
	}
}

// RecordSearch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSearch(k, results int, duration time.Duration, err error) {
	b.SearchCount.Add(1)
	b.SearchTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.SearchErrors.Add(1)
	}
}

// RecordRebuild implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRebuild(info index.RebuildInfo) {
	b.RebuildCount.Add(1)
	b.RebuildLastNanos.Store(info.Duration.Nanoseconds())
	if info.Err != nil {
		b.RebuildErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		IngestCount:       b.IngestCount.Load(),
		IngestErrors:      b.IngestErrors.Load(),
		IngestAvgNanos:    avg(b.IngestTotalNanos.Load(), b.IngestCount.Load()),
		DedupCount:        b.DedupCount.Load(),
		ReplaceCount:      b.ReplaceCount.Load(),
		BatchIngestCount:  b.BatchIngestCount.Load(),
		BatchIngestItems:  b.BatchIngestItems.Load(),
		BatchIngestFailed: b.BatchIngestFailed.Load(),
		RollbackCount:     b.RollbackCount.Load(),
		RollbackErrors:    b.RollbackErrors.Load(),
		SearchCount:       b.SearchCount.Load(),
		SearchErrors:      b.SearchErrors.Load(),
		SearchAvgNanos:    avg(b.SearchTotalNanos.Load(), b.SearchCount.Load()),
		RebuildCount:      b.RebuildCount.Load(),
		RebuildErrors:     b.RebuildErrors.Load(),
		RebuildLastNanos:  b.RebuildLastNanos.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	IngestCount       int64
	IngestErrors      int64
	IngestAvgNanos    int64
	DedupCount        int64
	ReplaceCount      int64
	BatchIngestCount  int64
	BatchIngestItems  int64
	BatchIngestFailed int64
	RollbackCount     int64
	RollbackErrors    int64
	SearchCount       int64
	SearchErrors      int64
	SearchAvgNanos    int64
	RebuildCount      int64
	RebuildErrors     int64
	RebuildLastNanos  int64
}

// observer feeds orchestrator events to the metrics collector and logger.
type observer struct {
	metrics MetricsCollector
	logger  *Logger
}

func (o observer) ObserveIngest(out ingest.Outcome) {
	o.metrics.RecordIngest(out.Status, out.Duration, out.Err)
	o.logger.LogIngest(context.Background(), out)
}

func (o observer) ObserveRollback(stage ingest.Stage, cause, rollbackErr error) {
	o.metrics.RecordRollback(stage, rollbackErr)
	o.logger.LogRollback(context.Background(), stage, cause, rollbackErr)
}
