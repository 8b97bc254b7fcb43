package tilecache

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems.
// PrometheusCollector is the bundled Prometheus implementation.
type MetricsCollector interface {
	// RecordBuild is called after each decode.
	// duration is the time spent in the decoder, err is nil if successful.
	RecordBuild(duration time.Duration, err error)

	// RecordAdmission is called for every materialization that reached the
	// budget. admitted is false when the tile was degraded to a placeholder.
	RecordAdmission(admitted bool)

	// RecordEviction is called after each eviction pass that removed tiles.
	RecordEviction(level string, count int, bytes int64)

	// RecordBatch is called for each batch delivered to a session.
	RecordBatch(records int)

	// RecordTransition is called for each lifecycle transition.
	RecordTransition(from, to State)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordBuild(time.Duration, error)  {}
func (NoopMetricsCollector) RecordAdmission(bool)              {}
func (NoopMetricsCollector) RecordEviction(string, int, int64) {}
func (NoopMetricsCollector) RecordBatch(int)                   {}
func (NoopMetricsCollector) RecordTransition(State, State)     {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	BuildCount      atomic.Int64
	BuildErrors     atomic.Int64
	BuildTotalNanos atomic.Int64
	Admitted        atomic.Int64
	Rejected        atomic.Int64
	EvictionPasses  atomic.Int64
	EvictedTiles    atomic.Int64
	EvictedBytes    atomic.Int64
	BatchCount      atomic.Int64
	BatchRecords    atomic.Int64
	Transitions     atomic.Int64
	ReadyTiles      atomic.Int64
}

// RecordBuild implements MetricsCollector.
func (b *BasicMetricsCollector) RecordBuild(duration time.Duration, err error) {
	b.BuildCount.Add(1)
	b.BuildTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.BuildErrors.Add(1)
	}
}

// RecordAdmission implements MetricsCollector.
func (b *BasicMetricsCollector) RecordAdmission(admitted bool) {
	if admitted {
		b.Admitted.Add(1)
	} else {
		b.Rejected.Add(1)
	}
}

// RecordEviction implements MetricsCollector.
func (b *BasicMetricsCollector) RecordEviction(_ string, count int, bytes int64) {
	b.EvictionPasses.Add(1)
	b.EvictedTiles.Add(int64(count))
	b.EvictedBytes.Add(bytes)
}

// RecordBatch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordBatch(records int) {
	b.BatchCount.Add(1)
	b.BatchRecords.Add(int64(records))
}

// RecordTransition implements MetricsCollector.
func (b *BasicMetricsCollector) RecordTransition(_, to State) {
	b.Transitions.Add(1)
	if to == StateReady {
		b.ReadyTiles.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		BuildCount:     b.BuildCount.Load(),
		BuildErrors:    b.BuildErrors.Load(),
		BuildAvgNanos:  b.getAvgBuildNanos(),
		Admitted:       b.Admitted.Load(),
		Rejected:       b.Rejected.Load(),
		EvictionPasses: b.EvictionPasses.Load(),
		EvictedTiles:   b.EvictedTiles.Load(),
		EvictedBytes:   b.EvictedBytes.Load(),
		BatchCount:     b.BatchCount.Load(),
		BatchRecords:   b.BatchRecords.Load(),
		Transitions:    b.Transitions.Load(),
		ReadyTiles:     b.ReadyTiles.Load(),
	}
}

func (b *BasicMetricsCollector) getAvgBuildNanos() int64 {
	count := b.BuildCount.Load()
	if count == 0 {
		return 0
	}
	return b.BuildTotalNanos.Load() / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	BuildCount     int64
	BuildErrors    int64
	BuildAvgNanos  int64
	Admitted       int64
	Rejected       int64
	EvictionPasses int64
	EvictedTiles   int64
	EvictedBytes   int64
	BatchCount     int64
	BatchRecords   int64
	Transitions    int64
	ReadyTiles     int64
}
