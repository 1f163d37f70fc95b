// Package observe provides application-wide observability primitives for
// the decode pipeline: OpenTelemetry metrics, distributed tracing, and
// structured logging setup.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all decode-pipeline
// metrics.
const meterName = "github.com/latticebound/decodepipe"

// Metrics holds all OpenTelemetry metric instruments the decode pipeline
// records. All fields are safe for concurrent use — the underlying OTel
// types handle their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// FrameScoreDuration tracks the acoustic scorer's per-frame evaluation
	// latency (time spent in Scorer.Score, i.e. in the Model back end).
	FrameScoreDuration metric.Float64Histogram

	// StageDecodeDuration tracks a search stage's per-Decode-call latency.
	StageDecodeDuration metric.Float64Histogram

	// UtteranceDuration tracks wall-clock time from a stage's START event
	// to its FINAL event.
	UtteranceDuration metric.Float64Histogram

	// --- Counters ---

	// FramesProcessed counts feature frames consumed by a search stage.
	// Use with attribute.String("stage", ...).
	FramesProcessed metric.Int64Counter

	// BPTblGCPasses counts back-pointer table GC (retire-boundary) passes.
	// Use with attribute.String("stage", ...).
	BPTblGCPasses metric.Int64Counter

	// ArcsCommitted counts arcs an arc buffer's ProducerSweep has closed
	// into a committed start frame. Use with attribute.String("buffer", ...).
	ArcsCommitted metric.Int64Counter

	// StageErrors counts unexpected (non-cooperative) errors a stage's
	// worker task returned. Use with attribute.String("stage", ...).
	StageErrors metric.Int64Counter

	// --- Gauges ---

	// FeatureBufferDepth tracks the number of unreleased frames currently
	// held by the shared feature buffer.
	FeatureBufferDepth metric.Int64UpDownCounter

	// BPTblActiveEntries tracks the number of not-yet-retired back-pointer
	// table entries for a stage. Use with attribute.String("stage", ...).
	BPTblActiveEntries metric.Int64UpDownCounter

	// ActiveStages tracks the number of currently running search stages.
	ActiveStages metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for frame-synchronous decoding latencies (sub-millisecond to a few
// hundred milliseconds per frame or stage step).
var latencyBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.FrameScoreDuration, err = m.Float64Histogram("decodepipe.frame_score.duration",
		metric.WithDescription("Latency of one acoustic-model frame evaluation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StageDecodeDuration, err = m.Float64Histogram("decodepipe.stage_decode.duration",
		metric.WithDescription("Latency of one search stage Decode call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UtteranceDuration, err = m.Float64Histogram("decodepipe.utterance.duration",
		metric.WithDescription("Wall-clock time from a stage's START event to its FINAL event."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesProcessed, err = m.Int64Counter("decodepipe.frames_processed",
		metric.WithDescription("Total feature frames consumed by a search stage."),
	); err != nil {
		return nil, err
	}
	if met.BPTblGCPasses, err = m.Int64Counter("decodepipe.bptbl.gc_passes",
		metric.WithDescription("Total back-pointer table retire-boundary GC passes."),
	); err != nil {
		return nil, err
	}
	if met.ArcsCommitted, err = m.Int64Counter("decodepipe.arcbuf.arcs_committed",
		metric.WithDescription("Total arcs committed by an arc buffer's producer sweep."),
	); err != nil {
		return nil, err
	}
	if met.StageErrors, err = m.Int64Counter("decodepipe.stage.errors",
		metric.WithDescription("Total unexpected errors returned by a stage's worker task."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.FeatureBufferDepth, err = m.Int64UpDownCounter("decodepipe.featbuf.depth",
		metric.WithDescription("Unreleased frames currently held by the shared feature buffer."),
	); err != nil {
		return nil, err
	}
	if met.BPTblActiveEntries, err = m.Int64UpDownCounter("decodepipe.bptbl.active_entries",
		metric.WithDescription("Not-yet-retired back-pointer table entries for a stage."),
	); err != nil {
		return nil, err
	}
	if met.ActiveStages, err = m.Int64UpDownCounter("decodepipe.stages.active",
		metric.WithDescription("Number of currently running search stages."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFramesProcessed is a convenience method that increments
// FramesProcessed for the named stage.
func (m *Metrics) RecordFramesProcessed(ctx context.Context, stage string, n int64) {
	m.FramesProcessed.Add(ctx, n, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordBPTblGC is a convenience method that increments BPTblGCPasses for
// the named stage.
func (m *Metrics) RecordBPTblGC(ctx context.Context, stage string) {
	m.BPTblGCPasses.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordArcsCommitted is a convenience method that increments ArcsCommitted
// for the named arc buffer.
func (m *Metrics) RecordArcsCommitted(ctx context.Context, buffer string, n int64) {
	m.ArcsCommitted.Add(ctx, n, metric.WithAttributes(attribute.String("buffer", buffer)))
}

// RecordStageError is a convenience method that increments StageErrors for
// the named stage.
func (m *Metrics) RecordStageError(ctx context.Context, stage string) {
	m.StageErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}
