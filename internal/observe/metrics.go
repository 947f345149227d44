// Package observe provides the OpenTelemetry metric instruments for the
// capture and segmentation pipeline.
//
// Components take a *Metrics and tolerate nil, so tests and callers that
// don't care about telemetry can pass nothing. Tests that inspect values
// should use [NewMetrics] with an sdkmetric.ManualReader.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/yok-tottii/EzS2T-Segmenter"

// Metrics holds all metric instruments. The underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// PacketsCaptured counts fixed-length packets produced by the assembler.
	PacketsCaptured metric.Int64Counter

	// ReadAnomalies counts empty or overflowed device reads.
	ReadAnomalies metric.Int64Counter

	// PacketsProcessed counts packets consumed by the segmentation engine.
	PacketsProcessed metric.Int64Counter

	// PacketsSkipped counts packets dropped because loudness could not be computed.
	PacketsSkipped metric.Int64Counter

	// SegmentsEmitted counts finished segments. Attribute: reason.
	SegmentsEmitted metric.Int64Counter

	// SegmentDuration records the audio length of each segment in seconds.
	SegmentDuration metric.Float64Histogram

	// LoudnessDuration records per-packet estimator latency. Attribute: estimator.
	LoudnessDuration metric.Float64Histogram

	// SinkErrors counts segments a sink failed to consume. Attribute: sink.
	SinkErrors metric.Int64Counter

	// ActiveSessions tracks running capture sessions.
	ActiveSessions metric.Int64UpDownCounter
}

var segmentBuckets = []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120}

var latencyBuckets = []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01}

// NewMetrics creates all instruments on the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.PacketsCaptured, err = m.Int64Counter("ezs2t.capture.packets",
		metric.WithDescription("Fixed-length packets produced by the frame assembler."),
	); err != nil {
		return nil, err
	}
	if met.ReadAnomalies, err = m.Int64Counter("ezs2t.capture.read_anomalies",
		metric.WithDescription("Device reads that returned no data."),
	); err != nil {
		return nil, err
	}
	if met.PacketsProcessed, err = m.Int64Counter("ezs2t.segment.packets",
		metric.WithDescription("Packets consumed by the segmentation engine."),
	); err != nil {
		return nil, err
	}
	if met.PacketsSkipped, err = m.Int64Counter("ezs2t.segment.packets_skipped",
		metric.WithDescription("Packets skipped because loudness estimation failed."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsEmitted, err = m.Int64Counter("ezs2t.segment.emitted",
		metric.WithDescription("Segments emitted, by flush reason."),
	); err != nil {
		return nil, err
	}
	if met.SegmentDuration, err = m.Float64Histogram("ezs2t.segment.duration",
		metric.WithDescription("Audio duration of emitted segments."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(segmentBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LoudnessDuration, err = m.Float64Histogram("ezs2t.loudness.duration",
		metric.WithDescription("Time spent estimating loudness for one packet."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SinkErrors, err = m.Int64Counter("ezs2t.sink.errors",
		metric.WithDescription("Segments a sink failed to consume."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("ezs2t.sessions.active",
		metric.WithDescription("Capture sessions currently running."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// DefaultMetrics returns metrics bound to the global MeterProvider. Call it
// after [InitProvider] so instruments reach the exporter.
func DefaultMetrics() *Metrics {
	defaultOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// PacketCaptured records one assembled packet.
func (m *Metrics) PacketCaptured(ctx context.Context) {
	if m == nil {
		return
	}
	m.PacketsCaptured.Add(ctx, 1)
}

// ReadAnomaly records one empty device read.
func (m *Metrics) ReadAnomaly(ctx context.Context) {
	if m == nil {
		return
	}
	m.ReadAnomalies.Add(ctx, 1)
}

// PacketProcessed records one packet handled by the engine and the time its
// loudness estimate took.
func (m *Metrics) PacketProcessed(ctx context.Context, estimator string, seconds float64) {
	if m == nil {
		return
	}
	m.PacketsProcessed.Add(ctx, 1)
	m.LoudnessDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("estimator", estimator)))
}

// PacketSkipped records one packet the engine could not use.
func (m *Metrics) PacketSkipped(ctx context.Context, estimator string) {
	if m == nil {
		return
	}
	m.PacketsSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("estimator", estimator)))
}

// SegmentEmitted records a flushed segment.
func (m *Metrics) SegmentEmitted(ctx context.Context, reason string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("reason", reason))
	m.SegmentsEmitted.Add(ctx, 1, attrs)
	m.SegmentDuration.Record(ctx, seconds, attrs)
}

// SinkError records a failed hand-off to a sink.
func (m *Metrics) SinkError(ctx context.Context, sink string) {
	if m == nil {
		return
	}
	m.SinkErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("sink", sink)))
}

// SessionStarted increments the active session gauge.
func (m *Metrics) SessionStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, 1)
}

// SessionEnded decrements the active session gauge.
func (m *Metrics) SessionEnded(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, -1)
}
