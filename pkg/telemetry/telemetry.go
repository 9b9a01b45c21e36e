// ABOUTME: Core telemetry abstraction over OpenTelemetry used to instrument the s3kv engine
// ABOUTME: Provides metric recording, tracing and lifecycle management with a no-op implementation

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry is the abstraction components record metrics and spans through.
// Components never depend on the OpenTelemetry SDK directly.
type Telemetry interface {
	// RecordHistogram records a histogram value with optional attributes.
	RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue)

	// RecordCounter records a counter increment with optional attributes.
	RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue)

	// StartSpan creates a new tracing span with the given name and attributes.
	StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span)

	// Shutdown flushes pending telemetry and releases the providers.
	Shutdown(ctx context.Context) error
}

// ComponentMetrics is implemented by the metrics type of each component.
type ComponentMetrics interface {
	// Close releases any resources held by the metrics implementation.
	Close() error
}

// NoopTelemetry discards everything.
type NoopTelemetry struct{}

// NewNoop creates a new no-operation telemetry instance.
func NewNoop() Telemetry {
	return &NoopTelemetry{}
}

// RecordHistogram is a no-op.
func (n *NoopTelemetry) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
}

// RecordCounter is a no-op.
func (n *NoopTelemetry) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
}

// StartSpan returns the original context and the span already in it.
func (n *NoopTelemetry) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}

// Shutdown is a no-op.
func (n *NoopTelemetry) Shutdown(ctx context.Context) error {
	return nil
}

// RecordDuration records the seconds elapsed since start in a histogram.
func RecordDuration(ctx context.Context, tel Telemetry, name string, start time.Time, attrs ...attribute.KeyValue) {
	tel.RecordHistogram(ctx, name, time.Since(start).Seconds(), attrs...)
}

// RecordBytes adds a byte count to a counter.
func RecordBytes(ctx context.Context, tel Telemetry, name string, bytes int64, attrs ...attribute.KeyValue) {
	tel.RecordCounter(ctx, name, bytes, attrs...)
}

// Attribute keys shared by all components
const (
	AttrOperationType = "operation.type"
	AttrComponent     = "component"
	AttrLayer         = "layer"
	AttrStatus        = "status"
	AttrErrorType     = "error.type"
	AttrBlockID       = "block.id"
	AttrCodec         = "block.codec"
	AttrReason        = "reason"
)

// Attribute values
const (
	OpTypePut        = "put"
	OpTypeGet        = "get"
	OpTypeScan       = "scan"
	OpTypeFlush      = "flush"
	OpTypeFetch      = "fetch"
	OpTypeInvalidate = "invalidate"
	OpTypeWarm       = "warm"

	StatusSuccess = "success"
	StatusError   = "error"
	StatusTimeout = "timeout"

	ComponentMemTable = "memtable"
	ComponentIndex    = "index"
	ComponentCache    = "cache"
	ComponentStore    = "store"
	ComponentEngine   = "engine"
)
