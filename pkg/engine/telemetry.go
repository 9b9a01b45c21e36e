// ABOUTME: Engine-level telemetry for reads by layer, block fetches, decodes, flushes and cache churn
// ABOUTME: Wraps the Telemetry abstraction so engine code records metrics without touching OpenTelemetry

package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/KevoDB/s3kv/pkg/block"
	"github.com/KevoDB/s3kv/pkg/telemetry"
)

// Read layers
const (
	LayerMemTable = "memtable"
	LayerCache    = "cache"
	LayerStore    = "store"
	LayerNone     = "none"
)

// EngineMetrics defines the interface for engine-level telemetry
type EngineMetrics interface {
	// RecordGet records a read and the layer that answered it
	RecordGet(ctx context.Context, layer string, duration time.Duration, err error)

	// RecordFetch records a block fetched from the object store
	RecordFetch(ctx context.Context, bytes int, duration time.Duration, err error)

	// RecordDecode records a block decode
	RecordDecode(ctx context.Context, codec block.Codec, duration time.Duration, err error)

	// RecordRetry records a retried store read
	RecordRetry(ctx context.Context, attempt int)

	// RecordFlush records a flush of buffered pairs into blocks
	RecordFlush(ctx context.Context, blocks, entries int, bytes int64, duration time.Duration, err error)

	// RecordEviction records a block evicted from the cache
	RecordEviction(ctx context.Context, bytes int64)

	// RecordInvalidation records blocks dropped from the cache and index
	RecordInvalidation(ctx context.Context, reason string, entries int)

	// Close releases any resources
	Close() error
}

// engineMetrics implements EngineMetrics using the telemetry interface
type engineMetrics struct {
	tel telemetry.Telemetry
}

// NewEngineMetrics creates a new EngineMetrics instance
func NewEngineMetrics(tel telemetry.Telemetry) EngineMetrics {
	if tel == nil {
		return NewNoopEngineMetrics()
	}
	return &engineMetrics{tel: tel}
}

// NewNoopEngineMetrics creates a no-op EngineMetrics for testing or when telemetry is disabled
func NewNoopEngineMetrics() EngineMetrics {
	return noopEngineMetrics{}
}

func status(err error) attribute.KeyValue {
	if err != nil {
		return attribute.String(telemetry.AttrStatus, telemetry.StatusError)
	}
	return attribute.String(telemetry.AttrStatus, telemetry.StatusSuccess)
}

func (m *engineMetrics) RecordGet(ctx context.Context, layer string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrLayer, layer),
		status(err),
	}
	m.tel.RecordHistogram(ctx, "s3kv.engine.get.duration", duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "s3kv.engine.get.total", 1, attrs...)
}

func (m *engineMetrics) RecordFetch(ctx context.Context, bytes int, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{status(err)}
	m.tel.RecordHistogram(ctx, "s3kv.engine.fetch.duration", duration.Seconds(), attrs...)
	if err == nil {
		telemetry.RecordBytes(ctx, m.tel, "s3kv.engine.fetch.bytes", int64(bytes))
	}
}

func (m *engineMetrics) RecordDecode(ctx context.Context, codec block.Codec, duration time.Duration, err error) {
	m.tel.RecordHistogram(ctx, "s3kv.engine.decode.duration", duration.Seconds(),
		attribute.String(telemetry.AttrCodec, codec.String()),
		status(err),
	)
}

func (m *engineMetrics) RecordRetry(ctx context.Context, attempt int) {
	m.tel.RecordCounter(ctx, "s3kv.engine.fetch.retries", 1,
		attribute.Int("attempt", attempt),
	)
}

func (m *engineMetrics) RecordFlush(ctx context.Context, blocks, entries int, bytes int64, duration time.Duration, err error) {
	m.tel.RecordHistogram(ctx, "s3kv.engine.flush.duration", duration.Seconds(), status(err))
	if err != nil {
		return
	}
	m.tel.RecordCounter(ctx, "s3kv.engine.flush.blocks", int64(blocks))
	m.tel.RecordCounter(ctx, "s3kv.engine.flush.entries", int64(entries))
	telemetry.RecordBytes(ctx, m.tel, "s3kv.engine.flush.bytes", bytes)
}

func (m *engineMetrics) RecordEviction(ctx context.Context, bytes int64) {
	m.tel.RecordCounter(ctx, "s3kv.cache.evictions", 1)
	telemetry.RecordBytes(ctx, m.tel, "s3kv.cache.evicted.bytes", bytes)
}

func (m *engineMetrics) RecordInvalidation(ctx context.Context, reason string, entries int) {
	m.tel.RecordCounter(ctx, "s3kv.engine.invalidations", 1,
		attribute.String(telemetry.AttrReason, reason),
	)
	m.tel.RecordCounter(ctx, "s3kv.engine.invalidated.entries", int64(entries),
		attribute.String(telemetry.AttrReason, reason),
	)
}

func (m *engineMetrics) Close() error {
	return nil
}

type noopEngineMetrics struct{}

func (noopEngineMetrics) RecordGet(context.Context, string, time.Duration, error) {}
func (noopEngineMetrics) RecordFetch(context.Context, int, time.Duration, error) {}
func (noopEngineMetrics) RecordDecode(context.Context, block.Codec, time.Duration, error) {}
func (noopEngineMetrics) RecordRetry(context.Context, int) {}
func (noopEngineMetrics) RecordFlush(context.Context, int, int, int64, time.Duration, error) {}
func (noopEngineMetrics) RecordEviction(context.Context, int64) {}
func (noopEngineMetrics) RecordInvalidation(context.Context, string, int) {}
func (noopEngineMetrics) Close() error { return nil }
