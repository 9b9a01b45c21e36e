// ABOUTME: Tests that engine operations reach the telemetry abstraction with the expected metric names
// ABOUTME: Uses a recording Telemetry double instead of the OpenTelemetry SDK

package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/KevoDB/s3kv/pkg/objstore"
	"github.com/KevoDB/s3kv/pkg/telemetry"
)

type mockTelemetry struct {
	mu         sync.Mutex
	histograms map[string]int
	counters   map[string]int64
	layers     map[string]int
	spans      []string
}

func newMockTelemetry() *mockTelemetry {
	return &mockTelemetry{
		histograms: make(map[string]int),
		counters:   make(map[string]int64),
		layers:     make(map[string]int),
	}
}

func (m *mockTelemetry) RecordHistogram(_ context.Context, name string, _ float64, attrs ...attribute.KeyValue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histograms[name]++
	for _, attr := range attrs {
		if string(attr.Key) == telemetry.AttrLayer {
			m.layers[attr.Value.AsString()]++
		}
	}
}

func (m *mockTelemetry) RecordCounter(_ context.Context, name string, value int64, _ ...attribute.KeyValue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += value
}

func (m *mockTelemetry) StartSpan(ctx context.Context, name string, _ ...attribute.KeyValue) (context.Context, trace.Span) {
	m.mu.Lock()
	m.spans = append(m.spans, name)
	m.mu.Unlock()
	return ctx, trace.SpanFromContext(ctx)
}

func (m *mockTelemetry) Shutdown(context.Context) error { return nil }

func (m *mockTelemetry) counter(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

func TestEngineMetricsByLayer(t *testing.T) {
	ctx := context.Background()
	tel := newMockTelemetry()
	e := newTestEngine(t, objstore.NewMemoryStore(), WithTelemetry(tel), WithCacheCapacity(1<<20))

	require.NoError(t, e.Put(ctx, []byte("buffered"), []byte("1")))
	_, _, err := e.Get(ctx, []byte("buffered"))
	require.NoError(t, err)

	require.NoError(t, e.WriteBatch(ctx, testEntries(10)))
	_, _, err = e.Get(ctx, testKey(1)) // fetched
	require.NoError(t, err)
	_, _, err = e.Get(ctx, testKey(2)) // cached
	require.NoError(t, err)
	_, _, err = e.Get(ctx, []byte("absent"))
	require.NoError(t, err)

	tel.mu.Lock()
	require.Equal(t, 1, tel.layers[LayerMemTable])
	require.Equal(t, 1, tel.layers[LayerStore])
	require.Equal(t, 1, tel.layers[LayerCache])
	require.Equal(t, 1, tel.layers[LayerNone])
	require.Equal(t, 1, tel.histograms["s3kv.engine.fetch.duration"])
	require.Equal(t, 1, tel.histograms["s3kv.engine.decode.duration"])
	require.Contains(t, tel.spans, "s3kv.engine.fetch_block")
	require.Contains(t, tel.spans, "s3kv.engine.flush")
	tel.mu.Unlock()

	require.Equal(t, int64(4), tel.counter("s3kv.engine.get.total"))
	require.Greater(t, tel.counter("s3kv.engine.fetch.bytes"), int64(0))
	require.Equal(t, int64(11), tel.counter("s3kv.engine.flush.entries"))
}

func TestEngineMetricsInvalidationAndRetry(t *testing.T) {
	ctx := context.Background()
	tel := newMockTelemetry()
	store := objstore.NewMemoryStore()
	e := newTestEngine(t, store, WithTelemetry(tel), WithCacheCapacity(1<<20), WithRetry(RetryPolicy{
		MaxRetries:      2,
		InitialInterval: 1,
		MaxInterval:     1,
	}))

	require.NoError(t, e.WriteBatch(ctx, testEntries(5)))
	require.NoError(t, e.WriteBatch(ctx, testEntries(5)))
	require.Equal(t, int64(1), tel.counter("s3kv.engine.invalidations"))

	failed := false
	store.SetFault(func(op, key string) error {
		if op == "get" && !failed {
			failed = true
			return objstore.ErrUnavailable
		}
		return nil
	})
	_, found, err := e.Get(ctx, testKey(0))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(1), tel.counter("s3kv.engine.fetch.retries"))

	id := blockOf(t, e, testKey(0))
	require.NoError(t, e.Invalidate(ctx, id))
	require.Equal(t, int64(2), tel.counter("s3kv.engine.invalidations"))
	require.Equal(t, int64(5), tel.counter("s3kv.engine.invalidated.entries"))
}

func TestNewEngineMetricsNil(t *testing.T) {
	m := NewEngineMetrics(nil)
	m.RecordGet(context.Background(), LayerCache, 0, nil)
	require.NoError(t, m.Close())
}
