package objstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// runStoreConformance exercises the behaviour every backend must share
func runStoreConformance(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("PutGet", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, "block/01", []byte("one")))

		data, err := s.Get(ctx, "block/01")
		require.NoError(t, err)
		require.Equal(t, []byte("one"), data)
	})

	t.Run("Overwrite", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, "index/default.idx", []byte("v1")))
		require.NoError(t, s.Put(ctx, "index/default.idx", []byte("v2")))

		data, err := s.Get(ctx, "index/default.idx")
		require.NoError(t, err)
		require.Equal(t, []byte("v2"), data)
	})

	t.Run("NotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "block/ff01")
		require.ErrorIs(t, err, ErrNotFound)
		require.True(t, IsNotFound(err))
		require.False(t, IsUnavailable(err))
	})

	t.Run("ListSortedByPrefix", func(t *testing.T) {
		s := newStore(t)
		for _, k := range []string{"block/0a", "index/default.idx", "block/01", "block/8001"} {
			require.NoError(t, s.Put(ctx, k, []byte(k)))
		}

		keys, err := s.List(ctx, "block/")
		require.NoError(t, err)
		require.Equal(t, []string{"block/01", "block/0a", "block/8001"}, keys)

		keys, err = s.List(ctx, "missing/")
		require.NoError(t, err)
		require.Empty(t, keys)
	})

	t.Run("DeleteIdempotent", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, "block/01", []byte("x")))
		require.NoError(t, s.Delete(ctx, "block/01"))
		require.NoError(t, s.Delete(ctx, "block/01"))

		_, err := s.Get(ctx, "block/01")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreConformance(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestFSStore(t *testing.T) {
	runStoreConformance(t, func(t *testing.T) Store {
		s, err := NewFSStore(t.TempDir())
		require.NoError(t, err)
		return s
	})
}

func TestFSStoreRejectsEscapingKeys(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"", "/abs", "../outside", "a/../../b", "a//b"} {
		err := s.Put(context.Background(), key, []byte("x"))
		require.ErrorIs(t, err, ErrInvalidKey, "key %q", key)
	}
}

func TestPrefixedStore(t *testing.T) {
	runStoreConformance(t, func(t *testing.T) Store {
		return WithPrefix(NewMemoryStore(), "tenant/")
	})

	ctx := context.Background()
	base := NewMemoryStore()
	s := WithPrefix(base, "/tenant/")
	require.NoError(t, s.Put(ctx, "block/01", []byte("x")))

	_, err := base.Get(ctx, "tenant/block/01")
	require.NoError(t, err)

	require.Same(t, Store(base), WithPrefix(base, ""))
}

func TestMemoryStoreLatencyHonoursContext(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Put(context.Background(), "k", []byte("v")))
	s.SetLatency(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := s.Get(ctx, "k")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestMemoryStoreFaultInjection(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Put(ctx, "k", []byte("v")))

	s.SetFault(func(op, key string) error {
		if op == "get" {
			return ErrUnavailable
		}
		return nil
	})
	_, err := s.Get(ctx, "k")
	require.True(t, IsUnavailable(err))
	require.EqualValues(t, 1, s.Gets())

	s.SetFault(nil)
	data, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), data)

	require.NoError(t, s.Corrupt("k", func(b []byte) []byte { return b[:0] }))
	data, err = s.Get(ctx, "k")
	require.NoError(t, err)
	require.Empty(t, data)
}

func TestRateLimitedStore(t *testing.T) {
	require.Nil(t, NewLimiter(0, 1))

	base := NewMemoryStore()
	require.Same(t, Store(base), WithRateLimit(base, nil))

	s := WithRateLimit(base, rate.NewLimiter(rate.Every(time.Hour), 1))
	ctx := context.Background()

	// The first request spends the only token
	require.NoError(t, s.Put(ctx, "k", []byte("v")))

	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err := s.Get(ctx, "k")
	require.Error(t, err)
	require.EqualValues(t, 0, base.Gets())
}

func TestInstrumentedStore(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()

	s, err := WithMetrics(NewMemoryStore(), reg, "memory")
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "k", []byte("hello")))
	_, err = s.Get(ctx, "k")
	require.NoError(t, err)
	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	m := s.(*instrumented).metrics
	require.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("get")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.errors.WithLabelValues("get", "not_found")))
	require.Equal(t, 5.0, testutil.ToFloat64(m.bytes.WithLabelValues("out")))
	require.Equal(t, 5.0, testutil.ToFloat64(m.bytes.WithLabelValues("in")))

	// Registering the same backend twice collides
	_, err = WithMetrics(NewMemoryStore(), reg, "memory")
	require.Error(t, err)
}

func TestErrorKind(t *testing.T) {
	require.Equal(t, "not_found", errorKind(ErrNotFound))
	require.Equal(t, "unavailable", errorKind(errors.Join(errors.New("boom"), ErrUnavailable)))
	require.Equal(t, "canceled", errorKind(context.Canceled))
	require.Equal(t, "other", errorKind(errors.New("boom")))
}
