package engine

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/KevoDB/s3kv/pkg/common/log"
	"github.com/KevoDB/s3kv/pkg/config"
	"github.com/KevoDB/s3kv/pkg/index"
	"github.com/KevoDB/s3kv/pkg/objstore"
	"github.com/KevoDB/s3kv/pkg/stats"
	"github.com/KevoDB/s3kv/pkg/telemetry"
)

// Open builds an engine from cfg: the configured object store with its
// wrappers, the index loaded through the configured strategy, telemetry and
// a logger at the configured level. opts are applied last.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Engine, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var closers []func(context.Context) error
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i](ctx)
			}
		}
	}()

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	logger := log.NewStandardLogger(log.WithLevel(level))

	tel, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	closers = append(closers, tel.Shutdown)

	store, closeStore, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if closeStore != nil {
		closers = append(closers, closeStore)
	}

	collector := stats.NewAtomicCollector()
	backend, err := OpenIndexBackend(cfg, store, logger)
	if err != nil {
		return nil, err
	}

	loadStart := collector.StartIndexLoad()
	idx, err := index.Open(ctx, backend, index.WithLogger(logger))
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	snap := idx.Snapshot()
	collector.FinishIndexLoad(loadStart, uint64(snap.Len()), uint64(snap.BlockCount()))

	capacity, err := cfg.ResolveCacheCapacity()
	if err != nil {
		_ = idx.Close()
		return nil, err
	}

	engineOpts := []Option{
		WithIndex(idx),
		WithBlockSize(cfg.BlockSize),
		WithCodec(cfg.Codec()),
		WithCacheCapacity(capacity),
		WithFetchTimeout(cfg.FetchTimeout),
		WithRetry(RetryPolicy{
			MaxRetries:      cfg.MaxRetries,
			InitialInterval: cfg.RetryInitialInterval,
			MaxInterval:     cfg.RetryMaxInterval,
		}),
		WithLogger(logger),
		WithTelemetry(tel),
		WithStats(collector),
	}
	for _, fn := range closers {
		engineOpts = append(engineOpts, withCloser(fn))
	}

	e, err := New(store, append(engineOpts, opts...)...)
	if err != nil {
		_ = idx.Close()
		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"backend":  cfg.StoreBackend,
		"index":    cfg.IndexStrategy,
		"codec":    cfg.Codec().String(),
		"cache":    capacity,
		"keys":     snap.Len(),
		"blocks":   snap.BlockCount(),
		"next_id":  uint64(snap.NextBlockID()),
		"retries":  cfg.MaxRetries,
		"prefix":   cfg.Prefix,
		"rate_rps": cfg.RequestRate,
	}).Info("Engine opened")
	return e, nil
}

// OpenStore creates the configured object store with its metrics, rate limit
// and prefix wrappers. The returned close function, when not nil, releases
// the backend's connection.
func OpenStore(ctx context.Context, cfg *config.Config) (objstore.Store, func(context.Context) error, error) {
	var (
		store     objstore.Store
		closeFunc func(context.Context) error
	)

	switch cfg.StoreBackend {
	case config.BackendS3:
		s, err := objstore.NewS3Store(ctx, objstore.S3Options{
			Bucket:       cfg.Bucket,
			Region:       cfg.Region,
			Endpoint:     cfg.Endpoint,
			UsePathStyle: cfg.UsePathStyle,
		})
		if err != nil {
			return nil, nil, err
		}
		store = s
	case config.BackendNATS:
		s, err := objstore.NewNATSStore(ctx, objstore.NATSOptions{URL: cfg.NATSURL, Bucket: cfg.Bucket})
		if err != nil {
			return nil, nil, err
		}
		store = s
		closeFunc = func(context.Context) error { return s.Close() }
	case config.BackendFS:
		s, err := objstore.NewFSStore(cfg.FSRoot)
		if err != nil {
			return nil, nil, err
		}
		store = s
	case config.BackendMemory:
		store = objstore.NewMemoryStore()
	default:
		return nil, nil, fmt.Errorf("%w: unknown store backend %q", config.ErrInvalidConfig, cfg.StoreBackend)
	}

	if cfg.StoreMetrics {
		reg := cfg.Telemetry.Registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		instrumented, err := objstore.WithMetrics(store, reg, cfg.StoreBackend)
		if err != nil {
			if closeFunc != nil {
				_ = closeFunc(ctx)
			}
			return nil, nil, err
		}
		store = instrumented
	}

	store = objstore.WithRateLimit(store, objstore.NewLimiter(cfg.RequestRate, cfg.RequestBurst))
	store = objstore.WithPrefix(store, cfg.Prefix)
	return store, closeFunc, nil
}

// OpenIndexBackend creates the persistence backend for the configured index
// strategy
func OpenIndexBackend(cfg *config.Config, store objstore.Store, logger log.Logger) (index.Backend, error) {
	switch cfg.IndexStrategy {
	case config.IndexObject:
		key := cfg.IndexKey
		if key == "" {
			key = index.DefaultObjectKey
		}
		return index.NewObjectBackend(store, key, index.WithRewriteFraction(cfg.IndexRewriteFraction)), nil
	case config.IndexScan:
		return index.NewScanBackend(store, cfg.ScanConcurrency, logger), nil
	case config.IndexBadger:
		backend, err := index.OpenBadgerBackend(index.BadgerOptions{Dir: cfg.BadgerDir})
		if err != nil {
			return nil, err
		}
		return backend, nil
	case config.IndexMemory:
		return index.NopBackend{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown index strategy %q", config.ErrInvalidConfig, cfg.IndexStrategy)
	}
}
