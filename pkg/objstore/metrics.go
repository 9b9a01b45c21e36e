package objstore

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// storeMetrics holds Prometheus metrics for object store requests
type storeMetrics struct {
	requests *prometheus.CounterVec   // by operation
	latency  *prometheus.HistogramVec // by operation
	errors   *prometheus.CounterVec   // by operation and kind
	bytes    *prometheus.CounterVec   // by direction
}

func newStoreMetrics(reg prometheus.Registerer, backend string) (*storeMetrics, error) {
	labels := prometheus.Labels{"backend": backend}
	m := &storeMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "s3kv",
			Subsystem:   "objstore",
			Name:        "requests_total",
			Help:        "Total number of object store requests",
			ConstLabels: labels,
		}, []string{"operation"}),

		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "s3kv",
			Subsystem:   "objstore",
			Name:        "request_duration_seconds",
			Help:        "Object store request duration in seconds",
			ConstLabels: labels,
			Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"operation"}),

		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "s3kv",
			Subsystem:   "objstore",
			Name:        "request_errors_total",
			Help:        "Total number of failed object store requests",
			ConstLabels: labels,
		}, []string{"operation", "kind"}),

		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "s3kv",
			Subsystem:   "objstore",
			Name:        "bytes_total",
			Help:        "Bytes transferred to and from the object store",
			ConstLabels: labels,
		}, []string{"direction"}),
	}

	for _, c := range []prometheus.Collector{m.requests, m.latency, m.errors, m.bytes} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *storeMetrics) observe(op string, start time.Time, err error) {
	m.requests.WithLabelValues(op).Inc()
	m.latency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		m.errors.WithLabelValues(op, errorKind(err)).Inc()
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}

type instrumented struct {
	store   Store
	metrics *storeMetrics
}

// WithMetrics records request counts, latencies, errors and transferred
// bytes for store in reg, labelled with backend.
func WithMetrics(store Store, reg prometheus.Registerer, backend string) (Store, error) {
	m, err := newStoreMetrics(reg, backend)
	if err != nil {
		return nil, err
	}
	return &instrumented{store: store, metrics: m}, nil
}

func (s *instrumented) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	data, err := s.store.Get(ctx, key)
	s.metrics.observe("get", start, err)
	s.metrics.bytes.WithLabelValues("in").Add(float64(len(data)))
	return data, err
}

func (s *instrumented) Put(ctx context.Context, key string, data []byte) error {
	start := time.Now()
	err := s.store.Put(ctx, key, data)
	s.metrics.observe("put", start, err)
	if err == nil {
		s.metrics.bytes.WithLabelValues("out").Add(float64(len(data)))
	}
	return err
}

func (s *instrumented) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := s.store.List(ctx, prefix)
	s.metrics.observe("list", start, err)
	return keys, err
}

func (s *instrumented) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.store.Delete(ctx, key)
	s.metrics.observe("delete", start, err)
	return err
}
