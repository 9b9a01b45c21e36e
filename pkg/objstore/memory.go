package objstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore is an in-process Store. It can simulate request latency and
// inject failures, which makes it the fake used by the engine tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte

	latency atomic.Int64
	fault   atomic.Pointer[func(op, key string) error]

	gets atomic.Int64
	puts atomic.Int64
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// SetLatency makes every request wait d before it is served
func (m *MemoryStore) SetLatency(d time.Duration) {
	m.latency.Store(int64(d))
}

// SetFault installs a hook consulted before every request. A non-nil error
// from the hook is returned instead of serving the request. Pass nil to clear.
func (m *MemoryStore) SetFault(fn func(op, key string) error) {
	if fn == nil {
		m.fault.Store(nil)
		return
	}
	m.fault.Store(&fn)
}

// Gets returns the number of Get requests served or failed
func (m *MemoryStore) Gets() int64 {
	return m.gets.Load()
}

// Puts returns the number of Put requests served or failed
func (m *MemoryStore) Puts() int64 {
	return m.puts.Load()
}

// Corrupt replaces the stored object with fn(object), for tests
func (m *MemoryStore) Corrupt(key string, fn func([]byte) []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.objects[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	m.objects[key] = fn(append([]byte(nil), data...))
	return nil
}

func (m *MemoryStore) before(ctx context.Context, op, key string) error {
	if d := time.Duration(m.latency.Load()); d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	if fn := m.fault.Load(); fn != nil {
		if err := (*fn)(op, key); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// Get implements Store
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.gets.Add(1)
	if err := m.before(ctx, "get", key); err != nil {
		return nil, err
	}

	m.mu.RLock()
	data, ok := m.objects[key]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return append([]byte(nil), data...), nil
}

// Put implements Store
func (m *MemoryStore) Put(ctx context.Context, key string, data []byte) error {
	m.puts.Add(1)
	if err := m.before(ctx, "put", key); err != nil {
		return err
	}

	m.mu.Lock()
	m.objects[key] = append([]byte(nil), data...)
	m.mu.Unlock()
	return nil
}

// List implements Store
func (m *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := m.before(ctx, "list", prefix); err != nil {
		return nil, err
	}

	m.mu.RLock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()

	sort.Strings(keys)
	return keys, nil
}

// Delete implements Store
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := m.before(ctx, "delete", key); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}
