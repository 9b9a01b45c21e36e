package objstore

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/time/rate"
)

type prefixed struct {
	store  Store
	prefix string
}

// WithPrefix scopes a store to the keys below prefix. A trailing "/" is added
// when missing; an empty prefix returns the store unchanged.
func WithPrefix(store Store, prefix string) Store {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return store
	}
	return &prefixed{store: store, prefix: prefix + "/"}
}

func (p *prefixed) Get(ctx context.Context, key string) ([]byte, error) {
	return p.store.Get(ctx, p.prefix+key)
}

func (p *prefixed) Put(ctx context.Context, key string, data []byte) error {
	return p.store.Put(ctx, p.prefix+key, data)
}

func (p *prefixed) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := p.store.List(ctx, p.prefix+prefix)
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, p.prefix)
	}
	return keys, nil
}

func (p *prefixed) Delete(ctx context.Context, key string) error {
	return p.store.Delete(ctx, p.prefix+key)
}

type rateLimited struct {
	store   Store
	limiter *rate.Limiter
}

// WithRateLimit makes every request wait for a token from limiter. A nil
// limiter returns the store unchanged.
func WithRateLimit(store Store, limiter *rate.Limiter) Store {
	if limiter == nil {
		return store
	}
	return &rateLimited{store: store, limiter: limiter}
}

// NewLimiter builds a limiter allowing rps requests per second with the given
// burst. It returns nil when rps is not positive.
func NewLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func (r *rateLimited) wait(ctx context.Context, op string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("rate limit %s: %w", op, err)
	}
	return nil
}

func (r *rateLimited) Get(ctx context.Context, key string) ([]byte, error) {
	if err := r.wait(ctx, "get"); err != nil {
		return nil, err
	}
	return r.store.Get(ctx, key)
}

func (r *rateLimited) Put(ctx context.Context, key string, data []byte) error {
	if err := r.wait(ctx, "put"); err != nil {
		return err
	}
	return r.store.Put(ctx, key, data)
}

func (r *rateLimited) List(ctx context.Context, prefix string) ([]string, error) {
	if err := r.wait(ctx, "list"); err != nil {
		return nil, err
	}
	return r.store.List(ctx, prefix)
}

func (r *rateLimited) Delete(ctx context.Context, key string) error {
	if err := r.wait(ctx, "delete"); err != nil {
		return err
	}
	return r.store.Delete(ctx, key)
}
