package engine

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/KevoDB/s3kv/pkg/objstore"
)

// RetryPolicy bounds the retries of store reads that failed as unavailable.
// MaxRetries of zero disables retrying.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		exp.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		exp.MaxInterval = p.MaxInterval
	}
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.MaxRetries)), ctx)
}

// readObject gets key from the store, retrying unavailable errors per the
// engine's retry policy
func (e *Engine) readObject(ctx context.Context, key string) ([]byte, error) {
	if e.retry.MaxRetries <= 0 {
		return e.store.Get(ctx, key)
	}

	var (
		data    []byte
		attempt int
	)
	op := func() error {
		attempt++
		var err error
		data, err = e.store.Get(ctx, key)
		if err != nil && !objstore.IsUnavailable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		e.metrics.RecordRetry(ctx, attempt)
		e.logger.WithFields(map[string]interface{}{
			"key":     key,
			"attempt": attempt,
			"wait":    wait.String(),
		}).Warn("Store read failed, retrying: %v", err)
	}

	if err := backoff.RetryNotify(op, e.retry.backOff(ctx), notify); err != nil {
		return nil, err
	}
	return data, nil
}
