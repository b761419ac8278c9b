package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// RetryPolicy bounds the retries of store writes
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Do runs op until it succeeds, the retries are exhausted or ctx is done
func (p RetryPolicy) Do(ctx context.Context, logger *zap.Logger, what string, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(eb, p.MaxRetries), ctx)
	return backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		logger.Warn("Retrying store operation",
			zap.String("operation", what),
			zap.Error(err),
			zap.Duration("backoff", wait))
	})
}
