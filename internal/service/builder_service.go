package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yourorg/candle-cache/internal/aggregator"
	"github.com/yourorg/candle-cache/internal/events"
	"github.com/yourorg/candle-cache/internal/metrics"
	"github.com/yourorg/candle-cache/internal/model"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// BuilderConfig controls the incremental builder loop
type BuilderConfig struct {
	PollInterval      time.Duration
	BatchSize         int
	MaxBatchesPerTick int
	Concurrency       int
	ErrorBackoffMax   time.Duration
}

// BuilderService keeps the candle cache current by following every price stream from its checkpoint
type BuilderService struct {
	source      PriceSource
	store       CandleStore
	params      CheckpointStore
	coordinator *Coordinator
	notifier    *events.Notifier
	metrics     *metrics.Metrics
	cfg         BuilderConfig
	aggCfg      aggregator.Config
	retry       RetryPolicy
	logger      *zap.Logger

	pool errgroup.Group

	mu        sync.Mutex
	streams   map[string]*aggregator.Stream
	inflight  map[string]bool
	active    bool
	tick      int64
	processed int64
}

// NewBuilderService creates a new builder service
func NewBuilderService(
	source PriceSource,
	store CandleStore,
	params CheckpointStore,
	coordinator *Coordinator,
	notifier *events.Notifier,
	m *metrics.Metrics,
	cfg BuilderConfig,
	aggCfg aggregator.Config,
	retry RetryPolicy,
	logger *zap.Logger,
) *BuilderService {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	b := &BuilderService{
		source:      source,
		store:       store,
		params:      params,
		coordinator: coordinator,
		notifier:    notifier,
		metrics:     m,
		cfg:         cfg,
		aggCfg:      aggCfg,
		retry:       retry,
		logger:      logger.With(zap.String("process", string(model.ProcessBuilder))),
		streams:     make(map[string]*aggregator.Stream),
		inflight:    make(map[string]bool),
	}
	b.pool.SetLimit(cfg.Concurrency)
	return b
}

// Run ticks every PollInterval until ctx is cancelled. A tick that cannot reach the price
// source is retried with exponential backoff capped at ErrorBackoffMax.
func (b *BuilderService) Run(ctx context.Context) error {
	b.logger.Info("Starting candle cache builder",
		zap.Duration("poll_interval", b.cfg.PollInterval),
		zap.Int("concurrency", b.cfg.Concurrency))

	errBackoff := backoff.NewExponentialBackOff()
	errBackoff.InitialInterval = b.cfg.PollInterval
	errBackoff.MaxInterval = b.cfg.ErrorBackoffMax
	errBackoff.MaxElapsedTime = 0

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Stopping candle cache builder")
			b.Wait()
			return nil
		case <-timer.C:
		}

		wait := b.cfg.PollInterval
		if err := b.Tick(ctx); err != nil {
			wait = errBackoff.NextBackOff()
			b.logger.Warn("Builder tick failed",
				zap.Error(err),
				zap.Duration("retry_in", wait))
		} else {
			errBackoff.Reset()
		}
		timer.Reset(wait)
	}
}

// Tick dispatches every stream that is not already being processed. Streams run on the pool
// in the background; a stream that is in flight or does not fit in the pool is skipped until the next tick.
func (b *BuilderService) Tick(ctx context.Context) error {
	targets, err := resolveTargets(ctx, b.source, b.aggCfg, model.AllScope{})
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.tick++
	b.mu.Unlock()

	for _, t := range targets {
		b.dispatch(ctx, t)
	}
	return nil
}

// Wait blocks until every dispatched stream run has returned
func (b *BuilderService) Wait() {
	_ = b.pool.Wait()
}

// ResetStream discards the in-memory state of scope; the next run reloads it from the checkpoint.
// Callers hold the scope claim, so no run of the stream is in flight.
func (b *BuilderService) ResetStream(scope model.Scope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.streams, scope.Key())
}

func (b *BuilderService) dispatch(ctx context.Context, t streamTarget) {
	key := t.scope.Key()

	b.mu.Lock()
	if b.inflight[key] {
		b.mu.Unlock()
		b.metrics.StreamsSkipped.WithLabelValues("in_flight").Inc()
		b.logger.Debug("Stream still in flight, skipping", zap.String("scope", key))
		return
	}
	b.inflight[key] = true
	b.updateStatusLocked()
	b.mu.Unlock()

	started := b.pool.TryGo(func() error {
		defer b.done(key)
		b.runStream(ctx, t)
		return nil
	})
	if !started {
		b.done(key)
		b.metrics.StreamsSkipped.WithLabelValues("pool_full").Inc()
		b.logger.Debug("Builder pool full, skipping stream", zap.String("scope", key))
	}
}

func (b *BuilderService) done(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inflight, key)
	b.updateStatusLocked()
}

// updateStatusLocked keeps the coordinator's builder status active while any stream is in flight
func (b *BuilderService) updateStatusLocked() {
	n := len(b.inflight)
	switch {
	case n > 0 && !b.active:
		if _, err := b.coordinator.Start(model.ProcessBuilder, nil, nil); err != nil {
			b.logger.Debug("Builder status not updated", zap.Error(err))
			return
		}
		b.active = true
	case n == 0 && b.active:
		b.coordinator.Finish(model.ProcessBuilder, nil)
		b.active = false
		return
	}
	if b.active {
		b.coordinator.MarkProgress(model.ProcessBuilder,
			fmt.Sprintf("tick %d: %d stream(s) in flight, %d price points processed", b.tick, n, b.processed))
	}
}

func (b *BuilderService) runStream(ctx context.Context, t streamTarget) {
	key := t.scope.Key()
	logger := b.logger.With(zap.String("scope", key))

	if !b.coordinator.ClaimScope(model.ProcessBuilder, t.scope) {
		b.metrics.StreamsSkipped.WithLabelValues("rebuilding").Inc()
		logger.Debug("Scope claimed by rebuild, skipping")
		return
	}

	start := time.Now()
	update := func() events.CandlesUpdated {
		defer b.coordinator.ReleaseScope(model.ProcessBuilder, t.scope)
		return b.processStream(ctx, t, logger)
	}()
	b.metrics.TickDuration.Observe(time.Since(start).Seconds())

	// published once the scope is released, so a waiting rebuild never waits on the broker
	if update.Candles > 0 {
		b.notifier.CandlesUpdated(ctx, update)
	}
}

// processStream runs up to MaxBatchesPerTick batches of one claimed stream and
// returns what was flushed and checkpointed, including batches before a failure
func (b *BuilderService) processStream(ctx context.Context, t streamTarget, logger *zap.Logger) (update events.CandlesUpdated) {
	key := t.scope.Key()
	update = events.CandlesUpdated{Scope: key, Source: string(model.ProcessBuilder)}

	stream, err := b.loadStream(ctx, t)
	if err != nil {
		b.fail(logger, key, "Failed to load stream state", err)
		return update
	}

	for batch := 0; batch < b.cfg.MaxBatchesPerTick; batch++ {
		points, err := b.source.FetchPricePoints(ctx, t.scope, stream.Cursor(), b.cfg.BatchSize)
		if err != nil {
			// nothing was applied, so the in-memory state is still consistent
			logger.Warn("Failed to fetch price points", zap.Error(err))
			b.metrics.StreamErrors.WithLabelValues(string(model.ProcessBuilder)).Inc()
			return update
		}
		if len(points) == 0 {
			return update
		}

		stats, err := stream.Apply(ctx, points)
		if err != nil {
			b.fail(logger, key, "Failed to aggregate price points", err)
			return update
		}
		b.recordStats(stats)

		var flushed int
		err = b.retry.Do(ctx, logger, "flush candles", func() error {
			var ferr error
			flushed, ferr = stream.Flush(ctx)
			return ferr
		})
		if err != nil {
			b.fail(logger, key, "Failed to flush candles", err)
			return update
		}
		b.metrics.CandlesUpserted.WithLabelValues(string(model.ProcessBuilder)).Add(float64(flushed))

		cursor := stream.Cursor()
		err = b.retry.Do(ctx, logger, "write checkpoint", func() error {
			return writeCursor(ctx, b.params, t.scope, cursor)
		})
		if err != nil {
			b.fail(logger, key, "Failed to write checkpoint", err)
			return update
		}

		update.Candles += flushed
		update.LastTimestamp = cursor.Timestamp
		logger.Debug("Processed price batch",
			zap.Int("points", stats.Points),
			zap.Int("candles", flushed),
			zap.String("checkpoint", cursor.String()))

		if len(points) < b.cfg.BatchSize {
			return update
		}
	}
	return update
}

// fail drops the stream's state so the next run reloads it from the last checkpoint
func (b *BuilderService) fail(logger *zap.Logger, key, msg string, err error) {
	b.mu.Lock()
	delete(b.streams, key)
	b.mu.Unlock()

	b.metrics.StreamErrors.WithLabelValues(string(model.ProcessBuilder)).Inc()
	if errors.Is(err, context.Canceled) {
		logger.Info("Stream run interrupted", zap.Error(err))
		return
	}
	logger.Error(msg, zap.Error(err))
}

func (b *BuilderService) recordStats(stats aggregator.Stats) {
	label := string(model.ProcessBuilder)
	b.metrics.PointsProcessed.WithLabelValues(label).Add(float64(stats.Points))
	b.metrics.PointsSkipped.WithLabelValues(label, "malformed").Add(float64(stats.Malformed))
	b.metrics.PointsSkipped.WithLabelValues(label, "out_of_order").Add(float64(stats.OutOfOrder))

	b.mu.Lock()
	b.processed += int64(stats.Points)
	b.mu.Unlock()
}

// loadStream returns the cached stream for t, or restores it from the checkpoint.
// Restoring replays the trailing window lookback so window sums match an uninterrupted run.
func (b *BuilderService) loadStream(ctx context.Context, t streamTarget) (*aggregator.Stream, error) {
	key := t.scope.Key()

	b.mu.Lock()
	stream, ok := b.streams[key]
	b.mu.Unlock()
	if ok {
		stream.SetMarkets(t.markets)
		return stream, nil
	}

	cursor, err := readCursor(ctx, b.params, t.scope)
	if err != nil {
		return nil, err
	}

	stream = newStream(t, b.aggCfg, b.store, b.logger)
	if lookback := stream.MaxTrailing(); lookback > 0 && !cursor.IsZero() {
		if err := b.warm(ctx, stream, cursor, lookback); err != nil {
			return nil, err
		}
	}
	stream.SetCursor(cursor)

	b.mu.Lock()
	b.streams[key] = stream
	b.mu.Unlock()

	b.logger.Info("Restored stream from checkpoint",
		zap.String("scope", key),
		zap.String("checkpoint", cursor.String()))
	return stream, nil
}

func (b *BuilderService) warm(ctx context.Context, stream *aggregator.Stream, through model.Cursor, lookback int64) error {
	after := model.Cursor{Timestamp: through.Timestamp - lookback}
	for {
		points, err := b.source.FetchPricePoints(ctx, stream.Scope(), after, b.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}

		n := 0
		for n < len(points) && !through.Before(points[n].Cursor()) {
			n++
		}
		stream.Warm(points[:n])

		if n < len(points) || len(points) < b.cfg.BatchSize {
			return nil
		}
		after = points[len(points)-1].Cursor()
	}
}
