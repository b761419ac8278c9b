package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yourorg/candle-cache/internal/aggregator"
	"github.com/yourorg/candle-cache/internal/events"
	"github.com/yourorg/candle-cache/internal/interval"
	"github.com/yourorg/candle-cache/internal/metrics"
	"github.com/yourorg/candle-cache/internal/model"

	"go.uber.org/zap"
)

// RebuilderConfig controls full rebuild runs
type RebuilderConfig struct {
	BatchSize    int
	WaitInterval time.Duration
}

// RebuilderService discards and recomputes the candles of a scope from the full price history
type RebuilderService struct {
	source      PriceSource
	store       CandleStore
	params      CheckpointStore
	coordinator *Coordinator
	builder     StreamResetter
	cache       CacheInvalidator
	notifier    *events.Notifier
	metrics     *metrics.Metrics
	cfg         RebuilderConfig
	aggCfg      aggregator.Config
	retry       RetryPolicy
	logger      *zap.Logger

	wg sync.WaitGroup
}

// NewRebuilderService creates a new rebuilder service. builder and cache may be nil.
func NewRebuilderService(
	source PriceSource,
	store CandleStore,
	params CheckpointStore,
	coordinator *Coordinator,
	builder StreamResetter,
	cache CacheInvalidator,
	notifier *events.Notifier,
	m *metrics.Metrics,
	cfg RebuilderConfig,
	aggCfg aggregator.Config,
	retry RetryPolicy,
	logger *zap.Logger,
) *RebuilderService {
	return &RebuilderService{
		source:      source,
		store:       store,
		params:      params,
		coordinator: coordinator,
		builder:     builder,
		cache:       cache,
		notifier:    notifier,
		metrics:     m,
		cfg:         cfg,
		aggCfg:      aggCfg,
		retry:       retry,
		logger:      logger.With(zap.String("process", string(model.ProcessRebuilder))),
	}
}

// Start launches a rebuild of scope in the background and returns its run id.
// It returns ErrConflict when a rebuild is already running.
func (r *RebuilderService) Start(scope model.Scope) (string, error) {
	ctx, cancel := context.WithCancel(context.Background())

	runID, err := r.coordinator.Start(model.ProcessRebuilder, scope, cancel)
	if err != nil {
		cancel()
		return "", err
	}

	r.logger.Info("Starting rebuild", zap.String("run_id", runID), zap.String("scope", scope.Key()))
	r.notifier.Rebuild(ctx, events.TypeRebuildStarted, events.RebuildEvent{RunID: runID, Scope: scope.Key()})

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()

		start := time.Now()
		err := r.run(ctx, scope)
		r.finish(runID, scope, err, time.Since(start))
	}()

	return runID, nil
}

// Wait blocks until every started rebuild has finished
func (r *RebuilderService) Wait() {
	r.wg.Wait()
}

func (r *RebuilderService) finish(runID string, scope model.Scope, err error, elapsed time.Duration) {
	status, _ := r.coordinator.Status(model.ProcessRebuilder)
	r.coordinator.Finish(model.ProcessRebuilder, err)

	event := events.RebuildEvent{RunID: runID, Scope: scope.Key(), Description: status.Description}
	eventType := events.TypeRebuildCompleted
	result := model.RunResultCompleted
	switch {
	case err == nil:
		r.logger.Info("Rebuild completed", zap.String("run_id", runID), zap.Duration("elapsed", elapsed))
	case errors.Is(err, context.Canceled):
		eventType, result = events.TypeRebuildCancelled, model.RunResultCancelled
		r.logger.Info("Rebuild cancelled", zap.String("run_id", runID), zap.String("progress", status.Description))
	default:
		eventType, result = events.TypeRebuildFailed, model.RunResultFailed
		event.Error = err.Error()
		r.logger.Error("Rebuild failed", zap.String("run_id", runID), zap.Error(err))
	}

	r.metrics.RebuildRuns.WithLabelValues(result).Inc()
	r.metrics.RebuildDuration.Observe(elapsed.Seconds())
	r.notifier.Rebuild(context.Background(), eventType, event)
}

func (r *RebuilderService) run(ctx context.Context, scope model.Scope) error {
	targets, err := resolveTargets(ctx, r.source, r.aggCfg, scope)
	if err != nil {
		return err
	}

	var errs []error
	for i, t := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.rebuildStream(ctx, t, i+1, len(targets)); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			r.logger.Error("Failed to rebuild stream", zap.String("scope", t.scope.Key()), zap.Error(err))
			errs = append(errs, err)
		}
	}

	if r.cache != nil {
		if err := r.cache.Invalidate(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn("Failed to invalidate response cache", zap.Error(err))
		}
	}
	return errors.Join(errs...)
}

// rebuildStream clears and replays one stream. On cancellation the candles of the buckets already
// replayed are flushed and checkpointed, so the builder continues from there.
func (r *RebuilderService) rebuildStream(ctx context.Context, t streamTarget, n, total int) error {
	key := t.scope.Key()
	logger := r.logger.With(zap.String("scope", key))
	label := string(model.ProcessRebuilder)

	r.coordinator.MarkProgress(model.ProcessRebuilder, fmt.Sprintf("%s (%d of %d): waiting for builder", key, n, total))
	if err := r.coordinator.WaitForScope(ctx, model.ProcessRebuilder, t.scope, r.cfg.WaitInterval); err != nil {
		return err
	}
	defer r.coordinator.ReleaseScope(model.ProcessRebuilder, t.scope)

	if r.builder != nil {
		r.builder.ResetStream(t.scope)
	}

	pr, err := r.source.PriceRange(ctx, t.scope)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	var cleared int64
	err = r.retry.Do(ctx, logger, "clear scope", func() error {
		var cerr error
		cleared, cerr = r.store.ClearScope(ctx, t.types(), t.scope)
		return cerr
	})
	if err != nil {
		return fmt.Errorf("clear %s: %w", key, err)
	}
	logger.Info("Cleared cached candles", zap.Int64("rows", cleared), zap.Int64("price_points", pr.Count))

	smallest := interval.Smallest(r.aggCfg.Intervals)
	var buckets int64
	if pr.Count > 0 {
		buckets = interval.BucketCount(pr.MinTimestamp, pr.MaxTimestamp, smallest)
	}

	stream := newStream(t, r.aggCfg, r.store, r.logger)
	var processed int64
	var applyErr error

	for {
		points, err := r.source.FetchPricePoints(ctx, t.scope, stream.Cursor(), r.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				applyErr = ctx.Err()
				break
			}
			return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
		if len(points) == 0 {
			break
		}

		stats, err := stream.Apply(ctx, points)
		r.metrics.PointsProcessed.WithLabelValues(label).Add(float64(stats.Points))
		r.metrics.PointsSkipped.WithLabelValues(label, "malformed").Add(float64(stats.Malformed))
		r.metrics.PointsSkipped.WithLabelValues(label, "out_of_order").Add(float64(stats.OutOfOrder))
		processed += int64(stats.Points + stats.Malformed + stats.OutOfOrder)
		if err != nil {
			applyErr = err
			break
		}

		if err := r.persist(ctx, logger, stream); err != nil {
			return err
		}

		bucket := interval.BucketCount(pr.MinTimestamp, stream.Cursor().Timestamp, smallest)
		r.coordinator.MarkProgress(model.ProcessRebuilder, fmt.Sprintf(
			"%s (%d of %d): processing bucket %d of %d, %d of %d price points",
			key, n, total, bucket, buckets, processed, pr.Count))

		if len(points) < r.cfg.BatchSize {
			break
		}
	}

	if applyErr != nil {
		if !errors.Is(applyErr, context.Canceled) {
			return applyErr
		}
		if err := r.persist(context.WithoutCancel(ctx), logger, stream); err != nil {
			logger.Error("Failed to persist partial rebuild", zap.Error(err))
		}
		return applyErr
	}

	return r.persist(ctx, logger, stream)
}

// persist flushes pending candles and then moves the stream checkpoint to the stream cursor
func (r *RebuilderService) persist(ctx context.Context, logger *zap.Logger, stream *aggregator.Stream) error {
	var flushed int
	err := r.retry.Do(ctx, logger, "flush candles", func() error {
		var ferr error
		flushed, ferr = stream.Flush(ctx)
		return ferr
	})
	if err != nil {
		return err
	}
	r.metrics.CandlesUpserted.WithLabelValues(string(model.ProcessRebuilder)).Add(float64(flushed))

	cursor := stream.Cursor()
	err = r.retry.Do(ctx, logger, "write checkpoint", func() error {
		return writeCursor(ctx, r.params, stream.Scope(), cursor)
	})
	if err != nil {
		return err
	}

	if flushed > 0 {
		r.notifier.CandlesUpdated(ctx, events.CandlesUpdated{
			Scope:         stream.Scope().Key(),
			Source:        string(model.ProcessRebuilder),
			Candles:       flushed,
			LastTimestamp: cursor.Timestamp,
		})
	}
	return nil
}
