package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/yourorg/candle-cache/internal/model"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

const candleColumns = `
	id, candle_type, interval_seconds, timestamp, scope_key, resource_slug, address, chain_id, market_id,
	trailing_avg_time, open, high, low, close, end_timestamp, last_updated_timestamp, last_updated_id,
	sum_used, sum_fee_paid, trailing_start_timestamp, created_at, updated_at`

// CandleRepository handles database operations for cached candles
type CandleRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewCandleRepository creates a new candle repository
func NewCandleRepository(db *sqlx.DB, logger *zap.Logger) *CandleRepository {
	return &CandleRepository{
		db:     db,
		logger: logger,
	}
}

// GetLatestCandle returns the most recent candle of a series, or nil when the series is empty
func (r *CandleRepository) GetLatestCandle(ctx context.Context, series model.SeriesKey) (*model.Candle, error) {
	query := `SELECT ` + candleColumns + `
		FROM cache_candle
		WHERE candle_type = $1 AND interval_seconds = $2 AND scope_key = $3 AND trailing_avg_time = $4
		ORDER BY timestamp DESC
		LIMIT 1
	`

	var candle model.Candle
	err := r.db.GetContext(ctx, &candle, query,
		series.CandleType, series.Interval, series.ScopeKey, series.TrailingAvgTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get latest candle",
			zap.Error(err),
			zap.String("candle_type", string(series.CandleType)),
			zap.Int64("interval", series.Interval),
			zap.String("scope", series.ScopeKey))
		return nil, err
	}

	return &candle, nil
}

// GetCandles returns the candles of a series with From <= timestamp < To, ordered by timestamp
func (r *CandleRepository) GetCandles(ctx context.Context, q model.CandleQuery) ([]model.Candle, error) {
	query := `SELECT ` + candleColumns + `
		FROM cache_candle
		WHERE candle_type = $1 AND interval_seconds = $2 AND scope_key = $3 AND trailing_avg_time = $4
			AND timestamp >= $5 AND timestamp < $6
		ORDER BY timestamp
	`

	var candles []model.Candle
	err := r.db.SelectContext(ctx, &candles, query,
		q.Series.CandleType, q.Series.Interval, q.Series.ScopeKey, q.Series.TrailingAvgTime, q.From, q.To)
	if err != nil {
		r.logger.Error("Failed to get candles",
			zap.Error(err),
			zap.String("candle_type", string(q.Series.CandleType)),
			zap.String("scope", q.Series.ScopeKey),
			zap.Int64("from", q.From),
			zap.Int64("to", q.To))
		return nil, err
	}

	return candles, nil
}

// UpsertCandles inserts a batch of candles, replacing the values of rows with the same identity
func (r *CandleRepository) UpsertCandles(ctx context.Context, candles []*model.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	// Using transaction for batch upsert
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		r.logger.Error("Failed to begin transaction", zap.Error(err))
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO cache_candle (
			candle_type, interval_seconds, timestamp, scope_key, resource_slug, address, chain_id, market_id,
			trailing_avg_time, open, high, low, close, end_timestamp, last_updated_timestamp, last_updated_id,
			sum_used, sum_fee_paid, trailing_start_timestamp
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (candle_type, interval_seconds, timestamp, scope_key, trailing_avg_time)
		DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			end_timestamp = EXCLUDED.end_timestamp,
			last_updated_timestamp = EXCLUDED.last_updated_timestamp,
			last_updated_id = EXCLUDED.last_updated_id,
			sum_used = EXCLUDED.sum_used,
			sum_fee_paid = EXCLUDED.sum_fee_paid,
			trailing_start_timestamp = EXCLUDED.trailing_start_timestamp,
			updated_at = CURRENT_TIMESTAMP
	`)
	if err != nil {
		r.logger.Error("Failed to prepare statement", zap.Error(err))
		return err
	}
	defer stmt.Close()

	for _, c := range candles {
		_, err = stmt.ExecContext(
			ctx,
			c.CandleType,
			c.Interval,
			c.Timestamp,
			c.ScopeKey,
			c.ResourceSlug,
			c.Address,
			c.ChainID,
			c.MarketID,
			c.TrailingAvgTime,
			c.Open,
			c.High,
			c.Low,
			c.Close,
			c.EndTimestamp,
			c.LastUpdatedTimestamp,
			c.LastUpdatedID,
			c.SumUsed,
			c.SumFeePaid,
			c.TrailingStartTimestamp,
		)
		if err != nil {
			r.logger.Error("Failed to upsert candle",
				zap.Error(err),
				zap.String("candle_type", string(c.CandleType)),
				zap.String("scope", c.ScopeKey),
				zap.Int64("interval", c.Interval),
				zap.Int64("timestamp", c.Timestamp))
			return err
		}
	}

	// Commit transaction
	if err := tx.Commit(); err != nil {
		r.logger.Error("Failed to commit transaction", zap.Error(err))
		return err
	}

	return nil
}

// ClearScope deletes the candles of the given types belonging to scope and returns how many were removed.
// Resource scopes match on resource_slug so the index candles a resource feeds are removed with it.
func (r *CandleRepository) ClearScope(ctx context.Context, types []model.CandleType, scope model.Scope) (int64, error) {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}

	query := `DELETE FROM cache_candle WHERE candle_type = ANY($1)`
	args := []interface{}{pq.Array(names)}

	switch s := scope.(type) {
	case model.AllScope:
	case model.ResourceScope:
		query += ` AND resource_slug = $2`
		args = append(args, s.Slug)
	case model.MarketScope:
		query += ` AND scope_key = $2`
		args = append(args, s.Key())
	default:
		return 0, fmt.Errorf("%w: %v", model.ErrInvalidScope, scope)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to clear candle scope",
			zap.Error(err),
			zap.String("scope", scope.Key()),
			zap.Strings("candle_types", names))
		return 0, err
	}

	return result.RowsAffected()
}
