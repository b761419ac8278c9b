package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/yourorg/candle-cache/internal/model"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ParamRepository handles the cache_param key/value table used for process checkpoints
type ParamRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewParamRepository creates a new param repository
func NewParamRepository(db *sqlx.DB, logger *zap.Logger) *ParamRepository {
	return &ParamRepository{
		db:     db,
		logger: logger,
	}
}

// ReadCheckpoint returns the value of a param and whether it exists
func (r *ParamRepository) ReadCheckpoint(ctx context.Context, name string) (decimal.Decimal, bool, error) {
	var value decimal.Decimal
	err := r.db.GetContext(ctx, &value, `SELECT param_value_number FROM cache_param WHERE param_name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		r.logger.Error("Failed to read checkpoint", zap.Error(err), zap.String("param", name))
		return decimal.Zero, false, err
	}
	return value, true, nil
}

// WriteCheckpoint stores a single param
func (r *ParamRepository) WriteCheckpoint(ctx context.Context, name string, value decimal.Decimal) error {
	return r.WriteCheckpoints(ctx, model.CacheParam{ParamName: name, ParamValueNumber: value})
}

// WriteCheckpoints stores several params atomically
func (r *ParamRepository) WriteCheckpoints(ctx context.Context, params ...model.CacheParam) error {
	if len(params) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		r.logger.Error("Failed to begin transaction", zap.Error(err))
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO cache_param (param_name, param_value_number)
		VALUES ($1, $2)
		ON CONFLICT (param_name)
		DO UPDATE SET
			param_value_number = EXCLUDED.param_value_number,
			updated_at = CURRENT_TIMESTAMP
	`)
	if err != nil {
		r.logger.Error("Failed to prepare statement", zap.Error(err))
		return err
	}
	defer stmt.Close()

	for _, p := range params {
		if _, err := stmt.ExecContext(ctx, p.ParamName, p.ParamValueNumber); err != nil {
			r.logger.Error("Failed to write checkpoint", zap.Error(err), zap.String("param", p.ParamName))
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		r.logger.Error("Failed to commit transaction", zap.Error(err))
		return err
	}

	return nil
}
