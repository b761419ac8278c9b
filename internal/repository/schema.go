package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// ErrSchemaMismatch is returned when the database lacks tables or columns the service needs
var ErrSchemaMismatch = errors.New("schema mismatch")

// RequiredColumns lists, per table, the columns the repositories read or write
var RequiredColumns = map[string][]string{
	"cache_candle": {
		"id", "candle_type", "interval_seconds", "timestamp", "scope_key", "resource_slug", "address",
		"chain_id", "market_id", "trailing_avg_time", "open", "high", "low", "close", "end_timestamp",
		"last_updated_timestamp", "last_updated_id", "sum_used", "sum_fee_paid", "trailing_start_timestamp", "created_at", "updated_at",
	},
	"cache_param":    {"param_name", "param_value_number", "updated_at"},
	"resource":       {"id", "slug", "name"},
	"resource_price": {"id", "resource_id", "timestamp", "value", "used", "fee_paid"},
	"market":         {"id", "address", "chain_id", "market_id", "resource_id", "start_timestamp", "end_timestamp"},
	"market_price":   {"id", "market_id", "timestamp", "value"},
}

type columnRow struct {
	Table  string `db:"table_name"`
	Column string `db:"column_name"`
}

// VerifySchema checks that every required table and column exists
func VerifySchema(ctx context.Context, db *sqlx.DB, logger *zap.Logger) error {
	tables := make([]string, 0, len(RequiredColumns))
	for t := range RequiredColumns {
		tables = append(tables, t)
	}

	var rows []columnRow
	err := db.SelectContext(ctx, &rows, `
		SELECT table_name, column_name
		FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = ANY($1)
	`, pq.Array(tables))
	if err != nil {
		logger.Error("Failed to read schema", zap.Error(err))
		return err
	}

	present := make(map[string]map[string]bool)
	for _, row := range rows {
		if present[row.Table] == nil {
			present[row.Table] = make(map[string]bool)
		}
		present[row.Table][row.Column] = true
	}

	if missing := missingColumns(present); len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrSchemaMismatch, strings.Join(missing, ", "))
	}
	return nil
}

func missingColumns(present map[string]map[string]bool) []string {
	var missing []string
	for table, columns := range RequiredColumns {
		if present[table] == nil {
			missing = append(missing, table)
			continue
		}
		for _, c := range columns {
			if !present[table][c] {
				missing = append(missing, table+"."+c)
			}
		}
	}
	sort.Strings(missing)
	return missing
}
