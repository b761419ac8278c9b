package aggregator

import (
	"database/sql"

	"github.com/yourorg/candle-cache/internal/interval"
	"github.com/yourorg/candle-cache/internal/model"

	"github.com/shopspring/decimal"
)

// newCandle opens a candle for the bucket of series containing the point at
func newCandle(series model.SeriesKey, scope model.Scope, at model.Cursor, value decimal.Decimal) *model.Candle {
	start := interval.StartOf(at.Timestamp, series.Interval)
	c := &model.Candle{
		CandleType:           series.CandleType,
		Interval:             series.Interval,
		Timestamp:            start,
		TrailingAvgTime:      series.TrailingAvgTime,
		Open:                 value,
		High:                 value,
		Low:                  value,
		Close:                value,
		EndTimestamp:         start + series.Interval,
		LastUpdatedTimestamp: at.Timestamp,
		LastUpdatedID:        at.ID,
	}
	c.SetScope(scope)
	return c
}

// mergeValue folds a new value into an open candle
func mergeValue(c *model.Candle, at model.Cursor, value decimal.Decimal) {
	c.High = decimal.Max(c.High, value)
	c.Low = decimal.Min(c.Low, value)
	c.Close = value
	if c.LastUpdated().Before(at) {
		c.LastUpdatedTimestamp = at.Timestamp
		c.LastUpdatedID = at.ID
	}
}

// setSums records running sums on a trailing or index candle
func setSums(c *model.Candle, sumUsed, sumFeePaid decimal.Decimal) {
	c.SumUsed = decimal.NewNullDecimal(sumUsed)
	c.SumFeePaid = decimal.NewNullDecimal(sumFeePaid)
}

func setTrailingStart(c *model.Candle, start int64) {
	c.TrailingStartTimestamp = sql.NullInt64{Int64: start, Valid: true}
}

// sums returns the running sums of c, zero when absent
func sums(c *model.Candle) (decimal.Decimal, decimal.Decimal) {
	used, fee := decimal.Zero, decimal.Zero
	if c.SumUsed.Valid {
		used = c.SumUsed.Decimal
	}
	if c.SumFeePaid.Valid {
		fee = c.SumFeePaid.Decimal
	}
	return used, fee
}
