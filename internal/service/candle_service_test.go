package service

import (
	"context"
	"math"
	"testing"

	"github.com/yourorg/candle-cache/internal/model"
	"github.com/yourorg/candle-cache/internal/repository/repotest"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func stored(ts, open, close, updated int64) model.Candle {
	return model.Candle{
		Timestamp:            ts,
		Open:                 decimal.NewFromInt(open),
		High:                 decimal.NewFromInt(max(open, close)),
		Low:                  decimal.NewFromInt(min(open, close)),
		Close:                decimal.NewFromInt(close),
		LastUpdatedTimestamp: updated,
	}
}

func closes(resp model.CandleSeriesResponse) []string {
	var out []string
	for _, c := range resp.Data {
		out = append(out, c.Close)
	}
	return out
}

func timestamps(resp model.CandleSeriesResponse) []int64 {
	var out []int64
	for _, c := range resp.Data {
		out = append(out, c.Timestamp)
	}
	return out
}

func TestFillSeriesCarriesLastClose(t *testing.T) {
	candles := []model.Candle{stored(120, 5, 7, 150), stored(240, 8, 9, 290)}

	resp := fillSeries(candles, 0, 360, 60, fills[model.CandleTypeResource])

	assert.Equal(t, []int64{0, 60, 120, 180, 240, 300}, timestamps(resp))
	assert.Equal(t, []string{"0", "0", "7", "7", "9", "9"}, closes(resp))
	assert.Equal(t, "7", resp.Data[3].Open)
	assert.Equal(t, int64(290), resp.LastUpdateTimestamp)
}

func TestFillSeriesTrailingPadsOnlyLeadingGap(t *testing.T) {
	candles := []model.Candle{stored(120, 5, 7, 150), stored(240, 8, 9, 290)}

	resp := fillSeries(candles, 0, 360, 60, fills[model.CandleTypeTrailingAvg])

	assert.Equal(t, []int64{0, 60, 120, 240}, timestamps(resp))
	assert.Equal(t, []string{"0", "0", "7", "9"}, closes(resp))
}

func TestFillSeriesIndexIsUnfilled(t *testing.T) {
	candles := []model.Candle{stored(120, 5, 7, 150), stored(240, 8, 9, 290)}

	resp := fillSeries(candles, 0, 360, 60, fills[model.CandleTypeIndex])
	assert.Equal(t, []int64{120, 240}, timestamps(resp))
}

func TestFillSeriesEmpty(t *testing.T) {
	resp := fillSeries(nil, 0, 180, 60, fills[model.CandleTypeMarket])
	assert.Equal(t, []string{"0", "0", "0"}, closes(resp))
	assert.Zero(t, resp.LastUpdateTimestamp)

	resp = fillSeries(nil, 0, 180, 60, fills[model.CandleTypeIndex])
	assert.NotNil(t, resp.Data)
	assert.Empty(t, resp.Data)
}

func TestCandleServiceReadsBuiltCandles(t *testing.T) {
	f := newFixture(t)
	f.seed()
	tick(t, f.builder(100, 10))

	svc := NewCandleService(f.store, testAggConfig(), 1000, zap.NewNop())
	resp, err := svc.GetCandles(context.Background(), model.CandleRequest{
		Type: "resource", Scope: "resource:gas", Interval: 60, From: 30, To: 400,
	})
	require.NoError(t, err)

	// [30, 400) widens to [0, 420)
	assert.Equal(t, []int64{0, 60, 120, 180, 240, 300, 360}, timestamps(*resp))
	assert.Equal(t, resp.Data[4].Close, resp.Data[6].Close)
	assert.Equal(t, int64(275), resp.LastUpdateTimestamp)

	resp, err = svc.GetCandles(context.Background(), model.CandleRequest{
		Type: "trailingAvg", Scope: "gas", Interval: 300, From: 0, To: 300, TrailingAvgTime: 100,
	})
	require.NoError(t, err)
	assert.Len(t, resp.Data, 1)

	resp, err = svc.GetCandles(context.Background(), model.CandleRequest{
		Type: "index", Scope: marketScope.Key(), Interval: 60, From: 0, To: 600,
	})
	require.NoError(t, err)
	assert.Len(t, resp.Data, 5)
}

func TestCandleServiceRejectsBadQueries(t *testing.T) {
	svc := NewCandleService(repotest.NewMemoryStore(), testAggConfig(), 1000, zap.NewNop())
	ctx := context.Background()

	_, err := svc.GetCandles(ctx, model.CandleRequest{Type: "resource", Scope: "gas", Interval: 61, To: 100})
	assert.ErrorIs(t, err, ErrInvalidInterval)

	_, err = svc.GetCandles(ctx, model.CandleRequest{Type: "resource", Scope: marketScope.Key(), Interval: 60, To: 100})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = svc.GetCandles(ctx, model.CandleRequest{Type: "market", Scope: "gas", Interval: 60, To: 100})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = svc.GetCandles(ctx, model.CandleRequest{Type: "trailingAvg", Scope: "gas", Interval: 60, To: 100, TrailingAvgTime: 5})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = svc.GetCandles(ctx, model.CandleRequest{Type: "resource", Scope: "market:x", Interval: 60, To: 100})
	assert.ErrorIs(t, err, model.ErrInvalidScope)
}

func TestCandleServiceBoundsQueryRange(t *testing.T) {
	svc := NewCandleService(repotest.NewMemoryStore(), testAggConfig(), 10, zap.NewNop())
	ctx := context.Background()

	resp, err := svc.GetCandles(ctx, model.CandleRequest{Type: "resource", Scope: "gas", Interval: 60, From: 0, To: 600})
	require.NoError(t, err)
	assert.Len(t, resp.Data, 10)

	// [0, 610) aligns out to [0, 660), eleven buckets
	_, err = svc.GetCandles(ctx, model.CandleRequest{Type: "resource", Scope: "gas", Interval: 60, From: 0, To: 610})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = svc.GetCandles(ctx, model.CandleRequest{Type: "resource", Scope: "gas", Interval: 60, From: 0, To: 300_000_000})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = svc.GetCandles(ctx, model.CandleRequest{Type: "resource", Scope: "gas", Interval: 60, From: 0, To: math.MaxInt64})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = svc.GetCandles(ctx, model.CandleRequest{Type: "resource", Scope: "gas", Interval: 60, From: 600, To: 600})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = svc.GetCandles(ctx, model.CandleRequest{Type: "resource", Scope: "gas", Interval: 60, From: math.MinInt64, To: 600})
	assert.ErrorIs(t, err, ErrInvalidQuery)
}
