package aggregator

import (
	"context"
	"fmt"
	"testing"

	"github.com/yourorg/candle-cache/internal/model"
	"github.com/yourorg/candle-cache/internal/repository/repotest"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func point(id, ts, value, used int64) model.PricePoint {
	return model.PricePoint{
		ID:        id,
		Timestamp: ts,
		Value:     decimal.NewFromInt(value),
		Used:      decimal.NewFromInt(used),
		FeePaid:   decimal.NewFromInt(value * used),
	}
}

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func assertDecimal(t *testing.T, want int64, got decimal.Decimal) {
	t.Helper()
	assert.Truef(t, dec(want).Equal(got), "want %d got %s", want, got.String())
}

// snapshot renders candles field by field so decimals compare by value
func snapshot(candles []model.Candle) []string {
	out := make([]string, 0, len(candles))
	for _, c := range candles {
		out = append(out, fmt.Sprintf("%s|%d|%d|%s|%d|%s|%s|%s|%s|%d|%d|%s|%s|%v",
			c.CandleType, c.Interval, c.Timestamp, c.ScopeKey, c.TrailingAvgTime,
			c.Open, c.High, c.Low, c.Close, c.EndTimestamp, c.LastUpdatedTimestamp,
			c.SumUsed.Decimal, c.SumFeePaid.Decimal, c.TrailingStartTimestamp))
	}
	return out
}

func resourceConfig(intervals ...int64) Config {
	return Config{Intervals: intervals, Types: []model.CandleType{model.CandleTypeResource}}
}

func runResource(t *testing.T, store *repotest.MemoryStore, cfg Config, points []model.PricePoint) *Stream {
	t.Helper()
	s := NewResourceStream("gas", nil, cfg, store, zap.NewNop())
	_, err := s.Apply(context.Background(), points)
	require.NoError(t, err)
	_, err = s.Flush(context.Background())
	require.NoError(t, err)
	return s
}

func TestFixedBucketSingleCandle(t *testing.T) {
	store := repotest.NewMemoryStore()
	points := []model.PricePoint{point(1, 0, 10, 1), point(2, 30, 15, 1), point(3, 50, 8, 1)}

	runResource(t, store, resourceConfig(60), points)

	candles := store.Candles(model.CandleTypeResource)
	require.Len(t, candles, 1)
	c := candles[0]
	assert.Equal(t, int64(0), c.Timestamp)
	assert.Equal(t, int64(60), c.EndTimestamp)
	assert.Equal(t, "resource:gas", c.ScopeKey)
	assert.Equal(t, "gas", c.ResourceSlug)
	assertDecimal(t, 10, c.Open)
	assertDecimal(t, 15, c.High)
	assertDecimal(t, 8, c.Low)
	assertDecimal(t, 8, c.Close)
	assert.Equal(t, model.Cursor{Timestamp: 50, ID: 3}, c.LastUpdated())
	assert.False(t, c.SumUsed.Valid)
}

func TestRerunIsIdempotent(t *testing.T) {
	store := repotest.NewMemoryStore()
	cfg := Config{
		Intervals:        []int64{60, 300},
		TrailingAvgTimes: []int64{100},
		Types:            []model.CandleType{model.CandleTypeResource, model.CandleTypeTrailingAvg, model.CandleTypeIndex},
	}
	markets := []model.Market{{Address: "0xabc", ChainID: 1, MarketID: 1, ResourceSlug: "gas", StartTimestamp: 0, EndTimestamp: 1000}}
	points := []model.PricePoint{point(1, 0, 10, 2), point(2, 30, 15, 1), point(3, 50, 8, 4), point(4, 70, 9, 1), point(5, 70, 11, 3)}

	run := func() {
		s := NewResourceStream("gas", markets, cfg, store, zap.NewNop())
		_, err := s.Apply(context.Background(), points)
		require.NoError(t, err)
		_, err = s.Flush(context.Background())
		require.NoError(t, err)
	}

	run()
	first := map[model.CandleType][]model.Candle{}
	for _, ct := range cfg.Types {
		first[ct] = store.Candles(ct)
		require.NotEmpty(t, first[ct], ct)
	}
	count := store.Len()

	run()
	assert.Equal(t, count, store.Len())
	for _, ct := range cfg.Types {
		assert.Equal(t, snapshot(first[ct]), snapshot(store.Candles(ct)), ct)
	}

	resource := first[model.CandleTypeResource]
	require.Len(t, resource, 3) // two 60s buckets and one 300s bucket
	require.Len(t, first[model.CandleTypeIndex], 3)
}

func TestOHLCInvariant(t *testing.T) {
	store := repotest.NewMemoryStore()
	values := []int64{50, 12, 99, 3, 41, 77, 77, 1, 64, 20, 88, 5}
	var points []model.PricePoint
	for i, v := range values {
		points = append(points, point(int64(i+1), int64(i*17), v, 1))
	}

	runResource(t, store, resourceConfig(30, 60, 120), points)

	for _, c := range store.Candles(model.CandleTypeResource) {
		assert.True(t, c.Low.LessThanOrEqual(c.Open), "low <= open at %d/%d", c.Interval, c.Timestamp)
		assert.True(t, c.Low.LessThanOrEqual(c.Close))
		assert.True(t, c.High.GreaterThanOrEqual(c.Open))
		assert.True(t, c.High.GreaterThanOrEqual(c.Close))
		assert.LessOrEqual(t, c.Timestamp, c.EndTimestamp)
	}
}

func TestTrailingWindowDropsExpiredPoints(t *testing.T) {
	store := repotest.NewMemoryStore()
	cfg := Config{Intervals: []int64{60}, TrailingAvgTimes: []int64{100}, Types: []model.CandleType{model.CandleTypeTrailingAvg}}
	s := NewResourceStream("gas", nil, cfg, store, zap.NewNop())

	_, err := s.Apply(context.Background(), []model.PricePoint{point(1, 0, 5, 5), point(2, 50, 5, 5), point(3, 150, 5, 5)})
	require.NoError(t, err)
	_, err = s.Flush(context.Background())
	require.NoError(t, err)

	w, ok := s.Window(100)
	require.True(t, ok)
	assert.Equal(t, 2, w.Len())
	assertDecimal(t, 10, w.SumUsed())
	assertDecimal(t, 50, w.SumFeePaid())
	assert.Equal(t, int64(50), w.Start())

	candles := store.Candles(model.CandleTypeTrailingAvg)
	require.Len(t, candles, 2)
	last := candles[1]
	assert.Equal(t, int64(120), last.Timestamp)
	assert.Equal(t, int64(100), last.TrailingAvgTime)
	assertDecimal(t, 10, last.SumUsed.Decimal)
	assertDecimal(t, 50, last.SumFeePaid.Decimal)
	assert.Equal(t, int64(50), last.TrailingStartTimestamp.Int64)
	assertDecimal(t, 5, last.Close)
}

func TestTrailingAverageIsWeighted(t *testing.T) {
	store := repotest.NewMemoryStore()
	cfg := Config{Intervals: []int64{1000}, TrailingAvgTimes: []int64{500}, Types: []model.CandleType{model.CandleTypeTrailingAvg}}
	s := NewResourceStream("gas", nil, cfg, store, zap.NewNop())

	// (10*1 + 40*3) / 4 = 32.5, truncated to 32
	_, err := s.Apply(context.Background(), []model.PricePoint{point(1, 0, 10, 1), point(2, 10, 40, 3)})
	require.NoError(t, err)
	_, err = s.Flush(context.Background())
	require.NoError(t, err)

	c := store.Candles(model.CandleTypeTrailingAvg)[0]
	assertDecimal(t, 10, c.Open)
	assertDecimal(t, 32, c.Close)
	assertDecimal(t, 32, c.High)
	assertDecimal(t, 10, c.Low)
}

func TestIndexCandlesAccumulateAcrossBuckets(t *testing.T) {
	store := repotest.NewMemoryStore()
	cfg := Config{Intervals: []int64{60}, Types: []model.CandleType{model.CandleTypeIndex}}
	market := model.Market{Address: "0xabc", ChainID: 10, MarketID: 2, ResourceSlug: "gas", StartTimestamp: 30, EndTimestamp: 200}
	s := NewResourceStream("gas", []model.Market{market}, cfg, store, zap.NewNop())

	points := []model.PricePoint{
		point(1, 0, 100, 1), // before the market starts
		point(2, 30, 10, 2),
		point(3, 90, 40, 2),
		point(4, 250, 7, 1), // after the market ends
	}
	_, err := s.Apply(context.Background(), points)
	require.NoError(t, err)
	_, err = s.Flush(context.Background())
	require.NoError(t, err)

	candles := store.Candles(model.CandleTypeIndex)
	require.Len(t, candles, 2)
	assert.Equal(t, "market:10:0xabc:2", candles[0].ScopeKey)
	assert.Equal(t, "gas", candles[0].ResourceSlug)
	assertDecimal(t, 10, candles[0].Close)
	assertDecimal(t, 2, candles[0].SumUsed.Decimal)

	// cumulative: (20 + 80) / 4
	assertDecimal(t, 25, candles[1].Close)
	assertDecimal(t, 4, candles[1].SumUsed.Decimal)
	assertDecimal(t, 100, candles[1].SumFeePaid.Decimal)
}

func TestOutOfOrderAndMalformedPointsAreSkipped(t *testing.T) {
	store := repotest.NewMemoryStore()
	s := NewResourceStream("gas", nil, resourceConfig(60), store, zap.NewNop())

	bad := point(3, 40, 1, 1)
	bad.Value = dec(-1)
	stats, err := s.Apply(context.Background(), []model.PricePoint{
		point(1, 10, 5, 1),
		point(2, 50, 7, 1),
		bad,
		point(4, 20, 100, 1), // earlier than the cursor
		point(5, 55, 6, 1),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Points)
	assert.Equal(t, 1, stats.Malformed)
	assert.Equal(t, 1, stats.OutOfOrder)
	assert.Equal(t, model.Cursor{Timestamp: 55, ID: 5}, stats.LastCursor)

	_, err = s.Flush(context.Background())
	require.NoError(t, err)
	c := store.Candles(model.CandleTypeResource)[0]
	assertDecimal(t, 7, c.High)
	assertDecimal(t, 5, c.Low)
	assertDecimal(t, 6, c.Close)
}

func TestResumeFromCursorSkipsProcessedPoints(t *testing.T) {
	store := repotest.NewMemoryStore()
	points := []model.PricePoint{point(1, 0, 10, 1), point(2, 30, 15, 1), point(3, 50, 8, 1), point(4, 70, 3, 1)}

	first := NewResourceStream("gas", nil, resourceConfig(60), store, zap.NewNop())
	_, err := first.Apply(context.Background(), points[:2])
	require.NoError(t, err)
	_, err = first.Flush(context.Background())
	require.NoError(t, err)

	resumed := NewResourceStream("gas", nil, resourceConfig(60), store, zap.NewNop())
	resumed.SetCursor(first.Cursor())
	stats, err := resumed.Apply(context.Background(), points)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Points)
	assert.Equal(t, 2, stats.OutOfOrder)
	_, err = resumed.Flush(context.Background())
	require.NoError(t, err)

	candles := store.Candles(model.CandleTypeResource)
	require.Len(t, candles, 2)
	assertDecimal(t, 10, candles[0].Open)
	assertDecimal(t, 15, candles[0].High)
	assertDecimal(t, 8, candles[0].Close)
	assertDecimal(t, 3, candles[1].Open)
}

func TestApplyStopsAtBucketBoundaryWhenCancelled(t *testing.T) {
	store := repotest.NewMemoryStore()
	s := NewResourceStream("gas", nil, resourceConfig(60), store, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	_, err := s.Apply(ctx, []model.PricePoint{point(1, 0, 1, 1), point(2, 10, 2, 1)})
	require.NoError(t, err)

	cancel()
	stats, err := s.Apply(ctx, []model.PricePoint{point(3, 20, 3, 1), point(4, 70, 4, 1)})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, stats.Points, "point in the open bucket is still merged")
	assert.Equal(t, model.Cursor{Timestamp: 20, ID: 3}, s.Cursor())
}

func TestFlushKeepsPendingCandlesOnFailure(t *testing.T) {
	store := repotest.NewMemoryStore()
	s := NewResourceStream("gas", nil, resourceConfig(60), store, zap.NewNop())
	_, err := s.Apply(context.Background(), []model.PricePoint{point(1, 0, 1, 1)})
	require.NoError(t, err)

	store.FailUpserts = 1
	_, err = s.Flush(context.Background())
	require.ErrorIs(t, err, repotest.ErrInjected)
	assert.Equal(t, 1, s.Pending())

	n, err := s.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, s.Pending())
	assert.Equal(t, 1, store.Len())
}

func TestMarketStream(t *testing.T) {
	store := repotest.NewMemoryStore()
	cfg := Config{Intervals: []int64{60}, Types: []model.CandleType{model.CandleTypeMarket}}
	scope := model.MarketScope{Address: "0xabc", ChainID: 1, MarketID: 4}
	s := NewMarketStream(scope, cfg, store, zap.NewNop())

	_, err := s.Apply(context.Background(), []model.PricePoint{point(1, 5, 3, 0), point(2, 6, 9, 0)})
	require.NoError(t, err)
	_, err = s.Flush(context.Background())
	require.NoError(t, err)

	candles := store.Candles(model.CandleTypeMarket)
	require.Len(t, candles, 1)
	assert.Equal(t, scope.Key(), candles[0].ScopeKey)
	assert.Equal(t, int64(4), candles[0].MarketID)
	assertDecimal(t, 9, candles[0].High)
}

func TestWarmLoadsWindowWithoutCandles(t *testing.T) {
	store := repotest.NewMemoryStore()
	cfg := Config{Intervals: []int64{60}, TrailingAvgTimes: []int64{100}, Types: []model.CandleType{model.CandleTypeTrailingAvg}}
	s := NewResourceStream("gas", nil, cfg, store, zap.NewNop())

	s.Warm([]model.PricePoint{point(1, 0, 5, 5), point(2, 50, 5, 5)})
	assert.Equal(t, 0, s.Pending())
	assert.Equal(t, model.Cursor{Timestamp: 50, ID: 2}, s.Cursor())
	assert.Equal(t, int64(100), s.MaxTrailing())

	w, _ := s.Window(100)
	assertDecimal(t, 10, w.SumUsed())
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, Config{}.Validate())
	assert.Error(t, Config{Intervals: []int64{0}}.Validate())
	assert.Error(t, Config{Intervals: []int64{60}, TrailingAvgTimes: []int64{-1}}.Validate())
	assert.Error(t, Config{Intervals: []int64{60}, Types: []model.CandleType{"bogus"}}.Validate())
	assert.NoError(t, Config{Intervals: []int64{60}, Types: model.ResourceCandleTypes}.Validate())
}
