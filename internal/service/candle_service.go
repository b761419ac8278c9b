package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/yourorg/candle-cache/internal/aggregator"
	"github.com/yourorg/candle-cache/internal/interval"
	"github.com/yourorg/candle-cache/internal/model"

	"go.uber.org/zap"
)

var (
	// ErrInvalidInterval is returned for an interval that is not configured
	ErrInvalidInterval = errors.New("invalid interval")
	// ErrInvalidQuery is returned for a candle query the cache cannot answer
	ErrInvalidQuery = errors.New("invalid candle query")
)

// CandleReader reads stored candles
type CandleReader interface {
	GetCandles(ctx context.Context, q model.CandleQuery) ([]model.Candle, error)
}

// CandleService serves cached candles to chart clients
type CandleService struct {
	store      CandleReader
	cfg        aggregator.Config
	maxBuckets int64
	logger     *zap.Logger
}

// NewCandleService creates a new candle service. A query may span at most maxBuckets buckets.
func NewCandleService(store CandleReader, cfg aggregator.Config, maxBuckets int64, logger *zap.Logger) *CandleService {
	return &CandleService{store: store, cfg: cfg, maxBuckets: maxBuckets, logger: logger}
}

// fill describes how gaps in a series are filled
type fill struct {
	carryForward bool
	padZeroes    bool
}

var fills = map[model.CandleType]fill{
	model.CandleTypeResource:    {carryForward: true, padZeroes: true},
	model.CandleTypeMarket:      {carryForward: true, padZeroes: true},
	model.CandleTypeTrailingAvg: {padZeroes: true},
	model.CandleTypeIndex:       {},
}

// GetCandles returns the candles of one series covering [req.From, req.To)
func (s *CandleService) GetCandles(ctx context.Context, req model.CandleRequest) (*model.CandleSeriesResponse, error) {
	series, err := s.series(req)
	if err != nil {
		return nil, err
	}

	if req.From < 0 || req.To <= req.From {
		return nil, fmt.Errorf("%w: invalid range [%d, %d)", ErrInvalidQuery, req.From, req.To)
	}
	// checked before aligning so a huge range cannot overflow the window math
	if (req.To-req.From)/req.Interval > s.maxBuckets {
		return nil, fmt.Errorf("%w: range spans more than %d buckets", ErrInvalidQuery, s.maxBuckets)
	}
	from, to := interval.Window(req.From, req.To, req.Interval)
	if (to-from)/req.Interval > s.maxBuckets {
		return nil, fmt.Errorf("%w: range spans more than %d buckets", ErrInvalidQuery, s.maxBuckets)
	}

	candles, err := s.store.GetCandles(ctx, model.CandleQuery{Series: series, From: from, To: to})
	if err != nil {
		s.logger.Error("Failed to read candles",
			zap.Error(err),
			zap.String("candle_type", req.Type),
			zap.String("scope", series.ScopeKey))
		return nil, err
	}

	resp := fillSeries(candles, from, to, req.Interval, fills[series.CandleType])
	return &resp, nil
}

func (s *CandleService) series(req model.CandleRequest) (model.SeriesKey, error) {
	ct := model.CandleType(req.Type)
	if !ct.Valid() || !s.cfg.Enabled(ct) {
		return model.SeriesKey{}, fmt.Errorf("%w: candle type %q is not cached", ErrInvalidQuery, req.Type)
	}
	if !contains(s.cfg.Intervals, req.Interval) {
		return model.SeriesKey{}, fmt.Errorf("%w: %d", ErrInvalidInterval, req.Interval)
	}

	scope, err := model.ParseScope(req.Scope)
	if err != nil {
		return model.SeriesKey{}, err
	}

	series := model.SeriesKey{CandleType: ct, Interval: req.Interval, ScopeKey: scope.Key()}
	switch ct {
	case model.CandleTypeResource, model.CandleTypeTrailingAvg:
		if scope.Kind() != model.ScopeKindResource {
			return model.SeriesKey{}, fmt.Errorf("%w: %s candles need a resource scope", ErrInvalidQuery, ct)
		}
	default:
		if scope.Kind() != model.ScopeKindMarket {
			return model.SeriesKey{}, fmt.Errorf("%w: %s candles need a market scope", ErrInvalidQuery, ct)
		}
	}
	if ct == model.CandleTypeTrailingAvg {
		if !contains(s.cfg.TrailingAvgTimes, req.TrailingAvgTime) {
			return model.SeriesKey{}, fmt.Errorf("%w: trailing average time %d is not cached", ErrInvalidQuery, req.TrailingAvgTime)
		}
		series.TrailingAvgTime = req.TrailingAvgTime
	}
	return series, nil
}

// fillSeries renders candles, which are sorted and bucket aligned, over the window [from, to).
// Zero candles pad the window before the first candle; later gaps repeat the last close.
func fillSeries(candles []model.Candle, from, to, step int64, f fill) model.CandleSeriesResponse {
	resp := model.CandleSeriesResponse{Data: []model.ResponseCandle{}}
	if len(candles) > 0 {
		resp.LastUpdateTimestamp = candles[len(candles)-1].LastUpdatedTimestamp
	}

	if !f.carryForward && !f.padZeroes {
		for _, c := range candles {
			resp.Data = append(resp.Data, toResponse(c))
		}
		return resp
	}

	lastClose := "0"
	seen := false
	next := 0
	for t := from; t < to; t += step {
		for next < len(candles) && candles[next].Timestamp < t {
			next++
		}
		switch {
		case next < len(candles) && candles[next].Timestamp == t:
			rc := toResponse(candles[next])
			resp.Data = append(resp.Data, rc)
			lastClose = rc.Close
			seen = true
		case !seen && f.padZeroes:
			resp.Data = append(resp.Data, flat(t, "0"))
		case seen && f.carryForward:
			resp.Data = append(resp.Data, flat(t, lastClose))
		}
	}
	return resp
}

func toResponse(c model.Candle) model.ResponseCandle {
	return model.ResponseCandle{
		Timestamp: c.Timestamp,
		Open:      c.Open.String(),
		High:      c.High.String(),
		Low:       c.Low.String(),
		Close:     c.Close.String(),
	}
}

func flat(t int64, price string) model.ResponseCandle {
	return model.ResponseCandle{Timestamp: t, Open: price, High: price, Low: price, Close: price}
}

func contains(values []int64, v int64) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
