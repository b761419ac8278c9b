// Package repotest provides in-memory implementations of the repositories for tests.
package repotest

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/yourorg/candle-cache/internal/model"

	"github.com/shopspring/decimal"
)

// ErrInjected is returned by stores configured to fail
var ErrInjected = errors.New("injected failure")

type candleID struct {
	series    model.SeriesKey
	timestamp int64
}

// MemoryStore is a candle and checkpoint store backed by maps.
// Upserts replace the row with the same identity, mirroring the ON CONFLICT clause of the SQL store.
type MemoryStore struct {
	mu      sync.Mutex
	candles map[candleID]*model.Candle
	params  map[string]decimal.Decimal

	// FailUpserts makes the next n UpsertCandles calls fail
	FailUpserts int
	// FailCheckpoints makes the next n WriteCheckpoints calls fail
	FailCheckpoints int

	UpsertCalls int
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		candles: make(map[candleID]*model.Candle),
		params:  make(map[string]decimal.Decimal),
	}
}

func (s *MemoryStore) GetLatestCandle(ctx context.Context, series model.SeriesKey) (*model.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *model.Candle
	for id, c := range s.candles {
		if id.series != series {
			continue
		}
		if latest == nil || c.Timestamp > latest.Timestamp {
			latest = c
		}
	}
	if latest == nil {
		return nil, nil
	}
	return latest.Clone(), nil
}

func (s *MemoryStore) UpsertCandles(ctx context.Context, candles []*model.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.UpsertCalls++
	if s.FailUpserts > 0 {
		s.FailUpserts--
		return ErrInjected
	}

	for _, c := range candles {
		s.candles[candleID{series: c.Series(), timestamp: c.Timestamp}] = c.Clone()
	}
	return nil
}

func (s *MemoryStore) GetCandles(ctx context.Context, q model.CandleQuery) ([]model.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Candle
	for id, c := range s.candles {
		if id.series == q.Series && c.Timestamp >= q.From && c.Timestamp < q.To {
			out = append(out, *c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

func (s *MemoryStore) ClearScope(ctx context.Context, types []model.CandleType, scope model.Scope) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, c := range s.candles {
		if !hasType(types, c.CandleType) {
			continue
		}
		match := false
		switch v := scope.(type) {
		case model.AllScope:
			match = true
		case model.ResourceScope:
			match = c.ResourceSlug == v.Slug
		case model.MarketScope:
			match = c.ScopeKey == v.Key()
		}
		if match {
			delete(s.candles, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ReadCheckpoint(ctx context.Context, name string) (decimal.Decimal, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.params[name]
	return v, ok, nil
}

func (s *MemoryStore) WriteCheckpoint(ctx context.Context, name string, value decimal.Decimal) error {
	return s.WriteCheckpoints(ctx, model.CacheParam{ParamName: name, ParamValueNumber: value})
}

func (s *MemoryStore) WriteCheckpoints(ctx context.Context, params ...model.CacheParam) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailCheckpoints > 0 {
		s.FailCheckpoints--
		return ErrInjected
	}
	for _, p := range params {
		s.params[p.ParamName] = p.ParamValueNumber
	}
	return nil
}

// Candles returns every stored candle of a type, ordered by scope, interval and timestamp
func (s *MemoryStore) Candles(t model.CandleType) []model.Candle {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Candle
	for _, c := range s.candles {
		if c.CandleType == t {
			out = append(out, *c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.ScopeKey != b.ScopeKey {
			return a.ScopeKey < b.ScopeKey
		}
		if a.TrailingAvgTime != b.TrailingAvgTime {
			return a.TrailingAvgTime < b.TrailingAvgTime
		}
		if a.Interval != b.Interval {
			return a.Interval < b.Interval
		}
		return a.Timestamp < b.Timestamp
	})
	return out
}

// Len returns the number of stored candles
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.candles)
}

// Param returns a checkpoint value, zero when absent
func (s *MemoryStore) Param(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params[name].IntPart()
}

func hasType(types []model.CandleType, t model.CandleType) bool {
	for _, ct := range types {
		if ct == t {
			return true
		}
	}
	return false
}

// MemorySource is a price source backed by slices
type MemorySource struct {
	mu        sync.Mutex
	resources []model.Resource
	markets   []model.Market
	prices    map[string][]model.PricePoint
	nextID    int64

	// Unavailable makes every call fail
	Unavailable bool
	// FetchCalls counts FetchPricePoints calls per scope key
	FetchCalls map[string]int
	// BeforeFetch, when set, runs at the start of every FetchPricePoints call
	BeforeFetch func(scope model.Scope)
}

// NewMemorySource creates an empty source
func NewMemorySource() *MemorySource {
	return &MemorySource{
		prices:     make(map[string][]model.PricePoint),
		FetchCalls: make(map[string]int),
	}
}

// AddResource registers a resource
func (s *MemorySource) AddResource(slug string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources = append(s.resources, model.Resource{ID: int64(len(s.resources) + 1), Slug: slug, Name: slug})
}

// AddMarket registers a market
func (s *MemorySource) AddMarket(m model.Market) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.ID = int64(len(s.markets) + 1)
	s.markets = append(s.markets, m)
}

// AddPrice appends a resource price point, assigning the next id
func (s *MemorySource) AddPrice(scope model.Scope, timestamp int64, value, used int64) model.PricePoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	p := model.PricePoint{
		ID:        s.nextID,
		Timestamp: timestamp,
		Value:     decimal.NewFromInt(value),
		Used:      decimal.NewFromInt(used),
		FeePaid:   decimal.NewFromInt(value * used),
	}
	key := scope.Key()
	s.prices[key] = append(s.prices[key], p)
	sort.SliceStable(s.prices[key], func(i, j int) bool {
		return s.prices[key][i].Cursor().Before(s.prices[key][j].Cursor())
	})
	return p
}

func (s *MemorySource) ListResources(ctx context.Context) ([]model.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Unavailable {
		return nil, ErrInjected
	}
	return append([]model.Resource(nil), s.resources...), nil
}

func (s *MemorySource) ListMarkets(ctx context.Context) ([]model.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Unavailable {
		return nil, ErrInjected
	}
	return append([]model.Market(nil), s.markets...), nil
}

func (s *MemorySource) FetchPricePoints(ctx context.Context, scope model.Scope, after model.Cursor, limit int) ([]model.PricePoint, error) {
	s.mu.Lock()
	hook := s.BeforeFetch
	s.mu.Unlock()
	if hook != nil {
		hook(scope)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Unavailable {
		return nil, ErrInjected
	}
	s.FetchCalls[scope.Key()]++

	var out []model.PricePoint
	for _, p := range s.prices[scope.Key()] {
		if !after.Before(p.Cursor()) {
			continue
		}
		out = append(out, p)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemorySource) PriceRange(ctx context.Context, scope model.Scope) (model.PriceRange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Unavailable {
		return model.PriceRange{}, ErrInjected
	}

	points := s.prices[scope.Key()]
	if len(points) == 0 {
		return model.PriceRange{}, nil
	}
	return model.PriceRange{
		MinTimestamp: points[0].Timestamp,
		MaxTimestamp: points[len(points)-1].Timestamp,
		Count:        int64(len(points)),
	}, nil
}
