// Package aggregator turns ordered price streams into interval and trailing-window candles.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/yourorg/candle-cache/internal/interval"
	"github.com/yourorg/candle-cache/internal/model"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrMalformedPoint marks a price point that cannot be aggregated
var ErrMalformedPoint = errors.New("malformed price point")

// Store is the candle persistence a stream reads from and flushes to
type Store interface {
	GetLatestCandle(ctx context.Context, series model.SeriesKey) (*model.Candle, error)
	UpsertCandles(ctx context.Context, candles []*model.Candle) error
}

// Config selects which candles a stream produces
type Config struct {
	Intervals        []int64
	TrailingAvgTimes []int64
	Types            []model.CandleType
}

// Enabled reports whether candles of type t are produced
func (c Config) Enabled(t model.CandleType) bool {
	for _, ct := range c.Types {
		if ct == t {
			return true
		}
	}
	return false
}

// Validate checks the config for values the aggregation math cannot handle
func (c Config) Validate() error {
	if len(c.Intervals) == 0 {
		return errors.New("at least one interval is required")
	}
	for _, i := range c.Intervals {
		if i <= 0 {
			return fmt.Errorf("interval %d must be positive", i)
		}
	}
	for _, t := range c.TrailingAvgTimes {
		if t <= 0 {
			return fmt.Errorf("trailing average time %d must be positive", t)
		}
	}
	for _, t := range c.Types {
		if !t.Valid() {
			return fmt.Errorf("unknown candle type %q", t)
		}
	}
	return nil
}

// Stats describes the outcome of an Apply call
type Stats struct {
	Points     int
	Malformed  int
	OutOfOrder int
	Skipped    int
	LastCursor model.Cursor
}

type streamKind int

const (
	resourceStream streamKind = iota
	marketStream
)

// entry is the open (most recent) candle of a series.
// persistedThrough is set while the candle is the one loaded from the store, so replayed points are not merged twice.
type entry struct {
	candle           *model.Candle
	loaded           bool
	persistedThrough model.Cursor
}

type identity struct {
	series    model.SeriesKey
	timestamp int64
}

// Stream holds the aggregation state of one price stream.
// A Stream is not safe for concurrent use; callers process a stream from one goroutine at a time.
type Stream struct {
	kind     streamKind
	scope    model.Scope
	markets  []model.Market
	cfg      Config
	store    Store
	logger   *zap.Logger
	smallest int64

	open    map[model.SeriesKey]*entry
	dirty   map[identity]*model.Candle
	windows map[int64]*Window

	cursor     model.Cursor
	lastBucket int64
	hasBucket  bool
}

// NewResourceStream creates the stream for a resource's index prices.
// markets are the markets settling against the resource; they receive index candles.
func NewResourceStream(slug string, markets []model.Market, cfg Config, store Store, logger *zap.Logger) *Stream {
	s := newStream(resourceStream, model.ResourceScope{Slug: slug}, cfg, store, logger)
	s.markets = markets
	if cfg.Enabled(model.CandleTypeTrailingAvg) {
		for _, t := range cfg.TrailingAvgTimes {
			s.windows[t] = NewWindow(t)
		}
	}
	return s
}

// NewMarketStream creates the stream for a market's trade prices
func NewMarketStream(scope model.MarketScope, cfg Config, store Store, logger *zap.Logger) *Stream {
	return newStream(marketStream, scope, cfg, store, logger)
}

func newStream(kind streamKind, scope model.Scope, cfg Config, store Store, logger *zap.Logger) *Stream {
	return &Stream{
		kind:     kind,
		scope:    scope,
		cfg:      cfg,
		store:    store,
		logger:   logger.With(zap.String("scope", scope.Key())),
		smallest: interval.Smallest(cfg.Intervals),
		open:     make(map[model.SeriesKey]*entry),
		dirty:    make(map[identity]*model.Candle),
		windows:  make(map[int64]*Window),
	}
}

// Scope returns the scope the stream writes
func (s *Stream) Scope() model.Scope { return s.scope }

// Cursor returns the position of the last point the stream consumed
func (s *Stream) Cursor() model.Cursor { return s.cursor }

// SetCursor positions a fresh stream after a persisted checkpoint
func (s *Stream) SetCursor(c model.Cursor) { s.cursor = c }

// SetMarkets replaces the markets that receive index candles
func (s *Stream) SetMarkets(markets []model.Market) { s.markets = markets }

// MaxTrailing returns the longest trailing window the stream maintains, 0 when none
func (s *Stream) MaxTrailing() int64 {
	var max int64
	for t := range s.windows {
		if t > max {
			max = t
		}
	}
	return max
}

// Window returns the trailing window of the given duration, if maintained
func (s *Stream) Window(duration int64) (*Window, bool) {
	w, ok := s.windows[duration]
	return w, ok
}

// Pending returns the number of candles waiting to be flushed
func (s *Stream) Pending() int { return len(s.dirty) }

// Warm feeds points into the trailing windows without touching candles.
// It is used on cold start to rebuild window sums up to the checkpoint.
func (s *Stream) Warm(points []model.PricePoint) {
	for _, p := range points {
		if !s.cursor.IsZero() && !s.cursor.Before(p.Cursor()) {
			continue
		}
		if validate(p) != nil {
			continue
		}
		for _, w := range s.windows {
			w.Add(p.Timestamp, p.Used, p.FeePaid)
		}
		s.cursor = p.Cursor()
	}
}

// Apply aggregates points in order. Context cancellation is honoured only when a point opens a new
// bucket of the smallest interval, so a bucket is never left half merged.
func (s *Stream) Apply(ctx context.Context, points []model.PricePoint) (Stats, error) {
	var stats Stats
	stats.LastCursor = s.cursor

	for _, p := range points {
		bucket := interval.StartOf(p.Timestamp, s.smallest)
		if !s.hasBucket || bucket != s.lastBucket {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
		}

		if err := validate(p); err != nil {
			s.logger.Warn("Skipping malformed price point",
				zap.Error(err),
				zap.Int64("id", p.ID),
				zap.Int64("timestamp", p.Timestamp))
			stats.Malformed++
			if s.cursor.Before(p.Cursor()) {
				s.cursor = p.Cursor()
				stats.LastCursor = s.cursor
			}
			continue
		}

		if !s.cursor.IsZero() && !s.cursor.Before(p.Cursor()) {
			if p.Timestamp < s.cursor.Timestamp {
				s.logger.Warn("Skipping out-of-order price point",
					zap.Int64("id", p.ID),
					zap.Int64("timestamp", p.Timestamp),
					zap.String("checkpoint", s.cursor.String()))
			} else {
				s.logger.Debug("Skipping already processed price point",
					zap.Int64("id", p.ID),
					zap.Int64("timestamp", p.Timestamp))
			}
			stats.OutOfOrder++
			continue
		}

		var err error
		switch s.kind {
		case resourceStream:
			err = s.applyResource(ctx, p, &stats)
		case marketStream:
			err = s.applyMarket(ctx, p, &stats)
		}
		if err != nil {
			return stats, err
		}

		s.cursor = p.Cursor()
		s.lastBucket = bucket
		s.hasBucket = true
		stats.Points++
		stats.LastCursor = s.cursor
	}

	return stats, nil
}

// Flush upserts every candle touched since the last successful flush
func (s *Stream) Flush(ctx context.Context) (int, error) {
	if len(s.dirty) == 0 {
		return 0, nil
	}

	candles := make([]*model.Candle, 0, len(s.dirty))
	for _, c := range s.dirty {
		candles = append(candles, c.Clone())
	}
	sort.Slice(candles, func(i, j int) bool {
		a, b := candles[i], candles[j]
		if a.CandleType != b.CandleType {
			return a.CandleType < b.CandleType
		}
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

	if err := s.store.UpsertCandles(ctx, candles); err != nil {
		return 0, fmt.Errorf("flush %s: %w", s.scope.Key(), err)
	}

	s.dirty = make(map[identity]*model.Candle)
	return len(candles), nil
}

func (s *Stream) applyResource(ctx context.Context, p model.PricePoint, stats *Stats) error {
	var fixed, trailing, index []model.SeriesKey
	key := s.scope.Key()

	if s.cfg.Enabled(model.CandleTypeResource) {
		for _, i := range s.cfg.Intervals {
			fixed = append(fixed, model.SeriesKey{CandleType: model.CandleTypeResource, Interval: i, ScopeKey: key})
		}
	}
	for t := range s.windows {
		for _, i := range s.cfg.Intervals {
			trailing = append(trailing, model.SeriesKey{CandleType: model.CandleTypeTrailingAvg, Interval: i, ScopeKey: key, TrailingAvgTime: t})
		}
	}

	var active []model.Market
	if s.cfg.Enabled(model.CandleTypeIndex) {
		for _, m := range s.markets {
			if !m.ActiveAt(p.Timestamp) {
				continue
			}
			active = append(active, m)
			for _, i := range s.cfg.Intervals {
				index = append(index, model.SeriesKey{CandleType: model.CandleTypeIndex, Interval: i, ScopeKey: m.Scope().Key()})
			}
		}
	}

	// load everything first so a store error never leaves the point half applied
	for _, group := range [][]model.SeriesKey{fixed, trailing, index} {
		if err := s.ensureLoaded(ctx, group); err != nil {
			return err
		}
	}

	for _, series := range fixed {
		s.mergeFixed(series, s.scope, p.Cursor(), p.Value, stats)
	}

	for t, w := range s.windows {
		w.Add(p.Timestamp, p.Used, p.FeePaid)
		for _, series := range trailing {
			if series.TrailingAvgTime == t {
				s.mergeTrailing(series, w, p.Cursor(), stats)
			}
		}
	}

	for _, m := range active {
		scope := m.Scope()
		for _, i := range s.cfg.Intervals {
			series := model.SeriesKey{CandleType: model.CandleTypeIndex, Interval: i, ScopeKey: scope.Key()}
			s.mergeIndex(series, scope, p, stats)
		}
	}

	return nil
}

func (s *Stream) applyMarket(ctx context.Context, p model.PricePoint, stats *Stats) error {
	if !s.cfg.Enabled(model.CandleTypeMarket) {
		return nil
	}

	series := make([]model.SeriesKey, 0, len(s.cfg.Intervals))
	for _, i := range s.cfg.Intervals {
		series = append(series, model.SeriesKey{CandleType: model.CandleTypeMarket, Interval: i, ScopeKey: s.scope.Key()})
	}
	if err := s.ensureLoaded(ctx, series); err != nil {
		return err
	}

	for _, sk := range series {
		s.mergeFixed(sk, s.scope, p.Cursor(), p.Value, stats)
	}
	return nil
}

func (s *Stream) ensureLoaded(ctx context.Context, series []model.SeriesKey) error {
	for _, sk := range series {
		if _, ok := s.open[sk]; ok {
			continue
		}
		c, err := s.store.GetLatestCandle(ctx, sk)
		if err != nil {
			return fmt.Errorf("load latest %s candle for %s: %w", sk.CandleType, sk.ScopeKey, err)
		}
		e := &entry{candle: c}
		if c != nil {
			e.loaded = true
			e.persistedThrough = c.LastUpdated()
		}
		s.open[sk] = e
	}
	return nil
}

// position classifies a point against the open candle of a series
type position int

const (
	posNew position = iota
	posSame
	posStale
)

// locate classifies the point at against the open candle of series.
// Fixed and trailing candles re-merge a replayed point idempotently, so only points from an earlier
// timestamp than the loaded candle are stale. Index sums are cumulative: there every point up to and
// including the loaded candle's last (timestamp, id) is stale.
func (s *Stream) locate(e *entry, series model.SeriesKey, at model.Cursor, cumulative bool) position {
	bucket := interval.StartOf(at.Timestamp, series.Interval)
	c := e.candle
	switch {
	case c == nil || c.Timestamp < bucket:
		return posNew
	case c.Timestamp > bucket:
		return posStale
	case !e.loaded:
		return posSame
	case cumulative && !e.persistedThrough.Before(at):
		return posStale
	case at.Timestamp < e.persistedThrough.Timestamp:
		return posStale
	}
	return posSame
}

func (s *Stream) mergeFixed(series model.SeriesKey, scope model.Scope, at model.Cursor, value decimal.Decimal, stats *Stats) {
	e := s.open[series]
	switch s.locate(e, series, at, false) {
	case posNew:
		e.candle = newCandle(series, scope, at, value)
		e.loaded = false
	case posSame:
		mergeValue(e.candle, at, value)
	case posStale:
		stats.Skipped++
		return
	}
	s.markDirty(series, e.candle)
}

func (s *Stream) mergeTrailing(series model.SeriesKey, w *Window, at model.Cursor, stats *Stats) {
	e := s.open[series]
	avg := w.Average()
	switch s.locate(e, series, at, false) {
	case posNew:
		e.candle = newCandle(series, s.scope, at, avg)
		e.loaded = false
	case posSame:
		mergeValue(e.candle, at, avg)
	case posStale:
		stats.Skipped++
		return
	}
	setSums(e.candle, w.SumUsed(), w.SumFeePaid())
	setTrailingStart(e.candle, w.Start())
	s.markDirty(series, e.candle)
}

// mergeIndex accumulates the market's cumulative average since its start
func (s *Stream) mergeIndex(series model.SeriesKey, scope model.MarketScope, p model.PricePoint, stats *Stats) {
	e := s.open[series]
	switch s.locate(e, series, p.Cursor(), true) {
	case posNew:
		used, fee := p.Used, p.FeePaid
		if e.candle != nil {
			prevUsed, prevFee := sums(e.candle)
			used, fee = prevUsed.Add(used), prevFee.Add(fee)
		}
		c := newCandle(series, scope, p.Cursor(), ratio(fee, used))
		c.ResourceSlug = s.scope.(model.ResourceScope).Slug
		setSums(c, used, fee)
		e.candle = c
		e.loaded = false
	case posSame:
		used, fee := sums(e.candle)
		used, fee = used.Add(p.Used), fee.Add(p.FeePaid)
		mergeValue(e.candle, p.Cursor(), ratio(fee, used))
		setSums(e.candle, used, fee)
	case posStale:
		stats.Skipped++
		return
	}
	s.markDirty(series, e.candle)
}

func (s *Stream) markDirty(series model.SeriesKey, c *model.Candle) {
	s.dirty[identity{series: series, timestamp: c.Timestamp}] = c
}

func validate(p model.PricePoint) error {
	switch {
	case p.Invalid != "":
		return fmt.Errorf("%w: %s", ErrMalformedPoint, p.Invalid)
	case p.Timestamp < 0:
		return fmt.Errorf("%w: negative timestamp", ErrMalformedPoint)
	case p.Value.IsNegative():
		return fmt.Errorf("%w: negative value", ErrMalformedPoint)
	case p.Used.IsNegative():
		return fmt.Errorf("%w: negative used", ErrMalformedPoint)
	case p.FeePaid.IsNegative():
		return fmt.Errorf("%w: negative fee paid", ErrMalformedPoint)
	}
	return nil
}
