package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/yourorg/candle-cache/internal/aggregator"
	"github.com/yourorg/candle-cache/internal/model"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrSourceUnavailable is returned when the price source cannot be read
	ErrSourceUnavailable = errors.New("price source unavailable")
	// ErrUnknownScope is returned when a scope names a resource or market that does not exist
	ErrUnknownScope = errors.New("unknown scope")
)

// PriceSource reads resources, markets and their ordered price points
type PriceSource interface {
	ListResources(ctx context.Context) ([]model.Resource, error)
	ListMarkets(ctx context.Context) ([]model.Market, error)
	FetchPricePoints(ctx context.Context, scope model.Scope, after model.Cursor, limit int) ([]model.PricePoint, error)
	PriceRange(ctx context.Context, scope model.Scope) (model.PriceRange, error)
}

// CandleStore persists candles
type CandleStore interface {
	GetLatestCandle(ctx context.Context, series model.SeriesKey) (*model.Candle, error)
	UpsertCandles(ctx context.Context, candles []*model.Candle) error
	GetCandles(ctx context.Context, q model.CandleQuery) ([]model.Candle, error)
	ClearScope(ctx context.Context, types []model.CandleType, scope model.Scope) (int64, error)
}

// CheckpointStore persists named numeric params
type CheckpointStore interface {
	ReadCheckpoint(ctx context.Context, name string) (decimal.Decimal, bool, error)
	WriteCheckpoints(ctx context.Context, params ...model.CacheParam) error
}

// CacheInvalidator drops cached query responses after a rebuild
type CacheInvalidator interface {
	Invalidate(ctx context.Context) error
}

// StreamResetter discards in-memory aggregation state of a scope
type StreamResetter interface {
	ResetStream(scope model.Scope)
}

func checkpointName(scope model.Scope) string {
	return "builder." + scope.Key()
}

func readCursor(ctx context.Context, params CheckpointStore, scope model.Scope) (model.Cursor, error) {
	name := checkpointName(scope)
	ts, ok, err := params.ReadCheckpoint(ctx, name+".timestamp")
	if err != nil {
		return model.Cursor{}, fmt.Errorf("read checkpoint %s: %w", name, err)
	}
	if !ok {
		return model.Cursor{}, nil
	}
	id, _, err := params.ReadCheckpoint(ctx, name+".id")
	if err != nil {
		return model.Cursor{}, fmt.Errorf("read checkpoint %s: %w", name, err)
	}
	return model.Cursor{Timestamp: ts.IntPart(), ID: id.IntPart()}, nil
}

func writeCursor(ctx context.Context, params CheckpointStore, scope model.Scope, c model.Cursor) error {
	name := checkpointName(scope)
	return params.WriteCheckpoints(ctx,
		model.NewCacheParam(name+".timestamp", c.Timestamp),
		model.NewCacheParam(name+".id", c.ID))
}

// streamTarget is one price stream and the markets its index candles cover
type streamTarget struct {
	scope   model.Scope
	markets []model.Market
}

func (t streamTarget) types() []model.CandleType {
	if t.scope.Kind() == model.ScopeKindMarket {
		return model.MarketCandleTypes
	}
	return model.ResourceCandleTypes
}

func marketsByResource(markets []model.Market) map[string][]model.Market {
	out := make(map[string][]model.Market)
	for _, m := range markets {
		out[m.ResourceSlug] = append(out[m.ResourceSlug], m)
	}
	return out
}

func resourceStreamsEnabled(cfg aggregator.Config) bool {
	for _, t := range model.ResourceCandleTypes {
		if cfg.Enabled(t) {
			return true
		}
	}
	return false
}

// resolveTargets lists the price streams covered by scope
func resolveTargets(ctx context.Context, source PriceSource, cfg aggregator.Config, scope model.Scope) ([]streamTarget, error) {
	resources, err := source.ListResources(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	markets, err := source.ListMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	byResource := marketsByResource(markets)

	var targets []streamTarget
	switch s := scope.(type) {
	case model.AllScope:
		if resourceStreamsEnabled(cfg) {
			for _, r := range resources {
				targets = append(targets, streamTarget{scope: model.ResourceScope{Slug: r.Slug}, markets: byResource[r.Slug]})
			}
		}
		if cfg.Enabled(model.CandleTypeMarket) {
			for _, m := range markets {
				targets = append(targets, streamTarget{scope: m.Scope()})
			}
		}
	case model.ResourceScope:
		for _, r := range resources {
			if r.Slug == s.Slug {
				return []streamTarget{{scope: s, markets: byResource[s.Slug]}}, nil
			}
		}
		return nil, fmt.Errorf("%w: resource %q", ErrUnknownScope, s.Slug)
	case model.MarketScope:
		for _, m := range markets {
			if m.Scope().Key() == s.Key() {
				return []streamTarget{{scope: m.Scope()}}, nil
			}
		}
		return nil, fmt.Errorf("%w: market %s", ErrUnknownScope, s.Key())
	default:
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidScope, scope)
	}
	return targets, nil
}

func newStream(t streamTarget, cfg aggregator.Config, store CandleStore, logger *zap.Logger) *aggregator.Stream {
	if s, ok := t.scope.(model.MarketScope); ok {
		return aggregator.NewMarketStream(s, cfg, store, logger)
	}
	return aggregator.NewResourceStream(t.scope.(model.ResourceScope).Slug, t.markets, cfg, store, logger)
}
