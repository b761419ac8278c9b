package repository

import (
	"context"
	"fmt"

	"github.com/yourorg/candle-cache/internal/model"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PriceRepository reads the price history written by the on-chain indexer.
// The indexer owns these tables; this repository never writes to them.
type PriceRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewPriceRepository creates a new price repository
func NewPriceRepository(db *sqlx.DB, logger *zap.Logger) *PriceRepository {
	return &PriceRepository{
		db:     db,
		logger: logger,
	}
}

// priceRow is scanned with numeric columns as text so a bad value only invalidates its own row
type priceRow struct {
	ID        int64  `db:"id"`
	Timestamp int64  `db:"timestamp"`
	Value     string `db:"value"`
	Used      string `db:"used"`
	FeePaid   string `db:"fee_paid"`
}

func (row priceRow) toPoint() model.PricePoint {
	p := model.PricePoint{ID: row.ID, Timestamp: row.Timestamp}

	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"value", row.Value, &p.Value},
		{"used", row.Used, &p.Used},
		{"fee_paid", row.FeePaid, &p.FeePaid},
	}
	for _, f := range fields {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			p.Invalid = fmt.Sprintf("unparsable %s %q", f.name, f.raw)
			return p
		}
		*f.dst = d
	}
	return p
}

// ListResources returns every resource known to the indexer
func (r *PriceRepository) ListResources(ctx context.Context) ([]model.Resource, error) {
	var resources []model.Resource
	err := r.db.SelectContext(ctx, &resources, `SELECT id, slug, name FROM resource ORDER BY id`)
	if err != nil {
		r.logger.Error("Failed to list resources", zap.Error(err))
		return nil, err
	}
	return resources, nil
}

// ListMarkets returns every market with the slug of the resource it settles against
func (r *PriceRepository) ListMarkets(ctx context.Context) ([]model.Market, error) {
	query := `
		SELECT m.id, lower(m.address) AS address, m.chain_id, m.market_id, r.slug AS resource_slug,
			m.start_timestamp, m.end_timestamp
		FROM market m
		JOIN resource r ON r.id = m.resource_id
		ORDER BY m.id
	`

	var markets []model.Market
	if err := r.db.SelectContext(ctx, &markets, query); err != nil {
		r.logger.Error("Failed to list markets", zap.Error(err))
		return nil, err
	}
	return markets, nil
}

// FetchPricePoints returns up to limit points of scope strictly after the cursor, ordered by (timestamp, id)
func (r *PriceRepository) FetchPricePoints(ctx context.Context, scope model.Scope, after model.Cursor, limit int) ([]model.PricePoint, error) {
	var (
		query string
		args  []interface{}
	)

	switch s := scope.(type) {
	case model.ResourceScope:
		query = `
			SELECT rp.id, rp.timestamp, COALESCE(rp.value::text, '') AS value,
				COALESCE(rp.used::text, '0') AS used, COALESCE(rp.fee_paid::text, '0') AS fee_paid
			FROM resource_price rp
			JOIN resource r ON r.id = rp.resource_id
			WHERE r.slug = $1 AND (rp.timestamp, rp.id) > ($2, $3)
			ORDER BY rp.timestamp, rp.id
			LIMIT $4
		`
		args = []interface{}{s.Slug, after.Timestamp, after.ID, limit}
	case model.MarketScope:
		query = `
			SELECT mp.id, mp.timestamp, COALESCE(mp.value::text, '') AS value, '0' AS used, '0' AS fee_paid
			FROM market_price mp
			JOIN market m ON m.id = mp.market_id
			WHERE m.chain_id = $1 AND lower(m.address) = $2 AND m.market_id = $3
				AND (mp.timestamp, mp.id) > ($4, $5)
			ORDER BY mp.timestamp, mp.id
			LIMIT $6
		`
		args = []interface{}{s.ChainID, s.Address, s.MarketID, after.Timestamp, after.ID, limit}
	default:
		return nil, fmt.Errorf("%w: prices are read per resource or market, got %s", model.ErrInvalidScope, scope)
	}

	var rows []priceRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.Error("Failed to fetch price points",
			zap.Error(err),
			zap.String("scope", scope.Key()),
			zap.String("after", after.String()))
		return nil, err
	}

	points := make([]model.PricePoint, len(rows))
	for i, row := range rows {
		points[i] = row.toPoint()
	}
	return points, nil
}

// PriceRange returns the first and last timestamps and the number of points of a scope
func (r *PriceRepository) PriceRange(ctx context.Context, scope model.Scope) (model.PriceRange, error) {
	var (
		query string
		args  []interface{}
	)

	switch s := scope.(type) {
	case model.ResourceScope:
		query = `
			SELECT COALESCE(MIN(rp.timestamp), 0) AS min_timestamp, COALESCE(MAX(rp.timestamp), 0) AS max_timestamp,
				COUNT(*) AS count
			FROM resource_price rp
			JOIN resource r ON r.id = rp.resource_id
			WHERE r.slug = $1
		`
		args = []interface{}{s.Slug}
	case model.MarketScope:
		query = `
			SELECT COALESCE(MIN(mp.timestamp), 0) AS min_timestamp, COALESCE(MAX(mp.timestamp), 0) AS max_timestamp,
				COUNT(*) AS count
			FROM market_price mp
			JOIN market m ON m.id = mp.market_id
			WHERE m.chain_id = $1 AND lower(m.address) = $2 AND m.market_id = $3
		`
		args = []interface{}{s.ChainID, s.Address, s.MarketID}
	default:
		return model.PriceRange{}, fmt.Errorf("%w: %s", model.ErrInvalidScope, scope)
	}

	var pr model.PriceRange
	if err := r.db.GetContext(ctx, &pr, query, args...); err != nil {
		r.logger.Error("Failed to get price range", zap.Error(err), zap.String("scope", scope.Key()))
		return model.PriceRange{}, err
	}
	return pr, nil
}
