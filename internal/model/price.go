package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// PricePoint is a raw price observation read from the indexer tables.
// Resource points carry Used and FeePaid; market trade points only carry Value.
type PricePoint struct {
	ID        int64           `json:"id" db:"id"`
	Timestamp int64           `json:"timestamp" db:"timestamp"`
	Value     decimal.Decimal `json:"value" db:"value"`
	Used      decimal.Decimal `json:"used" db:"used"`
	FeePaid   decimal.Decimal `json:"feePaid" db:"fee_paid"`
	// Invalid holds the reason a row could not be decoded; such points are skipped but still advance the cursor
	Invalid string `json:"-" db:"-"`
}

// Cursor returns the stream position of the point
func (p PricePoint) Cursor() Cursor {
	return Cursor{Timestamp: p.Timestamp, ID: p.ID}
}

// Cursor is a position in a price stream ordered by (timestamp, id)
type Cursor struct {
	Timestamp int64 `json:"timestamp"`
	ID        int64 `json:"id"`
}

// Before reports whether c sorts strictly before o
func (c Cursor) Before(o Cursor) bool {
	if c.Timestamp != o.Timestamp {
		return c.Timestamp < o.Timestamp
	}
	return c.ID < o.ID
}

// IsZero reports whether the cursor points at the start of the stream
func (c Cursor) IsZero() bool {
	return c.Timestamp == 0 && c.ID == 0
}

func (c Cursor) String() string {
	return fmt.Sprintf("%d/%d", c.Timestamp, c.ID)
}

// Resource is a priced resource tracked by the indexer
type Resource struct {
	ID   int64  `json:"id" db:"id"`
	Slug string `json:"slug" db:"slug"`
	Name string `json:"name" db:"name"`
}

// Market is a market on some chain that settles against a resource
type Market struct {
	ID             int64  `json:"id" db:"id"`
	Address        string `json:"address" db:"address"`
	ChainID        int64  `json:"chainId" db:"chain_id"`
	MarketID       int64  `json:"marketId" db:"market_id"`
	ResourceSlug   string `json:"resourceSlug" db:"resource_slug"`
	StartTimestamp int64  `json:"startTimestamp" db:"start_timestamp"`
	EndTimestamp   int64  `json:"endTimestamp" db:"end_timestamp"`
}

// Scope returns the market's candle scope
func (m Market) Scope() MarketScope {
	return MarketScope{Address: m.Address, ChainID: m.ChainID, MarketID: m.MarketID}
}

// ActiveAt reports whether timestamp falls within the market's lifetime
func (m Market) ActiveAt(timestamp int64) bool {
	return m.StartTimestamp <= timestamp && timestamp <= m.EndTimestamp
}

// PriceRange summarises the price history of a scope
type PriceRange struct {
	MinTimestamp int64 `db:"min_timestamp"`
	MaxTimestamp int64 `db:"max_timestamp"`
	Count        int64 `db:"count"`
}
