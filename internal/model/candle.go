package model

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// CandleType names a family of cached candles
type CandleType string

const (
	CandleTypeResource    CandleType = "resource"
	CandleTypeTrailingAvg CandleType = "trailingAvg"
	CandleTypeIndex       CandleType = "index"
	CandleTypeMarket      CandleType = "market"
)

// ResourceCandleTypes are the types produced from a resource's price stream
var ResourceCandleTypes = []CandleType{CandleTypeResource, CandleTypeTrailingAvg, CandleTypeIndex}

// MarketCandleTypes are the types produced from a market's trade stream
var MarketCandleTypes = []CandleType{CandleTypeMarket}

// Valid reports whether t is a known candle type
func (t CandleType) Valid() bool {
	switch t {
	case CandleTypeResource, CandleTypeTrailingAvg, CandleTypeIndex, CandleTypeMarket:
		return true
	}
	return false
}

// Candle represents a row of cache_candle
type Candle struct {
	ID                     int64               `json:"-" db:"id"`
	CandleType             CandleType          `json:"candleType" db:"candle_type"`
	Interval               int64               `json:"interval" db:"interval_seconds"`
	Timestamp              int64               `json:"timestamp" db:"timestamp"`
	ScopeKey               string              `json:"scopeKey" db:"scope_key"`
	ResourceSlug           string              `json:"resourceSlug,omitempty" db:"resource_slug"`
	Address                string              `json:"address,omitempty" db:"address"`
	ChainID                int64               `json:"chainId,omitempty" db:"chain_id"`
	MarketID               int64               `json:"marketId,omitempty" db:"market_id"`
	TrailingAvgTime        int64               `json:"trailingAvgTime,omitempty" db:"trailing_avg_time"`
	Open                   decimal.Decimal     `json:"open" db:"open"`
	High                   decimal.Decimal     `json:"high" db:"high"`
	Low                    decimal.Decimal     `json:"low" db:"low"`
	Close                  decimal.Decimal     `json:"close" db:"close"`
	EndTimestamp           int64               `json:"endTimestamp" db:"end_timestamp"`
	LastUpdatedTimestamp   int64               `json:"lastUpdatedTimestamp" db:"last_updated_timestamp"`
	LastUpdatedID          int64               `json:"-" db:"last_updated_id"`
	SumUsed                decimal.NullDecimal `json:"sumUsed" db:"sum_used"`
	SumFeePaid             decimal.NullDecimal `json:"sumFeePaid" db:"sum_fee_paid"`
	TrailingStartTimestamp sql.NullInt64       `json:"-" db:"trailing_start_timestamp"`
	CreatedAt              time.Time           `json:"-" db:"created_at"`
	UpdatedAt              time.Time           `json:"-" db:"updated_at"`
}

// SeriesKey identifies a candle series: every identity field except the bucket timestamp
type SeriesKey struct {
	CandleType      CandleType
	Interval        int64
	ScopeKey        string
	TrailingAvgTime int64
}

// Series returns the series the candle belongs to
func (c *Candle) Series() SeriesKey {
	return SeriesKey{
		CandleType:      c.CandleType,
		Interval:        c.Interval,
		ScopeKey:        c.ScopeKey,
		TrailingAvgTime: c.TrailingAvgTime,
	}
}

// SetScope copies the scope discriminator columns from s
func (c *Candle) SetScope(s Scope) {
	c.ScopeKey = s.Key()
	switch v := s.(type) {
	case ResourceScope:
		c.ResourceSlug = v.Slug
	case MarketScope:
		c.Address = v.Address
		c.ChainID = v.ChainID
		c.MarketID = v.MarketID
	}
}

// LastUpdated returns the stream position of the last point merged into the candle
func (c *Candle) LastUpdated() Cursor {
	return Cursor{Timestamp: c.LastUpdatedTimestamp, ID: c.LastUpdatedID}
}

// Clone returns a copy that does not share state with c
func (c *Candle) Clone() *Candle {
	cp := *c
	return &cp
}

// CandleQuery selects stored candles of one series between two bucket timestamps (inclusive from, exclusive to)
type CandleQuery struct {
	Series SeriesKey
	From   int64
	To     int64
}

// ResponseCandle is a candle as returned to chart clients
type ResponseCandle struct {
	Timestamp int64  `json:"timestamp"`
	Open      string `json:"open"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Close     string `json:"close"`
}

// CandleSeriesResponse is the body of a candle query
type CandleSeriesResponse struct {
	Data                []ResponseCandle `json:"data"`
	LastUpdateTimestamp int64            `json:"lastUpdateTimestamp"`
}

// CandleRequest represents the query parameters of the candle endpoint
type CandleRequest struct {
	Type            string `form:"type" binding:"required,oneof=resource trailingAvg index market"`
	Scope           string `form:"scope" binding:"required"`
	Interval        int64  `form:"interval" binding:"required,gt=0"`
	From            int64  `form:"from" binding:"gte=0"`
	To              int64  `form:"to" binding:"required,gtfield=From"`
	TrailingAvgTime int64  `form:"trailingAvgTime" binding:"required_if=Type trailingAvg"`
}
