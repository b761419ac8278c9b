package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ScopeKind discriminates the Scope variants
type ScopeKind string

const (
	ScopeKindAll      ScopeKind = "all"
	ScopeKindResource ScopeKind = "resource"
	ScopeKindMarket   ScopeKind = "market"
)

// ErrInvalidScope is returned when a scope string cannot be parsed
var ErrInvalidScope = errors.New("invalid scope")

// Scope identifies the set of candles a stream writes or a rebuild replaces.
// Candles are always resource or market scoped; AllScope only names rebuild targets.
type Scope interface {
	Kind() ScopeKind
	// Key is the canonical form stored in cache_candle.scope_key and used for checkpoint names.
	Key() string
	String() string
}

// AllScope covers every resource and market
type AllScope struct{}

// ResourceScope covers the candles derived from one resource's index prices
type ResourceScope struct {
	Slug string `json:"slug"`
}

// MarketScope covers the candles of a single market
type MarketScope struct {
	Address  string `json:"address"`
	ChainID  int64  `json:"chainId"`
	MarketID int64  `json:"marketId"`
}

func (AllScope) Kind() ScopeKind { return ScopeKindAll }
func (AllScope) Key() string     { return "all" }
func (AllScope) String() string  { return "all" }

func (s ResourceScope) Kind() ScopeKind { return ScopeKindResource }
func (s ResourceScope) Key() string     { return "resource:" + s.Slug }
func (s ResourceScope) String() string  { return s.Key() }

func (s MarketScope) Kind() ScopeKind { return ScopeKindMarket }

func (s MarketScope) Key() string {
	return fmt.Sprintf("market:%d:%s:%d", s.ChainID, strings.ToLower(s.Address), s.MarketID)
}

func (s MarketScope) String() string { return s.Key() }

// ParseScope parses the query form of a scope:
//
//	all | resource:<slug> | market:<chainId>:<address>:<marketId> | <slug>
//
// An empty string means all.
func ParseScope(raw string) (Scope, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "all" {
		return AllScope{}, nil
	}

	parts := strings.Split(raw, ":")
	switch parts[0] {
	case string(ScopeKindResource):
		if len(parts) != 2 || parts[1] == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidScope, raw)
		}
		return ResourceScope{Slug: parts[1]}, nil
	case string(ScopeKindMarket):
		if len(parts) != 4 || parts[2] == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidScope, raw)
		}
		chainID, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad chain id in %q", ErrInvalidScope, raw)
		}
		marketID, err := strconv.ParseInt(parts[3], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad market id in %q", ErrInvalidScope, raw)
		}
		return MarketScope{Address: strings.ToLower(parts[2]), ChainID: chainID, MarketID: marketID}, nil
	}

	// bare resource slug, kept for the legacy refresh route
	if len(parts) != 1 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScope, raw)
	}
	return ResourceScope{Slug: raw}, nil
}

// Overlaps reports whether two scopes share any candles
func Overlaps(a, b Scope) bool {
	if a == nil || b == nil {
		return false
	}
	if a.Kind() == ScopeKindAll || b.Kind() == ScopeKindAll {
		return true
	}
	return a.Key() == b.Key()
}
