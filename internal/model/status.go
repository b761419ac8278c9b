package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProcessKind names one of the two candle cache workers
type ProcessKind string

const (
	ProcessBuilder   ProcessKind = "builder"
	ProcessRebuilder ProcessKind = "rebuilder"
)

// ProcessKinds lists every worker kind in display order
var ProcessKinds = []ProcessKind{ProcessBuilder, ProcessRebuilder}

// Valid reports whether k is a known worker kind
func (k ProcessKind) Valid() bool {
	return k == ProcessBuilder || k == ProcessRebuilder
}

// Run outcomes recorded in ProcessStatus.Result
const (
	RunResultCompleted = "completed"
	RunResultFailed    = "failed"
	RunResultCancelled = "cancelled"
)

// ProcessStatus is an in-memory snapshot of a worker's activity. Snapshots are immutable once published.
type ProcessStatus struct {
	IsActive    bool       `json:"isActive"`
	StartTime   *time.Time `json:"startTime"`
	Description string     `json:"description"`
	Scope       *string    `json:"scope"`
	RunID       string     `json:"runId,omitempty"`
	Result      string     `json:"result,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
}

// RefreshResponse is the body returned by the refresh and cancel endpoints
type RefreshResponse struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
	RunID   string `json:"runId,omitempty"`
	Scope   string `json:"scope,omitempty"`
}

// CacheParam represents a row of cache_param
type CacheParam struct {
	ParamName        string          `json:"paramName" db:"param_name"`
	ParamValueNumber decimal.Decimal `json:"paramValueNumber" db:"param_value_number"`
}

// NewCacheParam builds an integer-valued param
func NewCacheParam(name string, value int64) CacheParam {
	return CacheParam{ParamName: name, ParamValueNumber: decimal.NewFromInt(value)}
}
