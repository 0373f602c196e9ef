package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side of an order or trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Trade is a single canonical trade tick. Immutable once constructed;
// the exchange trade id deduplicates redundant pushes.
type Trade struct {
	Platform  string          `json:"platform"`
	Symbol    string          `json:"symbol"`
	TradeID   string          `json:"trade_id"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Timestamp time.Time       `json:"timestamp"`
}
