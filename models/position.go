package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is one account's exposure on a symbol. Updated only as a
// side effect of fills or an explicit exchange push.
type Position struct {
	Platform      string          `json:"platform"`
	Account       string          `json:"account"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Timestamp     time.Time       `json:"timestamp"`
}
