package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kline is a fixed-interval OHLCV bar. The bar mutates in place while
// its interval is open and is finalized exactly once; a closed bar is
// never mutated again.
type Kline struct {
	Platform string          `json:"platform"`
	Symbol   string          `json:"symbol"`
	Interval string          `json:"interval"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
	OpenTime time.Time       `json:"open_time"`
	Closed   bool            `json:"closed"`
}
