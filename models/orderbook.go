package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BookLevel is a single resting price level.
type BookLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Orderbook is the canonical view of a venue's resting levels for one
// symbol. Bids are strictly descending by price, asks strictly
// ascending, no duplicate prices on either side.
type Orderbook struct {
	Platform  string      `json:"platform"`
	Symbol    string      `json:"symbol"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Version   int64       `json:"version"`
	Timestamp time.Time   `json:"timestamp"`
}

// BookUpdate is the adapter-side handoff for the orderbook path. A
// snapshot carries the whole book and resets versioning; a delta
// carries changed levels only (quantity zero deletes the level) and is
// valid when PrevVersion matches the locally tracked version.
type BookUpdate struct {
	Platform string
	Symbol   string
	Snapshot bool
	// Additive marks deltas whose quantities are signed changes merged
	// into the resting level (order-level feeds); otherwise delta
	// quantities replace the level outright (depth feeds).
	Additive    bool
	Bids        []BookLevel
	Asks        []BookLevel
	Version     int64
	PrevVersion int64
	Timestamp   time.Time
}
