package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Balance holds the free/locked/total amounts of one currency.
type Balance struct {
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
	Total  decimal.Decimal `json:"total"`
}

// Equal reports whether two balances match in all three amounts.
func (b Balance) Equal(o Balance) bool {
	return b.Free.Equal(o.Free) && b.Locked.Equal(o.Locked) && b.Total.Equal(o.Total)
}

// AssetSnapshot is one account's balances at a point in time. Replaced
// wholesale on every poll; Changed records whether any currency moved
// since the previous snapshot.
type AssetSnapshot struct {
	Platform  string             `json:"platform"`
	Account   string             `json:"account"`
	Balances  map[string]Balance `json:"balances"`
	Timestamp time.Time          `json:"timestamp"`
	Changed   bool               `json:"changed"`
}

// EqualBalances compares the balance mapping of two snapshots.
func (s *AssetSnapshot) EqualBalances(o *AssetSnapshot) bool {
	if o == nil || len(s.Balances) != len(o.Balances) {
		return false
	}
	for currency, b := range s.Balances {
		prev, ok := o.Balances[currency]
		if !ok || !b.Equal(prev) {
			return false
		}
	}
	return true
}
