package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestRoutingKey(t *testing.T) {
	e := Event{
		Kind:      EventKindTrade,
		Platform:  "binance",
		Subject:   "BTCUSDT",
		Timestamp: time.Now(),
	}
	if got := e.RoutingKey(); got != "binance.BTCUSDT.trade" {
		t.Fatalf("routing key = %q", got)
	}
}

func TestMustDeliver(t *testing.T) {
	for kind, want := range map[EventKind]bool{
		EventKindOrderbook: false,
		EventKindKline:     false,
		EventKindTrade:     false,
		EventKindAsset:     false,
		EventKindOrder:     true,
		EventKindPosition:  true,
	} {
		if got := kind.MustDeliver(); got != want {
			t.Errorf("%s: MustDeliver = %v, want %v", kind, got, want)
		}
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	terminal := []OrderStatus{OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusFailed}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	live := []OrderStatus{OrderStatusSubmitted, OrderStatusAccepted, OrderStatusPartiallyFilled}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestEqualBalances(t *testing.T) {
	base := &AssetSnapshot{
		Balances: map[string]Balance{
			"USDT": {Free: decimal.NewFromInt(100), Locked: decimal.NewFromInt(5), Total: decimal.NewFromInt(105)},
			"BTC":  {Free: decimal.NewFromFloat(0.5), Total: decimal.NewFromFloat(0.5)},
		},
	}

	same := &AssetSnapshot{
		Balances: map[string]Balance{
			// Same value at a different scale must still compare equal.
			"USDT": {Free: decimal.RequireFromString("100.00"), Locked: decimal.NewFromInt(5), Total: decimal.NewFromInt(105)},
			"BTC":  {Free: decimal.NewFromFloat(0.5), Total: decimal.NewFromFloat(0.5)},
		},
	}
	if !base.EqualBalances(same) {
		t.Fatal("identical balances reported unequal")
	}

	moved := &AssetSnapshot{
		Balances: map[string]Balance{
			"USDT": {Free: decimal.NewFromInt(90), Locked: decimal.NewFromInt(15), Total: decimal.NewFromInt(105)},
			"BTC":  {Free: decimal.NewFromFloat(0.5), Total: decimal.NewFromFloat(0.5)},
		},
	}
	if base.EqualBalances(moved) {
		t.Fatal("moved balance reported equal")
	}

	missing := &AssetSnapshot{
		Balances: map[string]Balance{
			"USDT": base.Balances["USDT"],
		},
	}
	if base.EqualBalances(missing) {
		t.Fatal("snapshot with missing currency reported equal")
	}

	if base.EqualBalances(nil) {
		t.Fatal("nil snapshot reported equal")
	}
}
