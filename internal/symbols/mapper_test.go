package symbols

import "testing"

func TestCanonical(t *testing.T) {
	cases := []struct {
		platform string
		in       string
		want     string
	}{
		{"binance", "BTCUSDT", "BTCUSDT"},
		{"okx", "BTC-USDT", "BTCUSDT"},
		{"okx", "BTC-USDT-SWAP", "BTCUSDT"},
		{"kucoin", "XBTUSDTM", "BTCUSDT"},
		{"kraken", "ETH/USDT", "ETHUSDT"},
	}
	for _, c := range cases {
		if got := Canonical(c.platform, c.in); got != c.want {
			t.Fatalf("Canonical(%s, %s) = %s, want %s", c.platform, c.in, got, c.want)
		}
	}
}

func TestToPlatform(t *testing.T) {
	if got := ToPlatform("okx", "BTCUSDT"); got != "BTC-USDT" {
		t.Fatalf("ToPlatform okx = %s", got)
	}
	if got := ToPlatform("okx", "ETHBTC"); got != "ETH-BTC" {
		t.Fatalf("ToPlatform okx = %s", got)
	}
	if got := ToPlatform("binance", "BTCUSDT"); got != "BTCUSDT" {
		t.Fatalf("ToPlatform binance = %s", got)
	}
}
