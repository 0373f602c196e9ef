package symbols

import "strings"

// Canonical converts exchange-specific symbol formats into the canonical
// form used on the event bus: uppercase base+quote without separators,
// e.g. "BTCUSDT". Platform quirks stay in this package.
func Canonical(platform, sym string) string {
	sym = strings.ToUpper(sym)
	switch strings.ToLower(platform) {
	case "binance":
		// Already canonical.
	case "okx":
		sym = strings.TrimSuffix(sym, "-SWAP")
		sym = strings.ReplaceAll(sym, "-", "")
	case "kucoin":
		sym = strings.ReplaceAll(sym, "-", "")
		sym = strings.TrimSuffix(sym, "M")
		if strings.HasPrefix(sym, "XBT") {
			sym = "BTC" + sym[3:]
		}
	case "kraken":
		sym = strings.ReplaceAll(sym, "/", "")
		sym = strings.ReplaceAll(sym, "-", "")
	default:
		// others already use the desired format
	}
	return sym
}

// ToPlatform converts a canonical symbol into the format the given
// platform expects on the wire. The inverse of Canonical for the
// platforms this bridge speaks to.
func ToPlatform(platform, sym string) string {
	switch strings.ToLower(platform) {
	case "okx":
		// Canonical BTCUSDT -> BTC-USDT. Quote currencies the bridge
		// trades against are all four letters (USDT, USDC) or three (BTC, ETH).
		for _, quote := range []string{"USDT", "USDC", "BTC", "ETH"} {
			if strings.HasSuffix(sym, quote) && len(sym) > len(quote) {
				return sym[:len(sym)-len(quote)] + "-" + quote
			}
		}
		return sym
	default:
		return sym
	}
}
