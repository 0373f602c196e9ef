package normalizer

import (
	"fmt"
	"sort"
	"time"

	"quantbridge/models"
)

// bookState is the locally reconciled orderbook for one platform+symbol.
// Mutated only by the single book consumer goroutine.
type bookState struct {
	platform string
	symbol   string

	bids    []models.BookLevel // descending price
	asks    []models.BookLevel // ascending price
	version int64
	updated time.Time

	// synced is false between a detected version gap and the next
	// snapshot; deltas arriving in that window are discarded without
	// requesting another resync.
	synced bool

	lastPublished []models.BookLevel // concatenated top-N bids+asks
	lastEmit      time.Time
	dirty         bool
}

func newBookState(platform, symbol string) *bookState {
	return &bookState{platform: platform, symbol: symbol}
}

// applySnapshot resets the whole book and the version counter.
func (b *bookState) applySnapshot(u models.BookUpdate) {
	b.bids = sortLevels(u.Bids, true)
	b.asks = sortLevels(u.Asks, false)
	b.version = u.Version
	b.updated = u.Timestamp
	b.synced = true
}

// applyDelta merges changed levels into the book. The caller has
// already verified version contiguity.
func (b *bookState) applyDelta(u models.BookUpdate) {
	b.bids = mergeLevels(b.bids, u.Bids, true, u.Additive)
	b.asks = mergeLevels(b.asks, u.Asks, false, u.Additive)
	b.version = u.Version
	b.updated = u.Timestamp
}

// validate checks the structural invariants: bids strictly descending,
// asks strictly ascending, top bid below top ask once both sides are
// populated.
func (b *bookState) validate() error {
	for i := 1; i < len(b.bids); i++ {
		if b.bids[i].Price.GreaterThanOrEqual(b.bids[i-1].Price) {
			return fmt.Errorf("bids not strictly descending at level %d", i)
		}
	}
	for i := 1; i < len(b.asks); i++ {
		if b.asks[i].Price.LessThanOrEqual(b.asks[i-1].Price) {
			return fmt.Errorf("asks not strictly ascending at level %d", i)
		}
	}
	if len(b.bids) > 0 && len(b.asks) > 0 && b.bids[0].Price.GreaterThanOrEqual(b.asks[0].Price) {
		return fmt.Errorf("crossed book: bid %s >= ask %s", b.bids[0].Price, b.asks[0].Price)
	}
	return nil
}

// top returns up to depth levels per side as the canonical record.
func (b *bookState) top(depth int) models.Orderbook {
	book := models.Orderbook{
		Platform:  b.platform,
		Symbol:    b.symbol,
		Version:   b.version,
		Timestamp: b.updated,
		Bids:      copyLevels(b.bids, depth),
		Asks:      copyLevels(b.asks, depth),
	}
	return book
}

// topChanged reports whether the top-N levels differ from the
// previously emitted ones and records the new reference on change.
func (b *bookState) topChanged(depth int) bool {
	current := make([]models.BookLevel, 0, 2*depth)
	current = append(current, copyLevels(b.bids, depth)...)
	current = append(current, copyLevels(b.asks, depth)...)

	if levelsEqual(current, b.lastPublished) {
		return false
	}
	b.lastPublished = current
	return true
}

func levelsEqual(a, b []models.BookLevel) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Price.Equal(b[i].Price) || !a[i].Quantity.Equal(b[i].Quantity) {
			return false
		}
	}
	return true
}

func copyLevels(levels []models.BookLevel, depth int) []models.BookLevel {
	if depth > len(levels) {
		depth = len(levels)
	}
	out := make([]models.BookLevel, depth)
	copy(out, levels[:depth])
	return out
}

func sortLevels(levels []models.BookLevel, descending bool) []models.BookLevel {
	out := make([]models.BookLevel, 0, len(levels))
	for _, l := range levels {
		if l.Quantity.IsZero() {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}

// mergeLevels applies delta levels onto a sorted side. For absolute
// deltas a zero quantity removes the price level, a known price
// replaces its quantity and a new price is inserted in order. For
// additive deltas the change is summed onto the resting quantity and
// the level is removed when nothing remains.
func mergeLevels(side []models.BookLevel, changes []models.BookLevel, descending, additive bool) []models.BookLevel {
	for _, change := range changes {
		idx := sort.Search(len(side), func(i int) bool {
			if descending {
				return side[i].Price.LessThanOrEqual(change.Price)
			}
			return side[i].Price.GreaterThanOrEqual(change.Price)
		})
		exists := idx < len(side) && side[idx].Price.Equal(change.Price)

		quantity := change.Quantity
		if additive && exists {
			quantity = side[idx].Quantity.Add(change.Quantity)
		}

		switch {
		case quantity.Sign() <= 0 && exists:
			side = append(side[:idx], side[idx+1:]...)
		case quantity.Sign() <= 0:
			// Removal of an unknown level is a no-op.
		case exists:
			side[idx].Quantity = quantity
		default:
			side = append(side, models.BookLevel{})
			copy(side[idx+1:], side[idx:])
			side[idx] = models.BookLevel{Price: change.Price, Quantity: quantity}
		}
	}
	return side
}
