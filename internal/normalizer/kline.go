package normalizer

import (
	"fmt"
	"strconv"
	"time"

	"quantbridge/models"
)

// ParseInterval converts an exchange interval token ("1m", "5m", "1h",
// "1d") into a duration.
func ParseInterval(interval string) (time.Duration, error) {
	if len(interval) < 2 {
		return 0, fmt.Errorf("invalid interval %q", interval)
	}
	n, err := strconv.Atoi(interval[:len(interval)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid interval %q", interval)
	}
	switch interval[len(interval)-1] {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid interval %q", interval)
	}
}

// klineAggregator builds OHLCV bars for one platform+symbol+interval.
// Bars mutate while their interval is open and are finalized exactly
// once; ticks for an already closed bar are dropped.
type klineAggregator struct {
	platform string
	symbol   string
	interval string
	duration time.Duration

	current   *models.Kline
	lastClose time.Time // open time of the most recently finalized bar
}

func newKlineAggregator(platform, symbol, interval string, duration time.Duration) *klineAggregator {
	return &klineAggregator{
		platform: platform,
		symbol:   symbol,
		interval: interval,
		duration: duration,
	}
}

// ApplyTrade folds a trade tick into the open bar. It returns the
// finalized bar when the tick opens a new interval, and the updated
// open bar (or nil for a dropped late tick).
func (a *klineAggregator) ApplyTrade(t models.Trade) (closed *models.Kline, open *models.Kline) {
	bucket := t.Timestamp.Truncate(a.duration)

	if a.current == nil {
		if !a.lastClose.IsZero() && !bucket.After(a.lastClose) {
			return nil, nil // late tick for a closed bar
		}
		a.current = a.newBar(bucket, t)
		return nil, a.snapshot()
	}

	switch {
	case bucket.Before(a.current.OpenTime):
		return nil, nil // late tick for a closed bar
	case bucket.Equal(a.current.OpenTime):
		bar := a.current
		if t.Price.GreaterThan(bar.High) {
			bar.High = t.Price
		}
		if t.Price.LessThan(bar.Low) {
			bar.Low = t.Price
		}
		bar.Close = t.Price
		bar.Volume = bar.Volume.Add(t.Quantity)
		return nil, a.snapshot()
	default:
		closed = a.finalize()
		a.current = a.newBar(bucket, t)
		return closed, a.snapshot()
	}
}

// ApplyVenueBar reconciles an exchange-pushed bar with local state. The
// venue's values win for the open bar; a bar flagged final closes it.
func (a *klineAggregator) ApplyVenueBar(k models.Kline) (closed *models.Kline, open *models.Kline) {
	if a.current != nil && k.OpenTime.Before(a.current.OpenTime) {
		return nil, nil // stale bar
	}
	if !a.lastClose.IsZero() && !k.OpenTime.After(a.lastClose) {
		return nil, nil // already finalized
	}

	if a.current != nil && k.OpenTime.After(a.current.OpenTime) {
		closed = a.finalize()
	}

	bar := k
	bar.Platform = a.platform
	bar.Symbol = a.symbol
	bar.Interval = a.interval
	bar.Closed = false
	a.current = &bar

	if k.Closed {
		return a.finalize(), nil
	}
	return closed, a.snapshot()
}

// Flush finalizes the open bar if the wall clock has passed its
// interval boundary. Called periodically so bars close even when no
// further tick arrives.
func (a *klineAggregator) Flush(now time.Time) *models.Kline {
	if a.current == nil || now.Before(a.current.OpenTime.Add(a.duration)) {
		return nil
	}
	return a.finalize()
}

func (a *klineAggregator) finalize() *models.Kline {
	bar := a.current
	if bar == nil {
		return nil
	}
	bar.Closed = true
	a.lastClose = bar.OpenTime
	a.current = nil
	return bar
}

func (a *klineAggregator) snapshot() *models.Kline {
	bar := *a.current
	return &bar
}

func (a *klineAggregator) newBar(openTime time.Time, t models.Trade) *models.Kline {
	return &models.Kline{
		Platform: a.platform,
		Symbol:   a.symbol,
		Interval: a.interval,
		Open:     t.Price,
		High:     t.Price,
		Low:      t.Price,
		Close:    t.Price,
		Volume:   t.Quantity,
		OpenTime: openTime,
	}
}
