package channel

import (
	"context"
	"sync"
	"time"

	"quantbridge/logger"
	"quantbridge/models"
)

// Stats counts messages moved through (or dropped at) the market
// channels since startup.
type Stats struct {
	BookSent     int64
	BookDropped  int64
	TradeSent    int64
	TradeDropped int64
	KlineSent    int64
	KlineDropped int64
}

// Channels bundles the adapter-to-normalizer market feeds. One owning
// session writes per symbol and a single consumer drains each channel,
// so per-symbol arrival order is preserved end to end.
type Channels struct {
	Book  chan models.BookUpdate
	Trade chan models.Trade
	Kline chan models.Kline

	stats      Stats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(bookBuffer, tradeBuffer, klineBuffer int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Book:  make(chan models.BookUpdate, bookBuffer),
		Trade: make(chan models.Trade, tradeBuffer),
		Kline: make(chan models.Kline, klineBuffer),
		log:   log,
	}

	log.WithComponent("market_channels").WithFields(logger.Fields{
		"book_buffer":  bookBuffer,
		"trade_buffer": tradeBuffer,
		"kline_buffer": klineBuffer,
	}).Info("market channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Book)
	close(c.Trade)
	close(c.Kline)
	c.log.WithComponent("market_channels").Info("market channels closed")
}

// SendBook forwards a book update without blocking. Market data is
// stale tolerant: when the buffer is full the update is dropped and
// counted, the next snapshot or diff supersedes it.
func (c *Channels) SendBook(ctx context.Context, msg models.BookUpdate) bool {
	select {
	case c.Book <- msg:
		c.statsMutex.Lock()
		c.stats.BookSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.BookDropped++
		c.statsMutex.Unlock()
		return false
	}
}

func (c *Channels) SendTrade(ctx context.Context, msg models.Trade) bool {
	select {
	case c.Trade <- msg:
		c.statsMutex.Lock()
		c.stats.TradeSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.TradeDropped++
		c.statsMutex.Unlock()
		return false
	}
}

func (c *Channels) SendKline(ctx context.Context, msg models.Kline) bool {
	select {
	case c.Kline <- msg:
		c.statsMutex.Lock()
		c.stats.KlineSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.KlineDropped++
		c.statsMutex.Unlock()
		return false
	}
}

// GetStats returns a copy of the current counters.
func (c *Channels) GetStats() Stats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// StartMetricsReporting periodically reports channel depth and drop
// counters until the context is cancelled.
func (c *Channels) StartMetricsReporting(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := c.GetStats()
			c.log.LogMetric("market_channels", "book_queue_len", int64(len(c.Book)), "gauge", nil)
			c.log.LogMetric("market_channels", "book_dropped", stats.BookDropped, "counter", nil)
			c.log.LogMetric("market_channels", "trade_queue_len", int64(len(c.Trade)), "gauge", nil)
			c.log.LogMetric("market_channels", "trade_dropped", stats.TradeDropped, "counter", nil)
			c.log.LogMetric("market_channels", "kline_queue_len", int64(len(c.Kline)), "gauge", nil)
			c.log.LogMetric("market_channels", "kline_dropped", stats.KlineDropped, "counter", nil)
		}
	}
}
