package normalizer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"quantbridge/config"
	"quantbridge/internal/channel"
	"quantbridge/logger"
	"quantbridge/models"
)

// Sink receives canonical events for publication.
type Sink interface {
	Publish(event models.Event) error
}

// Normalizer converts adapter feeds into canonical market events:
// reconciled orderbooks, aggregated klines and deduplicated trades.
// Each feed channel has exactly one consumer goroutine, so updates for
// a symbol are applied strictly in arrival order.
type Normalizer struct {
	cfg      *config.Config
	channels *channel.Channels
	sink     Sink
	// History receives finalized bars for the optional kline sink.
	history chan<- models.Kline

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Log

	resync map[string]func(symbol string)

	books  map[string]*bookState
	aggs   map[string]*klineAggregator
	trades map[string]*tradeWindow
}

func NewNormalizer(cfg *config.Config, channels *channel.Channels, sink Sink, history chan<- models.Kline) *Normalizer {
	return &Normalizer{
		cfg:      cfg,
		channels: channels,
		sink:     sink,
		history:  history,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		resync:   make(map[string]func(symbol string)),
		books:    make(map[string]*bookState),
		aggs:     make(map[string]*klineAggregator),
		trades:   make(map[string]*tradeWindow),
	}
}

// RegisterResync installs the snapshot refetch hook for a platform.
// Called by the platform driver before Start.
func (n *Normalizer) RegisterResync(platform string, fn func(symbol string)) {
	n.mu.Lock()
	n.resync[platform] = fn
	n.mu.Unlock()
}

func (n *Normalizer) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return fmt.Errorf("normalizer already running")
	}
	n.running = true
	n.ctx = ctx
	n.mu.Unlock()

	log := n.log.WithComponent("normalizer")
	log.Info("starting normalizer")

	n.wg.Add(3)
	go n.bookLoop()
	go n.tradeLoop()
	go n.klineLoop()

	n.wg.Add(1)
	go n.flusher()

	log.Info("normalizer started successfully")
	return nil
}

func (n *Normalizer) Stop() {
	n.mu.Lock()
	n.running = false
	n.mu.Unlock()

	n.log.WithComponent("normalizer").Info("stopping normalizer")
	n.wg.Wait()
	n.log.WithComponent("normalizer").Info("normalizer stopped")
}

func (n *Normalizer) bookLoop() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case u, ok := <-n.channels.Book:
			if !ok {
				return
			}
			n.HandleBook(u)
		}
	}
}

func (n *Normalizer) tradeLoop() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case t, ok := <-n.channels.Trade:
			if !ok {
				return
			}
			n.HandleTrade(t)
		}
	}
}

func (n *Normalizer) klineLoop() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case k, ok := <-n.channels.Kline:
			if !ok {
				return
			}
			n.HandleVenueKline(k)
		}
	}
}

// flusher closes kline bars whose boundary passed without a further
// tick and emits throttled books under the timer-gated policy.
func (n *Normalizer) flusher() {
	defer n.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case now := <-ticker.C:
			n.mu.Lock()
			for _, agg := range n.aggs {
				if closed := agg.Flush(now); closed != nil {
					n.emitKline(*closed)
				}
			}
			for _, st := range n.books {
				n.maybeEmitBook(st, now)
			}
			n.mu.Unlock()
		}
	}
}

// HandleBook applies one snapshot or diff. A full snapshot always
// resets book state; a diff applies only at exactly the next version,
// any gap discards the diff and requests one fresh snapshot.
func (n *Normalizer) HandleBook(u models.BookUpdate) {
	n.mu.Lock()
	defer n.mu.Unlock()

	key := u.Platform + ":" + u.Symbol
	st, ok := n.books[key]
	if !ok {
		st = newBookState(u.Platform, u.Symbol)
		n.books[key] = st
	}

	log := n.log.WithComponent("normalizer").WithFields(logger.Fields{
		"platform": u.Platform,
		"symbol":   u.Symbol,
	})

	switch {
	case u.Snapshot:
		st.applySnapshot(u)
	case !st.synced:
		// Waiting for the snapshot already requested; drop quietly.
		return
	case u.PrevVersion != st.version:
		log.WithFields(logger.Fields{
			"local_version": st.version,
			"prev_version":  u.PrevVersion,
			"version":       u.Version,
		}).Warn("orderbook version gap, requesting resync")
		st.synced = false
		n.requestResync(u.Platform, u.Symbol)
		return
	default:
		st.applyDelta(u)
	}

	if err := st.validate(); err != nil {
		log.WithError(err).Warn("orderbook invariant violation, requesting resync")
		st.synced = false
		n.requestResync(u.Platform, u.Symbol)
		return
	}

	st.dirty = true
	n.maybeEmitBook(st, time.Now())
}

// maybeEmitBook publishes the book when the top-N levels changed since
// the last emitted state. When the platform configures a minimum
// publish interval the emit is additionally timer gated: within the
// window the latest state wins and goes out on the next flusher tick.
func (n *Normalizer) maybeEmitBook(st *bookState, now time.Time) {
	if !st.dirty || !st.synced {
		return
	}

	minInterval := n.platformCfg(st.platform).MinPublishInterval
	if minInterval > 0 && now.Sub(st.lastEmit) < minInterval {
		return
	}

	depth := n.cfg.Market.Depth
	if !st.topChanged(depth) {
		st.dirty = false
		return
	}

	book := st.top(depth)
	event := models.Event{
		Kind:      models.EventKindOrderbook,
		Platform:  st.platform,
		Subject:   st.symbol,
		Payload:   book,
		Timestamp: now,
	}
	if err := n.sink.Publish(event); err != nil {
		n.log.WithComponent("normalizer").WithError(err).Warn("failed to publish orderbook")
		return
	}
	st.dirty = false
	st.lastEmit = now
}

// HandleTrade deduplicates one tick, publishes it and folds it into the
// open bars of every configured interval.
func (n *Normalizer) HandleTrade(t models.Trade) {
	n.mu.Lock()
	defer n.mu.Unlock()

	key := t.Platform + ":" + t.Symbol
	window, ok := n.trades[key]
	if !ok {
		window = newTradeWindow(n.cfg.Market.TradeDedupWindow)
		n.trades[key] = window
	}
	if window.Seen(t.TradeID) {
		return
	}

	event := models.Event{
		Kind:      models.EventKindTrade,
		Platform:  t.Platform,
		Subject:   t.Symbol,
		Payload:   t,
		Timestamp: t.Timestamp,
	}
	if err := n.sink.Publish(event); err != nil {
		n.log.WithComponent("normalizer").WithError(err).Warn("failed to publish trade")
	}

	for _, interval := range n.platformCfg(t.Platform).KlineIntervals {
		agg := n.aggregator(t.Platform, t.Symbol, interval)
		if agg == nil {
			continue
		}
		closed, open := agg.ApplyTrade(t)
		if closed != nil {
			n.emitKline(*closed)
		}
		if open != nil {
			n.emitKline(*open)
		}
	}
}

// HandleVenueKline reconciles an exchange-pushed bar.
func (n *Normalizer) HandleVenueKline(k models.Kline) {
	n.mu.Lock()
	defer n.mu.Unlock()

	agg := n.aggregator(k.Platform, k.Symbol, k.Interval)
	if agg == nil {
		return
	}
	closed, open := agg.ApplyVenueBar(k)
	if closed != nil {
		n.emitKline(*closed)
	}
	if open != nil {
		n.emitKline(*open)
	}
}

func (n *Normalizer) emitKline(k models.Kline) {
	event := models.Event{
		Kind:      models.EventKindKline,
		Platform:  k.Platform,
		Subject:   k.Symbol,
		Payload:   k,
		Timestamp: time.Now(),
	}
	if err := n.sink.Publish(event); err != nil {
		n.log.WithComponent("normalizer").WithError(err).Warn("failed to publish kline")
	}
	if k.Closed && n.history != nil {
		select {
		case n.history <- k:
		default:
			n.log.WithComponent("normalizer").Warn("kline history channel full, dropping bar")
		}
	}
}

func (n *Normalizer) aggregator(platform, symbol, interval string) *klineAggregator {
	key := platform + ":" + symbol + ":" + interval
	agg, ok := n.aggs[key]
	if !ok {
		duration, err := ParseInterval(interval)
		if err != nil {
			n.log.WithComponent("normalizer").WithError(err).Warn("unsupported kline interval")
			return nil
		}
		agg = newKlineAggregator(platform, symbol, interval, duration)
		n.aggs[key] = agg
	}
	return agg
}

func (n *Normalizer) requestResync(platform, symbol string) {
	if fn, ok := n.resync[platform]; ok && fn != nil {
		fn(symbol)
	}
}

func (n *Normalizer) platformCfg(platform string) *config.PlatformConfig {
	switch platform {
	case "okx":
		return &n.cfg.Platforms.Okx
	default:
		return &n.cfg.Platforms.Binance
	}
}
