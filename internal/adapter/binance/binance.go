package binance

import (
	"context"
	"fmt"
	"sync"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/jpillora/backoff"

	"quantbridge/config"
	"quantbridge/internal/adapter"
	"quantbridge/internal/channel"
	"quantbridge/internal/engine"
	"quantbridge/logger"
	"quantbridge/models"
)

// bookSync tracks the snapshot handoff for one symbol. Diff events
// older than the snapshot are discarded; the first event spanning the
// snapshot version is stitched to it, everything after rides on the
// stream's own prev-version chain.
type bookSync struct {
	mu          sync.Mutex
	snapVersion int64
	awaiting    bool
}

// Driver connects binance futures to the bridge. Market streams run
// over the exchange SDK's websocket helpers, one stream per symbol per
// feed, each wrapped in a reconnect loop with capped jittered backoff.
type Driver struct {
	cfg      *config.Config
	pcfg     *config.PlatformConfig
	account  config.AccountConfig
	channels *channel.Channels
	engine   *engine.Engine

	client *futures.Client
	sched  *adapter.Scheduler

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Log

	books map[string]*bookSync
}

func NewDriver(cfg *config.Config, channels *channel.Channels, eng *engine.Engine) (*Driver, error) {
	pcfg := &cfg.Platforms.Binance
	if !pcfg.Enabled {
		return nil, fmt.Errorf("binance platform disabled")
	}
	if len(pcfg.Accounts) == 0 {
		return nil, fmt.Errorf("binance requires at least one account")
	}
	account := pcfg.Accounts[0]

	client := futures.NewClient(account.AccessKey, account.SecretKey)
	if pcfg.RestURL != "" {
		client.BaseURL = pcfg.RestURL
	}

	return &Driver{
		cfg:      cfg,
		pcfg:     pcfg,
		account:  account,
		channels: channels,
		engine:   eng,
		client:   client,
		sched:    adapter.NewScheduler(Platform, pcfg.RateLimit, 0),
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		books:    make(map[string]*bookSync),
	}, nil
}

func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("binance driver already running")
	}
	d.running = true
	d.ctx = ctx
	d.mu.Unlock()

	log := d.log.WithComponent("binance_driver")
	log.WithFields(logger.Fields{
		"symbols": d.pcfg.Symbols,
		"account": d.account.Name,
	}).Info("starting binance driver")

	if err := d.sched.Start(ctx); err != nil {
		return err
	}

	for _, symbol := range d.pcfg.Symbols {
		d.mu.Lock()
		d.books[symbol] = &bookSync{awaiting: true}
		d.mu.Unlock()

		d.wg.Add(1)
		go d.streamDepth(symbol)
		d.wg.Add(1)
		go d.streamTrades(symbol)
		for _, interval := range d.pcfg.KlineIntervals {
			d.wg.Add(1)
			go d.streamKlines(symbol, interval)
		}
		// Diffs arriving before the snapshot lands are dropped; the
		// first diff spanning the snapshot version restitches the chain.
		d.ResyncBook(symbol)
	}

	d.wg.Add(1)
	go d.runUserStream()

	log.Info("binance driver started successfully")
	return nil
}

func (d *Driver) Stop() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()

	d.log.WithComponent("binance_driver").Info("stopping binance driver")
	d.wg.Wait()
	d.log.WithComponent("binance_driver").Info("binance driver stopped")
}

func (d *Driver) reconnectBackoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    d.pcfg.Reconnect.BaseDelay,
		Max:    d.pcfg.Reconnect.MaxDelay,
		Factor: 2,
		Jitter: true,
	}
}

// serveLoop keeps one SDK stream alive until shutdown. The SDK closes
// doneC when the stream dies; the loop redials with backoff and resets
// the delay after a connection that lived long enough to be healthy.
func (d *Driver) serveLoop(name string, serve func() (doneC, stopC chan struct{}, err error)) {
	log := d.log.WithComponent("binance_driver").WithFields(logger.Fields{"stream": name})
	b := d.reconnectBackoff()

	for {
		if d.ctx.Err() != nil {
			return
		}

		started := time.Now()
		doneC, stopC, err := serve()
		if err != nil {
			delay := b.Duration()
			log.WithError(err).WithFields(logger.Fields{"delay": delay.String()}).Warn("stream subscribe failed")
			select {
			case <-d.ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		select {
		case <-d.ctx.Done():
			close(stopC)
			<-doneC
			return
		case <-doneC:
		}

		if time.Since(started) > time.Minute {
			b.Reset()
		}
		delay := b.Duration()
		log.WithFields(logger.Fields{"delay": delay.String()}).Warn("stream closed, reconnecting")
		select {
		case <-d.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (d *Driver) streamDepth(symbol string) {
	defer d.wg.Done()

	log := d.log.WithComponent("binance_driver").WithFields(logger.Fields{"symbol": symbol})

	handler := func(event *futures.WsDepthEvent) {
		d.handleDepthEvent(event)
	}
	errHandler := func(err error) {
		if err != nil {
			log.WithError(err).Warn("depth stream error")
		}
	}

	d.serveLoop("depth:"+symbol, func() (chan struct{}, chan struct{}, error) {
		return futures.WsDiffDepthServeWithRate(symbol, 100*time.Millisecond, handler, errHandler)
	})
}

// handleDepthEvent stitches diff pushes to the REST snapshot. After a
// snapshot at version S, pushes ending at or before S are stale; the
// first push spanning S continues the stream from S.
func (d *Driver) handleDepthEvent(event *futures.WsDepthEvent) {
	d.mu.Lock()
	bs, ok := d.books[event.Symbol]
	d.mu.Unlock()
	if !ok {
		return
	}

	update := convertDepthEvent(event)

	bs.mu.Lock()
	if bs.awaiting {
		if bs.snapVersion == 0 || event.LastUpdateID <= bs.snapVersion {
			bs.mu.Unlock()
			return // snapshot not fetched yet, or pre-snapshot push
		}
		if event.FirstUpdateID > bs.snapVersion+1 {
			bs.mu.Unlock()
			// The stream moved past the snapshot; fetch a newer one.
			d.ResyncBook(event.Symbol)
			return
		}
		update.PrevVersion = bs.snapVersion
		bs.awaiting = false
	}
	bs.mu.Unlock()

	d.channels.SendBook(d.ctx, update)
}

// ResyncBook fetches a fresh depth snapshot for one symbol through the
// scheduler and rearms the diff handoff.
func (d *Driver) ResyncBook(symbol string) {
	d.mu.Lock()
	bs, ok := d.books[symbol]
	d.mu.Unlock()
	if !ok {
		return
	}

	bs.mu.Lock()
	bs.awaiting = true
	bs.snapVersion = 0
	bs.mu.Unlock()

	go func() {
		log := d.log.WithComponent("binance_driver").WithFields(logger.Fields{"symbol": symbol})

		future, err := d.sched.Submit(d.ctx, "depth_snapshot", symbol, func(ctx context.Context) (interface{}, error) {
			return d.client.NewDepthService().Symbol(symbol).Limit(1000).Do(ctx)
		})
		if err != nil {
			log.WithError(err).Warn("snapshot request rejected")
			return
		}
		value, err := future.Wait(d.ctx)
		if err != nil {
			log.WithError(err).Warn("snapshot fetch failed")
			return
		}
		res := value.(*futures.DepthResponse)

		bs.mu.Lock()
		bs.snapVersion = res.LastUpdateID
		bs.mu.Unlock()

		d.channels.SendBook(d.ctx, models.BookUpdate{
			Platform:  Platform,
			Symbol:    symbol,
			Snapshot:  true,
			Bids:      convertBids(res.Bids),
			Asks:      convertAsks(res.Asks),
			Version:   res.LastUpdateID,
			Timestamp: time.Now(),
		})
		log.WithFields(logger.Fields{"version": res.LastUpdateID}).Info("book snapshot fetched")
	}()
}

func (d *Driver) streamTrades(symbol string) {
	defer d.wg.Done()

	log := d.log.WithComponent("binance_driver").WithFields(logger.Fields{"symbol": symbol})

	handler := func(event *futures.WsAggTradeEvent) {
		d.channels.SendTrade(d.ctx, convertAggTrade(event))
	}
	errHandler := func(err error) {
		if err != nil {
			log.WithError(err).Warn("trade stream error")
		}
	}

	d.serveLoop("trades:"+symbol, func() (chan struct{}, chan struct{}, error) {
		return futures.WsAggTradeServe(symbol, handler, errHandler)
	})
}

func (d *Driver) streamKlines(symbol, interval string) {
	defer d.wg.Done()

	log := d.log.WithComponent("binance_driver").WithFields(logger.Fields{
		"symbol":   symbol,
		"interval": interval,
	})

	handler := func(event *futures.WsKlineEvent) {
		d.channels.SendKline(d.ctx, convertKline(event))
	}
	errHandler := func(err error) {
		if err != nil {
			log.WithError(err).Warn("kline stream error")
		}
	}

	d.serveLoop("klines:"+symbol+":"+interval, func() (chan struct{}, chan struct{}, error) {
		return futures.WsKlineServe(symbol, interval, handler, errHandler)
	})
}
