package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"quantbridge/config"
	"quantbridge/internal/adapter"
	"quantbridge/internal/channel"
	"quantbridge/internal/engine"
	"quantbridge/internal/symbols"
	"quantbridge/logger"
	"quantbridge/models"
)

// Platform is the canonical okx platform name.
const Platform = "okx"

const (
	defaultRestURL      = "https://www.okx.com"
	defaultWsPublicURL  = "wss://ws.okx.com:8443/ws/v5/public"
	defaultWsPrivateURL = "wss://ws.okx.com:8443/ws/v5/private"

	loginPath = "/users/self/verify"
)

// Driver connects one okx account to the bridge: public market
// streams feed the market channels, the private stream and the signed
// REST surface feed the order engine.
type Driver struct {
	cfg      *config.Config
	pcfg     *config.PlatformConfig
	account  config.AccountConfig
	channels *channel.Channels
	engine   *engine.Engine

	rest    *adapter.RESTClient
	sched   *adapter.Scheduler
	public  *adapter.WSSession
	private *adapter.WSSession

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Log
}

func NewDriver(cfg *config.Config, channels *channel.Channels, eng *engine.Engine) (*Driver, error) {
	pcfg := &cfg.Platforms.Okx
	if !pcfg.Enabled {
		return nil, fmt.Errorf("okx platform disabled")
	}
	if len(pcfg.Accounts) == 0 {
		return nil, fmt.Errorf("okx requires at least one account")
	}
	account := pcfg.Accounts[0]

	restURL := pcfg.RestURL
	if restURL == "" {
		restURL = defaultRestURL
	}
	rest, err := adapter.NewRESTClient(Platform, restURL, pcfg.Proxy, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("okx rest client: %w", err)
	}

	d := &Driver{
		cfg:      cfg,
		pcfg:     pcfg,
		account:  account,
		channels: channels,
		engine:   eng,
		rest:     rest,
		sched:    adapter.NewScheduler(Platform, pcfg.RateLimit, 0),
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}

	publicURL := pcfg.WsPublicURL
	if publicURL == "" {
		publicURL = defaultWsPublicURL
	}
	d.public = adapter.NewWSSession(adapter.NewSession(Platform, "public"), adapter.WSConfig{
		URL:              publicURL,
		HeartbeatTimeout: pcfg.HeartbeatTimeout,
		Reconnect:        pcfg.Reconnect,
		Proxy:            pcfg.Proxy,
	})
	d.public.OnMessage = d.handlePublicMessage

	privateURL := pcfg.WsPrivateURL
	if privateURL == "" {
		privateURL = defaultWsPrivateURL
	}
	d.private = adapter.NewWSSession(adapter.NewSession(Platform, account.Name), adapter.WSConfig{
		URL:              privateURL,
		HeartbeatTimeout: pcfg.HeartbeatTimeout,
		Reconnect:        pcfg.Reconnect,
		Proxy:            pcfg.Proxy,
	})
	d.private.OnConnect = d.login
	d.private.OnMessage = d.handlePrivateMessage
	d.private.OnDisconnect = func(err error) {
		// Pushes may have been missed while disconnected; the engine
		// reconciles every live order directly.
		d.engine.Resync(context.Background())
	}

	return d, nil
}

func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("okx driver already running")
	}
	d.running = true
	d.ctx = ctx
	d.mu.Unlock()

	log := d.log.WithComponent("okx_driver")
	log.WithFields(logger.Fields{
		"symbols": d.pcfg.Symbols,
		"account": d.account.Name,
	}).Info("starting okx driver")

	if err := d.sched.Start(ctx); err != nil {
		return err
	}

	for _, sym := range d.pcfg.Symbols {
		instID := symbols.ToPlatform(Platform, sym)
		if err := d.public.Subscribe(wsRequest{Op: "subscribe", Args: []interface{}{
			channelArg{Channel: "books", InstID: instID},
		}}); err != nil {
			return err
		}
		if err := d.public.Subscribe(wsRequest{Op: "subscribe", Args: []interface{}{
			channelArg{Channel: "trades", InstID: instID},
		}}); err != nil {
			return err
		}
		for _, interval := range d.pcfg.KlineIntervals {
			if err := d.public.Subscribe(wsRequest{Op: "subscribe", Args: []interface{}{
				channelArg{Channel: "candle" + interval, InstID: instID},
			}}); err != nil {
				return err
			}
		}
	}

	if err := d.private.Subscribe(wsRequest{Op: "subscribe", Args: []interface{}{
		channelArg{Channel: "orders", InstType: "ANY"},
		channelArg{Channel: "positions", InstType: "ANY"},
	}}); err != nil {
		return err
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.public.Run(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("public stream terminated")
		}
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.private.Run(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("private stream terminated")
		}
	}()

	log.Info("okx driver started successfully")
	return nil
}

func (d *Driver) Stop() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()

	d.log.WithComponent("okx_driver").Info("stopping okx driver")
	d.wg.Wait()
	d.log.WithComponent("okx_driver").Info("okx driver stopped")
}

// ResyncBook requests a fresh book snapshot for one symbol by cycling
// the subscription; okx replays a full snapshot on subscribe.
func (d *Driver) ResyncBook(symbol string) {
	instID := symbols.ToPlatform(Platform, symbol)
	arg := channelArg{Channel: "books", InstID: instID}
	if err := d.public.Send(wsRequest{Op: "unsubscribe", Args: []interface{}{arg}}); err != nil {
		d.log.WithComponent("okx_driver").WithError(err).Warn("book resync unsubscribe failed")
		return
	}
	if err := d.public.Send(wsRequest{Op: "subscribe", Args: []interface{}{arg}}); err != nil {
		d.log.WithComponent("okx_driver").WithError(err).Warn("book resync subscribe failed")
	}
}

// login authenticates the private session. The signature covers the
// unix timestamp, the method and the verification path. Okx rejects
// private subscribes issued before the login ack, so login blocks on
// the response frame; only then does the session re-issue its
// subscriptions.
func (d *Driver) login(ctx context.Context, ws *adapter.WSSession) error {
	ts := fmt.Sprintf("%d", time.Now().Unix())
	sign := adapter.SignBase64(d.account.SecretKey, ts+http.MethodGet+loginPath)
	if err := ws.Send(wsRequest{Op: "login", Args: []interface{}{loginArg{
		APIKey:     d.account.AccessKey,
		Passphrase: d.account.Passphrase,
		Timestamp:  ts,
		Sign:       sign,
	}}}); err != nil {
		return err
	}

	data, err := ws.ReadFrame(10 * time.Second)
	if err != nil {
		return fmt.Errorf("awaiting login ack: %w", err)
	}
	return parseLoginAck(data)
}

// parseLoginAck interprets the frame answering a login request. A
// rejection maps to an auth failure so the session loop shuts the
// stream down instead of retrying bad credentials forever.
func parseLoginAck(data []byte) error {
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode login ack: %w", err)
	}
	switch {
	case msg.Event == "login" && (msg.Code == "" || msg.Code == "0"):
		return nil
	case msg.Event == "login" || msg.Event == "error":
		return &adapter.APIError{
			Kind:     adapter.FailureAuth,
			Platform: Platform,
			Code:     msg.Code,
			Message:  msg.Msg,
		}
	default:
		return fmt.Errorf("unexpected frame before login ack: event=%q", msg.Event)
	}
}

func (d *Driver) handlePublicMessage(data []byte) {
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		d.log.WithComponent("okx_driver").WithError(err).Debug("unparseable public frame")
		return
	}
	if msg.Event != "" {
		d.handleEvent(msg)
		return
	}

	switch {
	case msg.Arg.Channel == "books":
		d.handleBook(msg)
	case msg.Arg.Channel == "trades":
		d.handleTrades(msg)
	case strings.HasPrefix(msg.Arg.Channel, "candle"):
		d.handleCandles(msg)
	}
}

func (d *Driver) handleEvent(msg wsMessage) {
	log := d.log.WithComponent("okx_driver").WithFields(logger.Fields{
		"event":   msg.Event,
		"channel": msg.Arg.Channel,
	})
	switch msg.Event {
	case "error":
		log.WithFields(logger.Fields{"code": msg.Code, "msg": msg.Msg}).Error("okx stream error")
	case "subscribe", "unsubscribe", "login":
		log.Debug("okx stream event")
	}
}

func (d *Driver) handleBook(msg wsMessage) {
	var entries []bookData
	if err := json.Unmarshal(msg.Data, &entries); err != nil {
		d.log.WithComponent("okx_driver").WithError(err).Debug("unparseable book frame")
		return
	}
	symbol := canonicalSymbol(msg.Arg.InstID)
	for _, entry := range entries {
		update := models.BookUpdate{
			Platform:    Platform,
			Symbol:      symbol,
			Snapshot:    msg.Action == "snapshot",
			Bids:        parseLevels(entry.Bids),
			Asks:        parseLevels(entry.Asks),
			Version:     entry.SeqID,
			PrevVersion: entry.PrevSeqID,
			Timestamp:   parseMillis(entry.Ts),
		}
		d.channels.SendBook(d.ctx, update)
	}
}

func (d *Driver) handleTrades(msg wsMessage) {
	var entries []tradeData
	if err := json.Unmarshal(msg.Data, &entries); err != nil {
		d.log.WithComponent("okx_driver").WithError(err).Debug("unparseable trade frame")
		return
	}
	for _, entry := range entries {
		trade := models.Trade{
			Platform:  Platform,
			Symbol:    canonicalSymbol(entry.InstID),
			TradeID:   entry.TradeID,
			Side:      mapSide(entry.Side),
			Price:     parseDecimal(entry.Px),
			Quantity:  parseDecimal(entry.Sz),
			Timestamp: parseMillis(entry.Ts),
		}
		d.channels.SendTrade(d.ctx, trade)
	}
}

func (d *Driver) handleCandles(msg wsMessage) {
	var entries [][]string
	if err := json.Unmarshal(msg.Data, &entries); err != nil {
		d.log.WithComponent("okx_driver").WithError(err).Debug("unparseable candle frame")
		return
	}
	interval := strings.ToLower(strings.TrimPrefix(msg.Arg.Channel, "candle"))
	symbol := canonicalSymbol(msg.Arg.InstID)
	for _, entry := range entries {
		if len(entry) < 6 {
			continue
		}
		bar := models.Kline{
			Platform: Platform,
			Symbol:   symbol,
			Interval: interval,
			Open:     parseDecimal(entry[1]),
			High:     parseDecimal(entry[2]),
			Low:      parseDecimal(entry[3]),
			Close:    parseDecimal(entry[4]),
			Volume:   parseDecimal(entry[5]),
			OpenTime: parseMillis(entry[0]),
		}
		// The last element reports "1" once the bar is final.
		if len(entry) >= 9 && entry[len(entry)-1] == "1" {
			bar.Closed = true
		}
		d.channels.SendKline(d.ctx, bar)
	}
}

func (d *Driver) handlePrivateMessage(data []byte) {
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		d.log.WithComponent("okx_driver").WithError(err).Debug("unparseable private frame")
		return
	}
	if msg.Event != "" {
		d.handleEvent(msg)
		return
	}

	switch msg.Arg.Channel {
	case "orders":
		d.handleOrders(msg)
	case "positions":
		d.handlePositions(msg)
	}
}

func (d *Driver) handleOrders(msg wsMessage) {
	var entries []orderData
	if err := json.Unmarshal(msg.Data, &entries); err != nil {
		d.log.WithComponent("okx_driver").WithError(err).Debug("unparseable order frame")
		return
	}
	for _, entry := range entries {
		d.engine.HandleUpdate(models.OrderUpdate{
			Platform:   Platform,
			Account:    d.account.Name,
			Symbol:     canonicalSymbol(entry.InstID),
			ClientID:   entry.ClOrdID,
			ExchangeID: entry.OrdID,
			Status:     mapOrderStatus(entry.State),
			Filled:     parseDecimal(entry.AccFillSz),
			AvgPrice:   parseDecimal(entry.AvgPx),
			Timestamp:  parseMillis(entry.UTime),
		})
	}
}

func (d *Driver) handlePositions(msg wsMessage) {
	var entries []positionData
	if err := json.Unmarshal(msg.Data, &entries); err != nil {
		d.log.WithComponent("okx_driver").WithError(err).Debug("unparseable position frame")
		return
	}
	for _, entry := range entries {
		side := models.SideBuy
		if entry.PosSide == "short" {
			side = models.SideSell
		}
		d.engine.HandlePosition(models.Position{
			Platform:      Platform,
			Account:       d.account.Name,
			Symbol:        canonicalSymbol(entry.InstID),
			Side:          side,
			Quantity:      parseDecimal(entry.Pos),
			EntryPrice:    parseDecimal(entry.AvgPx),
			UnrealizedPnL: parseDecimal(entry.Upl),
			Timestamp:     parseMillis(entry.UTime),
		})
	}
}
