package okx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"quantbridge/config"
	"quantbridge/internal/adapter"
	"quantbridge/internal/channel"
	"quantbridge/internal/engine"
	"quantbridge/logger"
	"quantbridge/models"
)

func testDriver() *Driver {
	return &Driver{
		channels: channel.NewChannels(8, 8, 8),
		ctx:      context.Background(),
		log:      logger.GetLogger(),
	}
}

func TestHandleBookSnapshotAndUpdate(t *testing.T) {
	d := testDriver()

	snapshot := []byte(`{
		"arg":{"channel":"books","instId":"BTC-USDT"},
		"action":"snapshot",
		"data":[{"asks":[["101","1","0","1"]],"bids":[["100","2","0","1"]],"ts":"1693468800000","seqId":5,"prevSeqId":-1}]
	}`)
	d.handlePublicMessage(snapshot)

	update := <-d.channels.Book
	if !update.Snapshot {
		t.Fatalf("expected snapshot flag")
	}
	if update.Platform != Platform || update.Symbol != "BTCUSDT" {
		t.Fatalf("unexpected identity: %+v", update)
	}
	if update.Version != 5 {
		t.Fatalf("expected version 5, got %d", update.Version)
	}
	if len(update.Asks) != 1 || !update.Asks[0].Price.Equal(decimal.NewFromInt(101)) {
		t.Fatalf("unexpected asks: %+v", update.Asks)
	}

	diff := []byte(`{
		"arg":{"channel":"books","instId":"BTC-USDT"},
		"action":"update",
		"data":[{"asks":[["101","0","0","0"]],"bids":[],"ts":"1693468801000","seqId":6,"prevSeqId":5}]
	}`)
	d.handlePublicMessage(diff)

	delta := <-d.channels.Book
	if delta.Snapshot {
		t.Fatalf("expected diff")
	}
	if delta.PrevVersion != 5 || delta.Version != 6 {
		t.Fatalf("unexpected versions: %+v", delta)
	}
	if !delta.Asks[0].Quantity.IsZero() {
		t.Fatalf("expected delete level, got %+v", delta.Asks)
	}
}

func TestHandleTrades(t *testing.T) {
	d := testDriver()

	frame := []byte(`{
		"arg":{"channel":"trades","instId":"ETH-USDT"},
		"data":[{"instId":"ETH-USDT","tradeId":"t-9","px":"2000.5","sz":"0.25","side":"sell","ts":"1693468800000"}]
	}`)
	d.handlePublicMessage(frame)

	trade := <-d.channels.Trade
	if trade.Symbol != "ETHUSDT" || trade.TradeID != "t-9" {
		t.Fatalf("unexpected trade: %+v", trade)
	}
	if trade.Side != models.SideSell {
		t.Fatalf("expected sell, got %s", trade.Side)
	}
	if !trade.Price.Equal(decimal.RequireFromString("2000.5")) {
		t.Fatalf("unexpected price: %s", trade.Price)
	}
}

func TestHandleCandles(t *testing.T) {
	d := testDriver()

	frame := []byte(`{
		"arg":{"channel":"candle1m","instId":"BTC-USDT"},
		"data":[["1693468800000","100","110","95","105","12","0","0","1"]]
	}`)
	d.handlePublicMessage(frame)

	bar := <-d.channels.Kline
	if bar.Interval != "1m" || bar.Symbol != "BTCUSDT" {
		t.Fatalf("unexpected bar identity: %+v", bar)
	}
	if !bar.Closed {
		t.Fatalf("confirm flag should close the bar")
	}
	if !bar.High.Equal(decimal.NewFromInt(110)) || !bar.Volume.Equal(decimal.NewFromInt(12)) {
		t.Fatalf("unexpected bar values: %+v", bar)
	}
}

func TestMapOrderStatus(t *testing.T) {
	cases := map[string]models.OrderStatus{
		"live":             models.OrderStatusAccepted,
		"partially_filled": models.OrderStatusPartiallyFilled,
		"filled":           models.OrderStatusFilled,
		"canceled":         models.OrderStatusCanceled,
		"mmp_canceled":     models.OrderStatusCanceled,
	}
	for state, want := range cases {
		if got := mapOrderStatus(state); got != want {
			t.Fatalf("state %q: expected %s, got %s", state, want, got)
		}
	}
}

func TestClientOrderID(t *testing.T) {
	id := clientOrderID("123e4567-e89b-12d3-a456-426614174000")
	if len(id) > 32 {
		t.Fatalf("client order id too long: %d", len(id))
	}
	for i := 0; i < len(id); i++ {
		if id[i] == '-' {
			t.Fatalf("dash survived: %q", id)
		}
	}
}

type captureSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (s *captureSink) Publish(event models.Event) error {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	return nil
}

func (s *captureSink) lastOrder() (models.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].Kind == models.EventKindOrder {
			return s.events[i].Payload.(models.Order), true
		}
	}
	return models.Order{}, false
}

type ackTrader struct{}

func (t *ackTrader) CreateOrder(ctx context.Context, order *models.Order) (string, error) {
	return "ord-1", nil
}

func (t *ackTrader) CancelOrder(ctx context.Context, order *models.Order) error {
	return nil
}

func (t *ackTrader) QueryOrder(ctx context.Context, order *models.Order) (*models.OrderUpdate, error) {
	return nil, nil
}

func TestOrderPushAdvancesEngineOrder(t *testing.T) {
	cfg := &config.Config{}
	cfg.Engine.OrderPollInterval = time.Hour
	sink := &captureSink{}
	eng := engine.NewEngine(cfg, sink)
	eng.RegisterTrader(Platform, &ackTrader{})

	d := testDriver()
	d.engine = eng
	d.account = config.AccountConfig{Name: "main"}

	order, err := eng.CreateOrder(context.Background(), models.Order{
		Platform: Platform,
		Account:  "main",
		Symbol:   "BTCUSDT",
		Side:     models.SideBuy,
		Price:    decimal.NewFromInt(100),
		Quantity: decimal.NewFromInt(1),
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// The push carries the dash-stripped client order id that went
	// over the wire, not the engine's uuid spelling.
	frame := fmt.Sprintf(`{
		"arg":{"channel":"orders","instType":"ANY"},
		"data":[{"instId":"BTC-USDT","ordId":"%s","clOrdId":"%s","state":"filled",
			"side":"buy","accFillSz":"1","avgPx":"100","uTime":"1693468800000"}]
	}`, order.ExchangeID, clientOrderID(order.ClientID))
	d.handlePrivateMessage([]byte(frame))

	last, ok := sink.lastOrder()
	if !ok {
		t.Fatalf("no order event published")
	}
	if last.ClientID != order.ClientID {
		t.Fatalf("fill push matched wrong order: %q vs %q", last.ClientID, order.ClientID)
	}
	if last.Status != models.OrderStatusFilled || !last.Filled.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("fill push not applied: %+v", last)
	}
}

func TestParseLoginAck(t *testing.T) {
	if err := parseLoginAck([]byte(`{"event":"login","code":"0","msg":""}`)); err != nil {
		t.Fatalf("successful login rejected: %v", err)
	}

	err := parseLoginAck([]byte(`{"event":"error","code":"60009","msg":"Login failed."}`))
	if err == nil {
		t.Fatalf("expected auth failure")
	}
	var apiErr *adapter.APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != adapter.FailureAuth {
		t.Fatalf("expected auth classification, got %v", err)
	}

	if err := parseLoginAck([]byte(`{"event":"subscribe"}`)); err == nil {
		t.Fatalf("expected error for non-login frame")
	}
}

func TestClassifyBodyCode(t *testing.T) {
	cases := map[string]adapter.FailureKind{
		"50011": adapter.FailureRateLimited,
		"50013": adapter.FailureTransient,
		"50113": adapter.FailureAuth,
		"60009": adapter.FailureAuth,
		"51000": adapter.FailureFatal,
	}
	for code, want := range cases {
		if got := classifyBodyCode(code); got != want {
			t.Errorf("code %s classified %s, want %s", code, got, want)
		}
	}
}
