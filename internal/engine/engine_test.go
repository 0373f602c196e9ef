package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"quantbridge/config"
	"quantbridge/models"
)

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

func (s *captureSink) orders() []models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Order
	for _, e := range s.events {
		if e.Kind == models.EventKindOrder {
			out = append(out, e.Payload.(models.Order))
		}
	}
	return out
}

type fakeTrader struct {
	creates   int64
	cancels   int64
	createErr error
	delay     time.Duration
	queryResp *models.OrderUpdate
}

func (t *fakeTrader) CreateOrder(ctx context.Context, order *models.Order) (string, error) {
	atomic.AddInt64(&t.creates, 1)
	if t.delay > 0 {
		time.Sleep(t.delay)
	}
	if t.createErr != nil {
		return "", t.createErr
	}
	return "ex-" + order.ClientID, nil
}

func (t *fakeTrader) CancelOrder(ctx context.Context, order *models.Order) error {
	atomic.AddInt64(&t.cancels, 1)
	return nil
}

func (t *fakeTrader) QueryOrder(ctx context.Context, order *models.Order) (*models.OrderUpdate, error) {
	return t.queryResp, nil
}

func testEngine(trader Trader) (*Engine, *captureSink) {
	cfg := &config.Config{}
	cfg.Engine.OrderPollInterval = time.Hour
	sink := &captureSink{}
	e := NewEngine(cfg, sink)
	e.RegisterTrader("binance", trader)
	return e, sink
}

func testRequest() models.Order {
	return models.Order{
		Platform: "binance",
		Account:  "main",
		Symbol:   "BTCUSDT",
		ClientID: "c-1",
		Side:     models.SideBuy,
		Price:    decimal.NewFromInt(100),
		Quantity: decimal.NewFromInt(2),
	}
}

func TestCreateOrderGeneratesClientID(t *testing.T) {
	e, _ := testEngine(&fakeTrader{})
	req := testRequest()
	req.ClientID = ""

	order, err := e.CreateOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if order.ClientID == "" {
		t.Fatalf("expected generated client id")
	}
	if order.ExchangeID != "ex-"+order.ClientID {
		t.Fatalf("unexpected exchange id %q", order.ExchangeID)
	}
	if order.Status != models.OrderStatusSubmitted {
		t.Fatalf("expected submitted, got %s", order.Status)
	}
}

func TestCreateOrderIdempotentUnderConcurrency(t *testing.T) {
	trader := &fakeTrader{delay: 20 * time.Millisecond}
	e, _ := testEngine(trader)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.CreateOrder(context.Background(), testRequest()); err != nil {
				t.Errorf("create failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&trader.creates); got != 1 {
		t.Fatalf("expected exactly 1 exchange submission, got %d", got)
	}
}

func TestCreateOrderFailurePublishesFailed(t *testing.T) {
	trader := &fakeTrader{createErr: errors.New("insufficient margin")}
	e, sink := testEngine(trader)

	order, err := e.CreateOrder(context.Background(), testRequest())
	if err == nil {
		t.Fatalf("expected error")
	}
	if order.Status != models.OrderStatusFailed {
		t.Fatalf("expected failed, got %s", order.Status)
	}
	orders := sink.orders()
	if len(orders) != 1 || orders[0].Status != models.OrderStatusFailed {
		t.Fatalf("expected one failed order event, got %+v", orders)
	}
	if _, ok := e.GetOrder("binance", "main", "c-1"); ok {
		t.Fatalf("failed order should not remain tracked")
	}
}

func TestHandleUpdateLifecycle(t *testing.T) {
	e, sink := testEngine(&fakeTrader{})
	if _, err := e.CreateOrder(context.Background(), testRequest()); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	update := models.OrderUpdate{
		Platform: "binance",
		Account:  "main",
		Symbol:   "BTCUSDT",
		ClientID: "c-1",
		Status:   models.OrderStatusPartiallyFilled,
		Filled:   decimal.NewFromInt(1),
		AvgPrice: decimal.NewFromInt(100),
	}
	e.HandleUpdate(update)

	// Exact duplicate publishes nothing.
	e.HandleUpdate(update)

	// A stale lower cumulative fill is dropped.
	stale := update
	stale.Filled = decimal.NewFromFloat(0.5)
	e.HandleUpdate(stale)

	update.Status = models.OrderStatusFilled
	update.Filled = decimal.NewFromInt(2)
	e.HandleUpdate(update)

	orders := sink.orders()
	if len(orders) != 3 {
		t.Fatalf("expected 3 order events (submitted, partial, filled), got %d", len(orders))
	}
	final := orders[2]
	if final.Status != models.OrderStatusFilled || !final.Filled.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("unexpected final state: %+v", final)
	}

	// Terminal removes the order from tracking.
	if _, ok := e.GetOrder("binance", "main", "c-1"); ok {
		t.Fatalf("filled order should not remain tracked")
	}

	// Updates after terminal are ignored.
	e.HandleUpdate(update)
	if got := len(sink.orders()); got != 3 {
		t.Fatalf("expected no event after terminal, got %d", got)
	}
}

func TestHandleUpdateMatchesByExchangeID(t *testing.T) {
	e, sink := testEngine(&fakeTrader{})
	if _, err := e.CreateOrder(context.Background(), testRequest()); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	e.HandleUpdate(models.OrderUpdate{
		Platform:   "binance",
		Account:    "main",
		Symbol:     "BTCUSDT",
		ExchangeID: "ex-c-1",
		Status:     models.OrderStatusCanceled,
		Filled:     decimal.Zero,
	})

	orders := sink.orders()
	last := orders[len(orders)-1]
	if last.ClientID != "c-1" || last.Status != models.OrderStatusCanceled {
		t.Fatalf("expected cancel matched by exchange id, got %+v", last)
	}
}

func TestCancelTerminalOrderNoop(t *testing.T) {
	trader := &fakeTrader{}
	e, _ := testEngine(trader)
	if _, err := e.CreateOrder(context.Background(), testRequest()); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	e.HandleUpdate(models.OrderUpdate{
		Platform: "binance",
		Account:  "main",
		ClientID: "c-1",
		Status:   models.OrderStatusFilled,
		Filled:   decimal.NewFromInt(2),
	})

	if err := e.CancelOrder(context.Background(), "binance", "main", "c-1"); err != nil {
		t.Fatalf("cancel of terminal order should be a no-op, got %v", err)
	}
	if got := atomic.LoadInt64(&trader.cancels); got != 0 {
		t.Fatalf("expected no exchange cancel, got %d", got)
	}
}

func TestPollReconcilesLiveOrders(t *testing.T) {
	trader := &fakeTrader{}
	e, sink := testEngine(trader)
	if _, err := e.CreateOrder(context.Background(), testRequest()); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	trader.queryResp = &models.OrderUpdate{
		Platform: "binance",
		Account:  "main",
		Symbol:   "BTCUSDT",
		ClientID: "c-1",
		Status:   models.OrderStatusFilled,
		Filled:   decimal.NewFromInt(2),
		AvgPrice: decimal.NewFromInt(100),
	}
	e.Resync(context.Background())

	orders := sink.orders()
	last := orders[len(orders)-1]
	if last.Status != models.OrderStatusFilled {
		t.Fatalf("expected poll to reconcile fill, got %+v", last)
	}
}

func TestStatusNeverRegresses(t *testing.T) {
	e, sink := testEngine(&fakeTrader{})
	if _, err := e.CreateOrder(context.Background(), testRequest()); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	e.HandleUpdate(models.OrderUpdate{
		Platform: "binance",
		Account:  "main",
		ClientID: "c-1",
		Status:   models.OrderStatusPartiallyFilled,
		Filled:   decimal.NewFromInt(1),
	})
	// Late accepted push with a newer fill keeps the later status.
	e.HandleUpdate(models.OrderUpdate{
		Platform: "binance",
		Account:  "main",
		ClientID: "c-1",
		Status:   models.OrderStatusAccepted,
		Filled:   decimal.NewFromFloat(1.5),
	})

	orders := sink.orders()
	last := orders[len(orders)-1]
	if last.Status != models.OrderStatusPartiallyFilled {
		t.Fatalf("status regressed: %+v", last)
	}
	if !last.Filled.Equal(decimal.NewFromFloat(1.5)) {
		t.Fatalf("expected fill applied, got %s", last.Filled)
	}
}

func TestHandleUpdateMatchesRewrittenClientID(t *testing.T) {
	e, sink := testEngine(&fakeTrader{})
	if _, err := e.CreateOrder(context.Background(), testRequest()); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// Okx strips the uuid dashes before sending the client order id,
	// so the push comes back under a different spelling. The exchange
	// id still identifies the order.
	e.HandleUpdate(models.OrderUpdate{
		Platform:   "binance",
		Account:    "main",
		Symbol:     "BTCUSDT",
		ClientID:   "c1",
		ExchangeID: "ex-c-1",
		Status:     models.OrderStatusFilled,
		Filled:     decimal.NewFromInt(2),
	})

	orders := sink.orders()
	last := orders[len(orders)-1]
	if last.ClientID != "c-1" || last.Status != models.OrderStatusFilled {
		t.Fatalf("expected fill matched by exchange id, got %+v", last)
	}
	if _, ok := e.GetOrder("binance", "main", "c-1"); ok {
		t.Fatalf("terminal order should be untracked")
	}
}

func TestDisallowedTransitionsIgnored(t *testing.T) {
	e, sink := testEngine(&fakeTrader{})
	if _, err := e.CreateOrder(context.Background(), testRequest()); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	e.HandleUpdate(models.OrderUpdate{
		Platform: "binance",
		Account:  "main",
		ClientID: "c-1",
		Status:   models.OrderStatusAccepted,
	})
	// Rejection only answers the initial submission.
	e.HandleUpdate(models.OrderUpdate{
		Platform: "binance",
		Account:  "main",
		ClientID: "c-1",
		Status:   models.OrderStatusRejected,
	})
	order, ok := e.GetOrder("binance", "main", "c-1")
	if !ok || order.Status != models.OrderStatusAccepted {
		t.Fatalf("expected accepted order to survive late reject, got %+v", order)
	}

	e.HandleUpdate(models.OrderUpdate{
		Platform: "binance",
		Account:  "main",
		ClientID: "c-1",
		Status:   models.OrderStatusPartiallyFilled,
		Filled:   decimal.NewFromInt(1),
	})
	// A failure cannot replace an order that already traded.
	e.HandleUpdate(models.OrderUpdate{
		Platform: "binance",
		Account:  "main",
		ClientID: "c-1",
		Status:   models.OrderStatusFailed,
		Filled:   decimal.NewFromInt(1),
	})
	order, ok = e.GetOrder("binance", "main", "c-1")
	if !ok || order.Status != models.OrderStatusPartiallyFilled {
		t.Fatalf("expected partial fill to survive late failure, got %+v", order)
	}

	for _, o := range sink.orders() {
		if o.Status == models.OrderStatusRejected || o.Status == models.OrderStatusFailed {
			t.Fatalf("disallowed transition published: %+v", o)
		}
	}
}
