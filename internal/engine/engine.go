package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"quantbridge/config"
	"quantbridge/internal/adapter"
	"quantbridge/logger"
	"quantbridge/models"
)

// Trader is the exchange-side order surface a platform driver
// implements. All calls go through the driver's request scheduler.
type Trader interface {
	// CreateOrder submits the order and returns the exchange order id.
	CreateOrder(ctx context.Context, order *models.Order) (string, error)
	// CancelOrder requests cancellation of a live order.
	CancelOrder(ctx context.Context, order *models.Order) error
	// QueryOrder fetches the current exchange-side state of an order.
	QueryOrder(ctx context.Context, order *models.Order) (*models.OrderUpdate, error)
}

// Sink receives order and position events.
type Sink interface {
	Publish(event models.Event) error
}

// statusRank orders lifecycle states so that stale pushes arriving out
// of order never move an order backwards.
func statusRank(s models.OrderStatus) int {
	switch s {
	case models.OrderStatusSubmitted:
		return 0
	case models.OrderStatusAccepted:
		return 1
	case models.OrderStatusPartiallyFilled:
		return 2
	default:
		return 3
	}
}

// transitionAllowed rejects the edges the lifecycle machine excludes:
// a rejection only answers the initial submission, and a failure only
// replaces an order that never traded.
func transitionAllowed(from, to models.OrderStatus) bool {
	switch to {
	case models.OrderStatusRejected:
		return from == models.OrderStatusSubmitted
	case models.OrderStatusFailed:
		return from == models.OrderStatusSubmitted || from == models.OrderStatusAccepted
	default:
		return true
	}
}

type managedOrder struct {
	order models.Order
}

// Engine owns the authoritative order state. One record exists per
// client id; the client id doubles as the idempotency key for
// submission, so retried creates never reach the exchange twice.
type Engine struct {
	cfg  *config.Config
	sink Sink

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Log

	traders map[string]Trader
	orders  map[string]*managedOrder
}

func NewEngine(cfg *config.Config, sink Sink) *Engine {
	return &Engine{
		cfg:     cfg,
		sink:    sink,
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger(),
		traders: make(map[string]Trader),
		orders:  make(map[string]*managedOrder),
	}
}

// RegisterTrader installs the exchange surface for a platform. Called
// by the platform driver before Start.
func (e *Engine) RegisterTrader(platform string, t Trader) {
	e.mu.Lock()
	e.traders[platform] = t
	e.mu.Unlock()
}

func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.running = true
	e.ctx = ctx
	e.mu.Unlock()

	log := e.log.WithComponent("engine")
	log.Info("starting order engine")

	e.wg.Add(1)
	go e.pollLoop()

	log.Info("order engine started successfully")
	return nil
}

func (e *Engine) Stop() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()

	e.log.WithComponent("engine").Info("stopping order engine")
	e.wg.Wait()
	e.log.WithComponent("engine").Info("order engine stopped")
}

func orderKey(platform, account, clientID string) string {
	return platform + ":" + account + ":" + clientID
}

// CreateOrder submits one order. The client id is the idempotency key:
// a second call with the same id returns the tracked order without
// touching the exchange, whatever state the first attempt is in.
func (e *Engine) CreateOrder(ctx context.Context, req models.Order) (models.Order, error) {
	if req.ClientID == "" {
		req.ClientID = uuid.NewString()
	}

	e.mu.Lock()
	trader, ok := e.traders[req.Platform]
	if !ok {
		e.mu.Unlock()
		return models.Order{}, fmt.Errorf("no trader registered for platform %q", req.Platform)
	}
	key := orderKey(req.Platform, req.Account, req.ClientID)
	if existing, ok := e.orders[key]; ok {
		order := existing.order
		e.mu.Unlock()
		return order, nil
	}

	now := time.Now()
	req.Status = models.OrderStatusSubmitted
	req.CreatedAt = now
	req.UpdatedAt = now
	managed := &managedOrder{order: req}
	e.orders[key] = managed
	e.mu.Unlock()

	log := e.log.WithComponent("engine").WithFields(logger.Fields{
		"platform":  req.Platform,
		"account":   req.Account,
		"symbol":    req.Symbol,
		"client_id": req.ClientID,
	})

	exchangeID, err := trader.CreateOrder(ctx, &req)

	e.mu.Lock()
	if err != nil {
		managed.order.Status = models.OrderStatusFailed
		managed.order.UpdatedAt = time.Now()
		order := managed.order
		delete(e.orders, key)
		e.mu.Unlock()

		log.WithError(err).Error("order submission failed")
		e.publishOrder(order)
		return order, err
	}
	managed.order.ExchangeID = exchangeID
	managed.order.UpdatedAt = time.Now()
	order := managed.order
	e.mu.Unlock()

	log.WithFields(logger.Fields{"exchange_id": exchangeID}).Info("order submitted")
	e.publishOrder(order)
	return order, nil
}

// CancelOrder requests cancellation. Cancel of an order already in a
// terminal state is a no-op; the terminal event has already been
// published.
func (e *Engine) CancelOrder(ctx context.Context, platform, account, clientID string) error {
	e.mu.Lock()
	trader, ok := e.traders[platform]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("no trader registered for platform %q", platform)
	}
	managed, ok := e.orders[orderKey(platform, account, clientID)]
	if !ok || managed.order.Status.Terminal() {
		e.mu.Unlock()
		return nil
	}
	order := managed.order
	e.mu.Unlock()

	if err := trader.CancelOrder(ctx, &order); err != nil {
		e.log.WithComponent("engine").WithError(err).WithFields(logger.Fields{
			"platform":  platform,
			"client_id": clientID,
		}).Error("order cancel failed")
		return err
	}
	return nil
}

// GetOrder returns the tracked state of an order.
func (e *Engine) GetOrder(platform, account, clientID string) (models.Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	managed, ok := e.orders[orderKey(platform, account, clientID)]
	if !ok {
		return models.Order{}, false
	}
	return managed.order, true
}

// HandleUpdate applies one exchange-side order change, from the user
// data stream or the fallback poller. Terminal orders never move
// again, the cumulative fill never decreases, and a duplicate of the
// current state publishes nothing.
func (e *Engine) HandleUpdate(u models.OrderUpdate) {
	e.mu.Lock()
	key := orderKey(u.Platform, u.Account, u.ClientID)
	managed, ok := e.orders[key]
	if !ok {
		// Drivers may rewrite the client id into the platform's wire
		// format (okx strips the uuid dashes), so any missed lookup
		// falls back to the exchange order id.
		key, managed, ok = e.findByExchangeID(u.Platform, u.Account, u.ExchangeID)
	}
	if !ok {
		e.mu.Unlock()
		e.log.WithComponent("engine").WithFields(logger.Fields{
			"platform":    u.Platform,
			"client_id":   u.ClientID,
			"exchange_id": u.ExchangeID,
		}).Debug("update for unknown order ignored")
		return
	}

	order := &managed.order
	if order.Status.Terminal() {
		e.mu.Unlock()
		return
	}
	if u.Filled.LessThan(order.Filled) {
		e.mu.Unlock()
		return // stale cumulative fill
	}
	if u.Filled.Equal(order.Filled) && statusRank(u.Status) <= statusRank(order.Status) {
		e.mu.Unlock()
		return // duplicate push
	}
	if !transitionAllowed(order.Status, u.Status) {
		e.mu.Unlock()
		e.log.WithComponent("engine").WithFields(logger.Fields{
			"platform":  u.Platform,
			"client_id": order.ClientID,
			"from":      order.Status,
			"to":        u.Status,
		}).Warn("disallowed status transition ignored")
		return
	}

	if statusRank(u.Status) >= statusRank(order.Status) {
		order.Status = u.Status
	}
	order.Filled = u.Filled
	if !u.AvgPrice.IsZero() {
		order.AvgPrice = u.AvgPrice
	}
	if order.ExchangeID == "" {
		order.ExchangeID = u.ExchangeID
	}
	if u.Timestamp.IsZero() {
		order.UpdatedAt = time.Now()
	} else {
		order.UpdatedAt = u.Timestamp
	}

	snapshot := *order
	if snapshot.Status.Terminal() {
		delete(e.orders, key)
	}
	e.mu.Unlock()

	e.log.WithComponent("engine").WithFields(logger.Fields{
		"platform":  snapshot.Platform,
		"account":   snapshot.Account,
		"client_id": snapshot.ClientID,
		"status":    snapshot.Status,
		"filled":    snapshot.Filled,
	}).Info("order updated")
	e.publishOrder(snapshot)
}

// HandlePosition forwards a position push from a platform driver.
func (e *Engine) HandlePosition(p models.Position) {
	event := models.Event{
		Kind:      models.EventKindPosition,
		Platform:  p.Platform,
		Subject:   p.Account,
		Payload:   p,
		Timestamp: p.Timestamp,
	}
	if err := e.sink.Publish(event); err != nil {
		e.log.WithComponent("engine").WithError(err).Error("failed to publish position")
	}
}

// Resync queries every tracked live order immediately. Platform
// drivers call this after a private stream reconnect, when pushes may
// have been missed.
func (e *Engine) Resync(ctx context.Context) {
	e.pollOnce(ctx)
}

// pollLoop is the fallback for lost pushes: every poll interval each
// tracked live order is queried directly and reconciled through the
// same update path as the stream.
func (e *Engine) pollLoop() {
	defer e.wg.Done()

	interval := e.cfg.Engine.OrderPollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.pollOnce(e.ctx)
		}
	}
}

func (e *Engine) pollOnce(ctx context.Context) {
	e.mu.Lock()
	type pending struct {
		trader Trader
		order  models.Order
	}
	var live []pending
	for _, managed := range e.orders {
		if managed.order.Status.Terminal() || managed.order.ExchangeID == "" {
			continue
		}
		trader, ok := e.traders[managed.order.Platform]
		if !ok {
			continue
		}
		live = append(live, pending{trader: trader, order: managed.order})
	}
	e.mu.Unlock()

	for _, p := range live {
		update, err := p.trader.QueryOrder(ctx, &p.order)
		if err != nil {
			e.log.WithComponent("engine").WithError(err).WithFields(logger.Fields{
				"platform":  p.order.Platform,
				"client_id": p.order.ClientID,
			}).Warn("order query failed")
			if adapter.IsRateLimited(err) {
				// The scheduler is saturated; the rest of the cycle
				// would only queue behind the same limiter.
				return
			}
			continue
		}
		if update != nil {
			e.HandleUpdate(*update)
		}
	}
}

func (e *Engine) findByExchangeID(platform, account, exchangeID string) (string, *managedOrder, bool) {
	if exchangeID == "" {
		return "", nil, false
	}
	for key, managed := range e.orders {
		o := managed.order
		if o.Platform == platform && o.Account == account && o.ExchangeID == exchangeID {
			return key, managed, true
		}
	}
	return "", nil, false
}

func (e *Engine) publishOrder(order models.Order) {
	event := models.Event{
		Kind:      models.EventKindOrder,
		Platform:  order.Platform,
		Subject:   order.Account,
		Payload:   order,
		Timestamp: order.UpdatedAt,
	}
	if err := e.sink.Publish(event); err != nil {
		e.log.WithComponent("engine").WithError(err).Error("failed to publish order")
	}
}
