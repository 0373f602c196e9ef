package binance

import (
	"context"
	"strconv"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"

	"quantbridge/logger"
	"quantbridge/models"
)

// CreateOrder submits a GTC limit order, reusing the engine's client
// id as the binance client order id so a replayed submit is rejected
// exchange side too.
func (d *Driver) CreateOrder(ctx context.Context, order *models.Order) (string, error) {
	future, err := d.sched.Submit(ctx, "create_order", order.ClientID, func(ctx context.Context) (interface{}, error) {
		return d.client.NewCreateOrderService().
			Symbol(order.Symbol).
			Side(mapSide(order.Side)).
			Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(order.Price.String()).
			Quantity(order.Quantity.String()).
			NewClientOrderID(order.ClientID).
			Do(ctx)
	})
	if err != nil {
		return "", err
	}
	value, err := future.Wait(ctx)
	if err != nil {
		return "", err
	}
	res := value.(*futures.CreateOrderResponse)
	return strconv.FormatInt(res.OrderID, 10), nil
}

func (d *Driver) CancelOrder(ctx context.Context, order *models.Order) error {
	future, err := d.sched.Submit(ctx, "cancel_order", order.ClientID, func(ctx context.Context) (interface{}, error) {
		return d.client.NewCancelOrderService().
			Symbol(order.Symbol).
			OrigClientOrderID(order.ClientID).
			Do(ctx)
	})
	if err != nil {
		return err
	}
	_, err = future.Wait(ctx)
	return err
}

func (d *Driver) QueryOrder(ctx context.Context, order *models.Order) (*models.OrderUpdate, error) {
	future, err := d.sched.Submit(ctx, "query_order", order.ClientID, func(ctx context.Context) (interface{}, error) {
		return d.client.NewGetOrderService().
			Symbol(order.Symbol).
			OrigClientOrderID(order.ClientID).
			Do(ctx)
	})
	if err != nil {
		return nil, err
	}
	value, err := future.Wait(ctx)
	if err != nil {
		return nil, err
	}
	res := value.(*futures.Order)
	return &models.OrderUpdate{
		Platform:   Platform,
		Account:    order.Account,
		Symbol:     order.Symbol,
		ClientID:   order.ClientID,
		ExchangeID: strconv.FormatInt(res.OrderID, 10),
		Status:     mapOrderStatus(res.Status),
		Filled:     parseDecimal(res.ExecutedQuantity),
		AvgPrice:   parseDecimal(res.AvgPrice),
		Timestamp:  time.UnixMilli(res.UpdateTime),
	}, nil
}

// FetchAssets retrieves the futures wallet balances.
func (d *Driver) FetchAssets(ctx context.Context, account string) (*models.AssetSnapshot, error) {
	future, err := d.sched.Submit(ctx, "fetch_assets", account, func(ctx context.Context) (interface{}, error) {
		return d.client.NewGetBalanceService().Do(ctx)
	})
	if err != nil {
		return nil, err
	}
	value, err := future.Wait(ctx)
	if err != nil {
		return nil, err
	}
	balances := value.([]*futures.Balance)

	snapshot := &models.AssetSnapshot{
		Platform:  Platform,
		Account:   account,
		Balances:  make(map[string]models.Balance),
		Timestamp: time.Now(),
	}
	for _, entry := range balances {
		total := parseDecimal(entry.Balance)
		if total.IsZero() {
			continue
		}
		free := parseDecimal(entry.AvailableBalance)
		snapshot.Balances[entry.Asset] = models.Balance{
			Free:   free,
			Locked: total.Sub(free),
			Total:  total,
		}
	}
	return snapshot, nil
}

// runUserStream keeps the private push stream alive: obtain a listen
// key, serve it, keep it alive every half hour, start over when the
// stream or the key dies. The engine resyncs after every restart.
func (d *Driver) runUserStream() {
	defer d.wg.Done()

	log := d.log.WithComponent("binance_driver").WithFields(logger.Fields{"stream": "user_data"})
	b := d.reconnectBackoff()

	for {
		if d.ctx.Err() != nil {
			return
		}

		listenKey, err := d.client.NewStartUserStreamService().Do(d.ctx)
		if err != nil {
			delay := b.Duration()
			log.WithError(err).WithFields(logger.Fields{"delay": delay.String()}).Warn("listen key request failed")
			select {
			case <-d.ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		doneC, stopC, err := futures.WsUserDataServe(listenKey, d.handleUserEvent, func(err error) {
			if err != nil {
				log.WithError(err).Warn("user stream error")
			}
		})
		if err != nil {
			delay := b.Duration()
			log.WithError(err).WithFields(logger.Fields{"delay": delay.String()}).Warn("user stream subscribe failed")
			select {
			case <-d.ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		b.Reset()
		log.Info("user stream connected")

		// Pushes missed while disconnected are reconciled directly.
		d.engine.Resync(d.ctx)

		keepalive := time.NewTicker(30 * time.Minute)
	serve:
		for {
			select {
			case <-d.ctx.Done():
				keepalive.Stop()
				close(stopC)
				<-doneC
				return
			case <-doneC:
				keepalive.Stop()
				log.Warn("user stream closed, restarting")
				break serve
			case <-keepalive.C:
				if err := d.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(d.ctx); err != nil {
					log.WithError(err).Warn("listen key keepalive failed")
				}
			}
		}
	}
}

func (d *Driver) handleUserEvent(event *futures.WsUserDataEvent) {
	switch event.Event {
	case futures.UserDataEventTypeOrderTradeUpdate:
		u := event.OrderTradeUpdate
		d.engine.HandleUpdate(models.OrderUpdate{
			Platform:   Platform,
			Account:    d.account.Name,
			Symbol:     u.Symbol,
			ClientID:   u.ClientOrderID,
			ExchangeID: strconv.FormatInt(u.ID, 10),
			Status:     mapOrderStatus(u.Status),
			Filled:     parseDecimal(u.AccumulatedFilledQty),
			AvgPrice:   parseDecimal(u.AveragePrice),
			Timestamp:  time.UnixMilli(event.Time),
		})
	case futures.UserDataEventTypeAccountUpdate:
		for _, pos := range event.AccountUpdate.Positions {
			amount := parseDecimal(pos.Amount)
			side := models.SideBuy
			if amount.IsNegative() {
				side = models.SideSell
				amount = amount.Neg()
			}
			d.engine.HandlePosition(models.Position{
				Platform:      Platform,
				Account:       d.account.Name,
				Symbol:        pos.Symbol,
				Side:          side,
				Quantity:      amount,
				EntryPrice:    parseDecimal(pos.EntryPrice),
				UnrealizedPnL: parseDecimal(pos.UnrealizedPnL),
				Timestamp:     time.UnixMilli(event.Time),
			})
		}
	}
}
