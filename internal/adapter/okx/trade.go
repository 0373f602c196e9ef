package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"quantbridge/internal/adapter"
	"quantbridge/internal/symbols"
	"quantbridge/models"
)

const (
	orderPath       = "/api/v5/trade/order"
	cancelOrderPath = "/api/v5/trade/cancel-order"
	balancePath     = "/api/v5/account/balance"
)

// signedRequest issues one authenticated REST call through the
// scheduler. The signature covers the ISO timestamp, the method, the
// path with its encoded query and the raw body.
func (d *Driver) signedRequest(ctx context.Context, op, key, method, path string, query url.Values, body []byte) ([]byte, error) {
	future, err := d.sched.Submit(ctx, op, key, func(ctx context.Context) (interface{}, error) {
		requestPath := path
		if len(query) > 0 {
			requestPath += "?" + query.Encode()
		}
		ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
		sign := adapter.SignBase64(d.account.SecretKey, ts+method+requestPath+string(body))

		headers := http.Header{}
		headers.Set("OK-ACCESS-KEY", d.account.AccessKey)
		headers.Set("OK-ACCESS-SIGN", sign)
		headers.Set("OK-ACCESS-TIMESTAMP", ts)
		headers.Set("OK-ACCESS-PASSPHRASE", d.account.Passphrase)
		headers.Set("Content-Type", "application/json")

		return d.rest.Do(ctx, method, path, query, headers, body)
	})
	if err != nil {
		return nil, err
	}
	value, err := future.Wait(ctx)
	if err != nil {
		return nil, err
	}
	data := value.([]byte)

	var env restEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode okx response: %w", err)
	}
	if env.Code != "0" {
		return nil, &adapter.APIError{
			Kind:     classifyBodyCode(env.Code),
			Platform: Platform,
			Code:     env.Code,
			Message:  env.Msg,
		}
	}
	return data, nil
}

// CreateOrder submits a limit order, reusing the engine's client id as
// the okx client order id so a replay is rejected exchange side too.
func (d *Driver) CreateOrder(ctx context.Context, order *models.Order) (string, error) {
	body, err := json.Marshal(map[string]string{
		"instId":  symbols.ToPlatform(Platform, order.Symbol),
		"tdMode":  "cash",
		"clOrdId": clientOrderID(order.ClientID),
		"side":    string(order.Side),
		"ordType": "limit",
		"px":      order.Price.String(),
		"sz":      order.Quantity.String(),
	})
	if err != nil {
		return "", err
	}

	data, err := d.signedRequest(ctx, "create_order", order.ClientID, http.MethodPost, orderPath, nil, body)
	if err != nil {
		return "", err
	}

	acks, err := decodeOrderAcks(data)
	if err != nil {
		return "", err
	}
	if len(acks) == 0 {
		return "", fmt.Errorf("okx returned no order ack")
	}
	if acks[0].SCode != "" && acks[0].SCode != "0" {
		return "", &adapter.APIError{
			Kind:     classifyBodyCode(acks[0].SCode),
			Platform: Platform,
			Code:     acks[0].SCode,
			Message:  acks[0].SMsg,
		}
	}
	return acks[0].OrdID, nil
}

func (d *Driver) CancelOrder(ctx context.Context, order *models.Order) error {
	body, err := json.Marshal(map[string]string{
		"instId": symbols.ToPlatform(Platform, order.Symbol),
		"ordId":  order.ExchangeID,
	})
	if err != nil {
		return err
	}
	_, err = d.signedRequest(ctx, "cancel_order", order.ClientID, http.MethodPost, cancelOrderPath, nil, body)
	return err
}

func (d *Driver) QueryOrder(ctx context.Context, order *models.Order) (*models.OrderUpdate, error) {
	query := url.Values{}
	query.Set("instId", symbols.ToPlatform(Platform, order.Symbol))
	query.Set("ordId", order.ExchangeID)

	data, err := d.signedRequest(ctx, "query_order", order.ClientID, http.MethodGet, orderPath, query, nil)
	if err != nil {
		return nil, err
	}

	var wrapper struct {
		Data []orderData `json:"data"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("decode okx order: %w", err)
	}
	if len(wrapper.Data) == 0 {
		return nil, nil
	}
	entry := wrapper.Data[0]
	return &models.OrderUpdate{
		Platform:   Platform,
		Account:    order.Account,
		Symbol:     order.Symbol,
		ClientID:   order.ClientID,
		ExchangeID: entry.OrdID,
		Status:     mapOrderStatus(entry.State),
		Filled:     parseDecimal(entry.AccFillSz),
		AvgPrice:   parseDecimal(entry.AvgPx),
		Timestamp:  parseMillis(entry.UTime),
	}, nil
}

// FetchAssets retrieves the account balances.
func (d *Driver) FetchAssets(ctx context.Context, account string) (*models.AssetSnapshot, error) {
	data, err := d.signedRequest(ctx, "fetch_assets", account, http.MethodGet, balancePath, nil, nil)
	if err != nil {
		return nil, err
	}

	var wrapper struct {
		Data []balanceData `json:"data"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("decode okx balances: %w", err)
	}

	snapshot := &models.AssetSnapshot{
		Platform:  Platform,
		Account:   account,
		Balances:  make(map[string]models.Balance),
		Timestamp: time.Now(),
	}
	for _, entry := range wrapper.Data {
		for _, detail := range entry.Details {
			total := parseDecimal(detail.Eq)
			free := parseDecimal(detail.AvailBal)
			locked := parseDecimal(detail.FrozenBal)
			if total.IsZero() {
				total = free.Add(locked)
			}
			if total.IsZero() {
				continue
			}
			snapshot.Balances[detail.Ccy] = models.Balance{
				Free:   free,
				Locked: locked,
				Total:  total,
			}
		}
	}
	return snapshot, nil
}

func decodeOrderAcks(data []byte) ([]orderAck, error) {
	var wrapper struct {
		Data []orderAck `json:"data"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("decode okx order ack: %w", err)
	}
	return wrapper.Data, nil
}

// clientOrderID strips the uuid dashes: okx client order ids must be
// alphanumeric and at most 32 characters.
func clientOrderID(id string) string {
	out := make([]byte, 0, len(id))
	for i := 0; i < len(id); i++ {
		c := id[i]
		if c == '-' {
			continue
		}
		out = append(out, c)
	}
	if len(out) > 32 {
		out = out[:32]
	}
	return string(out)
}
