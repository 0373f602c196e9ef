package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusAccepted        OrderStatus = "accepted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusFailed          OrderStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusFailed:
		return true
	default:
		return false
	}
}

// Order is the engine's authoritative view of one order. Exactly one
// instance exists per client id for the lifetime of that order; the
// client id doubles as the idempotency key for submission.
type Order struct {
	Platform   string          `json:"platform"`
	Account    string          `json:"account"`
	Symbol     string          `json:"symbol"`
	ClientID   string          `json:"client_id"`
	ExchangeID string          `json:"exchange_id,omitempty"`
	Side       Side            `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	Filled     decimal.Decimal `json:"filled"`
	AvgPrice   decimal.Decimal `json:"avg_price"`
	Status     OrderStatus     `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// OrderUpdate is an exchange-side order change, delivered by push or
// produced by the fallback open-order poller. Filled is cumulative.
type OrderUpdate struct {
	Platform   string
	Account    string
	Symbol     string
	ClientID   string
	ExchangeID string
	Status     OrderStatus
	Filled     decimal.Decimal
	AvgPrice   decimal.Decimal
	Timestamp  time.Time
}
