package models

import (
	"fmt"
	"time"
)

// EventKind identifies the canonical event family carried on the bus.
type EventKind string

const (
	EventKindOrderbook EventKind = "orderbook"
	EventKindKline     EventKind = "kline"
	EventKindTrade     EventKind = "trade"
	EventKindAsset     EventKind = "asset"
	EventKindOrder     EventKind = "order"
	EventKindPosition  EventKind = "position"
)

// MustDeliver reports whether events of this kind may never be dropped
// by the publisher. Market data is stale tolerant; order and position
// updates are not.
func (k EventKind) MustDeliver() bool {
	return k == EventKindOrder || k == EventKindPosition
}

// Event is the envelope every canonical record is published in.
// Subject is the symbol for market events and the account for
// asset/order/position events.
type Event struct {
	Kind      EventKind   `json:"kind"`
	Platform  string      `json:"platform"`
	Subject   string      `json:"subject"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// RoutingKey returns the deterministic bus routing key
// {platform}.{symbol-or-account}.{kind}.
func (e Event) RoutingKey() string {
	return fmt.Sprintf("%s.%s.%s", e.Platform, e.Subject, e.Kind)
}
