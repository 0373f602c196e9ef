package okx

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"quantbridge/internal/adapter"
	"quantbridge/internal/symbols"
	"quantbridge/models"
)

// wsRequest is the generic okx websocket op frame.
type wsRequest struct {
	Op   string        `json:"op"`
	Args []interface{} `json:"args"`
}

type channelArg struct {
	Channel  string `json:"channel"`
	InstType string `json:"instType,omitempty"`
	InstID   string `json:"instId,omitempty"`
}

type loginArg struct {
	APIKey     string `json:"apiKey"`
	Passphrase string `json:"passphrase"`
	Timestamp  string `json:"timestamp"`
	Sign       string `json:"sign"`
}

// wsMessage is the envelope of every inbound okx frame.
type wsMessage struct {
	Event  string          `json:"event,omitempty"`
	Code   string          `json:"code,omitempty"`
	Msg    string          `json:"msg,omitempty"`
	Action string          `json:"action,omitempty"`
	Arg    channelArg      `json:"arg,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type bookData struct {
	Asks      [][]string `json:"asks"`
	Bids      [][]string `json:"bids"`
	Ts        string     `json:"ts"`
	SeqID     int64      `json:"seqId"`
	PrevSeqID int64      `json:"prevSeqId"`
}

type tradeData struct {
	InstID  string `json:"instId"`
	TradeID string `json:"tradeId"`
	Px      string `json:"px"`
	Sz      string `json:"sz"`
	Side    string `json:"side"`
	Ts      string `json:"ts"`
}

type orderData struct {
	InstID    string `json:"instId"`
	OrdID     string `json:"ordId"`
	ClOrdID   string `json:"clOrdId"`
	State     string `json:"state"`
	Side      string `json:"side"`
	AccFillSz string `json:"accFillSz"`
	AvgPx     string `json:"avgPx"`
	UTime     string `json:"uTime"`
}

type positionData struct {
	InstID  string `json:"instId"`
	PosSide string `json:"posSide"`
	Pos     string `json:"pos"`
	AvgPx   string `json:"avgPx"`
	Upl     string `json:"upl"`
	UTime   string `json:"uTime"`
}

type balanceDetail struct {
	Ccy       string `json:"ccy"`
	AvailBal  string `json:"availBal"`
	FrozenBal string `json:"frozenBal"`
	Eq        string `json:"eq"`
}

type balanceData struct {
	Details []balanceDetail `json:"details"`
}

// restEnvelope is the okx REST response wrapper; code "0" is success.
type restEnvelope struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

type orderAck struct {
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	SCode   string `json:"sCode"`
	SMsg    string `json:"sMsg"`
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseMillis(s string) time.Time {
	if s == "" {
		return time.Now()
	}
	var ms int64
	if _, err := fmt.Sscanf(s, "%d", &ms); err != nil {
		return time.Now()
	}
	return time.UnixMilli(ms)
}

func parseLevels(raw [][]string) []models.BookLevel {
	levels := make([]models.BookLevel, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 2 {
			continue
		}
		levels = append(levels, models.BookLevel{
			Price:    parseDecimal(entry[0]),
			Quantity: parseDecimal(entry[1]),
		})
	}
	return levels
}

// mapOrderStatus converts an okx order state to the canonical
// lifecycle state.
func mapOrderStatus(state string) models.OrderStatus {
	switch state {
	case "live":
		return models.OrderStatusAccepted
	case "partially_filled":
		return models.OrderStatusPartiallyFilled
	case "filled":
		return models.OrderStatusFilled
	case "canceled", "mmp_canceled":
		return models.OrderStatusCanceled
	default:
		return models.OrderStatusSubmitted
	}
}

// classifyBodyCode maps okx business error codes onto the adapter
// failure taxonomy. Unknown codes stay fatal so a misclassified
// failure is never silently retried.
func classifyBodyCode(code string) adapter.FailureKind {
	switch code {
	case "50011", "50061": // requests too frequent
		return adapter.FailureRateLimited
	case "50001", "50004", "50013", "50026": // service unavailable, timeout, busy
		return adapter.FailureTransient
	case "50100", "50101", "50102", "50103", "50104", "50105",
		"50111", "50113", "50114", "60009": // key, passphrase, timestamp, signature
		return adapter.FailureAuth
	default:
		return adapter.FailureFatal
	}
}

func mapSide(side string) models.Side {
	if side == "sell" {
		return models.SideSell
	}
	return models.SideBuy
}

func canonicalSymbol(instID string) string {
	return symbols.Canonical(Platform, instID)
}
