package binance

import (
	"strconv"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"quantbridge/models"
)

// Platform is the canonical binance platform name.
const Platform = "binance"

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

func convertBids(levels []futures.Bid) []models.BookLevel {
	out := make([]models.BookLevel, 0, len(levels))
	for _, lvl := range levels {
		out = append(out, models.BookLevel{
			Price:    parseDecimal(lvl.Price),
			Quantity: parseDecimal(lvl.Quantity),
		})
	}
	return out
}

func convertAsks(levels []futures.Ask) []models.BookLevel {
	out := make([]models.BookLevel, 0, len(levels))
	for _, lvl := range levels {
		out = append(out, models.BookLevel{
			Price:    parseDecimal(lvl.Price),
			Quantity: parseDecimal(lvl.Quantity),
		})
	}
	return out
}

// convertDepthEvent maps one diff depth push. Quantities are absolute
// level sizes, zero deletes the level.
func convertDepthEvent(event *futures.WsDepthEvent) models.BookUpdate {
	return models.BookUpdate{
		Platform:    Platform,
		Symbol:      event.Symbol,
		Bids:        convertBids(event.Bids),
		Asks:        convertAsks(event.Asks),
		Version:     event.LastUpdateID,
		PrevVersion: event.PrevLastUpdateID,
		Timestamp:   time.UnixMilli(event.Time),
	}
}

// convertAggTrade maps one aggregated trade push. A buyer-maker trade
// was driven by a sell aggressor.
func convertAggTrade(event *futures.WsAggTradeEvent) models.Trade {
	side := models.SideBuy
	if event.Maker {
		side = models.SideSell
	}
	return models.Trade{
		Platform:  Platform,
		Symbol:    event.Symbol,
		TradeID:   "agg-" + strconv.FormatInt(event.AggregateTradeID, 10),
		Side:      side,
		Price:     parseDecimal(event.Price),
		Quantity:  parseDecimal(event.Quantity),
		Timestamp: time.UnixMilli(event.TradeTime),
	}
}

func convertKline(event *futures.WsKlineEvent) models.Kline {
	k := event.Kline
	return models.Kline{
		Platform: Platform,
		Symbol:   event.Symbol,
		Interval: k.Interval,
		Open:     parseDecimal(k.Open),
		High:     parseDecimal(k.High),
		Low:      parseDecimal(k.Low),
		Close:    parseDecimal(k.Close),
		Volume:   parseDecimal(k.Volume),
		OpenTime: time.UnixMilli(k.StartTime),
		Closed:   k.IsFinal,
	}
}

func mapOrderStatus(status futures.OrderStatusType) models.OrderStatus {
	switch status {
	case futures.OrderStatusTypeNew:
		return models.OrderStatusAccepted
	case futures.OrderStatusTypePartiallyFilled:
		return models.OrderStatusPartiallyFilled
	case futures.OrderStatusTypeFilled:
		return models.OrderStatusFilled
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeExpired:
		return models.OrderStatusCanceled
	case futures.OrderStatusTypeRejected:
		return models.OrderStatusRejected
	default:
		return models.OrderStatusSubmitted
	}
}

func mapSide(side models.Side) futures.SideType {
	if side == models.SideSell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}
