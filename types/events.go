package types

import "time"

// Event types carried inside published payloads. The topic names the
// scope (pair or party); the type names what happened.
const (
	EventNewOrder          = "NEW_ORDER"
	EventOrderCancelled    = "ORDER_CANCELLED"
	EventTradeExecuted     = "TRADE_EXECUTED"
	EventNewTrade          = "NEW_TRADE"
	EventBalanceUpdate     = "BALANCE_UPDATE"
	EventStopLossTriggered = "STOP_LOSS_TRIGGERED"
	EventPartialSettlement = "PARTIAL_SETTLEMENT"
)

const (
	// TopicAllTrades receives every trade regardless of pair.
	TopicAllTrades = "trades:all"

	// TopicSystem carries operational events with no pair or party
	// scope, partial settlements included.
	TopicSystem = "system"
)

// TopicOrderbook is the order-lifecycle topic of one pair.
func TopicOrderbook(pair TradingPair) string {
	return "orderbook:" + pair.String()
}

// TopicTrades is the trade topic of one pair.
func TopicTrades(pair TradingPair) string {
	return "trades:" + pair.String()
}

// TopicBalance tells one party its balances changed; clients re-fetch
// rather than trusting a pushed amount.
func TopicBalance(party string) string {
	return "balance:" + party
}

// Event is a published payload.
type Event struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
	Data      any    `json:"data,omitempty"`
}

// NewEvent stamps an event payload with the current time.
func NewEvent(eventType string, data any) *Event {
	return &Event{Type: eventType, Timestamp: time.Now().UnixMilli(), Data: data}
}
