// Package types holds the JSON shapes of the REST API. Decimal values
// travel as strings so clients never lose precision to float64.
package types

import (
	"time"

	"cosmossdk.io/math"

	"github.com/openclob/ledger-clob/types"
)

// PlaceOrderRequest is the body of POST /v1/orders.
type PlaceOrderRequest struct {
	Party         string `json:"party"`
	Pair          string `json:"pair"` // "BASE/QUOTE"
	Side          string `json:"side"` // "buy" or "sell"
	Mode          string `json:"mode"` // "limit", "market", "stop_loss"
	Price         string `json:"price,omitempty"`
	StopPrice     string `json:"stopPrice,omitempty"`
	Quantity      string `json:"quantity"`
	AllocationRef string `json:"allocationRef,omitempty"`
}

// OrderView is the wire form of an order.
type OrderView struct {
	OrderID       string     `json:"orderId"`
	ContractID    string     `json:"contractId,omitempty"`
	Owner         string     `json:"owner"`
	Pair          string     `json:"pair"`
	Side          string     `json:"side"`
	Mode          string     `json:"mode"`
	Price         string     `json:"price,omitempty"`
	StopPrice     string     `json:"stopPrice,omitempty"`
	Quantity      string     `json:"quantity"`
	Filled        string     `json:"filled"`
	Remaining     string     `json:"remaining"`
	Status        string     `json:"status"`
	AllocationRef string     `json:"allocationRef,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	TriggeredAt   *time.Time `json:"triggeredAt,omitempty"`
}

// NewOrderView converts a domain order.
func NewOrderView(o *types.Order) *OrderView {
	return &OrderView{
		OrderID:       o.OrderID,
		ContractID:    o.ContractID,
		Owner:         o.Owner,
		Pair:          o.Pair.String(),
		Side:          o.Side.String(),
		Mode:          o.Mode.String(),
		Price:         decString(o.Price),
		StopPrice:     decString(o.StopPrice),
		Quantity:      o.Quantity.String(),
		Filled:        o.Filled.String(),
		Remaining:     o.Remaining().String(),
		Status:        o.Status.String(),
		AllocationRef: o.AllocationRef,
		CreatedAt:     o.CreatedAt,
		TriggeredAt:   o.TriggeredAt,
	}
}

// TradeView is the wire form of a trade.
type TradeView struct {
	TradeID     string    `json:"tradeId"`
	Pair        string    `json:"pair"`
	Buyer       string    `json:"buyer"`
	Seller      string    `json:"seller"`
	Price       string    `json:"price"`
	Quantity    string    `json:"quantity"`
	QuoteAmount string    `json:"quoteAmount"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewTradeView converts a domain trade.
func NewTradeView(t *types.Trade) *TradeView {
	return &TradeView{
		TradeID:     t.TradeID,
		Pair:        t.Pair.String(),
		Buyer:       t.Buyer,
		Seller:      t.Seller,
		Price:       t.BasePrice.String(),
		Quantity:    t.BaseAmount.String(),
		QuoteAmount: t.QuoteAmount.String(),
		Timestamp:   t.Timestamp,
	}
}

// BookLevel is one aggregated price level of the order book. Market
// orders carry no price and aggregate into a single "market" level at
// the front.
type BookLevel struct {
	Price    string `json:"price,omitempty"`
	Quantity string `json:"quantity"`
	Orders   int    `json:"orders"`
}

// OrderbookView is the response of GET /v1/markets/{pair}/orderbook.
type OrderbookView struct {
	Pair      string      `json:"pair"`
	Bids      []BookLevel `json:"bids"` // best first
	Asks      []BookLevel `json:"asks"` // best first
	Timestamp int64       `json:"timestamp"`
}

// TickerView summarises a market.
type TickerView struct {
	Pair      string `json:"pair"`
	BestBid   string `json:"bestBid,omitempty"`
	BestAsk   string `json:"bestAsk,omitempty"`
	LastPrice string `json:"lastPrice,omitempty"`
	MarkPrice string `json:"markPrice,omitempty"`
}

// BalanceView is the response of GET /v1/accounts/{party}/balances.
type BalanceView struct {
	Party     string `json:"party"`
	Asset     string `json:"asset"`
	Balance   string `json:"balance"`
	Reserved  string `json:"reserved"`
	Available string `json:"available"`
}

func decString(d math.LegacyDec) string {
	if d.IsNil() {
		return ""
	}
	return d.String()
}
