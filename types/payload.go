package types

import (
	"encoding/json"
	"time"

	"cosmossdk.io/math"
)

// Template identifiers of the ledger contracts the engine reads and
// writes. The ledger adapter treats them as opaque strings.
const (
	TemplateOrder      = "Exchange:Order"
	TemplateTrade      = "Exchange:Trade"
	TemplateAllocation = "Settlement:Allocation"
)

// Choices exercised on ledger contracts.
const (
	ChoiceFillOrder       = "FillOrder"
	ChoiceCancelOrder     = "CancelOrder"
	ChoiceTriggerStopLoss = "TriggerStopLoss"
)

// OrderPayload is the wire shape of an Order contract. The ledger
// adapter normalises every payload variant to this flat record.
type OrderPayload struct {
	OrderID       string     `json:"orderId"`
	Owner         string     `json:"owner"`
	Operator      string     `json:"operator"`
	TradingPair   string     `json:"tradingPair"`
	Side          string     `json:"side"`
	Mode          string     `json:"mode"`
	Price         *string    `json:"price,omitempty"`
	StopPrice     *string    `json:"stopPrice,omitempty"`
	Quantity      string     `json:"quantity"`
	Filled        string     `json:"filled"`
	Status        string     `json:"status"`
	AllocationRef *string    `json:"allocationRef,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	TriggeredAt   *time.Time `json:"triggeredAt,omitempty"`
	TriggerPrice  *string    `json:"triggerPrice,omitempty"`
}

// OrderToPayload converts a domain order to its wire shape.
func OrderToPayload(o *Order, operator string) *OrderPayload {
	p := &OrderPayload{
		OrderID:     o.OrderID,
		Owner:       o.Owner,
		Operator:    operator,
		TradingPair: o.Pair.String(),
		Side:        o.Side.String(),
		Mode:        o.Mode.String(),
		Quantity:    o.Quantity.String(),
		Filled:      o.Filled.String(),
		Status:      o.Status.String(),
		CreatedAt:   o.CreatedAt,
		TriggeredAt: o.TriggeredAt,
	}
	p.Price = decPtr(o.Price)
	p.StopPrice = decPtr(o.StopPrice)
	p.TriggerPrice = decPtr(o.TriggerPrice)
	if o.AllocationRef != "" {
		ref := o.AllocationRef
		p.AllocationRef = &ref
	}
	return p
}

// OrderFromPayload decodes an order contract payload.
func OrderFromPayload(contractID string, payload json.RawMessage) (*Order, error) {
	var p OrderPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	pair, err := ParsePair(p.TradingPair)
	if err != nil {
		return nil, err
	}
	side, err := ParseSide(p.Side)
	if err != nil {
		return nil, err
	}
	mode, err := ParseMode(p.Mode)
	if err != nil {
		return nil, err
	}
	status, err := ParseOrderStatus(p.Status)
	if err != nil {
		return nil, err
	}
	quantity, err := math.LegacyNewDecFromStr(p.Quantity)
	if err != nil {
		return nil, err
	}
	filled, err := math.LegacyNewDecFromStr(p.Filled)
	if err != nil {
		return nil, err
	}
	o := &Order{
		OrderID:     p.OrderID,
		ContractID:  contractID,
		Owner:       p.Owner,
		Pair:        pair,
		Side:        side,
		Mode:        mode,
		Quantity:    quantity,
		Filled:      filled,
		Status:      status,
		CreatedAt:   p.CreatedAt,
		TriggeredAt: p.TriggeredAt,
	}
	if o.Price, err = decFromPtr(p.Price); err != nil {
		return nil, err
	}
	if o.StopPrice, err = decFromPtr(p.StopPrice); err != nil {
		return nil, err
	}
	if o.TriggerPrice, err = decFromPtr(p.TriggerPrice); err != nil {
		return nil, err
	}
	if p.AllocationRef != nil {
		o.AllocationRef = *p.AllocationRef
	}
	return o, nil
}

// TradePayload is the wire shape of a Trade contract.
type TradePayload struct {
	TradeID           string    `json:"tradeId"`
	TradingPair       string    `json:"tradingPair"`
	Buyer             string    `json:"buyer"`
	Seller            string    `json:"seller"`
	BasePrice         string    `json:"basePrice"`
	BaseAmount        string    `json:"baseAmount"`
	QuoteAmount       string    `json:"quoteAmount"`
	BuyOrderID        string    `json:"buyOrderId"`
	SellOrderID       string    `json:"sellOrderId"`
	BuyAllocationRef  *string   `json:"buyAllocationRef,omitempty"`
	SellAllocationRef *string   `json:"sellAllocationRef,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// TradeToPayload converts a domain trade to its wire shape.
func TradeToPayload(t *Trade) *TradePayload {
	p := &TradePayload{
		TradeID:     t.TradeID,
		TradingPair: t.Pair.String(),
		Buyer:       t.Buyer,
		Seller:      t.Seller,
		BasePrice:   t.BasePrice.String(),
		BaseAmount:  t.BaseAmount.String(),
		QuoteAmount: t.QuoteAmount.String(),
		BuyOrderID:  t.BuyOrderID,
		SellOrderID: t.SellOrderID,
		Timestamp:   t.Timestamp,
	}
	if t.BuyAllocationRef != "" {
		ref := t.BuyAllocationRef
		p.BuyAllocationRef = &ref
	}
	if t.SellAllocationRef != "" {
		ref := t.SellAllocationRef
		p.SellAllocationRef = &ref
	}
	return p
}

// TradeFromPayload decodes a trade contract payload.
func TradeFromPayload(contractID string, payload json.RawMessage) (*Trade, error) {
	var p TradePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	pair, err := ParsePair(p.TradingPair)
	if err != nil {
		return nil, err
	}
	basePrice, err := math.LegacyNewDecFromStr(p.BasePrice)
	if err != nil {
		return nil, err
	}
	baseAmount, err := math.LegacyNewDecFromStr(p.BaseAmount)
	if err != nil {
		return nil, err
	}
	quoteAmount, err := math.LegacyNewDecFromStr(p.QuoteAmount)
	if err != nil {
		return nil, err
	}
	t := &Trade{
		TradeID:     p.TradeID,
		ContractID:  contractID,
		Pair:        pair,
		Buyer:       p.Buyer,
		Seller:      p.Seller,
		BasePrice:   basePrice,
		BaseAmount:  baseAmount,
		QuoteAmount: quoteAmount,
		BuyOrderID:  p.BuyOrderID,
		SellOrderID: p.SellOrderID,
		Timestamp:   p.Timestamp,
	}
	if p.BuyAllocationRef != nil {
		t.BuyAllocationRef = *p.BuyAllocationRef
	}
	if p.SellAllocationRef != nil {
		t.SellAllocationRef = *p.SellAllocationRef
	}
	return t, nil
}

// AllocationPayload is the wire shape of an Allocation contract.
type AllocationPayload struct {
	Owner    string `json:"owner"`
	Asset    string `json:"asset"`
	Amount   string `json:"amount"`
	Executed bool   `json:"executed"`
}

// AllocationFromPayload decodes an allocation contract payload.
func AllocationFromPayload(contractID string, payload json.RawMessage) (*Allocation, error) {
	var p AllocationPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	amount, err := math.LegacyNewDecFromStr(p.Amount)
	if err != nil {
		return nil, err
	}
	return &Allocation{
		ContractID: contractID,
		Owner:      p.Owner,
		Asset:      p.Asset,
		Amount:     amount,
		Executed:   p.Executed,
	}, nil
}

// FillArgument is the choice argument for FillOrder.
type FillArgument struct {
	Quantity string `json:"quantity"`
}

// TriggerArgument is the choice argument for TriggerStopLoss.
type TriggerArgument struct {
	TriggeredAt  time.Time `json:"triggeredAt"`
	TriggerPrice string    `json:"triggerPrice"`
}

func decPtr(d math.LegacyDec) *string {
	if d.IsNil() {
		return nil
	}
	s := d.String()
	return &s
}

func decFromPtr(s *string) (math.LegacyDec, error) {
	if s == nil {
		return math.LegacyDec{}, nil
	}
	return math.LegacyNewDecFromStr(*s)
}
