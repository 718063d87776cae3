package types

import (
	"fmt"
	"strings"
	"time"

	"cosmossdk.io/math"
)

// Side represents order side
type Side int

const (
	SideUnspecified Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unspecified"
	}
}

// ParseSide parses a side from its string form.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(s) {
	case "buy":
		return SideBuy, nil
	case "sell":
		return SideSell, nil
	default:
		return SideUnspecified, fmt.Errorf("unknown side: %q", s)
	}
}

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Mode represents how an order executes
type Mode int

const (
	ModeUnspecified Mode = iota
	ModeLimit
	ModeMarket
	ModeStopLoss
)

func (m Mode) String() string {
	switch m {
	case ModeLimit:
		return "limit"
	case ModeMarket:
		return "market"
	case ModeStopLoss:
		return "stop_loss"
	default:
		return "unspecified"
	}
}

// ParseMode parses a mode from its string form.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "limit":
		return ModeLimit, nil
	case "market":
		return ModeMarket, nil
	case "stop_loss", "stoploss":
		return ModeStopLoss, nil
	default:
		return ModeUnspecified, fmt.Errorf("unknown mode: %q", s)
	}
}

// OrderStatus represents order status
type OrderStatus int

const (
	OrderStatusUnspecified OrderStatus = iota
	OrderStatusOpen
	OrderStatusPendingTrigger
	OrderStatusPartiallyFilled
	OrderStatusFilled
	OrderStatusCancelled
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusOpen:
		return "open"
	case OrderStatusPendingTrigger:
		return "pending_trigger"
	case OrderStatusPartiallyFilled:
		return "partially_filled"
	case OrderStatusFilled:
		return "filled"
	case OrderStatusCancelled:
		return "cancelled"
	default:
		return "unspecified"
	}
}

// ParseOrderStatus parses an order status from its string form.
func ParseOrderStatus(s string) (OrderStatus, error) {
	switch strings.ToLower(s) {
	case "open":
		return OrderStatusOpen, nil
	case "pending_trigger":
		return OrderStatusPendingTrigger, nil
	case "partially_filled":
		return OrderStatusPartiallyFilled, nil
	case "filled":
		return OrderStatusFilled, nil
	case "cancelled":
		return OrderStatusCancelled, nil
	default:
		return OrderStatusUnspecified, fmt.Errorf("unknown status: %q", s)
	}
}

// TradingPair is an ordered BASE/QUOTE pair. Quantities are denominated
// in the base asset, prices in quote per base.
type TradingPair struct {
	Base  string
	Quote string
}

// ParsePair parses a "BASE/QUOTE" string.
func ParsePair(s string) (TradingPair, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return TradingPair{}, fmt.Errorf("invalid trading pair: %q", s)
	}
	return TradingPair{Base: parts[0], Quote: parts[1]}, nil
}

func (p TradingPair) String() string {
	return p.Base + "/" + p.Quote
}

// MarshalText implements encoding.TextMarshaler so pairs serialize as
// "BASE/QUOTE" in JSON maps and payloads.
func (p TradingPair) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *TradingPair) UnmarshalText(text []byte) error {
	parsed, err := ParsePair(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// RemainderEpsilon discards floating leftovers of fully-filled orders
// still marked open. Orders with remaining below this are not matchable.
var RemainderEpsilon = math.LegacyNewDecWithPrec(1, 7) // 1e-7

// DefaultDustThreshold is the minimum asset amount worth transferring.
// Allocation legs below it are skipped.
var DefaultDustThreshold = math.LegacyNewDecWithPrec(1, 6) // 1e-6

// Order represents a trading order projected from the ledger.
//
// OrderID is generated locally at placement and stable for the order's
// lifetime. ContractID is assigned by the ledger and changes every time
// the order contract is consumed and re-created (for example on fill).
type Order struct {
	OrderID       string
	ContractID    string
	Owner         string
	Pair          TradingPair
	Side          Side
	Mode          Mode
	Price         math.LegacyDec // limit price; nil for market orders
	StopPrice     math.LegacyDec // trigger threshold; nil unless stop-loss
	Quantity      math.LegacyDec // base asset
	Filled        math.LegacyDec
	Status        OrderStatus
	AllocationRef string // pre-locked allocation contract, if any
	CreatedAt     time.Time
	TriggeredAt   *time.Time
	TriggerPrice  math.LegacyDec // last trade price at trigger time; nil otherwise
}

// NewOrder creates a new open order.
func NewOrder(orderID, owner string, pair TradingPair, side Side, mode Mode, price, quantity math.LegacyDec) *Order {
	status := OrderStatusOpen
	if mode == ModeStopLoss {
		status = OrderStatusPendingTrigger
	}
	return &Order{
		OrderID:   orderID,
		Owner:     owner,
		Pair:      pair,
		Side:      side,
		Mode:      mode,
		Price:     price,
		Quantity:  quantity,
		Filled:    math.LegacyZeroDec(),
		Status:    status,
		CreatedAt: time.Now(),
	}
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() math.LegacyDec {
	return o.Quantity.Sub(o.Filled)
}

// IsFilled returns true if the order is completely filled.
func (o *Order) IsFilled() bool {
	return o.Filled.GTE(o.Quantity)
}

// IsActive returns true if the order can still be matched.
func (o *Order) IsActive() bool {
	return o.Status == OrderStatusOpen || o.Status == OrderStatusPartiallyFilled
}

// HasRemaining reports whether the remaining quantity exceeds the
// matchable epsilon.
func (o *Order) HasRemaining() bool {
	return o.Remaining().GT(RemainderEpsilon)
}

// Fill advances the filled quantity and transitions the status.
func (o *Order) Fill(qty math.LegacyDec) error {
	if qty.GT(o.Remaining()) {
		return fmt.Errorf("fill quantity %s exceeds remaining %s", qty, o.Remaining())
	}
	o.Filled = o.Filled.Add(qty)
	if o.IsFilled() {
		o.Status = OrderStatusFilled
	} else if o.Filled.IsPositive() {
		o.Status = OrderStatusPartiallyFilled
	}
	return nil
}

// Cancel marks the order cancelled.
func (o *Order) Cancel() {
	o.Status = OrderStatusCancelled
}

// Trigger promotes a pending stop-loss order into a market order
// visible to the book.
func (o *Order) Trigger(at time.Time, lastPrice math.LegacyDec) {
	o.Status = OrderStatusOpen
	o.Mode = ModeMarket
	o.Price = math.LegacyDec{}
	o.TriggeredAt = &at
	o.TriggerPrice = lastPrice
}

// Clone returns a shallow copy. LegacyDec values are immutable, so a
// shallow copy is safe to mutate independently.
func (o *Order) Clone() *Order {
	c := *o
	return &c
}

// Trade represents an executed and settled match.
type Trade struct {
	TradeID           string
	ContractID        string
	Pair              TradingPair
	Buyer             string
	Seller            string
	BasePrice         math.LegacyDec // execution price per base unit
	BaseAmount        math.LegacyDec
	QuoteAmount       math.LegacyDec // BasePrice * BaseAmount
	BuyOrderID        string
	SellOrderID       string
	BuyAllocationRef  string
	SellAllocationRef string
	Timestamp         time.Time
}

// NewTrade creates a trade record. QuoteAmount is derived to the full
// decimal precision.
func NewTrade(tradeID string, pair TradingPair, buy, sell *Order, price, qty math.LegacyDec) *Trade {
	return &Trade{
		TradeID:           tradeID,
		Pair:              pair,
		Buyer:             buy.Owner,
		Seller:            sell.Owner,
		BasePrice:         price,
		BaseAmount:        qty,
		QuoteAmount:       price.Mul(qty),
		BuyOrderID:        buy.OrderID,
		SellOrderID:       sell.OrderID,
		BuyAllocationRef:  buy.AllocationRef,
		SellAllocationRef: sell.AllocationRef,
		Timestamp:         time.Now(),
	}
}

// Allocation references a ledger contract that authorises a single
// transfer to be executed later by a nominated executor. The engine
// never inspects it beyond these fields.
type Allocation struct {
	ContractID string
	Owner      string
	Asset      string
	Amount     math.LegacyDec
	Executed   bool
}

// StopRegistration tracks a pending stop order held out of the book.
type StopRegistration struct {
	OrderID         string
	OrderContractID string
	Owner           string
	Pair            TradingPair
	Side            Side
	StopPrice       math.LegacyDec
	Quantity        math.LegacyDec
	AllocationRef   string
	Triggered       bool
	TriggeredAt     *time.Time
	TriggerPrice    math.LegacyDec
}

// ShouldTrigger applies the stop rule: a sell stop triggers when the
// last trade price is at or below the stop price, a buy stop when it is
// at or above.
func (r *StopRegistration) ShouldTrigger(lastTradePrice math.LegacyDec) bool {
	if r.Triggered {
		return false
	}
	if r.Side == SideSell {
		return lastTradePrice.LTE(r.StopPrice)
	}
	return lastTradePrice.GTE(r.StopPrice)
}
