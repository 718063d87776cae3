package readmodel

import (
	"sort"

	"cosmossdk.io/math"
	"github.com/huandu/skiplist"

	"github.com/openclob/ledger-clob/types"
)

// priceLevel holds the orders resting at one price in FIFO order.
type priceLevel struct {
	Price  math.LegacyDec
	Orders []*types.Order
}

func (pl *priceLevel) add(order *types.Order) {
	pl.Orders = append(pl.Orders, order)
	sort.SliceStable(pl.Orders, func(i, j int) bool {
		return pl.Orders[i].CreatedAt.Before(pl.Orders[j].CreatedAt)
	})
}

func (pl *priceLevel) remove(orderID string) {
	for i, o := range pl.Orders {
		if o.OrderID == orderID {
			pl.Orders = append(pl.Orders[:i], pl.Orders[i+1:]...)
			return
		}
	}
}

func (pl *priceLevel) isEmpty() bool {
	return len(pl.Orders) == 0
}

// priceKeyAsc sorts ask levels lowest first.
type priceKeyAsc struct{}

func (k priceKeyAsc) Compare(lhs, rhs interface{}) int {
	l := lhs.(math.LegacyDec)
	r := rhs.(math.LegacyDec)
	if l.LT(r) {
		return -1
	}
	if l.GT(r) {
		return 1
	}
	return 0
}

func (k priceKeyAsc) CalcScore(key interface{}) float64 {
	f, _ := key.(math.LegacyDec).Float64()
	return f
}

// priceKeyDesc sorts bid levels highest first.
type priceKeyDesc struct{}

func (k priceKeyDesc) Compare(lhs, rhs interface{}) int {
	l := lhs.(math.LegacyDec)
	r := rhs.(math.LegacyDec)
	if l.GT(r) {
		return -1
	}
	if l.LT(r) {
		return 1
	}
	return 0
}

func (k priceKeyDesc) CalcScore(key interface{}) float64 {
	f, _ := key.(math.LegacyDec).Float64()
	return -f
}

// book is one trading pair's order book view. Limit orders live in
// price-sorted skip lists; market orders, which have no price, are held
// in FIFO slices ahead of all limit orders. Not safe for concurrent use
// on its own; the ReadModel's lock guards it.
type book struct {
	pair       types.TradingPair
	bids       *skiplist.SkipList // descending by price
	asks       *skiplist.SkipList // ascending by price
	marketBids []*types.Order     // FIFO by placement time
	marketAsks []*types.Order
}

func newBook(pair types.TradingPair) *book {
	return &book{
		pair: pair,
		bids: skiplist.New(priceKeyDesc{}),
		asks: skiplist.New(priceKeyAsc{}),
	}
}

func (b *book) add(order *types.Order) {
	if order.Price.IsNil() {
		if order.Side == types.SideBuy {
			b.marketBids = insertByTime(b.marketBids, order)
		} else {
			b.marketAsks = insertByTime(b.marketAsks, order)
		}
		return
	}

	list := b.asks
	if order.Side == types.SideBuy {
		list = b.bids
	}
	elem := list.Get(order.Price)
	var level *priceLevel
	if elem != nil {
		level = elem.Value.(*priceLevel)
	} else {
		level = &priceLevel{Price: order.Price}
		list.Set(order.Price, level)
	}
	level.add(order)
}

func (b *book) remove(order *types.Order) {
	if order.Price.IsNil() {
		if order.Side == types.SideBuy {
			b.marketBids = removeByID(b.marketBids, order.OrderID)
		} else {
			b.marketAsks = removeByID(b.marketAsks, order.OrderID)
		}
		return
	}

	list := b.asks
	if order.Side == types.SideBuy {
		list = b.bids
	}
	elem := list.Get(order.Price)
	if elem == nil {
		return
	}
	level := elem.Value.(*priceLevel)
	level.remove(order.OrderID)
	if level.isEmpty() {
		list.Remove(order.Price)
	}
}

// side returns one side in matching priority: market orders first (FIFO
// by time), then limit levels best-price first, FIFO within a level.
// Only orders satisfying keep are included.
func (b *book) side(s types.Side, keep func(*types.Order) bool) []*types.Order {
	var market []*types.Order
	var list *skiplist.SkipList
	if s == types.SideBuy {
		market, list = b.marketBids, b.bids
	} else {
		market, list = b.marketAsks, b.asks
	}

	out := make([]*types.Order, 0, len(market))
	for _, o := range market {
		if keep(o) {
			out = append(out, o)
		}
	}
	for elem := list.Front(); elem != nil; elem = elem.Next() {
		for _, o := range elem.Value.(*priceLevel).Orders {
			if keep(o) {
				out = append(out, o)
			}
		}
	}
	return out
}

// bestPrice returns the best limit price of one side, if any.
func (b *book) bestPrice(s types.Side, keep func(*types.Order) bool) (math.LegacyDec, bool) {
	list := b.asks
	if s == types.SideBuy {
		list = b.bids
	}
	for elem := list.Front(); elem != nil; elem = elem.Next() {
		level := elem.Value.(*priceLevel)
		for _, o := range level.Orders {
			if keep(o) {
				return level.Price, true
			}
		}
	}
	return math.LegacyDec{}, false
}

func insertByTime(orders []*types.Order, order *types.Order) []*types.Order {
	orders = append(orders, order)
	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	return orders
}

func removeByID(orders []*types.Order, orderID string) []*types.Order {
	for i, o := range orders {
		if o.OrderID == orderID {
			return append(orders[:i], orders[i+1:]...)
		}
	}
	return orders
}
