// Package readmodel maintains the in-memory projection of ledger state
// the engine works against: open orders per trading pair, settled
// trades, and unexecuted allocations. It is populated by a bootstrap
// snapshot plus a live update stream and answers all queries
// synchronously from memory.
package readmodel

import (
	"sort"
	"sync"
	"sync/atomic"

	"cosmossdk.io/log"
	"cosmossdk.io/math"
	"github.com/google/btree"

	"github.com/openclob/ledger-clob/ledger"
	"github.com/openclob/ledger-clob/types"
)

const tradeTreeDegree = 8

// tradeLess orders trades ascending by timestamp, trade id as the
// tie-break so equal-timestamp trades have a stable order.
func tradeLess(a, b *types.Trade) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.TradeID < b.TradeID
}

// ReadModel is the projection. All mutation goes through Apply or the
// Upsert methods; queries return copies so callers can mutate freely.
type ReadModel struct {
	logger   log.Logger
	client   ledger.Client
	operator string

	mu          sync.RWMutex
	books       map[types.TradingPair]*book
	byContract  map[string]*types.Order
	byOrderID   map[string]*types.Order
	byOwner     map[string]map[string]*types.Order // owner -> orderID
	tradeByCid  map[string]*types.Trade
	tradeTrees  map[types.TradingPair]*btree.BTreeG[*types.Trade]
	allocations map[string]*types.Allocation
	offset      string

	ready atomic.Bool

	stream *streamState
}

// New creates an empty read model for the configured trading pairs.
// Orders for unknown pairs are still indexed so party queries see them;
// only per-pair book views require a configured pair.
func New(client ledger.Client, operator string, pairs []types.TradingPair, logger log.Logger) *ReadModel {
	rm := &ReadModel{
		logger:      logger.With("component", "readmodel"),
		client:      client,
		operator:    operator,
		books:       make(map[types.TradingPair]*book, len(pairs)),
		byContract:  make(map[string]*types.Order),
		byOrderID:   make(map[string]*types.Order),
		byOwner:     make(map[string]map[string]*types.Order),
		tradeByCid:  make(map[string]*types.Trade),
		tradeTrees:  make(map[types.TradingPair]*btree.BTreeG[*types.Trade]),
		allocations: make(map[string]*types.Allocation),
	}
	for _, pair := range pairs {
		rm.books[pair] = newBook(pair)
		rm.tradeTrees[pair] = btree.NewG(tradeTreeDegree, tradeLess)
	}
	return rm
}

// IsReady reports whether the projection is bootstrapped and live.
// While false, consumers should treat query results as possibly stale
// and may force a refresh via RefreshFromQuery.
func (rm *ReadModel) IsReady() bool {
	return rm.ready.Load()
}

// Offset returns the last applied stream offset.
func (rm *ReadModel) Offset() string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.offset
}

// Pairs returns the configured trading pairs.
func (rm *ReadModel) Pairs() []types.TradingPair {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	pairs := make([]types.TradingPair, 0, len(rm.books))
	for pair := range rm.books {
		pairs = append(pairs, pair)
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].String() < pairs[j].String() })
	return pairs
}

// Apply folds one stream event into the projection and records its
// offset. Events must be applied in stream order.
func (rm *ReadModel) Apply(ev ledger.Event) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	switch ev.Kind {
	case ledger.EventCreated:
		rm.applyCreateLocked(ev.Contract)
	case ledger.EventArchived:
		rm.applyArchiveLocked(ev.Contract)
	}
	if ev.Offset != "" {
		rm.offset = ev.Offset
	}
}

func (rm *ReadModel) applyCreateLocked(c ledger.Contract) {
	switch c.TemplateID {
	case types.TemplateOrder:
		order, err := types.OrderFromPayload(c.ContractID, c.Payload)
		if err != nil {
			rm.logger.Error("decode order payload", "contract_id", c.ContractID, "err", err)
			return
		}
		rm.upsertOrderLocked(order)
	case types.TemplateTrade:
		trade, err := types.TradeFromPayload(c.ContractID, c.Payload)
		if err != nil {
			rm.logger.Error("decode trade payload", "contract_id", c.ContractID, "err", err)
			return
		}
		rm.upsertTradeLocked(trade)
	case types.TemplateAllocation:
		alloc, err := types.AllocationFromPayload(c.ContractID, c.Payload)
		if err != nil {
			rm.logger.Error("decode allocation payload", "contract_id", c.ContractID, "err", err)
			return
		}
		rm.allocations[alloc.ContractID] = alloc
	}
}

func (rm *ReadModel) applyArchiveLocked(c ledger.Contract) {
	switch c.TemplateID {
	case types.TemplateOrder:
		rm.removeOrderContractLocked(c.ContractID)
	case types.TemplateTrade:
		// Trades are append-only history; an archive only drops the
		// contract handle, the trade record stays queryable.
		delete(rm.tradeByCid, c.ContractID)
	case types.TemplateAllocation:
		delete(rm.allocations, c.ContractID)
	}
}

// UpsertOrder inserts or replaces an order, keyed by its stable order
// id. A fill replaces the contract id; the stale entry is dropped.
func (rm *ReadModel) UpsertOrder(order *types.Order) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.upsertOrderLocked(order.Clone())
}

func (rm *ReadModel) upsertOrderLocked(order *types.Order) {
	if existing, ok := rm.byOrderID[order.OrderID]; ok {
		rm.dropOrderLocked(existing)
	}
	rm.byOrderID[order.OrderID] = order
	rm.byContract[order.ContractID] = order
	owned := rm.byOwner[order.Owner]
	if owned == nil {
		owned = make(map[string]*types.Order)
		rm.byOwner[order.Owner] = owned
	}
	owned[order.OrderID] = order

	if b, ok := rm.books[order.Pair]; ok && order.IsActive() && order.HasRemaining() {
		b.add(order)
	}
}

// RemoveOrderContract drops the order identified by a contract id from
// every index. Unknown contract ids are ignored; the replacing create
// for a fill may have arrived first.
func (rm *ReadModel) RemoveOrderContract(contractID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.removeOrderContractLocked(contractID)
}

func (rm *ReadModel) removeOrderContractLocked(contractID string) {
	order, ok := rm.byContract[contractID]
	if !ok {
		return
	}
	rm.dropOrderLocked(order)
}

func (rm *ReadModel) dropOrderLocked(order *types.Order) {
	delete(rm.byContract, order.ContractID)
	delete(rm.byOrderID, order.OrderID)
	if owned := rm.byOwner[order.Owner]; owned != nil {
		delete(owned, order.OrderID)
		if len(owned) == 0 {
			delete(rm.byOwner, order.Owner)
		}
	}
	if b, ok := rm.books[order.Pair]; ok {
		b.remove(order)
	}
}

// UpsertTrade records a settled trade.
func (rm *ReadModel) UpsertTrade(trade *types.Trade) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.upsertTradeLocked(trade)
}

func (rm *ReadModel) upsertTradeLocked(trade *types.Trade) {
	if trade.ContractID != "" {
		rm.tradeByCid[trade.ContractID] = trade
	}
	tree, ok := rm.tradeTrees[trade.Pair]
	if !ok {
		tree = btree.NewG(tradeTreeDegree, tradeLess)
		rm.tradeTrees[trade.Pair] = tree
	}
	tree.ReplaceOrInsert(trade)
}

// UpsertAllocation records an allocation contract.
func (rm *ReadModel) UpsertAllocation(alloc *types.Allocation) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.allocations[alloc.ContractID] = alloc
}

// OpenOrders returns the matchable orders of a pair, split by side and
// already sorted in matching priority: market orders first by placement
// time, then limit orders best price first, placement time as the
// tie-break. Pending-trigger stops and dust remainders are excluded.
func (rm *ReadModel) OpenOrders(pair types.TradingPair) (buys, sells []*types.Order) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	b, ok := rm.books[pair]
	if !ok {
		return nil, nil
	}
	keep := func(o *types.Order) bool { return o.IsActive() && o.HasRemaining() }
	buys = cloneAll(b.side(types.SideBuy, keep))
	sells = cloneAll(b.side(types.SideSell, keep))
	return buys, sells
}

// OrderByID returns the order with the given stable order id.
func (rm *ReadModel) OrderByID(orderID string) (*types.Order, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	order, ok := rm.byOrderID[orderID]
	if !ok {
		return nil, false
	}
	return order.Clone(), true
}

// OrderByContractID returns the order with the given contract id.
func (rm *ReadModel) OrderByContractID(contractID string) (*types.Order, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	order, ok := rm.byContract[contractID]
	if !ok {
		return nil, false
	}
	return order.Clone(), true
}

// OrdersForParty returns every indexed order of one owner, newest
// first.
func (rm *ReadModel) OrdersForParty(party string) []*types.Order {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	owned := rm.byOwner[party]
	out := make([]*types.Order, 0, len(owned))
	for _, order := range owned {
		out = append(out, order.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].OrderID < out[j].OrderID
	})
	return out
}

// TradesForPair returns up to limit trades of a pair, newest first.
// A limit of zero returns all.
func (rm *ReadModel) TradesForPair(pair types.TradingPair, limit int) []*types.Trade {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	tree, ok := rm.tradeTrees[pair]
	if !ok {
		return nil
	}
	out := make([]*types.Trade, 0, tree.Len())
	tree.Descend(func(t *types.Trade) bool {
		c := *t
		out = append(out, &c)
		return limit <= 0 || len(out) < limit
	})
	return out
}

// AllTrades returns up to limit trades across every pair, newest
// first. A limit of zero returns all.
func (rm *ReadModel) AllTrades(limit int) []*types.Trade {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	var out []*types.Trade
	for _, tree := range rm.tradeTrees {
		// The newest limit trades per pair are enough to fill the
		// merged result.
		taken := 0
		tree.Descend(func(t *types.Trade) bool {
			c := *t
			out = append(out, &c)
			taken++
			return limit <= 0 || taken < limit
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// TradesForParty returns up to limit trades where the party was buyer
// or seller, newest first across all pairs.
func (rm *ReadModel) TradesForParty(party string, limit int) []*types.Trade {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	var out []*types.Trade
	for _, tree := range rm.tradeTrees {
		tree.Descend(func(t *types.Trade) bool {
			if t.Buyer == party || t.Seller == party {
				c := *t
				out = append(out, &c)
			}
			return true
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// AllocationByRef returns an allocation by its contract id.
func (rm *ReadModel) AllocationByRef(ref string) (*types.Allocation, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	alloc, ok := rm.allocations[ref]
	if !ok {
		return nil, false
	}
	c := *alloc
	return &c, true
}

// BestBid returns the highest resting limit buy price of a pair.
func (rm *ReadModel) BestBid(pair types.TradingPair) (math.LegacyDec, bool) {
	return rm.bestPrice(pair, types.SideBuy)
}

// BestAsk returns the lowest resting limit sell price of a pair.
func (rm *ReadModel) BestAsk(pair types.TradingPair) (math.LegacyDec, bool) {
	return rm.bestPrice(pair, types.SideSell)
}

func (rm *ReadModel) bestPrice(pair types.TradingPair, side types.Side) (math.LegacyDec, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	b, ok := rm.books[pair]
	if !ok {
		return math.LegacyDec{}, false
	}
	return b.bestPrice(side, func(o *types.Order) bool { return o.IsActive() && o.HasRemaining() })
}

// LastTradePrice returns the most recent execution price of a pair.
func (rm *ReadModel) LastTradePrice(pair types.TradingPair) (math.LegacyDec, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	tree, ok := rm.tradeTrees[pair]
	if !ok || tree.Len() == 0 {
		return math.LegacyDec{}, false
	}
	last, _ := tree.Max()
	return last.BasePrice, true
}

// MarketPrice estimates the current price of a pair: the bid/ask
// midpoint when both sides rest, a single best side when only one does,
// the last trade price otherwise.
func (rm *ReadModel) MarketPrice(pair types.TradingPair) (math.LegacyDec, bool) {
	bid, hasBid := rm.BestBid(pair)
	ask, hasAsk := rm.BestAsk(pair)
	switch {
	case hasBid && hasAsk:
		return bid.Add(ask).Quo(math.LegacyNewDec(2)), true
	case hasBid:
		return bid, true
	case hasAsk:
		return ask, true
	}
	return rm.LastTradePrice(pair)
}

// BookSnapshot is a point-in-time view of one pair's book for the API.
type BookSnapshot struct {
	Pair types.TradingPair
	Bids []*types.Order
	Asks []*types.Order
}

// Snapshot returns the book of one pair for display, same ordering as
// OpenOrders.
func (rm *ReadModel) Snapshot(pair types.TradingPair) BookSnapshot {
	bids, asks := rm.OpenOrders(pair)
	return BookSnapshot{Pair: pair, Bids: bids, Asks: asks}
}

func cloneAll(orders []*types.Order) []*types.Order {
	out := make([]*types.Order, len(orders))
	for i, o := range orders {
		out[i] = o.Clone()
	}
	return out
}
