package settlement

import (
	"context"
	"sync"
	"testing"
	"time"

	"cosmossdk.io/errors"
	"cosmossdk.io/log"
	"cosmossdk.io/math"

	"github.com/openclob/ledger-clob/cache"
	"github.com/openclob/ledger-clob/ledger"
	"github.com/openclob/ledger-clob/ledger/ledgertest"
	"github.com/openclob/ledger-clob/readmodel"
	"github.com/openclob/ledger-clob/reserve"
	"github.com/openclob/ledger-clob/types"
)

var ccPair = types.TradingPair{Base: "CC", Quote: "CBTC"}

func dec(s string) math.LegacyDec {
	return math.LegacyMustNewDecFromStr(s)
}

type fakePublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *fakePublisher) Publish(topic string, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
}

func (p *fakePublisher) published(topic string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.topics {
		if t == topic {
			return true
		}
	}
	return false
}

type fakeTriggers struct {
	mu     sync.Mutex
	prices []math.LegacyDec
}

func (f *fakeTriggers) CheckTriggers(ctx context.Context, pair types.TradingPair, lastPrice math.LegacyDec) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices = append(f.prices, lastPrice)
}

type fixture struct {
	fake     *ledgertest.Fake
	model    *readmodel.ReadModel
	reserver *reserve.Reserver
	trades   *cache.TradeCache
	pub      *fakePublisher
	triggers *fakeTriggers
	engine   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := ledgertest.New()
	model := readmodel.New(f, "operator", []types.TradingPair{ccPair}, log.NewNopLogger())
	reserver := reserve.New(log.NewNopLogger())
	trades := cache.New(cache.Config{MaxTradesPerPair: 10, SaveDebounce: time.Hour}, log.NewNopLogger())
	pub := &fakePublisher{}
	triggers := &fakeTriggers{}
	engine := New(f, model, reserver, trades, pub, "operator", types.DefaultDustThreshold, log.NewNopLogger())
	engine.SetTriggerChecker(triggers)
	return &fixture{
		fake:     f,
		model:    model,
		reserver: reserver,
		trades:   trades,
		pub:      pub,
		triggers: triggers,
		engine:   engine,
	}
}

// seedMatch places a crossed buy/sell pair with allocations on the fake
// ledger and returns the match the engine would have formed.
func (fx *fixture) seedMatch(t *testing.T, buyQty, sellQty, price string) Match {
	t.Helper()
	buyAlloc := fx.fake.SeedAllocation("alice", "CBTC", dec(price).Mul(dec(buyQty)))
	sellAlloc := fx.fake.SeedAllocation("bob", "CC", dec(sellQty))

	buy := &types.Order{
		OrderID:       "o-buy",
		Owner:         "alice",
		Pair:          ccPair,
		Side:          types.SideBuy,
		Mode:          types.ModeLimit,
		Price:         dec(price),
		Quantity:      dec(buyQty),
		Filled:        math.LegacyZeroDec(),
		Status:        types.OrderStatusOpen,
		AllocationRef: buyAlloc,
		CreatedAt:     time.Now(),
	}
	sell := &types.Order{
		OrderID:       "o-sell",
		Owner:         "bob",
		Pair:          ccPair,
		Side:          types.SideSell,
		Mode:          types.ModeLimit,
		Price:         dec(price),
		Quantity:      dec(sellQty),
		Filled:        math.LegacyZeroDec(),
		Status:        types.OrderStatusOpen,
		AllocationRef: sellAlloc,
		CreatedAt:     time.Now(),
	}
	buy.ContractID = fx.fake.Seed(types.TemplateOrder, types.OrderToPayload(buy, "operator"))
	sell.ContractID = fx.fake.Seed(types.TemplateOrder, types.OrderToPayload(sell, "operator"))
	fx.model.UpsertOrder(buy)
	fx.model.UpsertOrder(sell)

	qty := math.LegacyMinDec(dec(buyQty), dec(sellQty))
	_ = fx.reserver.Reserve("o-buy", "alice", "CBTC", dec(price).Mul(dec(buyQty)))
	_ = fx.reserver.Reserve("o-sell", "bob", "CC", dec(sellQty))

	return Match{Pair: ccPair, Buy: buy, Sell: sell, Price: dec(price), Quantity: qty}
}

func TestSettle_FullMatch(t *testing.T) {
	fx := newFixture(t)
	m := fx.seedMatch(t, "2", "2", "100")

	if err := fx.engine.Settle(context.Background(), m); err != nil {
		t.Fatalf("settle failed: %v", err)
	}

	if len(fx.fake.Executed) != 2 {
		t.Errorf("expected both allocation legs executed, got %v", fx.fake.Executed)
	}
	if got := fx.reserver.Reserved("alice", "CBTC"); !got.IsZero() {
		t.Errorf("buyer reservation not released: %s", got.String())
	}
	if got := fx.reserver.Reserved("bob", "CC"); !got.IsZero() {
		t.Errorf("seller reservation not released: %s", got.String())
	}
	if fx.trades.Len(ccPair) != 1 {
		t.Errorf("expected 1 cached trade, got %d", fx.trades.Len(ccPair))
	}
	if trades := fx.model.TradesForPair(ccPair, 0); len(trades) != 1 {
		t.Fatalf("expected 1 trade in read model, got %d", len(trades))
	} else if !trades[0].QuoteAmount.Equal(dec("200")) {
		t.Errorf("expected quote amount 200, got %s", trades[0].QuoteAmount.String())
	}
	for _, topic := range []string{
		types.TopicOrderbook(ccPair),
		types.TopicTrades(ccPair),
		types.TopicAllTrades,
		types.TopicBalance("alice"),
		types.TopicBalance("bob"),
	} {
		if !fx.pub.published(topic) {
			t.Errorf("expected event on %s", topic)
		}
	}
	if len(fx.triggers.prices) != 1 || !fx.triggers.prices[0].Equal(dec("100")) {
		t.Errorf("expected trigger check at 100, got %v", fx.triggers.prices)
	}

	// Both orders fully filled and out of the book.
	buys, sells := fx.model.OpenOrders(ccPair)
	if len(buys) != 0 || len(sells) != 0 {
		t.Errorf("filled orders still in book: %d buys, %d sells", len(buys), len(sells))
	}
}

func TestSettle_PartialFillStaysMatchable(t *testing.T) {
	fx := newFixture(t)
	m := fx.seedMatch(t, "5", "2", "100")

	if err := fx.engine.Settle(context.Background(), m); err != nil {
		t.Fatalf("settle failed: %v", err)
	}

	buys, sells := fx.model.OpenOrders(ccPair)
	if len(sells) != 0 {
		t.Errorf("fully filled sell still in book")
	}
	if len(buys) != 1 {
		t.Fatalf("expected partially filled buy in book, got %d", len(buys))
	}
	if !buys[0].Remaining().Equal(dec("3")) {
		t.Errorf("expected remaining 3, got %s", buys[0].Remaining().String())
	}
	if buys[0].ContractID == m.Buy.ContractID {
		t.Error("expected a replacement contract id after fill")
	}

	// 2 of 5 filled at 100: the buyer's quote reservation drops by 200.
	if got := fx.reserver.Reserved("alice", "CBTC"); !got.Equal(dec("300")) {
		t.Errorf("expected 300 still reserved, got %s", got.String())
	}
	if got := fx.reserver.Reserved("bob", "CC"); !got.IsZero() {
		t.Errorf("seller reservation not fully released: %s", got.String())
	}
}

func TestSettle_BuyOrderGoneAborts(t *testing.T) {
	fx := newFixture(t)
	m := fx.seedMatch(t, "1", "1", "100")
	m.Buy.ContractID = "c-missing"

	err := fx.engine.Settle(context.Background(), m)
	if !errors.IsOf(err, ledger.ErrContractNotFound) {
		t.Fatalf("expected contract-not-found, got %v", err)
	}

	if len(fx.fake.Executed) != 0 {
		t.Errorf("no transfer may run for a void match, executed %v", fx.fake.Executed)
	}
	// The sell order is untouched and still matchable.
	_, sells := fx.model.OpenOrders(ccPair)
	if len(sells) != 1 {
		t.Errorf("expected untouched sell order, got %d", len(sells))
	}
}

func TestSettle_LegFailureIsPartialSettlement(t *testing.T) {
	fx := newFixture(t)
	m := fx.seedMatch(t, "1", "1", "100")
	fx.fake.FailNext("execute:"+m.Sell.AllocationRef, ledger.ErrContractNotFound)

	err := fx.engine.Settle(context.Background(), m)
	if !errors.IsOf(err, types.ErrPartialSettlement) {
		t.Fatalf("expected partial settlement, got %v", err)
	}

	// The quote leg still ran; nothing is reversed.
	if len(fx.fake.Executed) != 1 || fx.fake.Executed[0] != m.Buy.AllocationRef {
		t.Errorf("expected only the quote leg executed, got %v", fx.fake.Executed)
	}
	if !fx.pub.published(types.TopicSystem) {
		t.Error("expected a partial settlement event on the system topic")
	}
	// The trade record exists for reconciliation.
	if fx.trades.Len(ccPair) != 1 {
		t.Errorf("expected trade recorded despite partial settlement")
	}
}

func TestSettle_DustLegSkipped(t *testing.T) {
	fx := newFixture(t)
	m := fx.seedMatch(t, "0.0000005", "0.0000005", "1")

	if err := fx.engine.Settle(context.Background(), m); err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	// Both legs are below 1e-6 and skipped; that is success, not a
	// partial settlement.
	if len(fx.fake.Executed) != 0 {
		t.Errorf("dust legs must not transfer, executed %v", fx.fake.Executed)
	}
}

func TestSettle_SellFillFailureContinuesToTransfer(t *testing.T) {
	fx := newFixture(t)
	m := fx.seedMatch(t, "1", "1", "100")
	fx.fake.FailNext("submit:"+types.ChoiceFillOrder, nil) // consume none; fail the second below

	// Script: first FillOrder (buy) succeeds, second (sell) fails.
	fx.fake.FailNext("submit:"+types.ChoiceFillOrder, ledger.ErrConflict)

	err := fx.engine.Settle(context.Background(), m)
	if err != nil {
		t.Fatalf("expected settlement to continue past sell fill failure, got %v", err)
	}
	if len(fx.fake.Executed) != 2 {
		t.Errorf("expected both transfers after sell fill failure, got %v", fx.fake.Executed)
	}
}

func TestSettle_FillConflictRetriesReplacementContract(t *testing.T) {
	fx := newFixture(t)
	m := fx.seedMatch(t, "1", "1", "100")

	// The buy contract was replaced between the cycle snapshot and the
	// fill; the view already holds the replacement.
	replaced := m.Buy.Clone()
	replaced.ContractID = fx.fake.Seed(types.TemplateOrder, types.OrderToPayload(replaced, "operator"))
	fx.model.UpsertOrder(replaced)

	fx.fake.FailNext("submit:"+types.ChoiceFillOrder, ledger.ErrConflict)

	if err := fx.engine.Settle(context.Background(), m); err != nil {
		t.Fatalf("expected retry against replacement contract, got %v", err)
	}
	if len(fx.fake.Executed) != 2 {
		t.Errorf("expected both transfers, got %v", fx.fake.Executed)
	}
	if _, ok := fx.fake.Active(replaced.ContractID); ok {
		t.Error("replacement contract should be consumed by the retried fill")
	}
}

func TestSettle_TradeContractFailureKeepsLocalRecord(t *testing.T) {
	fx := newFixture(t)
	m := fx.seedMatch(t, "1", "1", "100")
	fx.fake.FailNext("submit:", ledger.ErrTransport) // the create has no choice name

	if err := fx.engine.Settle(context.Background(), m); err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if fx.trades.Len(ccPair) != 1 {
		t.Error("expected local trade record despite contract failure")
	}
	trades := fx.model.TradesForPair(ccPair, 0)
	if len(trades) != 1 || trades[0].TradeID == "" {
		t.Error("expected synthetic trade id in read model")
	}
}
