package stoploss

import (
	"context"
	"sync"
	"testing"
	"time"

	"cosmossdk.io/log"
	"cosmossdk.io/math"

	"github.com/openclob/ledger-clob/ledger"
	"github.com/openclob/ledger-clob/ledger/ledgertest"
	"github.com/openclob/ledger-clob/readmodel"
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

type fixture struct {
	fake   *ledgertest.Fake
	model  *readmodel.ReadModel
	pub    *fakePublisher
	engine *Engine

	mu     sync.Mutex
	cycles []types.TradingPair
}

func newFixture() *fixture {
	fake := ledgertest.New()
	model := readmodel.New(fake, "operator", []types.TradingPair{ccPair}, log.NewNopLogger())
	pub := &fakePublisher{}
	fx := &fixture{fake: fake, model: model, pub: pub}
	fx.engine = New(fake, model, pub, "operator", DefaultConfig(), log.NewNopLogger())
	fx.engine.SetCycleRequester(func(pair types.TradingPair) {
		fx.mu.Lock()
		fx.cycles = append(fx.cycles, pair)
		fx.mu.Unlock()
	})
	return fx
}

func (fx *fixture) cycleRequests() int {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return len(fx.cycles)
}

// seedStop places a pending stop order on the fake ledger and registers
// it with the engine.
func (fx *fixture) seedStop(orderID string, side types.Side, stopPrice string) *types.StopRegistration {
	order := &types.Order{
		OrderID:   orderID,
		Owner:     "alice",
		Pair:      ccPair,
		Side:      side,
		Mode:      types.ModeStopLoss,
		StopPrice: dec(stopPrice),
		Quantity:  dec("1"),
		Filled:    math.LegacyZeroDec(),
		Status:    types.OrderStatusPendingTrigger,
		CreatedAt: time.Now(),
	}
	cid := fx.fake.Seed(types.TemplateOrder, types.OrderToPayload(order, "operator"))
	order.ContractID = cid
	fx.model.UpsertOrder(order)

	reg := &types.StopRegistration{
		OrderID:         orderID,
		OrderContractID: cid,
		Owner:           "alice",
		Pair:            ccPair,
		Side:            side,
		StopPrice:       dec(stopPrice),
		Quantity:        dec("1"),
	}
	fx.engine.Register(reg)
	return reg
}

func TestCheckTriggers_SellStopFiresAtOrBelow(t *testing.T) {
	fx := newFixture()
	fx.seedStop("o-stop", types.SideSell, "95")

	// Above the stop: nothing happens.
	fx.engine.CheckTriggers(context.Background(), ccPair, dec("96"))
	if fx.engine.Pending(ccPair) != 1 {
		t.Fatal("stop fired above its price")
	}

	fx.engine.CheckTriggers(context.Background(), ccPair, dec("95"))
	if fx.engine.Pending(ccPair) != 0 {
		t.Fatal("sell stop did not fire at its price")
	}

	// The promoted order is a market order in the book.
	_, sells := fx.model.OpenOrders(ccPair)
	if len(sells) != 1 {
		t.Fatalf("expected promoted order in book, got %d sells", len(sells))
	}
	if sells[0].Mode != types.ModeMarket || !sells[0].Price.IsNil() {
		t.Errorf("expected market order, got mode=%s price=%v", sells[0].Mode, sells[0].Price)
	}
	if sells[0].Status != types.OrderStatusOpen {
		t.Errorf("expected open status, got %s", sells[0].Status)
	}
	if fx.cycleRequests() != 1 {
		t.Errorf("expected one cycle request, got %d", fx.cycleRequests())
	}
}

func TestCheckTriggers_BuyStopFiresAtOrAbove(t *testing.T) {
	fx := newFixture()
	fx.seedStop("o-stop", types.SideBuy, "105")

	fx.engine.CheckTriggers(context.Background(), ccPair, dec("104"))
	if fx.engine.Pending(ccPair) != 1 {
		t.Fatal("buy stop fired below its price")
	}
	fx.engine.CheckTriggers(context.Background(), ccPair, dec("106"))
	if fx.engine.Pending(ccPair) != 0 {
		t.Fatal("buy stop did not fire above its price")
	}
}

// bareResultClient strips created contracts from exercise results, as
// a ledger that reports effects only through the stream would.
type bareResultClient struct {
	ledger.Client
}

func (c bareResultClient) SubmitCommand(ctx context.Context, actAs, readAs []string, cmd ledger.Command) (*ledger.TxResult, error) {
	res, err := c.Client.SubmitCommand(ctx, actAs, readAs, cmd)
	if err == nil {
		res.Created = nil
	}
	return res, err
}

func TestCheckTriggers_PromotesViewEntryWithoutCreatedResult(t *testing.T) {
	fx := newFixture()
	fx.engine = New(bareResultClient{fx.fake}, fx.model, fx.pub, "operator", DefaultConfig(), log.NewNopLogger())
	fx.seedStop("o-stop", types.SideSell, "95")

	fx.engine.CheckTriggers(context.Background(), ccPair, dec("94"))

	// No replacement contract came back, so the view entry itself is
	// promoted into the book.
	_, sells := fx.model.OpenOrders(ccPair)
	if len(sells) != 1 {
		t.Fatalf("expected promoted order in book, got %d sells", len(sells))
	}
	promoted := sells[0]
	if promoted.Status != types.OrderStatusOpen {
		t.Errorf("expected open status, got %s", promoted.Status)
	}
	if promoted.Mode != types.ModeMarket || !promoted.Price.IsNil() {
		t.Errorf("expected market order, got mode=%s price=%v", promoted.Mode, promoted.Price)
	}
	if !promoted.TriggerPrice.Equal(dec("94")) {
		t.Errorf("expected trigger price 94, got %s", promoted.TriggerPrice.String())
	}
}

func TestCheckTriggers_FailureIsolatedPerOrder(t *testing.T) {
	fx := newFixture()
	fx.seedStop("o-stop-1", types.SideSell, "95")
	fx.seedStop("o-stop-2", types.SideSell, "95")

	// The first trigger submission fails; the second must still fire.
	fx.fake.FailNext("submit:"+types.ChoiceTriggerStopLoss, ledger.ErrTransport)

	fx.engine.CheckTriggers(context.Background(), ccPair, dec("90"))
	if got := fx.engine.Pending(ccPair); got != 1 {
		t.Errorf("expected one stop remaining after isolated failure, got %d", got)
	}
}

func TestCheckTriggers_GoneContractUnregisters(t *testing.T) {
	fx := newFixture()
	reg := fx.seedStop("o-stop", types.SideSell, "95")
	reg.OrderContractID = "c-missing"

	fx.engine.CheckTriggers(context.Background(), ccPair, dec("90"))
	if fx.engine.Pending(ccPair) != 0 {
		t.Error("expected gone contract to be unregistered")
	}
	if fx.cycleRequests() != 0 {
		t.Error("no cycle request for a failed trigger")
	}
}

func TestPollOnce_UsesMarketPrice(t *testing.T) {
	fx := newFixture()
	fx.seedStop("o-stop", types.SideSell, "95")

	// No price source: the poll does nothing.
	fx.engine.pollOnce(context.Background())
	if fx.engine.Pending(ccPair) != 1 {
		t.Fatal("stop fired without a price")
	}

	// A last trade below the stop makes the poll fire it.
	fx.model.UpsertTrade(&types.Trade{
		TradeID:    "t-1",
		Pair:       ccPair,
		BasePrice:  dec("94"),
		BaseAmount: dec("1"),
		Timestamp:  time.Now(),
	})
	fx.engine.pollOnce(context.Background())
	if fx.engine.Pending(ccPair) != 0 {
		t.Error("expected poll to fire the stop from the last trade price")
	}
}

func TestUnregister_RemovesPendingStop(t *testing.T) {
	fx := newFixture()
	fx.seedStop("o-stop", types.SideSell, "95")

	fx.engine.Unregister("o-stop")
	if fx.engine.Pending(ccPair) != 0 {
		t.Error("expected no pending stops after unregister")
	}
	fx.engine.Unregister("o-unknown") // no-op
}
