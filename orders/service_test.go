package orders

import (
	"context"
	"sync"
	"testing"
	"time"

	"cosmossdk.io/errors"
	"cosmossdk.io/log"
	"cosmossdk.io/math"

	"github.com/openclob/ledger-clob/ledger"
	"github.com/openclob/ledger-clob/ledger/ledgertest"
	"github.com/openclob/ledger-clob/readmodel"
	"github.com/openclob/ledger-clob/reserve"
	"github.com/openclob/ledger-clob/stoploss"
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

type fixture struct {
	fake     *ledgertest.Fake
	model    *readmodel.ReadModel
	reserver *reserve.Reserver
	stops    *stoploss.Engine
	pub      *fakePublisher
	svc      *Service

	mu     sync.Mutex
	cycles []types.TradingPair
}

func newFixture() *fixture {
	fake := ledgertest.New()
	model := readmodel.New(fake, "operator", []types.TradingPair{ccPair}, log.NewNopLogger())
	reserver := reserve.New(log.NewNopLogger())
	pub := &fakePublisher{}
	stops := stoploss.New(fake, model, pub, "operator", stoploss.DefaultConfig(), log.NewNopLogger())

	fx := &fixture{fake: fake, model: model, reserver: reserver, stops: stops, pub: pub}
	fx.svc = New(fake, model, reserver, stops, pub, "operator",
		[]types.TradingPair{ccPair}, DefaultConfig(), log.NewNopLogger())
	fx.svc.SetCycleRequester(func(pair types.TradingPair) {
		fx.mu.Lock()
		fx.cycles = append(fx.cycles, pair)
		fx.mu.Unlock()
	})
	fake.SetBalance("alice", "CBTC", dec("100000"))
	fake.SetBalance("alice", "CC", dec("100000"))
	return fx
}

func (fx *fixture) cycleRequests() int {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return len(fx.cycles)
}

func (fx *fixture) restingAsk(price, qty string) {
	fx.model.UpsertOrder(&types.Order{
		OrderID:    "o-resting",
		ContractID: "c-resting",
		Owner:      "bob",
		Pair:       ccPair,
		Side:       types.SideSell,
		Mode:       types.ModeLimit,
		Price:      dec(price),
		Quantity:   dec(qty),
		Filled:     math.LegacyZeroDec(),
		Status:     types.OrderStatusOpen,
		CreatedAt:  time.Now(),
	})
}

func TestPlace_LimitBuy(t *testing.T) {
	fx := newFixture()

	order, err := fx.svc.Place(context.Background(), PlaceRequest{
		Party:    "alice",
		Pair:     ccPair,
		Side:     types.SideBuy,
		Mode:     types.ModeLimit,
		Price:    dec("100"),
		Quantity: dec("2"),
	})
	if err != nil {
		t.Fatalf("place failed: %v", err)
	}
	if order.ContractID == "" {
		t.Error("expected a contract id from the create")
	}
	if order.Status != types.OrderStatusOpen {
		t.Errorf("expected open status, got %s", order.Status)
	}
	// Quote cost 2 * 100 reserved up front.
	if got := fx.reserver.Reserved("alice", "CBTC"); !got.Equal(dec("200")) {
		t.Errorf("expected 200 reserved, got %s", got.String())
	}
	// Visible to matching before the stream round-trips.
	buys, _ := fx.model.OpenOrders(ccPair)
	if len(buys) != 1 || buys[0].OrderID != order.OrderID {
		t.Error("expected speculative read model insert")
	}
	if fx.cycleRequests() != 1 {
		t.Errorf("expected a matching cycle request, got %d", fx.cycleRequests())
	}
	if !fx.pub.published(types.TopicOrderbook(ccPair)) {
		t.Error("expected an order placed event on the pair's orderbook topic")
	}
}

func TestPlace_SellReservesBase(t *testing.T) {
	fx := newFixture()

	_, err := fx.svc.Place(context.Background(), PlaceRequest{
		Party:    "alice",
		Pair:     ccPair,
		Side:     types.SideSell,
		Mode:     types.ModeLimit,
		Price:    dec("100"),
		Quantity: dec("3"),
	})
	if err != nil {
		t.Fatalf("place failed: %v", err)
	}
	if got := fx.reserver.Reserved("alice", "CC"); !got.Equal(dec("3")) {
		t.Errorf("expected 3 CC reserved, got %s", got.String())
	}
}

func TestPlace_MarketBuyReservesWithSlippageBuffer(t *testing.T) {
	fx := newFixture()
	fx.restingAsk("100", "10")

	_, err := fx.svc.Place(context.Background(), PlaceRequest{
		Party:    "alice",
		Pair:     ccPair,
		Side:     types.SideBuy,
		Mode:     types.ModeMarket,
		Quantity: dec("2"),
	})
	if err != nil {
		t.Fatalf("place failed: %v", err)
	}
	// 2 * 100 * 1.05
	if got := fx.reserver.Reserved("alice", "CBTC"); !got.Equal(dec("210")) {
		t.Errorf("expected 210 reserved, got %s", got.String())
	}
}

func TestPlace_MarketBuyEmptyBookRejected(t *testing.T) {
	fx := newFixture()

	_, err := fx.svc.Place(context.Background(), PlaceRequest{
		Party:    "alice",
		Pair:     ccPair,
		Side:     types.SideBuy,
		Mode:     types.ModeMarket,
		Quantity: dec("1"),
	})
	if !errors.IsOf(err, types.ErrEmptyBook) {
		t.Fatalf("expected empty book rejection, got %v", err)
	}
	if got := fx.reserver.Reserved("alice", "CBTC"); !got.IsZero() {
		t.Errorf("rejected order left a reservation: %s", got.String())
	}
}

func TestPlace_MarketSellEmptyBookRejected(t *testing.T) {
	fx := newFixture()
	fx.fake.SetBalance("alice", "CC", dec("10"))

	_, err := fx.svc.Place(context.Background(), PlaceRequest{
		Party:    "alice",
		Pair:     ccPair,
		Side:     types.SideSell,
		Mode:     types.ModeMarket,
		Quantity: dec("1"),
	})
	if !errors.IsOf(err, types.ErrEmptyBook) {
		t.Fatalf("expected empty book rejection, got %v", err)
	}
	if got := fx.reserver.Reserved("alice", "CC"); !got.IsZero() {
		t.Errorf("rejected order left a reservation: %s", got.String())
	}
}

func TestPlace_ValidationErrors(t *testing.T) {
	fx := newFixture()

	cases := []struct {
		name string
		req  PlaceRequest
		want *errors.Error
	}{
		{
			name: "unknown pair",
			req: PlaceRequest{
				Party: "alice", Pair: types.TradingPair{Base: "XX", Quote: "YY"},
				Side: types.SideBuy, Mode: types.ModeLimit, Price: dec("1"), Quantity: dec("1"),
			},
			want: types.ErrUnknownPair,
		},
		{
			name: "limit without price",
			req: PlaceRequest{
				Party: "alice", Pair: ccPair,
				Side: types.SideBuy, Mode: types.ModeLimit, Quantity: dec("1"),
			},
			want: types.ErrInvalidPrice,
		},
		{
			name: "market with price",
			req: PlaceRequest{
				Party: "alice", Pair: ccPair,
				Side: types.SideBuy, Mode: types.ModeMarket, Price: dec("1"), Quantity: dec("1"),
			},
			want: types.ErrInvalidPrice,
		},
		{
			name: "stop without stop price",
			req: PlaceRequest{
				Party: "alice", Pair: ccPair,
				Side: types.SideSell, Mode: types.ModeStopLoss, Quantity: dec("1"),
			},
			want: types.ErrInvalidStopPrice,
		},
		{
			name: "zero quantity",
			req: PlaceRequest{
				Party: "alice", Pair: ccPair,
				Side: types.SideBuy, Mode: types.ModeLimit, Price: dec("1"), Quantity: dec("0"),
			},
			want: types.ErrInvalidQuantity,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := fx.svc.Place(context.Background(), tc.req)
			if !errors.IsOf(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestPlace_InsufficientFunds(t *testing.T) {
	fx := newFixture()
	fx.fake.SetBalance("alice", "CBTC", dec("100"))

	_, err := fx.svc.Place(context.Background(), PlaceRequest{
		Party:    "alice",
		Pair:     ccPair,
		Side:     types.SideBuy,
		Mode:     types.ModeLimit,
		Price:    dec("100"),
		Quantity: dec("2"),
	})
	if !errors.IsOf(err, types.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
}

func TestPlace_BalanceCheckUnavailableProceeds(t *testing.T) {
	fx := newFixture()
	fx.fake.FailNext("balance", ledger.ErrTransport)

	_, err := fx.svc.Place(context.Background(), PlaceRequest{
		Party:    "alice",
		Pair:     ccPair,
		Side:     types.SideBuy,
		Mode:     types.ModeLimit,
		Price:    dec("100"),
		Quantity: dec("1"),
	})
	if err != nil {
		t.Fatalf("expected placement despite failed balance check, got %v", err)
	}
}

func TestPlace_CreateFailureReleasesReservation(t *testing.T) {
	fx := newFixture()
	fx.fake.FailNext("submit:", ledger.ErrTransport)

	_, err := fx.svc.Place(context.Background(), PlaceRequest{
		Party:    "alice",
		Pair:     ccPair,
		Side:     types.SideBuy,
		Mode:     types.ModeLimit,
		Price:    dec("100"),
		Quantity: dec("1"),
	})
	if err == nil {
		t.Fatal("expected create failure")
	}
	if got := fx.reserver.Reserved("alice", "CBTC"); !got.IsZero() {
		t.Errorf("failed create left a reservation: %s", got.String())
	}
}

func TestPlace_StopLossRegistersNoCycle(t *testing.T) {
	fx := newFixture()

	order, err := fx.svc.Place(context.Background(), PlaceRequest{
		Party:     "alice",
		Pair:      ccPair,
		Side:      types.SideSell,
		Mode:      types.ModeStopLoss,
		StopPrice: dec("95"),
		Quantity:  dec("1"),
	})
	if err != nil {
		t.Fatalf("place failed: %v", err)
	}
	if order.Status != types.OrderStatusPendingTrigger {
		t.Errorf("expected pending trigger, got %s", order.Status)
	}
	if fx.stops.Pending(ccPair) != 1 {
		t.Error("expected stop registration")
	}
	if fx.cycleRequests() != 0 {
		t.Error("pending stops must not trigger matching")
	}
	// Out of the book until triggered.
	_, sells := fx.model.OpenOrders(ccPair)
	if len(sells) != 0 {
		t.Error("pending stop leaked into the book")
	}
}

func TestCancel_HappyPath(t *testing.T) {
	fx := newFixture()
	alloc := fx.fake.SeedAllocation("alice", "CBTC", dec("200"))

	order, err := fx.svc.Place(context.Background(), PlaceRequest{
		Party:         "alice",
		Pair:          ccPair,
		Side:          types.SideBuy,
		Mode:          types.ModeLimit,
		Price:         dec("100"),
		Quantity:      dec("2"),
		AllocationRef: alloc,
	})
	if err != nil {
		t.Fatalf("place failed: %v", err)
	}

	if err := fx.svc.Cancel(context.Background(), "alice", order.OrderID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if len(fx.fake.Withdrawn) != 1 || fx.fake.Withdrawn[0] != alloc {
		t.Errorf("expected allocation withdrawn, got %v", fx.fake.Withdrawn)
	}
	if got := fx.reserver.Reserved("alice", "CBTC"); !got.IsZero() {
		t.Errorf("cancel left a reservation: %s", got.String())
	}
	if _, ok := fx.model.OrderByID(order.OrderID); ok {
		t.Error("cancelled order still in read model")
	}
	if !fx.pub.published(types.TopicOrderbook(ccPair)) {
		t.Error("expected a cancel event on the pair's orderbook topic")
	}
}

func TestCancel_GoneContractIsSuccess(t *testing.T) {
	fx := newFixture()

	order, err := fx.svc.Place(context.Background(), PlaceRequest{
		Party:    "alice",
		Pair:     ccPair,
		Side:     types.SideBuy,
		Mode:     types.ModeLimit,
		Price:    dec("100"),
		Quantity: dec("1"),
	})
	if err != nil {
		t.Fatalf("place failed: %v", err)
	}
	fx.fake.FailNext("submit:"+types.ChoiceCancelOrder, ledger.ErrContractNotFound)

	if err := fx.svc.Cancel(context.Background(), "alice", order.OrderID); err != nil {
		t.Fatalf("expected gone contract to count as success, got %v", err)
	}
	if got := fx.reserver.Reserved("alice", "CBTC"); !got.IsZero() {
		t.Errorf("reservation not released: %s", got.String())
	}
}

func TestCancel_Authorization(t *testing.T) {
	fx := newFixture()
	fx.fake.SetBalance("mallory", "CBTC", dec("1000"))

	order, err := fx.svc.Place(context.Background(), PlaceRequest{
		Party:    "alice",
		Pair:     ccPair,
		Side:     types.SideBuy,
		Mode:     types.ModeLimit,
		Price:    dec("100"),
		Quantity: dec("1"),
	})
	if err != nil {
		t.Fatalf("place failed: %v", err)
	}

	if err := fx.svc.Cancel(context.Background(), "mallory", order.OrderID); !errors.IsOf(err, types.ErrNotOwner) {
		t.Errorf("expected not-owner, got %v", err)
	}
	if err := fx.svc.Cancel(context.Background(), "alice", "o-unknown"); !errors.IsOf(err, types.ErrOrderNotFound) {
		t.Errorf("expected not-found, got %v", err)
	}
}

func TestCancel_StopRemovesRegistration(t *testing.T) {
	fx := newFixture()

	order, err := fx.svc.Place(context.Background(), PlaceRequest{
		Party:     "alice",
		Pair:      ccPair,
		Side:      types.SideSell,
		Mode:      types.ModeStopLoss,
		StopPrice: dec("95"),
		Quantity:  dec("1"),
	})
	if err != nil {
		t.Fatalf("place failed: %v", err)
	}
	if err := fx.svc.Cancel(context.Background(), "alice", order.OrderID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if fx.stops.Pending(ccPair) != 0 {
		t.Error("cancelled stop still registered")
	}
}
