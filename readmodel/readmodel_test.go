package readmodel

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cosmossdk.io/log"
	"cosmossdk.io/math"

	"github.com/openclob/ledger-clob/ledger"
	"github.com/openclob/ledger-clob/ledger/ledgertest"
	"github.com/openclob/ledger-clob/types"
)

var ccPair = types.TradingPair{Base: "CC", Quote: "CBTC"}

func dec(s string) math.LegacyDec {
	return math.LegacyMustNewDecFromStr(s)
}

func seedOrder(f *ledgertest.Fake, orderID string, side types.Side, mode types.Mode, price string, qty string, at time.Time) string {
	order := &types.Order{
		OrderID:   orderID,
		Owner:     "alice",
		Pair:      ccPair,
		Side:      side,
		Mode:      mode,
		Quantity:  dec(qty),
		Filled:    math.LegacyZeroDec(),
		Status:    types.OrderStatusOpen,
		CreatedAt: at,
	}
	if price != "" {
		order.Price = dec(price)
	}
	return f.Seed(types.TemplateOrder, types.OrderToPayload(order, "operator"))
}

func seedTrade(f *ledgertest.Fake, tradeID, price string, at time.Time) string {
	return f.Seed(types.TemplateTrade, types.TradePayload{
		TradeID:     tradeID,
		TradingPair: ccPair.String(),
		Buyer:       "alice",
		Seller:      "bob",
		BasePrice:   price,
		BaseAmount:  "1",
		QuoteAmount: price,
		Timestamp:   at,
	})
}

func testStreamConfig() StreamConfig {
	return StreamConfig{
		BootstrapTimeout:     time.Second,
		BootstrapRetries:     1,
		BootstrapRetryDelay:  10 * time.Millisecond,
		ReconnectDelay:       10 * time.Millisecond,
		TokenRefreshInterval: time.Hour,
	}
}

func startModel(t *testing.T, f *ledgertest.Fake) *ReadModel {
	t.Helper()
	rm := New(f, "operator", []types.TradingPair{ccPair}, log.NewNopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	if err := rm.Start(ctx, testStreamConfig()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		rm.Stop()
	})
	if !f.WaitForSubscribers(1, time.Second) {
		t.Fatal("live stream never subscribed")
	}
	return rm
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}

func TestReadModel_BootstrapSnapshot(t *testing.T) {
	f := ledgertest.New()
	base := time.Now()
	seedOrder(f, "o-buy", types.SideBuy, types.ModeLimit, "100", "2", base)
	seedOrder(f, "o-sell", types.SideSell, types.ModeLimit, "105", "1", base)
	seedTrade(f, "t-1", "102", base)
	f.SeedAllocation("alice", "CBTC", dec("200"))

	rm := startModel(t, f)

	if !rm.IsReady() {
		t.Error("expected ready after bootstrap")
	}
	buys, sells := rm.OpenOrders(ccPair)
	if len(buys) != 1 || len(sells) != 1 {
		t.Fatalf("expected 1 buy and 1 sell, got %d/%d", len(buys), len(sells))
	}
	if trades := rm.TradesForPair(ccPair, 0); len(trades) != 1 {
		t.Errorf("expected 1 trade, got %d", len(trades))
	}
}

func TestReadModel_ResumesFromPersistedOffset(t *testing.T) {
	f := ledgertest.New()
	seedOrder(f, "o-buy", types.SideBuy, types.ModeLimit, "100", "2", time.Now())

	file := filepath.Join(t.TempDir(), "offset.json")
	saved, _ := json.Marshal(map[string]any{
		"offset":  "resume-42",
		"savedAt": time.Now().UTC(),
	})
	if err := os.WriteFile(file, saved, 0o644); err != nil {
		t.Fatal(err)
	}

	rm := New(f, "operator", []types.TradingPair{ccPair}, log.NewNopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cfg := testStreamConfig()
	cfg.OffsetFile = file
	if err := rm.Start(ctx, cfg); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		rm.Stop()
	})

	// The fresh ledger end would be a bare sequence number; keeping
	// the persisted value shows the stream resumed, not re-anchored.
	if got := rm.Offset(); got != "resume-42" {
		t.Errorf("expected resume from persisted offset, got %q", got)
	}
	if buys, _ := rm.OpenOrders(ccPair); len(buys) != 1 {
		t.Errorf("snapshot not drained on resume: %d buys", len(buys))
	}
}

func TestReadModel_StaleOffsetBootstrapsFresh(t *testing.T) {
	f := ledgertest.New()

	file := filepath.Join(t.TempDir(), "offset.json")
	saved, _ := json.Marshal(map[string]any{
		"offset":  "resume-42",
		"savedAt": time.Now().UTC().Add(-2 * time.Hour),
	})
	if err := os.WriteFile(file, saved, 0o644); err != nil {
		t.Fatal(err)
	}

	rm := New(f, "operator", []types.TradingPair{ccPair}, log.NewNopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cfg := testStreamConfig()
	cfg.OffsetFile = file
	cfg.OffsetMaxAge = time.Hour
	if err := rm.Start(ctx, cfg); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		rm.Stop()
	})

	if got := rm.Offset(); got == "resume-42" {
		t.Error("aged-out offset must not be resumed")
	}
}

func TestReadModel_OpenOrdersPriority(t *testing.T) {
	f := ledgertest.New()
	base := time.Now()
	seedOrder(f, "o-limit-low", types.SideBuy, types.ModeLimit, "99", "1", base)
	seedOrder(f, "o-limit-high", types.SideBuy, types.ModeLimit, "101", "1", base.Add(time.Second))
	seedOrder(f, "o-limit-high-late", types.SideBuy, types.ModeLimit, "101", "1", base.Add(2*time.Second))
	seedOrder(f, "o-market", types.SideBuy, types.ModeMarket, "", "1", base.Add(3*time.Second))

	rm := startModel(t, f)

	buys, _ := rm.OpenOrders(ccPair)
	want := []string{"o-market", "o-limit-high", "o-limit-high-late", "o-limit-low"}
	if len(buys) != len(want) {
		t.Fatalf("expected %d buys, got %d", len(want), len(buys))
	}
	for i, id := range want {
		if buys[i].OrderID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, buys[i].OrderID)
		}
	}
}

func TestReadModel_AsksSortAscending(t *testing.T) {
	f := ledgertest.New()
	base := time.Now()
	seedOrder(f, "o-high", types.SideSell, types.ModeLimit, "110", "1", base)
	seedOrder(f, "o-low", types.SideSell, types.ModeLimit, "105", "1", base.Add(time.Second))

	rm := startModel(t, f)

	_, sells := rm.OpenOrders(ccPair)
	if len(sells) != 2 || sells[0].OrderID != "o-low" || sells[1].OrderID != "o-high" {
		t.Errorf("asks not sorted low to high: %+v", orderIDs(sells))
	}
}

func TestReadModel_LiveUpdateAndArchive(t *testing.T) {
	f := ledgertest.New()
	rm := startModel(t, f)

	cid := seedOrder(f, "o-1", types.SideBuy, types.ModeLimit, "100", "1", time.Now())
	waitFor(t, func() bool {
		_, ok := rm.OrderByContractID(cid)
		return ok
	})

	// A cancel archives the contract without a replacement.
	_, err := f.SubmitCommand(context.Background(), []string{"alice"}, nil,
		ledger.ExerciseCommand(cid, types.ChoiceCancelOrder, nil))
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	waitFor(t, func() bool {
		_, ok := rm.OrderByContractID(cid)
		return !ok
	})
	buys, _ := rm.OpenOrders(ccPair)
	if len(buys) != 0 {
		t.Errorf("archived order still in book: %+v", orderIDs(buys))
	}
}

func TestReadModel_FillReplacesContractID(t *testing.T) {
	f := ledgertest.New()
	base := time.Now()
	cid := seedOrder(f, "o-1", types.SideBuy, types.ModeLimit, "100", "2", base)

	rm := startModel(t, f)

	order := &types.Order{
		OrderID:    "o-1",
		ContractID: "c-new",
		Owner:      "alice",
		Pair:       ccPair,
		Side:       types.SideBuy,
		Mode:       types.ModeLimit,
		Price:      dec("100"),
		Quantity:   dec("2"),
		Filled:     dec("1"),
		Status:     types.OrderStatusPartiallyFilled,
		CreatedAt:  base,
	}
	rm.UpsertOrder(order)

	if _, ok := rm.OrderByContractID(cid); ok {
		t.Error("stale contract id still indexed after upsert")
	}
	got, ok := rm.OrderByID("o-1")
	if !ok || got.ContractID != "c-new" {
		t.Fatalf("expected order under new contract id, got %+v", got)
	}
	if !got.Remaining().Equal(dec("1")) {
		t.Errorf("expected remaining 1, got %s", got.Remaining().String())
	}
	buys, _ := rm.OpenOrders(ccPair)
	if len(buys) != 1 {
		t.Errorf("expected the partial fill to stay matchable, got %d buys", len(buys))
	}
}

func TestReadModel_MarketPrice(t *testing.T) {
	f := ledgertest.New()
	base := time.Now()
	rm := startModel(t, f)

	if _, ok := rm.MarketPrice(ccPair); ok {
		t.Error("expected no market price on empty state")
	}

	seedTrade(f, "t-1", "100", base)
	waitFor(t, func() bool { return len(rm.TradesForPair(ccPair, 0)) == 1 })
	if price, ok := rm.MarketPrice(ccPair); !ok || !price.Equal(dec("100")) {
		t.Errorf("expected last trade price 100, got %s", price.String())
	}

	cidAsk := seedOrder(f, "o-ask", types.SideSell, types.ModeLimit, "110", "1", base)
	waitFor(t, func() bool {
		_, ok := rm.OrderByContractID(cidAsk)
		return ok
	})
	if price, ok := rm.MarketPrice(ccPair); !ok || !price.Equal(dec("110")) {
		t.Errorf("expected best ask 110, got %s", price.String())
	}

	cidBid := seedOrder(f, "o-bid", types.SideBuy, types.ModeLimit, "100", "1", base)
	waitFor(t, func() bool {
		_, ok := rm.OrderByContractID(cidBid)
		return ok
	})
	if price, ok := rm.MarketPrice(ccPair); !ok || !price.Equal(dec("105")) {
		t.Errorf("expected midpoint 105, got %s", price.String())
	}
}

func TestReadModel_TradesNewestFirst(t *testing.T) {
	f := ledgertest.New()
	base := time.Now()
	seedTrade(f, "t-1", "100", base)
	seedTrade(f, "t-2", "101", base.Add(time.Second))
	seedTrade(f, "t-3", "102", base.Add(2*time.Second))

	rm := startModel(t, f)

	trades := rm.TradesForPair(ccPair, 2)
	if len(trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(trades))
	}
	if trades[0].TradeID != "t-3" || trades[1].TradeID != "t-2" {
		t.Errorf("expected newest first, got %s, %s", trades[0].TradeID, trades[1].TradeID)
	}
}

func TestReadModel_AllTradesMergesPairs(t *testing.T) {
	f := ledgertest.New()
	otherPair := types.TradingPair{Base: "CETH", Quote: "CBTC"}
	rm := New(f, "operator", []types.TradingPair{ccPair, otherPair}, log.NewNopLogger())

	base := time.Now()
	rm.UpsertTrade(&types.Trade{TradeID: "t-1", Pair: ccPair, Timestamp: base})
	rm.UpsertTrade(&types.Trade{TradeID: "t-2", Pair: otherPair, Timestamp: base.Add(time.Second)})
	rm.UpsertTrade(&types.Trade{TradeID: "t-3", Pair: ccPair, Timestamp: base.Add(2 * time.Second)})

	all := rm.AllTrades(0)
	if len(all) != 3 {
		t.Fatalf("expected 3 trades, got %d", len(all))
	}
	for i, want := range []string{"t-3", "t-2", "t-1"} {
		if all[i].TradeID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, all[i].TradeID)
		}
	}

	limited := rm.AllTrades(2)
	if len(limited) != 2 || limited[0].TradeID != "t-3" || limited[1].TradeID != "t-2" {
		t.Errorf("expected the 2 newest trades across pairs, got %v", limited)
	}
}

func TestReadModel_RefreshFromQuery(t *testing.T) {
	f := ledgertest.New()
	rm := New(f, "operator", []types.TradingPair{ccPair}, log.NewNopLogger())

	seedOrder(f, "o-1", types.SideBuy, types.ModeLimit, "100", "1", time.Now())
	if err := rm.RefreshFromQuery(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	buys, _ := rm.OpenOrders(ccPair)
	if len(buys) != 1 || buys[0].OrderID != "o-1" {
		t.Errorf("expected o-1 after refresh, got %+v", orderIDs(buys))
	}
}

func TestReadModel_PendingTriggerExcludedFromBook(t *testing.T) {
	f := ledgertest.New()
	order := &types.Order{
		OrderID:   "o-stop",
		Owner:     "alice",
		Pair:      ccPair,
		Side:      types.SideSell,
		Mode:      types.ModeStopLoss,
		StopPrice: dec("95"),
		Quantity:  dec("1"),
		Filled:    math.LegacyZeroDec(),
		Status:    types.OrderStatusPendingTrigger,
		CreatedAt: time.Now(),
	}
	f.Seed(types.TemplateOrder, types.OrderToPayload(order, "operator"))

	rm := startModel(t, f)

	_, sells := rm.OpenOrders(ccPair)
	if len(sells) != 0 {
		t.Errorf("pending-trigger order leaked into book: %+v", orderIDs(sells))
	}
	if _, ok := rm.OrderByID("o-stop"); !ok {
		t.Error("pending-trigger order missing from index")
	}
}

func orderIDs(orders []*types.Order) []string {
	out := make([]string, len(orders))
	for i, o := range orders {
		out[i] = o.OrderID
	}
	return out
}
