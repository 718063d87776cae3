package types

import (
	"testing"
	"time"

	"cosmossdk.io/math"
	"github.com/stretchr/testify/require"
)

func dec(s string) math.LegacyDec {
	return math.LegacyMustNewDecFromStr(s)
}

func TestParsePair(t *testing.T) {
	cases := []struct {
		in   string
		want TradingPair
		ok   bool
	}{
		{"CC/CBTC", TradingPair{Base: "CC", Quote: "CBTC"}, true},
		{"CC/CBTC/USD", TradingPair{}, false},
		{"CCCBTC", TradingPair{}, false},
		{"/CBTC", TradingPair{}, false},
		{"CC/", TradingPair{}, false},
		{"", TradingPair{}, false},
	}
	for _, tc := range cases {
		pair, err := ParsePair(tc.in)
		if !tc.ok {
			require.Error(t, err, "input %q", tc.in)
			continue
		}
		require.NoError(t, err)
		require.Equal(t, tc.want, pair)
		require.Equal(t, tc.in, pair.String())
	}
}

func TestPairJSONRoundTrip(t *testing.T) {
	pair := TradingPair{Base: "CC", Quote: "CBTC"}
	raw, err := pair.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "CC/CBTC", string(raw))

	var parsed TradingPair
	require.NoError(t, parsed.UnmarshalText(raw))
	require.Equal(t, pair, parsed)
}

func TestParseEnums(t *testing.T) {
	side, err := ParseSide("BUY")
	require.NoError(t, err)
	require.Equal(t, SideBuy, side)
	require.Equal(t, SideSell, side.Opposite())

	_, err = ParseSide("long")
	require.Error(t, err)

	mode, err := ParseMode("stop_loss")
	require.NoError(t, err)
	require.Equal(t, ModeStopLoss, mode)

	status, err := ParseOrderStatus("partially_filled")
	require.NoError(t, err)
	require.Equal(t, OrderStatusPartiallyFilled, status)
}

func TestOrderLifecycle(t *testing.T) {
	pair := TradingPair{Base: "CC", Quote: "CBTC"}
	order := NewOrder("o-1", "alice", pair, SideBuy, ModeLimit, dec("100"), dec("10"))

	require.Equal(t, OrderStatusOpen, order.Status)
	require.True(t, order.IsActive())
	require.True(t, order.HasRemaining())
	require.Equal(t, dec("10"), order.Remaining())

	require.NoError(t, order.Fill(dec("4")))
	require.Equal(t, OrderStatusPartiallyFilled, order.Status)
	require.Equal(t, dec("6"), order.Remaining())
	require.True(t, order.IsActive())

	// Overfilling is rejected and leaves the order untouched.
	require.Error(t, order.Fill(dec("7")))
	require.Equal(t, dec("4"), order.Filled)

	require.NoError(t, order.Fill(dec("6")))
	require.Equal(t, OrderStatusFilled, order.Status)
	require.False(t, order.IsActive())
	require.False(t, order.HasRemaining())
}

func TestOrderRemainderEpsilon(t *testing.T) {
	pair := TradingPair{Base: "CC", Quote: "CBTC"}
	order := NewOrder("o-1", "alice", pair, SideSell, ModeLimit, dec("100"), dec("1"))

	// A floating leftover below the epsilon is not matchable.
	require.NoError(t, order.Fill(dec("0.99999995")))
	require.True(t, order.IsActive())
	require.False(t, order.HasRemaining())
}

func TestStopOrderTrigger(t *testing.T) {
	pair := TradingPair{Base: "CC", Quote: "CBTC"}
	order := NewOrder("o-1", "alice", pair, SideSell, ModeStopLoss, math.LegacyDec{}, dec("1"))
	order.StopPrice = dec("95")

	require.Equal(t, OrderStatusPendingTrigger, order.Status)
	require.False(t, order.IsActive(), "pending stops stay out of the matching view")

	at := time.Now()
	order.Trigger(at, dec("94"))
	require.Equal(t, OrderStatusOpen, order.Status)
	require.Equal(t, ModeMarket, order.Mode)
	require.True(t, order.Price.IsNil())
	require.Equal(t, dec("94"), order.TriggerPrice)
	require.NotNil(t, order.TriggeredAt)
}

func TestShouldTrigger(t *testing.T) {
	cases := []struct {
		name  string
		side  Side
		stop  string
		price string
		want  bool
	}{
		{"sell at stop", SideSell, "95", "95", true},
		{"sell below stop", SideSell, "95", "90", true},
		{"sell above stop", SideSell, "95", "96", false},
		{"buy at stop", SideBuy, "105", "105", true},
		{"buy above stop", SideBuy, "105", "110", true},
		{"buy below stop", SideBuy, "105", "104", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg := &StopRegistration{Side: tc.side, StopPrice: dec(tc.stop)}
			require.Equal(t, tc.want, reg.ShouldTrigger(dec(tc.price)))
		})
	}

	fired := &StopRegistration{Side: SideSell, StopPrice: dec("95"), Triggered: true}
	require.False(t, fired.ShouldTrigger(dec("90")), "a fired stop never re-triggers")
}

func TestOrderClone(t *testing.T) {
	pair := TradingPair{Base: "CC", Quote: "CBTC"}
	order := NewOrder("o-1", "alice", pair, SideBuy, ModeLimit, dec("100"), dec("10"))

	clone := order.Clone()
	require.NoError(t, clone.Fill(dec("10")))
	require.Equal(t, OrderStatusFilled, clone.Status)
	require.Equal(t, OrderStatusOpen, order.Status)
	require.True(t, order.Filled.IsZero())
}

func TestNewTradeDerivesQuoteAmount(t *testing.T) {
	pair := TradingPair{Base: "CC", Quote: "CBTC"}
	buy := NewOrder("o-b", "alice", pair, SideBuy, ModeLimit, dec("100"), dec("3"))
	buy.AllocationRef = "a-buy"
	sell := NewOrder("o-s", "bob", pair, SideSell, ModeLimit, dec("99.5"), dec("5"))
	sell.AllocationRef = "a-sell"

	trade := NewTrade("t-1", pair, buy, sell, dec("99.5"), dec("3"))
	require.Equal(t, "alice", trade.Buyer)
	require.Equal(t, "bob", trade.Seller)
	require.Equal(t, dec("298.5"), trade.QuoteAmount)
	require.Equal(t, "a-buy", trade.BuyAllocationRef)
	require.Equal(t, "a-sell", trade.SellAllocationRef)
}
