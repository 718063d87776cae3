package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"cosmossdk.io/math"

	apitypes "github.com/openclob/ledger-clob/api/types"
	"github.com/openclob/ledger-clob/readmodel"
	"github.com/openclob/ledger-clob/types"
)

// MarketHandler serves read-only market data out of the projection.
type MarketHandler struct {
	model *readmodel.ReadModel
}

// NewMarketHandler creates a new market handler
func NewMarketHandler(model *readmodel.ReadModel) *MarketHandler {
	return &MarketHandler{model: model}
}

// HandleMarkets handles GET /v1/markets: one ticker per configured pair.
func (h *MarketHandler) HandleMarkets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}
	tickers := make([]*apitypes.TickerView, 0)
	for _, pair := range h.model.Pairs() {
		tickers = append(tickers, h.ticker(pair))
	}
	writeJSON(w, http.StatusOK, map[string]any{"markets": tickers})
}

// HandleTrades handles GET /v1/trades: the cross-pair trade feed,
// newest first.
func (h *MarketHandler) HandleTrades(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}
	limit := queryInt(r, "limit", 100)
	trades := h.model.AllTrades(limit)
	views := make([]*apitypes.TradeView, 0, len(trades))
	for _, t := range trades {
		views = append(views, apitypes.NewTradeView(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": views})
}

// HandleMarket handles /v1/markets/{pair}/{endpoint}. Pairs appear in
// paths as "BASE-QUOTE" since the slash form would split the route.
func (h *MarketHandler) HandleMarket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/v1/markets/")
	pairParam, endpoint := path, ""
	if i := strings.IndexByte(path, '/'); i >= 0 {
		pairParam, endpoint = path[:i], path[i+1:]
	}
	pair, err := parsePairParam(pairParam)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_pair", err.Error())
		return
	}
	if !h.knownPair(pair) {
		writeError(w, http.StatusNotFound, "unknown_pair", "Market not found: "+pair.String())
		return
	}

	switch endpoint {
	case "", "ticker":
		writeJSON(w, http.StatusOK, h.ticker(pair))
	case "orderbook":
		depth := queryInt(r, "depth", 20)
		writeJSON(w, http.StatusOK, h.orderbook(pair, depth))
	case "trades":
		limit := queryInt(r, "limit", 100)
		trades := h.model.TradesForPair(pair, limit)
		views := make([]*apitypes.TradeView, 0, len(trades))
		for _, t := range trades {
			views = append(views, apitypes.NewTradeView(t))
		}
		writeJSON(w, http.StatusOK, map[string]any{"trades": views})
	default:
		writeError(w, http.StatusNotFound, "not_found", "Endpoint not found")
	}
}

func (h *MarketHandler) ticker(pair types.TradingPair) *apitypes.TickerView {
	t := &apitypes.TickerView{Pair: pair.String()}
	if bid, ok := h.model.BestBid(pair); ok {
		t.BestBid = bid.String()
	}
	if ask, ok := h.model.BestAsk(pair); ok {
		t.BestAsk = ask.String()
	}
	if last, ok := h.model.LastTradePrice(pair); ok {
		t.LastPrice = last.String()
	}
	if mark, ok := h.model.MarketPrice(pair); ok {
		t.MarkPrice = mark.String()
	}
	return t
}

// orderbook aggregates resting orders into price levels, best first.
func (h *MarketHandler) orderbook(pair types.TradingPair, depth int) *apitypes.OrderbookView {
	snap := h.model.Snapshot(pair)
	return &apitypes.OrderbookView{
		Pair:      pair.String(),
		Bids:      aggregateLevels(snap.Bids, depth),
		Asks:      aggregateLevels(snap.Asks, depth),
		Timestamp: time.Now().UnixMilli(),
	}
}

// aggregateLevels folds orders into levels. The input arrives already
// sorted market orders first, then price levels best first, so equal
// prices are adjacent.
func aggregateLevels(orders []*types.Order, depth int) []apitypes.BookLevel {
	levels := make([]apitypes.BookLevel, 0, depth)
	for _, o := range orders {
		price := ""
		if !o.Price.IsNil() {
			price = o.Price.String()
		}
		if n := len(levels); n > 0 && levels[n-1].Price == price {
			qty, err := addDecStrings(levels[n-1].Quantity, o.Remaining().String())
			if err == nil {
				levels[n-1].Quantity = qty
				levels[n-1].Orders++
				continue
			}
		}
		if len(levels) >= depth {
			break
		}
		levels = append(levels, apitypes.BookLevel{
			Price:    price,
			Quantity: o.Remaining().String(),
			Orders:   1,
		})
	}
	return levels
}

func addDecStrings(a, b string) (string, error) {
	da, err := math.LegacyNewDecFromStr(a)
	if err != nil {
		return "", err
	}
	db, err := math.LegacyNewDecFromStr(b)
	if err != nil {
		return "", err
	}
	return da.Add(db).String(), nil
}

func (h *MarketHandler) knownPair(pair types.TradingPair) bool {
	for _, p := range h.model.Pairs() {
		if p == pair {
			return true
		}
	}
	return false
}

// parsePairParam accepts "BASE-QUOTE" (path form) or "BASE/QUOTE"
// (URL-encoded).
func parsePairParam(s string) (types.TradingPair, error) {
	if !strings.Contains(s, "/") {
		s = strings.Replace(s, "-", "/", 1)
	}
	return types.ParsePair(s)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
