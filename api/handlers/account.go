package handlers

import (
	"net/http"
	"strings"

	apitypes "github.com/openclob/ledger-clob/api/types"
	"github.com/openclob/ledger-clob/ledger"
	"github.com/openclob/ledger-clob/readmodel"
	"github.com/openclob/ledger-clob/reserve"
)

// AccountHandler serves per-party views: balances from the ledger net
// of local reservations, plus order and trade history from the
// projection.
type AccountHandler struct {
	client   ledger.Client
	model    *readmodel.ReadModel
	reserver *reserve.Reserver
}

// NewAccountHandler creates a new account handler
func NewAccountHandler(client ledger.Client, model *readmodel.ReadModel, reserver *reserve.Reserver) *AccountHandler {
	return &AccountHandler{client: client, model: model, reserver: reserver}
}

// HandleAccount handles /v1/accounts/{party}/{endpoint} (GET only)
func (h *AccountHandler) HandleAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/v1/accounts/")
	party, endpoint := path, ""
	if i := strings.IndexByte(path, '/'); i >= 0 {
		party, endpoint = path[:i], path[i+1:]
	}
	if party == "" {
		writeError(w, http.StatusBadRequest, "missing_party", "party is required")
		return
	}

	switch endpoint {
	case "balances":
		h.getBalance(w, r, party)
	case "orders":
		h.getOrders(w, party)
	case "trades":
		h.getTrades(w, r, party)
	default:
		writeError(w, http.StatusNotFound, "not_found", "Endpoint not found")
	}
}

// getBalance handles GET /v1/accounts/{party}/balances?asset=...
func (h *AccountHandler) getBalance(w http.ResponseWriter, r *http.Request, party string) {
	asset := r.URL.Query().Get("asset")
	if asset == "" {
		writeError(w, http.StatusBadRequest, "missing_asset", "asset query parameter is required")
		return
	}

	balance, err := h.client.GetAvailableBalance(r.Context(), party, asset)
	if err != nil {
		writeError(w, http.StatusBadGateway, "balance_unavailable", err.Error())
		return
	}
	reserved := h.reserver.Reserved(party, asset)
	writeJSON(w, http.StatusOK, &apitypes.BalanceView{
		Party:     party,
		Asset:     asset,
		Balance:   balance.String(),
		Reserved:  reserved.String(),
		Available: balance.Sub(reserved).String(),
	})
}

func (h *AccountHandler) getOrders(w http.ResponseWriter, party string) {
	all := h.model.OrdersForParty(party)
	views := make([]*apitypes.OrderView, 0, len(all))
	for _, o := range all {
		views = append(views, apitypes.NewOrderView(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": views})
}

func (h *AccountHandler) getTrades(w http.ResponseWriter, r *http.Request, party string) {
	limit := queryInt(r, "limit", 100)
	trades := h.model.TradesForParty(party, limit)
	views := make([]*apitypes.TradeView, 0, len(trades))
	for _, t := range trades {
		views = append(views, apitypes.NewTradeView(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": views})
}
