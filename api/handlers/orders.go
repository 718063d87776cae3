package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"cosmossdk.io/errors"
	"cosmossdk.io/math"

	apitypes "github.com/openclob/ledger-clob/api/types"
	"github.com/openclob/ledger-clob/orders"
	"github.com/openclob/ledger-clob/types"
)

// OrderHandler handles order-related HTTP requests
type OrderHandler struct {
	service *orders.Service
}

// NewOrderHandler creates a new order handler
func NewOrderHandler(service *orders.Service) *OrderHandler {
	return &OrderHandler{service: service}
}

// HandleOrders handles /v1/orders (GET for list, POST for create)
func (h *OrderHandler) HandleOrders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listOrders(w, r)
	case http.MethodPost:
		h.placeOrder(w, r)
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
	}
}

// HandleOrder handles /v1/orders/{id} (GET, DELETE)
func (h *OrderHandler) HandleOrder(w http.ResponseWriter, r *http.Request) {
	orderID := strings.TrimPrefix(r.URL.Path, "/v1/orders/")
	if orderID == "" || strings.Contains(orderID, "/") {
		writeError(w, http.StatusBadRequest, "invalid_path", "Order ID is required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.getOrder(w, r, orderID)
	case http.MethodDelete:
		h.cancelOrder(w, r, orderID)
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
	}
}

// placeOrder handles POST /v1/orders
func (h *OrderHandler) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req apitypes.PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body")
		return
	}
	if req.Party == "" {
		req.Party = r.Header.Get("X-Party")
	}
	if req.Party == "" {
		writeError(w, http.StatusBadRequest, "missing_party", "party is required")
		return
	}

	placeReq, err := toPlaceRequest(&req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	order, err := h.service.Place(r.Context(), placeReq)
	if err != nil {
		writeServiceError(w, err, "place_order_failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"order": apitypes.NewOrderView(order)})
}

// cancelOrder handles DELETE /v1/orders/{id}
func (h *OrderHandler) cancelOrder(w http.ResponseWriter, r *http.Request, orderID string) {
	party := r.Header.Get("X-Party")
	if party == "" {
		party = r.URL.Query().Get("party")
	}
	if party == "" {
		writeError(w, http.StatusBadRequest, "missing_party", "party is required")
		return
	}

	if err := h.service.Cancel(r.Context(), party, orderID); err != nil {
		writeServiceError(w, err, "cancel_order_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orderId": orderID, "status": "cancelled"})
}

// getOrder handles GET /v1/orders/{id}
func (h *OrderHandler) getOrder(w http.ResponseWriter, r *http.Request, orderID string) {
	order, err := h.service.Get(orderID)
	if err != nil {
		writeError(w, http.StatusNotFound, "order_not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": apitypes.NewOrderView(order)})
}

// listOrders handles GET /v1/orders?party=...
func (h *OrderHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	party := r.URL.Query().Get("party")
	if party == "" {
		party = r.Header.Get("X-Party")
	}
	if party == "" {
		writeError(w, http.StatusBadRequest, "missing_party", "party is required")
		return
	}

	all := h.service.ListForParty(party)
	views := make([]*apitypes.OrderView, 0, len(all))
	for _, o := range all {
		views = append(views, apitypes.NewOrderView(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": views})
}

// toPlaceRequest parses the wire request into the domain request.
// Decimal parsing happens here; semantic validation stays in the
// service.
func toPlaceRequest(req *apitypes.PlaceOrderRequest) (orders.PlaceRequest, error) {
	pair, err := types.ParsePair(req.Pair)
	if err != nil {
		return orders.PlaceRequest{}, err
	}
	side, err := types.ParseSide(req.Side)
	if err != nil {
		return orders.PlaceRequest{}, err
	}
	mode, err := types.ParseMode(req.Mode)
	if err != nil {
		return orders.PlaceRequest{}, err
	}
	qty, err := math.LegacyNewDecFromStr(req.Quantity)
	if err != nil {
		return orders.PlaceRequest{}, errors.Wrap(types.ErrInvalidQuantity, req.Quantity)
	}

	out := orders.PlaceRequest{
		Party:         req.Party,
		Pair:          pair,
		Side:          side,
		Mode:          mode,
		Quantity:      qty,
		AllocationRef: req.AllocationRef,
	}
	if req.Price != "" {
		if out.Price, err = math.LegacyNewDecFromStr(req.Price); err != nil {
			return orders.PlaceRequest{}, errors.Wrap(types.ErrInvalidPrice, req.Price)
		}
	}
	if req.StopPrice != "" {
		if out.StopPrice, err = math.LegacyNewDecFromStr(req.StopPrice); err != nil {
			return orders.PlaceRequest{}, errors.Wrap(types.ErrInvalidStopPrice, req.StopPrice)
		}
	}
	return out, nil
}

// writeServiceError maps domain errors onto HTTP status codes.
func writeServiceError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.IsOf(err, types.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, "order_not_found", err.Error())
	case errors.IsOf(err, types.ErrNotOwner):
		writeError(w, http.StatusForbidden, "not_owner", err.Error())
	case errors.IsOf(err, types.ErrOrderClosed):
		writeError(w, http.StatusConflict, "order_closed", err.Error())
	case errors.IsOf(err, types.ErrInsufficientFunds):
		writeError(w, http.StatusUnprocessableEntity, "insufficient_funds", err.Error())
	case errors.IsOf(err, types.ErrValidation),
		errors.IsOf(err, types.ErrUnknownPair),
		errors.IsOf(err, types.ErrInvalidQuantity),
		errors.IsOf(err, types.ErrInvalidPrice),
		errors.IsOf(err, types.ErrInvalidStopPrice),
		errors.IsOf(err, types.ErrEmptyBook):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		writeError(w, http.StatusBadGateway, fallback, err.Error())
	}
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":   code,
		"message": message,
	})
}
