// Package api exposes the trading REST and WebSocket surface. All
// writes go through the order service; reads come straight from the
// in-memory projection, so no request ever blocks on the ledger except
// balance lookups.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"cosmossdk.io/log"

	"github.com/openclob/ledger-clob/api/handlers"
	"github.com/openclob/ledger-clob/api/middleware"
	"github.com/openclob/ledger-clob/api/websocket"
	"github.com/openclob/ledger-clob/ledger"
	"github.com/openclob/ledger-clob/metrics"
	"github.com/openclob/ledger-clob/orders"
	"github.com/openclob/ledger-clob/readmodel"
	"github.com/openclob/ledger-clob/reserve"
)

// Server represents the API server
type Server struct {
	httpServer *http.Server
	hub        *websocket.Hub
	config     *Config
	logger     log.Logger

	model *readmodel.ReadModel

	orderHandler   *handlers.OrderHandler
	marketHandler  *handlers.MarketHandler
	accountHandler *handlers.AccountHandler

	rateLimiter *middleware.RateLimiter
}

// Config contains server configuration
type Config struct {
	Host             string
	Port             int
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	DisableRateLimit bool // For testing purposes
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Host:         "0.0.0.0",
		Port:         8080,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// NewServer creates a new API server
func NewServer(
	config *Config,
	orderService *orders.Service,
	model *readmodel.ReadModel,
	client ledger.Client,
	reserver *reserve.Reserver,
	hub *websocket.Hub,
	logger log.Logger,
) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	return &Server{
		config:         config,
		hub:            hub,
		logger:         logger.With("component", "api"),
		model:          model,
		orderHandler:   handlers.NewOrderHandler(orderService),
		marketHandler:  handlers.NewMarketHandler(model),
		accountHandler: handlers.NewAccountHandler(client, model, reserver),
		rateLimiter:    middleware.NewRateLimiter(middleware.DefaultRateLimitConfig()),
	}
}

// Start starts the API server and the WebSocket hub. Blocks until the
// listener fails or Stop is called.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	ordersRoute := http.Handler(http.HandlerFunc(s.orderHandler.HandleOrders))
	if !s.config.DisableRateLimit {
		ordersRoute = middleware.OrderRateLimitMiddleware(s.rateLimiter, partyFromRequest)(ordersRoute)
	}
	mux.Handle("/v1/orders", s.instrument("/v1/orders", ordersRoute))
	mux.Handle("/v1/orders/", s.instrument("/v1/orders/{id}", http.HandlerFunc(s.orderHandler.HandleOrder)))

	mux.Handle("/v1/markets", s.instrument("/v1/markets", http.HandlerFunc(s.marketHandler.HandleMarkets)))
	mux.Handle("/v1/trades", s.instrument("/v1/trades", http.HandlerFunc(s.marketHandler.HandleTrades)))
	mux.Handle("/v1/markets/", s.instrument("/v1/markets/{pair}", http.HandlerFunc(s.marketHandler.HandleMarket)))

	mux.Handle("/v1/accounts/", s.instrument("/v1/accounts/{party}", http.HandlerFunc(s.accountHandler.HandleAccount)))

	mux.HandleFunc("/ws", s.hub.ServeWS)

	// Middleware chain: CORS -> RateLimit -> Handler
	var handler http.Handler = mux
	if !s.config.DisableRateLimit {
		handler = middleware.RateLimitMiddleware(s.rateLimiter)(handler)
	}
	handler = corsMiddleware(handler)

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	go s.hub.Run()

	s.logger.Info("api server starting", "addr", addr, "rate_limit", !s.config.DisableRateLimit)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop drains HTTP connections, then disconnects WebSocket clients.
func (s *Server) Stop(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.hub.Stop()
	s.rateLimiter.Stop()
	return err
}

// handleHealth reports liveness plus projection readiness. Not ready
// means reads may be stale: the stream is still bootstrapping or
// reconnecting.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	state := "ready"
	if !s.model.IsReady() {
		status = http.StatusServiceUnavailable
		state = "syncing"
	}
	writeJSON(w, status, map[string]any{
		"status":    state,
		"offset":    s.model.Offset(),
		"timestamp": time.Now().Unix(),
	})
}

// instrument wraps a route with request count and latency metrics.
func (s *Server) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		metrics.GetCollector().RecordAPIRequest(r.Method, route, strconv.Itoa(sw.status), timer.ElapsedMs())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// partyFromRequest resolves the acting party for order rate limiting.
// Body parsing is left to the handler; the middleware only sees the
// header form.
func partyFromRequest(r *http.Request) string {
	return r.Header.Get("X-Party")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Party")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
