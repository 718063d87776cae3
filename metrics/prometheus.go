package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Singleton collector
	collector     *Collector
	collectorOnce sync.Once
)

// Collector holds all engine metrics
type Collector struct {
	// Order metrics
	OrdersTotal  *prometheus.CounterVec
	OrdersActive *prometheus.GaugeVec
	OrderLatency *prometheus.HistogramVec

	// Matching engine metrics
	MatchCyclesTotal   *prometheus.CounterVec
	MatchCycleDuration *prometheus.HistogramVec
	MatchesTotal       *prometheus.CounterVec
	CycleSkipsTotal    *prometheus.CounterVec
	OrderbookDepth     *prometheus.GaugeVec

	// Settlement metrics
	SettlementsTotal   *prometheus.CounterVec
	SettlementDuration *prometheus.HistogramVec
	AllocationsSkipped *prometheus.CounterVec

	// Trade metrics
	TradesTotal *prometheus.CounterVec
	TradeVolume *prometheus.CounterVec

	// Stop-loss metrics
	StopTriggersTotal *prometheus.CounterVec
	StopsPending      *prometheus.GaugeVec

	// Ledger metrics
	LedgerCommandsTotal *prometheus.CounterVec
	LedgerRetriesTotal  *prometheus.CounterVec
	StreamReconnects    prometheus.Counter
	ReadModelReady      prometheus.Gauge

	// WebSocket metrics
	WSConnectionsActive prometheus.Gauge
	WSMessagesTotal     *prometheus.CounterVec

	// API metrics
	APIRequestsTotal  *prometheus.CounterVec
	APIRequestLatency *prometheus.HistogramVec

	// Reservation metrics
	ReservedAmount *prometheus.GaugeVec
}

// GetCollector returns the singleton metrics collector
func GetCollector() *Collector {
	collectorOnce.Do(func() {
		collector = newCollector()
	})
	return collector
}

// newCollector creates a new metrics collector
func newCollector() *Collector {
	c := &Collector{}

	// Order metrics
	c.OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clob",
			Subsystem: "orders",
			Name:      "total",
			Help:      "Total number of orders placed",
		},
		[]string{"pair", "side", "mode", "status"},
	)

	c.OrdersActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "clob",
			Subsystem: "orders",
			Name:      "active",
			Help:      "Number of open orders",
		},
		[]string{"pair", "side"},
	)

	c.OrderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clob",
			Subsystem: "orders",
			Name:      "latency_ms",
			Help:      "Order placement latency in milliseconds",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		},
		[]string{"pair", "mode"},
	)

	// Matching engine metrics
	c.MatchCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clob",
			Subsystem: "matching",
			Name:      "cycles_total",
			Help:      "Total matching cycles run",
		},
		[]string{"outcome"},
	)

	c.MatchCycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clob",
			Subsystem: "matching",
			Name:      "cycle_duration_ms",
			Help:      "Matching cycle duration in milliseconds",
			Buckets:   []float64{10, 50, 100, 250, 500, 1000, 5000, 15000},
		},
		[]string{},
	)

	c.MatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clob",
			Subsystem: "matching",
			Name:      "matches_total",
			Help:      "Total matches found",
		},
		[]string{"pair"},
	)

	c.CycleSkipsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clob",
			Subsystem: "matching",
			Name:      "cycle_skips_total",
			Help:      "Cycles skipped because one was already in progress",
		},
		[]string{},
	)

	c.OrderbookDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "clob",
			Subsystem: "orderbook",
			Name:      "depth",
			Help:      "Number of matchable orders per side",
		},
		[]string{"pair", "side"},
	)

	// Settlement metrics
	c.SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clob",
			Subsystem: "settlement",
			Name:      "total",
			Help:      "Total settlement attempts by outcome",
		},
		[]string{"outcome"},
	)

	c.SettlementDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clob",
			Subsystem: "settlement",
			Name:      "duration_ms",
			Help:      "Settlement duration in milliseconds",
			Buckets:   []float64{10, 50, 100, 250, 500, 1000, 5000, 15000},
		},
		[]string{},
	)

	c.AllocationsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clob",
			Subsystem: "settlement",
			Name:      "allocations_skipped_total",
			Help:      "Allocation legs skipped below the dust threshold",
		},
		[]string{"asset"},
	)

	// Trade metrics
	c.TradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clob",
			Subsystem: "trades",
			Name:      "total",
			Help:      "Total trades settled",
		},
		[]string{"pair"},
	)

	c.TradeVolume = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clob",
			Subsystem: "trades",
			Name:      "volume",
			Help:      "Total settled volume in base asset units",
		},
		[]string{"pair"},
	)

	// Stop-loss metrics
	c.StopTriggersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clob",
			Subsystem: "stops",
			Name:      "triggers_total",
			Help:      "Total stop-loss triggers by source",
		},
		[]string{"pair", "source"},
	)

	c.StopsPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "clob",
			Subsystem: "stops",
			Name:      "pending",
			Help:      "Stop-loss orders awaiting trigger",
		},
		[]string{"pair"},
	)

	// Ledger metrics
	c.LedgerCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clob",
			Subsystem: "ledger",
			Name:      "commands_total",
			Help:      "Total ledger commands by kind and result",
		},
		[]string{"kind", "result"},
	)

	c.LedgerRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clob",
			Subsystem: "ledger",
			Name:      "retries_total",
			Help:      "Total ledger command retries",
		},
		[]string{"kind"},
	)

	c.StreamReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clob",
			Subsystem: "ledger",
			Name:      "stream_reconnects_total",
			Help:      "Total update stream reconnects",
		},
	)

	c.ReadModelReady = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clob",
			Subsystem: "readmodel",
			Name:      "ready",
			Help:      "1 when the read model is bootstrapped and live",
		},
	)

	// WebSocket metrics
	c.WSConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clob",
			Subsystem: "websocket",
			Name:      "connections_active",
			Help:      "Number of active WebSocket connections",
		},
	)

	c.WSMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clob",
			Subsystem: "websocket",
			Name:      "messages_total",
			Help:      "Total WebSocket messages sent",
		},
		[]string{"topic"},
	)

	// API metrics
	c.APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clob",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total API requests",
		},
		[]string{"method", "path", "status"},
	)

	c.APIRequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clob",
			Subsystem: "api",
			Name:      "request_latency_ms",
			Help:      "API request latency in milliseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"method", "path"},
	)

	// Reservation metrics
	c.ReservedAmount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "clob",
			Subsystem: "reserve",
			Name:      "amount",
			Help:      "Locally reserved amount per asset",
		},
		[]string{"asset"},
	)

	c.registerAll()

	return c
}

// registerAll registers all metrics with Prometheus
func (c *Collector) registerAll() {
	prometheus.MustRegister(c.OrdersTotal)
	prometheus.MustRegister(c.OrdersActive)
	prometheus.MustRegister(c.OrderLatency)

	prometheus.MustRegister(c.MatchCyclesTotal)
	prometheus.MustRegister(c.MatchCycleDuration)
	prometheus.MustRegister(c.MatchesTotal)
	prometheus.MustRegister(c.CycleSkipsTotal)
	prometheus.MustRegister(c.OrderbookDepth)

	prometheus.MustRegister(c.SettlementsTotal)
	prometheus.MustRegister(c.SettlementDuration)
	prometheus.MustRegister(c.AllocationsSkipped)

	prometheus.MustRegister(c.TradesTotal)
	prometheus.MustRegister(c.TradeVolume)

	prometheus.MustRegister(c.StopTriggersTotal)
	prometheus.MustRegister(c.StopsPending)

	prometheus.MustRegister(c.LedgerCommandsTotal)
	prometheus.MustRegister(c.LedgerRetriesTotal)
	prometheus.MustRegister(c.StreamReconnects)
	prometheus.MustRegister(c.ReadModelReady)

	prometheus.MustRegister(c.WSConnectionsActive)
	prometheus.MustRegister(c.WSMessagesTotal)

	prometheus.MustRegister(c.APIRequestsTotal)
	prometheus.MustRegister(c.APIRequestLatency)

	prometheus.MustRegister(c.ReservedAmount)
}

// ============ Recording Helpers ============

// RecordOrder records an order placement
func (c *Collector) RecordOrder(pair, side, mode, status string) {
	c.OrdersTotal.WithLabelValues(pair, side, mode, status).Inc()
}

// RecordOrderLatency records order placement latency
func (c *Collector) RecordOrderLatency(pair, mode string, latencyMs float64) {
	c.OrderLatency.WithLabelValues(pair, mode).Observe(latencyMs)
}

// RecordCycle records a finished matching cycle
func (c *Collector) RecordCycle(outcome string, durationMs float64) {
	c.MatchCyclesTotal.WithLabelValues(outcome).Inc()
	c.MatchCycleDuration.WithLabelValues().Observe(durationMs)
}

// RecordMatch records a match found for a pair
func (c *Collector) RecordMatch(pair string) {
	c.MatchesTotal.WithLabelValues(pair).Inc()
}

// RecordSettlement records a settlement outcome
func (c *Collector) RecordSettlement(outcome string, durationMs float64) {
	c.SettlementsTotal.WithLabelValues(outcome).Inc()
	c.SettlementDuration.WithLabelValues().Observe(durationMs)
}

// RecordTrade records a settled trade
func (c *Collector) RecordTrade(pair string, volume float64) {
	c.TradesTotal.WithLabelValues(pair).Inc()
	c.TradeVolume.WithLabelValues(pair).Add(volume)
}

// RecordStopTrigger records a stop-loss trigger
func (c *Collector) RecordStopTrigger(pair, source string) {
	c.StopTriggersTotal.WithLabelValues(pair, source).Inc()
}

// RecordAPIRequest records an API request
func (c *Collector) RecordAPIRequest(method, path, status string, latencyMs float64) {
	c.APIRequestsTotal.WithLabelValues(method, path, status).Inc()
	c.APIRequestLatency.WithLabelValues(method, path).Observe(latencyMs)
}

// RecordWSMessage records a WebSocket message
func (c *Collector) RecordWSMessage(topic string) {
	c.WSMessagesTotal.WithLabelValues(topic).Inc()
}

// ============ HTTP Handler ============

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for measuring latency
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ElapsedMs returns the elapsed time in milliseconds
func (t *Timer) ElapsedMs() float64 {
	return float64(time.Since(t.start).Microseconds()) / 1000.0
}
