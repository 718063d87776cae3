// Package matching runs the periodic match cycle: scan each pair's
// book in price-time priority, form at most one match per pair per
// cycle, and hand it to settlement. Cycles are serialised; requests
// arriving mid-cycle are queued and drained right after.
package matching

import (
	"context"
	"sync"
	"time"

	"cosmossdk.io/errors"
	"cosmossdk.io/log"
	"cosmossdk.io/math"

	"github.com/openclob/ledger-clob/metrics"
	"github.com/openclob/ledger-clob/readmodel"
	"github.com/openclob/ledger-clob/settlement"
	"github.com/openclob/ledger-clob/types"
)

// Settler consumes matched pairs.
type Settler interface {
	Settle(ctx context.Context, m settlement.Match) error
}

// Config controls cycle cadence and safety limits.
type Config struct {
	PollInterval     time.Duration // base cadence
	SlowPollInterval time.Duration // after SlowAfterIdle idle cycles
	IdlePollInterval time.Duration // after IdleAfterIdle idle cycles
	SlowAfterIdle    int
	IdleAfterIdle    int
	TriggerThrottle  time.Duration // min spacing of externally triggered cycles
	CycleWatchdog    time.Duration // force-release a stuck cycle guard
	RecentMatchTTL   time.Duration // suppress re-matching a settled pair
}

// DefaultConfig returns the production cadence.
func DefaultConfig() Config {
	return Config{
		PollInterval:     2 * time.Second,
		SlowPollInterval: 10 * time.Second,
		IdlePollInterval: 30 * time.Second,
		SlowAfterIdle:    5,
		IdleAfterIdle:    20,
		TriggerThrottle:  2 * time.Second,
		CycleWatchdog:    25 * time.Second,
		RecentMatchTTL:   30 * time.Second,
	}
}

// matchKey identifies a settled contract pairing. Contract ids change
// on fill, so a key naturally expires once the fills land in the view;
// the TTL covers the stream propagation window.
type matchKey struct {
	buyCid  string
	sellCid string
}

// Engine is the matching engine.
type Engine struct {
	logger  log.Logger
	model   *readmodel.ReadModel
	settler Settler
	cfg     Config

	mu          sync.Mutex
	inProgress  bool
	cycleStart  time.Time
	recent      map[matchKey]time.Time
	pending     map[types.TradingPair]struct{}
	lastTrigger time.Time
	idleCycles  int

	trigger chan struct{}
}

// New creates a matching engine.
func New(model *readmodel.ReadModel, settler Settler, cfg Config, logger log.Logger) *Engine {
	return &Engine{
		logger:  logger.With("component", "matching"),
		model:   model,
		settler: settler,
		cfg:     cfg,
		recent:  make(map[matchKey]time.Time),
		pending: make(map[types.TradingPair]struct{}),
		trigger: make(chan struct{}, 1),
	}
}

// Run polls until the context is cancelled. The cadence backs off as
// cycles come up empty and snaps back on the first match or external
// trigger.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info("matching engine started",
		"poll_interval", e.cfg.PollInterval.String(),
	)
	for {
		timer := time.NewTimer(e.currentInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			e.logger.Info("matching engine stopped")
			return
		case <-timer.C:
			e.RunCycle(ctx)
		case <-e.trigger:
			timer.Stop()
			e.resetIdle()
			e.RunCycle(ctx)
		}
	}
}

// TriggerCycle requests an out-of-band cycle for one pair, throttled so
// bursts of placements collapse into a single run. The pair is queued
// either way; a cycle already in progress drains it on completion.
func (e *Engine) TriggerCycle(pair types.TradingPair) {
	e.mu.Lock()
	e.pending[pair] = struct{}{}
	throttled := time.Since(e.lastTrigger) < e.cfg.TriggerThrottle
	if !throttled {
		e.lastTrigger = time.Now()
	}
	e.mu.Unlock()

	if throttled {
		return
	}
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// RunCycle runs one full cycle over all configured pairs plus any
// queued ones. Concurrent calls are collapsed: while a cycle holds the
// guard, later calls skip and leave their work to the pending queue.
func (e *Engine) RunCycle(ctx context.Context) {
	if !e.beginCycle() {
		metrics.GetCollector().CycleSkipsTotal.WithLabelValues().Inc()
		return
	}
	defer e.endCycle()

	timer := metrics.NewTimer()
	matched := e.cycle(ctx, e.model.Pairs())

	// Drain pairs queued while the cycle ran. One drain pass; anything
	// queued during the drain waits for the next tick.
	if queued := e.takePending(); len(queued) > 0 {
		if e.cycle(ctx, queued) {
			matched = true
		}
	}

	outcome := "idle"
	if matched {
		outcome = "matched"
		e.resetIdle()
	} else {
		e.mu.Lock()
		e.idleCycles++
		e.mu.Unlock()
	}
	metrics.GetCollector().RecordCycle(outcome, timer.ElapsedMs())
}

func (e *Engine) beginCycle() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inProgress {
		if time.Since(e.cycleStart) < e.cfg.CycleWatchdog {
			return false
		}
		// A cycle has held the guard past the watchdog. It is either
		// stuck in a ledger call or crashed without release; reclaim
		// the guard so matching does not stop for good.
		e.logger.Error("cycle guard held past watchdog, reclaiming",
			"held_for", time.Since(e.cycleStart).String(),
		)
	}
	e.inProgress = true
	e.cycleStart = time.Now()
	return true
}

func (e *Engine) endCycle() {
	e.mu.Lock()
	e.inProgress = false
	e.mu.Unlock()
}

// cycle scans the given pairs once. Returns true when any match was
// settled.
func (e *Engine) cycle(ctx context.Context, pairs []types.TradingPair) bool {
	if !e.model.IsReady() {
		if err := e.model.RefreshFromQuery(ctx); err != nil {
			e.logger.Error("read model degraded and refresh failed, skipping cycle", "err", err)
			return false
		}
	}
	e.pruneRecent()

	matched := false
	for _, pair := range pairs {
		if ctx.Err() != nil {
			return matched
		}
		if e.matchPair(ctx, pair) {
			matched = true
		}
	}
	return matched
}

// matchPair forms at most one match for a pair: the best crossing
// buy/sell head of the book. A pairing settled within the TTL is left
// alone until the stream delivers the post-fill contracts.
func (e *Engine) matchPair(ctx context.Context, pair types.TradingPair) bool {
	buys, sells := e.model.OpenOrders(pair)

	coll := metrics.GetCollector()
	coll.OrderbookDepth.WithLabelValues(pair.String(), "buy").Set(float64(len(buys)))
	coll.OrderbookDepth.WithLabelValues(pair.String(), "sell").Set(float64(len(sells)))

	if len(buys) == 0 || len(sells) == 0 {
		return false
	}
	buy, sell, ok := e.firstCandidate(buys, sells)
	if !ok {
		return false
	}
	price, ok := e.executionPrice(pair, buy, sell)
	if !ok {
		e.logger.Debug("no reference price for market-market pair, skipping",
			"pair", pair.String(),
		)
		return false
	}
	qty := math.LegacyMinDec(buy.Remaining(), sell.Remaining())

	e.markMatched(buy.ContractID, sell.ContractID)
	coll.RecordMatch(pair.String())
	e.logger.Info("match found",
		"pair", pair.String(),
		"buy_order", buy.OrderID,
		"sell_order", sell.OrderID,
		"price", price.String(),
		"quantity", qty.String(),
	)

	err := e.settler.Settle(ctx, settlement.Match{
		Pair:     pair,
		Buy:      buy,
		Sell:     sell,
		Price:    price,
		Quantity: qty,
	})
	if err != nil {
		e.logger.Error("settlement failed",
			"pair", pair.String(),
			"buy_order", buy.OrderID,
			"sell_order", sell.OrderID,
			"err", err,
		)
		// A partial settlement committed its fills, so the match did
		// execute; anything else did not and must not reset the
		// adaptive cadence.
		return errors.IsOf(err, types.ErrPartialSettlement)
	}
	return true
}

// firstCandidate returns the best-priority crossing pairing that is
// not suppressed by a recent match. A suppressed pairing skips to the
// next candidate, not the whole pair.
func (e *Engine) firstCandidate(buys, sells []*types.Order) (*types.Order, *types.Order, bool) {
	for _, buy := range buys {
		for _, sell := range sells {
			if !crosses(buy, sell) {
				// Sells only get more expensive from here.
				break
			}
			if e.recentlyMatched(buy.ContractID, sell.ContractID) {
				e.logger.Debug("pairing settled recently, trying next candidate",
					"buy_contract", buy.ContractID,
					"sell_contract", sell.ContractID,
				)
				continue
			}
			return buy, sell, true
		}
	}
	return nil, nil, false
}

// crosses reports whether the two heads can trade. A market order
// crosses anything; two limits cross when the bid reaches the ask.
func crosses(buy, sell *types.Order) bool {
	if buy.Price.IsNil() || sell.Price.IsNil() {
		return true
	}
	return buy.Price.GTE(sell.Price)
}

// executionPrice picks the trade price: the resting sell's price when
// it has one, the buy's limit when only the sell is market, and the
// last known market price when both sides are market orders.
func (e *Engine) executionPrice(pair types.TradingPair, buy, sell *types.Order) (math.LegacyDec, bool) {
	if !sell.Price.IsNil() {
		return sell.Price, true
	}
	if !buy.Price.IsNil() {
		return buy.Price, true
	}
	return e.model.MarketPrice(pair)
}

func (e *Engine) recentlyMatched(buyCid, sellCid string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	at, ok := e.recent[matchKey{buyCid, sellCid}]
	return ok && time.Since(at) < e.cfg.RecentMatchTTL
}

func (e *Engine) markMatched(buyCid, sellCid string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recent[matchKey{buyCid, sellCid}] = time.Now()
}

func (e *Engine) pruneRecent() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, at := range e.recent {
		if time.Since(at) >= e.cfg.RecentMatchTTL {
			delete(e.recent, k)
		}
	}
}

func (e *Engine) takePending() []types.TradingPair {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pending) == 0 {
		return nil
	}
	out := make([]types.TradingPair, 0, len(e.pending))
	for pair := range e.pending {
		out = append(out, pair)
	}
	e.pending = make(map[types.TradingPair]struct{})
	return out
}

func (e *Engine) resetIdle() {
	e.mu.Lock()
	e.idleCycles = 0
	e.mu.Unlock()
}

func (e *Engine) currentInterval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.idleCycles >= e.cfg.IdleAfterIdle:
		return e.cfg.IdlePollInterval
	case e.idleCycles >= e.cfg.SlowAfterIdle:
		return e.cfg.SlowPollInterval
	}
	return e.cfg.PollInterval
}
