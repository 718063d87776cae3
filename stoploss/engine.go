// Package stoploss holds pending stop orders out of the book and
// promotes them to market orders when the price crosses their stop.
// Triggers fire from two sources: every execution price reported by
// settlement, and a backup poll that covers quiet markets.
package stoploss

import (
	"context"
	"sync"
	"time"

	"cosmossdk.io/errors"
	"cosmossdk.io/log"
	"cosmossdk.io/math"

	"github.com/openclob/ledger-clob/ledger"
	"github.com/openclob/ledger-clob/metrics"
	"github.com/openclob/ledger-clob/readmodel"
	"github.com/openclob/ledger-clob/types"
)

// Publisher pushes operational events to connected clients.
type Publisher interface {
	Publish(topic string, payload any)
}

// Config controls the backup poll.
type Config struct {
	PollInterval time.Duration
}

// DefaultConfig returns the production poll cadence.
func DefaultConfig() Config {
	return Config{PollInterval: 5 * time.Second}
}

// Engine tracks pending stops and fires triggers.
type Engine struct {
	logger   log.Logger
	client   ledger.Client
	model    *readmodel.ReadModel
	pub      Publisher
	operator string
	cfg      Config

	// requestCycle asks the matching engine for an out-of-band cycle
	// once a stop entered the book.
	requestCycle func(pair types.TradingPair)

	mu   sync.Mutex
	regs map[types.TradingPair]map[string]*types.StopRegistration
}

// New creates a stop-loss engine. requestCycle may be nil.
func New(client ledger.Client, model *readmodel.ReadModel, pub Publisher, operator string, cfg Config, logger log.Logger) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Engine{
		logger:   logger.With("component", "stoploss"),
		client:   client,
		model:    model,
		pub:      pub,
		operator: operator,
		cfg:      cfg,
		regs:     make(map[types.TradingPair]map[string]*types.StopRegistration),
	}
}

// SetCycleRequester wires the matching engine callback after
// construction.
func (e *Engine) SetCycleRequester(fn func(pair types.TradingPair)) {
	e.requestCycle = fn
}

// Register tracks a pending stop order.
func (e *Engine) Register(reg *types.StopRegistration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	byPair := e.regs[reg.Pair]
	if byPair == nil {
		byPair = make(map[string]*types.StopRegistration)
		e.regs[reg.Pair] = byPair
	}
	byPair[reg.OrderID] = reg
	e.updateGaugeLocked(reg.Pair)

	e.logger.Info("stop registered",
		"order_id", reg.OrderID,
		"pair", reg.Pair.String(),
		"side", reg.Side.String(),
		"stop_price", reg.StopPrice.String(),
	)
}

// Unregister forgets a pending stop, for example when the order is
// cancelled. Unknown ids are a no-op.
func (e *Engine) Unregister(orderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for pair, byPair := range e.regs {
		if _, ok := byPair[orderID]; ok {
			delete(byPair, orderID)
			if len(byPair) == 0 {
				delete(e.regs, pair)
			}
			e.updateGaugeLocked(pair)
			return
		}
	}
}

// Pending returns the pending stop count for a pair.
func (e *Engine) Pending(pair types.TradingPair) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.regs[pair])
}

// CheckTriggers fires every stop of the pair whose rule is satisfied
// by the given execution price. Called by settlement after each trade.
func (e *Engine) CheckTriggers(ctx context.Context, pair types.TradingPair, lastPrice math.LegacyDec) {
	e.checkTriggers(ctx, pair, lastPrice, "trade")
}

// Run drives the backup poll until the context is cancelled. It covers
// stops whose pair trades elsewhere: without it a stop could sit past
// its price until the next local execution.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	e.logger.Info("stop-loss poll started", "interval", e.cfg.PollInterval.String())
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("stop-loss poll stopped")
			return
		case <-ticker.C:
			e.pollOnce(ctx)
		}
	}
}

func (e *Engine) pollOnce(ctx context.Context) {
	for _, pair := range e.pairsWithStops() {
		price, ok := e.model.MarketPrice(pair)
		if !ok {
			continue
		}
		e.checkTriggers(ctx, pair, price, "poll")
	}
}

func (e *Engine) pairsWithStops() []types.TradingPair {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.TradingPair, 0, len(e.regs))
	for pair, byPair := range e.regs {
		if len(byPair) > 0 {
			out = append(out, pair)
		}
	}
	return out
}

// checkTriggers walks the pair's registrations serially; one failing
// trigger never blocks the others.
func (e *Engine) checkTriggers(ctx context.Context, pair types.TradingPair, price math.LegacyDec, source string) {
	e.mu.Lock()
	var due []*types.StopRegistration
	for _, reg := range e.regs[pair] {
		if reg.ShouldTrigger(price) {
			due = append(due, reg)
		}
	}
	e.mu.Unlock()

	triggered := false
	for _, reg := range due {
		if ctx.Err() != nil {
			return
		}
		if err := e.fire(ctx, reg, price, source); err != nil {
			e.logger.Error("stop trigger failed",
				"order_id", reg.OrderID,
				"pair", pair.String(),
				"err", err,
			)
			if errors.IsOf(err, ledger.ErrContractNotFound) {
				// The order was cancelled or consumed elsewhere.
				e.Unregister(reg.OrderID)
			}
			continue
		}
		triggered = true
	}
	if triggered && e.requestCycle != nil {
		e.requestCycle(pair)
	}
}

// fire exercises the trigger choice and moves the promoted order into
// the book view.
func (e *Engine) fire(ctx context.Context, reg *types.StopRegistration, price math.LegacyDec, source string) error {
	now := time.Now()
	res, err := e.client.SubmitCommand(ctx,
		[]string{e.operator},
		[]string{e.operator, reg.Owner},
		ledger.ExerciseCommand(reg.OrderContractID, types.ChoiceTriggerStopLoss, types.TriggerArgument{
			TriggeredAt:  now,
			TriggerPrice: price.String(),
		}),
	)
	if err != nil {
		return err
	}

	e.Unregister(reg.OrderID)
	reg.Triggered = true
	reg.TriggeredAt = &now
	reg.TriggerPrice = price

	promoted := e.decodePromoted(res)
	if promoted == nil {
		// The result carried no usable replacement contract. Promote the
		// view's entry directly so the order enters the book this cycle
		// instead of waiting for stream catch-up.
		if order, ok := e.model.OrderByID(reg.OrderID); ok {
			promoted = order.Clone()
			promoted.Trigger(now, price)
		}
	}
	if promoted != nil {
		e.model.UpsertOrder(promoted)
	}

	metrics.GetCollector().RecordStopTrigger(reg.Pair.String(), source)
	e.logger.Info("stop triggered",
		"order_id", reg.OrderID,
		"pair", reg.Pair.String(),
		"stop_price", reg.StopPrice.String(),
		"trigger_price", price.String(),
		"source", source,
	)
	if e.pub != nil {
		e.pub.Publish(types.TopicOrderbook(reg.Pair), types.NewEvent(types.EventStopLossTriggered, map[string]string{
			"orderId":      reg.OrderID,
			"pair":         reg.Pair.String(),
			"stopPrice":    reg.StopPrice.String(),
			"triggerPrice": price.String(),
		}))
	}
	return nil
}

func (e *Engine) decodePromoted(res *ledger.TxResult) *types.Order {
	created := res.FirstCreated(types.TemplateOrder)
	if created == nil {
		return nil
	}
	order, err := types.OrderFromPayload(created.ContractID, created.Payload)
	if err != nil {
		e.logger.Error("decode triggered order", "contract_id", created.ContractID, "err", err)
		return nil
	}
	return order
}

func (e *Engine) updateGaugeLocked(pair types.TradingPair) {
	metrics.GetCollector().StopsPending.WithLabelValues(pair.String()).Set(float64(len(e.regs[pair])))
}
