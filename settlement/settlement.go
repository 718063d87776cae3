// Package settlement executes matched pairs against the ledger:
// both orders are filled first, then the pre-locked allocations are
// executed to move the assets. Transfers are never reversed; a leg
// failure after the fills leaves a partial settlement that is surfaced
// for operator reconciliation.
package settlement

import (
	"context"

	"cosmossdk.io/errors"
	"cosmossdk.io/log"
	"cosmossdk.io/math"
	"github.com/google/uuid"

	"github.com/openclob/ledger-clob/cache"
	"github.com/openclob/ledger-clob/ledger"
	"github.com/openclob/ledger-clob/metrics"
	"github.com/openclob/ledger-clob/readmodel"
	"github.com/openclob/ledger-clob/reserve"
	"github.com/openclob/ledger-clob/types"
)

// Match is one matched pair handed over by the matching engine.
// Price is the execution price, Quantity the base amount to fill on
// both orders.
type Match struct {
	Pair     types.TradingPair
	Buy      *types.Order
	Sell     *types.Order
	Price    math.LegacyDec
	Quantity math.LegacyDec
}

// QuoteAmount returns the quote-asset value of the match.
func (m Match) QuoteAmount() math.LegacyDec {
	return m.Price.Mul(m.Quantity)
}

// Publisher pushes operational events to connected clients.
type Publisher interface {
	Publish(topic string, payload any)
}

// TriggerChecker is notified of every execution price so pending stops
// can fire immediately instead of waiting for the backup poll.
type TriggerChecker interface {
	CheckTriggers(ctx context.Context, pair types.TradingPair, lastPrice math.LegacyDec)
}

// Engine settles matches.
type Engine struct {
	logger   log.Logger
	client   ledger.Client
	model    *readmodel.ReadModel
	reserver *reserve.Reserver
	trades   *cache.TradeCache
	pub      Publisher
	triggers TriggerChecker
	operator string
	dust     math.LegacyDec
}

// New creates a settlement engine. triggers may be nil when no
// stop-loss engine is wired.
func New(
	client ledger.Client,
	model *readmodel.ReadModel,
	reserver *reserve.Reserver,
	trades *cache.TradeCache,
	pub Publisher,
	operator string,
	dust math.LegacyDec,
	logger log.Logger,
) *Engine {
	if dust.IsNil() {
		dust = types.DefaultDustThreshold
	}
	return &Engine{
		logger:   logger.With("component", "settlement"),
		client:   client,
		model:    model,
		reserver: reserver,
		trades:   trades,
		pub:      pub,
		operator: operator,
		dust:     dust,
	}
}

// SetTriggerChecker wires the stop-loss engine after construction, the
// two engines reference each other.
func (e *Engine) SetTriggerChecker(t TriggerChecker) {
	e.triggers = t
}

// Settle fills both orders, executes the allocation transfers, records
// the trade, and releases the consumed reservations.
//
// Returns ErrPartialSettlement when the fills committed but at least
// one transfer leg failed; nothing is reversed.
func (e *Engine) Settle(ctx context.Context, m Match) error {
	timer := metrics.NewTimer()
	coll := metrics.GetCollector()
	quoteAmount := m.QuoteAmount()

	e.logger.Info("settling match",
		"pair", m.Pair.String(),
		"buy_order", m.Buy.OrderID,
		"sell_order", m.Sell.OrderID,
		"price", m.Price.String(),
		"quantity", m.Quantity.String(),
	)

	// Fill the buy order first. A missing contract means the order was
	// consumed since the cycle snapshot; the whole match is void and no
	// transfer may happen.
	buyAfter, err := e.fillOrder(ctx, m.Buy, m.Quantity)
	if err != nil {
		coll.RecordSettlement("failed", timer.ElapsedMs())
		if errors.IsOf(err, ledger.ErrContractNotFound) {
			e.logger.Warn("buy order gone, match void",
				"buy_order", m.Buy.OrderID,
				"contract_id", m.Buy.ContractID,
			)
			e.model.RemoveOrderContract(m.Buy.ContractID)
			return err
		}
		return errors.Wrapf(err, "fill buy order %s", m.Buy.OrderID)
	}

	// The buy fill is committed, so the sell fill must be attempted and
	// the transfers must proceed even if it fails; skipping them now
	// would strand the buyer's fill without its assets.
	sellAfter, sellErr := e.fillOrder(ctx, m.Sell, m.Quantity)
	if sellErr != nil {
		e.logger.Error("sell fill failed after buy fill committed, continuing to transfer",
			"sell_order", m.Sell.OrderID,
			"err", sellErr,
		)
	}

	// DvP legs: base moves seller to buyer from the sell allocation,
	// quote moves buyer to seller from the buy allocation.
	var partial bool
	if !e.executeLeg(ctx, m.Sell.AllocationRef, m.Sell.Owner, m.Pair.Base, m.Quantity) {
		partial = true
	}
	if !e.executeLeg(ctx, m.Buy.AllocationRef, m.Buy.Owner, m.Pair.Quote, quoteAmount) {
		partial = true
	}

	e.releaseReservations(m, buyAfter, sellAfter, quoteAmount)

	trade := e.recordTrade(ctx, m)
	e.applyFills(m, buyAfter, sellAfter)

	if e.pub != nil {
		payload := types.TradeToPayload(trade)
		e.pub.Publish(types.TopicOrderbook(m.Pair), types.NewEvent(types.EventTradeExecuted, payload))
		e.pub.Publish(types.TopicTrades(m.Pair), types.NewEvent(types.EventNewTrade, payload))
		e.pub.Publish(types.TopicAllTrades, types.NewEvent(types.EventNewTrade, payload))
		for _, party := range []string{m.Buy.Owner, m.Sell.Owner} {
			e.pub.Publish(types.TopicBalance(party), types.NewEvent(types.EventBalanceUpdate, map[string]string{
				"partyId": party,
			}))
		}
	}

	qtyF, _ := m.Quantity.Float64()
	coll.RecordTrade(m.Pair.String(), qtyF)

	if e.triggers != nil {
		e.triggers.CheckTriggers(ctx, m.Pair, m.Price)
	}

	if partial {
		coll.RecordSettlement("partial", timer.ElapsedMs())
		e.logger.Error("PARTIAL SETTLEMENT, manual reconciliation required",
			"pair", m.Pair.String(),
			"trade_id", trade.TradeID,
			"buy_order", m.Buy.OrderID,
			"sell_order", m.Sell.OrderID,
		)
		if e.pub != nil {
			e.pub.Publish(types.TopicSystem, types.NewEvent(types.EventPartialSettlement, map[string]string{
				"tradeId":   trade.TradeID,
				"pair":      m.Pair.String(),
				"buyOrder":  m.Buy.OrderID,
				"sellOrder": m.Sell.OrderID,
			}))
		}
		return errors.Wrapf(types.ErrPartialSettlement, "trade %s", trade.TradeID)
	}

	coll.RecordSettlement("settled", timer.ElapsedMs())
	e.logger.Info("match settled",
		"pair", m.Pair.String(),
		"trade_id", trade.TradeID,
	)
	return nil
}

// fillOrder exercises FillOrder and returns the order's post-fill
// state, with the replacement contract id when one was created. A
// conflict means the contract was replaced concurrently; the fill is
// retried once against the contract id the view holds now.
func (e *Engine) fillOrder(ctx context.Context, order *types.Order, qty math.LegacyDec) (*types.Order, error) {
	res, err := e.submitFill(ctx, order, order.ContractID, qty)
	if errors.IsOf(err, ledger.ErrConflict) {
		current, ok := e.model.OrderByID(order.OrderID)
		if ok && current.ContractID != "" && current.ContractID != order.ContractID {
			e.logger.Debug("fill conflict, retrying against replacement contract",
				"order_id", order.OrderID,
				"contract_id", current.ContractID,
			)
			res, err = e.submitFill(ctx, order, current.ContractID, qty)
		}
	}
	if err != nil {
		return nil, err
	}

	after := order.Clone()
	if ferr := after.Fill(qty); ferr != nil {
		// The ledger accepted the fill; keep the ledger's view.
		e.logger.Error("local fill state diverged", "order_id", order.OrderID, "err", ferr)
	}
	after.ContractID = ""
	if created := res.FirstCreated(types.TemplateOrder); created != nil {
		if decoded, derr := types.OrderFromPayload(created.ContractID, created.Payload); derr == nil {
			after = decoded
		} else {
			after.ContractID = created.ContractID
		}
	}
	return after, nil
}

func (e *Engine) submitFill(ctx context.Context, order *types.Order, contractID string, qty math.LegacyDec) (*ledger.TxResult, error) {
	return e.client.SubmitCommand(ctx,
		[]string{e.operator},
		[]string{e.operator, order.Owner},
		ledger.ExerciseCommand(contractID, types.ChoiceFillOrder, types.FillArgument{
			Quantity: qty.String(),
		}),
	)
}

// executeLeg runs one allocation transfer, skipping amounts below the
// dust threshold. Returns false when the leg failed.
func (e *Engine) executeLeg(ctx context.Context, allocationRef, owner, asset string, amount math.LegacyDec) bool {
	if amount.LT(e.dust) {
		e.logger.Info("skipping dust transfer",
			"asset", asset,
			"amount", amount.String(),
		)
		metrics.GetCollector().AllocationsSkipped.WithLabelValues(asset).Inc()
		return true
	}
	if allocationRef == "" {
		e.logger.Error("order has no allocation to transfer from",
			"owner", owner,
			"asset", asset,
			"amount", amount.String(),
		)
		return false
	}
	if _, err := e.client.ExecuteAllocation(ctx, allocationRef, e.operator, owner); err != nil {
		e.logger.Error("allocation transfer failed",
			"allocation_ref", allocationRef,
			"asset", asset,
			"amount", amount.String(),
			"err", err,
		)
		return false
	}
	return true
}

// releaseReservations frees the consumed part of both reservations.
// The sell side reserved base quantity, the buy side reserved the quote
// value. A fully filled order releases whatever reservation remains.
func (e *Engine) releaseReservations(m Match, buyAfter, sellAfter *types.Order, quoteAmount math.LegacyDec) {
	if sellAfter != nil && sellAfter.IsFilled() {
		e.reserver.Release(m.Sell.OrderID)
	} else {
		e.reserver.ReleasePartial(m.Sell.OrderID, m.Quantity)
	}
	if buyAfter != nil && buyAfter.IsFilled() {
		e.reserver.Release(m.Buy.OrderID)
	} else {
		e.reserver.ReleasePartial(m.Buy.OrderID, quoteAmount)
	}
}

// recordTrade creates the Trade contract best-effort and returns the
// local trade record either way. A trade contract failure never fails
// the settlement; the transfers already happened.
func (e *Engine) recordTrade(ctx context.Context, m Match) *types.Trade {
	trade := types.NewTrade(uuid.NewString(), m.Pair, m.Buy, m.Sell, m.Price, m.Quantity)

	res, err := e.client.SubmitCommand(ctx,
		[]string{e.operator},
		[]string{e.operator, m.Buy.Owner, m.Sell.Owner},
		ledger.CreateCommand(types.TemplateTrade, types.TradeToPayload(trade)),
	)
	if err != nil {
		e.logger.Error("trade contract create failed, keeping local record",
			"trade_id", trade.TradeID,
			"err", err,
		)
	} else if created := res.FirstCreated(types.TemplateTrade); created != nil {
		trade.ContractID = created.ContractID
	}

	if e.trades != nil {
		e.trades.Append(trade)
	}
	e.model.UpsertTrade(trade)
	return trade
}

// applyFills pushes the post-fill order states into the read model so
// the next cycle sees them before the stream round-trips.
func (e *Engine) applyFills(m Match, buyAfter, sellAfter *types.Order) {
	e.applyFill(m.Buy, buyAfter)
	e.applyFill(m.Sell, sellAfter)
}

func (e *Engine) applyFill(before, after *types.Order) {
	if after == nil {
		return
	}
	if after.ContractID == "" || !after.IsActive() || !after.HasRemaining() {
		e.model.RemoveOrderContract(before.ContractID)
		return
	}
	e.model.UpsertOrder(after)
}
