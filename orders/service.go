// Package orders is the write path for user orders: validation,
// balance reservation, contract creation, and cancellation. Funds are
// reserved locally before the create goes out so two orders can never
// commit the same balance, and released once the ledger shows the
// corresponding effect.
package orders

import (
	"context"

	"cosmossdk.io/errors"
	"cosmossdk.io/log"
	"cosmossdk.io/math"
	"github.com/google/uuid"

	"github.com/openclob/ledger-clob/ledger"
	"github.com/openclob/ledger-clob/metrics"
	"github.com/openclob/ledger-clob/readmodel"
	"github.com/openclob/ledger-clob/reserve"
	"github.com/openclob/ledger-clob/stoploss"
	"github.com/openclob/ledger-clob/types"
)

// Publisher pushes operational events to connected clients.
type Publisher interface {
	Publish(topic string, payload any)
}

// Config controls order placement.
type Config struct {
	// MarketSlippageBuffer scales the reservation of market and stop
	// buys, whose final quote cost is unknown at placement.
	MarketSlippageBuffer math.LegacyDec
}

// DefaultConfig returns the production placement settings.
func DefaultConfig() Config {
	return Config{MarketSlippageBuffer: math.LegacyNewDecWithPrec(105, 2)} // 1.05
}

// PlaceRequest is a new-order request.
type PlaceRequest struct {
	Party         string
	Pair          types.TradingPair
	Side          types.Side
	Mode          types.Mode
	Price         math.LegacyDec // limit price; nil otherwise
	StopPrice     math.LegacyDec // stop threshold; nil unless stop-loss
	Quantity      math.LegacyDec
	AllocationRef string // pre-locked allocation backing the order's leg
}

// Service is the order write path.
type Service struct {
	logger   log.Logger
	client   ledger.Client
	model    *readmodel.ReadModel
	reserver *reserve.Reserver
	stops    *stoploss.Engine
	pub      Publisher
	operator string
	cfg      Config
	pairs    map[types.TradingPair]bool

	// requestCycle nudges the matching engine after a placement.
	requestCycle func(pair types.TradingPair)
}

// New creates the order service. stops and requestCycle may be nil.
func New(
	client ledger.Client,
	model *readmodel.ReadModel,
	reserver *reserve.Reserver,
	stops *stoploss.Engine,
	pub Publisher,
	operator string,
	tradingPairs []types.TradingPair,
	cfg Config,
	logger log.Logger,
) *Service {
	if cfg.MarketSlippageBuffer.IsNil() || !cfg.MarketSlippageBuffer.IsPositive() {
		cfg.MarketSlippageBuffer = DefaultConfig().MarketSlippageBuffer
	}
	pairs := make(map[types.TradingPair]bool, len(tradingPairs))
	for _, p := range tradingPairs {
		pairs[p] = true
	}
	return &Service{
		logger:   logger.With("component", "orders"),
		client:   client,
		model:    model,
		reserver: reserver,
		stops:    stops,
		pub:      pub,
		operator: operator,
		cfg:      cfg,
		pairs:    pairs,
	}
}

// SetCycleRequester wires the matching engine callback after
// construction.
func (s *Service) SetCycleRequester(fn func(pair types.TradingPair)) {
	s.requestCycle = fn
}

// Place validates, reserves, and creates a new order. The reservation
// is taken before the create and rolled back if the create fails, so a
// successful return means the funds are committed to exactly this
// order.
func (s *Service) Place(ctx context.Context, req PlaceRequest) (*types.Order, error) {
	timer := metrics.NewTimer()

	if err := s.validate(req); err != nil {
		return nil, err
	}

	asset, amount, err := s.reservationFor(req)
	if err != nil {
		return nil, err
	}

	order := types.NewOrder(uuid.NewString(), req.Party, req.Pair, req.Side, req.Mode, req.Price, req.Quantity)
	order.StopPrice = req.StopPrice
	order.AllocationRef = req.AllocationRef

	if err := s.checkBalance(ctx, req.Party, asset, amount); err != nil {
		return nil, err
	}
	if err := s.reserver.Reserve(order.OrderID, req.Party, asset, amount); err != nil {
		return nil, err
	}

	res, err := s.client.SubmitCommand(ctx,
		[]string{req.Party, s.operator},
		[]string{req.Party, s.operator},
		ledger.CreateCommand(types.TemplateOrder, types.OrderToPayload(order, s.operator)),
	)
	if err != nil {
		s.reserver.Release(order.OrderID)
		return nil, errors.Wrap(err, "create order contract")
	}
	if created := res.FirstCreated(types.TemplateOrder); created != nil {
		order.ContractID = created.ContractID
	}

	// Speculative insert; the live stream confirms it shortly after.
	s.model.UpsertOrder(order)

	coll := metrics.GetCollector()
	coll.RecordOrder(req.Pair.String(), req.Side.String(), req.Mode.String(), order.Status.String())
	coll.RecordOrderLatency(req.Pair.String(), req.Mode.String(), timer.ElapsedMs())

	s.logger.Info("order placed",
		"order_id", order.OrderID,
		"contract_id", order.ContractID,
		"party", req.Party,
		"pair", req.Pair.String(),
		"side", req.Side.String(),
		"mode", req.Mode.String(),
		"quantity", req.Quantity.String(),
	)
	if s.pub != nil {
		s.pub.Publish(types.TopicOrderbook(req.Pair),
			types.NewEvent(types.EventNewOrder, types.OrderToPayload(order, s.operator)))
	}

	if req.Mode == types.ModeStopLoss {
		if s.stops != nil {
			s.stops.Register(&types.StopRegistration{
				OrderID:         order.OrderID,
				OrderContractID: order.ContractID,
				Owner:           req.Party,
				Pair:            req.Pair,
				Side:            req.Side,
				StopPrice:       req.StopPrice,
				Quantity:        req.Quantity,
				AllocationRef:   req.AllocationRef,
			})
		}
	} else if s.requestCycle != nil {
		s.requestCycle(req.Pair)
	}
	return order, nil
}

// Cancel withdraws an order and frees its reservation. A contract that
// is already gone counts as success: the order cannot fill anymore,
// which is all the caller asked for.
func (s *Service) Cancel(ctx context.Context, party, orderID string) error {
	order, ok := s.model.OrderByID(orderID)
	if !ok {
		return errors.Wrapf(types.ErrOrderNotFound, "order %s", orderID)
	}
	if order.Owner != party {
		return errors.Wrapf(types.ErrNotOwner, "order %s", orderID)
	}
	if order.Status == types.OrderStatusFilled || order.Status == types.OrderStatusCancelled {
		return errors.Wrapf(types.ErrOrderClosed, "order %s is %s", orderID, order.Status)
	}

	// Release the unexecuted allocation first so the user's funds come
	// back even if the order contract vanishes mid-cancel.
	if order.AllocationRef != "" {
		if _, err := s.client.WithdrawAllocation(ctx, order.AllocationRef, party); err != nil {
			if !errors.IsOf(err, ledger.ErrContractNotFound) {
				return errors.Wrap(err, "withdraw allocation")
			}
			s.logger.Debug("allocation already gone", "allocation_ref", order.AllocationRef)
		}
	}

	_, err := s.client.SubmitCommand(ctx,
		[]string{party, s.operator},
		[]string{party, s.operator},
		ledger.ExerciseCommand(order.ContractID, types.ChoiceCancelOrder, nil),
	)
	if err != nil && !errors.IsOf(err, ledger.ErrContractNotFound) {
		return errors.Wrap(err, "cancel order contract")
	}

	s.reserver.Release(orderID)
	s.model.RemoveOrderContract(order.ContractID)
	if s.stops != nil {
		s.stops.Unregister(orderID)
	}

	s.logger.Info("order cancelled",
		"order_id", orderID,
		"party", party,
		"already_gone", err != nil,
	)
	if s.pub != nil {
		s.pub.Publish(types.TopicOrderbook(order.Pair), types.NewEvent(types.EventOrderCancelled, map[string]string{
			"orderId": orderID,
			"owner":   party,
			"pair":    order.Pair.String(),
		}))
	}
	metrics.GetCollector().RecordOrder(order.Pair.String(), order.Side.String(), order.Mode.String(), "cancelled")
	return nil
}

// Get returns one order by id.
func (s *Service) Get(orderID string) (*types.Order, error) {
	order, ok := s.model.OrderByID(orderID)
	if !ok {
		return nil, errors.Wrapf(types.ErrOrderNotFound, "order %s", orderID)
	}
	return order, nil
}

// ListForParty returns the party's orders, newest first.
func (s *Service) ListForParty(party string) []*types.Order {
	return s.model.OrdersForParty(party)
}

func (s *Service) validate(req PlaceRequest) error {
	if req.Party == "" {
		return errors.Wrap(types.ErrValidation, "party is required")
	}
	if !s.pairs[req.Pair] {
		return errors.Wrapf(types.ErrUnknownPair, "pair %s", req.Pair.String())
	}
	if req.Side != types.SideBuy && req.Side != types.SideSell {
		return errors.Wrap(types.ErrValidation, "side is required")
	}
	if req.Quantity.IsNil() || !req.Quantity.IsPositive() {
		return errors.Wrap(types.ErrInvalidQuantity, "quantity must be positive")
	}

	switch req.Mode {
	case types.ModeLimit:
		if req.Price.IsNil() || !req.Price.IsPositive() {
			return errors.Wrap(types.ErrInvalidPrice, "limit orders need a positive price")
		}
	case types.ModeMarket:
		if !req.Price.IsNil() {
			return errors.Wrap(types.ErrInvalidPrice, "market orders take no price")
		}
	case types.ModeStopLoss:
		if req.StopPrice.IsNil() || !req.StopPrice.IsPositive() {
			return errors.Wrap(types.ErrInvalidStopPrice, "stop orders need a positive stop price")
		}
		if !req.Price.IsNil() {
			return errors.Wrap(types.ErrInvalidPrice, "stop orders execute at market, no price allowed")
		}
	default:
		return errors.Wrap(types.ErrValidation, "mode is required")
	}
	return nil
}

// reservationFor computes what the order commits. Sells commit the
// base quantity. Buy limits commit the exact quote cost; buy markets
// commit the best ask with a slippage buffer, and buy stops the stop
// price with the same buffer.
func (s *Service) reservationFor(req PlaceRequest) (asset string, amount math.LegacyDec, err error) {
	if req.Side == types.SideSell {
		if req.Mode == types.ModeMarket {
			if _, ok := s.model.BestBid(req.Pair); !ok {
				return "", math.LegacyDec{}, errors.Wrapf(types.ErrEmptyBook,
					"no resting bid to absorb a market sell on %s", req.Pair.String())
			}
		}
		return req.Pair.Base, req.Quantity, nil
	}

	switch req.Mode {
	case types.ModeLimit:
		return req.Pair.Quote, req.Quantity.Mul(req.Price), nil
	case types.ModeMarket:
		ask, ok := s.model.BestAsk(req.Pair)
		if !ok {
			return "", math.LegacyDec{}, errors.Wrapf(types.ErrEmptyBook,
				"no resting ask to price a market buy on %s", req.Pair.String())
		}
		return req.Pair.Quote, req.Quantity.Mul(ask).Mul(s.cfg.MarketSlippageBuffer), nil
	default: // stop-loss buy
		return req.Pair.Quote, req.Quantity.Mul(req.StopPrice).Mul(s.cfg.MarketSlippageBuffer), nil
	}
}

// checkBalance is advisory: a ledger error degrades to a warning, the
// authoritative check happens at settlement.
func (s *Service) checkBalance(ctx context.Context, party, asset string, amount math.LegacyDec) error {
	balance, err := s.client.GetAvailableBalance(ctx, party, asset)
	if err != nil {
		s.logger.Warn("balance check unavailable, proceeding",
			"party", party,
			"asset", asset,
			"err", err,
		)
		return nil
	}
	available := balance.Sub(s.reserver.Reserved(party, asset))
	if available.LT(amount) {
		return errors.Wrapf(types.ErrInsufficientFunds,
			"need %s %s, %s available", amount.String(), asset, available.String())
	}
	return nil
}
