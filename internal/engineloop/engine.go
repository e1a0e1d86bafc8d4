// Package engineloop implements the single-writer matching engine: the
// sole task that owns every market's order book and processes commands
// strictly FIFO off a bounded queue. It receives from a channel under a
// tomb.Tomb, dispatches, and replies on a one-shot channel per command.
package engineloop

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gopkg.in/tomb.v2"

	"fenrir/internal/book"
	"fenrir/internal/domain"
	"fenrir/internal/matcher"
	"fenrir/internal/persistence"
	"fenrir/internal/settlement"
)

// FeeAccount is the balance-table user the maker/taker fees on every fill
// accrue to, keyed by (token, FeeAccount).
const FeeAccount = "fees"

// Publisher delivers one event to the broadcast bus. Implementations must
// never block the engine on a slow reader.
type Publisher func(domain.EngineEvent)

// Clock returns the current time. A command reads it once for its order,
// trade and orderbook events; each BalanceUpdated event reads it again as
// it is built. Timestamps are the only part of the event sequence that a
// fixed command sequence does not reproduce.
type Clock func() time.Time

// Engine is the sole writer of every market's order book. All mutation
// happens inside run, invoked only from the goroutine tomb.Tomb.Go starts;
// every other method only enqueues work or reads tomb/channel state.
type Engine struct {
	t tomb.Tomb

	commands chan domain.EngineCommand

	markets map[string]domain.Market
	books   map[string]*book.OrderBook

	// locations/userOrders index resting orders so CancelOrder/CancelAll
	// can find them without a linear scan of every market's book.
	locations  map[string]string          // orderID -> marketID
	userOrders map[string]map[string]bool // user -> set of orderID

	store    persistence.Adapter
	columnar *persistence.ColumnarWriter // nil disables the durability wait
	publish  Publisher
	clock    Clock
}

// New constructs an Engine over the given markets and starts its run loop
// under a supervised tomb.Tomb. columnar may be nil if no asynchronous
// analytical store is configured.
func New(markets []domain.Market, store persistence.Adapter, columnar *persistence.ColumnarWriter, publish Publisher, clock Clock, queueCapacity int) *Engine {
	e := &Engine{
		commands:   make(chan domain.EngineCommand, queueCapacity),
		markets:    make(map[string]domain.Market, len(markets)),
		books:      make(map[string]*book.OrderBook, len(markets)),
		locations:  make(map[string]string),
		userOrders: make(map[string]map[string]bool),
		store:      store,
		columnar:   columnar,
		publish:    publish,
		clock:      clock,
	}
	for _, m := range markets {
		e.markets[m.MarketID] = m
		e.books[m.MarketID] = book.New(m.MarketID)
	}
	e.t.Go(e.run)
	return e
}

// Submit enqueues cmd and awaits its reply. If ctx ends before the command
// reaches the queue, Submit returns EngineSendFailed and the command is
// never processed. If ctx ends after that but before the reply arrives,
// Submit returns EngineReceiveFailed — the engine itself still processes
// and persists the command to completion, since aborting it mid-flight
// would violate the atomicity of its balance mutations.
func (e *Engine) Submit(ctx context.Context, cmd domain.EngineCommand) (domain.EngineReply, error) {
	select {
	case e.commands <- cmd:
	case <-e.t.Dying():
		err := domain.NewEngineError(domain.CodeEngineSendFailed, "engine is shutting down")
		return domain.EngineReply{Err: err}, err
	case <-ctx.Done():
		err := domain.NewEngineError(domain.CodeEngineSendFailed, "command queue full: %v", ctx.Err())
		return domain.EngineReply{Err: err}, err
	}
	select {
	case reply := <-cmd.Reply:
		return reply, nil
	case <-ctx.Done():
		err := domain.NewEngineError(domain.CodeEngineReceiveFailed, "deadline exceeded awaiting engine reply: %v", ctx.Err())
		return domain.EngineReply{Err: err}, err
	}
}

// Stop signals the engine to exit its run loop and waits for the loop to
// return. Commands still on the queue are not processed.
func (e *Engine) Stop() error {
	e.t.Kill(nil)
	return e.t.Wait()
}

func (e *Engine) run() error {
	ctx := context.Background()
	for {
		select {
		case <-e.t.Dying():
			return nil
		case cmd := <-e.commands:
			e.dispatch(ctx, cmd)
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, cmd domain.EngineCommand) {
	var reply domain.EngineReply
	switch cmd.Kind {
	case domain.CmdPlaceOrder:
		reply = e.handlePlaceOrder(ctx, cmd.Order)
	case domain.CmdCancelOrder:
		reply = e.handleCancelOrder(ctx, cmd.OrderID, cmd.User)
	case domain.CmdCancelAll:
		reply = e.handleCancelAll(ctx, cmd.User, cmd.MarketID)
	}
	cmd.Reply <- reply
}

func errReply(err *domain.EngineError) domain.EngineReply { return domain.EngineReply{Err: err} }

// handlePlaceOrder validates, locks collateral, matches, settles, persists,
// and replies for a single PlaceOrder command, in that order.
func (e *Engine) handlePlaceOrder(ctx context.Context, order domain.Order) domain.EngineReply {
	market, ok := e.markets[order.MarketID]
	if !ok {
		return errReply(domain.NewEngineError(domain.CodeMarketNotFound, "unknown market %q", order.MarketID))
	}
	if verr := validatePlaceOrder(order, market); verr != nil {
		return errReply(verr)
	}

	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	now := e.clock()
	order.CreatedAt, order.UpdatedAt = now, now
	order.FilledSize = 0
	order.Status = domain.Pending

	lockToken, lockAmount, err := settlement.RequiredLock(order, market)
	if err != nil {
		return errReply(domain.NewEngineError(domain.CodeOrderValueOverflow, "%v", err))
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return errReply(domain.NewEngineError(domain.CodeDatabaseError, "%v", err))
	}

	if lockAmount > 0 {
		if err := e.store.LockBalance(ctx, tx, order.User, lockToken, lockAmount); err != nil {
			e.store.Rollback(ctx, tx)
			return errReply(domain.NewEngineError(domain.CodeInsufficientBalance,
				"insufficient %s balance: %v", lockToken, err))
		}
	}
	if err := e.store.InsertOrder(ctx, tx, order); err != nil {
		e.store.Rollback(ctx, tx)
		return errReply(domain.NewEngineError(domain.CodeDatabaseError, "%v", err))
	}

	b := e.books[order.MarketID]
	matches := matcher.Walk(b, order, market.BaseDecimals)

	var events []domain.EngineEvent
	var trades []domain.Trade
	var quoteConsumed uint64

	for _, match := range matches {
		if err := b.ApplyFill(opposite(order.Side), match.Maker.ID, match.Size); err != nil {
			// A maker the walk just returned is missing from the book: a
			// broken book invariant, not an input error.
			e.store.Rollback(ctx, tx)
			log.Panic().Err(err).Str("order_id", match.Maker.ID).Msg("engine: resting maker vanished mid-fill")
		}
		if match.Maker.Status == domain.Filled {
			e.forgetOrder(match.Maker.ID, match.Maker.User)
		}
		order.FilledSize += match.Size

		quoteAmount, err := settlement.QuoteAmount(match.Size, match.Price, market.BaseDecimals)
		if err != nil {
			e.store.Rollback(ctx, tx)
			return errReply(domain.NewEngineError(domain.CodeOrderValueOverflow, "%v", err))
		}
		quoteConsumed += quoteAmount

		buyerOrder, sellerOrder := order, *match.Maker
		if order.Side == domain.Sell {
			buyerOrder, sellerOrder = *match.Maker, order
		}
		buyerFeeBps, sellerFeeBps := market.MakerFeeBps, market.MakerFeeBps
		if order.Side == domain.Buy {
			buyerFeeBps = market.TakerFeeBps
		} else {
			sellerFeeBps = market.TakerFeeBps
		}

		buyerSplit, err := settlement.SplitFee(match.Size, buyerFeeBps)
		if err != nil {
			e.store.Rollback(ctx, tx)
			return errReply(domain.NewEngineError(domain.CodeOrderValueOverflow, "%v", err))
		}
		sellerSplit, err := settlement.SplitFee(quoteAmount, sellerFeeBps)
		if err != nil {
			e.store.Rollback(ctx, tx)
			return errReply(domain.NewEngineError(domain.CodeOrderValueOverflow, "%v", err))
		}

		trade := domain.Trade{
			ID:            uuid.NewString(),
			MarketID:      order.MarketID,
			Buyer:         buyerOrder.User,
			Seller:        sellerOrder.User,
			BuyerOrderID:  buyerOrder.ID,
			SellerOrderID: sellerOrder.ID,
			Price:         match.Price,
			Size:          match.Size,
			Timestamp:     now,
		}
		if err := e.store.InsertTrade(ctx, tx, trade); err != nil {
			e.store.Rollback(ctx, tx)
			return errReply(domain.NewEngineError(domain.CodeDatabaseError, "%v", err))
		}
		if err := e.store.UpdateOrderState(ctx, tx, *match.Maker); err != nil {
			e.store.Rollback(ctx, tx)
			return errReply(domain.NewEngineError(domain.CodeDatabaseError, "%v", err))
		}

		balanceEvents, err := e.settleFill(ctx, tx, market, buyerOrder.User, sellerOrder.User,
			quoteAmount, match.Size, buyerSplit, sellerSplit)
		if err != nil {
			e.store.Rollback(ctx, tx)
			return errReply(domain.NewEngineError(domain.CodeDatabaseError, "%v", err))
		}

		trades = append(trades, trade)
		events = append(events, domain.EngineEvent{Kind: domain.EvtTradeExecuted, Timestamp: now, Trade: trade})
		events = append(events, balanceEvents...)
		events = append(events, domain.EngineEvent{Kind: domain.EvtOrderUpdated, Timestamp: now, Order: *match.Maker})
	}

	resting := order.Type == domain.LimitOrder && order.Remaining() > 0
	if resting {
		if order.FilledSize == 0 {
			order.Status = domain.Pending
		} else {
			order.Status = domain.PartiallyFilled
		}
	} else {
		// Never rests: either a Limit that filled completely, or a Market
		// order that terminates on the spot — fully swept or not, a Market
		// order is always done once matched, never Pending/PartiallyFilled.
		order.Status = domain.Filled
	}
	order.UpdatedAt = now

	if err := e.store.UpdateOrderState(ctx, tx, order); err != nil {
		e.store.Rollback(ctx, tx)
		return errReply(domain.NewEngineError(domain.CodeDatabaseError, "%v", err))
	}

	// Release any over-lock left once fills and the resting remainder (if
	// any) are accounted for: price improvement on a buy, or an unused
	// market-buy max_quote protection.
	if unlockEvt, err := e.releaseExcessLock(ctx, tx, order, market, lockToken, lockAmount, quoteConsumed, resting); err != nil {
		e.store.Rollback(ctx, tx)
		return errReply(domain.NewEngineError(domain.CodeDatabaseError, "%v", err))
	} else if unlockEvt != nil {
		events = append(events, *unlockEvt)
	}

	if err := e.store.Commit(ctx, tx); err != nil {
		return errReply(domain.NewEngineError(domain.CodeDatabaseError, "commit: %v", err))
	}

	if resting {
		b.Add(&order)
		e.rememberOrder(order.ID, order.User, order.MarketID)
		events = append(events, domain.EngineEvent{Kind: domain.EvtOrderAccepted, Timestamp: now, Order: order})
	}
	events = append(events, domain.EngineEvent{
		Kind: domain.EvtOrderbookChanged, Timestamp: now, MarketID: order.MarketID,
		Orderbook: b.Snapshot(0),
	})

	e.emit(ctx, events)
	return domain.EngineReply{PlaceOrder: &domain.PlaceOrderResult{Order: order, Trades: trades}}
}

// settleFill applies one fill's four custody transfers (buyer quote debit,
// buyer base credit, seller base debit, seller quote credit) plus the two
// fee-account credits, and returns the BalanceUpdated events for the two
// trading participants (the fee account is not a subscribable user).
func (e *Engine) settleFill(ctx context.Context, tx persistence.Tx, market domain.Market, buyer, seller string,
	quoteAmount, baseSize uint64, buyerSplit, sellerSplit settlement.FeeSplit) ([]domain.EngineEvent, error) {

	var events []domain.EngineEvent

	if err := e.store.Transfer(ctx, tx, buyer, market.Quote, -int64(quoteAmount), -int64(quoteAmount)); err != nil {
		return nil, err
	}
	if evt, err := e.balanceEvent(ctx, tx, buyer, market.Quote); err != nil {
		return nil, err
	} else {
		events = append(events, evt)
	}

	if err := e.store.Transfer(ctx, tx, buyer, market.Base, int64(buyerSplit.Net), 0); err != nil {
		return nil, err
	}
	if evt, err := e.balanceEvent(ctx, tx, buyer, market.Base); err != nil {
		return nil, err
	} else {
		events = append(events, evt)
	}

	if err := e.store.Transfer(ctx, tx, seller, market.Base, -int64(baseSize), -int64(baseSize)); err != nil {
		return nil, err
	}
	if evt, err := e.balanceEvent(ctx, tx, seller, market.Base); err != nil {
		return nil, err
	} else {
		events = append(events, evt)
	}

	if err := e.store.Transfer(ctx, tx, seller, market.Quote, int64(sellerSplit.Net), 0); err != nil {
		return nil, err
	}
	if evt, err := e.balanceEvent(ctx, tx, seller, market.Quote); err != nil {
		return nil, err
	} else {
		events = append(events, evt)
	}

	if buyerSplit.Fee > 0 {
		if err := e.store.Transfer(ctx, tx, FeeAccount, market.Base, int64(buyerSplit.Fee), 0); err != nil {
			return nil, err
		}
	}
	if sellerSplit.Fee > 0 {
		if err := e.store.Transfer(ctx, tx, FeeAccount, market.Quote, int64(sellerSplit.Fee), 0); err != nil {
			return nil, err
		}
	}
	return events, nil
}

func (e *Engine) balanceEvent(ctx context.Context, tx persistence.Tx, user, token string) (domain.EngineEvent, error) {
	b, err := e.store.GetBalance(ctx, tx, user, token)
	if err != nil {
		return domain.EngineEvent{}, err
	}
	return domain.EngineEvent{
		Kind: domain.EvtBalanceUpdated, Timestamp: e.clock(),
		BalanceUser: user, BalanceToken: token, Available: b.Available(), Locked: b.Locked,
	}, nil
}

// releaseExcessLock unlocks whatever part of the original collateral
// reservation is no longer owed, once fills and any resting remainder are
// accounted for. For a sell this is always zero (base locked 1:1 with
// size, consumed exactly per fill). For a buy it covers both price
// improvement (maker price better than the taker's limit) and an unused
// market-buy max_quote protection.
func (e *Engine) releaseExcessLock(ctx context.Context, tx persistence.Tx, order domain.Order, market domain.Market,
	lockToken string, lockedAmount, quoteConsumed uint64, resting bool) (*domain.EngineEvent, error) {

	if order.Side == domain.Sell || lockedAmount == 0 {
		return nil, nil
	}
	var stillOwed uint64
	if resting {
		remaining, err := settlement.QuoteAmount(order.Remaining(), order.Price, market.BaseDecimals)
		if err != nil {
			return nil, err
		}
		stillOwed = remaining
	}
	if lockedAmount <= quoteConsumed+stillOwed {
		return nil, nil
	}
	excess := lockedAmount - quoteConsumed - stillOwed
	if err := e.store.UnlockBalance(ctx, tx, order.User, lockToken, excess); err != nil {
		return nil, err
	}
	evt, err := e.balanceEvent(ctx, tx, order.User, lockToken)
	if err != nil {
		return nil, err
	}
	return &evt, nil
}

// handleCancelOrder removes a resting order from its book, unlocks its
// residual collateral, and persists the cancellation.
func (e *Engine) handleCancelOrder(ctx context.Context, orderID, user string) domain.EngineReply {
	marketID, ok := e.locations[orderID]
	if !ok {
		return errReply(domain.NewEngineError(domain.CodeOrderNotFound, "order %q not found", orderID))
	}
	b := e.books[marketID]
	market := e.markets[marketID]

	order, side, err := b.RemoveAny(orderID)
	if err != nil {
		return errReply(domain.NewEngineError(domain.CodeOrderNotFound, "order %q not found", orderID))
	}
	if order.User != user {
		b.Add(order) // not the owner: put it back, do not leak existence
		return errReply(domain.NewEngineError(domain.CodeOrderNotFound, "order %q not found", orderID))
	}
	e.forgetOrder(orderID, user)

	token, amount, err := settlement.RequiredLock(domain.Order{
		Side: side, Type: domain.LimitOrder, Size: order.Remaining(), Price: order.Price,
	}, market)
	if err != nil {
		return errReply(domain.NewEngineError(domain.CodeOrderValueOverflow, "%v", err))
	}

	now := e.clock()
	order.Status = domain.Cancelled
	order.UpdatedAt = now

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return errReply(domain.NewEngineError(domain.CodeDatabaseError, "%v", err))
	}
	if amount > 0 {
		if err := e.store.UnlockBalance(ctx, tx, user, token, amount); err != nil {
			e.store.Rollback(ctx, tx)
			return errReply(domain.NewEngineError(domain.CodeDatabaseError, "%v", err))
		}
	}
	if err := e.store.UpdateOrderState(ctx, tx, *order); err != nil {
		e.store.Rollback(ctx, tx)
		return errReply(domain.NewEngineError(domain.CodeDatabaseError, "%v", err))
	}
	var balanceEvt *domain.EngineEvent
	if amount > 0 {
		evt, err := e.balanceEvent(ctx, tx, user, token)
		if err != nil {
			e.store.Rollback(ctx, tx)
			return errReply(domain.NewEngineError(domain.CodeDatabaseError, "%v", err))
		}
		balanceEvt = &evt
	}
	if err := e.store.Commit(ctx, tx); err != nil {
		return errReply(domain.NewEngineError(domain.CodeDatabaseError, "commit: %v", err))
	}

	events := []domain.EngineEvent{{Kind: domain.EvtOrderCancelled, Timestamp: now, Order: *order}}
	if balanceEvt != nil {
		events = append(events, *balanceEvt)
	}
	events = append(events, domain.EngineEvent{
		Kind: domain.EvtOrderbookChanged, Timestamp: now, MarketID: marketID, Orderbook: b.Snapshot(0),
	})
	e.emit(ctx, events)

	return domain.EngineReply{Cancel: &domain.CancelOrderResult{OrderID: orderID}}
}

// handleCancelAll replays handleCancelOrder for every resting order the
// user owns, optionally scoped to a single market.
func (e *Engine) handleCancelAll(ctx context.Context, user, marketID string) domain.EngineReply {
	var targets []string
	for orderID := range e.userOrders[user] {
		if marketID != "" && e.locations[orderID] != marketID {
			continue
		}
		targets = append(targets, orderID)
	}

	var cancelled []string
	for _, orderID := range targets {
		reply := e.handleCancelOrder(ctx, orderID, user)
		if reply.Err == nil {
			cancelled = append(cancelled, orderID)
		} else {
			log.Warn().Str("order_id", orderID).Str("user", user).Err(reply.Err).Msg("engine: cancel_all skipped order")
		}
	}
	return domain.EngineReply{CancelAll: &domain.CancelAllResult{OrderIDs: cancelled, Count: len(cancelled)}}
}

func (e *Engine) rememberOrder(orderID, user, marketID string) {
	e.locations[orderID] = marketID
	set, ok := e.userOrders[user]
	if !ok {
		set = make(map[string]bool)
		e.userOrders[user] = set
	}
	set[orderID] = true
}

func (e *Engine) forgetOrder(orderID, user string) {
	delete(e.locations, orderID)
	if set, ok := e.userOrders[user]; ok {
		delete(set, orderID)
	}
}

// emit forwards events to the bus in order, holding each TradeExecuted
// event until the columnar writer confirms durability.
func (e *Engine) emit(ctx context.Context, events []domain.EngineEvent) {
	for _, evt := range events {
		if evt.Kind == domain.EvtTradeExecuted && e.columnar != nil {
			seq := e.columnar.Submit(evt.Trade)
			if err := e.columnar.WaitDurable(ctx, seq); err != nil {
				log.Error().Err(err).Str("trade_id", evt.Trade.ID).Msg("engine: columnar durability wait failed")
			}
		}
		e.publish(evt)
	}
}

func opposite(s domain.Side) domain.Side {
	if s == domain.Buy {
		return domain.Sell
	}
	return domain.Buy
}
