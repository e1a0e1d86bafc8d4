package engineloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fenrir/internal/domain"
	"fenrir/internal/persistence"
)

func testMarket() domain.Market {
	return domain.Market{
		MarketID: "BTC/USD", Base: "BTC", Quote: "USD",
		TickSize: 1, LotSize: 1, MinSize: 1,
		MakerFeeBps: 10, TakerFeeBps: 20, BaseDecimals: 8,
	}
}

type harness struct {
	engine *Engine
	store  *persistence.MemoryAdapter
	events []domain.EngineEvent
	mu     sync.Mutex
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithMarkets(t, testMarket())
}

// newHarnessWithMarkets builds an Engine seeded with the given markets,
// so a test that needs a non-default market (e.g. a different tick size)
// configures it before the engine goroutine starts rather than mutating
// live engine state from the test goroutine afterward.
func newHarnessWithMarkets(t *testing.T, markets ...domain.Market) *harness {
	t.Helper()
	store := persistence.NewMemoryAdapter()
	h := &harness{store: store}
	clock := func() time.Time { return time.Unix(1700000000, 0) }
	h.engine = New(markets, store, nil, h.record, clock, 64)
	t.Cleanup(func() { _ = h.engine.Stop() })
	return h
}

func (h *harness) record(evt domain.EngineEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, evt)
}

func (h *harness) eventsOfKind(kind domain.EventKind) []domain.EngineEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []domain.EngineEvent
	for _, e := range h.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (h *harness) submit(t *testing.T, cmd domain.EngineCommand) domain.EngineReply {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := h.engine.Submit(ctx, cmd)
	require.NoError(t, err)
	return reply
}

func TestPlaceOrder_SimpleCross(t *testing.T) {
	h := newHarness(t)
	h.store.Deposit("seller", "BTC", 10)
	h.store.Deposit("buyer", "USD", 1000)

	sell := domain.Order{User: "seller", MarketID: "BTC/USD", Side: domain.Sell, Type: domain.LimitOrder, Price: 100, Size: 5}
	reply := h.submit(t, domain.NewPlaceOrder(sell))
	require.Nil(t, reply.Err)
	require.NotNil(t, reply.PlaceOrder)
	assert.Equal(t, domain.Pending, reply.PlaceOrder.Order.Status)

	buy := domain.Order{User: "buyer", MarketID: "BTC/USD", Side: domain.Buy, Type: domain.LimitOrder, Price: 100, Size: 5}
	reply = h.submit(t, domain.NewPlaceOrder(buy))
	require.Nil(t, reply.Err)
	require.Len(t, reply.PlaceOrder.Trades, 1)
	trade := reply.PlaceOrder.Trades[0]
	assert.Equal(t, uint64(100), trade.Price)
	assert.Equal(t, uint64(5), trade.Size)
	assert.Equal(t, domain.Filled, reply.PlaceOrder.Order.Status)

	trades := h.eventsOfKind(domain.EvtTradeExecuted)
	require.Len(t, trades, 1)
}

func TestPlaceOrder_PartialFillRests(t *testing.T) {
	h := newHarness(t)
	h.store.Deposit("seller", "BTC", 10)
	h.store.Deposit("buyer", "USD", 1000)

	sell := domain.Order{User: "seller", MarketID: "BTC/USD", Side: domain.Sell, Type: domain.LimitOrder, Price: 100, Size: 3}
	h.submit(t, domain.NewPlaceOrder(sell))

	buy := domain.Order{User: "buyer", MarketID: "BTC/USD", Side: domain.Buy, Type: domain.LimitOrder, Price: 100, Size: 5}
	reply := h.submit(t, domain.NewPlaceOrder(buy))
	require.Nil(t, reply.Err)
	assert.Equal(t, uint64(3), reply.PlaceOrder.Order.FilledSize)
	assert.Equal(t, domain.PartiallyFilled, reply.PlaceOrder.Order.Status)

	accepted := h.eventsOfKind(domain.EvtOrderAccepted)
	require.Len(t, accepted, 1)
	assert.Equal(t, domain.PartiallyFilled, accepted[0].Order.Status)
}

func TestPlaceOrder_SelfTradePrevention(t *testing.T) {
	h := newHarness(t)
	h.store.Deposit("trader", "BTC", 10)
	h.store.Deposit("trader", "USD", 1000)

	sell := domain.Order{User: "trader", MarketID: "BTC/USD", Side: domain.Sell, Type: domain.LimitOrder, Price: 100, Size: 5}
	h.submit(t, domain.NewPlaceOrder(sell))

	buy := domain.Order{User: "trader", MarketID: "BTC/USD", Side: domain.Buy, Type: domain.LimitOrder, Price: 100, Size: 5}
	reply := h.submit(t, domain.NewPlaceOrder(buy))
	require.Nil(t, reply.Err)
	assert.Empty(t, reply.PlaceOrder.Trades)
	assert.Equal(t, uint64(0), reply.PlaceOrder.Order.FilledSize)
	assert.Equal(t, domain.Pending, reply.PlaceOrder.Order.Status)
}

func TestPlaceOrder_InsufficientBalanceRejectsWithoutSideEffects(t *testing.T) {
	h := newHarness(t)
	// buyer has no USD at all.
	buy := domain.Order{User: "buyer", MarketID: "BTC/USD", Side: domain.Buy, Type: domain.LimitOrder, Price: 100, Size: 5}
	reply := h.submit(t, domain.NewPlaceOrder(buy))
	require.NotNil(t, reply.Err)
	assert.Equal(t, domain.CodeInsufficientBalance, reply.Err.Code)
	assert.Empty(t, h.eventsOfKind(domain.EvtOrderAccepted))
	assert.Empty(t, h.eventsOfKind(domain.EvtOrderbookChanged))
}

func TestCancelOrder_ReleasesLock(t *testing.T) {
	h := newHarness(t)
	h.store.Deposit("buyer", "USD", 1000)

	buy := domain.Order{User: "buyer", MarketID: "BTC/USD", Side: domain.Buy, Type: domain.LimitOrder, Price: 100, Size: 5}
	place := h.submit(t, domain.NewPlaceOrder(buy))
	require.Nil(t, place.Err)
	orderID := place.PlaceOrder.Order.ID

	cancel := h.submit(t, domain.NewCancelOrder(orderID, "buyer"))
	require.Nil(t, cancel.Err)
	assert.Equal(t, orderID, cancel.Cancel.OrderID)

	cancelled := h.eventsOfKind(domain.EvtOrderCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, domain.Cancelled, cancelled[0].Order.Status)

	balances := h.eventsOfKind(domain.EvtBalanceUpdated)
	require.Len(t, balances, 1)
	assert.Equal(t, uint64(0), balances[0].Locked)
	assert.Equal(t, uint64(1000), balances[0].Available)
}

func TestPlaceOrder_MarketSweepExhaustsBook(t *testing.T) {
	h := newHarness(t)
	h.store.Deposit("seller", "BTC", 10)
	h.store.Deposit("buyer", "USD", 10000)

	sell := domain.Order{User: "seller", MarketID: "BTC/USD", Side: domain.Sell, Type: domain.LimitOrder, Price: 100, Size: 3}
	h.submit(t, domain.NewPlaceOrder(sell))

	buy := domain.Order{User: "buyer", MarketID: "BTC/USD", Side: domain.Buy, Type: domain.MarketOrder, Size: 10, MaxQuote: 5000}
	reply := h.submit(t, domain.NewPlaceOrder(buy))
	require.Nil(t, reply.Err)
	assert.Equal(t, uint64(3), reply.PlaceOrder.Order.FilledSize)
	assert.Less(t, reply.PlaceOrder.Order.FilledSize, reply.PlaceOrder.Order.Size)
	assert.Equal(t, domain.Filled, reply.PlaceOrder.Order.Status) // market orders never rest
}

func TestCancelAll_ScopesByMarket(t *testing.T) {
	eth := testMarket()
	eth.MarketID, eth.Base = "ETH/USD", "ETH"
	h := newHarnessWithMarkets(t, testMarket(), eth)
	h.store.Deposit("buyer", "USD", 10000)

	first := h.submit(t, domain.NewPlaceOrder(domain.Order{
		User: "buyer", MarketID: "BTC/USD", Side: domain.Buy, Type: domain.LimitOrder, Price: 100, Size: 1,
	}))
	second := h.submit(t, domain.NewPlaceOrder(domain.Order{
		User: "buyer", MarketID: "BTC/USD", Side: domain.Buy, Type: domain.LimitOrder, Price: 90, Size: 1,
	}))
	other := h.submit(t, domain.NewPlaceOrder(domain.Order{
		User: "buyer", MarketID: "ETH/USD", Side: domain.Buy, Type: domain.LimitOrder, Price: 100, Size: 1,
	}))
	require.Nil(t, first.Err)
	require.Nil(t, second.Err)
	require.Nil(t, other.Err)

	reply := h.submit(t, domain.NewCancelAll("buyer", "BTC/USD"))
	require.Nil(t, reply.Err)
	assert.Equal(t, 2, reply.CancelAll.Count)
	assert.NotContains(t, reply.CancelAll.OrderIDs, other.PlaceOrder.Order.ID)
}

func TestPlaceOrder_InvalidTickSizeRejected(t *testing.T) {
	market := testMarket()
	market.TickSize = 5
	h := newHarnessWithMarkets(t, market)
	h.store.Deposit("buyer", "USD", 10000)

	reply := h.submit(t, domain.NewPlaceOrder(domain.Order{
		User: "buyer", MarketID: "BTC/USD", Side: domain.Buy, Type: domain.LimitOrder, Price: 101, Size: 1,
	}))
	require.NotNil(t, reply.Err)
	assert.Equal(t, domain.CodeInvalidTickSize, reply.Err.Code)
}

func TestPlaceOrder_UnknownMarket(t *testing.T) {
	h := newHarness(t)
	reply := h.submit(t, domain.NewPlaceOrder(domain.Order{
		User: "buyer", MarketID: "ETH/USD", Side: domain.Buy, Type: domain.LimitOrder, Price: 100, Size: 1,
	}))
	require.NotNil(t, reply.Err)
	assert.Equal(t, domain.CodeMarketNotFound, reply.Err.Code)
}
