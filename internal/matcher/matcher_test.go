package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fenrir/internal/book"
	"fenrir/internal/domain"
)

func resting(id, user string, side domain.Side, price, size uint64) *domain.Order {
	return &domain.Order{ID: id, User: user, Side: side, Price: price, Size: size, Status: domain.Pending}
}

func TestWalk_LimitBuyCrossesAskAtOrBelowPrice(t *testing.T) {
	b := book.New("BTC/USD")
	b.Add(resting("ask", "seller", domain.Sell, 100, 5))

	taker := domain.Order{User: "buyer", Side: domain.Buy, Type: domain.LimitOrder, Price: 100, Size: 5}
	matches := Walk(b, taker, 8)
	require.Len(t, matches, 1)
	assert.Equal(t, uint64(100), matches[0].Price)
	assert.Equal(t, uint64(5), matches[0].Size)
}

func TestWalk_LimitBuyOneTickBelowDoesNotCross(t *testing.T) {
	b := book.New("BTC/USD")
	b.Add(resting("ask", "seller", domain.Sell, 100, 5))

	taker := domain.Order{User: "buyer", Side: domain.Buy, Type: domain.LimitOrder, Price: 99, Size: 5}
	matches := Walk(b, taker, 8)
	assert.Empty(t, matches)
}

func TestWalk_PartialFillAcrossTwoLevelsInPriceOrder(t *testing.T) {
	b := book.New("BTC/USD")
	b.Add(resting("a1", "s1", domain.Sell, 100, 3))
	b.Add(resting("a2", "s2", domain.Sell, 101, 5))

	taker := domain.Order{User: "buyer", Side: domain.Buy, Type: domain.LimitOrder, Price: 101, Size: 6}
	matches := Walk(b, taker, 8)
	require.Len(t, matches, 2)
	assert.Equal(t, "a1", matches[0].Maker.ID)
	assert.Equal(t, uint64(100), matches[0].Price)
	assert.Equal(t, uint64(3), matches[0].Size)
	assert.Equal(t, "a2", matches[1].Maker.ID)
	assert.Equal(t, uint64(101), matches[1].Price)
	assert.Equal(t, uint64(3), matches[1].Size)
	assert.Equal(t, uint64(6), FilledSize(matches))
}

func TestWalk_FIFOWithinALevel(t *testing.T) {
	b := book.New("BTC/USD")
	b.Add(resting("first", "s1", domain.Sell, 100, 2))
	b.Add(resting("second", "s2", domain.Sell, 100, 2))

	taker := domain.Order{User: "buyer", Side: domain.Buy, Type: domain.LimitOrder, Price: 100, Size: 3}
	matches := Walk(b, taker, 8)
	require.Len(t, matches, 2)
	assert.Equal(t, "first", matches[0].Maker.ID)
	assert.Equal(t, uint64(2), matches[0].Size)
	assert.Equal(t, "second", matches[1].Maker.ID)
	assert.Equal(t, uint64(1), matches[1].Size)
}

func TestWalk_SelfTradeSkipsWithoutConsumingLiquidity(t *testing.T) {
	b := book.New("BTC/USD")
	b.Add(resting("own", "trader", domain.Sell, 100, 5))
	b.Add(resting("other", "someone-else", domain.Sell, 100, 5))

	taker := domain.Order{User: "trader", Side: domain.Buy, Type: domain.LimitOrder, Price: 100, Size: 5}
	matches := Walk(b, taker, 8)
	require.Len(t, matches, 1)
	assert.Equal(t, "other", matches[0].Maker.ID)
}

func TestWalk_MarketOrderAlwaysCrosses(t *testing.T) {
	b := book.New("BTC/USD")
	b.Add(resting("a", "seller", domain.Sell, 1_000_000, 1))

	taker := domain.Order{User: "buyer", Side: domain.Buy, Type: domain.MarketOrder, Size: 1}
	matches := Walk(b, taker, 8)
	require.Len(t, matches, 1)
	assert.Equal(t, uint64(1_000_000), matches[0].Price)
}

func TestWalk_MarketOrderAgainstEmptyBookReturnsNoMatches(t *testing.T) {
	b := book.New("BTC/USD")
	taker := domain.Order{User: "buyer", Side: domain.Buy, Type: domain.MarketOrder, Size: 10}
	assert.Empty(t, Walk(b, taker, 8))
}

func TestWalk_MarketBuyStopsAtMaxQuoteBudget(t *testing.T) {
	b := book.New("BTC/USD")
	b.Add(resting("a1", "s1", domain.Sell, 100, 5))
	b.Add(resting("a2", "s2", domain.Sell, 101, 5))

	// Budget covers only 3 atoms at price 100 (decimals=0: quote = size*price).
	taker := domain.Order{User: "buyer", Side: domain.Buy, Type: domain.MarketOrder, Size: 10, MaxQuote: 300}
	matches := Walk(b, taker, 0)
	require.Len(t, matches, 1)
	assert.Equal(t, "a1", matches[0].Maker.ID)
	assert.Equal(t, uint64(3), matches[0].Size)
}

func TestWalk_MarketBuyUnaffordableFirstLevelStopsWithNoMatches(t *testing.T) {
	b := book.New("BTC/USD")
	b.Add(resting("a1", "s1", domain.Sell, 100, 5))

	// MaxQuote can't afford even one atom at price 100: MaxAffordableSize(50,100,0)=0.
	taker := domain.Order{User: "buyer", Side: domain.Buy, Type: domain.MarketOrder, Size: 10, MaxQuote: 50}
	matches := Walk(b, taker, 0)
	assert.Empty(t, matches)
}

func TestWalk_DoesNotMutateBook(t *testing.T) {
	b := book.New("BTC/USD")
	b.Add(resting("a", "seller", domain.Sell, 100, 5))

	taker := domain.Order{User: "buyer", Side: domain.Buy, Type: domain.LimitOrder, Price: 100, Size: 5}
	_ = Walk(b, taker, 8)

	level, ok := b.Asks.GetMut(&book.PriceLevel{Price: 100})
	require.True(t, ok)
	assert.Equal(t, uint64(0), level.Orders[0].FilledSize)
	assert.Equal(t, domain.Pending, level.Orders[0].Status)
}

func TestWalk_StopsOnceRemainingIsZero(t *testing.T) {
	b := book.New("BTC/USD")
	b.Add(resting("a1", "s1", domain.Sell, 100, 10))
	b.Add(resting("a2", "s2", domain.Sell, 101, 10))

	taker := domain.Order{User: "buyer", Side: domain.Buy, Type: domain.LimitOrder, Price: 101, Size: 10}
	matches := Walk(b, taker, 8)
	require.Len(t, matches, 1)
	assert.Equal(t, "a1", matches[0].Maker.ID)
	assert.Equal(t, uint64(10), matches[0].Size)
}

func TestWalk_SellTakerWalksBidsDescending(t *testing.T) {
	b := book.New("BTC/USD")
	b.Add(resting("low", "b1", domain.Buy, 90, 5))
	b.Add(resting("high", "b2", domain.Buy, 100, 5))

	taker := domain.Order{User: "seller", Side: domain.Sell, Type: domain.LimitOrder, Price: 90, Size: 6}
	matches := Walk(b, taker, 8)
	require.Len(t, matches, 2)
	assert.Equal(t, "high", matches[0].Maker.ID)
	assert.Equal(t, uint64(5), matches[0].Size)
	assert.Equal(t, "low", matches[1].Maker.ID)
	assert.Equal(t, uint64(1), matches[1].Size)
}
