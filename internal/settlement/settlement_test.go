package settlement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fenrir/internal/domain"
)

func TestQuoteAmount_RoundsUpOnRemainder(t *testing.T) {
	amt, err := QuoteAmount(3, 7, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(21), amt)

	amt, err = QuoteAmount(1, 1, 1) // 1*1/10 = 0.1 -> ceil 1
	require.NoError(t, err)
	assert.Equal(t, uint64(1), amt)
}

func TestQuoteAmount_ExactDivisionDoesNotRoundUp(t *testing.T) {
	amt, err := QuoteAmount(5, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), amt)
}

func TestQuoteAmount_OverflowDetected(t *testing.T) {
	_, err := QuoteAmount(^uint64(0), ^uint64(0), 0)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestMaxAffordableSize_FloorsToWholeAtoms(t *testing.T) {
	size, err := MaxAffordableSize(300, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), size)

	size, err = MaxAffordableSize(50, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), size)
}

func TestMaxAffordableSize_RoundTripsWithQuoteAmount(t *testing.T) {
	size, err := MaxAffordableSize(999, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), size)

	amt, err := QuoteAmount(size, 100, 0)
	require.NoError(t, err)
	assert.LessOrEqual(t, amt, uint64(999))
}

func TestRequiredLock_SellLocksBase(t *testing.T) {
	market := domain.Market{Base: "BTC", Quote: "USD", BaseDecimals: 8}
	order := domain.Order{Side: domain.Sell, Type: domain.LimitOrder, Size: 5, Price: 100}
	token, amount, err := RequiredLock(order, market)
	require.NoError(t, err)
	assert.Equal(t, "BTC", token)
	assert.Equal(t, uint64(5), amount)
}

func TestRequiredLock_LimitBuyLocksQuoteNotional(t *testing.T) {
	market := domain.Market{Base: "BTC", Quote: "USD", BaseDecimals: 0}
	order := domain.Order{Side: domain.Buy, Type: domain.LimitOrder, Size: 5, Price: 100}
	token, amount, err := RequiredLock(order, market)
	require.NoError(t, err)
	assert.Equal(t, "USD", token)
	assert.Equal(t, uint64(500), amount)
}

func TestRequiredLock_MarketBuyLocksMaxQuoteProtection(t *testing.T) {
	market := domain.Market{Base: "BTC", Quote: "USD", BaseDecimals: 0}
	order := domain.Order{Side: domain.Buy, Type: domain.MarketOrder, Size: 5, MaxQuote: 750}
	token, amount, err := RequiredLock(order, market)
	require.NoError(t, err)
	assert.Equal(t, "USD", token)
	assert.Equal(t, uint64(750), amount)
}

func TestSplitFee_ZeroBpsIsNoOp(t *testing.T) {
	split, err := SplitFee(1000, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), split.Fee)
	assert.Equal(t, uint64(1000), split.Net)
}

func TestSplitFee_SimpleBps(t *testing.T) {
	// 1000 * 10bps / 10000 = 1 exactly.
	split, err := SplitFee(1000, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), split.Fee)
	assert.Equal(t, uint64(999), split.Net)
}

func TestSplitFee_RoundsHalfToEven(t *testing.T) {
	// amount*bps/10000 = 2.5 exactly -> ties round to even (2).
	split, err := SplitFee(5, 5000)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), split.Fee)

	// amount*bps/10000 = 3.5 exactly -> ties round to even (4).
	split, err = SplitFee(7, 5000)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), split.Fee)
}

func TestSplitFee_RoundsUpWhenRemainderExceedsHalf(t *testing.T) {
	split, err := SplitFee(9999, 7)
	require.NoError(t, err)
	// 9999*7 = 69993; /10000 = 6 rem 9993 -> rounds up (rem > half).
	assert.Equal(t, uint64(7), split.Fee)
}

func TestSplitFee_FeeNeverExceedsAmount(t *testing.T) {
	split, err := SplitFee(1, 10000)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), split.Fee)
	assert.Equal(t, uint64(0), split.Net)
}
