// Package settlement implements the collateral-locking and per-fill
// transfer math: required-lock computation, quote-notional conversion,
// and maker/taker fee splitting with overflow guards. All intermediate
// products use github.com/holiman/uint256 to guarantee no uint64 overflow
// goes undetected.
package settlement

import (
	"errors"

	"github.com/holiman/uint256"

	"fenrir/internal/domain"
)

// ErrOverflow is returned when an intermediate product does not fit back
// into a uint64 result; callers should surface domain.CodeOrderValueOverflow.
var ErrOverflow = errors.New("settlement: order value overflow")

func pow10(n uint8) *uint256.Int {
	ten := uint256.NewInt(10)
	out := uint256.NewInt(1)
	for i := uint8(0); i < n; i++ {
		out.Mul(out, ten)
	}
	return out
}

// QuoteAmount computes ceil(size * price / 10^baseDecimals), the quote
// atoms owed for size base atoms at price. All arithmetic happens in
// 256-bit space before the checked narrowing back to uint64.
func QuoteAmount(size, price uint64, baseDecimals uint8) (uint64, error) {
	prod := new(uint256.Int).Mul(uint256.NewInt(size), uint256.NewInt(price))
	denom := pow10(baseDecimals)

	quot, rem := new(uint256.Int), new(uint256.Int)
	quot.DivMod(prod, denom, rem)
	if !rem.IsZero() {
		quot.AddUint64(quot, 1)
	}
	if !quot.IsUint64() {
		return 0, ErrOverflow
	}
	return quot.Uint64(), nil
}

// MaxAffordableSize returns the largest size q such that
// QuoteAmount(q, price, baseDecimals) <= budget — the most base atoms a
// fixed quote budget can pay for at price without exceeding it.
func MaxAffordableSize(budget, price uint64, baseDecimals uint8) (uint64, error) {
	prod := new(uint256.Int).Mul(uint256.NewInt(budget), pow10(baseDecimals))
	q := new(uint256.Int).Div(prod, uint256.NewInt(price))
	if !q.IsUint64() {
		return 0, ErrOverflow
	}
	return q.Uint64(), nil
}

// RequiredLock computes the collateral an order must lock before it rests
// or matches.
//
//   - Buy Limit of size S at price P: ceil(S*P/10^base_decimals) quote atoms.
//   - Buy Market: the caller-supplied MaxQuote protection (ingress must set it).
//   - Sell (Limit or Market) of size S: S base atoms.
func RequiredLock(order domain.Order, market domain.Market) (token string, amount uint64, err error) {
	if order.Side == domain.Sell {
		return market.Base, order.Size, nil
	}
	// Buy side.
	if order.Type == domain.MarketOrder {
		return market.Quote, order.MaxQuote, nil
	}
	amount, err = QuoteAmount(order.Size, order.Price, market.BaseDecimals)
	if err != nil {
		return market.Quote, 0, err
	}
	return market.Quote, amount, nil
}

// FeeSplit is the result of carving a fee out of an amount: Fee is what the
// payer loses to the house, Net is what they actually receive/keep.
type FeeSplit struct {
	Fee uint64
	Net uint64
}

// SplitFee computes fee = round_half_to_even(amount * bps / 10_000) and
// net = amount - fee. bps is basis points in [0, 10000]. Ties in the
// amount*bps/10000 rational number round to even rather than up.
func SplitFee(amount uint64, bps uint32) (FeeSplit, error) {
	if bps == 0 || amount == 0 {
		return FeeSplit{Fee: 0, Net: amount}, nil
	}
	prod := new(uint256.Int).Mul(uint256.NewInt(amount), uint256.NewInt(uint64(bps)))
	denom := uint256.NewInt(10000)

	quot, rem := new(uint256.Int), new(uint256.Int)
	quot.DivMod(prod, denom, rem)

	fee := new(uint256.Int).Set(quot)
	if !rem.IsZero() {
		twice := new(uint256.Int).Add(rem, rem)
		switch twice.Cmp(denom) {
		case 1: // remainder > half: round up
			fee.AddUint64(fee, 1)
		case 0: // remainder == half: round to even
			if quot.Uint64()%2 != 0 {
				fee.AddUint64(fee, 1)
			}
		}
		// remainder < half: round down (quot unchanged)
	}
	if !fee.IsUint64() || fee.Uint64() > amount {
		return FeeSplit{}, ErrOverflow
	}
	f := fee.Uint64()
	return FeeSplit{Fee: f, Net: amount - f}, nil
}
