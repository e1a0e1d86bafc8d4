// Package matcher implements the price-time-priority matching walk against
// a resting order book. The walk is pure with respect to the book: it
// never mutates it, only produces an ordered list of Matches that the
// engine applies in a separate phase.
package matcher

import (
	"fenrir/internal/book"
	"fenrir/internal/domain"
	"fenrir/internal/settlement"
)

// Match records one maker fill produced by a taker walk. Price is always
// the maker's resting price (price-time priority).
type Match struct {
	Maker *domain.Order
	Price uint64
	Size  uint64
}

// Walk runs taker against the opposite side of b and returns the ordered
// sequence of matches. taker is not mutated; the caller (engine) is
// responsible for advancing taker.FilledSize as it applies matches.
// baseDecimals is the market's base-token decimals, needed to convert a
// Market Buy's MaxQuote protection into a spend cap on the walk: such an
// order never fills past the quote budget it locked, even if the book
// still has crossable liquidity beyond that point.
func Walk(b *book.OrderBook, taker domain.Order, baseDecimals uint8) []Match {
	remaining := taker.Remaining()
	if remaining == 0 {
		return nil
	}

	var quoteBudget uint64
	bounded := taker.Side == domain.Buy && taker.Type == domain.MarketOrder && taker.MaxQuote > 0
	if bounded {
		quoteBudget = taker.MaxQuote
	}

	var matches []Match
	for _, level := range b.IterateCrossable(taker.Side) {
		if remaining == 0 {
			break
		}
		if !crosses(taker, level.Price) {
			break
		}
		for _, maker := range level.Orders {
			if remaining == 0 {
				break
			}
			// Self-trade prevention: skip, don't cancel, don't match.
			if maker.User == taker.User {
				continue
			}
			makerRemaining := maker.Remaining()
			if makerRemaining == 0 {
				continue
			}
			q := min(remaining, makerRemaining)
			if bounded {
				affordable, err := settlement.MaxAffordableSize(quoteBudget, level.Price, baseDecimals)
				if err != nil || affordable == 0 {
					remaining = 0
					break
				}
				if q > affordable {
					q = affordable
				}
				cost, err := settlement.QuoteAmount(q, level.Price, baseDecimals)
				if err != nil {
					remaining = 0
					break
				}
				quoteBudget -= cost
			}
			matches = append(matches, Match{Maker: maker, Price: level.Price, Size: q})
			remaining -= q
			if bounded && quoteBudget == 0 {
				remaining = 0
				break
			}
		}
	}
	return matches
}

// crosses reports whether taker can execute against a resting order at price p.
func crosses(taker domain.Order, p uint64) bool {
	if taker.Type == domain.MarketOrder {
		return true
	}
	if taker.Side == domain.Buy {
		return taker.Price >= p
	}
	return taker.Price <= p
}

// FilledSize sums the Size across a set of matches, the quantity the taker
// would fill by applying all of them.
func FilledSize(matches []Match) uint64 {
	var total uint64
	for _, m := range matches {
		total += m.Size
	}
	return total
}
