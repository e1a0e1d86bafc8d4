// Package book implements the per-market limit order book: price-indexed
// FIFO queues of resting orders, ordered bids-descending / asks-ascending
// over a tidwall/btree price-level index. The book only ever mutates under
// the engine's explicit control — nothing in this package runs a matching
// walk itself.
package book

import (
	"errors"

	"github.com/tidwall/btree"

	"fenrir/internal/domain"
)

var (
	// ErrOrderNotFound is returned by Remove/ApplyFill when the order id is
	// not resting in the book.
	ErrOrderNotFound = errors.New("book: order not found")
)

// PriceLevel aggregates the resting orders at one price point, in
// time-priority (FIFO) order.
type PriceLevel struct {
	Price  uint64
	Orders []*domain.Order
}

// RemainingSize sums the unfilled portion of every order resting at this level.
func (l *PriceLevel) RemainingSize() uint64 {
	var total uint64
	for _, o := range l.Orders {
		total += o.Remaining()
	}
	return total
}

type priceLevels = btree.BTreeG[*PriceLevel]

// OrderBook is the resting-liquidity structure for a single market.
// Bids are ordered price descending (best bid = highest price); asks are
// ordered price ascending (best ask = lowest price).
type OrderBook struct {
	MarketID string
	Bids     *priceLevels
	Asks     *priceLevels
}

// New creates an empty order book for the given market.
func New(marketID string) *OrderBook {
	bids := btree.NewBTreeG(func(a, b *PriceLevel) bool { return a.Price > b.Price })
	asks := btree.NewBTreeG(func(a, b *PriceLevel) bool { return a.Price < b.Price })
	return &OrderBook{MarketID: marketID, Bids: bids, Asks: asks}
}

func (b *OrderBook) levelsFor(side domain.Side) *priceLevels {
	if side == domain.Buy {
		return b.Bids
	}
	return b.Asks
}

// Add appends order to the tail of its side's price-level queue, creating
// the level if it does not yet exist. Market orders must never be added —
// they are resolved entirely within the matcher and never rest.
func (b *OrderBook) Add(order *domain.Order) {
	levels := b.levelsFor(order.Side)
	key := &PriceLevel{Price: order.Price}
	if level, ok := levels.GetMut(key); ok {
		level.Orders = append(level.Orders, order)
		return
	}
	levels.Set(&PriceLevel{Price: order.Price, Orders: []*domain.Order{order}})
}

// Remove locates and removes an order by id, searching the given side's
// levels. It returns the removed order, or ErrOrderNotFound.
func (b *OrderBook) Remove(side domain.Side, orderID string) (*domain.Order, error) {
	var found *domain.Order
	var foundLevel *PriceLevel
	for _, level := range b.levelsFor(side).Items() {
		for i, o := range level.Orders {
			if o.ID == orderID {
				found = o
				foundLevel = level
				level.Orders = append(level.Orders[:i], level.Orders[i+1:]...)
				break
			}
		}
		if found != nil {
			break
		}
	}
	if found == nil {
		return nil, ErrOrderNotFound
	}
	if len(foundLevel.Orders) == 0 {
		b.levelsFor(side).Delete(&PriceLevel{Price: foundLevel.Price})
	}
	return found, nil
}

// RemoveAny searches both sides for orderID, used by cancel paths that do
// not know the order's side ahead of time.
func (b *OrderBook) RemoveAny(orderID string) (*domain.Order, domain.Side, error) {
	if o, err := b.Remove(domain.Buy, orderID); err == nil {
		return o, domain.Buy, nil
	}
	if o, err := b.Remove(domain.Sell, orderID); err == nil {
		return o, domain.Sell, nil
	}
	return nil, 0, ErrOrderNotFound
}

// ApplyFill increments a resting maker order's filled size by delta. If the
// order becomes fully filled it is removed from the book (and its level
// pruned if left empty).
func (b *OrderBook) ApplyFill(side domain.Side, orderID string, delta uint64) error {
	levels := b.levelsFor(side)
	var level *PriceLevel
	var order *domain.Order
	for _, l := range levels.Items() {
		for _, o := range l.Orders {
			if o.ID == orderID {
				level, order = l, o
				break
			}
		}
		if order != nil {
			break
		}
	}
	if order == nil {
		return ErrOrderNotFound
	}
	order.FilledSize += delta
	if order.FilledSize == order.Size {
		order.Status = domain.Filled
		for i, o := range level.Orders {
			if o.ID == orderID {
				level.Orders = append(level.Orders[:i], level.Orders[i+1:]...)
				break
			}
		}
		if len(level.Orders) == 0 {
			levels.Delete(&PriceLevel{Price: level.Price})
		}
	} else {
		order.Status = domain.PartiallyFilled
	}
	return nil
}

// IterateCrossable returns the opposite-side price levels in the order a
// taker of takerSide would walk them: asks ascending for a Buy taker, bids
// descending for a Sell taker. The returned slice shares storage with the
// book and must not be mutated by callers other than the engine.
func (b *OrderBook) IterateCrossable(takerSide domain.Side) []*PriceLevel {
	var levels *priceLevels
	if takerSide == domain.Buy {
		levels = b.Asks
	} else {
		levels = b.Bids
	}
	return levels.Items()
}

// Snapshot returns the aggregated book state. Levels whose total remaining
// size is zero are excluded. depth<=0 means no limit.
func (b *OrderBook) Snapshot(depth int) domain.OrderbookSnapshot {
	snap := domain.OrderbookSnapshot{MarketID: b.MarketID}
	for _, l := range b.Bids.Items() {
		if depth > 0 && len(snap.Bids) >= depth {
			break
		}
		if size := l.RemainingSize(); size > 0 {
			snap.Bids = append(snap.Bids, domain.OrderbookLevel{Price: l.Price, Size: size})
		}
	}
	for _, l := range b.Asks.Items() {
		if depth > 0 && len(snap.Asks) >= depth {
			break
		}
		if size := l.RemainingSize(); size > 0 {
			snap.Asks = append(snap.Asks, domain.OrderbookLevel{Price: l.Price, Size: size})
		}
	}
	return snap
}

// Empty reports whether the book holds no resting orders on either side.
func (b *OrderBook) Empty() bool {
	return b.Bids.Len() == 0 && b.Asks.Len() == 0
}
