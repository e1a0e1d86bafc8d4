package domain

import "time"

// Order is a single order intent. UUID, User, MarketID, Side, Type, Price,
// Size, and CreatedAt are immutable once accepted; FilledSize, Status, and
// UpdatedAt mutate as the order rests and fills.
type Order struct {
	ID        string
	User      string
	MarketID  string
	Side      Side
	Type      OrderType
	Price     uint64 // quote atoms per whole base; ignored for Market
	Size      uint64 // base atoms
	MaxQuote  uint64 // market-buy protection; 0 means unset

	FilledSize uint64
	Status     OrderStatus

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Remaining returns the unfilled portion of the order's size.
func (o Order) Remaining() uint64 {
	return o.Size - o.FilledSize
}

// Resting reports whether the order still has a live presence in the book.
func (o Order) Resting() bool {
	return o.Status == Pending || o.Status == PartiallyFilled
}
