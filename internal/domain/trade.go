package domain

import "time"

// Trade is generated once per maker/taker pair on a matching step. It is
// immutable once created.
type Trade struct {
	ID            string
	MarketID      string
	Buyer         string
	Seller        string
	BuyerOrderID  string
	SellerOrderID string
	Price         uint64
	Size          uint64
	Timestamp     time.Time
}

// OrderbookLevel is an aggregated (price, remaining size) point.
type OrderbookLevel struct {
	Price uint64
	Size  uint64
}

// OrderbookSnapshot is a full aggregated view of one market's book.
type OrderbookSnapshot struct {
	MarketID  string
	Bids      []OrderbookLevel // descending price
	Asks      []OrderbookLevel // ascending price
	Timestamp time.Time
}
