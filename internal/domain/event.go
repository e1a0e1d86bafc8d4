package domain

import "time"

// EventKind tags an EngineEvent variant.
type EventKind int

const (
	EvtOrderAccepted EventKind = iota
	EvtOrderUpdated
	EvtOrderCancelled
	EvtTradeExecuted
	EvtBalanceUpdated
	EvtOrderbookChanged
)

// EngineEvent is the tagged union emitted on the broadcast bus. A single
// command produces zero or more events, always in a fixed order, with a
// Timestamp captured from the engine's clock — the sole non-deterministic
// input to an otherwise deterministic command sequence.
type EngineEvent struct {
	Kind      EventKind
	Timestamp time.Time

	// EvtOrderAccepted / EvtOrderUpdated / EvtOrderCancelled
	Order Order

	// EvtTradeExecuted
	Trade Trade

	// EvtBalanceUpdated
	BalanceUser  string
	BalanceToken string
	Available    uint64
	Locked       uint64

	// EvtOrderbookChanged
	MarketID  string
	Orderbook OrderbookSnapshot
}

// Subscribers determines which Subscription variants should receive this
// event.
func (e EngineEvent) Subscribers() []Subscription {
	switch e.Kind {
	case EvtTradeExecuted:
		return []Subscription{
			TradesSub(e.Trade.MarketID),
			UserSub(e.Trade.Buyer),
			UserSub(e.Trade.Seller),
		}
	case EvtOrderbookChanged:
		return []Subscription{OrderbookSub(e.MarketID)}
	case EvtOrderAccepted, EvtOrderUpdated, EvtOrderCancelled:
		return []Subscription{UserSub(e.Order.User)}
	case EvtBalanceUpdated:
		return []Subscription{UserSub(e.BalanceUser)}
	default:
		return nil
	}
}
