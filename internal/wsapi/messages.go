// Package wsapi is the WebSocket market-data/order gateway: one
// connection per client, fanning out broadcast.Bus events filtered by the
// connection's subscription set, and forwarding inbound PlaceOrder/
// CancelOrder/CancelAll requests to the engine. Grounded on the
// enrichment source 0xtitan6-polymarket-mm's internal/api stream/server
// pair and DimaJoyti-ai-agentic-crypto-browser's terminal/websocket.go
// ping/pong pump, both built on github.com/gorilla/websocket.
package wsapi

import (
	"strconv"
	"time"

	"fenrir/internal/domain"
)

// MsgType tags every wire message, inbound or outbound.
type MsgType string

const (
	MsgSubscribe     MsgType = "subscribe"
	MsgUnsubscribe   MsgType = "unsubscribe"
	MsgPlaceOrder    MsgType = "place_order"
	MsgCancelOrder   MsgType = "cancel_order"
	MsgCancelAll     MsgType = "cancel_all"
	MsgAck           MsgType = "ack"
	MsgError         MsgType = "error"
	MsgOrderAccepted MsgType = "order_accepted"
	MsgOrderUpdated  MsgType = "order_updated"
	MsgOrderCancelled MsgType = "order_cancelled"
	MsgTradeExecuted MsgType = "trade_executed"
	MsgBalanceUpdated MsgType = "balance_updated"
	MsgOrderbookChanged MsgType = "orderbook_changed"
)

// decimal renders an atoms quantity as a plain base-10 string; the wire
// protocol never sends floats for amounts.
func decimal(v uint64) string { return strconv.FormatUint(v, 10) }

func unixSeconds(t time.Time) int64 { return t.Unix() }

// InboundMessage is the envelope for everything a client sends. Exactly
// one of the typed fields is populated, selected by Type.
type InboundMessage struct {
	Type MsgType `json:"type"`

	// subscribe / unsubscribe
	Kind     string `json:"kind,omitempty"` // "orderbook" | "trades" | "user"
	MarketID string `json:"market_id,omitempty"`
	User     string `json:"user,omitempty"`

	// place_order
	Order *OrderRequest `json:"order,omitempty"`

	// cancel_order
	OrderID string `json:"order_id,omitempty"`

	// cancel_all
	CancelMarketID string `json:"cancel_market_id,omitempty"`
}

// OrderRequest is the wire shape of a place_order request: decimal-string
// amounts in, domain.Order out.
type OrderRequest struct {
	User     string `json:"user"`
	MarketID string `json:"market_id"`
	Side     string `json:"side"`  // "buy" | "sell"
	Type     string `json:"type"`  // "limit" | "market"
	Price    string `json:"price,omitempty"`
	Size     string `json:"size"`
	MaxQuote string `json:"max_quote,omitempty"`
}

// ToDomain validates and converts the wire request into a domain.Order.
func (r OrderRequest) ToDomain() (domain.Order, *domain.EngineError) {
	var order domain.Order
	order.User = r.User
	order.MarketID = r.MarketID

	switch r.Side {
	case "buy":
		order.Side = domain.Buy
	case "sell":
		order.Side = domain.Sell
	default:
		return order, domain.NewEngineError(domain.CodeInvalidSize, "unknown side %q", r.Side)
	}
	switch r.Type {
	case "limit":
		order.Type = domain.LimitOrder
	case "market":
		order.Type = domain.MarketOrder
	default:
		return order, domain.NewEngineError(domain.CodeInvalidSize, "unknown order type %q", r.Type)
	}

	size, err := strconv.ParseUint(r.Size, 10, 64)
	if err != nil {
		return order, domain.NewEngineError(domain.CodeInvalidSize, "invalid size %q", r.Size)
	}
	order.Size = size

	if order.Type == domain.LimitOrder {
		price, err := strconv.ParseUint(r.Price, 10, 64)
		if err != nil {
			return order, domain.NewEngineError(domain.CodeInvalidPrice, "invalid price %q", r.Price)
		}
		order.Price = price
	}
	if r.MaxQuote != "" {
		maxQuote, err := strconv.ParseUint(r.MaxQuote, 10, 64)
		if err != nil {
			return order, domain.NewEngineError(domain.CodeInvalidSize, "invalid max_quote %q", r.MaxQuote)
		}
		order.MaxQuote = maxQuote
	}
	return order, nil
}

// OutboundMessage is the envelope for everything the server sends: acks,
// errors, and the serialized form of every EngineEvent variant.
type OutboundMessage struct {
	Type      MsgType `json:"type"`
	Timestamp int64   `json:"timestamp,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	Order *OrderView `json:"order,omitempty"`
	Trade *TradeView `json:"trade,omitempty"`

	BalanceUser  string `json:"user,omitempty"`
	BalanceToken string `json:"token,omitempty"`
	Available    string `json:"available,omitempty"`
	Locked       string `json:"locked,omitempty"`

	MarketID  string          `json:"market_id,omitempty"`
	Orderbook *OrderbookView  `json:"orderbook,omitempty"`
	Trades    []TradeView     `json:"trades,omitempty"`
}

// OrderView is the decimal-string wire rendering of a domain.Order.
type OrderView struct {
	ID         string `json:"id"`
	User       string `json:"user"`
	MarketID   string `json:"market_id"`
	Side       string `json:"side"`
	Type       string `json:"type"`
	Price      string `json:"price,omitempty"`
	Size       string `json:"size"`
	FilledSize string `json:"filled_size"`
	Status     string `json:"status"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
}

func newOrderView(o domain.Order) *OrderView {
	v := &OrderView{
		ID: o.ID, User: o.User, MarketID: o.MarketID,
		Side: o.Side.String(), Type: o.Type.String(),
		Size: decimal(o.Size), FilledSize: decimal(o.FilledSize),
		Status: o.Status.String(),
		CreatedAt: unixSeconds(o.CreatedAt), UpdatedAt: unixSeconds(o.UpdatedAt),
	}
	if o.Type == domain.LimitOrder {
		v.Price = decimal(o.Price)
	}
	return v
}

// TradeView is the decimal-string wire rendering of a domain.Trade.
type TradeView struct {
	ID            string `json:"id"`
	MarketID      string `json:"market_id"`
	Buyer         string `json:"buyer"`
	Seller        string `json:"seller"`
	BuyerOrderID  string `json:"buyer_order_id"`
	SellerOrderID string `json:"seller_order_id"`
	Price         string `json:"price"`
	Size          string `json:"size"`
	Timestamp     int64  `json:"timestamp"`
}

func newTradeView(t domain.Trade) TradeView {
	return TradeView{
		ID: t.ID, MarketID: t.MarketID, Buyer: t.Buyer, Seller: t.Seller,
		BuyerOrderID: t.BuyerOrderID, SellerOrderID: t.SellerOrderID,
		Price: decimal(t.Price), Size: decimal(t.Size), Timestamp: unixSeconds(t.Timestamp),
	}
}

// OrderbookView is the decimal-string wire rendering of an aggregated book.
type OrderbookView struct {
	MarketID string              `json:"market_id"`
	Bids     []OrderbookLevelView `json:"bids"`
	Asks     []OrderbookLevelView `json:"asks"`
}

type OrderbookLevelView struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

func newOrderbookView(s domain.OrderbookSnapshot) *OrderbookView {
	v := &OrderbookView{MarketID: s.MarketID}
	for _, l := range s.Bids {
		v.Bids = append(v.Bids, OrderbookLevelView{Price: decimal(l.Price), Size: decimal(l.Size)})
	}
	for _, l := range s.Asks {
		v.Asks = append(v.Asks, OrderbookLevelView{Price: decimal(l.Price), Size: decimal(l.Size)})
	}
	return v
}

// eventToOutbound renders one engine event into its wire message.
func eventToOutbound(evt domain.EngineEvent) OutboundMessage {
	out := OutboundMessage{Timestamp: unixSeconds(evt.Timestamp)}
	switch evt.Kind {
	case domain.EvtOrderAccepted:
		out.Type, out.Order = MsgOrderAccepted, newOrderView(evt.Order)
	case domain.EvtOrderUpdated:
		out.Type, out.Order = MsgOrderUpdated, newOrderView(evt.Order)
	case domain.EvtOrderCancelled:
		out.Type, out.Order = MsgOrderCancelled, newOrderView(evt.Order)
	case domain.EvtTradeExecuted:
		out.Type = MsgTradeExecuted
		trade := newTradeView(evt.Trade)
		out.Trade = &trade
	case domain.EvtBalanceUpdated:
		out.Type = MsgBalanceUpdated
		out.BalanceUser, out.BalanceToken = evt.BalanceUser, evt.BalanceToken
		out.Available, out.Locked = decimal(evt.Available), decimal(evt.Locked)
	case domain.EvtOrderbookChanged:
		out.Type, out.MarketID, out.Orderbook = MsgOrderbookChanged, evt.MarketID, newOrderbookView(evt.Orderbook)
	}
	return out
}

func errorMessage(err *domain.EngineError) OutboundMessage {
	return OutboundMessage{Type: MsgError, Code: string(err.Code), Message: err.Message}
}

func ackMessage(kind, marketID, user string) OutboundMessage {
	return OutboundMessage{Type: MsgAck, Code: kind, BalanceUser: user, MarketID: marketID}
}

func parseSubscription(kind, marketID, user string) (domain.Subscription, *domain.EngineError) {
	switch kind {
	case "orderbook":
		return domain.OrderbookSub(marketID), nil
	case "trades":
		return domain.TradesSub(marketID), nil
	case "user":
		return domain.UserSub(user), nil
	default:
		return domain.Subscription{}, domain.NewEngineError(domain.CodeInvalidSize, "unknown subscription kind %q", kind)
	}
}
