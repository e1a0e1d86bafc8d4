package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"fenrir/internal/domain"
)

func TestBus_FiltersByOrderbookSubscription(t *testing.T) {
	bus := NewBus(4)
	sub := bus.Join("conn-1")
	sub.Subscribe(domain.OrderbookSub("BTC/USD"))

	bus.Publish(domain.EngineEvent{Kind: domain.EvtOrderbookChanged, MarketID: "ETH/USD"})
	select {
	case <-sub.Events():
		t.Fatal("received event for a market not subscribed to")
	default:
	}

	bus.Publish(domain.EngineEvent{Kind: domain.EvtOrderbookChanged, MarketID: "BTC/USD"})
	select {
	case evt := <-sub.Events():
		assert.Equal(t, "BTC/USD", evt.MarketID)
	default:
		t.Fatal("expected a matching event")
	}
}

func TestBus_TradeMatchesTradesAndUserSubs(t *testing.T) {
	bus := NewBus(4)
	traderSub := bus.Join("trader-conn")
	traderSub.Subscribe(domain.UserSub("alice"))
	marketSub := bus.Join("market-conn")
	marketSub.Subscribe(domain.TradesSub("BTC/USD"))

	trade := domain.Trade{MarketID: "BTC/USD", Buyer: "alice", Seller: "bob"}
	bus.Publish(domain.EngineEvent{Kind: domain.EvtTradeExecuted, Trade: trade})

	select {
	case <-traderSub.Events():
	default:
		t.Fatal("alice (buyer) should have received the trade")
	}
	select {
	case <-marketSub.Events():
	default:
		t.Fatal("market subscriber should have received the trade")
	}
}

func TestBus_DropsSlowSubscriber(t *testing.T) {
	bus := NewBus(1)
	sub := bus.Join("slow-conn")
	sub.Subscribe(domain.OrderbookSub("BTC/USD"))

	bus.Publish(domain.EngineEvent{Kind: domain.EvtOrderbookChanged, MarketID: "BTC/USD"})
	bus.Publish(domain.EngineEvent{Kind: domain.EvtOrderbookChanged, MarketID: "BTC/USD"})

	select {
	case <-sub.Lagged():
	case <-time.After(time.Second):
		t.Fatal("expected the bus to drop a subscriber whose channel filled up")
	}
}

func TestConnection_UnsubscribedTimeout(t *testing.T) {
	bus := NewBus(4)
	sub := bus.Join("conn")
	start := time.Now()
	conn := NewConnection(sub, start)

	conn.Subscribe(domain.OrderbookSub("BTC/USD"), start)
	conn.TouchPong(start.Add(UnsubscribedTimeout + time.Minute))
	close, _ := conn.ShouldClose(start.Add(UnsubscribedTimeout + time.Minute))
	assert.False(t, close, "still subscribed, should not time out")

	conn.Unsubscribe(domain.OrderbookSub("BTC/USD"), start)
	close, reason := conn.ShouldClose(start.Add(UnsubscribedTimeout + time.Second))
	assert.True(t, close)
	assert.Equal(t, "unsubscribed_timeout", reason)
}

func TestConnection_PongTimeout(t *testing.T) {
	bus := NewBus(4)
	sub := bus.Join("conn")
	start := time.Now()
	conn := NewConnection(sub, start)
	conn.Subscribe(domain.OrderbookSub("BTC/USD"), start)

	close, reason := conn.ShouldClose(start.Add(PongTimeout + time.Second))
	assert.True(t, close)
	assert.Equal(t, "pong_timeout", reason)

	conn.TouchPong(start.Add(PongTimeout + time.Second))
	close, _ = conn.ShouldClose(start.Add(PongTimeout + 2*time.Second))
	assert.False(t, close)
}
