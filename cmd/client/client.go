package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

func main() {
	serverAddr := flag.String("server", "ws://127.0.0.1:8081/ws", "WebSocket address of the exchange gateway")
	owner := flag.String("owner", "", "Owner/user identifier (compulsory)")
	action := flag.String("action", "place", "Action to perform: ['place', 'cancel', 'cancel_all', 'subscribe']")

	marketID := flag.String("market", "BTC/USD", "Market id, e.g. BTC/USD")
	sideStr := flag.String("side", "buy", "Order side: 'buy' or 'sell'")
	typeStr := flag.String("type", "limit", "Order type: 'limit' or 'market'")
	price := flag.String("price", "10000", "Limit price, in quote atoms")
	size := flag.String("size", "100000", "Order size, in base atoms")
	maxQuote := flag.String("max_quote", "", "Market-buy protection, in quote atoms")

	orderID := flag.String("order_id", "", "Order id to cancel")
	subKind := flag.String("sub_kind", "orderbook", "Subscription kind: 'orderbook', 'trades', or 'user'")

	flag.Parse()

	if *owner == "" {
		fmt.Println("Error: -owner is compulsory.")
		flag.Usage()
		os.Exit(1)
	}

	conn, _, err := websocket.DefaultDialer.Dial(*serverAddr, nil)
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", *serverAddr, err)
	}
	defer conn.Close()
	fmt.Printf("Connected to %s as %q\n", *serverAddr, *owner)

	go readMessages(conn)

	switch strings.ToLower(*action) {
	case "place":
		msg := map[string]any{
			"type": "place_order",
			"order": map[string]any{
				"user": *owner, "market_id": *marketID,
				"side": strings.ToLower(*sideStr), "type": strings.ToLower(*typeStr),
				"price": *price, "size": *size, "max_quote": *maxQuote,
			},
		}
		send(conn, msg)
		fmt.Printf("-> Sent %s %s order: %s @ %s\n", strings.ToUpper(*sideStr), *marketID, *size, *price)

	case "cancel":
		if *orderID == "" {
			log.Fatal("Error: -order_id is required for cancel")
		}
		send(conn, map[string]any{"type": "cancel_order", "order_id": *orderID, "user": *owner})
		fmt.Printf("-> Sent cancel for order %s\n", *orderID)

	case "cancel_all":
		send(conn, map[string]any{"type": "cancel_all", "user": *owner, "cancel_market_id": *marketID})
		fmt.Println("-> Sent cancel_all")

	case "subscribe":
		send(conn, map[string]any{"type": "subscribe", "kind": *subKind, "market_id": *marketID, "user": *owner})
		fmt.Printf("-> Subscribed to %s\n", *subKind)

	default:
		log.Fatalf("Unknown action: %s", *action)
	}

	fmt.Println("\nListening for events... (Ctrl+C to exit)")
	select {}
}

func send(conn *websocket.Conn, msg map[string]any) {
	raw, err := json.Marshal(msg)
	if err != nil {
		log.Fatalf("failed to encode message: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		log.Fatalf("failed to send message: %v", err)
	}
}

func readMessages(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Printf("connection closed: %v", err)
			os.Exit(0)
		}
		var msg map[string]any
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		fmt.Printf("[%s] %s\n", time.Now().Format(time.RFC3339), string(raw))
		_ = msg
	}
}
