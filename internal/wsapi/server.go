package wsapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"fenrir/internal/broadcast"
	"fenrir/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
	outboxCapacity = 64
)

// EngineSubmitter is the subset of engineloop.Engine the WebSocket gateway
// depends on; kept as an interface so tests can stub it.
type EngineSubmitter interface {
	Submit(ctx context.Context, cmd domain.EngineCommand) (domain.EngineReply, error)
}

// Server upgrades HTTP connections to WebSocket sessions, registers each
// with the broadcast bus, and relays inbound order commands to the engine.
// Grounded on 0xtitan6-polymarket-mm's internal/api Server/Hub split.
type Server struct {
	bus            *broadcast.Bus
	engine         EngineSubmitter
	commandTimeout time.Duration
	upgrader       websocket.Upgrader
	nextConnID     uint64
}

// NewServer constructs a gateway over bus, forwarding accepted commands to
// engine with the given per-command deadline.
func NewServer(bus *broadcast.Bus, engine EngineSubmitter, commandTimeout time.Duration) *Server {
	return &Server{
		bus: bus, engine: engine, commandTimeout: commandTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize: 4096, WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleWebSocket is the http.HandlerFunc to mount at e.g. /ws.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("wsapi: upgrade failed")
		return
	}

	id := s.nextID()
	sub := s.bus.Join(id)
	now := time.Now()
	sess := &session{
		id:         id,
		conn:       conn,
		bus:        s.bus,
		connection: broadcast.NewConnection(sub, now),
		engine:     s.engine,
		cmdTimeout: s.commandTimeout,
		outbox:     make(chan OutboundMessage, outboxCapacity),
		closed:     make(chan struct{}),
	}
	go sess.writePump()
	sess.readPump()
}

func (s *Server) nextID() string {
	n := atomic.AddUint64(&s.nextConnID, 1)
	return "conn-" + itoa(n)
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// session is one live WebSocket connection: its subscription state, a
// read loop handling inbound client messages, and a write loop fanning
// out bus events plus transport pings. gorilla/websocket permits only one
// concurrent writer per connection, so readPump never touches conn
// directly — it queues outbound messages on outbox, and writePump is the
// sole goroutine that calls WriteMessage.
type session struct {
	id         string
	conn       *websocket.Conn
	bus        *broadcast.Bus
	connection *broadcast.Connection
	engine     EngineSubmitter
	cmdTimeout time.Duration

	outbox    chan OutboundMessage
	closeOnce sync.Once
	closed    chan struct{}
}

// stop signals both pumps to wind down; safe to call from either.
func (sess *session) stop() {
	sess.closeOnce.Do(func() { close(sess.closed) })
}

func (sess *session) readPump() {
	defer func() {
		sess.bus.Leave(sess.id)
		sess.stop()
	}()

	sess.conn.SetReadLimit(maxMessageSize)
	sess.conn.SetReadDeadline(time.Now().Add(broadcast.PongTimeout))
	sess.conn.SetPongHandler(func(string) error {
		now := time.Now()
		sess.connection.TouchPong(now)
		sess.conn.SetReadDeadline(now.Add(broadcast.PongTimeout))
		return nil
	})

	for {
		_, raw, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Str("conn", sess.id).Msg("wsapi: read error")
			}
			return
		}
		var in InboundMessage
		if err := json.Unmarshal(raw, &in); err != nil {
			sess.send(OutboundMessage{Type: MsgError, Code: "BAD_REQUEST", Message: err.Error()})
			continue
		}
		sess.handleInbound(in)
	}
}

func (sess *session) handleInbound(in InboundMessage) {
	now := time.Now()
	switch in.Type {
	case MsgSubscribe, MsgUnsubscribe:
		subscription, err := parseSubscription(in.Kind, in.MarketID, in.User)
		if err != nil {
			sess.send(errorMessage(err))
			return
		}
		if in.Type == MsgSubscribe {
			sess.connection.Subscribe(subscription, now)
		} else {
			sess.connection.Unsubscribe(subscription, now)
		}
		sess.send(ackMessage(string(in.Type), in.MarketID, in.User))

	case MsgPlaceOrder:
		if in.Order == nil {
			sess.send(errorMessage(domain.NewEngineError(domain.CodeInvalidSize, "missing order")))
			return
		}
		order, verr := in.Order.ToDomain()
		if verr != nil {
			sess.send(errorMessage(verr))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sess.cmdTimeout)
		reply, err := sess.engine.Submit(ctx, domain.NewPlaceOrder(order))
		cancel()
		sess.sendReply(reply, err)

	case MsgCancelOrder:
		ctx, cancel := context.WithTimeout(context.Background(), sess.cmdTimeout)
		reply, err := sess.engine.Submit(ctx, domain.NewCancelOrder(in.OrderID, in.User))
		cancel()
		sess.sendReply(reply, err)

	case MsgCancelAll:
		ctx, cancel := context.WithTimeout(context.Background(), sess.cmdTimeout)
		reply, err := sess.engine.Submit(ctx, domain.NewCancelAll(in.User, in.CancelMarketID))
		cancel()
		sess.sendReply(reply, err)

	default:
		sess.send(errorMessage(domain.NewEngineError(domain.CodeInvalidSize, "unknown message type %q", in.Type)))
	}
}

func (sess *session) sendReply(reply domain.EngineReply, err error) {
	if err != nil {
		if engErr, ok := err.(*domain.EngineError); ok {
			sess.send(errorMessage(engErr))
			return
		}
		sess.send(errorMessage(domain.NewEngineError(domain.CodeEngineReceiveFailed, "%v", err)))
		return
	}
	if reply.Err != nil {
		sess.send(errorMessage(reply.Err))
		return
	}
	switch {
	case reply.PlaceOrder != nil:
		out := OutboundMessage{Type: MsgOrderAccepted, Order: newOrderView(reply.PlaceOrder.Order)}
		for _, t := range reply.PlaceOrder.Trades {
			out.Trades = append(out.Trades, newTradeView(t))
		}
		sess.send(out)
	case reply.Cancel != nil:
		sess.send(OutboundMessage{Type: MsgOrderCancelled, Code: reply.Cancel.OrderID})
	case reply.CancelAll != nil:
		sess.send(OutboundMessage{Type: MsgAck, Code: "cancel_all", Message: itoa(uint64(reply.CancelAll.Count))})
	}
}

// send queues msg for delivery by writePump, the connection's sole writer.
// It never touches the socket itself, so it's safe to call from readPump
// (or anything readPump calls) concurrently with writePump's own sends.
func (sess *session) send(msg OutboundMessage) {
	select {
	case sess.outbox <- msg:
	case <-sess.closed:
	}
}

// writeMessage marshals and writes msg; only writePump may call this.
func (sess *session) writeMessage(msg OutboundMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("wsapi: marshal outbound failed")
		return nil
	}
	sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := sess.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		log.Debug().Err(err).Str("conn", sess.id).Msg("wsapi: write failed")
		return err
	}
	return nil
}

// writePump is the sole goroutine that ever calls conn.WriteMessage: it
// drains queued outbound replies/acks, fans out bus events, sends
// transport pings on PingInterval, and enforces the pong/unsubscribed
// lifecycle timeouts.
func (sess *session) writePump() {
	ticker := time.NewTicker(broadcast.PingInterval)
	defer func() {
		ticker.Stop()
		sess.stop()
		sess.conn.Close()
	}()

	events := sess.connection.Events()
	lagged := sess.connection.Lagged()
	for {
		select {
		case <-sess.closed:
			return

		case msg := <-sess.outbox:
			if err := sess.writeMessage(msg); err != nil {
				return
			}

		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := sess.writeMessage(eventToOutbound(evt)); err != nil {
				return
			}

		case <-lagged:
			sess.closeWithReason("lagged_reader")
			return

		case <-ticker.C:
			now := time.Now()
			if shouldClose, reason := sess.connection.ShouldClose(now); shouldClose {
				sess.closeWithReason(reason)
				return
			}
			sess.conn.SetWriteDeadline(now.Add(writeWait))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// closeWithReason writes a close control frame; only called from within
// writePump, so it never races with another writer.
func (sess *session) closeWithReason(reason string) {
	sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
	sess.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
}
