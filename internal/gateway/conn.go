package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/parleyhq/parley/internal/notify"
	"github.com/parleyhq/parley/internal/telemetry"
)

const (
	// writeTimeout bounds each outbound frame.
	writeTimeout = 10 * time.Second

	// maxMessageSize bounds inbound frames; client frames are tiny.
	maxMessageSize = 4 << 10
)

// connection owns all per-client state. The read loop is the only
// goroutine that touches userID and subs; the write loop is the only
// one writing data frames.
type connection struct {
	gateway *Gateway
	ws      *websocket.Conn

	send chan any
	done chan struct{}

	teardownOnce sync.Once

	userID string
	subs   map[string]notify.Subscription
}

func newConnection(g *Gateway, ws *websocket.Conn) *connection {
	return &connection{
		gateway: g,
		ws:      ws,
		send:    make(chan any, g.cfg.SendBuffer),
		done:    make(chan struct{}),
		subs:    make(map[string]notify.Subscription),
	}
}

// teardown starts connection shutdown. Safe to call from any
// goroutine; the write loop notices and closes the socket, which in
// turn unblocks the read loop.
func (c *connection) teardown() {
	c.teardownOnce.Do(func() {
		close(c.done)
		c.gateway.deregister(c)
	})
}

// enqueue hands a frame to the write loop. A full buffer means the
// client is not keeping up; it is disconnected rather than allowed to
// back-pressure publishers.
func (c *connection) enqueue(msg any) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		log.Warn().Str("remote_addr", c.ws.RemoteAddr().String()).Msg("Send buffer full, disconnecting slow client")
		c.teardown()
	}
}

// pump forwards one subscription's events into the send queue.
func (c *connection) pump(sub notify.Subscription) {
	for {
		select {
		case <-c.done:
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			c.enqueue(event)
		}
	}
}

// writeLoop is the single writer. On teardown it flushes queued
// frames, sends a close frame, and closes the socket.
func (c *connection) writeLoop() {
	defer func() {
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if !c.writeFrame(msg) {
				return
			}
		case <-c.done:
			for {
				select {
				case msg := <-c.send:
					if !c.writeFrame(msg) {
						return
					}
				default:
					_ = c.ws.WriteControl(
						websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(writeTimeout),
					)
					return
				}
			}
		}
	}
}

func (c *connection) writeFrame(msg any) bool {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteJSON(msg); err != nil {
		log.Debug().Err(err).Msg("WebSocket write failed")
		c.teardown()
		return false
	}
	return true
}

// readLoop dispatches client frames until the connection dies. Any
// inbound frame resets the read deadline; a client that misses two
// heartbeat intervals is closed.
func (c *connection) readLoop(ctx context.Context) {
	defer func() {
		c.teardown()
		for id, sub := range c.subs {
			sub.Close()
			delete(c.subs, id)
			telemetry.GetMetrics().GatewaySubscriptions.Add(ctx, -1)
		}
	}()

	c.ws.SetReadLimit(maxMessageSize)
	readTimeout := 2 * c.gateway.cfg.HeartbeatInterval

	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))

		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("WebSocket closed unexpectedly")
			}
			return
		}

		switch msg.Action {
		case ActionPing:
			// The read itself reset the deadline.

		case ActionAuth:
			userID, err := c.gateway.cfg.Verifier.Verify(ctx, msg.UserID)
			if err != nil {
				log.Debug().Err(err).Msg("WebSocket auth failed")
				c.enqueue(ServerMessage{Type: TypeError, Error: "authentication failed"})
				return
			}
			c.userID = userID
			c.enqueue(ServerMessage{Type: TypeAuthenticated})
			log.Debug().Str("user_id", userID).Msg("WebSocket authenticated")

		case ActionSubscribe:
			if c.userID == "" {
				c.enqueue(ServerMessage{Type: TypeError, Error: "authentication required"})
				return
			}
			if msg.ConversationID == "" {
				c.enqueue(ServerMessage{Type: TypeError, Error: "conversationId is required"})
				continue
			}
			if _, ok := c.subs[msg.ConversationID]; ok {
				continue
			}

			sub, err := c.gateway.cfg.Broker.Subscribe(ctx, msg.ConversationID)
			if err != nil {
				log.Error().Err(err).Str("conversation_id", msg.ConversationID).Msg("Broker subscribe failed")
				c.enqueue(ServerMessage{Type: TypeError, Error: "subscribe failed"})
				continue
			}
			c.subs[msg.ConversationID] = sub
			go c.pump(sub)
			telemetry.GetMetrics().GatewaySubscriptions.Add(ctx, 1)
			log.Debug().Str("conversation_id", msg.ConversationID).Str("user_id", c.userID).Msg("Subscribed")

		case ActionUnsubscribe:
			if sub, ok := c.subs[msg.ConversationID]; ok {
				sub.Close()
				delete(c.subs, msg.ConversationID)
				telemetry.GetMetrics().GatewaySubscriptions.Add(ctx, -1)
				log.Debug().Str("conversation_id", msg.ConversationID).Str("user_id", c.userID).Msg("Unsubscribed")
			}

		default:
			c.enqueue(ServerMessage{Type: TypeError, Error: "unknown action"})
		}
	}
}
