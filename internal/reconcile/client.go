package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/parleyhq/parley/internal/gateway"
	"github.com/parleyhq/parley/internal/notify"
)

const (
	handshakeTimeout   = 10 * time.Second
	clientWriteTimeout = 10 * time.Second
)

// ClientConfig configures the gateway client.
type ClientConfig struct {
	// URL is the gateway endpoint, e.g. ws://localhost:8080/ws.
	URL string

	// Credential is sent in the auth frame: a user id in passthrough
	// mode, a signed token when the gateway verifies JWTs.
	Credential string

	// Fetcher resolves event IDs to authoritative records.
	Fetcher Fetcher

	// HeartbeatInterval between pings. Defaults to 30 seconds; the
	// gateway drops connections silent for twice its own interval.
	HeartbeatInterval time.Duration

	// ReconnectDelay is the fixed wait before redialing after an
	// unrequested close. Defaults to 3 seconds.
	ReconnectDelay time.Duration
}

// ApplyDefaults fills unset optional fields.
func (c *ClientConfig) ApplyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 3 * time.Second
	}
}

// Client maintains the gateway connection for a set of tracked
// conversations, turning events into authoritative fetches applied to each
// conversation's reconciler. On any close it did not request it waits the
// fixed reconnect delay, redials, re-authenticates, re-subscribes, and
// re-fetches every tracked conversation to cover events missed while away.
type Client struct {
	cfg ClientConfig

	mu          sync.Mutex
	reconcilers map[string]*Reconciler
	closed      bool

	// sendMu guards conn; gorilla allows one concurrent writer.
	sendMu sync.Mutex
	conn   *websocket.Conn

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient creates a gateway client. Start launches the connection loop.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("gateway URL is required")
	}
	if cfg.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	cfg.ApplyDefaults()

	return &Client{
		cfg:         cfg,
		reconcilers: make(map[string]*Reconciler),
	}, nil
}

// Track subscribes the reconciler's conversation. Safe at any time; if the
// client is between sessions the subscription replays on reconnect.
func (c *Client) Track(r *Reconciler) {
	c.mu.Lock()
	c.reconcilers[r.ConversationID()] = r
	c.mu.Unlock()

	if err := c.send(gateway.ClientMessage{Action: gateway.ActionSubscribe, ConversationID: r.ConversationID()}); err != nil {
		log.Warn().Err(err).
			Str("conversation_id", r.ConversationID()).
			Msg("Subscribe failed, will replay on reconnect")
	}
}

// Untrack drops the conversation's subscription.
func (c *Client) Untrack(conversationID string) {
	c.mu.Lock()
	delete(c.reconcilers, conversationID)
	c.mu.Unlock()

	if err := c.send(gateway.ClientMessage{Action: gateway.ActionUnsubscribe, ConversationID: conversationID}); err != nil {
		log.Warn().Err(err).
			Str("conversation_id", conversationID).
			Msg("Unsubscribe failed")
	}
}

// Start launches the connect/reconnect loop.
func (c *Client) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(1)
	go c.run(ctx)
}

// Close stops the loop and closes the connection. The client does not
// reconnect after Close.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}

	// Unblock the session reader.
	c.sendMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.sendMu.Unlock()

	c.wg.Wait()
	return nil
}

func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()

	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}

		log.Warn().Err(err).
			Dur("delay", c.cfg.ReconnectDelay).
			Msg("Gateway connection lost, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

// session runs one connection lifetime: dial, handshake, subscribe,
// re-fetch, then read until the connection dies.
func (c *Client) session(ctx context.Context) error {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	defer conn.Close()

	c.setConn(conn)
	defer c.setConn(nil)

	if err := awaitFrame(conn, gateway.TypeReady); err != nil {
		return err
	}
	if err := c.send(gateway.ClientMessage{Action: gateway.ActionAuth, UserID: c.cfg.Credential}); err != nil {
		return err
	}
	if err := awaitFrame(conn, gateway.TypeAuthenticated); err != nil {
		return err
	}

	ids := c.trackedIDs()
	for _, id := range ids {
		if err := c.send(gateway.ClientMessage{Action: gateway.ActionSubscribe, ConversationID: id}); err != nil {
			return err
		}
	}

	log.Info().Str("url", c.cfg.URL).Int("conversations", len(ids)).Msg("Connected to gateway")

	// Events may have fired while away; fetch the authoritative state.
	for _, id := range ids {
		c.refetch(ctx, id)
	}

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go c.pingLoop(pingCtx, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.handleFrame(ctx, data)
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(gateway.ClientMessage{Action: gateway.ActionPing}); err != nil {
				log.Debug().Err(err).Msg("Ping failed")
				_ = conn.Close()
				return
			}
		}
	}
}

// handleFrame routes one server frame: control frames are logged, anything
// else is decoded as a notify event.
func (c *Client) handleFrame(ctx context.Context, data []byte) {
	var peek struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		log.Warn().Err(err).Msg("Discarding malformed gateway frame")
		return
	}

	switch peek.Type {
	case gateway.TypeReady, gateway.TypeAuthenticated:
		return
	case gateway.TypeError:
		var sm gateway.ServerMessage
		_ = json.Unmarshal(data, &sm)
		log.Warn().Str("error", sm.Error).Msg("Gateway reported an error")
		return
	}

	var event notify.Event
	if err := json.Unmarshal(data, &event); err != nil {
		log.Warn().Err(err).Msg("Discarding malformed event frame")
		return
	}
	c.handleEvent(ctx, event)
}

// handleEvent re-fetches whatever the event names. Events carry IDs only;
// content always comes from the read API.
func (c *Client) handleEvent(ctx context.Context, event notify.Event) {
	r := c.reconcilerFor(event.ConversationID)
	if r == nil {
		return
	}

	log.Debug().
		Str("type", event.Type).
		Str("conversation_id", event.ConversationID).
		Str("job_id", event.JobID).
		Msg("Gateway event")

	switch event.Type {
	case notify.EventMessageUpdated, notify.EventJobProgress, notify.EventJobCompleted:
		c.refetchMessage(ctx, r, event)
		if event.Type == notify.EventJobCompleted {
			c.refetchState(ctx, r)
		}
	case notify.EventJobStarted, notify.EventStateUpdated:
		c.refetchState(ctx, r)
	case notify.EventJobFailed:
		r.Apply(JobFailed{JobID: event.JobID, Reason: event.Reason})
		c.refetchState(ctx, r)
	}
}

func (c *Client) refetchMessage(ctx context.Context, r *Reconciler, event notify.Event) {
	if event.MessageID == "" {
		if msgs, err := c.cfg.Fetcher.ListMessages(ctx, r.ConversationID()); err == nil {
			for _, msg := range msgs {
				r.Apply(RemoteMessage{Source: SourceNotify, Message: msg})
			}
		}
		return
	}

	msg, err := c.cfg.Fetcher.GetMessage(ctx, event.MessageID)
	if err != nil {
		log.Warn().Err(err).
			Str("message_id", event.MessageID).
			Msg("Failed to fetch notified message")
		return
	}
	r.Apply(RemoteMessage{Source: SourceNotify, Message: msg})
}

func (c *Client) refetchState(ctx context.Context, r *Reconciler) {
	conv, err := c.cfg.Fetcher.GetConversation(ctx, r.ConversationID())
	if err != nil {
		log.Warn().Err(err).
			Str("conversation_id", r.ConversationID()).
			Msg("Failed to fetch conversation state")
		return
	}
	r.Apply(ConversationState{Source: SourceNotify, State: conv.State})
}

// refetch pulls a conversation's full state after (re)connecting.
func (c *Client) refetch(ctx context.Context, conversationID string) {
	r := c.reconcilerFor(conversationID)
	if r == nil {
		return
	}

	msgs, err := c.cfg.Fetcher.ListMessages(ctx, conversationID)
	if err != nil {
		log.Warn().Err(err).
			Str("conversation_id", conversationID).
			Msg("Failed to fetch messages on connect")
	} else {
		for _, msg := range msgs {
			r.Apply(RemoteMessage{Source: SourceNotify, Message: msg})
		}
	}

	c.refetchState(ctx, r)
}

func (c *Client) reconcilerFor(conversationID string) *Reconciler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconcilers[conversationID]
}

func (c *Client) trackedIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.reconcilers))
	for id := range c.reconcilers {
		ids = append(ids, id)
	}
	return ids
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.sendMu.Lock()
	c.conn = conn
	c.sendMu.Unlock()
}

// send writes one frame if connected. A nil connection is not an error:
// subscriptions replay when the next session starts.
func (c *Client) send(msg gateway.ClientMessage) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.conn == nil {
		return nil
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
	return c.conn.WriteJSON(msg)
}

func awaitFrame(conn *websocket.Conn, want string) error {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer func() {
		_ = conn.SetReadDeadline(time.Time{})
	}()

	var sm gateway.ServerMessage
	if err := conn.ReadJSON(&sm); err != nil {
		return fmt.Errorf("awaiting %s frame: %w", want, err)
	}
	if sm.Type == gateway.TypeError {
		return fmt.Errorf("gateway rejected connection: %s", sm.Error)
	}
	if sm.Type != want {
		return fmt.Errorf("expected %s frame, got %s", want, sm.Type)
	}
	return nil
}
