// Package gateway is the realtime WebSocket server: it authenticates
// connections, tracks conversation subscriptions, and fans broker
// events out to subscribed clients. Events are forwarded verbatim;
// clients fetch authoritative state over the read API.
package gateway

// Client to server actions.
const (
	ActionAuth        = "auth"
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionPing        = "ping"
)

// Server to client control frame types. Event frames keep their own
// shapes from the notify package.
const (
	TypeReady         = "ready"
	TypeAuthenticated = "authenticated"
	TypeError         = "error"
)

// ClientMessage is any frame a client sends. Action selects which
// fields matter: auth reads UserID (the credential), subscribe and
// unsubscribe read ConversationID, ping carries nothing.
type ClientMessage struct {
	Action         string `json:"action"`
	UserID         string `json:"userId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

// ServerMessage is a gateway control frame.
type ServerMessage struct {
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`
}
