package types

// Wire-level type discriminator for messages the agent sends to the observer.
const (
	TypeWebSocketEvent  = "websocket-event"
	TypeProxyState      = "proxy-state"
	TypeManualCreated   = "manual-websocket-created"
	TypeConnections     = "connections"
	TypeBlockedMessages = "blocked-messages"
	TypeKeepalivePing   = "ping"
	TypeKeepalivePong   = "pong"
)

// SourceAgent tags every EventMessage so observers can ignore foreign traffic.
const SourceAgent = "wstap-agent"

// RelayEvent kinds.
const (
	EventConnection = "connection"
	EventMessage    = "message"
	EventOpen       = "open"
	EventClose      = "close"
	EventError      = "error"
)

// Directions.
const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
	DirectionSystem   = "system"
)

// Connection statuses.
const (
	StatusConnecting = "connecting"
	StatusOpen       = "open"
	StatusClosed     = "closed"
	StatusError      = "error"
)

// System event types accepted by simulate-system-event.
const (
	SystemClientClose = "client-close"
	SystemServerClose = "server-close"
	SystemClientError = "client-error"
	SystemServerError = "server-error"
)

// Block reasons carried on blocked RelayEvents.
const (
	ReasonOutgoingBlocked = "Outgoing messages blocked"
	ReasonIncomingBlocked = "Incoming messages blocked"
)

// RelayEvent is one intercepted connection, message or lifecycle event.
type RelayEvent struct {
	ID              string `json:"id"`
	URL             string `json:"url"`
	Type            string `json:"type"`
	Data            string `json:"data"`
	Direction       string `json:"direction"`
	Timestamp       int64  `json:"timestamp"` // Unix milliseconds
	Status          string `json:"status"`
	Simulated       bool   `json:"simulated,omitempty"`
	Blocked         bool   `json:"blocked,omitempty"`
	Reason          string `json:"reason,omitempty"`
	SystemEventType string `json:"systemEventType,omitempty"`
	Binary          bool   `json:"binary,omitempty"` // Data is base64
	Format          string `json:"format,omitempty"` // Detected binary framing, if any
}

// EventEnvelope wraps a RelayEvent for the relay channel.
type EventEnvelope struct {
	Type   string     `json:"type"`
	Source string     `json:"source"`
	Event  RelayEvent `json:"event"`
}

// ProxyState is the agent's global control state plus a live connection count.
type ProxyState struct {
	IsMonitoring  bool `json:"isMonitoring"`
	BlockOutgoing bool `json:"blockOutgoing"`
	BlockIncoming bool `json:"blockIncoming"`
	Connections   int  `json:"connections"`
}

type ProxyStateMessage struct {
	Type  string     `json:"type"`
	State ProxyState `json:"state"`
}

// ManualCreatedMessage answers create-manual-websocket.
type ManualCreatedMessage struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId,omitempty"`
	URL          string `json:"url"`
	Error        string `json:"error,omitempty"`
}

// ConnectionInfo summarizes one registered connection.
type ConnectionInfo struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Status  string `json:"status"`
	Blocked int    `json:"blocked"`
}

type ConnectionsMessage struct {
	Type        string           `json:"type"`
	Connections []ConnectionInfo `json:"connections"`
}

// BlockedMessage is one entry of a connection's blocked-message log.
type BlockedMessage struct {
	Direction string `json:"direction"`
	Data      string `json:"data"`
	Binary    bool   `json:"binary,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type BlockedMessagesMessage struct {
	Type         string           `json:"type"`
	ConnectionID string           `json:"connectionId"`
	Messages     []BlockedMessage `json:"messages"`
}

// Envelope is decoded first to find out which concrete message follows.
type Envelope struct {
	Type string `json:"type"`
}
