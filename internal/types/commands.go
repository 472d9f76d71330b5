package types

// Control command types sent by the observer to the agent.
const (
	CmdStartMonitoring       = "start-monitoring"
	CmdStopMonitoring        = "stop-monitoring"
	CmdBlockOutgoing         = "block-outgoing"
	CmdBlockIncoming         = "block-incoming"
	CmdGetProxyState         = "get-proxy-state"
	CmdSimulateMessage       = "simulate-message"
	CmdSimulateSystemEvent   = "simulate-system-event"
	CmdCreateManualWebSocket = "create-manual-websocket"
	CmdResetProxyState       = "reset-proxy-state"
	CmdClearBlockedMessages  = "clear-blocked-messages"
	CmdGetBlockedMessages    = "get-blocked-messages"
	CmdGetConnections        = "get-connections"
)

// Command is a control command. Only the fields relevant to Type are set.
type Command struct {
	Type         string `json:"type"`
	Enabled      bool   `json:"enabled,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
	Message      string `json:"message,omitempty"`
	Binary       bool   `json:"binary,omitempty"` // Message is base64
	Direction    string `json:"direction,omitempty"`
	EventType    string `json:"eventType,omitempty"`
	Code         int    `json:"code,omitempty"`
	Reason       string `json:"reason,omitempty"`
	URL          string `json:"url,omitempty"`
}

// RegisterRequest announces an agent to the inspector before the relay opens.
type RegisterRequest struct {
	AgentID string `json:"agentId"`
	Version string `json:"version"`
}

type RegisterResponse struct {
	RelayPath string `json:"relayPath"`
	Error     string `json:"error,omitempty"`
}

// AgentInfo is how the inspector lists connected agents.
type AgentInfo struct {
	ID          string      `json:"id"`
	Version     string      `json:"version,omitempty"`
	Connected   bool        `json:"connected"`
	ConnectedAt int64       `json:"connectedAt,omitempty"`
	State       *ProxyState `json:"state,omitempty"`
}
