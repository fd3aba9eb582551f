package protocol

import "encoding/json"

// Node WebSocket wire format (spec §6): JSON text frames discriminated by
// a top-level "type" field.
const (
	ProtocolVersion       = 1
	MaxToolResponseBytes  = 4 * 1024 * 1024 // 4 MiB hard cap (spec §4.4, §5); the Node Router does not enforce it
	SoftToolResponseBytes = 1 * 1024 * 1024 // 1 MiB soft cap before truncation
)

// Frame type discriminators.
const (
	FrameNodeHello       = "node_hello"
	FrameGatewayWelcome  = "gateway_welcome"
	FrameToolRequest     = "tool_request"
	FrameToolResponse    = "tool_response"
	FramePing            = "ping"
	FramePong            = "pong"
)

// WireFrame pairs a frame's "type" with its raw payload. Payload is not
// filled by json.Unmarshal; the Node Router reads the discriminator with
// PeekType instead.
type WireFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"-"`
}

// nodeIdentity is the "node" object inside a NodeHello frame. Each frame
// struct carries its own "type" field, so a single json.Marshal/Unmarshal
// round-trips it without a nested envelope.
type nodeIdentity struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	NodeType string   `json:"node_type"`
	Version  string   `json:"version"`
	Tags     []string `json:"tags,omitempty"`
}

// NodeHello is sent by a connecting node once the WebSocket upgrade and
// token auth succeed (spec §4.4 HANDSHAKE).
type NodeHello struct {
	Type            string       `json:"type"`
	ProtocolVersion int          `json:"protocol_version"`
	Node            nodeIdentity `json:"node"`
	Capabilities    []string     `json:"capabilities"`
}

// GatewayWelcome is the gateway's handshake reply.
type GatewayWelcome struct {
	Type            string `json:"type"`
	ProtocolVersion int    `json:"protocol_version"`
	GatewayVersion  string `json:"gateway_version"`
}

func NewGatewayWelcome(gatewayVersion string) GatewayWelcome {
	return GatewayWelcome{Type: FrameGatewayWelcome, ProtocolVersion: ProtocolVersion, GatewayVersion: gatewayVersion}
}

// ToolError is the error payload on a failed tool_response (spec §3, §7).
type ToolError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ToolRequestFrame is sent gateway → node to invoke a tool (spec §4.4).
type ToolRequestFrame struct {
	Type       string         `json:"type"`
	RequestID  string         `json:"request_id"`
	Tool       string         `json:"tool"`
	Args       map[string]any `json:"args"`
	SessionKey string         `json:"session_key,omitempty"`
}

func NewToolRequest(requestID, tool string, args map[string]any, sessionKey string) ToolRequestFrame {
	return ToolRequestFrame{Type: FrameToolRequest, RequestID: requestID, Tool: tool, Args: args, SessionKey: sessionKey}
}

// ToolResponseFrame is sent node → gateway to resolve a prior tool_request.
type ToolResponseFrame struct {
	Type      string     `json:"type"`
	RequestID string     `json:"request_id"`
	OK        bool       `json:"ok"`
	Result    any        `json:"result,omitempty"`
	Error     *ToolError `json:"error,omitempty"`
	Truncated bool       `json:"_truncated,omitempty"`
}

// PingFrame / PongFrame carry heartbeat timestamps (spec §4.4 READY).
type PingFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type PongFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

func NewPing(unixMilli int64) PingFrame { return PingFrame{Type: FramePing, Timestamp: unixMilli} }
func NewPong(unixMilli int64) PongFrame { return PongFrame{Type: FramePong, Timestamp: unixMilli} }

// PeekType decodes only the "type" discriminator from a raw frame, letting
// the caller then unmarshal into the matching concrete struct.
func PeekType(data []byte) (string, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", err
	}
	return probe.Type, nil
}
