// Package bus defines the canonical turn-request, action, and event shapes
// shared by the normalizer, turn engine, and HTTP/SSE adapter.
package bus

import "context"

// ChatType enumerates the inbound chat contexts an envelope can describe.
type ChatType string

const (
	ChatDirect  ChatType = "direct"
	ChatGroup   ChatType = "group"
	ChatChannel ChatType = "channel"
	ChatThread  ChatType = "thread"
	ChatTopic   ChatType = "topic"
)

// DeliveryCaps describes what the originating channel can render.
type DeliveryCaps struct {
	ExpectsReply     bool `json:"expects_reply"`
	MaxReplyChars    int  `json:"max_reply_chars,omitempty"`
	SupportsTyping   bool `json:"supports_typing"`
	SupportsMarkdown bool `json:"supports_markdown"`
}

// Trace carries request correlation metadata end to end.
type Trace struct {
	RequestID   string `json:"request_id,omitempty"`
	ConnectorID string `json:"connector_id,omitempty"`
}

// InboundEnvelope is the raw, wire-level shape accepted at POST /v1/inbound
// (spec §6). It is normalized into a TurnRequest by internal/normalizer.
type InboundEnvelope struct {
	V                  int          `json:"v,omitempty"`
	Channel            string       `json:"channel"`
	AccountID          string       `json:"account_id,omitempty"`
	PeerID             string       `json:"peer_id"`
	ChatType           ChatType     `json:"chat_type"`
	ChatID             string       `json:"chat_id,omitempty"`
	GroupID            string       `json:"group_id,omitempty"`
	ThreadID           string       `json:"thread_id,omitempty"`
	Text               string       `json:"text"`
	EventID            string       `json:"event_id,omitempty"`
	EventType          string       `json:"event_type,omitempty"`
	TS                 int64        `json:"ts,omitempty"`
	MessageID          string       `json:"message_id,omitempty"`
	ReplyToMessageID   string       `json:"reply_to_message_id,omitempty"`
	Mentions           []string     `json:"mentions,omitempty"`
	Delivery           DeliveryCaps `json:"delivery,omitempty"`
	Display            string       `json:"display,omitempty"`
	Trace              Trace        `json:"trace,omitempty"`
}

// TurnRequest is the canonical form after normalization (spec §3).
type TurnRequest struct {
	EnvelopeVersion int          `json:"envelope_version"`
	Channel         string       `json:"channel"`
	AccountID       string       `json:"account_id"`
	PeerID          string       `json:"peer_id"`
	ChatType        ChatType     `json:"chat_type"`
	ChatID          string       `json:"chat_id,omitempty"`
	GroupID         string       `json:"group_id,omitempty"`
	ThreadID        string       `json:"thread_id,omitempty"`
	Text            string       `json:"text"`
	EventID         string       `json:"event_id,omitempty"`
	ReplyTo         string       `json:"reply_to,omitempty"`
	Mentions        []string     `json:"mentions,omitempty"`
	DeliveryCaps    DeliveryCaps `json:"delivery_caps"`
	Trace           Trace        `json:"trace"`

	// AgentID selects which agent config handles this turn; resolved by
	// the caller (HTTP route, channel binding) before normalization.
	AgentID string `json:"-"`
}

// Action is one outbound directive produced by a turn (spec §6).
type Action struct {
	Type             string `json:"type"` // "send.typing" | "send.message" | "react.add"
	ChatID           string `json:"chat_id"`
	ThreadID         string `json:"thread_id,omitempty"`
	ReplyToMessageID string `json:"reply_to_message_id,omitempty"`
	Text             string `json:"text,omitempty"`
	Format           string `json:"format,omitempty"` // "markdown" | "plain"
	TTLMillis        int    `json:"ttl_ms,omitempty"`
	MessageID        string `json:"message_id,omitempty"`
	Emoji            string `json:"emoji,omitempty"`
}

func TypingAction(chatID string, ttlMillis int) Action {
	return Action{Type: "send.typing", ChatID: chatID, TTLMillis: ttlMillis}
}

func MessageAction(chatID, threadID, replyTo, text, format string) Action {
	return Action{
		Type:             "send.message",
		ChatID:           chatID,
		ThreadID:         threadID,
		ReplyToMessageID: replyTo,
		Text:             text,
		Format:           format,
	}
}

// Telemetry summarizes token usage for an inbound-envelope response.
type Telemetry struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// InboundResponse is the reply body for POST /v1/inbound (spec §6).
type InboundResponse struct {
	Accepted  bool      `json:"accepted"`
	Deduped   bool      `json:"deduped,omitempty"`
	SessionKey string   `json:"session_key"`
	SessionID string    `json:"session_id"`
	Actions   []Action  `json:"actions"`
	Policy    string    `json:"policy,omitempty"`
	Telemetry Telemetry `json:"telemetry"`
}

// Event is a server-side event broadcast to SSE/WebSocket subscribers.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// Cache invalidation kind constants, mirrored from the event-bus the
// teacher uses to evict agent/config caches on admin reload.
const (
	CacheKindAgent     = "agent"
	CacheKindProviders = "providers"
	CacheKindSchedules = "schedules"
)

// CacheInvalidatePayload signals cache layers to evict stale entries.
type CacheInvalidatePayload struct {
	Kind string `json:"kind"`
	Key  string `json:"key"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription, decoupling the
// turn engine and node router from the concrete SSE/WS fan-out.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// InboundSink abstracts handing a raw envelope to the pipeline so that
// HTTP and channel-adapter entry points share one code path.
type InboundSink interface {
	HandleInbound(ctx context.Context, env InboundEnvelope) (InboundResponse, error)
}
