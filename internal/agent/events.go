package agent

import "github.com/nextlevelbuilder/serialagent/internal/providers"

// EventKind enumerates the TurnEvent variants from spec §4.3.
type EventKind string

const (
	EventAssistantDelta EventKind = "assistant_delta"
	EventToolCall       EventKind = "tool_call"
	EventToolResult     EventKind = "tool_result"
	EventUsage          EventKind = "usage"
	EventWarning        EventKind = "warning"
	EventFinal          EventKind = "final"
	EventStopped        EventKind = "stopped"
	EventError          EventKind = "error"
)

// TurnEvent is one item in the stream run_turn produces (spec §4.3).
type TurnEvent struct {
	Kind    EventKind      `json:"kind"`
	Content string         `json:"content,omitempty"`         // assistant_delta text
	Tool    string         `json:"tool,omitempty"`            // tool_call / tool_result
	ToolID  string         `json:"tool_id,omitempty"`
	IsError bool           `json:"is_error,omitempty"`         // tool_result
	Usage   *providers.Usage `json:"usage,omitempty"`
	Message string         `json:"message,omitempty"`         // warning / error / stopped
}

func deltaEvent(content string) TurnEvent { return TurnEvent{Kind: EventAssistantDelta, Content: content} }
func toolCallEvent(tool, id string) TurnEvent { return TurnEvent{Kind: EventToolCall, Tool: tool, ToolID: id} }
func toolResultEvent(tool, id string, isError bool) TurnEvent {
	return TurnEvent{Kind: EventToolResult, Tool: tool, ToolID: id, IsError: isError}
}
func usageEvent(u providers.Usage) TurnEvent { return TurnEvent{Kind: EventUsage, Usage: &u} }
func warningEvent(msg string) TurnEvent     { return TurnEvent{Kind: EventWarning, Message: msg} }
func finalEvent(content string) TurnEvent   { return TurnEvent{Kind: EventFinal, Content: content} }
func stoppedEvent(msg string) TurnEvent     { return TurnEvent{Kind: EventStopped, Message: msg} }
func errorEvent(msg string) TurnEvent       { return TurnEvent{Kind: EventError, Message: msg} }
