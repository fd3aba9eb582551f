// Package agent implements the Turn Engine (spec §4.3): context assembly,
// the LLM-call/tool-dispatch loop, compaction, reply splitting, and
// cancellation, grounded on the teacher's internal/agent Loop.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/serialagent/internal/bus"
	"github.com/nextlevelbuilder/serialagent/internal/config"
	"github.com/nextlevelbuilder/serialagent/internal/memory"
	"github.com/nextlevelbuilder/serialagent/internal/node"
	"github.com/nextlevelbuilder/serialagent/internal/providers"
	"github.com/nextlevelbuilder/serialagent/internal/sessions"
	"github.com/nextlevelbuilder/serialagent/internal/telemetry"
	"github.com/nextlevelbuilder/serialagent/internal/tools"
	"github.com/nextlevelbuilder/serialagent/internal/transcript"
)

// NodeLister exposes the Node Router's currently advertised capabilities,
// used to compute the routable tool manifest (spec §4.3 step 2). Kept as
// an interface so tests can stub it without standing up a real Router.
type NodeLister interface {
	List() []node.Record
}

// Engine runs turns for every agent configured on this gateway process.
type Engine struct {
	Config     *config.Config
	Router     *providers.Router
	Dispatcher *tools.Dispatcher
	Policy     *tools.PolicyEngine
	Registry   *tools.Registry
	Transcript *transcript.Store
	Memory     *memory.Client
	Nodes      NodeLister

	// ApprovalTimeout bounds how long a parked approval_required dispatch
	// waits before expiring (spec §4.7). The exec tool itself enforces
	// the approval wait against its own ExecApprovalManager; the engine
	// does not read this field.
	ApprovalTimeout time.Duration
}

// RunTurn implements spec §4.3: run_turn(session_lease, request) →
// stream<TurnEvent>. Callers consume events off the returned channel until
// it closes; the channel always closes, even on error or cancellation.
func (e *Engine) RunTurn(ctx context.Context, lease *sessions.Lease, req bus.TurnRequest) <-chan TurnEvent {
	out := make(chan TurnEvent, 16)
	go func() {
		defer close(out)
		e.runTurn(ctx, lease, req, out)
	}()
	return out
}

func (e *Engine) runTurn(ctx context.Context, lease *sessions.Lease, req bus.TurnRequest, out chan<- TurnEvent) {
	ctx, span := telemetry.Tracer().Start(ctx, "agent.run_turn")
	defer span.End()

	sess := lease.Session()
	resolved := e.Config.ResolveAgent(req.AgentID)

	log, err := e.Transcript.For(sess.Key)
	if err != nil {
		out <- errorEvent(fmt.Sprintf("open transcript: %v", err))
		return
	}
	log.Append(transcript.RoleUser, req.Text, nil)

	limits := resolved.Limits
	maxToolCalls := limits.MaxToolCallsPerTurn
	if maxToolCalls <= 0 {
		maxToolCalls = 25
	}
	maxDuration := time.Duration(limits.MaxDurationMs) * time.Millisecond
	if maxDuration <= 0 {
		maxDuration = 120 * time.Second
	}

	turnCtx, cancel := context.WithTimeout(ctx, maxDuration)
	defer cancel()

	isFirstTurn := len(sess.History()) == 0
	caps := defaultContextCaps()
	messages := e.assembleContext(turnCtx, req.AgentID, resolved.Workspace, req.PeerID, req.Text, isFirstTurn, sess.History(), sess.Summary, caps)
	if e.Memory != nil && resolved.MemoryMode != "off" && !e.Memory.Connected() {
		out <- warningEvent("memory service unreachable, continuing without user facts")
	}

	routable := e.Dispatcher.RoutableNames(e.nodeCapabilities())
	toolNames := e.Policy.ResolveToolNames(resolved.ToolAllowlist, resolved.ToolDenylist, routable, false)
	toolDefs := e.Policy.ToDefinitions(toolNames, e.Registry)

	var totalUsage providers.Usage
	toolCalls := 0
	var finalContent string
	var pending []providers.Message
	pending = append(pending, providers.Message{Role: "user", Content: req.Text})

	for {
		select {
		case <-turnCtx.Done():
			out <- stoppedEvent("turn cancelled or timed out")
			log.Append(transcript.RoleSystem, "stopped: "+turnCtx.Err().Error(), nil)
			e.flush(sess, pending, totalUsage)
			return
		default:
		}

		resp, providerID, err := e.Router.StreamChat(turnCtx, string(providers.RoleExecutor), providers.ChatRequest{
			Messages: messages,
			Tools:    toolDefs,
		}, func(chunk providers.StreamChunk) {
			if chunk.Content != "" {
				out <- deltaEvent(chunk.Content)
			}
		})
		if err != nil {
			out <- errorEvent(err.Error())
			log.Append(transcript.RoleSystem, "error: "+err.Error(), nil)
			e.flush(sess, pending, totalUsage)
			return
		}
		if resp.Usage != nil {
			totalUsage.PromptTokens += resp.Usage.PromptTokens
			totalUsage.CompletionTokens += resp.Usage.CompletionTokens
			totalUsage.TotalTokens += resp.Usage.TotalTokens
			out <- usageEvent(*resp.Usage)
		}
		slog.Debug("turn engine llm call", "agent", req.AgentID, "provider", providerID, "tool_calls", len(resp.ToolCalls))

		if len(resp.ToolCalls) == 0 {
			finalContent = resp.Content
			break
		}

		assistantMsg := providers.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls, RawAssistantContent: resp.RawAssistantContent}
		messages = append(messages, assistantMsg)
		pending = append(pending, assistantMsg)

		capExceeded := false
		for _, tc := range resp.ToolCalls {
			toolCalls++
			if toolCalls > maxToolCalls {
				capExceeded = true
				break
			}

			out <- toolCallEvent(tc.Name, tc.ID)
			log.Append(transcript.RoleToolCall, tc.Name, tc.Arguments)

			result := e.Dispatcher.Dispatch(turnCtx, tc.Name, tc.Arguments, sess.Key)

			out <- toolResultEvent(tc.Name, tc.ID, result.IsError)
			log.Append(transcript.RoleToolResult, result.ForLLM, map[string]any{"tool": tc.Name, "is_error": result.IsError})

			toolMsg := providers.Message{Role: "tool", Content: result.ForLLM, ToolCallID: tc.ID}
			messages = append(messages, toolMsg)
			pending = append(pending, toolMsg)
		}

		if capExceeded {
			synthetic := providers.Message{
				Role:    "tool",
				Content: "turn cap exceeded: max_tool_calls_per_turn reached",
			}
			messages = append(messages, synthetic)
			out <- warningEvent("max_tool_calls_per_turn exceeded, stopping turn")
			log.Append(transcript.RoleWarning, "max_tool_calls_per_turn exceeded", nil)
			finalContent = "I've hit my tool-call limit for this turn and need to stop here."
			break
		}
	}

	finalContent = SanitizeAssistantContent(finalContent)
	silent := IsSilentReply(finalContent)
	if finalContent == "" {
		finalContent = "..."
	}

	pending = append(pending, providers.Message{Role: "assistant", Content: finalContent})
	log.Append(transcript.RoleAssistant, finalContent, nil)
	log.Append(transcript.RoleUsage, "", totalUsage)

	e.flush(sess, pending, totalUsage)
	e.maybeCompact(ctx, sess, resolved.Compaction)
	e.autoCapture(req.AgentID, req.PeerID, req.Text, finalContent, resolved.MemoryMode)

	if !silent {
		out <- finalEvent(finalContent)
	} else {
		out <- finalEvent("")
	}
}

func (e *Engine) flush(sess *sessions.Session, pending []providers.Message, usage providers.Usage) {
	sess.AppendMessages(pending...)
	sess.AccumulateTokens(int64(usage.PromptTokens), int64(usage.CompletionTokens))
}

// autoCapture implements spec §4.3 step 6: background, non-blocking
// ingestion of significant turns into the Memory Client. Failures do not
// affect the turn — this runs after the turn has already been flushed.
func (e *Engine) autoCapture(agentID, peerID, userText, assistantText, memoryMode string) {
	if e.Memory == nil || memoryMode != "read_write" {
		return
	}
	go func() {
		content := fmt.Sprintf("user: %s\nassistant: %s", userText, assistantText)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Memory.Ingest(ctx, peerID, content, 0); err != nil {
			slog.Debug("memory auto-capture failed", "agent", agentID, "err", err)
		}
	}()
}

func (e *Engine) nodeCapabilities() []string {
	if e.Nodes == nil {
		return nil
	}
	var names []string
	for _, rec := range e.Nodes.List() {
		names = append(names, rec.Capabilities...)
	}
	return names
}
