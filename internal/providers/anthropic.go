package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// defaultClaudeModel is used when neither the request nor the provider's
// own configuration names a model.
const defaultClaudeModel = "claude-sonnet-4-5-20250929"

type anthropicSettings struct {
	apiKey       string
	baseURL      string
	defaultModel string
}

// AnthropicOption configures an AnthropicProvider before its SDK client is
// constructed.
type AnthropicOption func(*anthropicSettings)

func WithAnthropicModel(model string) AnthropicOption {
	return func(s *anthropicSettings) { s.defaultModel = model }
}

func WithAnthropicBaseURL(baseURL string) AnthropicOption {
	return func(s *anthropicSettings) {
		if baseURL != "" {
			s.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// AnthropicProvider implements Provider on top of the official Anthropic
// Messages SDK (anthropics/anthropic-sdk-go) rather than a hand-rolled
// net/http client + SSE scanner.
type AnthropicProvider struct {
	client       sdk.Client
	defaultModel string
	retryConfig  RetryConfig
}

// NewAnthropicProvider builds a Claude-backed provider. apiKey is required;
// WithAnthropicBaseURL redirects the SDK at a gateway/proxy instead of
// api.anthropic.com (used for Bedrock/Vertex-fronting proxies in front of
// this role).
func NewAnthropicProvider(apiKey string, opts ...AnthropicOption) *AnthropicProvider {
	settings := anthropicSettings{apiKey: apiKey, defaultModel: defaultClaudeModel}
	for _, o := range opts {
		o(&settings)
	}

	clientOpts := []option.RequestOption{option.WithAPIKey(settings.apiKey)}
	if settings.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(settings.baseURL))
	}

	return &AnthropicProvider{
		client:       sdk.NewClient(clientOpts...),
		defaultModel: settings.defaultModel,
		retryConfig:  DefaultRetryConfig(),
	}
}

func (p *AnthropicProvider) Name() string          { return "anthropic" }
func (p *AnthropicProvider) DefaultModel() string  { return p.defaultModel }
func (p *AnthropicProvider) SupportsThinking() bool { return true }

// Chat implements Provider.Chat via Messages.New.
func (p *AnthropicProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	params, reqOpts, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	return RetryDo(ctx, p.retryConfig, func() (*ChatResponse, error) {
		msg, err := p.client.Messages.New(ctx, *params, reqOpts...)
		if err != nil {
			return nil, fmt.Errorf("anthropic: messages.new: %w", err)
		}
		return translateAnthropicMessage(msg), nil
	})
}

// ChatStream implements Provider.ChatStream via Messages.NewStreaming,
// accumulating content_block/message delta events into a single
// ChatResponse while forwarding text and thinking deltas to onChunk.
func (p *AnthropicProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	params, reqOpts, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	// Retry only the connection phase; once events start arriving, a
	// mid-stream failure surfaces as a returned error rather than a retry.
	stream, err := RetryDo(ctx, p.retryConfig, func() (*ssestream.Stream[sdk.MessageStreamEventUnion], error) {
		s := p.client.Messages.NewStreaming(ctx, *params, reqOpts...)
		if err := s.Err(); err != nil {
			return nil, fmt.Errorf("anthropic: messages.new stream: %w", err)
		}
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	acc := newAnthropicAccumulator()
	for stream.Next() {
		acc.handle(stream.Current(), onChunk)
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic: stream: %w", err)
	}

	if onChunk != nil {
		onChunk(StreamChunk{Done: true})
	}
	return acc.finish(), nil
}

func (p *AnthropicProvider) buildParams(req ChatRequest) (*sdk.MessageNewParams, []option.RequestOption, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	msgs, system, err := anthropicEncodeMessages(req.Messages)
	if err != nil {
		return nil, nil, err
	}

	maxTokens := int64(4096)
	if v, ok := anthropicAsInt64(req.Options[OptMaxTokens]); ok {
		maxTokens = v
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		Messages:  msgs,
		MaxTokens: maxTokens,
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(req.Tools) > 0 {
		params.Tools = anthropicEncodeTools(req.Tools)
	}

	var reqOpts []option.RequestOption
	if level, _ := req.Options[OptThinkingLevel].(string); level != "" && level != "off" {
		budget := int64(anthropicThinkingBudget(level))
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(budget)
		if params.MaxTokens < budget+4096 {
			params.MaxTokens = budget + 8192
		}
		// Thinking and temperature are mutually exclusive on this API.
		reqOpts = append(reqOpts, option.WithHeader("anthropic-beta", "interleaved-thinking-2025-05-14"))
	} else if v, ok := anthropicAsFloat64(req.Options[OptTemperature]); ok {
		params.Temperature = sdk.Float(v)
	}

	return &params, reqOpts, nil
}

// anthropicThinkingBudget maps a thinking_level option value to a token
// budget for extended thinking.
func anthropicThinkingBudget(level string) int {
	switch level {
	case "low":
		return 4096
	case "high":
		return 32000
	default: // "medium" and anything unrecognized
		return 10000
	}
}

func anthropicAsInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func anthropicAsFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func anthropicEncodeMessages(msgs []Message) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	var conversation []sdk.MessageParam
	var system []sdk.TextBlockParam

	for _, m := range msgs {
		switch m.Role {
		case "system":
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}

		case "user":
			var blocks []sdk.ContentBlockParamUnion
			for _, img := range m.Images {
				blocks = append(blocks, sdk.NewImageBlockBase64(img.MimeType, img.Data))
			}
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = append(conversation, sdk.NewUserMessage(blocks...))

		case "assistant":
			if blocks, err := anthropicReplayRawBlocks(m.RawAssistantContent); err == nil && len(blocks) > 0 {
				conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
				continue
			}
			var blocks []sdk.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))

		case "tool":
			conversation = append(conversation, sdk.NewUserMessage(
				sdk.NewToolResultBlock(m.ToolCallID, m.Content, false),
			))
		}
	}

	if len(conversation) == 0 {
		return nil, nil, fmt.Errorf("anthropic: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

// anthropicReplayRawBlocks rebuilds an assistant turn's original content
// blocks (thinking + signature, tool_use) from a prior ChatResponse's
// RawAssistantContent so a follow-up turn can continue extended thinking
// with tool use, instead of collapsing history down to plain text.
func anthropicReplayRawBlocks(raw json.RawMessage) ([]sdk.ContentBlockParamUnion, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var entries []anthropicRawBlock
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}

	blocks := make([]sdk.ContentBlockParamUnion, 0, len(entries))
	for _, e := range entries {
		switch e.Type {
		case "text":
			if e.Text != "" {
				blocks = append(blocks, sdk.NewTextBlock(e.Text))
			}
		case "thinking":
			blocks = append(blocks, sdk.NewThinkingBlock(e.Signature, e.Thinking))
		case "redacted_thinking":
			blocks = append(blocks, sdk.NewRedactedThinkingBlock(e.Data))
		case "tool_use":
			args := map[string]interface{}{}
			_ = json.Unmarshal(e.Input, &args)
			blocks = append(blocks, sdk.NewToolUseBlock(e.ID, args, e.Name))
		}
	}
	return blocks, nil
}

// anthropicRawBlock is SerialAgent's own passback shape for a content block,
// produced by translateAnthropicMessage/anthropicAccumulator and consumed by
// anthropicReplayRawBlocks. It is not an SDK type.
type anthropicRawBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Signature string          `json:"signature,omitempty"`
	Data      string          `json:"data,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
}

func anthropicEncodeTools(defs []ToolDefinition) []sdk.ToolUnionParam {
	tools := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		cleaned := CleanSchemaForProvider("anthropic", def.Function.Parameters)
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: cleaned}, def.Function.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Function.Description)
		}
		tools = append(tools, u)
	}
	return tools
}

func translateAnthropicMessage(msg *sdk.Message) *ChatResponse {
	result := &ChatResponse{}
	thinkingChars := 0
	rawBlocks := make([]anthropicRawBlock, 0, len(msg.Content))

	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case sdk.TextBlock:
			result.Content += b.Text
			rawBlocks = append(rawBlocks, anthropicRawBlock{Type: "text", Text: b.Text})
		case sdk.ThinkingBlock:
			result.Thinking += b.Thinking
			thinkingChars += len(b.Thinking)
			rawBlocks = append(rawBlocks, anthropicRawBlock{Type: "thinking", Thinking: b.Thinking, Signature: b.Signature})
		case sdk.RedactedThinkingBlock:
			rawBlocks = append(rawBlocks, anthropicRawBlock{Type: "redacted_thinking", Data: b.Data})
		case sdk.ToolUseBlock:
			args := map[string]interface{}{}
			_ = json.Unmarshal(b.Input, &args)
			name := strings.TrimSpace(b.Name)
			result.ToolCalls = append(result.ToolCalls, ToolCall{ID: b.ID, Name: name, Arguments: args})
			rawBlocks = append(rawBlocks, anthropicRawBlock{Type: "tool_use", ID: b.ID, Name: name, Input: b.Input})
		}
	}

	switch string(msg.StopReason) {
	case "tool_use":
		result.FinishReason = "tool_calls"
	case "max_tokens":
		result.FinishReason = "length"
	default:
		result.FinishReason = "stop"
	}

	result.Usage = &Usage{
		PromptTokens:        int(msg.Usage.InputTokens),
		CompletionTokens:    int(msg.Usage.OutputTokens),
		TotalTokens:         int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		CacheCreationTokens: int(msg.Usage.CacheCreationInputTokens),
		CacheReadTokens:     int(msg.Usage.CacheReadInputTokens),
	}
	if thinkingChars > 0 {
		result.Usage.ThinkingTokens = thinkingChars / 4
	}

	if len(result.ToolCalls) > 0 {
		if b, err := json.Marshal(rawBlocks); err == nil {
			result.RawAssistantContent = b
		}
	}
	return result
}

// anthropicAccumulator folds a Messages.NewStreaming event sequence into a
// single ChatResponse, forwarding deltas to onChunk as they arrive.
type anthropicAccumulator struct {
	result        ChatResponse
	toolIndex     map[int]int // content-block index -> ToolCalls slice index
	toolJSONBuf   map[int]string
	thinkingIdx   map[int]*strings.Builder
	signatureIdx  map[int]string
	blockKind     map[int]string
	thinkingChars int
	rawBlocks     []anthropicRawBlock
}

func newAnthropicAccumulator() *anthropicAccumulator {
	return &anthropicAccumulator{
		result:       ChatResponse{FinishReason: "stop"},
		toolIndex:    make(map[int]int),
		toolJSONBuf:  make(map[int]string),
		thinkingIdx:  make(map[int]*strings.Builder),
		signatureIdx: make(map[int]string),
		blockKind:    make(map[int]string),
	}
}

func (a *anthropicAccumulator) handle(event sdk.MessageStreamEventUnion, onChunk func(StreamChunk)) {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		a.result.Usage = &Usage{
			PromptTokens:        int(ev.Message.Usage.InputTokens),
			CacheCreationTokens: int(ev.Message.Usage.CacheCreationInputTokens),
			CacheReadTokens:     int(ev.Message.Usage.CacheReadInputTokens),
		}

	case sdk.ContentBlockStartEvent:
		idx := int(ev.Index)
		switch block := ev.ContentBlock.AsAny().(type) {
		case sdk.ToolUseBlock:
			a.blockKind[idx] = "tool_use"
			a.result.ToolCalls = append(a.result.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      strings.TrimSpace(block.Name),
				Arguments: map[string]interface{}{},
			})
			a.toolIndex[idx] = len(a.result.ToolCalls) - 1
		case sdk.TextBlock:
			a.blockKind[idx] = "text"
		case sdk.ThinkingBlock:
			a.blockKind[idx] = "thinking"
			a.thinkingIdx[idx] = &strings.Builder{}
		case sdk.RedactedThinkingBlock:
			a.blockKind[idx] = "redacted_thinking"
		}

	case sdk.ContentBlockDeltaEvent:
		idx := int(ev.Index)
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				break
			}
			a.result.Content += delta.Text
			if onChunk != nil {
				onChunk(StreamChunk{Content: delta.Text})
			}
		case sdk.ThinkingDelta:
			if delta.Thinking == "" {
				break
			}
			a.result.Thinking += delta.Thinking
			a.thinkingChars += len(delta.Thinking)
			if b := a.thinkingIdx[idx]; b != nil {
				b.WriteString(delta.Thinking)
			}
			if onChunk != nil {
				onChunk(StreamChunk{Thinking: delta.Thinking})
			}
		case sdk.SignatureDelta:
			a.signatureIdx[idx] = delta.Signature
		case sdk.InputJSONDelta:
			if ti, ok := a.toolIndex[idx]; ok && delta.PartialJSON != "" {
				a.appendToolJSON(ti, delta.PartialJSON)
			}
		}

	case sdk.ContentBlockStopEvent:
		idx := int(ev.Index)
		a.rawBlocks = append(a.rawBlocks, a.finalizeBlock(idx))

	case sdk.MessageDeltaEvent:
		switch string(ev.Delta.StopReason) {
		case "tool_use":
			a.result.FinishReason = "tool_calls"
		case "max_tokens":
			a.result.FinishReason = "length"
		default:
			a.result.FinishReason = "stop"
		}
		if ev.Usage.OutputTokens > 0 {
			if a.result.Usage == nil {
				a.result.Usage = &Usage{}
			}
			a.result.Usage.CompletionTokens = int(ev.Usage.OutputTokens)
		}
	}
}

func (a *anthropicAccumulator) appendToolJSON(toolIdx int, fragment string) {
	a.toolJSONBuf[toolIdx] += fragment
}

func (a *anthropicAccumulator) finalizeBlock(idx int) anthropicRawBlock {
	switch a.blockKind[idx] {
	case "text":
		return anthropicRawBlock{Type: "text", Text: a.result.Content}
	case "thinking":
		text := ""
		if b := a.thinkingIdx[idx]; b != nil {
			text = b.String()
		}
		return anthropicRawBlock{Type: "thinking", Thinking: text, Signature: a.signatureIdx[idx]}
	case "redacted_thinking":
		return anthropicRawBlock{Type: "redacted_thinking"}
	case "tool_use":
		if ti, ok := a.toolIndex[idx]; ok && ti < len(a.result.ToolCalls) {
			raw := a.toolJSONBuf[ti]
			args := map[string]interface{}{}
			if raw != "" {
				_ = json.Unmarshal([]byte(raw), &args)
			}
			a.result.ToolCalls[ti].Arguments = args
			inputJSON, _ := json.Marshal(args)
			return anthropicRawBlock{
				Type:  "tool_use",
				ID:    a.result.ToolCalls[ti].ID,
				Name:  a.result.ToolCalls[ti].Name,
				Input: inputJSON,
			}
		}
	}
	return anthropicRawBlock{}
}

func (a *anthropicAccumulator) finish() *ChatResponse {
	if a.result.Usage != nil {
		a.result.Usage.TotalTokens = a.result.Usage.PromptTokens + a.result.Usage.CompletionTokens
		if a.thinkingChars > 0 {
			a.result.Usage.ThinkingTokens = a.thinkingChars / 4
		}
	}
	if len(a.rawBlocks) > 0 && len(a.result.ToolCalls) > 0 {
		if b, err := json.Marshal(a.rawBlocks); err == nil {
			a.result.RawAssistantContent = b
		}
	}
	return &a.result
}
