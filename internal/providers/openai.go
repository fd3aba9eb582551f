package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIProvider speaks to any OpenAI-Chat-Completions-compatible endpoint:
// OpenAI itself, Groq, OpenRouter, DeepSeek, DashScope, a local vLLM, etc.
// Non-streaming Chat calls with neither tools nor vendor-specific
// passthrough options go through the official openai-go client (confirmed
// typed surface); ChatStream always uses the wire-level request, as do calls
// that need tool calls, vision, or a vendor's dialect quirks (Gemini's
// thought_signature echo, DashScope's enable_thinking/thinking_budget,
// MiniMax's alternate chat path) go through a wire-level request this
// package builds itself, since those shapes vary per vendor in ways the
// shared typed SDK doesn't model uniformly across all of them.
type OpenAIProvider struct {
	name         string
	apiKey       string
	apiBase      string
	chatPath     string
	defaultModel string
	sdk          oai.Client
	httpClient   *http.Client
	retryConfig  RetryConfig
}

func NewOpenAIProvider(name, apiKey, apiBase, defaultModel string) *OpenAIProvider {
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	apiBase = strings.TrimRight(apiBase, "/")

	return &OpenAIProvider{
		name:         name,
		apiKey:       apiKey,
		apiBase:      apiBase,
		chatPath:     "/chat/completions",
		defaultModel: defaultModel,
		sdk:          oai.NewClient(option.WithAPIKey(apiKey), option.WithBaseURL(apiBase)),
		httpClient:   &http.Client{Timeout: 120 * time.Second},
		retryConfig:  DefaultRetryConfig(),
	}
}

// WithChatPath points non-standard completions paths (e.g. MiniMax's native
// "/text/chatcompletion_v2") at something other than /chat/completions.
func (p *OpenAIProvider) WithChatPath(path string) *OpenAIProvider {
	p.chatPath = path
	return p
}

func (p *OpenAIProvider) Name() string          { return p.name }
func (p *OpenAIProvider) DefaultModel() string  { return p.defaultModel }
func (p *OpenAIProvider) SupportsThinking() bool { return true }
func (p *OpenAIProvider) APIKey() string        { return p.apiKey }
func (p *OpenAIProvider) APIBase() string       { return p.apiBase }

// resolveModel fills in the provider's default when the router leaves the
// model blank, and rejects OpenRouter model IDs missing their required
// "vendor/model" prefix by falling back to the configured default instead.
func (p *OpenAIProvider) resolveModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	if p.name == "openrouter" && !strings.Contains(model, "/") {
		return p.defaultModel
	}
	return model
}

// usesVendorDialect reports whether this call needs the wire-level path:
// any tool calls, any image content, or any vendor-specific option key.
func usesVendorDialect(req ChatRequest) bool {
	if len(req.Tools) > 0 {
		return true
	}
	for _, m := range req.Messages {
		if len(m.Images) > 0 {
			return true
		}
	}
	for _, key := range []string{OptEnableThinking, OptThinkingBudget} {
		if _, ok := req.Options[key]; ok {
			return true
		}
	}
	return false
}

func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	model := p.resolveModel(req.Model)

	if !usesVendorDialect(req) && p.chatPath == "/chat/completions" {
		return p.chatViaSDK(ctx, model, req)
	}

	body := p.buildRequestBody(model, req, false)
	return RetryDo(ctx, p.retryConfig, func() (*ChatResponse, error) {
		respBody, err := p.doRequest(ctx, body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		var oaiResp openAIResponse
		if err := json.NewDecoder(respBody).Decode(&oaiResp); err != nil {
			return nil, fmt.Errorf("%s: decode response: %w", p.name, err)
		}
		return p.parseResponse(&oaiResp), nil
	})
}

// chatViaSDK handles the plain-text, tool-free turn through the official
// client: typed params in, typed response out, no hand-rolled wire format.
func (p *OpenAIProvider) chatViaSDK(ctx context.Context, model string, req ChatRequest) (*ChatResponse, error) {
	params := oai.ChatCompletionNewParams{
		Model:    oai.ChatModel(model),
		Messages: encodeSDKMessages(req.Messages),
	}
	if level, ok := req.Options[OptThinkingLevel].(string); ok && level != "" && level != "off" {
		params.ReasoningEffort = oai.ReasoningEffort(level)
	}

	return RetryDo(ctx, p.retryConfig, func() (*ChatResponse, error) {
		resp, err := p.sdk.Chat.Completions.New(ctx, params)
		if err != nil {
			return nil, p.classifySDKError(err)
		}
		return p.translateSDKResponse(resp), nil
	})
}

func encodeSDKMessages(msgs []Message) []oai.ChatCompletionMessageParamUnion {
	out := make([]oai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, oai.SystemMessage(m.Content))
		case "user":
			out = append(out, oai.UserMessage(m.Content))
		case "assistant":
			out = append(out, oai.AssistantMessage(m.Content))
		}
	}
	return out
}

func (p *OpenAIProvider) translateSDKResponse(resp *oai.ChatCompletion) *ChatResponse {
	result := &ChatResponse{FinishReason: "stop"}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		text := choice.Message.Content
		if text == "" {
			text = choice.Message.Refusal
		}
		result.Content = text
		if choice.FinishReason != "" {
			result.FinishReason = choice.FinishReason
		}
	}
	result.Usage = &Usage{
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:      int(resp.Usage.TotalTokens),
	}
	if resp.Usage.JSON.CompletionTokensDetails.Valid() {
		result.Usage.ThinkingTokens = int(resp.Usage.CompletionTokensDetails.ReasoningTokens)
	}
	return result
}

// classifySDKError maps an openai-go error to *HTTPError so router.go's
// ClassifyError and RetryDo's fatal-4xx-abort logic apply the same way they
// do for the wire-level path.
func (p *OpenAIProvider) classifySDKError(err error) error {
	if sdkErr, ok := err.(*oai.Error); ok {
		return &HTTPError{Status: sdkErr.StatusCode, Body: fmt.Sprintf("%s: %s", p.name, sdkErr.Message)}
	}
	return fmt.Errorf("%s: %w", p.name, err)
}

func (p *OpenAIProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	model := p.resolveModel(req.Model)
	body := p.buildRequestBody(model, req, true)

	// Retry only the connection phase; once streaming starts, no retry.
	respBody, err := RetryDo(ctx, p.retryConfig, func() (io.ReadCloser, error) {
		return p.doRequest(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	result := &ChatResponse{FinishReason: "stop"}
	pending := make(map[int]*pendingToolCall)

	scanner := bufio.NewScanner(respBody)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			if chunk.Usage != nil {
				applyStreamUsage(result, chunk.Usage)
			}
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.ReasoningContent != "" {
			result.Thinking += delta.ReasoningContent
			if onChunk != nil {
				onChunk(StreamChunk{Thinking: delta.ReasoningContent})
			}
		}
		if delta.Content != "" {
			result.Content += delta.Content
			if onChunk != nil {
				onChunk(StreamChunk{Content: delta.Content})
			}
		}

		for _, tc := range delta.ToolCalls {
			call, ok := pending[tc.Index]
			if !ok {
				call = &pendingToolCall{ToolCall: ToolCall{ID: tc.ID, Name: strings.TrimSpace(tc.Function.Name)}}
				pending[tc.Index] = call
			}
			if tc.Function.Name != "" {
				call.Name = strings.TrimSpace(tc.Function.Name)
			}
			call.argsJSON += tc.Function.Arguments
			if tc.Function.ThoughtSignature != "" {
				call.thoughtSignature = tc.Function.ThoughtSignature
			}
		}

		if chunk.Choices[0].FinishReason != "" {
			result.FinishReason = chunk.Choices[0].FinishReason
		}
		if chunk.Usage != nil {
			applyStreamUsage(result, chunk.Usage)
		}
	}

	for i := 0; i < len(pending); i++ {
		call := pending[i]
		args := make(map[string]interface{})
		_ = json.Unmarshal([]byte(call.argsJSON), &args)
		call.Arguments = args
		if call.thoughtSignature != "" {
			call.Metadata = map[string]string{"thought_signature": call.thoughtSignature}
		}
		result.ToolCalls = append(result.ToolCalls, call.ToolCall)
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	}

	if onChunk != nil {
		onChunk(StreamChunk{Done: true})
	}
	return result, nil
}

func applyStreamUsage(result *ChatResponse, usage *openAIUsage) {
	result.Usage = &Usage{
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
	}
	if usage.PromptTokensDetails != nil {
		result.Usage.CacheReadTokens = usage.PromptTokensDetails.CachedTokens
	}
	if usage.CompletionTokensDetails != nil && usage.CompletionTokensDetails.ReasoningTokens > 0 {
		result.Usage.ThinkingTokens = usage.CompletionTokensDetails.ReasoningTokens
	}
}

// pendingToolCall buffers one in-flight streamed tool call's argument
// fragments until its content_block closes.
type pendingToolCall struct {
	ToolCall
	argsJSON         string
	thoughtSignature string
}

// buildRequestBody constructs the wire-level Chat Completions body used for
// tool calls, vision, and vendor-dialect turns (see usesVendorDialect).
func (p *OpenAIProvider) buildRequestBody(model string, req ChatRequest, stream bool) map[string]interface{} {
	// Gemini 2.5+ requires thought_signature echoed back on every tool_call;
	// models that omit it (e.g. gemini-3-flash) 400 if sent through as-is,
	// so fold those cycles into plain assistant text instead.
	inputMessages := req.Messages
	if strings.Contains(strings.ToLower(p.name), "gemini") {
		inputMessages = collapseToolCallsWithoutSig(inputMessages)
	}

	msgs := make([]map[string]interface{}, 0, len(inputMessages))
	for _, m := range inputMessages {
		msg := map[string]interface{}{"role": m.Role}

		if m.Role == "user" && len(m.Images) > 0 {
			var parts []map[string]interface{}
			for _, img := range m.Images {
				parts = append(parts, map[string]interface{}{
					"type": "image_url",
					"image_url": map[string]interface{}{
						"url": fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Data),
					},
				})
			}
			if m.Content != "" {
				parts = append(parts, map[string]interface{}{"type": "text", "text": m.Content})
			}
			msg["content"] = parts
		} else if m.Content != "" || len(m.ToolCalls) == 0 {
			// Omit empty content on assistant messages with tool_calls;
			// Gemini rejects an empty content field outright.
			msg["content"] = m.Content
		}

		if len(m.ToolCalls) > 0 {
			toolCalls := make([]map[string]interface{}, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Arguments)
				fn := map[string]interface{}{"name": tc.Name, "arguments": string(argsJSON)}
				if sig := tc.Metadata["thought_signature"]; sig != "" {
					fn["thought_signature"] = sig
				}
				toolCalls[i] = map[string]interface{}{"id": tc.ID, "type": "function", "function": fn}
			}
			msg["tool_calls"] = toolCalls
		}

		if m.ToolCallID != "" {
			msg["tool_call_id"] = m.ToolCallID
		}

		msgs = append(msgs, msg)
	}

	body := map[string]interface{}{
		"model":    model,
		"messages": msgs,
		"stream":   stream,
	}

	if len(req.Tools) > 0 {
		body["tools"] = CleanToolSchemas(p.name, req.Tools)
		body["tool_choice"] = "auto"
	}
	if stream {
		body["stream_options"] = map[string]interface{}{"include_usage": true}
	}

	if v, ok := req.Options[OptMaxTokens]; ok {
		body["max_tokens"] = v
	}
	if v, ok := req.Options[OptTemperature]; ok {
		body["temperature"] = v
	}
	// reasoning_effort for o-series/compatible models; ignored by models
	// that don't recognize it.
	if level, ok := req.Options[OptThinkingLevel].(string); ok && level != "" && level != "off" {
		body[OptReasoningEffort] = level
	}
	// DashScope-specific passthrough keys.
	if v, ok := req.Options[OptEnableThinking]; ok {
		body[OptEnableThinking] = v
	}
	if v, ok := req.Options[OptThinkingBudget]; ok {
		body[OptThinkingBudget] = v
	}

	return body
}

func (p *OpenAIProvider) doRequest(ctx context.Context, body interface{}) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.apiBase+p.chatPath, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", p.name, err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		retryAfter := ParseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("%s: %s", p.name, string(respBody)),
			RetryAfter: retryAfter,
		}
	}
	return resp.Body, nil
}

func (p *OpenAIProvider) parseResponse(resp *openAIResponse) *ChatResponse {
	result := &ChatResponse{FinishReason: "stop"}

	if len(resp.Choices) > 0 {
		msg := resp.Choices[0].Message
		result.Content = msg.Content
		result.Thinking = msg.ReasoningContent
		result.FinishReason = resp.Choices[0].FinishReason

		for _, tc := range msg.ToolCalls {
			args := make(map[string]interface{})
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
			call := ToolCall{ID: tc.ID, Name: strings.TrimSpace(tc.Function.Name), Arguments: args}
			if tc.Function.ThoughtSignature != "" {
				call.Metadata = map[string]string{"thought_signature": tc.Function.ThoughtSignature}
			}
			result.ToolCalls = append(result.ToolCalls, call)
		}
		if len(result.ToolCalls) > 0 {
			result.FinishReason = "tool_calls"
		}
	}

	if resp.Usage != nil {
		applyStreamUsage(result, resp.Usage)
	}
	return result
}
