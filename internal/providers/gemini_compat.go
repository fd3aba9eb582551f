package providers

// collapseToolCallsWithoutSig drops tool_call/tool_result cycles missing a
// thought_signature, which Gemini 2.5+ requires on every tool_call it is
// handed back and rejects with HTTP 400 otherwise. Session history written
// before a provider started capturing the signature won't have it; rather
// than fail the whole turn, those cycles are collapsed down to the
// assistant's plain text (if any) and replayed without their tool calls.
func collapseToolCallsWithoutSig(msgs []Message) []Message {
	collapse := make(map[string]bool)
	for _, m := range msgs {
		if m.Role != "assistant" || len(m.ToolCalls) == 0 {
			continue
		}
		for _, tc := range m.ToolCalls {
			if tc.Metadata["thought_signature"] == "" {
				for _, sibling := range m.ToolCalls {
					collapse[sibling.ID] = true
				}
				break
			}
		}
	}
	if len(collapse) == 0 {
		return msgs
	}

	out := make([]Message, 0, len(msgs))
	for i := 0; i < len(msgs); i++ {
		m := msgs[i]

		if m.Role == "assistant" && len(m.ToolCalls) > 0 && collapse[m.ToolCalls[0].ID] {
			if m.Content != "" {
				out = append(out, Message{Role: "assistant", Content: m.Content})
			}
			for i+1 < len(msgs) && msgs[i+1].Role == "tool" && collapse[msgs[i+1].ToolCallID] {
				i++
			}
			continue
		}
		if m.Role == "tool" && collapse[m.ToolCallID] {
			continue
		}
		out = append(out, m)
	}
	return out
}
