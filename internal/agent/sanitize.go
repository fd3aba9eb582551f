// Package agent — assistant output sanitization.
//
// Providers and their tool-calling adapters aren't perfectly reliable: a
// model can downgrade a tool call to inline text, leak its own reasoning
// tags into the visible reply, or echo back a fragment of its own system
// prompt. SanitizeAssistantContent runs a fixed pipeline over the turn's
// final text before it is logged or sent, stripping each of these leaks in
// turn. Individual steps are cheap no-ops (a Contains check) when the
// pattern they handle doesn't appear, so well-behaved output passes through
// untouched.
package agent

import (
	"log/slog"
	"regexp"
	"strings"
)

// SanitizeAssistantContent runs the full cleanup pipeline over a turn's
// final assistant text before it is persisted to the transcript/session and
// delivered to the caller.
func SanitizeAssistantContent(content string) string {
	if content == "" {
		return content
	}

	original := content

	content = stripLeakedToolCallXML(content)
	if content == "" {
		return ""
	}
	content = stripDowngradedToolCallText(content)
	content = stripReasoningTags(content)
	content = stripFinalTags(content)
	content = stripEchoedSystemPrompt(content)
	content = collapseConsecutiveDuplicateBlocks(content)
	content = stripLeadingBlankLines(content)
	content = strings.TrimSpace(content)

	if content != original {
		slog.Debug("sanitized assistant content", "original_len", len(original), "cleaned_len", len(content))
	}
	return content
}

// --- leaked tool-call XML ---

// leakedToolCallXMLPattern matches XML-ish tool-call syntax some providers
// emit as plain text content instead of a structured tool call, usually
// when a downstream proxy or a smaller model mishandles the tool-calling
// wire format.
var leakedToolCallXMLPattern = regexp.MustCompile(
	`(?s)</?(?:function_calls?|functioninvoke|invoke|invfunction_calls|tool_call|tool_use|parameter)[^>]*>`,
)

var leakedToolCallXMLIndicators = []string{
	"invfunction_calls",
	"functioninvoke",
	"<parameter name=",
	"</parameter",
	"<function_call",
	"<tool_call",
	"<tool_use",
}

func stripLeakedToolCallXML(content string) string {
	lower := strings.ToLower(content)
	indicated := false
	for _, ind := range leakedToolCallXMLIndicators {
		if strings.Contains(lower, strings.ToLower(ind)) {
			indicated = true
			break
		}
	}
	if !indicated {
		return content
	}

	cleaned := strings.TrimSpace(leakedToolCallXMLPattern.ReplaceAllString(content, ""))
	if cleaned != "" {
		slog.Warn("stripped leaked tool-call xml from assistant reply", "original_len", len(content), "remaining_len", len(cleaned))
		return cleaned
	}
	slog.Warn("stripped entire reply as leaked tool-call xml", "original_len", len(content))
	return cleaned
}

// --- downgraded tool-call text ---

// stripDowngradedToolCallText removes "[Tool Call: ...]" / "[Tool Result
// ...]" / "[Historical context: ...]" blocks a provider sometimes narrates
// in text instead of issuing as a real tool call or letting the dispatcher
// report the result. Line-scanned because Go's regexp has no lookahead.
func stripDowngradedToolCallText(content string) string {
	if !strings.Contains(content, "[Tool Call:") &&
		!strings.Contains(content, "[Tool Result") &&
		!strings.Contains(content, "[Historical context:") {
		return content
	}

	lines := strings.Split(content, "\n")
	var result []string
	skipping := false

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "[Tool Call:") ||
			strings.HasPrefix(trimmed, "[Tool Result") ||
			strings.HasPrefix(trimmed, "[Historical context:") {
			skipping = true
			continue
		}

		if skipping {
			// Arguments JSON and tool output are typically indented or empty.
			if trimmed == "" || strings.HasPrefix(trimmed, "Arguments:") ||
				strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "}") {
				continue
			}
			skipping = false
		}

		result = append(result, line)
	}

	return strings.TrimSpace(strings.Join(result, "\n"))
}

// --- reasoning tags ---

// reasoningTagPatterns strips inline <think>/<thinking>/<thought> blocks a
// provider occasionally emits as visible text instead of a separate
// thinking channel (see ChatResponse.Thinking, which is how a well-behaved
// provider surfaces this instead). No backreferences in Go's regexp, so
// each tag gets its own pattern.
var reasoningTagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)<thought>.*?</thought>`),
}

func stripReasoningTags(content string) string {
	lower := strings.ToLower(content)
	if !strings.Contains(lower, "<think") && !strings.Contains(lower, "<thought") {
		return content
	}
	result := content
	for _, pat := range reasoningTagPatterns {
		result = pat.ReplaceAllString(result, "")
	}
	return strings.TrimSpace(result)
}

// --- <final> tags ---

// stripFinalTags removes <final>/</final> wrapper tags some prompting
// styles ask the model to emit around its user-facing reply, keeping the
// text inside.
var finalTagPattern = regexp.MustCompile(`(?i)<\s*/?\s*final\s*>`)

func stripFinalTags(content string) string {
	if !strings.Contains(strings.ToLower(content), "final") {
		return content
	}
	return finalTagPattern.ReplaceAllString(content, "")
}

// --- echoed system prompt ---

// stripEchoedSystemPrompt removes "[System Message] ..." blocks a model
// occasionally hallucinates or echoes back from its own context window.
// Line-scanned because Go's regexp has no lookahead.
func stripEchoedSystemPrompt(content string) string {
	if !strings.Contains(content, "[System Message]") {
		return content
	}

	lines := strings.Split(content, "\n")
	var result []string
	skipping := false

	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "[System Message]") {
			skipping = true
			continue
		}
		if skipping {
			if strings.TrimSpace(line) == "" {
				skipping = false
			}
			continue
		}
		result = append(result, line)
	}

	cleaned := strings.TrimSpace(strings.Join(result, "\n"))
	if cleaned != strings.TrimSpace(content) {
		slog.Warn("stripped echoed system prompt from assistant reply", "original_len", len(content), "cleaned_len", len(cleaned))
	}
	return cleaned
}

// --- duplicate blocks ---

// collapseConsecutiveDuplicateBlocks removes a paragraph that immediately
// repeats the one before it, a pattern seen when a provider's retry/resume
// logic replays part of the previous chunk.
func collapseConsecutiveDuplicateBlocks(content string) string {
	blocks := strings.Split(content, "\n\n")
	if len(blocks) <= 1 {
		return content
	}

	var result []string
	for _, block := range blocks {
		trimmed := strings.TrimSpace(block)
		if trimmed == "" {
			continue
		}
		if len(result) > 0 && trimmed == strings.TrimSpace(result[len(result)-1]) {
			continue
		}
		result = append(result, block)
	}

	collapsed := strings.Join(result, "\n\n")
	if collapsed != content {
		slog.Debug("collapsed duplicate blocks", "original_blocks", len(blocks), "result_blocks", len(result))
	}
	return collapsed
}

// --- leading blank lines ---

var leadingBlankLinesPattern = regexp.MustCompile(`^(?:[ \t]*\r?\n)+`)

func stripLeadingBlankLines(content string) string {
	return leadingBlankLinesPattern.ReplaceAllString(content, "")
}

// --- silent-reply convention ---

// IsSilentReply reports whether text is (or is wrapped around) the
// NO_REPLY token an agent can emit to end a turn without sending anything
// visible — e.g. a scheduled check-in that decides there's nothing to
// report (spec §4.6 digest suppression).
func IsSilentReply(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	const token = "NO_REPLY"
	if trimmed == token {
		return true
	}
	if strings.HasPrefix(trimmed, token) {
		rest := trimmed[len(token):]
		if rest == "" || !isWordChar(rune(rest[0])) {
			return true
		}
	}
	if strings.HasSuffix(trimmed, token) {
		before := trimmed[:len(trimmed)-len(token)]
		if before == "" || !isWordChar(rune(before[len(before)-1])) {
			return true
		}
	}
	return false
}

func isWordChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
}
