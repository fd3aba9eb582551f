package agent

import (
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/nextlevelbuilder/serialagent/internal/bus"
)

// SplitReply implements spec §4.3 reply splitting: when delivery_caps.
// max_reply_chars is set and the final text exceeds it, split at
// paragraph → sentence → word boundary, one send.message action per
// chunk with reply_to_message_id set on the first only, optionally
// preceded by a send.typing action. Exported for the HTTP/SSE adapter,
// which turns a turn's final text into the outbound actions list (spec §6).
func SplitReply(text string, caps bus.DeliveryCaps, chatID, threadID, replyTo, format string) []bus.Action {
	return splitReply(text, caps, chatID, threadID, replyTo, format)
}

func splitReply(text string, caps bus.DeliveryCaps, chatID, threadID, replyTo, format string) []bus.Action {
	var actions []bus.Action
	if caps.SupportsTyping {
		actions = append(actions, bus.TypingAction(chatID, 3000))
	}

	if caps.MaxReplyChars <= 0 || displayWidth(text) <= caps.MaxReplyChars {
		actions = append(actions, bus.MessageAction(chatID, threadID, replyTo, text, format))
		return actions
	}

	chunks := chunkText(text, caps.MaxReplyChars)
	for i, chunk := range chunks {
		rt := ""
		if i == 0 {
			rt = replyTo
		}
		actions = append(actions, bus.MessageAction(chatID, threadID, rt, chunk, format))
	}
	return actions
}

// displayWidth measures rendered width rather than byte/rune count, so
// wide characters (CJK, emoji) count against the cap the way a real
// chat client would wrap them.
func displayWidth(s string) int {
	return runewidth.StringWidth(s)
}

// chunkText splits text into pieces no wider than max, preferring to break
// at a paragraph boundary, then a sentence boundary, then a word boundary,
// falling back to a hard rune-width cut only as a last resort.
func chunkText(text string, max int) []string {
	var chunks []string
	remaining := text
	for displayWidth(remaining) > max {
		cut := findBreak(remaining, max)
		if cut <= 0 {
			cut = hardCut(remaining, max)
		}
		chunks = append(chunks, strings.TrimRight(remaining[:cut], "\n "))
		remaining = strings.TrimLeft(remaining[cut:], "\n ")
	}
	if remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

// findBreak looks for the last paragraph break, else sentence break, else
// word break at or before the width budget.
func findBreak(s string, max int) int {
	limit := byteOffsetForWidth(s, max)
	if limit <= 0 {
		return 0
	}
	window := s[:limit]

	if i := strings.LastIndex(window, "\n\n"); i > 0 {
		return i + 2
	}
	if i := lastSentenceBreak(window); i > 0 {
		return i
	}
	if i := strings.LastIndexAny(window, " \n\t"); i > 0 {
		return i + 1
	}
	return 0
}

func lastSentenceBreak(s string) int {
	best := -1
	for _, sep := range []string{". ", "! ", "? ", ".\n", "!\n", "?\n"} {
		if i := strings.LastIndex(s, sep); i >= 0 && i+len(sep) > best {
			best = i + len(sep)
		}
	}
	return best
}

// byteOffsetForWidth returns the byte index at which s's display width
// first reaches target, walking rune-by-rune since width is not 1:1 with
// byte count for multi-byte runes.
func byteOffsetForWidth(s string, target int) int {
	width := 0
	for i, r := range s {
		w := runewidth.RuneWidth(r)
		if width+w > target {
			return i
		}
		width += w
	}
	return len(s)
}

// hardCut forces a cut at the width budget when no natural boundary exists
// (e.g. one extremely long unbroken token).
func hardCut(s string, max int) int {
	off := byteOffsetForWidth(s, max)
	if off <= 0 {
		return len(s)
	}
	return off
}
