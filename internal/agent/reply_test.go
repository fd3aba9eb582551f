package agent

import (
	"strings"
	"testing"

	"github.com/nextlevelbuilder/serialagent/internal/bus"
	"github.com/nextlevelbuilder/serialagent/internal/providers"
)

func TestSplitReplyUnderCapIsSingleAction(t *testing.T) {
	caps := bus.DeliveryCaps{MaxReplyChars: 100}
	actions := splitReply("short reply", caps, "chat1", "", "msg1", "markdown")
	if len(actions) != 1 {
		t.Fatalf("expected 1 action, got %d", len(actions))
	}
	if actions[0].ReplyToMessageID != "msg1" {
		t.Fatalf("expected reply_to_message_id set on single chunk")
	}
}

func TestSplitReplyOverCapSplitsAtParagraph(t *testing.T) {
	caps := bus.DeliveryCaps{MaxReplyChars: 20}
	text := strings.Repeat("a", 15) + "\n\n" + strings.Repeat("b", 15)
	actions := splitReply(text, caps, "chat1", "", "msg1", "plain")
	if len(actions) < 2 {
		t.Fatalf("expected split into multiple actions, got %d", len(actions))
	}
	if actions[0].ReplyToMessageID != "msg1" {
		t.Fatal("expected reply_to_message_id only on first chunk")
	}
	for _, a := range actions[1:] {
		if a.ReplyToMessageID != "" {
			t.Fatal("expected reply_to_message_id empty on subsequent chunks")
		}
	}
}

func TestSplitReplyPrependsTyping(t *testing.T) {
	caps := bus.DeliveryCaps{MaxReplyChars: 100, SupportsTyping: true}
	actions := splitReply("hi", caps, "chat1", "", "", "plain")
	if len(actions) != 2 || actions[0].Type != "send.typing" {
		t.Fatalf("expected a typing action before the message, got %+v", actions)
	}
}

func TestEstimateTokens(t *testing.T) {
	msgs := []providers.Message{{Content: "abcd"}, {Content: "efghijkl"}}
	if got := estimateTokens(msgs); got != 3 {
		t.Fatalf("expected 12 chars / 4 = 3 tokens, got %d", got)
	}
}
