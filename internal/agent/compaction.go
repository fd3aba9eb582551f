package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/serialagent/internal/config"
	"github.com/nextlevelbuilder/serialagent/internal/providers"
	"github.com/nextlevelbuilder/serialagent/internal/sessions"
)

// estimateTokens is a rough chars/4 heuristic, matching the teacher's
// calibration fallback. maybeCompact always uses it; the session's
// recorded token counters are not consulted.
func estimateTokens(msgs []providers.Message) int {
	total := 0
	for _, m := range msgs {
		total += len(m.Content)
	}
	return total / 4
}

// maybeCompact implements spec §4.3 step 5: after a turn, if compaction is
// enabled and the estimated token size of the history exceeds threshold
// (estimateTokens), summarize the window
// via the summarizer role and replace it with {summary, recent_k_entries}.
// Does not compact across a reset (the caller only invokes this once per
// completed turn, never mid-reset).
func (e *Engine) maybeCompact(ctx context.Context, sess *sessions.Session, cfg config.CompactionConfig) {
	if !cfg.Enabled {
		return
	}
	history := sess.History()
	threshold := cfg.ThresholdTokens
	if threshold <= 0 {
		threshold = 100_000
	}
	if estimateTokens(history) <= threshold {
		return
	}
	keepLastK := cfg.KeepLastK
	if keepLastK <= 0 {
		keepLastK = 6
	}
	if len(history) <= keepLastK {
		return
	}

	toSummarize := history[:len(history)-keepLastK]
	recent := append([]providers.Message(nil), history[len(history)-keepLastK:]...)

	var sb strings.Builder
	for _, m := range toSummarize {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}

	sctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	resp, _, err := e.Router.StreamChat(sctx, string(providers.RoleSummarizer), providers.ChatRequest{
		Messages: []providers.Message{{
			Role:    "user",
			Content: "Summarize this conversation concisely, preserving facts and open threads:\n\n" + sb.String(),
		}},
		Options: map[string]interface{}{"max_tokens": 1024, "temperature": 0.3},
	}, nil)
	if err != nil {
		slog.Warn("compaction summarize failed", "session", sess.Key, "err", err)
		return
	}

	sess.ReplaceWindow(resp.Content, recent)
}
