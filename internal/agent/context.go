package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/serialagent/internal/bootstrap"
	"github.com/nextlevelbuilder/serialagent/internal/providers"
)

// contextCaps bounds each context-assembly section and the whole prompt,
// truncating the newer end of the transcript window first (spec §4.3 step
// 1: "truncate newer-end of transcript window first").
type contextCaps struct {
	SystemPromptChars int
	BootstrapChars    int
	SkillsChars       int
	FactsChars        int
	TotalChars        int
}

func defaultContextCaps() contextCaps {
	return contextCaps{
		SystemPromptChars: 8_000,
		BootstrapChars:    16_000,
		SkillsChars:       4_000,
		FactsChars:        4_000,
		TotalChars:        120_000,
	}
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "\n[truncated]"
}

// buildSkillsIndex lists markdown files under workspace/skills as a short
// index (spec §4.3 step 1: "skills index"), grounded on the workspace
// bootstrap-file convention used for AGENTS.md et al.
func buildSkillsIndex(workspace string) string {
	if workspace == "" {
		return ""
	}
	dir := filepath.Join(workspace, "skills")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".md"))
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	return "Available skills: " + strings.Join(names, ", ")
}

// assembleContext builds the message list for one LLM call in the order
// spec §4.3 step 1 requires: system prompt, workspace bootstrap files (on
// the session's first turn only), skills index, user facts, recent
// transcript window, the new user message.
func (e *Engine) assembleContext(ctx context.Context, agentID, workspace, peerID, userMessage string, isFirstTurn bool, history []providers.Message, summary string, caps contextCaps) []providers.Message {
	var sections []string
	sections = append(sections, truncate(e.systemPromptFor(agentID), caps.SystemPromptChars))

	if isFirstTurn && workspace != "" {
		if _, err := bootstrap.EnsureWorkspaceFiles(workspace); err == nil {
			files := bootstrap.LoadWorkspaceContext(workspace)
			var sb strings.Builder
			for _, f := range files {
				fmt.Fprintf(&sb, "## %s\n%s\n\n", f.Name, f.Content)
			}
			sections = append(sections, truncate(sb.String(), caps.BootstrapChars))
		}
	}

	if idx := buildSkillsIndex(workspace); idx != "" {
		sections = append(sections, truncate(idx, caps.SkillsChars))
	}

	if facts := e.factsSectionFor(ctx, agentID, peerID, userMessage); facts != "" {
		sections = append(sections, truncate(facts, caps.FactsChars))
	}

	systemPrompt := strings.Join(sections, "\n\n")
	if len(systemPrompt) > caps.TotalChars {
		systemPrompt = systemPrompt[:caps.TotalChars]
	}

	var messages []providers.Message
	messages = append(messages, providers.Message{Role: "system", Content: systemPrompt})

	if summary != "" {
		messages = append(messages, providers.Message{
			Role:    "user",
			Content: "[Previous conversation summary]\n" + summary,
		})
		messages = append(messages, providers.Message{
			Role:    "assistant",
			Content: "Understood — continuing from that context.",
		})
	}

	window := e.fitTranscriptWindow(history, caps.TotalChars-len(systemPrompt))
	messages = append(messages, window...)
	messages = append(messages, providers.Message{Role: "user", Content: userMessage})
	return messages
}

// fitTranscriptWindow drops the newest messages first once the remaining
// char budget is exhausted (spec §4.3 step 1), keeping the oldest context
// (closer to any compacted summary) intact.
func (e *Engine) fitTranscriptWindow(history []providers.Message, budget int) []providers.Message {
	if budget <= 0 {
		return nil
	}
	total := 0
	cut := 0
	for i := 0; i < len(history); i++ {
		total += len(history[i].Content)
		if total > budget {
			break
		}
		cut = i + 1
	}
	return history[:cut]
}

func (e *Engine) systemPromptFor(agentID string) string {
	resolved := e.Config.ResolveAgent(agentID)
	if resolved.SystemPrompt != "" {
		return resolved.SystemPrompt
	}
	return fmt.Sprintf("You are %s, an agent running on the SerialAgent gateway.", agentID)
}

// factsSectionFor fetches user facts from the Memory Client, degrading to
// an empty section when unreachable (spec §4.3 step 1, §4.8); runTurn
// emits the caller-visible warning event when the client is disconnected.
func (e *Engine) factsSectionFor(ctx context.Context, agentID, peerID, query string) string {
	resolved := e.Config.ResolveAgent(agentID)
	if resolved.MemoryMode == "off" || e.Memory == nil {
		return ""
	}
	facts, ok := e.Memory.Search(ctx, peerID, query, 10)
	if !ok {
		return ""
	}
	if len(facts) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Known facts about this user:\n")
	for _, f := range facts {
		fmt.Fprintf(&sb, "- %s: %s\n", f.Key, f.Value)
	}
	return sb.String()
}
