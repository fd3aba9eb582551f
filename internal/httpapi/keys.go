package httpapi

import (
	"github.com/nextlevelbuilder/serialagent/internal/bus"
	"github.com/nextlevelbuilder/serialagent/internal/config"
	"github.com/nextlevelbuilder/serialagent/internal/sessions"
)

// sessionKeyFor builds the canonical session key for a normalized channel
// turn (spec §4.2), pulling dm_scope from the resolved agent's config.
func sessionKeyFor(cfg *config.Config, req bus.TurnRequest) string {
	resolved := cfg.ResolveAgent(req.AgentID)
	kind := sessions.PeerKindFromChatType(req.ChatType == bus.ChatDirect)
	return sessions.BuildSessionKey(sessions.KeyInput{
		AgentID:   req.AgentID,
		DMScope:   sessions.DMScope(resolved.DMScope),
		Channel:   req.Channel,
		AccountID: req.AccountID,
		PeerID:    req.PeerID,
		ChatID:    req.ChatID,
		GroupID:   req.GroupID,
		ThreadID:  req.ThreadID,
		Kind:      kind,
	})
}

// sessionKeyForDirect builds the session key for the API-direct /v1/chat
// endpoints, which bypass channel-envelope normalization and always address
// a single peer (spec §6: "agent_id, peer_id ... bypassing channel
// normalization").
func sessionKeyForDirect(cfg *config.Config, agentID, peerID, chatID string) string {
	resolved := cfg.ResolveAgent(agentID)
	return sessions.BuildSessionKey(sessions.KeyInput{
		AgentID:  agentID,
		DMScope:  sessions.DMScope(resolved.DMScope),
		Channel:  "api",
		PeerID:   peerID,
		ChatID:   chatID,
		Kind:     sessions.PeerDirect,
	})
}
