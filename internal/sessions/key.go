// Package sessions implements the Session Registry: deterministic session
// keys, per-session turn leases, and lifecycle rules (spec §4.2).
//
// Session keys follow the templates in spec §4.2:
//
//	DM, dm_scope=main:                     agent:{A}:main
//	DM, dm_scope=per_peer:                 agent:{A}:dm:{P}
//	DM, dm_scope=per_channel_peer (default): agent:{A}:{C}:dm:{P}
//	DM, dm_scope=per_account_channel_peer:  agent:{A}:{C}:{Acc}:dm:{P}
//	Non-DM:                                 agent:{A}:{C}:group:[{G}:]{Chat}[:thread:{T}]
package sessions

import (
	"fmt"
	"strings"
)

// PeerKind distinguishes direct messages from group/channel conversations.
type PeerKind string

const (
	PeerDirect PeerKind = "direct"
	PeerGroup  PeerKind = "group"
)

// DMScope selects which DM key template applies (spec §4.2 table).
type DMScope string

const (
	DMScopeMain                 DMScope = "main"
	DMScopePerPeer              DMScope = "per_peer"
	DMScopePerChannelPeer       DMScope = "per_channel_peer"
	DMScopePerAccountChannelPeer DMScope = "per_account_channel_peer"
)

// KeyInput carries every field the session key may depend on, independent
// of field insertion order (spec invariant 2: key determinism).
type KeyInput struct {
	AgentID   string
	DMScope   DMScope
	Channel   string
	AccountID string
	PeerID    string // canonical peer id, after identity-link resolution
	ChatID    string
	GroupID   string
	ThreadID  string
	Kind      PeerKind
}

// BuildSessionKey computes the deterministic session key for input (spec §4.2).
func BuildSessionKey(in KeyInput) string {
	if in.Kind == PeerGroup {
		return buildGroupKey(in)
	}
	return buildDMKey(in)
}

func buildDMKey(in KeyInput) string {
	scope := in.DMScope
	if scope == "" {
		scope = DMScopePerChannelPeer
	}
	switch scope {
	case DMScopeMain:
		return fmt.Sprintf("agent:%s:main", in.AgentID)
	case DMScopePerPeer:
		return fmt.Sprintf("agent:%s:dm:%s", in.AgentID, in.PeerID)
	case DMScopePerAccountChannelPeer:
		return fmt.Sprintf("agent:%s:%s:%s:dm:%s", in.AgentID, in.Channel, in.AccountID, in.PeerID)
	default: // per_channel_peer
		return fmt.Sprintf("agent:%s:%s:dm:%s", in.AgentID, in.Channel, in.PeerID)
	}
}

func buildGroupKey(in KeyInput) string {
	chat := in.ChatID
	if in.GroupID != "" {
		chat = in.GroupID + ":" + chat
	}
	key := fmt.Sprintf("agent:%s:%s:group:%s", in.AgentID, in.Channel, chat)
	if in.ThreadID != "" {
		key += ":thread:" + in.ThreadID
	}
	return key
}

// BuildCronSessionKey builds the session key for a scheduled run, guarding
// against double-prefixing if jobID is itself already a canonical key.
func BuildCronSessionKey(agentID, jobID, runID string) string {
	if _, rest := ParseSessionKey(jobID); rest != "" {
		jobID = rest
	}
	return fmt.Sprintf("agent:%s:cron:%s:run:%s", agentID, jobID, runID)
}

// ParseSessionKey extracts the agentID and rest from a canonical session key.
func ParseSessionKey(key string) (agentID, rest string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return "", ""
	}
	return parts[1], parts[2]
}

// IsCronSession reports whether a session key denotes a scheduled run.
func IsCronSession(key string) bool {
	_, rest := ParseSessionKey(key)
	return strings.HasPrefix(strings.ToLower(rest), "cron:")
}

// PeerKindFromChatType maps whether a chat is direct to a PeerKind.
func PeerKindFromChatType(direct bool) PeerKind {
	if direct {
		return PeerDirect
	}
	return PeerGroup
}
