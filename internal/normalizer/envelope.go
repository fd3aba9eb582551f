// Package normalizer validates and canonicalizes inbound envelopes into
// TurnRequests, and deduplicates repeated deliveries (spec §4.1).
package normalizer

import (
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/serialagent/internal/bus"
)

// InvalidArgsError carries the offending field path (spec §4.1, error kind
// invalid_args) so the HTTP adapter can surface a 400 with field detail.
type InvalidArgsError struct {
	Field   string
	Message string
}

func (e *InvalidArgsError) Error() string {
	return fmt.Sprintf("invalid_args: %s: %s", e.Field, e.Message)
}

// IdentityLinks is a static raw-to-canonical peer ID map (Design Note:
// "a pure function" resolver over a static table).
type IdentityLinks map[string]string

// Resolve returns the canonical peer id for raw, or raw itself if unmapped.
func (l IdentityLinks) Resolve(channel, raw string) string {
	if canon, ok := l[channel+":"+raw]; ok {
		return canon
	}
	return raw
}

// Normalizer validates raw envelopes and produces canonical TurnRequests.
type Normalizer struct {
	identity IdentityLinks
	dedup    DedupStore
}

// New constructs a Normalizer with the given identity-link table and dedup
// TTL/capacity (spec §4.1: "in-memory, time-bucketed, fixed-capacity with
// LRU eviction; TTL default 10 minutes"), backed by the in-memory LRU.
func New(identity IdentityLinks, dedupTTL time.Duration, dedupCapacity int) *Normalizer {
	return &Normalizer{
		identity: identity,
		dedup:    NewDedupCache(dedupCapacity, dedupTTL),
	}
}

// NewWithStore constructs a Normalizer against an arbitrary DedupStore,
// e.g. a RedisDedupStore shared across gateway replicas.
func NewWithStore(identity IdentityLinks, store DedupStore) *Normalizer {
	return &Normalizer{identity: identity, dedup: store}
}

// Normalize validates env and returns the canonical TurnRequest, or an
// *InvalidArgsError. agentID is resolved by the caller (HTTP route or
// channel binding) before normalization, per spec §3.
func (n *Normalizer) Normalize(env bus.InboundEnvelope, agentID string) (bus.TurnRequest, error) {
	if env.Channel == "" {
		return bus.TurnRequest{}, &InvalidArgsError{Field: "channel", Message: "required"}
	}
	if env.PeerID == "" {
		return bus.TurnRequest{}, &InvalidArgsError{Field: "peer_id", Message: "required"}
	}
	if env.ChatType == "" {
		return bus.TurnRequest{}, &InvalidArgsError{Field: "chat_type", Message: "required"}
	}
	if env.ChatType != bus.ChatDirect && env.ChatID == "" {
		return bus.TurnRequest{}, &InvalidArgsError{Field: "chat_id", Message: "required when chat_type != direct"}
	}

	channel := strings.ToLower(env.Channel)
	accountID := strings.ToLower(env.AccountID)

	peerID := env.PeerID
	if !strings.Contains(peerID, ":") {
		peerID = channel + ":" + peerID
	}
	peerID = n.identity.Resolve(channel, peerID)

	req := bus.TurnRequest{
		EnvelopeVersion: max(env.V, 1),
		Channel:         channel,
		AccountID:       accountID,
		PeerID:          peerID,
		ChatType:        env.ChatType,
		ChatID:          env.ChatID,
		GroupID:         env.GroupID,
		ThreadID:        env.ThreadID,
		Text:            env.Text,
		EventID:         env.EventID,
		ReplyTo:         env.ReplyToMessageID,
		Mentions:        env.Mentions,
		DeliveryCaps:    env.Delivery,
		Trace:           env.Trace,
		AgentID:         agentID,
	}
	return req, nil
}

// CheckDedup reports whether eventID was seen within the TTL window. When
// deduped, the caller must short-circuit per spec §4.1 without invoking
// the turn engine, or appending to the transcript.
func (n *Normalizer) CheckDedup(eventID string) (deduped bool) {
	if eventID == "" {
		return false
	}
	return n.dedup.SeenOrMark(eventID)
}
