// Package node implements the Node Router (spec §4.4): a WebSocket server
// that accepts node connections, tracks their capabilities, and dispatches
// tool requests to them with request/response correlation.
package node

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Record is the spec §3 Node Record.
type Record struct {
	NodeID       string
	NodeType     string
	Name         string
	Version      string
	Tags         []string
	Capabilities []string
	SessionID    string
	ConnectedAt  time.Time
	LastSeen     time.Time
}

// capabilityIndex maps a dotted capability prefix to the set of node IDs
// currently advertising it, plus the node records themselves (spec §3,
// §4.4: "map<prefix, set<node_id>> plus map<node_id, NodeRecord>").
// Reads are lock-free-ish: a short-held RWMutex, writers rare (connect/
// disconnect/re-handshake per spec §5).
type capabilityIndex struct {
	mu      sync.RWMutex
	byPrefix map[string][]string // prefix -> node IDs, in registration order
	nodes    map[string]*Record
	order    map[string]int64 // node id -> monotonic registration sequence
	seq      int64
}

func newCapabilityIndex() *capabilityIndex {
	return &capabilityIndex{
		byPrefix: make(map[string][]string),
		nodes:    make(map[string]*Record),
		order:    make(map[string]int64),
	}
}

// register atomically adds/replaces a node's capability entries (spec
// §4.4: "Updated atomically on connect, disconnect, and re-handshake").
func (c *capabilityIndex) register(rec *Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(rec.NodeID)

	c.seq++
	c.order[rec.NodeID] = c.seq
	c.nodes[rec.NodeID] = rec
	for _, cap := range rec.Capabilities {
		c.byPrefix[cap] = append(c.byPrefix[cap], rec.NodeID)
	}
}

func (c *capabilityIndex) unregister(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(nodeID)
}

func (c *capabilityIndex) removeLocked(nodeID string) {
	rec, ok := c.nodes[nodeID]
	if !ok {
		return
	}
	for _, cap := range rec.Capabilities {
		ids := c.byPrefix[cap]
		out := ids[:0]
		for _, id := range ids {
			if id != nodeID {
				out = append(out, id)
			}
		}
		if len(out) == 0 {
			delete(c.byPrefix, cap)
		} else {
			c.byPrefix[cap] = out
		}
	}
	delete(c.nodes, nodeID)
	delete(c.order, nodeID)
}

func (c *capabilityIndex) touch(nodeID string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.nodes[nodeID]; ok {
		rec.LastSeen = at
	}
}

// resolve finds the node best matching toolName by longest dotted-prefix
// match against registered capabilities, ties broken by most-recently-
// registered (spec §4.4: "Ties broken by most-recently-registered").
func (c *capabilityIndex) resolve(toolName string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	segments := strings.Split(toolName, ".")
	for end := len(segments); end > 0; end-- {
		prefix := strings.Join(segments[:end], ".")
		ids := c.byPrefix[prefix]
		if len(ids) == 0 {
			continue
		}
		best := ids[0]
		for _, id := range ids[1:] {
			if c.order[id] > c.order[best] {
				best = id
			}
		}
		return best, true
	}
	return "", false
}

func (c *capabilityIndex) get(nodeID string) (*Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.nodes[nodeID]
	return rec, ok
}

func (c *capabilityIndex) list() []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Record, 0, len(c.nodes))
	for _, rec := range c.nodes {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// ValidateCapability enforces spec §4.4 HANDSHAKE: "lowercase, dotted, no
// empties/whitespace".
func ValidateCapability(cap string) bool {
	if cap == "" || cap != strings.ToLower(cap) {
		return false
	}
	if strings.ContainsAny(cap, " \t\n") {
		return false
	}
	for _, seg := range strings.Split(cap, ".") {
		if seg == "" {
			return false
		}
	}
	return true
}
