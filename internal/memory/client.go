// Package memory implements the Memory Client (spec §4.8): a thin RPC
// client treating the remote memory service as a single MCP tool server
// exposing memory.search / memory.get / memory.ingest, grounded on the
// teacher's internal/mcp connect/reconnect/backoff manager.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

const (
	healthCheckInterval  = 30 * time.Second
	initialBackoff       = 2 * time.Second
	maxBackoff           = 60 * time.Second
	maxReconnectAttempts = 10
)

// Mode is the per-agent memory_mode (spec §9 Open Question, resolved in
// SPEC_FULL.md §4.8): off skips fetch and auto-capture; read_only fetches
// facts but skips auto-capture; read_write does both.
type Mode string

const (
	ModeOff       Mode = "off"
	ModeReadOnly  Mode = "read_only"
	ModeReadWrite Mode = "read_write"
)

// Fact is one retrieved memory fact (spec §4.3 step 1: "user facts").
type Fact struct {
	Key     string `json:"key"`
	Value   string `json:"value"`
	Source  string `json:"source,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

// Client is the gateway-process-wide handle to the remote memory service.
// One underlying MCP connection is shared across all sessions/agents.
type Client struct {
	endpoint   string
	timeout    time.Duration

	mu        sync.RWMutex
	mcpClient *mcpclient.Client
	connected atomic.Bool

	reconnMu       sync.Mutex
	reconnAttempts int
}

// New constructs a Client for a streamable-HTTP MCP endpoint and begins
// connecting in the background. A nil/empty endpoint yields a Client that
// always reports degraded mode (spec §4.8: "On unreachable memory
// service, context assembly proceeds in degraded mode").
func New(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := &Client{endpoint: endpoint, timeout: timeout}
	if endpoint != "" {
		go c.connectLoop(context.Background())
	}
	return c
}

// Connected reports whether the underlying MCP session is currently up.
func (c *Client) Connected() bool { return c.connected.Load() }

func (c *Client) connectLoop(ctx context.Context) {
	if err := c.connect(ctx); err != nil {
		slog.Warn("memory.connect_failed", "endpoint", c.endpoint, "err", err)
		c.scheduleReconnect(ctx)
		return
	}
	go c.healthLoop(ctx)
}

func (c *Client) connect(ctx context.Context) error {
	client, err := mcpclient.NewStreamableHttpClient(c.endpoint)
	if err != nil {
		return fmt.Errorf("create mcp client: %w", err)
	}
	if err := client.Start(ctx); err != nil {
		_ = client.Close()
		return fmt.Errorf("start transport: %w", err)
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "serialagent", Version: "1.0.0"}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	c.mu.Lock()
	c.mcpClient = client
	c.mu.Unlock()
	c.connected.Store(true)
	c.reconnMu.Lock()
	c.reconnAttempts = 0
	c.reconnMu.Unlock()
	slog.Info("memory.connected", "endpoint", c.endpoint)
	return nil
}

func (c *Client) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.RLock()
			mc := c.mcpClient
			c.mu.RUnlock()
			if mc == nil {
				continue
			}
			if err := mc.Ping(ctx); err != nil {
				c.connected.Store(false)
				slog.Warn("memory.health_failed", "err", err)
				c.scheduleReconnect(ctx)
				return
			}
		}
	}
}

func (c *Client) scheduleReconnect(ctx context.Context) {
	c.reconnMu.Lock()
	if c.reconnAttempts >= maxReconnectAttempts {
		c.reconnMu.Unlock()
		slog.Error("memory.reconnect_exhausted", "endpoint", c.endpoint)
		return
	}
	c.reconnAttempts++
	attempt := c.reconnAttempts
	c.reconnMu.Unlock()

	backoff := initialBackoff * time.Duration(1<<(attempt-1))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	slog.Info("memory.reconnecting", "attempt", attempt, "backoff", backoff)

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if err := c.connect(ctx); err != nil {
			c.scheduleReconnect(ctx)
			return
		}
		go c.healthLoop(ctx)
	}()
}

func (c *Client) callTool(ctx context.Context, name string, args map[string]any) (*mcpgo.CallToolResult, error) {
	c.mu.RLock()
	mc := c.mcpClient
	c.mu.RUnlock()
	if mc == nil || !c.connected.Load() {
		return nil, fmt.Errorf("memory service unreachable")
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return mc.CallTool(callCtx, req)
}

// Search fetches facts relevant to query for context assembly (spec §4.3
// step 1). Returns (nil, false) in degraded mode rather than an error, so
// callers can proceed with an empty facts section plus a warning event.
func (c *Client) Search(ctx context.Context, peerID, query string, limit int) ([]Fact, bool) {
	res, err := c.callTool(ctx, "memory.search", map[string]any{
		"peer_id": peerID,
		"query":   query,
		"limit":   limit,
	})
	if err != nil {
		return nil, false
	}
	return parseFacts(res), true
}

// Get fetches a single fact by key.
func (c *Client) Get(ctx context.Context, peerID, key string) (Fact, bool) {
	res, err := c.callTool(ctx, "memory.get", map[string]any{"peer_id": peerID, "key": key})
	if err != nil {
		return Fact{}, false
	}
	facts := parseFacts(res)
	if len(facts) == 0 {
		return Fact{}, false
	}
	return facts[0], true
}

// Ingest auto-captures a significant turn (spec §4.3 step 6) with ttlSec
// as the suggested retention hint. Failures are swallowed by the caller
// (this call is "background, non-blocking"); Ingest itself just reports.
func (c *Client) Ingest(ctx context.Context, peerID, content string, ttlSec int) error {
	_, err := c.callTool(ctx, "memory.ingest", map[string]any{
		"peer_id": peerID,
		"content": content,
		"ttl_sec": ttlSec,
	})
	return err
}

func parseFacts(res *mcpgo.CallToolResult) []Fact {
	if res == nil {
		return nil
	}
	var facts []Fact
	for _, content := range res.Content {
		tc, ok := content.(mcpgo.TextContent)
		if !ok {
			continue
		}
		var one Fact
		if err := json.Unmarshal([]byte(tc.Text), &one); err == nil && one.Value != "" {
			facts = append(facts, one)
			continue
		}
		var many []Fact
		if err := json.Unmarshal([]byte(tc.Text), &many); err == nil {
			facts = append(facts, many...)
		}
	}
	return facts
}
