package node

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/serialagent/internal/tools"
	"github.com/nextlevelbuilder/serialagent/pkg/protocol"
)

// state is the node connection's position in the spec §4.4 state machine:
//
//	[CONNECT] → [AUTH] → [HANDSHAKE] → [READY] ⇄ [DRAINING] → [CLOSED]
type state int

const (
	stateConnect state = iota
	stateAuth
	stateHandshake
	stateReady
	stateDraining
	stateClosed
)

// conn owns one node's WebSocket connection: the write half (spec §3:
// "Node Router owns ... the WebSocket write half"), its in-flight tool
// request map, and heartbeat bookkeeping.
type conn struct {
	nodeID string
	ws     *websocket.Conn
	router *Router

	writeMu sync.Mutex // serializes concurrent writes to the socket

	mu        sync.Mutex
	state     state
	missedPongs int

	inflightMu sync.Mutex
	inflight   map[string]chan protocol.ToolResponseFrame

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(ws *websocket.Conn, r *Router) *conn {
	return &conn{
		ws:       ws,
		router:   r,
		state:    stateConnect,
		inflight: make(map[string]chan protocol.ToolResponseFrame),
		closed:   make(chan struct{}),
	}
}

func (c *conn) setState(s state) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *conn) getState() state {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

// run drives the state machine for one connection from AUTH (already
// passed by the caller) through HANDSHAKE, READY, and eventual teardown.
// Blocks until the connection closes.
func (c *conn) run(ctx context.Context) {
	defer c.teardown()

	c.setState(stateHandshake)
	hello, err := c.awaitHandshake()
	if err != nil {
		slog.Warn("node handshake failed", "err", err)
		c.ws.Close()
		return
	}

	for _, cap := range hello.Capabilities {
		if !ValidateCapability(cap) {
			slog.Warn("node handshake rejected: invalid capability", "node", hello.Node.ID, "capability", cap)
			c.ws.Close()
			return
		}
	}

	c.nodeID = hello.Node.ID
	now := time.Now()
	rec := &Record{
		NodeID:       hello.Node.ID,
		NodeType:     hello.Node.NodeType,
		Name:         hello.Node.Name,
		Version:      hello.Node.Version,
		Tags:         hello.Node.Tags,
		Capabilities: hello.Capabilities,
		ConnectedAt:  now,
		LastSeen:     now,
	}
	c.router.registerConn(rec, c)

	if err := c.writeJSON(protocol.NewGatewayWelcome(c.router.gatewayVersion)); err != nil {
		slog.Warn("gateway_welcome write failed", "node", c.nodeID, "err", err)
		return
	}

	c.setState(stateReady)
	slog.Info("node ready", "node_id", c.nodeID, "capabilities", hello.Capabilities)

	go c.heartbeatLoop(ctx)
	c.readLoop()
}

// awaitHandshake reads frames until a node_hello arrives or the handshake
// timeout elapses (spec §4.4: "expect node_hello ... within 10s or close").
func (c *conn) awaitHandshake() (protocol.NodeHello, error) {
	deadline := time.Now().Add(c.router.cfg.HandshakeTimeout)
	c.ws.SetReadDeadline(deadline)

	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return protocol.NodeHello{}, fmt.Errorf("read handshake frame: %w", err)
	}
	typ, err := protocol.PeekType(data)
	if err != nil {
		return protocol.NodeHello{}, fmt.Errorf("decode frame type: %w", err)
	}
	if typ != protocol.FrameNodeHello {
		return protocol.NodeHello{}, fmt.Errorf("expected node_hello, got %q", typ)
	}
	var hello protocol.NodeHello
	if err := json.Unmarshal(data, &hello); err != nil {
		return protocol.NodeHello{}, fmt.Errorf("decode node_hello: %w", err)
	}
	if hello.Node.ID == "" {
		return protocol.NodeHello{}, fmt.Errorf("node_hello missing node.id")
	}
	c.ws.SetReadDeadline(time.Time{})
	return hello, nil
}

// heartbeatLoop emits periodic pings and closes the connection once the
// node misses too many pongs (spec §4.4 READY, §5 timeouts).
func (c *conn) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.router.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-ticker.C:
			c.mu.Lock()
			c.missedPongs++
			missed := c.missedPongs
			c.mu.Unlock()
			if missed > c.router.cfg.MissedPongTolerance {
				slog.Warn("node heartbeat timeout, closing", "node", c.nodeID, "missed", missed)
				c.closeWithCode(websocket.CloseGoingAway, "heartbeat timeout")
				return
			}
			if err := c.writeJSON(protocol.NewPing(time.Now().UnixMilli())); err != nil {
				return
			}
		}
	}
}

// readLoop consumes frames until the socket closes, routing tool_response
// and pong frames and refreshing last_seen on every frame (spec §4.4
// READY: "maintain last_seen on any frame").
func (c *conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.router.capabilities.touch(c.nodeID, time.Now())

		typ, err := protocol.PeekType(data)
		if err != nil {
			continue
		}
		switch typ {
		case protocol.FramePong:
			c.mu.Lock()
			c.missedPongs = 0
			c.mu.Unlock()
		case protocol.FrameToolResponse:
			var resp protocol.ToolResponseFrame
			if err := json.Unmarshal(data, &resp); err != nil {
				continue
			}
			c.resolveInflight(resp)
		default:
			slog.Debug("node router: ignoring unexpected frame", "node", c.nodeID, "type", typ)
		}
	}
}

func (c *conn) resolveInflight(resp protocol.ToolResponseFrame) {
	c.inflightMu.Lock()
	ch, ok := c.inflight[resp.RequestID]
	if ok {
		delete(c.inflight, resp.RequestID)
	}
	c.inflightMu.Unlock()
	if !ok {
		// Late response for a request already cancelled/timed out locally:
		// dropped by request-ID lookup miss (spec §5 cancellation semantics).
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

// send dispatches a tool_request and blocks for its tool_response, a
// per-tool timeout, or ctx cancellation (spec §4.4 Request dispatch).
func (c *conn) send(ctx context.Context, req protocol.ToolRequestFrame, timeout time.Duration) (*tools.Result, error) {
	ch := make(chan protocol.ToolResponseFrame, 1)
	c.inflightMu.Lock()
	c.inflight[req.RequestID] = ch
	c.inflightMu.Unlock()

	defer func() {
		c.inflightMu.Lock()
		delete(c.inflight, req.RequestID)
		c.inflightMu.Unlock()
	}()

	if err := c.writeJSON(req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resultFromFrame(resp), nil
	case <-timer.C:
		return tools.KindError(tools.ErrTimeout, fmt.Sprintf("node %s timed out after %s", c.nodeID, timeout)), nil
	case <-ctx.Done():
		return tools.KindError(tools.ErrCancelled, "request cancelled"), nil
	case <-c.closed:
		return tools.KindError(tools.ErrFailed, "node_disconnected"), nil
	}
}

func resultFromFrame(resp protocol.ToolResponseFrame) *tools.Result {
	if !resp.OK {
		kind := tools.ErrFailed
		msg := "node tool call failed"
		if resp.Error != nil {
			if resp.Error.Kind != "" {
				kind = tools.ErrorKind(resp.Error.Kind)
			}
			if resp.Error.Message != "" {
				msg = resp.Error.Message
			}
		}
		return tools.KindError(kind, msg)
	}
	var text string
	switch v := resp.Result.(type) {
	case string:
		text = v
	case nil:
		text = ""
	default:
		b, _ := json.Marshal(v)
		text = string(b)
	}
	if len(text) > protocol.SoftToolResponseBytes {
		text = text[:protocol.SoftToolResponseBytes]
		resp.Truncated = true
	}
	r := tools.NewResult(text)
	if resp.Truncated {
		r.ForLLM += "\n[truncated]"
	}
	return r
}

// teardown unregisters the node and fails every in-flight request for it
// (spec §4.4: "On disconnect, fail all in-flight requests for that node
// with error.kind=failed{message:'node_disconnected'}").
func (c *conn) teardown() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	c.setState(stateClosed)
	if c.nodeID != "" {
		c.router.unregisterConn(c.nodeID)
	}
	c.ws.Close()
	slog.Info("node disconnected", "node_id", c.nodeID)
}

func (c *conn) closeWithCode(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.ws.Close()
}
