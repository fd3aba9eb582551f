package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/nextlevelbuilder/serialagent/internal/tools"
	"github.com/nextlevelbuilder/serialagent/pkg/protocol"
)

// Config bounds the Node Router's timeouts and concurrency (spec §4.4,
// §5), resolved from config.NodeConfig by the caller.
type Config struct {
	SharedToken        string
	PerNodeTokens      map[string]string
	HandshakeTimeout   time.Duration
	HeartbeatInterval  time.Duration
	MissedPongTolerance int
	ToolTimeout        time.Duration
	MaxInFlightPerNode int64
	DrainGrace         time.Duration
	GatewayVersion     string
}

// Router is the WebSocket server for node connections: handshake, the
// capability index, and tool request/response correlation (spec §4.4).
// It implements tools.NodeDispatcher so the turn engine's dispatcher can
// route unresolved local tool names to connected nodes.
type Router struct {
	cfg          Config
	gatewayVersion string
	capabilities *capabilityIndex

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	conns   map[string]*conn
	sems    map[string]*semaphore.Weighted
	draining bool
}

// NewRouter constructs a Router. checkOrigin, if nil, allows all origins
// (non-browser clients — nodes are not browsers).
func NewRouter(cfg Config, checkOrigin func(*http.Request) bool) *Router {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.MissedPongTolerance <= 0 {
		cfg.MissedPongTolerance = 3
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 60 * time.Second
	}
	if cfg.MaxInFlightPerNode <= 0 {
		cfg.MaxInFlightPerNode = 16
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = 15 * time.Second
	}
	r := &Router{
		cfg:          cfg,
		gatewayVersion: cfg.GatewayVersion,
		capabilities: newCapabilityIndex(),
		conns:        make(map[string]*conn),
		sems:         make(map[string]*semaphore.Weighted),
	}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(req *http.Request) bool {
			if checkOrigin == nil {
				return true
			}
			return checkOrigin(req)
		},
	}
	return r
}

// ServeHTTP upgrades and accepts a node connection at /v1/nodes/ws (spec
// §6). AUTH happens before the WebSocket upgrade completes handshake.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	token := q.Get("token")
	nodeID := q.Get("node_id")

	if !r.authorize(nodeID, token) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		slog.Warn("node websocket upgrade failed", "err", err)
		return
	}

	r.mu.RLock()
	draining := r.draining
	r.mu.RUnlock()
	if draining {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "draining"),
			time.Now().Add(time.Second))
		ws.Close()
		return
	}

	c := newConn(ws, r)
	c.run(req.Context())
}

// authorize implements spec §4.4 AUTH: compare the query-param token
// against the shared token or a per-node override.
func (r *Router) authorize(nodeID, token string) bool {
	if perNode, ok := r.cfg.PerNodeTokens[nodeID]; ok {
		return token != "" && token == perNode
	}
	if r.cfg.SharedToken == "" {
		return true // no token configured: open (dev mode)
	}
	return token == r.cfg.SharedToken
}

func (r *Router) registerConn(rec *Record, c *conn) {
	r.capabilities.register(rec)
	r.mu.Lock()
	r.conns[rec.NodeID] = c
	r.sems[rec.NodeID] = semaphore.NewWeighted(r.cfg.MaxInFlightPerNode)
	r.mu.Unlock()
}

func (r *Router) unregisterConn(nodeID string) {
	r.capabilities.unregister(nodeID)
	r.mu.Lock()
	delete(r.conns, nodeID)
	delete(r.sems, nodeID)
	r.mu.Unlock()
}

// Resolve implements tools.NodeDispatcher.
func (r *Router) Resolve(toolName string) bool {
	_, ok := r.capabilities.resolve(toolName)
	return ok
}

// ErrDraining is returned by Dispatch once shutdown has begun.
var ErrDraining = errors.New("node router draining")

// Dispatch implements tools.NodeDispatcher: resolve the owning node by
// longest capability prefix, then round-trip a tool_request (spec §4.4).
func (r *Router) Dispatch(ctx context.Context, toolName string, args map[string]interface{}, sessionKey string) *tools.Result {
	r.mu.RLock()
	draining := r.draining
	r.mu.RUnlock()
	if draining {
		return tools.KindError(tools.ErrFailed, "gateway draining, not accepting new node requests")
	}

	nodeID, ok := r.capabilities.resolve(toolName)
	if !ok {
		return tools.KindError(tools.ErrNotFound, fmt.Sprintf("no node capability matches %q", toolName))
	}

	r.mu.RLock()
	c, connOK := r.conns[nodeID]
	sem := r.sems[nodeID]
	r.mu.RUnlock()
	if !connOK {
		return tools.KindError(tools.ErrFailed, "node_disconnected")
	}

	if err := sem.Acquire(ctx, 1); err != nil {
		return tools.KindError(tools.ErrCancelled, "request cancelled waiting for node capacity")
	}
	defer sem.Release(1)

	requestID := uuid.NewString()
	frame := protocol.NewToolRequest(requestID, toolName, args, sessionKey)
	result, err := c.send(ctx, frame, r.cfg.ToolTimeout)
	if err != nil {
		return tools.KindError(tools.ErrFailed, err.Error())
	}
	return result
}

// List returns the current node listing for GET /v1/nodes.
func (r *Router) List() []Record {
	return r.capabilities.list()
}

// Get returns the node record for nodeID, if connected.
func (r *Router) Get(nodeID string) (Record, bool) {
	rec, ok := r.capabilities.get(nodeID)
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Drain implements spec §4.4 DRAINING: refuse new requests, await
// outstanding responses up to the configured grace period, then close
// every connection (spec shutdown: "drains the Scheduler and Node
// Router").
func (r *Router) Drain(ctx context.Context) {
	r.mu.Lock()
	r.draining = true
	conns := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	grace, cancel := context.WithTimeout(ctx, r.cfg.DrainGrace)
	defer cancel()
	<-grace.Done()

	for _, c := range conns {
		c.closeWithCode(websocket.CloseGoingAway, "shutting down")
	}
}
