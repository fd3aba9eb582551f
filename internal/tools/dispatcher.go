package tools

import (
	"context"
	"fmt"
)

// NodeDispatcher is the remote half of tool resolution (spec §4.4): it
// owns the node capability index and the request/response correlation
// that internal/node implements. The dispatcher only needs to ask "can
// some connected node serve this tool" and, if so, round-trip the call.
type NodeDispatcher interface {
	// Resolve reports whether some connected node can serve toolName,
	// matched by longest dotted-prefix against the node's capabilities.
	Resolve(toolName string) bool

	// Dispatch sends a tool_request to the matched node and blocks until
	// a tool_response arrives, the per-tool timeout elapses, or ctx is
	// cancelled.
	Dispatch(ctx context.Context, toolName string, args map[string]interface{}, sessionKey string) *Result
}

// Dispatcher resolves a tool name to {local, node} and invokes it,
// matching spec §4.4's resolution order: local registry first, then the
// node capability index, else not_found.
type Dispatcher struct {
	local   *Registry
	nodes   NodeDispatcher
	schemas *argSchemaCache
}

// NewDispatcher builds a Dispatcher over a local registry and an optional
// node router (nil is valid: local-only deployments resolve purely from
// local, returning not_found for anything else).
func NewDispatcher(local *Registry, nodes NodeDispatcher) *Dispatcher {
	return &Dispatcher{local: local, nodes: nodes, schemas: newArgSchemaCache()}
}

// Dispatch resolves and invokes toolName, enforcing neither allow/deny
// policy nor approval — callers (the turn engine) apply those via
// PolicyEngine/ExecApprovalManager before calling in. A local tool's
// arguments are validated against its declared Parameters() schema first,
// catching a malformed tool call before it reaches filesystem/exec code
// rather than inside it.
func (d *Dispatcher) Dispatch(ctx context.Context, toolName string, args map[string]interface{}, sessionKey string) *Result {
	if tool, ok := d.local.Get(toolName); ok {
		if err := d.schemas.validateArgs(tool, args); err != nil {
			return KindError(ErrInvalidArgs, fmt.Sprintf("arguments for %q failed schema validation: %v", toolName, err))
		}
		ctx = WithToolSessionKey(ctx, sessionKey)
		return tool.Execute(ctx, args)
	}
	if d.nodes != nil && d.nodes.Resolve(toolName) {
		return d.nodes.Dispatch(ctx, toolName, args, sessionKey)
	}
	return KindError(ErrNotFound, fmt.Sprintf("no local or node handler for tool %q", toolName))
}

// Routable reports whether toolName currently resolves to something (for
// computing the agent's tools manifest in spec §4.3 step 2).
func (d *Dispatcher) Routable(toolName string) bool {
	if d.local.Has(toolName) {
		return true
	}
	return d.nodes != nil && d.nodes.Resolve(toolName)
}

// RoutableNames returns the union of local tool names and, when provided,
// everything the node capability index currently advertises.
func (d *Dispatcher) RoutableNames(nodeNames []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, n := range d.local.Names() {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	for _, n := range nodeNames {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}
