package tools

import (
	"strings"

	"github.com/nextlevelbuilder/serialagent/internal/providers"
)

// toolGroups lets allowlist/denylist entries reference a whole category
// instead of enumerating tool names one by one, matching the teacher's
// group-expansion idiom.
var toolGroups = map[string][]string{
	"fs":      {"read_file", "write_file", "list_files", "edit_file", "search", "glob"},
	"runtime": {"exec", "process"},
	"web":     {"web_search", "web_fetch"},
}

// toolAliases maps alternative names to canonical tool names.
var toolAliases = map[string]string{
	"bash": "exec",
}

// nestedTurnDenyList restricts which tools a nested agent.run turn (spec
// §4.3 step 3, max_depth) may use — a nested turn must not itself spawn
// further exec processes that could outlive the parent's cap accounting.
var nestedTurnDenyList = []string{"exec", "process"}

// PolicyEngine evaluates the agent's tool_allowlist/tool_denylist against
// the set of currently routable tool names (spec §4.3 step 2).
type PolicyEngine struct{}

func NewPolicyEngine() *PolicyEngine { return &PolicyEngine{} }

// ResolveToolNames computes tool_allowlist \ tool_denylist intersected
// with routable (tools the dispatcher can currently resolve, local or via
// a node's capability index).
func (pe *PolicyEngine) ResolveToolNames(allowlist, denylist, routable []string, nested bool) []string {
	allowed := routable
	if len(allowlist) > 0 {
		allowed = intersectWithSpec(routable, allowlist)
	}
	if len(denylist) > 0 {
		allowed = subtractSpec(allowed, denylist)
	}
	if nested {
		allowed = subtractSet(allowed, nestedTurnDenyList)
	}
	return allowed
}

// ToDefinitions resolves aliases and converts a filtered name list into
// provider tool definitions sourced from registry.
func (pe *PolicyEngine) ToDefinitions(names []string, registry *Registry) []providers.ToolDefinition {
	var defs []providers.ToolDefinition
	for _, name := range names {
		canonical := resolveAlias(name)
		if tool, ok := registry.Get(canonical); ok {
			defs = append(defs, ToProviderDef(tool))
		}
	}
	return defs
}

func expandSpec(available []string, spec []string) []string {
	expanded := make(map[string]bool)
	for _, s := range spec {
		if strings.HasPrefix(s, "group:") {
			groupName := strings.TrimPrefix(s, "group:")
			for _, m := range toolGroups[groupName] {
				expanded[m] = true
			}
		} else {
			expanded[s] = true
		}
	}
	var result []string
	for _, t := range available {
		if expanded[t] {
			result = append(result, t)
		}
	}
	return result
}

func intersectWithSpec(current, spec []string) []string {
	return expandSpec(current, spec)
}

func subtractSpec(current, spec []string) []string {
	denied := make(map[string]bool)
	for _, s := range spec {
		if strings.HasPrefix(s, "group:") {
			groupName := strings.TrimPrefix(s, "group:")
			for _, m := range toolGroups[groupName] {
				denied[m] = true
			}
		} else {
			denied[s] = true
		}
	}
	var result []string
	for _, t := range current {
		if !denied[t] {
			result = append(result, t)
		}
	}
	return result
}

func subtractSet(current, deny []string) []string {
	denied := make(map[string]bool, len(deny))
	for _, d := range deny {
		denied[d] = true
	}
	var result []string
	for _, t := range current {
		if !denied[t] {
			result = append(result, t)
		}
	}
	return result
}

func resolveAlias(name string) string {
	if canonical, ok := toolAliases[name]; ok {
		return canonical
	}
	return name
}
