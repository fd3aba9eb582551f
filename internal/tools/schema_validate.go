package tools

import (
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// argSchemaCache compiles and caches a jsonschema.Schema per tool name, so
// a hot tool-calling loop doesn't recompile the same schema on every turn.
// Tool.Parameters() is assumed stable for the lifetime of a Registry entry.
// Nothing calls invalidate, so a tool re-registered under the same name
// keeps the schema compiled on its first validated call.
type argSchemaCache struct {
	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

func newArgSchemaCache() *argSchemaCache {
	return &argSchemaCache{schemas: make(map[string]*jsonschema.Schema)}
}

func (c *argSchemaCache) compiled(toolName string, params map[string]interface{}) (*jsonschema.Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sch, ok := c.schemas[toolName]; ok {
		return sch, nil
	}

	resourceURL := "mem://tools/" + toolName + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resourceURL, params); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	sch, err := compiler.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	c.schemas[toolName] = sch
	return sch, nil
}

// invalidate drops a cached schema, e.g. when a tool is re-registered.
func (c *argSchemaCache) invalidate(toolName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.schemas, toolName)
}

// validateArgs checks args against tool's declared Parameters() schema,
// returning a message suitable for KindError(ErrInvalidArgs, ...) on
// failure. A tool whose schema fails to compile is let through uncheck —
// surfacing the dispatcher's own config problem as a tool-call failure
// for every call would be worse than skipping validation for that tool.
func (c *argSchemaCache) validateArgs(tool Tool, args map[string]interface{}) error {
	sch, err := c.compiled(tool.Name(), tool.Parameters())
	if err != nil {
		return nil
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	if err := sch.Validate(args); err != nil {
		return err
	}
	return nil
}
