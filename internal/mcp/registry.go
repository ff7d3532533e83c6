package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/driftsec/dshield-mcp/internal/auth"
)

// Tool categories. MONITORING tools stay visible even when every backend is
// down so operators can always reach the health surface.
const (
	CategoryQuery      = "QUERY"
	CategoryCampaign   = "CAMPAIGN"
	CategoryReport     = "REPORT"
	CategoryUtility    = "UTILITY"
	CategoryMonitoring = "MONITORING"
)

// HandlerFunc executes one tool call. Arguments arrive schema-validated;
// handlers still guard semantic constraints the schema cannot express.
type HandlerFunc func(ctx context.Context, sess *auth.Session, args json.RawMessage) (interface{}, error)

// ToolDefinition is one static registry entry. The table is built once at
// startup; nothing registers tools at runtime.
type ToolDefinition struct {
	Name               string
	Category           string
	Description        string
	InputSchema        json.RawMessage
	RequiredFeatures   []string
	RequiredPermission string
	// Timeout bounds the handler; zero selects the dispatcher default.
	Timeout time.Duration
	Handler HandlerFunc

	compiled *jsonschema.Schema
}

// Registry is the frozen tool table, kept in registration order so
// tools/list output is stable.
type Registry struct {
	tools  []*ToolDefinition
	byName map[string]*ToolDefinition
}

// NewRegistry compiles every input schema and freezes the table. A duplicate
// name or an uncompilable schema is a startup failure, not a runtime one.
func NewRegistry(defs []ToolDefinition) (*Registry, error) {
	r := &Registry{byName: make(map[string]*ToolDefinition, len(defs))}
	for i := range defs {
		def := defs[i]
		if def.Name == "" {
			return nil, fmt.Errorf("tool at index %d has no name", i)
		}
		if def.Handler == nil {
			return nil, fmt.Errorf("tool %q has no handler", def.Name)
		}
		if _, dup := r.byName[def.Name]; dup {
			return nil, fmt.Errorf("tool %q registered twice", def.Name)
		}
		if len(def.InputSchema) > 0 {
			schema, err := compileSchema(def.Name, def.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("tool %q: %w", def.Name, err)
			}
			def.compiled = schema
		}
		r.byName[def.Name] = &def
		r.tools = append(r.tools, &def)
	}
	return r, nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// Lookup returns the definition for a tool name, or nil.
func (r *Registry) Lookup(name string) *ToolDefinition {
	return r.byName[name]
}

// Len reports the number of registered tools.
func (r *Registry) Len() int {
	return len(r.tools)
}

// FeatureChecker answers feature availability questions; the health manager
// implements it. Guard returns nil when the feature is usable, otherwise a
// FEATURE_UNAVAILABLE error naming the missing dependency.
type FeatureChecker interface {
	IsAvailable(feature string) (bool, []string)
	Guard(feature string) error
}

// visible reports whether a session may see and call the tool right now:
// every required feature available and the required permission held.
func (d *ToolDefinition) visible(sess *auth.Session, features FeatureChecker) bool {
	if sess == nil || !sess.Permissions.Has(d.RequiredPermission) {
		return false
	}
	for _, f := range d.RequiredFeatures {
		if ok, _ := features.IsAvailable(f); !ok {
			return false
		}
	}
	return true
}

// List renders the tools/list result for a session. Unauthenticated callers
// get a capability sketch only: MONITORING tool names and descriptions, no
// schemas, so a client can discover the handshake without leaking the gated
// surface.
func (r *Registry) List(sess *auth.Session, features FeatureChecker, defaultTimeout time.Duration) ToolsListResult {
	out := ToolsListResult{Tools: []ToolDescriptor{}}
	for _, def := range r.tools {
		if sess == nil {
			if def.Category != CategoryMonitoring {
				continue
			}
			out.Tools = append(out.Tools, ToolDescriptor{
				Name:        def.Name,
				Category:    def.Category,
				Description: def.Description,
			})
			continue
		}
		if !def.visible(sess, features) {
			continue
		}
		timeout := def.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		out.Tools = append(out.Tools, ToolDescriptor{
			Name:           def.Name,
			Category:       def.Category,
			Description:    def.Description,
			InputSchema:    def.InputSchema,
			TimeoutSeconds: int(timeout.Seconds()),
		})
	}
	return out
}
