// Package manifest holds the fixed set of tools this server exposes and builds
// the discovery document clients fetch before calling them.
package manifest

import (
	"github.com/mark3labs/mcp-go/mcp"
)

const (
	// DealDataToolName is the lookup key of the deal tool.
	DealDataToolName = "get_deal_data"
	// DealIDArgument is the single required argument of the deal tool.
	DealIDArgument = "dealId"

	// ProtocolVersion is advertised in the discovery document.
	ProtocolVersion = "1.0"
)

// DealDataTool describes the deal lookup tool.
func DealDataTool() mcp.Tool {
	return mcp.NewTool(DealDataToolName,
		mcp.WithDescription("Fetch a HubSpot deal with its properties and engagements (emails, notes, calls, meetings, tasks) and return a readable summary."),
		mcp.WithString(DealIDArgument,
			mcp.Required(),
			mcp.Description("HubSpot deal ID"),
		),
	)
}

// Registry is an immutable, ordered set of tool definitions. It is built once
// at start-up and shared read-only between requests.
type Registry struct {
	tools  []mcp.Tool
	byName map[string]int
}

// NewRegistry builds a registry from the given tools. Later duplicates of a
// name are ignored.
func NewRegistry(tools ...mcp.Tool) *Registry {
	r := &Registry{
		tools:  make([]mcp.Tool, 0, len(tools)),
		byName: make(map[string]int, len(tools)),
	}
	for _, t := range tools {
		if _, exists := r.byName[t.Name]; exists {
			continue
		}
		r.byName[t.Name] = len(r.tools)
		r.tools = append(r.tools, t)
	}
	return r
}

// Default returns the registry deployed by this server: the deal tool only.
func Default() *Registry {
	return NewRegistry(DealDataTool())
}

// List returns the tool definitions in registration order. The returned slice
// is a copy; callers must treat the definitions as read-only.
func (r *Registry) List() []mcp.Tool {
	out := make([]mcp.Tool, len(r.tools))
	copy(out, r.tools)
	return out
}

// Lookup resolves a tool by name.
func (r *Registry) Lookup(name string) (mcp.Tool, bool) {
	idx, ok := r.byName[name]
	if !ok {
		return mcp.Tool{}, false
	}
	return r.tools[idx], true
}

// Info identifies the server in discovery responses.
type Info struct {
	Name        string
	Version     string
	Description string
}

// Document is the discovery payload served at the root path.
type Document struct {
	MCP         string     `json:"mcp"`
	Name        string     `json:"name"`
	Version     string     `json:"version"`
	Description string     `json:"description,omitempty"`
	Tools       []mcp.Tool `json:"tools"`
}

// Document builds the discovery document for this registry.
func (r *Registry) Document(info Info) Document {
	return Document{
		MCP:         ProtocolVersion,
		Name:        info.Name,
		Version:     info.Version,
		Description: info.Description,
		Tools:       r.List(),
	}
}
