package gateway

import (
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
)

// DynamicTool is a proxy entry for one downstream tool. The schema is copied
// verbatim from downstream discovery; per-session visibility is enforced at
// dispatch, not here.
type DynamicTool struct {
	// Name is globally unique across all downstream servers.
	Name string

	// Server is the owning catalog entry.
	Server string

	// Description is the downstream tool description.
	Description string

	// InputSchema is the downstream JSON Schema for the tool arguments.
	InputSchema mcp.ToolInputSchema
}

// ToolRegistry is the process-global set of registered proxy tools. A tool
// lives from its first activation until process exit; resetting a session
// never unregisters tools, because other sessions may rely on them.
type ToolRegistry struct {
	mu     sync.RWMutex
	byName map[string]DynamicTool
	order  []string
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		byName: make(map[string]DynamicTool),
	}
}

// RegisterAll inserts the given tools atomically and returns the subset that
// was actually new. Tools already registered by the same server are skipped
// (idempotent activation across sessions); a name owned by a different
// server fails the whole batch with ToolConflictError before any insertion,
// so a failed activation leaves the registry untouched.
func (r *ToolRegistry) RegisterAll(tools []DynamicTool) ([]DynamicTool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range tools {
		if existing, ok := r.byName[t.Name]; ok && existing.Server != t.Server {
			return nil, &ToolConflictError{Tool: t.Name, Owner: existing.Server, Claimant: t.Server}
		}
	}

	var added []DynamicTool
	for _, t := range tools {
		if _, ok := r.byName[t.Name]; ok {
			continue
		}
		r.byName[t.Name] = t
		r.order = append(r.order, t.Name)
		added = append(added, t)
	}
	return added, nil
}

// Get returns the tool registered under name.
func (r *ToolRegistry) Get(name string) (DynamicTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}

// Names returns all registered names in insertion order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of registered tools.
func (r *ToolRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}
