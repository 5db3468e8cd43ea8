package gateway

import (
	"context"
	"fmt"
	"strings"

	"mcpgate/internal/catalog"
	"mcpgate/internal/jwtauth"
	"mcpgate/internal/mcpclient"
	"mcpgate/pkg/logging"
)

// serverSummary is one search_servers result row.
type serverSummary struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	Enabled      bool   `json:"enabled"`
	RequiredRole string `json:"required_role,omitempty"`
	Accessible   bool   `json:"accessible"`
}

// searchResult is the search_servers result document.
type searchResult struct {
	Servers []serverSummary `json:"servers"`
	Total   int             `json:"total"`
}

// enableResult is the enable_server result document. Error carries the
// failure kind when Success is false.
type enableResult struct {
	Success bool     `json:"success"`
	Message string   `json:"message,omitempty"`
	Tools   []string `json:"tools,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// resetResult is the _reset_gateway result document.
type resetResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// searchServers lists catalog entries matching query (case-insensitive
// substring on name or description; empty matches all). Enabled is computed
// against the calling session, accessibility against the caller's roles.
// The full catalog is always visible; role gating happens at enable time.
func (g *Gateway) searchServers(session *Session, principal *jwtauth.Principal, query string) searchResult {
	q := strings.ToLower(query)

	results := []serverSummary{}
	for _, desc := range g.opts.Catalog.List() {
		if q != "" &&
			!strings.Contains(strings.ToLower(desc.Name), q) &&
			!strings.Contains(strings.ToLower(desc.Description), q) {
			continue
		}
		results = append(results, serverSummary{
			Name:         desc.Name,
			Description:  desc.Description,
			Enabled:      session != nil && session.IsEnabled(desc.Name),
			RequiredRole: desc.RequiredRole,
			Accessible:   principal != nil && principal.HasRole(desc.RequiredRole),
		})
	}

	return searchResult{Servers: results, Total: len(results)}
}

// enableServer activates a downstream server for one session: it resolves
// the catalog entry, pre-checks the caller's role, exchanges the caller's
// token for the server's audience, discovers the server's tools, registers
// them globally and records the activation in the session.
//
// The operation is idempotent per session and single-flighted per
// (session, server) so concurrent duplicate calls share one discovery. Any
// failure after the exchange leaves neither session state nor registry
// changes behind.
func (g *Gateway) enableServer(ctx context.Context, session *Session, principal *jwtauth.Principal, serverName string) enableResult {
	desc, ok := g.opts.Catalog.Get(serverName)
	if !ok {
		return enableResult{
			Success: false,
			Error:   string(KindNotFound),
			Message: fmt.Sprintf("Server '%s' not found. Use search_servers to find available servers.", serverName),
		}
	}

	if tools, ok := session.EnabledTools(serverName); ok {
		return enableResult{
			Success: true,
			Message: fmt.Sprintf("Server '%s' is already enabled", serverName),
			Tools:   tools,
		}
	}

	// Fast-path role check before contacting the IdP. The IdP still
	// enforces authoritatively on exchange.
	if !principal.HasRole(desc.RequiredRole) {
		return enableResult{
			Success: false,
			Error:   string(KindPermissionDenied),
			Message: fmt.Sprintf("Access denied: user '%s' lacks role '%s' required for server '%s'.",
				principal.Username, desc.RequiredRole, serverName),
		}
	}

	key := session.ID + "\x00" + serverName
	v, err, _ := g.enableGroup.Do(key, func() (interface{}, error) {
		// Re-check under the flight: a concurrent call may have finished.
		if tools, ok := session.EnabledTools(serverName); ok {
			return enableResult{
				Success: true,
				Message: fmt.Sprintf("Server '%s' is already enabled", serverName),
				Tools:   tools,
			}, nil
		}
		return g.activate(ctx, session, principal, desc), nil
	})
	if err != nil {
		// The flight function never returns an error; defensive only.
		return enableResult{Success: false, Error: string(KindInternal), Message: err.Error()}
	}
	return v.(enableResult)
}

// activate performs exchange, discovery, global registration and the session
// record, in that order.
func (g *Gateway) activate(ctx context.Context, session *Session, principal *jwtauth.Principal, desc catalog.ServerDescriptor) enableResult {
	token, err := g.opts.Exchanger.Exchange(ctx, principal.RawToken, desc.Audience)
	if err != nil {
		logging.Warn("Gateway", "Token exchange failed for server %s: %v", desc.Name, err)
		return enableResult{Success: false, Error: string(classifyError(err)), Message: err.Error()}
	}

	listCtx, cancel := context.WithTimeout(ctx, g.opts.ListToolsTimeout)
	defer cancel()

	tools, err := mcpclient.ListServerTools(listCtx, g.opts.ClientFactory, desc.URL, token, g.opts.ListToolsTimeout)
	if err != nil {
		logging.Warn("Gateway", "Tool discovery failed for server %s: %v", desc.Name, err)
		return enableResult{Success: false, Error: string(classifyError(err)), Message: err.Error()}
	}

	dynamic := make([]DynamicTool, 0, len(tools))
	toolNames := make([]string, 0, len(tools))
	for _, t := range tools {
		dynamic = append(dynamic, DynamicTool{
			Name:        t.Name,
			Server:      desc.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
		toolNames = append(toolNames, t.Name)
	}

	added, err := g.tools.RegisterAll(dynamic)
	if err != nil {
		logging.Error("Gateway", err, "Tool registration failed for server %s", desc.Name)
		return enableResult{Success: false, Error: string(classifyError(err)), Message: err.Error()}
	}

	// Expose newly registered proxies on the MCP surface. Tools already
	// registered by an earlier activation (any session) have handlers.
	g.addProxyTools(added)

	session.Enable(desc.Name, toolNames)

	logging.Info("Gateway", "Session %s enabled server %s with %d tools",
		logging.TruncateSessionID(session.ID), desc.Name, len(toolNames))

	return enableResult{
		Success: true,
		Message: fmt.Sprintf("Server '%s' enabled successfully", desc.Name),
		Tools:   toolNames,
	}
}

// resetSession clears the caller's activation entries. Global proxy
// registrations stay: other sessions may depend on them.
func (g *Gateway) resetSession(sessionID string) resetResult {
	if sessionID == "" {
		g.sessions.ResetAll()
		return resetResult{Success: true, Message: "Gateway state reset"}
	}
	g.sessions.Reset(sessionID)
	return resetResult{Success: true, Message: "Gateway state reset"}
}
