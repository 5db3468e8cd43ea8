package gateway

import (
	"context"
	"encoding/json"

	"mcpgate/internal/jwtauth"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Built-in tool names.
const (
	SearchServersToolName = "search_servers"
	EnableServerToolName  = "enable_server"
	ResetGatewayToolName  = "_reset_gateway"
)

// builtinTools returns the gateway's three built-in tools.
func (g *Gateway) builtinTools() []mcpserver.ServerTool {
	return []mcpserver.ServerTool{
		{
			Tool: mcp.Tool{
				Name:        SearchServersToolName,
				Description: "Search for available MCP servers",
				InputSchema: mcp.ToolInputSchema{
					Type: "object",
					Properties: map[string]interface{}{
						"query": map[string]interface{}{
							"type":        "string",
							"description": "Case-insensitive substring matched against server names and descriptions. Empty lists all servers.",
						},
					},
					Required: []string{},
				},
			},
			Handler: g.handleSearchServers,
		},
		{
			Tool: mcp.Tool{
				Name:        EnableServerToolName,
				Description: "Enable an MCP server and load its tools dynamically",
				InputSchema: mcp.ToolInputSchema{
					Type: "object",
					Properties: map[string]interface{}{
						"server_name": map[string]interface{}{
							"type":        "string",
							"description": "The name of the MCP server to enable",
						},
					},
					Required: []string{"server_name"},
				},
			},
			Handler: g.handleEnableServer,
		},
		{
			Tool: mcp.Tool{
				Name:        ResetGatewayToolName,
				Description: "Reset gateway state -- removes all enabled servers for the calling session (for testing)",
				InputSchema: mcp.ToolInputSchema{
					Type:       "object",
					Properties: map[string]interface{}{},
					Required:   []string{},
				},
			},
			Handler: g.handleResetGateway,
		},
	}
}

func (g *Gateway) handleSearchServers(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	principal, ok := jwtauth.PrincipalFromContext(ctx)
	if !ok {
		return toolError(KindUnauthenticated, "request is not authenticated"), nil
	}

	query := ""
	if args, ok := req.Params.Arguments.(map[string]interface{}); ok {
		if q, ok := args["query"].(string); ok {
			query = q
		}
	}

	session, _ := g.sessions.Get(sessionIDFromContext(ctx))
	return jsonResult(g.searchServers(session, principal, query)), nil
}

func (g *Gateway) handleEnableServer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	principal, ok := jwtauth.PrincipalFromContext(ctx)
	if !ok {
		return toolError(KindUnauthenticated, "request is not authenticated"), nil
	}

	args, _ := req.Params.Arguments.(map[string]interface{})
	serverName, _ := args["server_name"].(string)
	if serverName == "" {
		return jsonErrorResult(enableResult{
			Success: false,
			Error:   string(KindInvalidArgument),
			Message: "'server_name' argument is required and must be a string",
		}), nil
	}

	sessionID := sessionIDFromContext(ctx)
	session, ok := g.sessions.Get(sessionID)
	if !ok {
		return jsonErrorResult(enableResult{
			Success: false,
			Error:   string(KindInvalidArgument),
			Message: "no session: send initialize first and echo the Mcp-Session-Id header",
		}), nil
	}

	result := g.enableServer(ctx, session, principal, serverName)
	if !result.Success {
		return jsonErrorResult(result), nil
	}
	return jsonResult(result), nil
}

func (g *Gateway) handleResetGateway(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, ok := jwtauth.PrincipalFromContext(ctx); !ok {
		return toolError(KindUnauthenticated, "request is not authenticated"), nil
	}

	return jsonResult(g.resetSession(sessionIDFromContext(ctx))), nil
}

// jsonResult renders v as a text content block.
func jsonResult(v interface{}) *mcp.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return toolError(KindInternal, "failed to encode result")
	}
	return mcp.NewToolResultText(string(data))
}

// jsonErrorResult renders v as a text content block flagged as a tool error.
func jsonErrorResult(v interface{}) *mcp.CallToolResult {
	res := jsonResult(v)
	res.IsError = true
	return res
}
