package gateway

import (
	"context"
	"fmt"

	"mcpgate/internal/jwtauth"
	"mcpgate/internal/mcpclient"
	"mcpgate/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// addProxyTools registers MCP handlers for newly created dynamic tools.
func (g *Gateway) addProxyTools(tools []DynamicTool) {
	if len(tools) == 0 {
		return
	}

	serverTools := make([]mcpserver.ServerTool, 0, len(tools))
	for _, t := range tools {
		serverTools = append(serverTools, mcpserver.ServerTool{
			Tool: mcp.Tool{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: t.InputSchema,
			},
			Handler: g.proxyToolHandler(t.Name),
		})
	}

	g.mcpServer.AddTools(serverTools...)
	logging.Debug("Gateway", "Registered %d proxy tools", len(serverTools))
}

// proxyToolHandler creates the dispatch handler for one dynamic tool. Every
// call re-derives authorization from the request context: session gate,
// role gate, argument validation, token exchange, downstream invocation,
// and a single retry after cache invalidation when the downstream answers
// 401.
func (g *Gateway) proxyToolHandler(toolName string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tool, ok := g.tools.Get(toolName)
		if !ok {
			return toolError(KindNotFound, fmt.Sprintf("tool '%s' is not registered", toolName)), nil
		}

		desc, ok := g.opts.Catalog.Get(tool.Server)
		if !ok {
			return toolError(KindNotFound, fmt.Sprintf("server '%s' is not in the catalog", tool.Server)), nil
		}

		principal, ok := jwtauth.PrincipalFromContext(ctx)
		if !ok {
			return toolError(KindUnauthenticated, "request is not authenticated"), nil
		}

		sessionID := sessionIDFromContext(ctx)
		session, ok := g.sessions.Get(sessionID)
		if !ok || !session.IsEnabled(tool.Server) {
			return toolError(KindPreconditionFailed,
				fmt.Sprintf("Server '%s' is not enabled in this session. Call enable_server(\"%s\") first.",
					tool.Server, tool.Server)), nil
		}

		if !principal.HasRole(desc.RequiredRole) {
			return toolError(KindPermissionDenied,
				fmt.Sprintf("Access denied: user '%s' lacks role '%s' required for this tool.",
					principal.Username, desc.RequiredRole)), nil
		}

		args := make(map[string]interface{})
		if req.Params.Arguments != nil {
			if argsMap, ok := req.Params.Arguments.(map[string]interface{}); ok {
				args = argsMap
			}
		}
		if err := validateArgs(tool.InputSchema, args); err != nil {
			return toolError(KindInvalidArgument, err.Error()), nil
		}

		token, err := g.opts.Exchanger.Exchange(ctx, principal.RawToken, desc.Audience)
		if err != nil {
			return toolError(classifyError(err), err.Error()), nil
		}

		callCtx, cancel := context.WithTimeout(ctx, g.opts.DownstreamTimeout)
		defer cancel()

		result, err := mcpclient.CallServerTool(callCtx, g.opts.ClientFactory, desc.URL, token, toolName, args, g.opts.DownstreamTimeout)
		if err != nil && mcpclient.Is401(err) {
			// A cached token may have been revoked: invalidate, re-exchange
			// and retry exactly once.
			logging.Debug("Gateway", "Downstream %s rejected token, retrying once after re-exchange", tool.Server)
			g.opts.Exchanger.Invalidate(principal.RawToken, desc.Audience)

			token, err = g.opts.Exchanger.Exchange(ctx, principal.RawToken, desc.Audience)
			if err != nil {
				return toolError(classifyError(err), err.Error()), nil
			}

			retryCtx, retryCancel := context.WithTimeout(ctx, g.opts.DownstreamTimeout)
			defer retryCancel()
			result, err = mcpclient.CallServerTool(retryCtx, g.opts.ClientFactory, desc.URL, token, toolName, args, g.opts.DownstreamTimeout)
		}
		if err != nil {
			logging.Warn("Gateway", "Tool call %s on %s failed: %v", toolName, tool.Server, err)
			return toolError(classifyError(err), err.Error()), nil
		}

		// Downstream content blocks and tool-error status pass through
		// verbatim.
		return result, nil
	}
}

// toolError renders a gateway failure as an MCP tool-error so agents can
// reason about it.
func toolError(kind Kind, message string) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %s", kind, message))
}
