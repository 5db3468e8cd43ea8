package mcpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"mcpgate/pkg/logging"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// Sentinel errors mapping downstream failures onto the gateway's error
// classes.
var (
	// ErrDownstreamRejected means the downstream server answered 401 to a
	// request carrying an exchanged token.
	ErrDownstreamRejected = errors.New("mcpclient: downstream rejected token")

	// ErrDownstreamUnavailable covers transport failures and 5xx responses.
	ErrDownstreamUnavailable = errors.New("mcpclient: downstream unavailable")
)

// Client is the minimal downstream MCP contract the gateway needs.
type Client interface {
	// Initialize establishes the connection and performs the protocol
	// handshake.
	Initialize(ctx context.Context) error

	// Close cleanly shuts down the client connection.
	Close() error

	// ListTools returns all tools advertised by the server.
	ListTools(ctx context.Context) ([]mcp.Tool, error)

	// CallTool executes a tool and returns the result.
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error)
}

// StreamableHTTPClient implements Client over MCP Streamable-HTTP, sending
// a bearer token on every request. The downstream's assigned Mcp-Session-Id
// is carried by the underlying transport.
type StreamableHTTPClient struct {
	url     string
	token   string
	timeout time.Duration

	mu        sync.RWMutex
	client    client.MCPClient
	connected bool
}

// NewStreamableHTTPClient creates a client for url that authenticates with
// token. timeout bounds each HTTP request.
func NewStreamableHTTPClient(url, token string, timeout time.Duration) *StreamableHTTPClient {
	return &StreamableHTTPClient{
		url:     url,
		token:   token,
		timeout: timeout,
	}
}

// Initialize establishes the connection and performs the protocol handshake.
func (c *StreamableHTTPClient) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	logging.Debug("MCPClient", "Creating StreamableHTTP client for URL: %s", c.url)

	opts := []transport.StreamableHTTPCOption{
		transport.WithHTTPHeaders(map[string]string{
			"Authorization": "Bearer " + c.token,
		}),
	}
	if c.timeout > 0 {
		opts = append(opts, transport.WithHTTPBasicClient(&http.Client{Timeout: c.timeout}))
	}

	mcpClient, err := client.NewStreamableHttpClient(c.url, opts...)
	if err != nil {
		return fmt.Errorf("failed to create StreamableHTTP client: %w", err)
	}

	initResult, err := mcpClient.Initialize(ctx, mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: "2024-11-05",
			ClientInfo: mcp.Implementation{
				Name:    "mcpgate",
				Version: "1.0.0",
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	})
	if err != nil {
		_ = mcpClient.Close()
		return classify(fmt.Errorf("failed to initialize MCP protocol: %w", err))
	}

	c.client = mcpClient
	c.connected = true

	logging.Debug("MCPClient", "Initialized downstream server %s (version %s)",
		initResult.ServerInfo.Name, initResult.ServerInfo.Version)

	return nil
}

// Close cleanly shuts down the client connection.
func (c *StreamableHTTPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.connected = false
	c.client = nil

	return err
}

// ListTools returns all tools advertised by the server.
func (c *StreamableHTTPClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.connected || c.client == nil {
		return nil, fmt.Errorf("client not connected")
	}

	result, err := c.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, classify(fmt.Errorf("failed to list tools: %w", err))
	}

	return result.Tools, nil
}

// CallTool executes a tool and returns the result.
func (c *StreamableHTTPClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.connected || c.client == nil {
		return nil, fmt.Errorf("client not connected")
	}

	result, err := c.client.CallTool(ctx, mcp.CallToolRequest{
		Params: struct {
			Name      string    `json:"name"`
			Arguments any       `json:"arguments,omitempty"`
			Meta      *mcp.Meta `json:"_meta,omitempty"`
		}{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, classify(fmt.Errorf("failed to call tool: %w", err))
	}

	return result, nil
}

// Factory creates downstream clients. The engine and dispatcher hold one so
// tests can substitute fakes.
type Factory func(url, token string, timeout time.Duration) Client

// DefaultFactory builds real StreamableHTTP clients.
func DefaultFactory(url, token string, timeout time.Duration) Client {
	return NewStreamableHTTPClient(url, token, timeout)
}

// ListServerTools performs one logical discovery operation: initialize,
// tools/list, close.
func ListServerTools(ctx context.Context, factory Factory, url, token string, timeout time.Duration) ([]mcp.Tool, error) {
	c := factory(url, token, timeout)
	if err := c.Initialize(ctx); err != nil {
		return nil, err
	}
	defer c.Close()

	return c.ListTools(ctx)
}

// CallServerTool performs one logical invocation: initialize, tools/call,
// close.
func CallServerTool(ctx context.Context, factory Factory, url, token, name string, args map[string]interface{}, timeout time.Duration) (*mcp.CallToolResult, error) {
	c := factory(url, token, timeout)
	if err := c.Initialize(ctx); err != nil {
		return nil, err
	}
	defer c.Close()

	return c.CallTool(ctx, name, args)
}

// classify maps transport errors onto the sentinel classes while keeping the
// original message.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if Is401(err) {
		return fmt.Errorf("%w: %v", ErrDownstreamRejected, err)
	}
	if isTransport(err) {
		return fmt.Errorf("%w: %v", ErrDownstreamUnavailable, err)
	}
	return err
}

// Is401 checks whether an error indicates a 401 Unauthorized response.
func Is401(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDownstreamRejected) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "401") ||
		strings.Contains(strings.ToLower(errStr), "unauthorized")
}

// isTransport reports whether the error looks like a network or server-side
// failure rather than a protocol-level tool error.
func isTransport(err error) bool {
	errStr := strings.ToLower(err.Error())
	for _, marker := range []string{"connection refused", "no such host", "timeout", "deadline exceeded", "status 5", "502", "503", "504", "500"} {
		if strings.Contains(errStr, marker) {
			return true
		}
	}
	return false
}
