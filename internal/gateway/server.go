package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"mcpgate/internal/catalog"
	"mcpgate/internal/jwtauth"
	"mcpgate/internal/mcpclient"
	"mcpgate/internal/oauth"
	"mcpgate/pkg/logging"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"golang.org/x/sync/singleflight"
)

// Options configures a Gateway.
type Options struct {
	// Catalog is the loaded downstream server catalog.
	Catalog *catalog.Registry

	// Verifier validates inbound bearer tokens.
	Verifier *jwtauth.Verifier

	// Exchanger mints downstream tokens.
	Exchanger *oauth.Exchanger

	// ClientFactory builds downstream MCP clients. Defaults to the real
	// StreamableHTTP factory.
	ClientFactory mcpclient.Factory

	// Host and Port are the inbound listen address. Host defaults to
	// 0.0.0.0.
	Host string
	Port int

	// DownstreamTimeout bounds downstream tools/call, ListToolsTimeout
	// bounds discovery.
	DownstreamTimeout time.Duration
	ListToolsTimeout  time.Duration

	// SessionTimeout and MaxSessions bound the in-memory session registry.
	// Zero values select DefaultSessionTimeout and DefaultMaxSessions.
	SessionTimeout time.Duration
	MaxSessions    int

	// Version is reported in the MCP server info.
	Version string
}

// Gateway is the authenticated MCP gateway process: the inbound MCP surface,
// the per-session activation engine over the global proxy-tool registry, and
// the dispatch path to downstream servers.
type Gateway struct {
	opts Options

	sessions *SessionRegistry
	tools    *ToolRegistry

	mcpServer   *mcpserver.MCPServer
	streamable  *mcpserver.StreamableHTTPServer
	httpServer  *http.Server
	enableGroup singleflight.Group

	mu      sync.Mutex
	started bool
}

// New builds a Gateway from options.
func New(opts Options) (*Gateway, error) {
	if opts.Catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	if opts.Verifier == nil {
		return nil, fmt.Errorf("verifier is required")
	}
	if opts.Exchanger == nil {
		return nil, fmt.Errorf("exchanger is required")
	}
	if opts.ClientFactory == nil {
		opts.ClientFactory = mcpclient.DefaultFactory
	}
	if opts.Host == "" {
		opts.Host = "0.0.0.0"
	}
	if opts.DownstreamTimeout <= 0 {
		opts.DownstreamTimeout = 30 * time.Second
	}
	if opts.ListToolsTimeout <= 0 {
		opts.ListToolsTimeout = 60 * time.Second
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.MaxSessions == 0 {
		opts.MaxSessions = DefaultMaxSessions
	}

	g := &Gateway{
		opts:     opts,
		sessions: NewSessionRegistryWithLimits(opts.SessionTimeout, opts.MaxSessions),
		tools:    NewToolRegistry(),
	}

	g.mcpServer = mcpserver.NewMCPServer(
		"mcpgate",
		opts.Version,
		mcpserver.WithToolCapabilities(true),
	)
	g.mcpServer.AddTools(g.builtinTools()...)

	g.streamable = mcpserver.NewStreamableHTTPServer(
		g.mcpServer,
		mcpserver.WithSessionIdManager(newSessionIDManager(g.sessions)),
	)

	return g, nil
}

// Handler returns the inbound HTTP handler: the MCP endpoint behind bearer
// authentication plus an unauthenticated health probe.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	mux.Handle("/mcp", g.bearerMiddleware(g.streamable))

	return mux
}

// Start begins serving inbound connections. It returns once the listener is
// running; serve errors are logged.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.started {
		return fmt.Errorf("gateway already started")
	}
	g.started = true

	addr := fmt.Sprintf("%s:%d", g.opts.Host, g.opts.Port)
	g.httpServer = &http.Server{
		Addr:              addr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logging.Info("Gateway", "Starting MCP gateway on %s (catalog: %d servers)", addr, g.opts.Catalog.Len())

	go func() {
		if err := g.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("Gateway", err, "HTTP server error")
		}
	}()

	return nil
}

// Stop shuts the gateway down gracefully.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.started {
		return fmt.Errorf("gateway not started")
	}
	g.started = false

	logging.Info("Gateway", "Stopping MCP gateway")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var err error
	if g.httpServer != nil {
		err = g.httpServer.Shutdown(shutdownCtx)
		g.httpServer = nil
	}

	g.sessions.Stop()
	return err
}

// Endpoint returns the inbound MCP endpoint URL.
func (g *Gateway) Endpoint() string {
	return fmt.Sprintf("http://%s:%d/mcp", g.opts.Host, g.opts.Port)
}

// Sessions exposes the session registry.
func (g *Gateway) Sessions() *SessionRegistry {
	return g.sessions
}

// Tools exposes the global proxy-tool registry.
func (g *Gateway) Tools() *ToolRegistry {
	return g.tools
}
