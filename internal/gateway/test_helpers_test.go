package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mcpgate/internal/catalog"
	"mcpgate/internal/jwtauth"
	"mcpgate/internal/jwtauth/jwtauthtest"
	"mcpgate/internal/mcpclient"
	"mcpgate/internal/oauth"

	"github.com/mark3labs/mcp-go/mcp"
)

const testCatalogYAML = `
servers:
  weather:
    description: Weather forecasts and current conditions
    url: http://weather.test/mcp
    audience: mcp-weather
    required_role: access:weather
  calculator:
    description: Arithmetic operations
    url: http://calculator.test/mcp
    audience: mcp-calculator
    required_role: access:calculator
  open:
    description: No role required
    url: http://open.test/mcp
    audience: mcp-open
`

// downstreamCall records one downstream invocation observed by the fake.
type downstreamCall struct {
	URL   string
	Token string
	Tool  string
	Args  map[string]interface{}
}

// fakeDownstream stands in for the fleet of downstream MCP servers.
type fakeDownstream struct {
	mu sync.Mutex

	// tools maps a server URL to the tools it advertises.
	tools map[string][]mcp.Tool

	// initErr and listErr inject failures.
	initErr error
	listErr error

	// callFunc decides the outcome of each tools/call.
	callFunc func(call downstreamCall) (*mcp.CallToolResult, error)

	listCalls []downstreamCall
	toolCalls []downstreamCall
}

func newFakeDownstream() *fakeDownstream {
	return &fakeDownstream{
		tools: map[string][]mcp.Tool{
			"http://weather.test/mcp": {
				{
					Name:        "get_weather",
					Description: "Current conditions",
					InputSchema: mcp.ToolInputSchema{
						Type: "object",
						Properties: map[string]interface{}{
							"location": map[string]interface{}{"type": "string"},
						},
						Required: []string{"location"},
					},
				},
				{
					Name:        "get_forecast",
					Description: "Forecast",
					InputSchema: mcp.ToolInputSchema{
						Type:       "object",
						Properties: map[string]interface{}{},
					},
				},
			},
			"http://calculator.test/mcp": {
				{
					Name:        "add",
					Description: "Add two numbers",
					InputSchema: mcp.ToolInputSchema{
						Type: "object",
						Properties: map[string]interface{}{
							"a": map[string]interface{}{"type": "number"},
							"b": map[string]interface{}{"type": "number"},
						},
						Required: []string{"a", "b"},
					},
				},
			},
		},
		callFunc: func(call downstreamCall) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText("ok"), nil
		},
	}
}

func (f *fakeDownstream) factory() mcpclient.Factory {
	return func(url, token string, timeout time.Duration) mcpclient.Client {
		return &fakeClient{fake: f, url: url, token: token}
	}
}

func (f *fakeDownstream) listCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listCalls)
}

func (f *fakeDownstream) toolCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.toolCalls)
}

func (f *fakeDownstream) lastToolCall() downstreamCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.toolCalls[len(f.toolCalls)-1]
}

type fakeClient struct {
	fake  *fakeDownstream
	url   string
	token string
}

func (c *fakeClient) Initialize(ctx context.Context) error {
	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()
	return c.fake.initErr
}

func (c *fakeClient) Close() error { return nil }

func (c *fakeClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()

	c.fake.listCalls = append(c.fake.listCalls, downstreamCall{URL: c.url, Token: c.token})
	if c.fake.listErr != nil {
		return nil, c.fake.listErr
	}
	tools, ok := c.fake.tools[c.url]
	if !ok {
		return nil, fmt.Errorf("%w: unknown server %s", mcpclient.ErrDownstreamUnavailable, c.url)
	}
	return tools, nil
}

func (c *fakeClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	c.fake.mu.Lock()
	call := downstreamCall{URL: c.url, Token: c.token, Tool: name, Args: args}
	c.fake.toolCalls = append(c.fake.toolCalls, call)
	fn := c.fake.callFunc
	c.fake.mu.Unlock()

	return fn(call)
}

// testEnv wires a Gateway against a stub IdP and the fake downstream fleet.
type testEnv struct {
	g        *Gateway
	fake     *fakeDownstream
	signer   *jwtauthtest.Signer
	idpCalls *atomic.Int32

	// issuedToken controls what the stub IdP returns: "<issuedToken>-<audience>".
	issuedToken atomic.Value
}

const (
	envIssuer   = "http://idp.test/realms/mcp"
	envAudience = "mcp-gateway"
)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		fake:     newFakeDownstream(),
		signer:   jwtauthtest.NewSigner(t, envIssuer),
		idpCalls: &atomic.Int32{},
	}
	env.issuedToken.Store("tok")

	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.idpCalls.Add(1)
		_ = r.ParseForm()
		audience := r.PostForm.Get("audience")
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"access_token":"%s-%s","token_type":"Bearer","expires_in":300}`,
			env.issuedToken.Load().(string), audience)
	}))
	t.Cleanup(idp.Close)

	reg, err := catalog.Parse([]byte(testCatalogYAML))
	if err != nil {
		t.Fatalf("failed to parse test catalog: %v", err)
	}

	verifier := jwtauth.NewVerifierWithKeyfunc(jwtauth.Config{
		Issuer:   envIssuer,
		Audience: envAudience,
	}, env.signer.Keyfunc())

	exchanger := oauth.NewExchanger(oauth.ExchangerOptions{
		TokenEndpoint: idp.URL,
		ClientID:      "mcp-gateway",
		ClientSecret:  "secret",
		CacheEnabled:  true,
		CacheMaxTTL:   time.Minute,
	})
	t.Cleanup(exchanger.Stop)

	g, err := New(Options{
		Catalog:           reg,
		Verifier:          verifier,
		Exchanger:         exchanger,
		ClientFactory:     env.fake.factory(),
		DownstreamTimeout: 5 * time.Second,
		ListToolsTimeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to create gateway: %v", err)
	}
	t.Cleanup(g.sessions.Stop)

	env.g = g
	return env
}

// principal builds an authenticated test principal. The raw token is a real
// signed JWT so exchange cache keys differ per subject.
func (env *testEnv) principal(t *testing.T, subject string, roles ...string) *jwtauth.Principal {
	t.Helper()

	roleSet := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		roleSet[r] = struct{}{}
	}
	return &jwtauth.Principal{
		Subject:   subject,
		Username:  subject,
		Roles:     roleSet,
		RawToken:  env.signer.AccessToken(t, envAudience, subject, subject, roles...),
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

// session creates a tracked session.
func (env *testEnv) session(t *testing.T, id string) *Session {
	t.Helper()
	s, err := env.g.sessions.Create(id)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	return s
}

// fakeClientSession satisfies the mcp-go ClientSession interface so tool
// handlers can be driven directly with a chosen session ID.
type fakeClientSession struct {
	id       string
	notif    chan mcp.JSONRPCNotification
	initOnce sync.Once
	inited   atomic.Bool
}

func newFakeClientSession(id string) *fakeClientSession {
	return &fakeClientSession{id: id, notif: make(chan mcp.JSONRPCNotification, 8)}
}

func (s *fakeClientSession) SessionID() string { return s.id }
func (s *fakeClientSession) NotificationChannel() chan<- mcp.JSONRPCNotification {
	return s.notif
}
func (s *fakeClientSession) Initialize() {
	s.initOnce.Do(func() { s.inited.Store(true) })
}
func (s *fakeClientSession) Initialized() bool { return s.inited.Load() }

// handlerContext builds the context a tool handler would see for the given
// principal and session.
func (env *testEnv) handlerContext(p *jwtauth.Principal, sessionID string) context.Context {
	ctx := context.Background()
	if p != nil {
		ctx = jwtauth.ContextWithPrincipal(ctx, p)
	}
	if sessionID != "" {
		ctx = env.g.mcpServer.WithContext(ctx, newFakeClientSession(sessionID))
	}
	return ctx
}
