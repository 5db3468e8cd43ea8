package oauth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mcpgate/pkg/logging"
)

// Token type and grant identifiers from RFC 8693.
const (
	GrantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"
	TokenTypeAccessToken   = "urn:ietf:params:oauth:token-type:access_token"
)

// Sentinel errors for the spec'd failure classes. Callers translate these
// into protocol-level error kinds.
var (
	// ErrSubjectTokenInvalid means the IdP rejected the subject token
	// itself (invalid_grant): the caller's token is expired or revoked.
	ErrSubjectTokenInvalid = errors.New("oauth: subject token invalid")

	// ErrExchangeDenied means the IdP refused to mint a token for the
	// requested audience, typically because the subject lacks the role the
	// exchange policy requires.
	ErrExchangeDenied = errors.New("oauth: token exchange denied")

	// ErrIdPUnavailable covers 5xx responses and transport failures.
	ErrIdPUnavailable = errors.New("oauth: identity provider unavailable")
)

// maxResponseBytes caps token endpoint response reads.
const maxResponseBytes = 1 << 20

// ExchangerOptions configures an Exchanger.
type ExchangerOptions struct {
	// TokenEndpoint is the IdP's token URL.
	TokenEndpoint string

	// ClientID and ClientSecret are the gateway's confidential credentials.
	ClientID     string
	ClientSecret string

	// Timeout bounds each exchange request. Zero means 5s.
	Timeout time.Duration

	// CacheEnabled turns on the exchanged-token cache.
	CacheEnabled bool

	// CacheMaxTTL caps cache entry lifetime; entries never outlive the
	// token's own exp regardless.
	CacheMaxTTL time.Duration

	// HTTPClient overrides the HTTP client, e.g. for custom TLS. Timeout
	// still applies per request via context.
	HTTPClient *http.Client
}

// Exchanger performs RFC 8693 token exchange against the IdP, narrowing the
// caller's token to a single downstream audience.
//
// Thread-safe: the HTTP client and the cache handle concurrent use.
type Exchanger struct {
	tokenEndpoint string
	clientID      string
	clientSecret  string
	timeout       time.Duration
	httpClient    *http.Client
	cache         *tokenCache
}

// NewExchanger creates an Exchanger.
func NewExchanger(opts ExchangerOptions) *Exchanger {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	var cache *tokenCache
	if opts.CacheEnabled {
		maxTTL := opts.CacheMaxTTL
		if maxTTL <= 0 {
			maxTTL = 5 * time.Minute
		}
		cache = newTokenCache(maxTTL)
	}

	return &Exchanger{
		tokenEndpoint: opts.TokenEndpoint,
		clientID:      opts.ClientID,
		clientSecret:  opts.ClientSecret,
		timeout:       timeout,
		httpClient:    httpClient,
		cache:         cache,
	}
}

// tokenResponse is the success envelope from the token endpoint.
type tokenResponse struct {
	AccessToken     string `json:"access_token"`
	IssuedTokenType string `json:"issued_token_type"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int    `json:"expires_in"`
}

// errorResponse is the RFC 6749 error envelope.
type errorResponse struct {
	ErrorCode        string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Exchange trades subjectToken for a token whose aud is audience. The
// subject token is the caller's verbatim inbound JWT; the issued token is
// what goes downstream — the original never does.
func (e *Exchanger) Exchange(ctx context.Context, subjectToken, audience string) (string, error) {
	if subjectToken == "" {
		return "", fmt.Errorf("subject token is required")
	}
	if audience == "" {
		return "", fmt.Errorf("audience is required")
	}

	if e.cache != nil {
		if tok, ok := e.cache.get(subjectToken, audience); ok {
			logging.Debug("TokenExchange", "Cache hit for audience=%s", audience)
			return tok, nil
		}
	}

	form := url.Values{}
	form.Set("grant_type", GrantTypeTokenExchange)
	form.Set("client_id", e.clientID)
	form.Set("client_secret", e.clientSecret)
	form.Set("subject_token", subjectToken)
	form.Set("subject_token_type", TokenTypeAccessToken)
	form.Set("audience", audience)

	reqCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, e.tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		logging.Warn("TokenExchange", "Token endpoint unreachable: %v", err)
		return "", fmt.Errorf("%w: %v", ErrIdPUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("%w: failed to read response: %v", ErrIdPUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var tr tokenResponse
		if err := json.Unmarshal(body, &tr); err != nil {
			return "", fmt.Errorf("%w: malformed token response: %v", ErrIdPUnavailable, err)
		}
		if tr.AccessToken == "" {
			return "", fmt.Errorf("%w: token response missing access_token", ErrIdPUnavailable)
		}
		if e.cache != nil {
			e.cache.put(subjectToken, audience, tr.AccessToken, tokenExpiry(tr))
		}
		logging.Debug("TokenExchange", "Exchanged token for audience=%s", audience)
		return tr.AccessToken, nil

	case resp.StatusCode == http.StatusBadRequest:
		var er errorResponse
		_ = json.Unmarshal(body, &er)
		if er.ErrorCode == "invalid_grant" {
			return "", fmt.Errorf("%w: %s", ErrSubjectTokenInvalid, er.ErrorDescription)
		}
		return "", fmt.Errorf("%w: audience %q: %s %s", ErrExchangeDenied, audience, er.ErrorCode, er.ErrorDescription)

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("%w for audience %q: the user lacks the required access role", ErrExchangeDenied, audience)

	case resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: token endpoint returned %d", ErrIdPUnavailable, resp.StatusCode)

	default:
		return "", fmt.Errorf("%w: unexpected status %d from token endpoint", ErrIdPUnavailable, resp.StatusCode)
	}
}

// Invalidate drops any cached token for (subjectToken, audience). Called
// when a downstream server rejects a token so the retry re-exchanges.
func (e *Exchanger) Invalidate(subjectToken, audience string) {
	if e.cache == nil {
		return
	}
	e.cache.invalidate(subjectToken, audience)
	logging.Debug("TokenExchange", "Invalidated cached token for audience=%s", audience)
}

// Stop halts the cache sweep goroutine. Safe to call more than once and on
// exchangers created without a cache.
func (e *Exchanger) Stop() {
	if e.cache != nil {
		e.cache.stop()
	}
}

// tokenExpiry determines the issued token's expiry: the exp claim wins,
// expires_in is the fallback.
func tokenExpiry(tr tokenResponse) time.Time {
	if exp, ok := jwtExpiry(tr.AccessToken); ok {
		return exp
	}
	if tr.ExpiresIn > 0 {
		return time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return time.Time{}
}

// jwtExpiry reads the exp claim from a compact JWT payload without verifying
// the signature. The downstream server performs full verification; here the
// claim only bounds the cache lifetime.
func jwtExpiry(token string) (time.Time, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return time.Time{}, false
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return time.Time{}, false
	}
	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil || claims.Exp == 0 {
		return time.Time{}, false
	}
	return time.Unix(claims.Exp, 0), true
}
