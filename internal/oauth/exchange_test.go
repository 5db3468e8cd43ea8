package oauth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeJWT builds an unsigned-but-well-formed compact JWT with the given exp.
func fakeJWT(exp time.Time) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256","typ":"JWT"}`))
	payload, _ := json.Marshal(map[string]any{"exp": exp.Unix()})
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"
}

type idpStub struct {
	status    int
	body      string
	calls     atomic.Int32
	lastForm  map[string]string
	issueFunc func() string
}

func (s *idpStub) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.calls.Add(1)
		_ = r.ParseForm()
		s.lastForm = map[string]string{}
		for k := range r.PostForm {
			s.lastForm[k] = r.PostForm.Get(k)
		}

		if s.status != http.StatusOK {
			w.WriteHeader(s.status)
			_, _ = w.Write([]byte(s.body))
			return
		}
		token := s.body
		if s.issueFunc != nil {
			token = s.issueFunc()
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"access_token":%q,"token_type":"Bearer","expires_in":300}`, token)
	})
}

func newExchanger(t *testing.T, stub *idpStub, cacheEnabled bool) *Exchanger {
	t.Helper()
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)

	e := NewExchanger(ExchangerOptions{
		TokenEndpoint: srv.URL,
		ClientID:      "mcp-gateway",
		ClientSecret:  "mcp-gateway-secret",
		CacheEnabled:  cacheEnabled,
		CacheMaxTTL:   time.Minute,
	})
	t.Cleanup(e.Stop)

	return e
}

func TestExchangeSendsRFC8693Form(t *testing.T) {
	stub := &idpStub{status: http.StatusOK, body: fakeJWT(time.Now().Add(time.Hour))}
	e := newExchanger(t, stub, false)

	subject := fakeJWT(time.Now().Add(time.Hour))
	tok, err := e.Exchange(context.Background(), subject, "mcp-weather")
	require.NoError(t, err)
	assert.NotEmpty(t, tok)

	assert.Equal(t, GrantTypeTokenExchange, stub.lastForm["grant_type"])
	assert.Equal(t, "mcp-gateway", stub.lastForm["client_id"])
	assert.Equal(t, "mcp-gateway-secret", stub.lastForm["client_secret"])
	assert.Equal(t, subject, stub.lastForm["subject_token"])
	assert.Equal(t, TokenTypeAccessToken, stub.lastForm["subject_token_type"])
	assert.Equal(t, "mcp-weather", stub.lastForm["audience"])
}

func TestExchangeErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{
			"invalid_grant maps to subject token invalid",
			http.StatusBadRequest,
			`{"error":"invalid_grant","error_description":"Invalid token"}`,
			ErrSubjectTokenInvalid,
		},
		{
			"other 400 maps to denied",
			http.StatusBadRequest,
			`{"error":"access_denied","error_description":"no policy"}`,
			ErrExchangeDenied,
		},
		{
			"403 maps to denied",
			http.StatusForbidden,
			`{"error":"access_denied"}`,
			ErrExchangeDenied,
		},
		{
			"401 maps to denied",
			http.StatusUnauthorized,
			``,
			ErrExchangeDenied,
		},
		{
			"500 maps to unavailable",
			http.StatusInternalServerError,
			`boom`,
			ErrIdPUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &idpStub{status: tt.status, body: tt.body}
			e := newExchanger(t, stub, false)

			_, err := e.Exchange(context.Background(), "subject-token", "mcp-weather")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestExchangeDeniedMessageNamesAudience(t *testing.T) {
	stub := &idpStub{status: http.StatusForbidden}
	e := newExchanger(t, stub, false)

	_, err := e.Exchange(context.Background(), "subject-token", "mcp-calculator")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mcp-calculator")
	assert.Contains(t, err.Error(), "role")
}

func TestExchangeNetworkErrorMapsToUnavailable(t *testing.T) {
	e := NewExchanger(ExchangerOptions{
		// Closed port: connection refused.
		TokenEndpoint: "http://127.0.0.1:1/token",
		ClientID:      "mcp-gateway",
		ClientSecret:  "secret",
	})

	_, err := e.Exchange(context.Background(), "subject-token", "mcp-weather")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIdPUnavailable)
}

func TestExchangeCacheHit(t *testing.T) {
	stub := &idpStub{status: http.StatusOK, body: fakeJWT(time.Now().Add(time.Hour))}
	e := newExchanger(t, stub, true)

	subject := fakeJWT(time.Now().Add(time.Hour))

	tok1, err := e.Exchange(context.Background(), subject, "mcp-weather")
	require.NoError(t, err)
	tok2, err := e.Exchange(context.Background(), subject, "mcp-weather")
	require.NoError(t, err)

	assert.Equal(t, tok1, tok2)
	assert.Equal(t, int32(1), stub.calls.Load())

	// A different audience is a different cache key.
	_, err = e.Exchange(context.Background(), subject, "mcp-calculator")
	require.NoError(t, err)
	assert.Equal(t, int32(2), stub.calls.Load())
}

func TestExchangeCacheInvalidation(t *testing.T) {
	stub := &idpStub{status: http.StatusOK, body: fakeJWT(time.Now().Add(time.Hour))}
	e := newExchanger(t, stub, true)

	subject := fakeJWT(time.Now().Add(time.Hour))

	_, err := e.Exchange(context.Background(), subject, "mcp-weather")
	require.NoError(t, err)

	e.Invalidate(subject, "mcp-weather")

	_, err = e.Exchange(context.Background(), subject, "mcp-weather")
	require.NoError(t, err)
	assert.Equal(t, int32(2), stub.calls.Load())
}

func TestExchangeCacheNeverOutlivesExp(t *testing.T) {
	// Issued token expires almost immediately; the cache must not serve it
	// past exp even though maxTTL is a minute.
	stub := &idpStub{
		status:    http.StatusOK,
		issueFunc: func() string { return fakeJWT(time.Now().Add(50 * time.Millisecond)) },
	}
	e := newExchanger(t, stub, true)

	subject := fakeJWT(time.Now().Add(time.Hour))

	_, err := e.Exchange(context.Background(), subject, "mcp-weather")
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)

	_, err = e.Exchange(context.Background(), subject, "mcp-weather")
	require.NoError(t, err)
	assert.Equal(t, int32(2), stub.calls.Load(), "expired entry must force a fresh exchange")
}

func TestExchangeValidatesInputs(t *testing.T) {
	e := NewExchanger(ExchangerOptions{TokenEndpoint: "http://localhost/token"})

	_, err := e.Exchange(context.Background(), "", "aud")
	assert.Error(t, err)

	_, err = e.Exchange(context.Background(), "token", "")
	assert.Error(t, err)
}

func TestTokenCacheBounds(t *testing.T) {
	c := newTokenCache(time.Minute)
	defer c.stop()

	t.Run("entry bounded by exp below maxTTL", func(t *testing.T) {
		c.put("subject", "aud", "tok", time.Now().Add(-time.Second))
		_, ok := c.get("subject", "aud")
		assert.False(t, ok, "already-expired token must not be stored")
	})

	t.Run("unknown exp falls back to maxTTL", func(t *testing.T) {
		c.put("subject2", "aud", "tok", time.Time{})
		got, ok := c.get("subject2", "aud")
		assert.True(t, ok)
		assert.Equal(t, "tok", got)
	})

	t.Run("invalidate removes only the matching key", func(t *testing.T) {
		c.put("s3", "aud-a", "ta", time.Time{})
		c.put("s3", "aud-b", "tb", time.Time{})
		c.invalidate("s3", "aud-a")

		_, ok := c.get("s3", "aud-a")
		assert.False(t, ok)
		got, ok := c.get("s3", "aud-b")
		assert.True(t, ok)
		assert.Equal(t, "tb", got)
		assert.Equal(t, 2, c.len())
	})
}

func TestTokenCacheSweep(t *testing.T) {
	c := newTokenCache(time.Minute)
	defer c.stop()

	c.put("s1", "aud", "expiring", time.Now().Add(20*time.Millisecond))
	c.put("s2", "aud", "fresh", time.Time{})
	require.Equal(t, 2, c.len())

	time.Sleep(50 * time.Millisecond)

	// Sweep drops expired entries without any read touching them.
	removed := c.sweep()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, c.len())

	got, ok := c.get("s2", "aud")
	assert.True(t, ok)
	assert.Equal(t, "fresh", got)
}

func TestExchangerStopIsIdempotent(t *testing.T) {
	stub := &idpStub{status: http.StatusOK, body: fakeJWT(time.Now().Add(time.Hour))}
	e := newExchanger(t, stub, true)

	e.Stop()
	e.Stop()

	// An exchanger without a cache has nothing to stop.
	bare := NewExchanger(ExchangerOptions{TokenEndpoint: "http://localhost/token"})
	bare.Stop()
}
