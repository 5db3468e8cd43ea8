package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"mcpgate/internal/jwtauth"
	"mcpgate/pkg/logging"

	mcpserver "github.com/mark3labs/mcp-go/server"
)

// bearerMiddleware authenticates every request to the MCP endpoint before
// the protocol layer sees it. Validation precedes any state mutation or
// downstream call: a tampered or missing token never creates a session.
func (g *Gateway) bearerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			unauthorized(w, "missing bearer token")
			return
		}

		principal, err := g.opts.Verifier.Validate(r.Context(), raw)
		if err != nil {
			logging.Debug("Gateway", "Rejected inbound token: %v", err)
			unauthorized(w, "invalid token")
			return
		}

		ctx := jwtauth.ContextWithPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken extracts the compact JWT from the Authorization header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return auth[len(prefix):]
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="mcpgate"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = fmt.Fprintf(w, `{"error":"unauthorized","error_description":%q}`, message)
}

// sessionIDFromContext returns the MCP session ID the transport attached to
// the request, or empty when the request carries none.
func sessionIDFromContext(ctx context.Context) string {
	if s := mcpserver.ClientSessionFromContext(ctx); s != nil {
		return s.SessionID()
	}
	return ""
}

// sessionIDByteLen is the entropy of generated session IDs: 16 bytes is the
// 128-bit floor the protocol surface requires.
const sessionIDByteLen = 16

// sessionIDManager issues and tracks MCP session IDs for the streamable
// transport. Generate is called on initialize, Validate on every subsequent
// request, Terminate on session DELETE. Tracking in the gateway's session
// registry makes unknown session IDs hard failures rather than silently
// accepted opaque strings.
type sessionIDManager struct {
	sessions *SessionRegistry
}

func newSessionIDManager(sessions *SessionRegistry) *sessionIDManager {
	return &sessionIDManager{sessions: sessions}
}

// Generate mints a fresh opaque session ID and registers the session.
func (m *sessionIDManager) Generate() string {
	buf := make([]byte, sessionIDByteLen)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure means the process is in no state to serve.
		panic(fmt.Sprintf("failed to generate session ID: %v", err))
	}
	id := "mcp-session-" + hex.EncodeToString(buf)

	if _, err := m.sessions.Create(id); err != nil {
		logging.Warn("Gateway", "Failed to register session: %v", err)
	}
	return id
}

// Validate accepts only session IDs this process issued and still tracks.
func (m *sessionIDManager) Validate(sessionID string) (bool, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return false, err
	}
	if !m.sessions.Known(sessionID) {
		return true, &SessionNotFoundError{SessionID: sessionID}
	}
	return false, nil
}

// Terminate drops the session state.
func (m *sessionIDManager) Terminate(sessionID string) (bool, error) {
	m.sessions.Delete(sessionID)
	return false, nil
}
