package gateway

import (
	"errors"
	"fmt"

	"mcpgate/internal/jwtauth"
	"mcpgate/internal/mcpclient"
	"mcpgate/internal/oauth"
)

// Kind classifies gateway failures. The names surface verbatim in the
// error field of built-in tool results and as message prefixes on proxied
// tool errors.
type Kind string

const (
	KindUnauthenticated    Kind = "Unauthenticated"
	KindPermissionDenied   Kind = "PermissionDenied"
	KindNotFound           Kind = "NotFound"
	KindPreconditionFailed Kind = "PreconditionFailed"
	KindInvalidArgument    Kind = "InvalidArgument"
	KindConflict           Kind = "Conflict"
	KindUpstream           Kind = "Upstream"
	KindInternal           Kind = "Internal"
)

// ToolConflictError is returned when a downstream server advertises a tool
// name already owned by a different server. This is a catalog configuration
// error, not a per-request condition.
type ToolConflictError struct {
	Tool     string
	Owner    string
	Claimant string
}

func (e *ToolConflictError) Error() string {
	return fmt.Sprintf("tool name %q is already registered by server %q (requested by %q)",
		e.Tool, e.Owner, e.Claimant)
}

// SessionNotFoundError is returned when a request references a session the
// gateway does not know.
type SessionNotFoundError struct {
	SessionID string
}

func (e *SessionNotFoundError) Error() string {
	return "session not found"
}

// InvalidSessionIDError is returned when a session ID fails validation.
type InvalidSessionIDError struct {
	Reason string
}

func (e *InvalidSessionIDError) Error() string {
	return "invalid session ID: " + e.Reason
}

// SessionLimitExceededError is returned when the maximum session count is
// reached.
type SessionLimitExceededError struct {
	Limit   int
	Current int
}

func (e *SessionLimitExceededError) Error() string {
	return fmt.Sprintf("session limit exceeded: %d/%d sessions", e.Current, e.Limit)
}

// classifyError maps an error from any collaborator onto the taxonomy.
func classifyError(err error) Kind {
	var conflict *ToolConflictError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, jwtauth.ErrUnauthorized),
		errors.Is(err, oauth.ErrSubjectTokenInvalid),
		errors.Is(err, mcpclient.ErrDownstreamRejected):
		return KindUnauthenticated
	case errors.Is(err, oauth.ErrExchangeDenied):
		return KindPermissionDenied
	case errors.Is(err, oauth.ErrIdPUnavailable),
		errors.Is(err, mcpclient.ErrDownstreamUnavailable):
		return KindUpstream
	case errors.As(err, &conflict):
		return KindConflict
	default:
		return KindInternal
	}
}
