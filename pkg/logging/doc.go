// Package logging provides the process-wide structured logger.
//
// Log calls are tagged with a subsystem name so that gateway components
// (JWKS, TokenExchange, Gateway, SessionRegistry, ...) can be filtered in
// aggregated output. The package wraps log/slog; Init selects the minimum
// level once at startup.
package logging
