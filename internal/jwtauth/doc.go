// Package jwtauth validates inbound bearer tokens offline against the IdP's
// JWKS and derives the per-request Principal consulted by role checks and
// token exchange. Signing keys are cached and refreshed automatically, so
// the request hot path never waits on the IdP.
package jwtauth
