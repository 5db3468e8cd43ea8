// Package gateway implements the authenticated MCP gateway: the inbound
// Streamable-HTTP surface with bearer authentication, the per-session
// activation engine, the process-global proxy-tool registry, and the
// dispatcher that forwards tool calls downstream with exchanged tokens.
//
// Tool registration is global — a proxy's schema and forwarding logic are
// identical for every session — while visibility and authorization are
// per-session, enforced at dispatch time. Activating a server in one
// session never makes its tools callable from another.
package gateway
