// Package mcpclient is the gateway's outbound MCP client. Each downstream
// conversation is one logical operation — initialize, act, close — carrying
// an exchanged bearer token on every request. Downstream session IDs are
// handled by the transport.
package mcpclient
