// Package oauth implements the RFC 8693 token-exchange client. The gateway
// never forwards a user's inbound token downstream; every downstream call
// carries a token minted here whose audience is the target server's.
//
// Exchanged tokens may be cached keyed by the hashed subject token and the
// audience. The cache never extends a token past its exp and is invalidated
// when a downstream server rejects a token, forcing one fresh exchange.
package oauth
