// Package gateway is the client-facing HTTP surface: the /sse event
// stream, the /messages JSON-RPC reply endpoint, the OAuth start/callback
// pair, the tool listing and the health snapshot.
//
// The surface itself is deliberately thin. Each handler resolves its
// session and delegates to the router, broker or registry; the only logic
// living here is framing (SSE events, HTML callback pages, the health
// JSON) and the admission policy: sliding-window rate limits keyed by
// session id first and originating IP as fallback, so one IP cannot drain
// a shared session's budget.
//
// Event streams use typed SSE frames: one `metadata` event carrying the
// session id, reply endpoint, authentication state, tool list and (for
// unauthenticated sessions) an authorization URL, followed by one
// `capabilities` event, then comment keepalives every 30 seconds.
package gateway
