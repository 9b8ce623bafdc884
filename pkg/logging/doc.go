// Package logging provides the structured logging system for larkgate.
//
// All log output goes through Go's standard log/slog with a text handler.
// Every entry carries a subsystem attribute ("Supervisor", "Router",
// "OAuth", ...) so operators can filter the gateway's components apart.
//
// Security-sensitive operations (token exchange, OAuth callbacks) are
// additionally recorded via Audit, which emits a flat key=value line with an
// [AUDIT] prefix for log aggregation systems. Access tokens, refresh tokens,
// authorization codes and the client secret are never logged; session IDs
// are truncated via TruncateSessionID before they reach a log line.
package logging
