// Package tokenstore persists per-user credentials under the gateway's
// data directory, one tokens.json per user, with an in-memory TTL cache in
// front. Writes are atomic (write-then-rename) and optionally sealed with
// XChaCha20-Poly1305 when a token key is configured.
package tokenstore
