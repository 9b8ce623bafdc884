// Package supervisor owns the worker fleet: one single-user tool-server
// child process per authenticated user, plus the always-on default worker
// serving unauthenticated sessions.
//
// # Responsibilities
//
//   - Spawning worker processes with their port, credentials and token
//     directory on the command line
//   - Readiness probing after spawn (bounded polling of /health)
//   - Periodic liveness sweeps over running workers
//   - Idle reaping of non-default workers
//   - Port allocation from a fixed window above the base port
//   - Crash handling and graceful/forced termination
//
// # Worker lifecycle
//
//	          spawn
//	  (none) ──────► starting ── exit during startup ──► stopped
//	                    │ readiness OK, or timeout with the child alive
//	                    ▼
//	                 running ── stop ──► stopping ── exit ──► stopped
//	                    │
//	                    ├── probe / transport failure ──► error
//	                    └── unexpected exit ──► stopped (default worker: error)
//
// A broken worker is never revived in place: the next routing attempt for
// its user observes the error state and materializes a fresh instance. The
// default worker is the exception; it is never removed while the gateway
// runs, and a crash surfaces as the error state on the health endpoint.
//
// # Locking
//
// The worker table, the default-worker slot and the port bookkeeping are
// mutated only under a single exclusive lock. Everything that can suspend
// (HTTP probes, process spawning, directory creation) happens outside that
// lock. Lazy per-user creation is deduplicated with a singleflight group so
// a burst of requests for one user spawns exactly one process.
package supervisor
