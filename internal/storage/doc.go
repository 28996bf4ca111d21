// Package storage provides the key-value store abstraction backing all
// gateway state: sessions, authorization flows, registered clients, bearer
// tokens, and rate-limit counters.
//
// Two backends are available:
//   - "valkey": a Valkey/Redis-compatible server, required for production
//     deployments where multiple gateway replicas share state
//   - "memory": an in-process store with the same semantics, for development
//     and tests
//
// All cross-key invariants are maintained with single-key atomic operations:
// conditional sets (SetNX), atomic read-and-delete (GetDel), server-side
// windowed counters (IncrWindow), and optimistic-concurrency updates (Update).
// No multi-key transaction is required by callers.
package storage
