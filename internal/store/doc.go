// Package store persists conversation continuity tokens with a sliding expiration.
//
// # Architecture
//
// SessionStore is the adapter the relay service depends on. Three
// implementations are provided:
//
//   - RedisStore: GET / SET key value EX seconds / TTL / DEL against Redis
//   - SQLiteStore: a sessions table with per-row expiry (modernc.org/sqlite)
//   - MemoryStore: a process-local map, for single-process use and tests
//
// All three are safe for concurrent use by every user task.
//
// # Record Format
//
// Each user has at most one record, keyed by a configurable prefix plus the
// user identifier (default "chatgpt:<user>"). The value is
//
//	<conversationId>|<parentId>
//
// Only the current tokens are stored. Rollback history lives in memory.
//
// # Sliding Expiration
//
// Save resets the lifetime to the full window. An absent or expired record
// means "no prior conversation". Renew performs the conditional refresh
// ("extend only if less than threshold remains") atomically so that two
// concurrent refreshes cannot both win: Redis runs it as a Lua script,
// SQLite as a single conditional UPDATE, MemoryStore under its mutex.
//
// # Exchange Log
//
// SQLiteStore also implements ExchangeLog, an informational record of each
// completed exchange (sizes, elapsed time, whether the tokens were persisted).
//
// # Error Handling
//
//   - ErrStoreUnavailable: the backend could not be reached or failed
//   - ErrCorruptRecord: a stored value is missing the delimiter
package store
