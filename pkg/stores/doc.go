// Package stores provides the durable SQLite-backed state store for the
// orchestration engine: sessions, phase records, data bridge entries,
// rollback actions, audit trail and per-session advisory claims. The store
// survives process restarts, which is what makes Resume possible.
package stores
