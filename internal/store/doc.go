// Package store provides persistent storage for the relay using SQLite.
//
// # Architecture
//
// Store is the persistence gateway consumed by the delivery pipeline. It is
// deliberately narrow: the relay never manages organizations or agents beyond
// looking them up (and creating them during bootstrap).
//
// SQLiteStore implements Store on modernc.org/sqlite. MockStore is an
// in-memory implementation that enforces the same uniqueness rules, used by
// unit tests that do not need a database file.
//
// # Data Models
//
//   - Organization: tenant with a billing plan ("free" or "paid")
//   - Agent: support user, looked up by (id, org)
//   - Visitor: anonymous visitor, upserted by (org, session token)
//   - Conversation: at most one open conversation per visitor
//   - Message: immutable, unique by idempotency key
//
// # Uniqueness
//
// The store is the arbiter for concurrent duplicates:
//
//   - InsertMessage returns ErrDuplicateMessage when the idempotency key exists
//   - CreateConversation returns ErrDuplicateConversation when the visitor
//     already has an open conversation
//
// Callers resolve both by re-fetching the existing row.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
//
// Writes go through a single connection so that ":memory:" databases and
// concurrent inserts behave consistently.
package store
