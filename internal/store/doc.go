// Package store provides persistent storage for the gateway using SQLite.
//
// # Interfaces
//
//   - APIKeyStore: delegate credentials (create, get, list, revoke, touch)
//   - ToolCallStore: the tool call audit history
//   - Store: both, as used by the gateway
//
// SQLiteStore implements Store over modernc.org/sqlite. MockStore is an
// in-memory implementation for unit tests.
//
// # Data Models
//
//   - APIKey: a user's delegate credential; only the bcrypt hash of the
//     secret is stored
//   - ToolCallRecord: tool name, source, delegate, outcome, and duration of a
//     finished call; inputs and outputs are never stored
//
// # SQLite Configuration
//
// The store runs in WAL mode on a single connection:
//
//	PRAGMA journal_mode=WAL;
//
// The database path comes from database.path in the config file or the
// TOOLGATE_DB_PATH environment variable. Tests use t.TempDir().
//
// # Errors
//
//   - ErrNotFound: the entity does not exist, or belongs to another user
//   - ErrDuplicateKey: an API key id is already taken
//
// # Migrations
//
// createSchema creates missing tables; runMigrations adds columns to databases
// created by older versions. Both are idempotent.
package store
