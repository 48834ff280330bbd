package store

// AllSchemas returns the DDL statements for the store, in apply order.
// Statements are portable across SQLite and PostgreSQL.
func AllSchemas() []string {
	return []string{
		schemaEntries,
		schemaEntriesIndex,
		schemaCounters,
	}
}

const schemaEntries = `
CREATE TABLE IF NOT EXISTS kv_entries (
	user_id    TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      BLOB,
	byte_size  INTEGER NOT NULL DEFAULT 0,
	written_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	PRIMARY KEY (user_id, key)
)`

const schemaEntriesIndex = `
CREATE INDEX IF NOT EXISTS idx_kv_entries_eviction
ON kv_entries (user_id, written_at)`

const schemaCounters = `
CREATE TABLE IF NOT EXISTS kv_counters (
	user_id    TEXT NOT NULL,
	key        TEXT NOT NULL,
	count      INTEGER NOT NULL DEFAULT 0,
	expires_at TIMESTAMP NOT NULL,
	PRIMARY KEY (user_id, key)
)`
