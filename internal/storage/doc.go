// Package storage persists the job store.
//
// Drivers:
//   - file: one JSON document, written atomically (tmp + rename)
//   - sqlite: one row per job plus a metadata row, replaced in a transaction
//   - redis: one JSON document under a single key
//
// Missing or unreadable data loads as a fresh empty store so the scheduler
// can always start. Transport failures (I/O, connection) are returned.
package storage
