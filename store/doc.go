// Package store groups the durable history.Store implementations. Each
// subpackage persists the append-only message log of every session so a
// machine can be restored after a restart.
//
//   - sqlite: a single file (or in-memory) database via database/sql
//   - redis: one list per session
package store
