// Package storage persists per-tenant watch configuration, panel access keys
// and the operator audit trail.
//
// Drivers:
//   - file:   one JSON document per tenant, replaced atomically on every write
//   - sqlite: a single database file (modernc.org/sqlite, no cgo)
package storage
