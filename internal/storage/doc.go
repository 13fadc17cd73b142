// Package storage persists user/account/target records.
//
// Two drivers share one Store interface:
//   - "file": one JSON snapshot per user, atomic rename writes
//   - "sqlite": a single SQLite database of JSON documents
//
// Defaulting rules (base delay, counter floors) are applied once here, at the
// boundary, so callers always see normalized records.
package storage
