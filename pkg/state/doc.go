// Package state provides durable, versioned persistence for environment
// snapshots and lock records behind a backend-agnostic Store interface.
//
// Every backend honors the same optimistic-concurrency contract: a
// snapshot write carries the version it was read at, and a write against
// a stale version fails with ErrVersionConflict without touching the
// stored document. Lock records are small versioned objects in the same
// namespace, so lock acquisition by the lock manager is a conditional
// write rather than a separate coordination service.
//
// Backends are selected by URI scheme:
//
//	mem://                   in-memory (tests, lift dev)
//	file:///var/lib/lift     one JSON document per environment
//	sqlite:///var/lib/lift.db
//	s3://bucket/prefix       conditional PutObject (If-Match) writes
package state
