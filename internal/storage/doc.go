// Package storage persists the reminder's fire record and delivery audit log.
//
// The fire record (last calendar date that fired) is what keeps a restarted
// daemon from delivering twice on the same day. The audit log is operational
// history only; nothing reads it back for correctness.
//
// Drivers: memory (default), file, sqlite, postgres.
package storage
