// Package store is the durable source of truth for jobs and accounts.
//
// It is SQLite-backed (modernc.org/sqlite, no cgo) and survives process
// restarts; everything the scheduler knows lives here. Timestamps are
// persisted as Unix milliseconds, which are UTC by definition, and surface
// as clock.Time.
//
// The schema also carries the account_locks and rate_windows tables, but
// their rows are owned by the lock and ratelimit packages respectively;
// store only runs the migrations.
package store
