// Package store provides SQLite-backed durable storage for one cell's ops.
//
// The store is partitioned into scopes:
//   - authored: the local source chain, private entries included
//   - pending: ops waiting for validation or integration
//   - integrated: ops with a Valid verdict whose prerequisites are integrated
//   - rejected: ops with a Rejected verdict, kept for audit
//
// Op membership lives in a single ops table with a scope column, so an op
// is a member of exactly one scope at a time. Headers, entries and
// metadata (links, agent activity, updates, deletes) are stored per scope
// and move with their ops.
//
// # Ordering
//
// Integration order is recorded as seq INTEGER, supplied by the caller's
// logical clock, never by timestamps. Queries that return lists order by
// seq then hash COLLATE BINARY so results are identical across runs.
//
// # Concurrency
//
// All writes go through a single-connection writer pool and commit one
// transaction per logical move. Snapshots use a separate query-only
// reader pool; in WAL mode a snapshot never observes a partial move.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
