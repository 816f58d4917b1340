// Package stores provides persistence for goal sets and goal instances.
// SQLiteStore is the durable implementation, with WAL mode, embedded
// migrations, latest-timestamp-wins upserts, a lease table for cross-process
// claims, and an audit trail. MemoryStore implements the same contract in
// process for tests and one-shot commands.
package stores
