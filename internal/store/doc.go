// Package store provides SQLite-backed durable storage for compsync.
//
// The store holds the host platform's facts (tenants, users, courses,
// completions), per-tenant configuration (credentials, sync rules) and the
// engine's own coordination state:
//   - Lock leases: one row per tenant, taken with a conditional upsert
//   - Completion queue: at most one pending row per (user, course, tenant)
//   - Regeneration requests: at most one pending row per tenant
//   - Sync attempts: append-only audit log
//
// # Tenant Resolution
//
// users.tenant_id is the only path from a user to a tenant. Every read that is
// scoped to a tenant joins through it.
//
// # Batched Reads
//
// Snapshot reads use keyset pagination (WHERE id > ? ORDER BY id LIMIT ?) so
// generation never materializes a whole tenant in one query. ID sets are bound
// as one JSON array and expanded with json_each, so no query grows with the
// size of a rule or a batch.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Multiple compsync processes may open the same database file; every
// coordination write is a single atomic statement or transaction.
package store
