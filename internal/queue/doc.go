// Package queue provides the two durable work queues of the sync engine.
//
// CompletionQueue holds completion events that arrived while their tenant was
// locked. Rows merge on (user, course, tenant) and drain FIFO; a row that fails
// MaxAttempts times becomes terminal.
//
// RegenerationQueue holds at most one pending full-rebuild request per tenant.
// Repeated requests collapse into the pending one. A failed rebuild is marked
// failed and never retried automatically.
//
// Both queues live in the record store, so they survive restarts and are shared
// by every process using the same database.
package queue
