// Package model defines the domain types shared by every compsync package.
//
// This package contains type definitions and small pure helpers only. All other
// internal packages import model; model imports nothing internal.
//
// Key design constraints:
//   - Tenant IDs are always passed explicitly, never read from ambient state
//   - Timestamps are persisted as Unix seconds
//   - A pushed payload is always a complete tenant snapshot (full replacement)
package model
