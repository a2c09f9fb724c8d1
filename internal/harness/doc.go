// Package harness runs YAML scenarios against a fully wired sync engine.
//
// Each scenario gets a fresh SQLite database, an in-memory snapshot
// filesystem, a fake clock and a recording pusher in place of the remote API.
// Setup steps seed host data directly; flow steps drive the real orchestrator
// and report the outcome they observed, which is checked against the step's
// expect clause.
//
// # Scenario Format
//
//	name: locked_tenant_queues
//	description: "A completion for a locked tenant is queued and drained by the sweep"
//	setup:
//	  - action: tenant
//	    args: { id: 1, name: Acme }
//	  - action: lock
//	    args: { tenant_id: 1, holder: other }
//	flow:
//	  - invoke: complete
//	    args: { user_id: 5, course_id: 10 }
//	    expect:
//	      case: queued
//	      result: { tenant_id: 1 }
//	assertions:
//	  - type: trace_count
//	    action: push
//	    count: 0
//	  - type: final_state
//	    table: completion_queue
//	    where: { user_id: 5 }
//	    expect: { status: pending }
//
// # Trace
//
// Every step appends an invocation event and a completion event. Each push
// the engine makes during a step is recorded between them as a "push"
// invocation whose args carry tenant_id, resource_id, records and unique_ids,
// so trace assertions can check what reached the remote API.
//
// # Assertion Types
//
//   - trace_contains: an invocation with the action and matching args exists
//   - trace_order: the actions appear in order
//   - trace_count: the action appears exactly N times (args filter optional)
//   - final_state: exactly one row matches where and has the expected values
//   - row_count: exactly N rows of the table match where
package harness
