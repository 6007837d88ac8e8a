// Package engine runs pipeline stages.
//
// A Worker is bound to one stage queue. For each delivery it:
//  1. Opens a transactional scope: GetOrCreate the activity, merge the
//     message args, link it to its provenance parent, and mark the job's
//     ExecutionRecord running.
//  2. Runs the stage body outside any transaction, so bodies may use the
//     store (lock pool, provider bindings) themselves.
//  3. On success commits the body's args and the success status in a
//     second scope, then publishes the successor stages derived from the
//     message's plan cursor.
//  4. On failure classifies the error and either redelivers the same job
//     id (the record is reused and its attempt counter grows) or records
//     the failure and stops that branch.
//
// CRITICAL PATTERNS:
//
// Success before successors:
// Successors are published only after the success status is committed.
// Their job ids are derived from the parent job id and plan node, so a
// delivery redelivered after a crash between commit and ack re-publishes
// the same ids and brokers drop the duplicates.
//
// No preemption:
// Stage bodies and settlement run under a context detached from the
// worker's cancellation. Shutting down stops receiving; in-flight
// messages run to completion.
package engine
