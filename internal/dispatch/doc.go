// Package dispatch is the entry point of every pipeline run.
//
// A dispatch records the root activity of each scene, compiles the plan
// that starts from it and enqueues the plan heads. Three plan sources are
// supported:
//   - Dispatch: the fixed branching table entry of an activity type
//   - DispatchSpec: an ad-hoc task-spec tree, persisted by digest
//   - Restart: existing activities, re-entered through the table entry of
//     their recorded type with fresh args
//
// Every entry point accepts ActionPreview, which compiles and reports the
// heads without writing anything, and ActionStart.
//
// Heads are registered as pending executions in the same transaction that
// records their activities, and published after it commits. A publish
// failure leaves the pending record behind; restarting the activity
// enqueues it again under a new job id.
package dispatch
