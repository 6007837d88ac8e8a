// Package harness runs pipeline scenarios end to end against scripted
// stage bodies.
//
// A scenario dispatches scenes through the fixed branching table or an
// ad-hoc task spec, lets every stage body return scripted results, drains
// the queues one delivery at a time and asserts on the resulting trace and
// the final activity state.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	dispatch:
//	  type: download
//	  collection_id: 1
//	  scene_ids: [LC08_A]
//	  args: { correction_collection_id: 2 }
//	bodies:
//	  download:
//	    - error: TEMPORARILY_UNAVAILABLE
//	    - args: { file: /data/LC08_A.tar }
//	assertions:
//	  - type: trace_contains
//	    stage: download
//	    status: retry
//	  - type: final_outcome
//	    stage: upload
//	    collection_id: 2
//	    outcome: succeeded
//
// A body without a script, or whose script is used up, succeeds with no
// output args.
//
// # Assertion Types
//
//   - trace_contains: a trace event matches every field given
//   - trace_order: the first runs of the listed stages occur in that order
//   - trace_count: a stage ran exactly N times
//   - final_outcome: an activity's history classifies as the given outcome
//   - activity_args: an activity's stored args contain the given subset
//
// # Deterministic Testing
//
// Job ids come from testutil.SequentialIDs and store timestamps from
// testutil.Clock. Queues are drained in stage declaration order, oldest
// message first, so the same scenario yields a byte-identical trace on
// every run and can be compared against a golden file.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/download_chain.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(ctx, scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, msg := range result.Errors {
//	    log.Println(msg)
//	}
package harness
