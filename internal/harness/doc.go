// Package harness runs mutation scenarios for conformance testing.
//
// A scenario is a YAML file that calls mutations, optionally holding one of
// them at the retry-loop-start pause point while other mutations run, and
// then checks what happened.
//
// # Scenario Format
//
//	name: occ_succeeds_on_last_attempt
//	description: "Conflicts on every attempt but the last"
//	max_retries: 2
//	modules: ../functions        # optional, defaults to the embedded test modules
//	setup:
//	  - call: basic:insertObject
//	    args: [{ an: object }]
//	flow:
//	  - call: basic:insertAndCount
//	    args: [{ an: object }]
//	    pause:
//	      hits: 3                # pause hits to release
//	      rounds: 2              # hits at which while_paused runs
//	      while_paused:
//	        - call: basic:insertAndCount
//	          args: [{ an: object }]
//	    expect:
//	      status: success
//	      value: 3
//	      attempts: 3
//	assertions:
//	  - type: attempt_outcomes
//	    step: 0
//	    outcomes: [conflicted, conflicted, succeeded]
//	  - type: final_count
//	    table: objects
//	    count: 4
//
// # Assertion Types
//
//   - attempt_outcomes: the outcome of every attempt of a flow step
//   - trace_contains: the final attempt of a step made a capability request
//   - trace_count: the final attempt of a step made a request exactly N times
//   - final_count: number of documents in a table after the flow
//   - log_contains: a log line of a step contains a message
//
// # Deterministic Testing
//
// Every scenario runs against a fresh in-memory store with the test runtime,
// so commit versions, attempt traces and values are the same on every run.
// RunWithGolden compares them against testdata/golden/<name>.golden.
package harness
