// Package occ executes mutations with optimistic concurrency control.
//
// Each mutation runs as a sequence of attempts. An attempt pins a snapshot,
// runs the function against it through the executor, and commits the
// resulting write set only if nothing the attempt read or wrote changed
// since the snapshot. A conflicting commit discards the attempt and starts
// over from the original arguments on a fresh snapshot.
//
// State machine:
//
//	Sampling -> [pause retry_mutation_loop_start] -> Executing -> Committing
//	Committing -> Succeeded
//	Committing -> Conflicted -> Sampling        (attempts left)
//	Committing -> Conflicted -> Exhausted       (max_retries + 1 attempts made)
//	Executing  -> Failed                        (function error, timeout, ...)
//
// INVARIANTS:
//   - At most max_retries + 1 attempts per mutation
//   - At most one write set committed per mutation
//   - Function errors, timeouts and internal errors are never retried
//   - Every attempt starts from the request's original arguments
package occ
