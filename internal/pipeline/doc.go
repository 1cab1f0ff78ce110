// Package pipeline sequences the calculation steps of one business date.
//
// States:
//   - not_started -> initializing -> running_step(i) -> running_step(i+1)
//   - running_step(i) -> completed | failed | error
//   - initializing -> error
//
// An invocation holds the per-date lock for its whole lifetime. The run key is
// resolved before the first step and again after the last step (or at the
// failing step); a record created under a key that steps later replace keeps
// its Running status.
//
// Observers never influence the pipeline: closing a subscription or dropping
// a slow observer does not cancel the invocation. Cancelling the context
// passed to Start does, and the run record is then marked Failed.
package pipeline
