// Package orchestrator advances conversations through their workflow.
//
// One Advance call takes a single user input and drives agent steps until
// the router yields back to the user, the workflow terminates, or the
// per-advance step cap is reached. All messages produced by the turn are
// committed to the store in one atomic Commit together with the new
// conversation position, agent memory and status. A failed or cancelled
// turn commits no messages.
//
// Execution model:
//   - At most one Advance per conversation id runs at a time (keyed lock);
//     unrelated conversations never contend
//   - Agent invocations are bounded by the workflow's model timeout and
//     retried with exponential backoff for retryable failures
//   - Retrieval requests are served from the configured index; retrieval
//     failures degrade to "no context" and are noted on the message
//   - Stream exposes the same turn as step-level events
package orchestrator
