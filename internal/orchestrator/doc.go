// Package orchestrator drives a plan/execute/critique run to completion.
//
// # Overview
//
// A run turns a free-text goal into a final answer by planning a short list of
// steps, executing each step, having a critic review the result, and either
// advancing to the next step or retrying the current one. Retries are bounded
// per step; exhausting them degrades to a partial answer instead of an error.
//
// # Architecture
//
// Three pieces cooperate:
//
//	Router ──▶ Transition ──▶ Directive ──▶ Performer ──▶ Router ──▶ ...
//
// ## TaskState
//
// TaskState is the single record threaded through a run. It is owned by the
// Router for the lifetime of the run and is never mutated in place: every
// change is expressed as a Patch applied to a fresh copy (see TaskState.Apply).
//
// ## Transition
//
// Transition is the supervisor. It is a pure function from state to a Patch and
// a Directive naming the next performer (or terminal). It owns every branching
// decision, retry accounting and the terminal conditions:
//
//	START    ──▶ PLAN      (planner)       plan empty
//	START    ──▶ EXECUTE   (executor)      plan already present
//	PLAN     ──▶ EXECUTE   (executor)
//	EXECUTE  ──▶ CRITIQUE  (critic)        or EXECUTE on a performer failure
//	CRITIQUE ──▶ ADVANCE   (supervisor)    approved
//	CRITIQUE ──▶ EXECUTE   (executor)      rejected, retry_count+1
//	ADVANCE  ──▶ COMPLETE  (terminal)      last step
//	ADVANCE  ──▶ EXECUTE   (executor)      next step, retry_count reset
//
// Before any of these, a retry guard forces COMPLETE once retry_count reaches
// the configured maximum.
//
// ## Router
//
// The Router repeatedly calls Transition, applies the patch, dispatches the
// directed performer and folds its output back into the state. ADVANCE is
// resolved as a trampoline: the supervisor is re-invoked with no performer
// call in between. A hard tick ceiling bounds the loop independently of the
// retry budget.
//
// # Failures
//
// Performers never fail a run on bad content. Empty output, schema validation
// failures and critic rejections all arrive as a *Failure and take the same
// retry path. Only collaborator outages (transport errors) are returned to the
// caller, wrapped in ErrCollaboratorUnavailable.
package orchestrator
