// Package orchestrator owns the deployment lifecycle state machine.
//
// A deployment moves QUEUED → PENDING → BUILDING → DEPLOYING → COMPLETE,
// where image and helm sources skip BUILDING. ERROR is reachable from
// PENDING, BUILDING, and DEPLOYING; CANCELLED only while the attempt has
// not begun replacing live traffic; STOPPED is an explicit user action on
// a COMPLETE deployment. Failures are data on the record, never retried
// automatically, and never displace the active deployment.
//
// Each app runs a serialized loop: at most one attempt is in flight per
// app, a newer request supersedes a still-cancellable one, and requests
// arriving during a DEPLOYING rollout wait their turn. Cancellation is
// cooperative at transition boundaries. Successful rollouts advance the
// app's active pointer through a guarded write that never regresses to an
// older deployment.
package orchestrator
