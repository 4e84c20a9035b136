// Package rollout observes the pods of an in-flight deployment and decides
// when the rollout has succeeded or can no longer succeed.
//
// The tracker is stateless: each poll lists the deployment's pods by label
// and folds them into a PodStatus snapshot. Polling cadence adapts to the
// snapshot, from sub-second while pods are scheduling to tens of seconds
// once everything is stable. Transient API errors are retried and never
// produce a rollout decision.
package rollout
