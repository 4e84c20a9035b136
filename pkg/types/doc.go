/*
Package types defines the core data structures used throughout Quarry.

This package contains the fundamental types of Quarry's domain model: apps,
deployments, deployment configs, trigger requests, and pod status snapshots.
These types are used by every other package for persistence, orchestration,
and API communication.

# Core Types

Apps and history:
  - App: deployable unit with an immutable namespace, a CD gate, and a
    guarded pointer to its active deployment
  - Deployment: one immutable build/rollout attempt carrying a config
    snapshot, a source pointer, and a lifecycle status
  - DeploymentStatus: queued, pending, building, deploying, complete,
    error, cancelled, stopped

Configuration:
  - DeploymentConfig: tagged union over git, image, and helm sources
  - Workload: port, replicas, resources, env, mounts, ingress settings
  - ConfigDelta: partial override merged by the resolver

Triggers:
  - DeploymentRequest: normalized output of trigger ingestion
  - TriggerKind: push, workflow_run, redeploy, rollback, config_update
  - TemplateMode: reuse a prior deployment's source or its whole config

Rollout:
  - PodStatus: aggregated scheduled/ready/total counts and a phase

All types serialize as JSON for the bbolt ledger. Deployment records are
append-only history: once created, only Status, Reason, ImageRef, and the
PodStatus snapshot change.
*/
package types
