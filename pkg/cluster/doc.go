// Package cluster renders resolved deployment configs into Kubernetes
// objects and applies them with create-or-update semantics.
//
// Each app owns one namespace. A workload config becomes a Deployment,
// Service, optional Ingress, a Secret holding sensitive env vars, and one
// PVC per volume mount. Helm configs run as a one-shot chart runner Job.
// Everything carries the platform labels so the rollout tracker can select
// a deployment's pods and teardown can sweep an app's objects.
package cluster
