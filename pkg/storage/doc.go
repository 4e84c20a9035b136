/*
Package storage provides BoltDB-backed persistence for Quarry's orchestrator
state: apps, the append-only deployment ledger, and the global uniqueness
claims for namespaces and subdomains.

# Buckets

	apps              App ID -> App (JSON)
	deployments       Deployment ID -> Deployment (JSON)
	deployment_index  per-app sub-bucket: big-endian seq -> Deployment ID
	subdomain_claims  subdomain -> App ID
	namespace_claims  namespace -> App ID

The per-app index bucket supplies the monotonic sequence (NextSequence) that
totally orders an app's deployments, and walking it backwards yields the
newest-first pagination order without sorting.

# Guarded writes

Three operations rely on BoltDB's single-writer transactions for their
compare-and-swap semantics:

  - CreateApp claims the namespace and writes the app in one transaction
  - ClaimSubdomain checks-and-reserves a subdomain against all apps
  - SetActiveDeployment advances the active pointer only if no later
    deployment of the same app is already active (monotonicity guard)

Everything is serialized as JSON. Deployment records are append-only history
and are deleted only by the cascade in DeleteApp.
*/
package storage
