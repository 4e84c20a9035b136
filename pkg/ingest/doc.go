// Package ingest turns external triggers into deployment requests.
//
// Three trigger families exist: git webhooks (push, workflow_run), manual
// actions (redeploy, rollback), and direct config updates. Every trigger
// is normalized into a DeploymentRequest and gated before anything is
// persisted: automatic triggers are rejected while continuous deployment
// is disabled for the app, manual triggers always pass. A rejected trigger
// creates no deployment record at all.
package ingest
