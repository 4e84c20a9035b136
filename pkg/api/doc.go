// Package api exposes the orchestrator over HTTP: app and deployment CRUD,
// lifecycle actions, the git webhook, the build-system callback, and an SSE
// event stream per app.
package api
