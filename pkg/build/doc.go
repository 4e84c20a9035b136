// Package build turns a git-source deployment into a container image.
//
// Builds run as one-shot Jobs in a dedicated build namespace: kaniko for
// dockerfile builds, a railpack runner for buildpack-style builds. Job
// completion is observed two ways, through a shared-informer watch on the
// build namespace and through the build system's authenticated HTTP status
// callback; both feed the same result channel and the orchestrator ignores
// duplicates.
package build
